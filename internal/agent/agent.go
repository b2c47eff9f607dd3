package agent

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"webgate/internal/clock"
	"webgate/internal/decision"
	"webgate/internal/protocol"
)

var ErrStopped = errors.New("sync agent stopped")

// Settings supplies the externally configured bypass duration.
type Settings interface {
	BypassDuration() time.Duration
}

type Config struct {
	URL    string
	Dialer Dialer
	// Status is optional; without it State never queries the hub directly.
	Status   StatusFetcher
	Settings Settings
	Clock    clock.Clock

	KeepaliveInterval time.Duration
	ReconnectFloor    time.Duration
	ReconnectCeiling  time.Duration
	StatusTimeout     time.Duration
}

type Phase int

const (
	PhaseDisconnected Phase = iota
	PhaseConnecting
	PhaseConnected
)

func (p Phase) String() string {
	switch p {
	case PhaseConnecting:
		return "connecting"
	case PhaseConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// PublicState is what local consumers see.
type PublicState struct {
	ServerConnected bool   `json:"serverConnected"`
	Sessions        int    `json:"sessions"`
	Working         int    `json:"working"`
	WaitingForInput int    `json:"waitingForInput"`
	Blocked         bool   `json:"blocked"`
	BypassActive    bool   `json:"bypassActive"`
	BypassUntil     *int64 `json:"bypassUntil"`
	// BypassDuration is in seconds.
	BypassDuration int `json:"bypassDuration"`
}

type BypassResult struct {
	Success     bool  `json:"success"`
	BypassUntil int64 `json:"bypassUntil"`
}

type RetryResult struct {
	Success bool `json:"success"`
}

// Agent keeps one sync channel to the hub and republishes the merged state.
// All of its state is owned by the goroutine running Run; timers, channel
// events and consumer requests reach it as events and are handled one at a
// time.
type Agent struct {
	cfg     Config
	events  chan event
	stopped chan struct{}
	ctx     context.Context

	phase      Phase
	gen        uint64
	conn       Conn
	cancelDial context.CancelFunc
	backoff    Backoff

	serverConnected bool
	sessions        int
	working         int
	waitingForInput int

	bypassUntilMS int64
	bypassSeq     uint64
	bypassTimer   clock.Timer
	heartbeat     clock.Timer
	reconnectSeq  uint64
	reconnect     clock.Timer

	subMu      sync.Mutex
	subs       map[chan PublicState]struct{}
	subsClosed bool
}

func New(cfg Config) *Agent {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Dialer == nil {
		cfg.Dialer = WSDialer{}
	}
	if cfg.KeepaliveInterval <= 0 {
		cfg.KeepaliveInterval = protocol.KeepaliveInterval
	}
	if cfg.ReconnectFloor <= 0 {
		cfg.ReconnectFloor = protocol.ReconnectFloor
	}
	if cfg.ReconnectCeiling < cfg.ReconnectFloor {
		cfg.ReconnectCeiling = max(protocol.ReconnectCeiling, cfg.ReconnectFloor)
	}
	if cfg.StatusTimeout <= 0 {
		cfg.StatusTimeout = protocol.StatusTimeout
	}
	return &Agent{
		cfg:     cfg,
		events:  make(chan event, 64),
		stopped: make(chan struct{}),
		backoff: Backoff{Floor: cfg.ReconnectFloor, Ceiling: cfg.ReconnectCeiling},
		subs:    make(map[chan PublicState]struct{}),
	}
}

// Run connects and processes events until ctx is done. It must be called
// exactly once.
func (a *Agent) Run(ctx context.Context) error {
	a.ctx = ctx
	defer close(a.stopped)
	a.connect()
	for {
		select {
		case <-ctx.Done():
			a.shutdown()
			return nil
		case ev := <-a.events:
			ev.apply(a)
		}
	}
}

// State returns the current public state. While disconnected it first asks
// the hub directly.
func (a *Agent) State(ctx context.Context) (PublicState, error) {
	reply := make(chan PublicState, 1)
	if err := a.request(ctx, stateRequest{reply: reply}); err != nil {
		return PublicState{}, err
	}
	return await(ctx, a, reply)
}

func (a *Agent) ActivateBypass(ctx context.Context) (BypassResult, error) {
	reply := make(chan BypassResult, 1)
	if err := a.request(ctx, bypassRequest{reply: reply}); err != nil {
		return BypassResult{}, err
	}
	return await(ctx, a, reply)
}

// Retry drops the backoff to its floor and reconnects immediately.
func (a *Agent) Retry(ctx context.Context) (RetryResult, error) {
	reply := make(chan RetryResult, 1)
	if err := a.request(ctx, retryRequest{reply: reply}); err != nil {
		return RetryResult{}, err
	}
	return await(ctx, a, reply)
}

// Refresh republishes the current state, e.g. after settings changed.
func (a *Agent) Refresh(ctx context.Context) error {
	return a.request(ctx, refreshRequest{})
}

// Subscribe returns a channel receiving every published state. Slow readers
// only ever see the latest state. The channel is closed by cancel or when Run
// returns.
func (a *Agent) Subscribe() (<-chan PublicState, func()) {
	ch := make(chan PublicState, 1)
	a.subMu.Lock()
	defer a.subMu.Unlock()
	if a.subsClosed {
		close(ch)
		return ch, func() {}
	}
	a.subs[ch] = struct{}{}
	cancel := func() {
		a.subMu.Lock()
		defer a.subMu.Unlock()
		if _, ok := a.subs[ch]; ok {
			delete(a.subs, ch)
			close(ch)
		}
	}
	return ch, cancel
}

func (a *Agent) request(ctx context.Context, ev event) error {
	select {
	case a.events <- ev:
		return nil
	case <-a.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func await[T any](ctx context.Context, a *Agent, reply <-chan T) (T, error) {
	var zero T
	select {
	case v := <-reply:
		return v, nil
	case <-a.stopped:
		return zero, ErrStopped
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// post is used by timers and helper goroutines.
func (a *Agent) post(ev event) bool {
	select {
	case a.events <- ev:
		return true
	case <-a.stopped:
		return false
	}
}

func (a *Agent) connect() {
	a.dropConn()
	stopTimer(&a.reconnect)
	a.gen++
	gen := a.gen
	a.phase = PhaseConnecting

	dialCtx, cancel := context.WithCancel(a.ctx)
	a.cancelDial = cancel
	slog.Debug("sync channel connecting", "url", a.cfg.URL, "gen", gen)
	go func() {
		conn, err := a.cfg.Dialer.Dial(dialCtx, a.cfg.URL)
		if !a.post(dialResult{gen: gen, conn: conn, err: err}) && conn != nil {
			_ = conn.Close()
		}
	}()
}

func (a *Agent) onDialResult(ev dialResult) {
	if ev.gen != a.gen || a.phase != PhaseConnecting {
		if ev.conn != nil {
			_ = ev.conn.Close()
		}
		return
	}
	if a.cancelDial != nil {
		a.cancelDial()
		a.cancelDial = nil
	}
	if ev.err != nil {
		slog.Debug("sync channel dial failed", "url", a.cfg.URL, "err", ev.err)
		a.lostChannel()
		return
	}

	a.conn = ev.conn
	a.phase = PhaseConnected
	a.serverConnected = true
	a.backoff.Reset()
	a.scheduleHeartbeat()
	go a.readLoop(ev.gen, ev.conn)
	slog.Info("sync channel connected", "url", a.cfg.URL)
	a.publish()
}

func (a *Agent) readLoop(gen uint64, conn Conn) {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			a.post(channelClosed{gen: gen, err: err})
			return
		}
		if !a.post(frame{gen: gen, data: data}) {
			return
		}
	}
}

func (a *Agent) onFrame(ev frame) {
	if ev.gen != a.gen || a.phase != PhaseConnected {
		return
	}
	var msg protocol.ServerMessage
	if err := json.Unmarshal(ev.data, &msg); err != nil {
		return
	}
	switch msg.Type {
	case protocol.TypeState:
		a.sessions = msg.Sessions
		a.working = msg.Working
		a.waitingForInput = msg.WaitingForInput
		a.publish()
	case protocol.TypePong:
	}
}

func (a *Agent) onChannelClosed(ev channelClosed) {
	if ev.gen != a.gen || a.phase != PhaseConnected {
		return
	}
	slog.Info("sync channel lost", "url", a.cfg.URL, "err", ev.err)
	a.lostChannel()
}

// lostChannel fails closed and schedules the next attempt.
func (a *Agent) lostChannel() {
	a.dropConn()
	a.phase = PhaseDisconnected
	a.serverConnected = false
	a.publish()

	delay := a.backoff.Next()
	a.reconnectSeq++
	seq := a.reconnectSeq
	a.reconnect = a.cfg.Clock.AfterFunc(delay, func() { a.post(reconnectDue{seq: seq}) })
	slog.Debug("sync channel reconnect scheduled", "delay_ms", delay.Milliseconds())
}

func (a *Agent) onReconnectDue(ev reconnectDue) {
	if ev.seq != a.reconnectSeq || a.phase != PhaseDisconnected {
		return
	}
	a.reconnect = nil
	a.connect()
}

func (a *Agent) scheduleHeartbeat() {
	stopTimer(&a.heartbeat)
	gen := a.gen
	a.heartbeat = a.cfg.Clock.AfterFunc(a.cfg.KeepaliveInterval, func() { a.post(heartbeatDue{gen: gen}) })
}

func (a *Agent) onHeartbeat(ev heartbeatDue) {
	if ev.gen != a.gen || a.phase != PhaseConnected {
		return
	}
	if err := a.conn.WriteJSON(protocol.ClientMessage{Type: protocol.TypePing}); err != nil {
		// The reader sees the broken channel and reports the close.
		slog.Debug("sync channel ping failed", "err", err)
	}
	a.scheduleHeartbeat()
}

func (a *Agent) onState(ev stateRequest) {
	if a.serverConnected || a.cfg.Status == nil {
		ev.reply <- a.publicState()
		return
	}
	ctx, cancel := context.WithTimeout(a.ctx, a.cfg.StatusTimeout)
	go func() {
		defer cancel()
		st, err := a.cfg.Status.FetchStatus(ctx)
		a.post(statusResult{reply: ev.reply, status: st, err: err})
	}()
}

func (a *Agent) onStatusResult(ev statusResult) {
	if ev.err != nil {
		slog.Debug("status query failed", "err", ev.err)
	} else if !a.serverConnected {
		a.sessions = ev.status.Sessions
		a.working = ev.status.Working
		a.waitingForInput = ev.status.WaitingForInput
		a.serverConnected = true
		if a.phase == PhaseDisconnected {
			a.connect()
		}
		a.publish()
	}
	ev.reply <- a.publicState()
}

func (a *Agent) onBypass(ev bypassRequest) {
	d := a.bypassDuration()
	a.bypassUntilMS = a.cfg.Clock.Now().Add(d).UnixMilli()
	stopTimer(&a.bypassTimer)
	a.bypassSeq++
	seq := a.bypassSeq
	a.bypassTimer = a.cfg.Clock.AfterFunc(d, func() { a.post(bypassExpired{seq: seq}) })
	slog.Info("bypass activated", "duration_s", int(d/time.Second), "until_ms", a.bypassUntilMS)
	a.publish()
	ev.reply <- BypassResult{Success: true, BypassUntil: a.bypassUntilMS}
}

func (a *Agent) onBypassExpired(ev bypassExpired) {
	if ev.seq != a.bypassSeq {
		return
	}
	a.bypassUntilMS = 0
	a.bypassTimer = nil
	slog.Info("bypass expired")
	a.publish()
}

func (a *Agent) onRetry(ev retryRequest) {
	a.backoff.Reset()
	wasConnected := a.serverConnected && a.phase == PhaseConnected
	if wasConnected {
		a.serverConnected = false
	}
	a.connect()
	if wasConnected {
		a.publish()
	}
	ev.reply <- RetryResult{Success: true}
}

func (a *Agent) bypassDuration() time.Duration {
	if a.cfg.Settings != nil {
		if d := a.cfg.Settings.BypassDuration(); d > 0 {
			return d
		}
	}
	return protocol.DefaultBypassSeconds * time.Second
}

func (a *Agent) publicState() PublicState {
	now := a.cfg.Clock.Now()
	active := decision.BypassActive(a.bypassUntilMS, now)
	st := PublicState{
		ServerConnected: a.serverConnected,
		Sessions:        a.sessions,
		Working:         a.working,
		WaitingForInput: a.waitingForInput,
		BypassActive:    active,
		BypassDuration:  int(a.bypassDuration() / time.Second),
		Blocked: decision.Blocked(decision.Input{
			Working:         a.working,
			WaitingForInput: a.waitingForInput,
			BypassActive:    active,
			ServerConnected: a.serverConnected,
		}),
	}
	if a.bypassUntilMS != 0 {
		until := a.bypassUntilMS
		st.BypassUntil = &until
	}
	return st
}

func (a *Agent) publish() {
	st := a.publicState()
	slog.Debug("state published",
		"blocked", st.Blocked,
		"server_connected", st.ServerConnected,
		"working", st.Working,
		"waiting_for_input", st.WaitingForInput,
		"bypass_active", st.BypassActive,
	)
	a.subMu.Lock()
	defer a.subMu.Unlock()
	for ch := range a.subs {
		select {
		case ch <- st:
			continue
		default:
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- st:
		default:
		}
	}
}

func (a *Agent) dropConn() {
	if a.cancelDial != nil {
		a.cancelDial()
		a.cancelDial = nil
	}
	if a.conn != nil {
		_ = a.conn.Close()
		a.conn = nil
	}
	stopTimer(&a.heartbeat)
}

func (a *Agent) shutdown() {
	a.dropConn()
	stopTimer(&a.reconnect)
	stopTimer(&a.bypassTimer)
	a.phase = PhaseDisconnected

	a.subMu.Lock()
	defer a.subMu.Unlock()
	a.subsClosed = true
	for ch := range a.subs {
		delete(a.subs, ch)
		close(ch)
	}
}

func stopTimer(t *clock.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}
