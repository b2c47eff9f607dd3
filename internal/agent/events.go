package agent

import "webgate/internal/protocol"

// event is one unit of work for the agent's loop.
type event interface {
	apply(a *Agent)
}

type dialResult struct {
	gen  uint64
	conn Conn
	err  error
}

type frame struct {
	gen  uint64
	data []byte
}

type channelClosed struct {
	gen uint64
	err error
}

type heartbeatDue struct{ gen uint64 }

type reconnectDue struct{ seq uint64 }

type bypassExpired struct{ seq uint64 }

type stateRequest struct{ reply chan PublicState }

type statusResult struct {
	reply  chan PublicState
	status protocol.Status
	err    error
}

type bypassRequest struct{ reply chan BypassResult }

type retryRequest struct{ reply chan RetryResult }

type refreshRequest struct{}

func (e dialResult) apply(a *Agent)     { a.onDialResult(e) }
func (e frame) apply(a *Agent)          { a.onFrame(e) }
func (e channelClosed) apply(a *Agent)  { a.onChannelClosed(e) }
func (e heartbeatDue) apply(a *Agent)   { a.onHeartbeat(e) }
func (e reconnectDue) apply(a *Agent)   { a.onReconnectDue(e) }
func (e bypassExpired) apply(a *Agent)  { a.onBypassExpired(e) }
func (e stateRequest) apply(a *Agent)   { a.onState(e) }
func (e statusResult) apply(a *Agent)   { a.onStatusResult(e) }
func (e bypassRequest) apply(a *Agent)  { a.onBypass(e) }
func (e retryRequest) apply(a *Agent)   { a.onRetry(e) }
func (e refreshRequest) apply(a *Agent) { a.publish() }
