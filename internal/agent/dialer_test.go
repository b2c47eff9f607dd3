package agent

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNormalizeWSURL(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{name: "already ws", in: "ws://127.0.0.1:8765/ws", want: "ws://127.0.0.1:8765/ws"},
		{name: "already wss", in: "wss://example.com/ws", want: "wss://example.com/ws"},
		{name: "http to ws", in: "http://127.0.0.1:8765/ws", want: "ws://127.0.0.1:8765/ws"},
		{name: "https to wss", in: "https://example.com/ws", want: "wss://example.com/ws"},
		{name: "invalid", in: "://bad-url", wantErr: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := NormalizeWSURL(tc.in)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %q", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tc.want {
				t.Fatalf("NormalizeWSURL(%q)=%q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestEndpoints(t *testing.T) {
	tests := []struct {
		in         string
		wantWS     string
		wantStatus string
	}{
		{in: "http://localhost:8765", wantWS: "ws://localhost:8765/ws", wantStatus: "http://localhost:8765/status"},
		{in: "http://localhost:8765/", wantWS: "ws://localhost:8765/ws", wantStatus: "http://localhost:8765/status"},
		{in: "https://gate.local/base", wantWS: "wss://gate.local/base/ws", wantStatus: "https://gate.local/base/status"},
		{in: "ws://127.0.0.1:9000", wantWS: "ws://127.0.0.1:9000/ws", wantStatus: "http://127.0.0.1:9000/status"},
	}
	for _, tc := range tests {
		t.Run(tc.in, func(t *testing.T) {
			ws, status, err := Endpoints(tc.in)
			require.NoError(t, err)
			require.Equal(t, tc.wantWS, ws)
			require.Equal(t, tc.wantStatus, status)
		})
	}

	_, _, err := Endpoints("localhost")
	require.Error(t, err)
}

func TestHTTPStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/status", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"sessions":3,"working":1,"waitingForInput":1,"blocked":false}`))
	}))
	defer srv.Close()

	st, err := HTTPStatus{URL: srv.URL + "/status"}.FetchStatus(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, st.Sessions)
	require.Equal(t, 1, st.Working)
	require.Equal(t, 1, st.WaitingForInput)
	require.False(t, st.Blocked)
}

func TestHTTPStatusErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer srv.Close()
	_, err := HTTPStatus{URL: srv.URL}.FetchStatus(context.Background())
	require.Error(t, err)

	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer slow.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = HTTPStatus{URL: slow.URL}.FetchStatus(ctx)
	require.Error(t, err)
}
