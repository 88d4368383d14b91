package ipcserver

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

func dial(t *testing.T, srv *httptest.Server, header map[string][]string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	ws, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

func TestServeHTTPDispatchesAndReturnsResult(t *testing.T) {
	handler := func(conn *Conn, req Request) (any, error) {
		return map[string]string{"method": req.Method}, nil
	}
	s := New(handler, func(r *http.Request) string { return "" })
	srv := httptest.NewServer(http.HandlerFunc(s.ServeHTTP))
	defer srv.Close()

	ws := dial(t, srv, nil)
	require.NoError(t, ws.WriteJSON(Request{ID: 1, Object: "Identity", Method: "GetInfo"}))

	var resp Response
	require.NoError(t, ws.ReadJSON(&resp))
	require.Equal(t, uint64(1), resp.ID)
	require.Empty(t, resp.Error)

	result, ok := resp.Result.(map[string]any)
	require.True(t, ok)
	require.Equal(t, "GetInfo", result["method"])
}

func TestServeHTTPHandlerErrorBecomesResponseError(t *testing.T) {
	handler := func(conn *Conn, req Request) (any, error) {
		return nil, errors.New("boom")
	}
	s := New(handler, nil)
	srv := httptest.NewServer(http.HandlerFunc(s.ServeHTTP))
	defer srv.Close()

	ws := dial(t, srv, nil)
	require.NoError(t, ws.WriteJSON(Request{ID: 2, Method: "X"}))

	var resp Response
	require.NoError(t, ws.ReadJSON(&resp))
	require.Equal(t, "boom", resp.Error)
}

func TestServeHTTPMalformedRequestGetsErrorResponse(t *testing.T) {
	handler := func(conn *Conn, req Request) (any, error) { return nil, nil }
	s := New(handler, nil)
	srv := httptest.NewServer(http.HandlerFunc(s.ServeHTTP))
	defer srv.Close()

	ws := dial(t, srv, nil)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("not json")))

	var resp Response
	require.NoError(t, ws.ReadJSON(&resp))
	require.NotEmpty(t, resp.Error)
}

func TestConnPushDeliversSignalFrameAsynchronously(t *testing.T) {
	handler := func(conn *Conn, req Request) (any, error) {
		go conn.Push(SignalFrame{ObjectID: "sess-1", Signal: "StateChanged", Args: map[string]string{"state": "ACTIVE"}})
		return "ok", nil
	}
	s := New(handler, nil)
	srv := httptest.NewServer(http.HandlerFunc(s.ServeHTTP))
	defer srv.Close()

	ws := dial(t, srv, nil)
	require.NoError(t, ws.WriteJSON(Request{ID: 1, Method: "Process"}))

	seenResponse := false
	seenSignal := false
	for i := 0; i < 2; i++ {
		ws.SetReadDeadline(time.Now().Add(3 * time.Second))
		_, data, err := ws.ReadMessage()
		require.NoError(t, err)
		var probe map[string]json.RawMessage
		require.NoError(t, json.Unmarshal(data, &probe))
		if _, ok := probe["signal"]; ok {
			seenSignal = true
		} else {
			seenResponse = true
		}
	}
	require.True(t, seenResponse)
	require.True(t, seenSignal)
}

func TestBearerResolvesPeerForNonUnixTransport(t *testing.T) {
	var gotPeer Peer
	handler := func(conn *Conn, req Request) (any, error) {
		gotPeer = conn.Peer()
		return nil, nil
	}
	s := New(handler, func(r *http.Request) string { return r.Header.Get("X-App-Token") })
	srv := httptest.NewServer(http.HandlerFunc(s.ServeHTTP))
	defer srv.Close()

	ws := dial(t, srv, map[string][]string{"X-App-Token": {"client-42"}})
	require.NoError(t, ws.WriteJSON(Request{ID: 1}))

	var resp Response
	require.NoError(t, ws.ReadJSON(&resp))
	require.Equal(t, "client-42", gotPeer.AppID)
}

func TestBroadcastOnlyReachesFilteredPeers(t *testing.T) {
	handler := func(conn *Conn, req Request) (any, error) { return "ok", nil }
	s := New(handler, func(r *http.Request) string { return r.Header.Get("X-App-Token") })
	srv := httptest.NewServer(http.HandlerFunc(s.ServeHTTP))
	defer srv.Close()

	wsA := dial(t, srv, map[string][]string{"X-App-Token": {"a"}})
	wsB := dial(t, srv, map[string][]string{"X-App-Token": {"b"}})

	// Prime each connection with a request/response round trip so the
	// server has resolved and registered each conn before broadcasting.
	require.NoError(t, wsA.WriteJSON(Request{ID: 1}))
	var r1 Response
	require.NoError(t, wsA.ReadJSON(&r1))
	require.NoError(t, wsB.WriteJSON(Request{ID: 1}))
	var r2 Response
	require.NoError(t, wsB.ReadJSON(&r2))

	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return len(s.conns) == 2
	}, 2*time.Second, 10*time.Millisecond)

	s.Broadcast(SignalFrame{ObjectID: "x", Signal: "Ping"}, func(p Peer) bool { return p.AppID == "a" })

	wsA.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := wsA.ReadMessage()
	require.NoError(t, err)
	require.Contains(t, string(data), "Ping")

	wsB.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	_, _, err = wsB.ReadMessage()
	require.Error(t, err, "peer b should not have received the filtered broadcast")
}
