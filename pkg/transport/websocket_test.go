package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

// gatewayOptions scripts the fake support gateway behind the test server.
type gatewayOptions struct {
	rejectLogin bool
	// pushAfterLogin is delivered as a server push right after loginOk.
	pushAfterLogin *Frame
	history        []Envelope
}

func newGatewayServer(t *testing.T, opts gatewayOptions) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer func() { _ = conn.Close() }()

		var login wsFrame
		if err := conn.ReadJSON(&login); err != nil || login.Op != "login" {
			return
		}
		if opts.rejectLogin || login.Creds == nil || login.Creds.Account == "" {
			_ = conn.WriteJSON(wsFrame{Op: "loginFail", Error: "invalid credentials"})
			return
		}
		_ = conn.WriteJSON(wsFrame{Op: "loginOk"})
		if opts.pushAfterLogin != nil {
			_ = conn.WriteJSON(wsFrame{Op: "frame", Frame: opts.pushAfterLogin})
		}

		for {
			var f wsFrame
			if err := conn.ReadJSON(&f); err != nil {
				return
			}
			switch f.Op {
			case "send":
				_ = conn.WriteJSON(wsFrame{
					Op:       "ack",
					ClientID: f.ClientID,
					Confirm:  &Confirm{ServerID: "srv-" + f.ClientID, TimeMs: time.Now().UnixMilli()},
				})
			case "history":
				_ = conn.WriteJSON(wsFrame{Op: "historyResult", ReqID: f.ReqID, Envelopes: opts.history})
			}
		}
	}))
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestWebsocketTransportConnectAndPush(t *testing.T) {
	srv := newGatewayServer(t, gatewayOptions{
		pushAfterLogin: &Frame{Kind: FrameMessage, Messages: []Envelope{{
			ClientID: "in-1",
			Flow:     FlowIn,
			Type:     "text",
			Text:     "welcome",
		}}},
	})
	defer srv.Close()

	tr := NewWebsocketTransport(wsURL(srv), WithWebsocketLoginAttempts(1))
	defer func() { _ = tr.Logout() }()

	received := make(chan []Envelope, 1)
	tr.SetHandlers(Handlers{OnMessages: func(batch []Envelope) { received <- batch }})

	require.NoError(t, tr.Connect(context.Background(), Credentials{AppKey: "k", Account: "visitor-1"}))
	require.Equal(t, ConnectConnected, tr.ConnectState())
	require.Equal(t, LoginLoggedIn, tr.LoginState())

	select {
	case batch := <-received:
		require.Len(t, batch, 1)
		require.Equal(t, "welcome", batch[0].Text)
	case <-time.After(time.Second):
		t.Fatal("pushed frame not delivered")
	}
}

func TestWebsocketTransportSendAck(t *testing.T) {
	srv := newGatewayServer(t, gatewayOptions{})
	defer srv.Close()

	tr := NewWebsocketTransport(wsURL(srv), WithWebsocketLoginAttempts(1))
	defer func() { _ = tr.Logout() }()
	require.NoError(t, tr.Connect(context.Background(), Credentials{AppKey: "k", Account: "visitor-1"}))

	confirm, err := tr.Send(context.Background(), Envelope{ClientID: "c1", Type: "text", Text: "hello"})
	require.NoError(t, err)
	require.Equal(t, "srv-c1", confirm.ServerID)
	require.NotZero(t, confirm.TimeMs)
}

func TestWebsocketTransportFetchHistory(t *testing.T) {
	srv := newGatewayServer(t, gatewayOptions{history: []Envelope{
		{ClientID: "h-1", Type: "text", TimeMs: 100, Text: "old 1"},
		{ClientID: "h-2", Type: "text", TimeMs: 200, Text: "old 2"},
	}})
	defer srv.Close()

	tr := NewWebsocketTransport(wsURL(srv), WithWebsocketLoginAttempts(1))
	defer func() { _ = tr.Logout() }()
	require.NoError(t, tr.Connect(context.Background(), Credentials{AppKey: "k", Account: "visitor-1"}))

	envs, err := tr.FetchHistory(context.Background(), 300, 10)
	require.NoError(t, err)
	require.Len(t, envs, 2)
	require.Equal(t, "h-1", envs[0].ClientID)
}

func TestWebsocketTransportLoginRejected(t *testing.T) {
	srv := newGatewayServer(t, gatewayOptions{rejectLogin: true})
	defer srv.Close()

	tr := NewWebsocketTransport(wsURL(srv), WithWebsocketLoginAttempts(1))
	err := tr.Connect(context.Background(), Credentials{AppKey: "k", Account: "visitor-1"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "invalid credentials")
	require.Equal(t, ConnectDisconnected, tr.ConnectState())
	require.Equal(t, LoginLoggedOut, tr.LoginState())
}

func TestWebsocketTransportSendRequiresLogin(t *testing.T) {
	tr := NewWebsocketTransport("ws://127.0.0.1:0/nowhere")
	_, err := tr.Send(context.Background(), Envelope{ClientID: "c1", Type: "text"})
	require.Error(t, err)
}
