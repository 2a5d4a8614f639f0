package gateway_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	apitesting "github.com/giftlane/relay/api/testing"
	"github.com/giftlane/relay/domain"
	"github.com/giftlane/relay/realtime/pkg/gateway"
	"github.com/giftlane/relay/realtime/pkg/notify"
	relaytesting "github.com/giftlane/relay/utils/pkg/testing"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

type wireFrame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func serve(t *testing.T, f *fixture) string {
	t.Helper()
	srv := httptest.NewServer(f.gw)
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// liveFixture trusts X-Forwarded-For so each test can present its own IP.
func liveFixture(t *testing.T, mutate ...func(*gateway.Config)) *fixture {
	t.Helper()
	return newFixture(t, append([]func(*gateway.Config){func(cfg *gateway.Config) {
		cfg.TrustProxy = true
	}}, mutate...)...)
}

func dial(t *testing.T, f *fixture, url, user string) *websocket.Conn {
	t.Helper()
	h := http.Header{}
	h.Set("Authorization", "Bearer "+f.token(t, user))
	h.Set("X-Forwarded-For", newIP())
	ws, resp, err := websocket.DefaultDialer.Dial(url, h)
	require.NoError(t, err)
	_ = resp.Body.Close()
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func read(t *testing.T, ws *websocket.Conn) wireFrame {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	var f wireFrame
	require.NoError(t, ws.ReadJSON(&f))
	return f
}

func readError(t *testing.T, ws *websocket.Conn) gateway.ErrorData {
	t.Helper()
	f := read(t, ws)
	require.Equal(t, gateway.EventError, f.Event)
	var d gateway.ErrorData
	require.NoError(t, json.Unmarshal(f.Data, &d))
	return d
}

func TestRelay_Gateway_Transport_RejectsHandshake(t *testing.T) {
	t.Parallel()

	f := liveFixture(t)
	url := serve(t, f)

	h := http.Header{}
	h.Set("X-Forwarded-For", newIP())
	_, resp, err := websocket.DefaultDialer.Dial(url+"?token=garbage", h)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	defer resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var body gateway.ErrorData
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, gateway.TypeConnectionRejected, body.Type)
	require.NotContains(t, body.Message, "malformed")
}

func TestRelay_Gateway_Transport_RateLimitedHandshake(t *testing.T) {
	t.Parallel()

	f := liveFixture(t, func(cfg *gateway.Config) { cfg.IPCapacity = 1 })
	url := serve(t, f)
	ip := newIP()

	h := http.Header{}
	h.Set("X-Forwarded-For", ip)
	h.Set("Authorization", "Bearer "+f.token(t, newUser()))
	ws, resp, err := websocket.DefaultDialer.Dial(url, h)
	require.NoError(t, err)
	_ = resp.Body.Close()
	_ = ws.Close()

	_, resp, err = websocket.DefaultDialer.Dial(url, h)
	require.Error(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	require.NotEmpty(t, resp.Header.Get("Retry-After"))
}

func TestRelay_Gateway_Transport_SubscribeAndBroadcast(t *testing.T) {
	t.Parallel()

	f := liveFixture(t)
	url := serve(t, f)
	creator := newUser()
	p := packet("11", creator)
	f.res.add(p)

	ws := dial(t, f, url, creator)
	require.NoError(t, ws.WriteJSON(gateway.ClientMessage{Event: "subscribe", Topic: "packet:11"}))

	got := read(t, ws)
	require.Equal(t, gateway.EventSubscribed, got.Event)
	var sub gateway.SubscribedData
	require.NoError(t, json.Unmarshal(got.Data, &sub))
	require.Equal(t, "packet:11", sub.Topic)
	require.Equal(t, domain.Permissions{CanView: true, CanViewStats: true, CanViewClaims: true}, sub.Permissions)

	n := domain.NewNotice(p)
	require.Equal(t, 1, f.gw.Broadcast(n.Topic(), "packet:created", n))
	got = read(t, ws)
	require.Equal(t, "packet:created", got.Event)
	var notice domain.Notice
	require.NoError(t, json.Unmarshal(got.Data, &notice))
	require.Equal(t, "11", notice.ID)
	require.NotNil(t, notice.Stats)

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("unsubscribe:packet:11")))
	got = read(t, ws)
	require.Equal(t, gateway.EventUnsubscribed, got.Event)
	require.JSONEq(t, `{"topic":"packet:11"}`, string(got.Data))
	require.Zero(t, f.gw.Broadcast(n.Topic(), "packet:created", n))
}

func TestRelay_Gateway_Transport_ClientErrors(t *testing.T) {
	t.Parallel()

	f := liveFixture(t)
	url := serve(t, f)
	f.res.add(gift("12", newUser(), newUser()))
	ws := dial(t, f, url, newUser())

	tests := []struct {
		msg  string
		want gateway.ErrorType
	}{
		{"hello", gateway.TypeInvalidMessage},
		{`{"event":`, gateway.TypeInvalidMessage},
		{`{"event":"dance","topic":"gift:12"}`, gateway.TypeInvalidMessage},
		{"subscribe:gift:nope", gateway.TypeInvalidTopic},
		{"subscribe:gift:12", gateway.TypePermissionDenied},
	}
	for _, tt := range tests {
		require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(tt.msg)))
		require.Equal(t, tt.want, readError(t, ws).Type, tt.msg)
	}

	// The connection survives client errors.
	f.res.add(packet("13", newUser()))
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("subscribe:packet:13")))
	require.Equal(t, gateway.EventSubscribed, read(t, ws).Event)
}

func TestRelay_Gateway_Transport_MessageRateLimit(t *testing.T) {
	t.Parallel()

	f := liveFixture(t, func(cfg *gateway.Config) {
		cfg.MessageRate = rate.Every(time.Hour)
		cfg.MessageBurst = 2
	})
	url := serve(t, f)
	f.res.add(packet("14", newUser()))
	ws := dial(t, f, url, newUser())

	for range 3 {
		require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("subscribe:packet:14")))
	}
	require.Equal(t, gateway.EventSubscribed, read(t, ws).Event)
	require.Equal(t, gateway.EventSubscribed, read(t, ws).Event)
	require.Equal(t, gateway.TypeRateLimitExceeded, readError(t, ws).Type)
}

func TestRelay_Gateway_Transport_CleanupOnClose(t *testing.T) {
	t.Parallel()

	f := liveFixture(t)
	url := serve(t, f)
	user := newUser()
	f.res.add(packet("15", user))

	ws := dial(t, f, url, user)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("subscribe:packet:15")))
	require.Equal(t, gateway.EventSubscribed, read(t, ws).Event)
	require.Equal(t, 1, f.gw.LocalConnections())

	require.NoError(t, ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	_ = ws.Close()

	require.Eventually(t, func() bool {
		conns, err := f.gw.Connections(t.Context(), user)
		if err != nil || len(conns) > 0 {
			return false
		}
		subs, err := f.gw.Subscriptions(t.Context(), user)
		return err == nil && len(subs) == 0 && f.gw.LocalConnections() == 0
	}, 5*time.Second, 20*time.Millisecond)
}

func TestRelay_Gateway_Transport_EvictionAcrossProcesses(t *testing.T) {
	t.Parallel()

	prefix := uuid.NewString()
	bus, err := notify.New(notify.Config{
		Logger:           relaytesting.NewLogger(),
		Redis:            apitesting.NewTestClient(t, testRedis),
		BroadcastChannel: prefix + ":broadcast",
		ControlChannel:   prefix + ":control",
	})
	require.NoError(t, err)

	// Two gateways share Redis and the bus but hold different sockets.
	withBus := func(cfg *gateway.Config) {
		cfg.Evictor = bus
		cfg.MaxConnectionsPerUser = 1
	}
	first := liveFixture(t, withBus)
	second := liveFixture(t, withBus)

	for _, f := range []*fixture{first, second} {
		ready := make(chan struct{})
		go func() { _ = bus.Run(t.Context(), f.gw, ready) }()
		select {
		case <-ready:
		case <-time.After(5 * time.Second):
			t.Fatal("bus did not subscribe")
		}
	}

	user := newUser()
	old := dial(t, first, serve(t, first), user)
	dial(t, second, serve(t, second), user)

	require.Equal(t, gateway.TypeConnectionEvicted, readError(t, old).Type)
	require.NoError(t, old.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err = old.ReadMessage()
	require.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation), "got %v", err)

	require.Eventually(t, func() bool {
		conns, err := second.gw.Connections(t.Context(), user)
		return err == nil && len(conns) == 1 && first.gw.LocalConnections() == 0
	}, 5*time.Second, 20*time.Millisecond)
}
