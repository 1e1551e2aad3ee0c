package realtime

import (
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	olympus "github.com/olympus-platform/olympus-client/client"
	"github.com/olympus-platform/olympus-client/client/realtime/mocktesting"
)

type staticTokens struct{ token string }

func (s staticTokens) AccessToken() (string, bool) { return s.token, s.token != "" }

func testConfig(url string) Config {
	return Config{
		URL:                  url,
		HeartbeatInterval:    20 * time.Millisecond,
		ReconnectDelay:       25 * time.Millisecond,
		MaxReconnectAttempts: 5,
		HandshakeTimeout:     2 * time.Second,
		SubscriberBuffer:     32,
	}
}

func newTestChannel(server *mocktesting.MockRealtimeServer) *Channel {
	return NewChannel(testConfig(server.URL()), staticTokens{token: "test-token"}, zerolog.New(io.Discard))
}

// nextEvent reads one status event or fails the test.
func nextEvent(t *testing.T, sub *Subscription[StatusEvent]) StatusEvent {
	t.Helper()
	select {
	case ev, ok := <-sub.C:
		require.True(t, ok, "status stream closed")
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for status event")
		return StatusEvent{}
	}
}

// waitState drains status events until the wanted state appears.
func waitState(t *testing.T, sub *Subscription[StatusEvent], want State) StatusEvent {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev, ok := <-sub.C:
			require.True(t, ok, "status stream closed")
			if ev.State == want {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for state %s", want)
		}
	}
}

func TestChannel_ConnectEmitsConnectingThenConnected(t *testing.T) {
	server := mocktesting.NewMockRealtimeServer()
	defer server.Close()

	ch := newTestChannel(server)
	defer ch.Disconnect()
	status := ch.Status()
	defer status.Close()

	require.NoError(t, ch.Connect(context.Background()))

	assert.Equal(t, StateConnecting, nextEvent(t, status).State)
	assert.Equal(t, StateConnected, nextEvent(t, status).State)
	assert.Equal(t, StateConnected, ch.State())
}

func TestChannel_ConnectRequiresAccessToken(t *testing.T) {
	server := mocktesting.NewMockRealtimeServer()
	defer server.Close()

	ch := NewChannel(testConfig(server.URL()), staticTokens{}, zerolog.New(io.Discard))

	err := ch.Connect(context.Background())
	require.ErrorIs(t, err, olympus.ErrNoAccessToken)
	assert.Equal(t, StateDisconnected, ch.State())
	assert.EqualValues(t, 0, server.Dials(), "a missing token must not reach the server")
}

func TestChannel_DialSendsTokenQueryParam(t *testing.T) {
	server := mocktesting.NewMockRealtimeServer()
	defer server.Close()
	server.SetRequiredToken("test-token")

	ch := newTestChannel(server)
	defer ch.Disconnect()
	status := ch.Status()
	defer status.Close()

	require.NoError(t, ch.Connect(context.Background()))
	waitState(t, status, StateConnected)
}

func TestChannel_HeartbeatSendsPings(t *testing.T) {
	server := mocktesting.NewMockRealtimeServer()
	defer server.Close()

	ch := newTestChannel(server)
	defer ch.Disconnect()
	status := ch.Status()
	defer status.Close()

	require.NoError(t, ch.Connect(context.Background()))
	waitState(t, status, StateConnected)

	require.Eventually(t, func() bool {
		return countFrames(server, "ping") >= 2
	}, 2*time.Second, 10*time.Millisecond, "expected periodic pings")
}

func TestChannel_ReconnectExhaustionEmitsExactSequence(t *testing.T) {
	server := mocktesting.NewMockRealtimeServer()
	defer server.Close()
	server.SetRefuse(true)

	ch := newTestChannel(server)
	status := ch.Status()
	defer status.Close()

	require.NoError(t, ch.Connect(context.Background()))

	wantStates := []State{
		StateConnecting,
		StateReconnecting, StateReconnecting, StateReconnecting, StateReconnecting, StateReconnecting,
		StateFailed,
	}
	for i, want := range wantStates {
		ev := nextEvent(t, status)
		assert.Equal(t, want, ev.State, "event %d", i)
		if want == StateReconnecting {
			assert.Equal(t, i, ev.Attempt, "attempt counter on event %d", i)
		}
	}

	// Terminal: no further dials, no further events.
	dials := server.Dials()
	assert.EqualValues(t, 6, dials, "initial dial plus five retries")

	time.Sleep(5 * ch.cfg.ReconnectDelay)
	assert.EqualValues(t, dials, server.Dials(), "no attempts after Failed")
	select {
	case ev := <-status.C:
		t.Fatalf("unexpected status event after Failed: %+v", ev)
	default:
	}
	assert.Equal(t, StateFailed, ch.State())
}

func TestChannel_ConnectAfterFailedRestartsBudget(t *testing.T) {
	server := mocktesting.NewMockRealtimeServer()
	defer server.Close()
	server.SetRefuse(true)

	ch := newTestChannel(server)
	defer ch.Disconnect()
	status := ch.Status()
	defer status.Close()

	require.NoError(t, ch.Connect(context.Background()))
	waitState(t, status, StateFailed)

	// The server recovers and a fresh Connect succeeds.
	server.SetRefuse(false)
	require.NoError(t, ch.Connect(context.Background()))
	waitState(t, status, StateConnected)
}

func TestChannel_SuccessfulReconnectResetsAttemptCounter(t *testing.T) {
	server := mocktesting.NewMockRealtimeServer()
	defer server.Close()

	ch := newTestChannel(server)
	defer ch.Disconnect()
	status := ch.Status()
	defer status.Close()

	require.NoError(t, ch.Connect(context.Background()))
	waitState(t, status, StateConnected)

	// First drop: one reconnect attempt, then connected again.
	server.CloseClients()
	ev := waitState(t, status, StateReconnecting)
	assert.Equal(t, 1, ev.Attempt)
	waitState(t, status, StateConnected)

	// Second drop: the counter starts over at 1, proving the reset.
	server.CloseClients()
	ev = waitState(t, status, StateReconnecting)
	assert.Equal(t, 1, ev.Attempt)
	waitState(t, status, StateConnected)
}

func TestChannel_DisconnectStopsPendingReconnect(t *testing.T) {
	server := mocktesting.NewMockRealtimeServer()
	defer server.Close()
	server.SetRefuse(true)

	ch := newTestChannel(server)
	status := ch.Status()
	defer status.Close()

	require.NoError(t, ch.Connect(context.Background()))
	waitState(t, status, StateReconnecting)

	ch.Disconnect()
	waitState(t, status, StateDisconnected)

	dials := server.Dials()
	time.Sleep(5 * ch.cfg.ReconnectDelay)
	assert.EqualValues(t, dials, server.Dials(), "no dial after Disconnect")
	assert.Equal(t, StateDisconnected, ch.State())
}

func TestChannel_DisconnectIsIdempotent(t *testing.T) {
	server := mocktesting.NewMockRealtimeServer()
	defer server.Close()

	ch := newTestChannel(server)
	status := ch.Status()
	defer status.Close()

	require.NoError(t, ch.Connect(context.Background()))
	waitState(t, status, StateConnected)

	ch.Disconnect()
	ch.Disconnect()
	assert.Equal(t, StateDisconnected, ch.State())
}

func TestChannel_SendWhileNotConnectedIsSilentNoop(t *testing.T) {
	server := mocktesting.NewMockRealtimeServer()
	defer server.Close()

	ch := newTestChannel(server)

	// Never connected: nothing to deliver, nothing panics.
	ch.Send(Envelope{Type: "ping"})
	assert.Empty(t, server.Received())

	// Connected then disconnected: still a no-op.
	status := ch.Status()
	defer status.Close()
	require.NoError(t, ch.Connect(context.Background()))
	waitState(t, status, StateConnected)
	ch.Disconnect()

	before := len(server.Received())
	ch.Send(Envelope{Type: "ping"})
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, server.Received(), before)
}

func TestChannel_SubscribeSendsControlFrame(t *testing.T) {
	server := mocktesting.NewMockRealtimeServer()
	defer server.Close()

	ch := newTestChannel(server)
	defer ch.Disconnect()
	status := ch.Status()
	defer status.Close()

	require.NoError(t, ch.Connect(context.Background()))
	waitState(t, status, StateConnected)

	ch.SubscribeOrders("order-7")
	ch.SubscribeInventory("loc-3")
	ch.SubscribeNotifications("user-9")

	require.Eventually(t, func() bool {
		return countFrames(server, "subscribe") == 3
	}, 2*time.Second, 10*time.Millisecond)

	frames := controlFrames(server, "subscribe")
	assert.Contains(t, frames, controlMessage{Type: "subscribe", Channel: "order", OrderID: "order-7"})
	assert.Contains(t, frames, controlMessage{Type: "subscribe", Channel: "inventory", LocationID: "loc-3"})
	assert.Contains(t, frames, controlMessage{Type: "subscribe", Channel: "notification", UserID: "user-9"})

	ch.UnsubscribeOrders("order-7")
	require.Eventually(t, func() bool {
		return countFrames(server, "unsubscribe") == 1
	}, 2*time.Second, 10*time.Millisecond)
	frames = controlFrames(server, "unsubscribe")
	assert.Contains(t, frames, controlMessage{Type: "unsubscribe", Channel: "order", OrderID: "order-7"})
}

func TestChannel_SubscriptionsReplayedAfterReconnect(t *testing.T) {
	server := mocktesting.NewMockRealtimeServer()
	defer server.Close()

	ch := newTestChannel(server)
	defer ch.Disconnect()
	status := ch.Status()
	defer status.Close()

	require.NoError(t, ch.Connect(context.Background()))
	waitState(t, status, StateConnected)

	ch.SubscribeOrders("order-7")
	require.Eventually(t, func() bool {
		return countFrames(server, "subscribe") == 1
	}, 2*time.Second, 10*time.Millisecond)

	server.CloseClients()
	waitState(t, status, StateConnected)

	// The channel re-announces the subscription on the new connection.
	require.Eventually(t, func() bool {
		return countFrames(server, "subscribe") == 2
	}, 2*time.Second, 10*time.Millisecond)
}

// countFrames counts received frames of the given type.
func countFrames(server *mocktesting.MockRealtimeServer, msgType string) int {
	n := 0
	for _, raw := range server.Received() {
		var frame struct {
			Type string `json:"type"`
		}
		if json.Unmarshal(raw, &frame) == nil && frame.Type == msgType {
			n++
		}
	}
	return n
}

// controlFrames decodes received frames of the given type.
func controlFrames(server *mocktesting.MockRealtimeServer, msgType string) []controlMessage {
	var out []controlMessage
	for _, raw := range server.Received() {
		var msg controlMessage
		if json.Unmarshal(raw, &msg) == nil && msg.Type == msgType {
			out = append(out, msg)
		}
	}
	return out
}
