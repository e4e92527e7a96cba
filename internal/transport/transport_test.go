package transport

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type probe struct {
	candidates chan Candidate
	opened     chan struct{}
	messages   chan string
	closed     chan error
}

func newProbe() *probe {
	return &probe{
		candidates: make(chan Candidate, 8),
		opened:     make(chan struct{}, 1),
		messages:   make(chan string, 64),
		closed:     make(chan error, 1),
	}
}

func (p *probe) handlers() Handlers {
	return Handlers{
		OnCandidate: func(c Candidate) { p.candidates <- c },
		OnOpen:      func() { p.opened <- struct{}{} },
		OnMessage:   func(data []byte) { p.messages <- string(data) },
		OnClose:     func(err error) { p.closed <- err },
	}
}

func waitFor[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case value := <-ch:
		return value
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for channel event")
		var zero T
		return zero
	}
}

// negotiate runs the offer/answer/candidate exchange the way signaling would.
func negotiate(t *testing.T, transport Transport) (Conn, *probe, Conn, *probe) {
	t.Helper()
	ctx := context.Background()

	offererProbe, answererProbe := newProbe(), newProbe()

	offerer, err := transport.NewConn(offererProbe.handlers())
	require.NoError(t, err)
	answerer, err := transport.NewConn(answererProbe.handlers())
	require.NoError(t, err)

	offer, err := offerer.CreateOffer(ctx)
	require.NoError(t, err)
	assert.Equal(t, DescriptionOffer, offer.Type)

	answer, err := answerer.CreateAnswer(ctx, offer)
	require.NoError(t, err)
	assert.Equal(t, DescriptionAnswer, answer.Type)

	require.NoError(t, offerer.SetAnswer(ctx, answer))
	assert.ErrorIs(t, offerer.Send([]byte("too early")), ErrNotOpen)

	candidate := waitFor(t, answererProbe.candidates)
	require.NoError(t, answerer.AddCandidate(candidate))
	require.NoError(t, offerer.AddCandidate(candidate))

	waitFor(t, offererProbe.opened)
	waitFor(t, answererProbe.opened)

	return offerer, offererProbe, answerer, answererProbe
}

func exerciseChannel(t *testing.T, transport Transport) {
	offerer, offererProbe, answerer, answererProbe := negotiate(t, transport)

	for i := 0; i < 20; i++ {
		require.NoError(t, offerer.Send([]byte(fmt.Sprintf("msg-%d", i))))
	}
	for i := 0; i < 20; i++ {
		assert.Equal(t, fmt.Sprintf("msg-%d", i), waitFor(t, answererProbe.messages))
	}

	require.NoError(t, answerer.Send([]byte("reply")))
	assert.Equal(t, "reply", waitFor(t, offererProbe.messages))

	require.NoError(t, offerer.Close())
	require.NoError(t, offerer.Close())
	waitFor(t, offererProbe.closed)
	waitFor(t, answererProbe.closed)

	assert.ErrorIs(t, offerer.Send([]byte("late")), ErrNotOpen)
	assert.ErrorIs(t, answerer.Send([]byte("late")), ErrNotOpen)
}

func TestLoopbackChannel(t *testing.T) {
	exerciseChannel(t, NewLoopback())
}

func TestLoopbackRejectsUnknownOffer(t *testing.T) {
	network := NewLoopback()
	conn, err := network.NewConn(Handlers{})
	require.NoError(t, err)

	_, err = conn.CreateAnswer(context.Background(), SessionDescription{Type: DescriptionOffer, SDP: LOOPBACK_SCHEME + "missing"})
	assert.ErrorIs(t, err, ErrUnknownSession)

	_, err = conn.CreateAnswer(context.Background(), SessionDescription{Type: DescriptionOffer, SDP: "v=0"})
	assert.Error(t, err)
}

func newWebSocketServer(t *testing.T) *WebSocket {
	t.Helper()

	transport := NewWebSocket(zap.NewNop())
	mux := http.NewServeMux()
	mux.Handle(CHANNEL_PATH, transport.Handler())
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	transport.SetAdvertiser(func() []string {
		return []string{"ws://" + server.Listener.Addr().String()}
	})
	return transport
}

func TestWebSocketChannel(t *testing.T) {
	exerciseChannel(t, newWebSocketServer(t))
}

func TestWebSocketAnswerRequiresEndpoints(t *testing.T) {
	transport := NewWebSocket(nil)

	offerer, err := transport.NewConn(Handlers{})
	require.NoError(t, err)
	answerer, err := transport.NewConn(Handlers{})
	require.NoError(t, err)

	offer, err := offerer.CreateOffer(context.Background())
	require.NoError(t, err)

	_, err = answerer.CreateAnswer(context.Background(), offer)
	assert.ErrorIs(t, err, ErrNoEndpoints)
}

func TestWebSocketRejectsForeignCandidate(t *testing.T) {
	transport := newWebSocketServer(t)

	offerer, err := transport.NewConn(Handlers{})
	require.NoError(t, err)
	_, err = offerer.CreateOffer(context.Background())
	require.NoError(t, err)

	err = offerer.AddCandidate(Candidate{Candidate: ChannelURL("ws://127.0.0.1:1", "someone-else")})
	assert.ErrorIs(t, err, ErrUnknownSession)

	err = offerer.AddCandidate(Candidate{Candidate: "udp 1 192.168.0.2 5000"})
	assert.Error(t, err)
}

func TestWebSocketAttachesOnlyTheAcceptedDialIn(t *testing.T) {
	transport := NewWebSocket(zap.NewNop())
	mux := http.NewServeMux()
	mux.Handle(CHANNEL_PATH, transport.Handler())
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	base := "ws://" + server.Listener.Addr().String()
	transport.SetAdvertiser(func() []string { return []string{base, base, base} })

	ctx := context.Background()
	offererProbe, answererProbe := newProbe(), newProbe()
	offerer, err := transport.NewConn(offererProbe.handlers())
	require.NoError(t, err)
	answerer, err := transport.NewConn(answererProbe.handlers())
	require.NoError(t, err)

	offer, err := offerer.CreateOffer(ctx)
	require.NoError(t, err)
	answer, err := answerer.CreateAnswer(ctx, offer)
	require.NoError(t, err)
	require.NoError(t, offerer.SetAnswer(ctx, answer))

	for i := 0; i < 3; i++ {
		require.NoError(t, offerer.AddCandidate(waitFor(t, answererProbe.candidates)))
	}

	waitFor(t, offererProbe.opened)
	waitFor(t, answererProbe.opened)

	require.NoError(t, offerer.Send([]byte("ping")))
	assert.Equal(t, "ping", waitFor(t, answererProbe.messages))
	require.NoError(t, answerer.Send([]byte("pong")))
	assert.Equal(t, "pong", waitFor(t, offererProbe.messages))

	require.NoError(t, offerer.Close())
	waitFor(t, answererProbe.closed)
}
