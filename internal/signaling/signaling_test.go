package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/monorkin/equipment-inventory/internal/transport"
)

type recorder struct {
	mu       sync.Mutex
	messages []Message
}

func (r *recorder) handle(msg Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, msg)
}

func (r *recorder) snapshot() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Message(nil), r.messages...)
}

func (r *recorder) count() int {
	return len(r.snapshot())
}

func syncRequest(from string) Message {
	return Message{Type: TypeSyncRequest, From: from}
}

func TestMessageValidate(t *testing.T) {
	sdp := &transport.SessionDescription{Type: "offer", SDP: "x"}
	candidate := &transport.Candidate{Candidate: "c"}

	tests := []struct {
		name    string
		msg     Message
		wantErr bool
	}{
		{name: "offer", msg: Message{Type: TypeOffer, From: "a", Session: "s", SDP: sdp}},
		{name: "offer without sdp", msg: Message{Type: TypeOffer, From: "a", Session: "s"}, wantErr: true},
		{name: "answer without session", msg: Message{Type: TypeAnswer, From: "a", SDP: sdp}, wantErr: true},
		{name: "candidate", msg: Message{Type: TypeICECandidate, From: "a", Session: "s", Candidate: candidate}},
		{name: "candidate missing", msg: Message{Type: TypeICECandidate, From: "a", Session: "s"}, wantErr: true},
		{name: "sync request", msg: syncRequest("a")},
		{name: "sync data without data", msg: Message{Type: TypeSyncData, From: "a"}, wantErr: true},
		{name: "sync data", msg: Message{Type: TypeSyncData, From: "a", Data: json.RawMessage(`{}`)}},
		{name: "missing sender", msg: Message{Type: TypeSyncRequest}, wantErr: true},
		{name: "unknown type", msg: Message{Type: "hello", From: "a"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.msg.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidMessage)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestDecodeRoundTrip(t *testing.T) {
	msg := Message{
		Type:    TypeOffer,
		From:    "device-a",
		To:      "device-b",
		Session: "s1",
		SDP:     &transport.SessionDescription{Type: "offer", SDP: "token"},
	}

	data, err := Encode(msg)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"type":"offer"`)

	decoded, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, msg, decoded)

	_, err = Decode([]byte("{"))
	assert.ErrorIs(t, err, ErrInvalidMessage)
}

func TestAddressedTo(t *testing.T) {
	assert.True(t, Message{}.AddressedTo("me"))
	assert.True(t, Message{To: "me"}.AddressedTo("me"))
	assert.False(t, Message{To: "you"}.AddressedTo("me"))
}

func TestHubDeliversToOthersInOrder(t *testing.T) {
	ctx := context.Background()
	hub := NewHub()

	a, b, c := hub.Join(), hub.Join(), hub.Join()
	defer a.Close()
	defer b.Close()
	defer c.Close()

	var ra, rb, rc recorder
	a.Subscribe(ra.handle)
	b.Subscribe(rb.handle)
	c.Subscribe(rc.handle)

	for i := 0; i < 10; i++ {
		require.NoError(t, a.Publish(ctx, syncRequest(fmt.Sprintf("a-%d", i))))
	}

	require.Eventually(t, func() bool { return rb.count() == 10 && rc.count() == 10 }, 2*time.Second, 10*time.Millisecond)
	assert.Zero(t, ra.count())

	for i, msg := range rb.snapshot() {
		assert.Equal(t, fmt.Sprintf("a-%d", i), msg.From)
	}
}

func TestHubUnsubscribeAndClose(t *testing.T) {
	ctx := context.Background()
	hub := NewHub()
	a, b := hub.Join(), hub.Join()
	defer a.Close()

	var first, second recorder
	unsubscribe := b.Subscribe(first.handle)
	b.Subscribe(second.handle)

	unsubscribe()
	unsubscribe()
	require.NoError(t, a.Publish(ctx, syncRequest("a")))
	require.Eventually(t, func() bool { return second.count() == 1 }, time.Second, 10*time.Millisecond)
	assert.Zero(t, first.count())

	require.NoError(t, b.Close())
	require.NoError(t, a.Publish(ctx, syncRequest("a")))
	assert.ErrorIs(t, b.Publish(ctx, syncRequest("b")), ErrBusClosed)
	assert.Error(t, a.Publish(ctx, Message{Type: TypeOffer, From: "a"}))
}

func TestMulti(t *testing.T) {
	ctx := context.Background()
	left, right := NewHub(), NewHub()

	localLeft, remoteLeft := left.Join(), left.Join()
	localRight, remoteRight := right.Join(), right.Join()

	multi := NewMulti(localLeft, localRight)
	defer multi.Close()

	var fromLeft, fromRight, merged recorder
	remoteLeft.Subscribe(fromLeft.handle)
	remoteRight.Subscribe(fromRight.handle)
	unsubscribe := multi.Subscribe(merged.handle)

	require.NoError(t, multi.Publish(ctx, syncRequest("me")))
	require.Eventually(t, func() bool { return fromLeft.count() == 1 && fromRight.count() == 1 }, time.Second, 10*time.Millisecond)

	require.NoError(t, remoteLeft.Publish(ctx, syncRequest("left")))
	require.NoError(t, remoteRight.Publish(ctx, syncRequest("right")))
	require.Eventually(t, func() bool { return merged.count() == 2 }, time.Second, 10*time.Millisecond)

	unsubscribe()
	require.NoError(t, remoteLeft.Publish(ctx, syncRequest("left")))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 2, merged.count())
}

func TestRelay(t *testing.T) {
	ctx := context.Background()
	relay := NewRelay(zap.NewNop())
	mux := http.NewServeMux()
	mux.Handle(SIGNAL_PATH, relay.Handler())
	server := httptest.NewServer(mux)
	defer server.Close()
	defer relay.Close()

	address := strings.TrimPrefix(server.URL, "http://")

	var local recorder
	relay.Subscribe(local.handle)

	alice, err := DialRelay(ctx, address, nil)
	require.NoError(t, err)
	defer alice.Close()
	bob, err := DialRelay(ctx, "ws://"+address, nil)
	require.NoError(t, err)
	defer bob.Close()

	var atAlice, atBob recorder
	alice.Subscribe(atAlice.handle)
	bob.Subscribe(atBob.handle)

	require.Eventually(t, func() bool { return relay.Clients() == 2 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, alice.Publish(ctx, syncRequest("alice")))
	require.Eventually(t, func() bool { return local.count() == 1 && atBob.count() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Zero(t, atAlice.count())

	require.NoError(t, relay.Publish(ctx, syncRequest("host")))
	require.Eventually(t, func() bool { return atAlice.count() == 1 && atBob.count() == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, local.count())

	require.NoError(t, relay.Close())
	select {
	case <-alice.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("relay client did not notice shutdown")
	}
	assert.ErrorIs(t, alice.Publish(ctx, syncRequest("alice")), ErrBusClosed)
}

func TestRelayURL(t *testing.T) {
	assert.Equal(t, "ws://10.0.0.2:8765/signal", RelayURL("10.0.0.2:8765"))
	assert.Equal(t, "ws://10.0.0.2:8765/signal", RelayURL("ws://10.0.0.2:8765"))
	assert.Equal(t, "wss://host/custom", RelayURL("wss://host/custom"))
}

func TestDialRelayUnreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := DialRelay(ctx, "127.0.0.1:1", nil)
	assert.Error(t, err)
}

func TestDBusBus(t *testing.T) {
	a, err := NewDBus(nil)
	if err != nil {
		t.Skipf("session bus unavailable: %v", err)
	}
	defer a.Close()

	b, err := NewDBus(nil)
	require.NoError(t, err)
	defer b.Close()

	var atA, atB recorder
	a.Subscribe(atA.handle)
	b.Subscribe(atB.handle)

	require.NoError(t, a.Publish(context.Background(), syncRequest("device-a")))
	require.Eventually(t, func() bool { return atB.count() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Zero(t, atA.count())
	assert.Equal(t, "device-a", atB.snapshot()[0].From)
}
