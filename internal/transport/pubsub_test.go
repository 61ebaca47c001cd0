package transport

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/NeoRevolt/byoncall-sdk/internal/pubsub"
	"github.com/NeoRevolt/byoncall-sdk/internal/signaling"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func connectedPair(t *testing.T) (*PubSubChannel, *PubSubChannel) {
	t.Helper()
	ps := pubsub.NewMemoryPubSub()
	t.Cleanup(func() { _ = ps.Close() })

	alice := NewPubSubChannel(ps, testLogger())
	bob := NewPubSubChannel(ps, testLogger())
	require.NoError(t, alice.Connect(context.Background(), "", "0811"))
	require.NoError(t, bob.Connect(context.Background(), "", "0822"))
	t.Cleanup(func() {
		_ = alice.Disconnect()
		_ = bob.Disconnect()
	})
	return alice, bob
}

func receive(t *testing.T, ch <-chan []byte) *signaling.Envelope {
	t.Helper()
	select {
	case raw, ok := <-ch:
		require.True(t, ok, "events channel closed")
		env, err := signaling.Decode(raw)
		require.NoError(t, err)
		return env
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for envelope")
		return nil
	}
}

// =============================================================================
// PubSubChannel
// =============================================================================

func TestPubSubChannel_RoutesByReceiver(t *testing.T) {
	alice, bob := connectedPair(t)
	ctx := context.Background()

	require.NoError(t, alice.Send(ctx, signaling.NewOffer("0811", "0822", "sdp-a", time.Now())))

	env := receive(t, bob.Events())
	assert.Equal(t, signaling.EventOffer, env.Type)
	assert.Equal(t, "0811", env.SenderID)

	select {
	case <-alice.Events():
		t.Fatal("sender must not receive its own envelope")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPubSubChannel_PreservesOrder(t *testing.T) {
	alice, bob := connectedPair(t)
	ctx := context.Background()
	now := time.Now()

	mid := "0"
	for i := 0; i < 20; i++ {
		idx := uint16(i)
		c := signaling.ICECandidate{Candidate: "candidate:" + string(rune('a'+i)), SDPMid: &mid, SDPMLineIndex: &idx}
		require.NoError(t, alice.Send(ctx, signaling.NewICECandidate("0811", "0822", c, now)))
	}

	for i := 0; i < 20; i++ {
		env := receive(t, bob.Events())
		c, err := env.Candidate()
		require.NoError(t, err)
		assert.Equal(t, uint16(i), *c.SDPMLineIndex)
	}
}

func TestPubSubChannel_ConnectTwiceFails(t *testing.T) {
	alice, _ := connectedPair(t)

	err := alice.Connect(context.Background(), "", "0811")
	assert.ErrorIs(t, err, ErrAlreadyConnected)
}

func TestPubSubChannel_SendWhenDisconnected(t *testing.T) {
	ch := NewPubSubChannel(pubsub.NewMemoryPubSub(), testLogger())

	err := ch.Send(context.Background(), signaling.NewEndCall("0811", "0822", time.Now()))
	var terr *TransportError
	require.True(t, errors.As(err, &terr))
	assert.Equal(t, "send", terr.Op)
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestPubSubChannel_DisconnectClosesEventsAndAllowsRebind(t *testing.T) {
	ps := pubsub.NewMemoryPubSub()
	defer ps.Close()
	ch := NewPubSubChannel(ps, testLogger())
	ctx := context.Background()

	require.NoError(t, ch.Connect(ctx, "", "0811"))
	events := ch.Events()
	require.NoError(t, ch.Disconnect())
	require.NoError(t, ch.Disconnect(), "second disconnect is a no-op")

	_, ok := <-events
	assert.False(t, ok)
	assert.Equal(t, 0, ps.SubscriberCount(pubsub.Topics.Peer("0811")))

	require.NoError(t, ch.Connect(ctx, "", "0899"))
	assert.Equal(t, 1, ps.SubscriberCount(pubsub.Topics.Peer("0899")))
	require.NoError(t, ch.Disconnect())
}

func TestPubSubChannel_OpensBusFromURL(t *testing.T) {
	ch := NewPubSubChannel(nil, testLogger())

	require.NoError(t, ch.Connect(context.Background(), "memory://", "0811"))
	require.NoError(t, ch.Send(context.Background(), signaling.NewEndCall("0811", "0811", time.Now())))
	env := receive(t, ch.Events())
	assert.Equal(t, signaling.EventEndCall, env.Type)
	require.NoError(t, ch.Disconnect())

	err := ch.Connect(context.Background(), "amqp://nope", "0811")
	assert.Error(t, err)
}
