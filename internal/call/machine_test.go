package call

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/NeoRevolt/byoncall-sdk/internal/media"
	"github.com/NeoRevolt/byoncall-sdk/internal/media/mediatest"
	"github.com/NeoRevolt/byoncall-sdk/internal/signaling"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Outgoing calls
// =============================================================================

func TestMachine_StartCall_SendsOffer(t *testing.T) {
	h := newHarness(t, Config{LocalID: "0811"})
	ctx := context.Background()

	require.NoError(t, h.m.StartCall(ctx, "0822"))
	h.waitState(t, StateCalling)

	require.Eventually(t, func() bool { return h.sender.count(signaling.EventOffer) == 1 }, waitFor, tick)
	offers := h.sender.ofType(signaling.EventOffer)
	assert.Equal(t, "0811", offers[0].SenderID)
	assert.Equal(t, "0822", offers[0].ReceiverID)
	sdp, ok := offers[0].SDP()
	require.True(t, ok)
	assert.Equal(t, h.engine().Local().SDP, sdp)

	snap := h.snapshot(t)
	assert.Equal(t, "0822", snap.TargetID)
	assert.Equal(t, StatusCalling, snap.Status)
	assert.Equal(t, []string{"CreateOffer", "SetLocalDescription"}, h.engine().Calls())
}

func TestMachine_StartCall_Preconditions(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	assert.ErrorIs(t, h.m.StartCall(ctx, ""), ErrNoActiveTarget)

	require.NoError(t, h.m.StartCall(ctx, "0822"))
	assert.ErrorIs(t, h.m.StartCall(ctx, "0833"), ErrBusy)
	h.waitState(t, StateCalling)
	assert.ErrorIs(t, h.m.StartCall(ctx, "0833"), ErrBusy)
}

func TestMachine_StartCall_EngineFailureKeepsIdle(t *testing.T) {
	h := newHarness(t, Config{})
	h.engine().Fail("CreateOffer", errors.New("no codecs"))

	require.NoError(t, h.m.StartCall(context.Background(), "0822"))

	require.Eventually(t, func() bool { return h.engine().Count("CreateOffer") == 1 }, waitFor, tick)
	snap := h.snapshot(t)
	assert.Equal(t, StateIdle, snap.State)
	assert.Zero(t, h.sender.count(signaling.EventOffer))

	// a retry is allowed once the failure is reported
	h.engine().Fail("CreateOffer", nil)
	require.Eventually(t, func() bool {
		return h.m.StartCall(context.Background(), "0822") == nil
	}, waitFor, tick)
	h.waitState(t, StateCalling)
}

func TestMachine_LocalCandidatesOnePerEnvelope(t *testing.T) {
	h := newHarness(t, Config{})
	require.NoError(t, h.m.StartCall(context.Background(), "0822"))
	h.waitState(t, StateCalling)

	h.engine().EmitCandidate(candidate(0))
	h.engine().EmitCandidate(candidate(1))

	require.Eventually(t, func() bool { return h.sender.count(signaling.EventICECandidates) == 2 }, waitFor, tick)
	for i, env := range h.sender.ofType(signaling.EventICECandidates) {
		assert.Equal(t, "0822", env.ReceiverID)
		c, err := env.Candidate()
		require.NoError(t, err)
		assert.Equal(t, candidate(i), c)
	}
}

func TestMachine_LocalCandidatesWaitForTarget(t *testing.T) {
	h := newHarness(t, Config{})
	h.engine().EmitCandidate(candidate(0))

	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, h.sender.count(signaling.EventICECandidates))

	require.NoError(t, h.m.SetTarget(context.Background(), "0822"))
	require.Eventually(t, func() bool { return h.sender.count(signaling.EventICECandidates) == 1 }, waitFor, tick)
}

func TestMachine_AnswerFlushesQueuedCandidates(t *testing.T) {
	h := newHarness(t, Config{LocalID: "0811"})
	now := time.Now()

	require.NoError(t, h.m.StartCall(context.Background(), "0822"))
	h.waitState(t, StateCalling)

	h.deliver(t, signaling.NewICECandidate("0822", "0811", candidate(0), now))
	h.deliver(t, signaling.NewICECandidate("0822", "0811", candidate(1), now))
	require.Eventually(t, func() bool { return h.snapshot(t).PendingCandidates == 2 }, waitFor, tick)
	assert.Zero(t, h.engine().Count("AddICECandidate"))

	h.deliver(t, signaling.NewAnswer("0822", "0811", "answer-sdp", now))

	require.Eventually(t, func() bool { return len(h.engine().Candidates()) == 2 }, waitFor, tick)
	assert.Equal(t, []signaling.ICECandidate{candidate(0), candidate(1)}, h.engine().Candidates())
	assert.Equal(t, media.SDPTypeAnswer, h.engine().Remote().Type)

	calls := h.engine().Calls()
	assert.Equal(t, "SetRemoteDescription", calls[2])
	assert.Equal(t, "AddICECandidate", calls[3])

	snap := h.snapshot(t)
	assert.True(t, snap.RemoteDescriptionSet)
	assert.Zero(t, snap.PendingCandidates)

	// once the remote description is set candidates go straight to the engine
	h.deliver(t, signaling.NewICECandidate("0822", "0811", candidate(2), now))
	require.Eventually(t, func() bool { return len(h.engine().Candidates()) == 3 }, waitFor, tick)
}

func TestMachine_AnswerOutsideCallingIsDropped(t *testing.T) {
	h := newHarness(t, Config{})
	h.deliver(t, signaling.NewAnswer("0822", "0811", "answer-sdp", time.Now()))

	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, h.engine().Count("SetRemoteDescription"))
	assert.Equal(t, StateIdle, h.snapshot(t).State)
}

func TestMachine_AnswerFromOtherPeerIsDropped(t *testing.T) {
	h := newHarness(t, Config{})
	require.NoError(t, h.m.StartCall(context.Background(), "0822"))
	h.waitState(t, StateCalling)

	h.deliver(t, signaling.NewAnswer("0899", "0811", "answer-sdp", time.Now()))
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, h.engine().Count("SetRemoteDescription"))
}

func TestMachine_ConnectionStates(t *testing.T) {
	h := newHarness(t, Config{})
	require.NoError(t, h.m.StartCall(context.Background(), "0822"))
	h.waitState(t, StateCalling)

	h.engine().EmitState(media.StateConnecting)
	h.waitState(t, StateConnecting)

	h.engine().EmitState(media.StateConnected)
	h.waitState(t, StateInCall)
	assert.Equal(t, StatusInCall, h.snapshot(t).Status)

	h.engine().EmitState(media.StateDisconnected)
	require.Eventually(t, func() bool { return h.snapshot(t).Status == StatusCalling }, waitFor, tick)
	assert.Equal(t, StateInCall, h.snapshot(t).State)
}

func TestMachine_EngineFailureResets(t *testing.T) {
	h := newHarness(t, Config{})
	require.NoError(t, h.m.StartCall(context.Background(), "0822"))
	h.waitState(t, StateCalling)
	first := h.engine()

	first.EmitState(media.StateFailed)

	require.Eventually(t, func() bool { return h.listener.endedCount() == 1 }, waitFor, tick)
	assert.Equal(t, ReasonFailed, h.listener.lastEnded().Reason)
	assert.True(t, h.listener.hasStatus(StatusFailed))

	snap := h.snapshot(t)
	assert.Equal(t, StateIdle, snap.State)
	assert.Equal(t, StatusOnline, snap.Status)
	assert.Empty(t, snap.TargetID)
	require.Eventually(t, first.Closed, waitFor, tick)
	assert.Len(t, h.factory.Engines(), 2)
}

func TestMachine_AnswerTimeout(t *testing.T) {
	h := newHarness(t, Config{AnswerTimeout: 30 * time.Millisecond})
	require.NoError(t, h.m.StartCall(context.Background(), "0822"))

	require.Eventually(t, func() bool { return h.listener.endedCount() == 1 }, waitFor, tick)
	assert.Equal(t, ReasonNoAnswer, h.listener.lastEnded().Reason)
	assert.True(t, h.listener.hasStatus(StatusNoAnswer))

	require.Eventually(t, func() bool { return h.sender.count(signaling.EventEndCall) == 1 }, waitFor, tick)
	ends := h.sender.ofType(signaling.EventEndCall)
	assert.Equal(t, "0822", ends[0].ReceiverID)
	assert.Equal(t, StateIdle, h.snapshot(t).State)
}

func TestMachine_AnswerTimeoutCancelledOnConnect(t *testing.T) {
	h := newHarness(t, Config{AnswerTimeout: 50 * time.Millisecond})
	require.NoError(t, h.m.StartCall(context.Background(), "0822"))
	h.waitState(t, StateCalling)

	h.engine().EmitState(media.StateConnected)
	h.waitState(t, StateInCall)

	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, h.listener.endedCount())
	assert.Zero(t, h.sender.count(signaling.EventEndCall))
}

// =============================================================================
// Incoming calls
// =============================================================================

func TestMachine_OfferIsAutoAnswered(t *testing.T) {
	h := newHarness(t, Config{LocalID: "0822"})

	h.deliver(t, signaling.NewOffer("0811", "0822", "offer-sdp", time.Now()))

	require.Eventually(t, func() bool { return h.sender.count(signaling.EventAnswer) == 1 }, waitFor, tick)
	answer := h.sender.ofType(signaling.EventAnswer)[0]
	assert.Equal(t, "0822", answer.SenderID)
	assert.Equal(t, "0811", answer.ReceiverID)

	remote := h.engine().Remote()
	require.NotNil(t, remote)
	assert.Equal(t, media.SDPTypeOffer, remote.Type)
	assert.Equal(t, "offer-sdp", remote.SDP)

	h.waitState(t, StateCalling)
	assert.Equal(t, "0811", h.snapshot(t).TargetID)

	h.engine().EmitState(media.StateConnected)
	h.waitState(t, StateInCall)
}

func TestMachine_OneAnswerPerOffer(t *testing.T) {
	h := newHarness(t, Config{LocalID: "0822"})
	offer := signaling.NewOffer("0811", "0822", "offer-sdp", time.Now())

	h.deliver(t, offer)
	h.deliver(t, offer)
	require.Eventually(t, func() bool { return h.sender.count(signaling.EventAnswer) == 1 }, waitFor, tick)
	h.deliver(t, offer)

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 1, h.sender.count(signaling.EventAnswer))
	assert.Equal(t, 1, h.engine().Count("SetRemoteDescription"))
}

func TestMachine_CandidatesBeforeOfferAreQueued(t *testing.T) {
	h := newHarness(t, Config{LocalID: "0822"})
	now := time.Now()

	h.deliver(t, signaling.NewICECandidate("0811", "0822", candidate(0), now))
	h.deliver(t, signaling.NewICECandidate("0811", "0822", candidate(1), now))
	h.deliver(t, signaling.NewOffer("0811", "0822", "offer-sdp", now))

	require.Eventually(t, func() bool { return len(h.engine().Candidates()) == 2 }, waitFor, tick)
	calls := h.engine().Calls()
	assert.Equal(t, "SetRemoteDescription", calls[0])
	assert.Equal(t, []signaling.ICECandidate{candidate(0), candidate(1)}, h.engine().Candidates())
}

func TestMachine_MalformedCandidateIsDropped(t *testing.T) {
	h := newHarness(t, Config{LocalID: "0822"})
	now := time.Now()

	h.deliver(t, signaling.NewOffer("0811", "0822", "offer-sdp", now))
	require.Eventually(t, func() bool { return h.snapshot(t).RemoteDescriptionSet }, waitFor, tick)

	bad := `{"type":"IceCandidates","senderId":"0811","receiverId":"0822","data":{"sdpMid":"0"},"timeStamp":` +
		strconv.FormatInt(now.UnixMilli(), 10) + `}`
	h.m.Deliver([]byte(bad))
	h.m.Deliver([]byte(`{broken`))
	h.deliver(t, signaling.NewICECandidate("0811", "0822", candidate(3), now))

	require.Eventually(t, func() bool { return len(h.engine().Candidates()) == 1 }, waitFor, tick)
	assert.Equal(t, candidate(3), h.engine().Candidates()[0])
	assert.Equal(t, StateCalling, h.snapshot(t).State)
}

func TestMachine_BusyDeclinesOtherOffer(t *testing.T) {
	h := newHarness(t, Config{LocalID: "0811"})
	require.NoError(t, h.m.StartCall(context.Background(), "0822"))
	h.waitState(t, StateCalling)

	h.deliver(t, signaling.NewOffer("0833", "0811", "offer-sdp", time.Now()))

	require.Eventually(t, func() bool { return h.sender.count(signaling.EventEndCall) == 1 }, waitFor, tick)
	end := h.sender.ofType(signaling.EventEndCall)[0]
	assert.Equal(t, "0811", end.SenderID)
	assert.Equal(t, "0833", end.ReceiverID)
	assert.Equal(t, "0822", h.snapshot(t).TargetID)
	assert.Zero(t, h.sender.count(signaling.EventAnswer))
}

func TestMachine_OfferCollision_HigherIDYields(t *testing.T) {
	h := newHarness(t, Config{LocalID: "0822"})
	require.NoError(t, h.m.StartCall(context.Background(), "0811"))
	h.waitState(t, StateCalling)
	first := h.engine()

	h.deliver(t, signaling.NewOffer("0811", "0822", "offer-from-0811", time.Now()))

	require.Eventually(t, func() bool { return h.sender.count(signaling.EventAnswer) == 1 }, waitFor, tick)
	require.Eventually(t, first.Closed, waitFor, tick)
	second := h.engine()
	assert.NotSame(t, first, second)
	assert.Equal(t, "offer-from-0811", second.Remote().SDP)
	assert.Zero(t, h.listener.endedCount(), "yielding does not end the call")
}

func TestMachine_OfferCollision_LowerIDKeepsOffer(t *testing.T) {
	h := newHarness(t, Config{LocalID: "0811"})
	require.NoError(t, h.m.StartCall(context.Background(), "0822"))
	h.waitState(t, StateCalling)

	h.deliver(t, signaling.NewOffer("0822", "0811", "offer-from-0822", time.Now()))

	time.Sleep(30 * time.Millisecond)
	assert.Zero(t, h.sender.count(signaling.EventAnswer))
	assert.Len(t, h.factory.Engines(), 1)
	assert.Equal(t, StateCalling, h.snapshot(t).State)
}

func TestMachine_AnswerOnAccept(t *testing.T) {
	h := newHarness(t, Config{LocalID: "0822", AnswerPolicy: AnswerOnAccept})
	offer := signaling.NewOffer("0811", "0822", "offer-sdp", time.Now())

	h.deliver(t, offer)
	require.Eventually(t, func() bool { return h.listener.incomingCount() == 1 }, waitFor, tick)
	assert.True(t, h.listener.hasStatus(StatusRinging))
	assert.Zero(t, h.sender.count(signaling.EventAnswer))
	assert.NotNil(t, h.snapshot(t).HeldOffer)

	require.NoError(t, h.m.AcceptIncoming(context.Background(), offer))
	require.Eventually(t, func() bool { return h.sender.count(signaling.EventAnswer) == 1 }, waitFor, tick)
	assert.Nil(t, h.snapshot(t).HeldOffer)
}

func TestMachine_AnswerOnAccept_PreAcceptedTarget(t *testing.T) {
	h := newHarness(t, Config{LocalID: "0822", AnswerPolicy: AnswerOnAccept})
	require.NoError(t, h.m.SetTarget(context.Background(), "0811"))

	h.deliver(t, signaling.NewOffer("0811", "0822", "offer-sdp", time.Now()))
	require.Eventually(t, func() bool { return h.sender.count(signaling.EventAnswer) == 1 }, waitFor, tick)
	assert.Zero(t, h.listener.incomingCount())
}

func TestMachine_AcceptIncomingRejectsNonOffer(t *testing.T) {
	h := newHarness(t, Config{})
	err := h.m.AcceptIncoming(context.Background(), signaling.NewEndCall("0822", "0811", time.Now()))
	assert.ErrorIs(t, err, ErrNotOffer)
	assert.ErrorIs(t, h.m.AcceptIncoming(context.Background(), nil), ErrNotOffer)
}

func TestMachine_CallRequestsAndChatReachListener(t *testing.T) {
	h := newHarness(t, Config{LocalID: "0822"})
	now := time.Now()

	h.deliver(t, signaling.NewCallRequest("0811", "0822", true, signaling.Metadata{SenderName: "Alice"}, now))
	h.deliver(t, signaling.NewChat("0811", "0822", &signaling.ChatMessage{Message: "hi"}, signaling.Metadata{}, now))

	require.Eventually(t, func() bool { return h.listener.incomingCount() == 1 }, waitFor, tick)
	require.Eventually(t, func() bool {
		h.listener.mu.Lock()
		defer h.listener.mu.Unlock()
		return len(h.listener.chats) == 1
	}, waitFor, tick)

	h.listener.mu.Lock()
	assert.Equal(t, "Alice", h.listener.incoming[0].SenderName)
	h.listener.mu.Unlock()
}

func TestMachine_StaleEnvelopesAreDropped(t *testing.T) {
	h := newHarness(t, Config{LocalID: "0822"})
	old := time.Now().Add(-signaling.MaxAge)

	h.deliver(t, signaling.NewCallRequest("0811", "0822", true, signaling.Metadata{}, old))
	h.deliver(t, signaling.NewCallRequest("0811", "0822", false, signaling.Metadata{}, old))
	h.deliver(t, signaling.NewOffer("0811", "0822", "offer-sdp", old))

	time.Sleep(30 * time.Millisecond)
	assert.Zero(t, h.listener.incomingCount())
	assert.Zero(t, h.sender.count(signaling.EventAnswer))
}

// =============================================================================
// Ending calls
// =============================================================================

func TestMachine_EndCallResetsFromAnyState(t *testing.T) {
	setups := map[string]func(t *testing.T, h *harness){
		"idle": func(t *testing.T, h *harness) {},
		"calling": func(t *testing.T, h *harness) {
			require.NoError(t, h.m.StartCall(context.Background(), "0822"))
			h.waitState(t, StateCalling)
		},
		"in call": func(t *testing.T, h *harness) {
			require.NoError(t, h.m.StartCall(context.Background(), "0822"))
			h.waitState(t, StateCalling)
			h.engine().EmitState(media.StateConnected)
			h.waitState(t, StateInCall)
		},
	}

	for name, setup := range setups {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t, Config{LocalID: "0811"})
			setup(t, h)
			engines := len(h.factory.Engines())
			before := h.snapshot(t).Generation

			h.deliver(t, signaling.NewEndCall("0822", "0811", time.Now()))

			require.Eventually(t, func() bool { return h.listener.endedCount() == 1 }, waitFor, tick)
			time.Sleep(20 * time.Millisecond)
			assert.Equal(t, 1, h.listener.endedCount())

			snap := h.snapshot(t)
			assert.Equal(t, StateIdle, snap.State)
			assert.Empty(t, snap.TargetID)
			assert.Equal(t, before+1, snap.Generation)
			assert.Len(t, h.factory.Engines(), engines+1)
			assert.Equal(t, ReasonRemoteHangup, h.listener.lastEnded().Reason)
		})
	}
}

func TestMachine_EndCallFromNonTargetIsIgnored(t *testing.T) {
	h := newHarness(t, Config{LocalID: "0811"})
	require.NoError(t, h.m.StartCall(context.Background(), "0822"))
	h.waitState(t, StateCalling)

	h.deliver(t, signaling.NewEndCall("0899", "0811", time.Now()))
	time.Sleep(20 * time.Millisecond)

	assert.Zero(t, h.listener.endedCount())
	assert.Equal(t, StateCalling, h.snapshot(t).State)
}

func TestMachine_SendEndCallWithoutTarget(t *testing.T) {
	h := newHarness(t, Config{})

	err := h.m.SendEndCall(context.Background())
	assert.ErrorIs(t, err, ErrNoActiveTarget)

	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, h.sender.count(signaling.EventEndCall))
	assert.Zero(t, h.listener.endedCount())
	snap := h.snapshot(t)
	assert.Equal(t, StateIdle, snap.State)
	assert.Zero(t, snap.Generation)
}

func TestMachine_SendEndCall(t *testing.T) {
	h := newHarness(t, Config{LocalID: "0811"})
	require.NoError(t, h.m.StartCall(context.Background(), "0822"))
	h.waitState(t, StateCalling)
	h.engine().EmitState(media.StateConnected)
	h.waitState(t, StateInCall)
	first := h.engine()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, h.m.SendEndCall(context.Background()))

	require.Eventually(t, func() bool { return h.sender.count(signaling.EventEndCall) == 1 }, waitFor, tick)
	assert.Equal(t, "0822", h.sender.ofType(signaling.EventEndCall)[0].ReceiverID)
	require.Eventually(t, func() bool { return h.listener.endedCount() == 1 }, waitFor, tick)

	info := h.listener.lastEnded()
	assert.Equal(t, ReasonLocalHangup, info.Reason)
	assert.True(t, info.Outgoing)
	assert.True(t, info.Connected())
	assert.Positive(t, info.Duration())

	require.Eventually(t, first.Closed, waitFor, tick)
	assert.Equal(t, StateIdle, h.snapshot(t).State)
}

func TestMachine_StaleEngineCallbacksAreDiscarded(t *testing.T) {
	h := newHarness(t, Config{LocalID: "0811"})
	require.NoError(t, h.m.StartCall(context.Background(), "0822"))
	h.waitState(t, StateCalling)
	old := h.engine()

	require.NoError(t, h.m.SendEndCall(context.Background()))
	require.Eventually(t, func() bool { return len(h.factory.Engines()) == 2 }, waitFor, tick)

	old.EmitState(media.StateConnected)
	old.EmitCandidate(candidate(0))
	time.Sleep(30 * time.Millisecond)

	snap := h.snapshot(t)
	assert.Equal(t, StateIdle, snap.State)
	assert.Equal(t, StatusOnline, snap.Status)
	assert.Zero(t, h.sender.count(signaling.EventICECandidates))
}

func TestMachine_RejectCallWithoutTarget(t *testing.T) {
	h := newHarness(t, Config{LocalID: "0822"})
	req := signaling.NewCallRequest("0811", "0822", true, signaling.Metadata{SenderName: "Alice"}, time.Now())

	require.NoError(t, h.m.RejectCall(context.Background(), req))

	require.Eventually(t, func() bool { return h.sender.count(signaling.EventEndCall) == 1 }, waitFor, tick)
	reply := h.sender.ofType(signaling.EventEndCall)[0]
	assert.Equal(t, "0822", reply.SenderID)
	assert.Equal(t, "0811", reply.ReceiverID)
	assert.Zero(t, h.listener.endedCount())
}

func TestMachine_RejectHeldOffer(t *testing.T) {
	h := newHarness(t, Config{LocalID: "0822", AnswerPolicy: AnswerOnAccept})
	offer := signaling.NewOffer("0811", "0822", "offer-sdp", time.Now())
	h.deliver(t, offer)
	require.Eventually(t, func() bool { return h.snapshot(t).HeldOffer != nil }, waitFor, tick)

	require.NoError(t, h.m.RejectCall(context.Background(), offer))
	snap := h.snapshot(t)
	assert.Nil(t, snap.HeldOffer)
	assert.Equal(t, StatusOnline, snap.Status)
	assert.Equal(t, StateIdle, snap.State)
	assert.Zero(t, snap.PendingCandidates)
	require.Eventually(t, func() bool { return h.sender.count(signaling.EventEndCall) == 1 }, waitFor, tick)
	assert.Zero(t, h.listener.endedCount())
}

func TestMachine_RejectCallNeedsEnvelope(t *testing.T) {
	h := newHarness(t, Config{LocalID: "0822"})

	assert.ErrorIs(t, h.m.RejectCall(context.Background(), nil), ErrNoEnvelope)

	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, h.sender.count(signaling.EventEndCall))
	_, err := h.m.Snapshot(context.Background())
	assert.NoError(t, err)
}

func TestMachine_CrossedHangupEndsOnce(t *testing.T) {
	h := newHarness(t, Config{LocalID: "0811"})
	require.NoError(t, h.m.StartCall(context.Background(), "0822"))
	h.waitState(t, StateCalling)

	// both sides hang up at once; the peer's EndCall arrives after our reset
	require.NoError(t, h.m.SendEndCall(context.Background()))
	h.deliver(t, signaling.NewEndCall("0822", "0811", time.Now()))

	require.Eventually(t, func() bool { return h.listener.endedCount() == 1 }, waitFor, tick)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 1, h.listener.endedCount())
	assert.Equal(t, ReasonLocalHangup, h.listener.lastEnded().Reason)

	snap := h.snapshot(t)
	assert.Equal(t, StateIdle, snap.State)
	assert.Equal(t, StatusOnline, snap.Status)
	assert.Empty(t, snap.TargetID)
}

func TestMachine_NewAttemptAfterEndIsHonoured(t *testing.T) {
	t.Run("incoming request then cancel", func(t *testing.T) {
		h := newHarness(t, Config{LocalID: "0811"})
		require.NoError(t, h.m.StartCall(context.Background(), "0822"))
		h.waitState(t, StateCalling)
		require.NoError(t, h.m.SendEndCall(context.Background()))
		require.Eventually(t, func() bool { return h.listener.endedCount() == 1 }, waitFor, tick)

		h.deliver(t, signaling.NewCallRequest("0822", "0811", false, signaling.Metadata{}, time.Now()))
		h.deliver(t, signaling.NewEndCall("0822", "0811", time.Now()))

		require.Eventually(t, func() bool { return h.listener.endedCount() == 2 }, waitFor, tick)
		assert.Equal(t, ReasonRemoteHangup, h.listener.lastEnded().Reason)
	})

	t.Run("outgoing request then decline", func(t *testing.T) {
		h := newHarness(t, Config{LocalID: "0811"})
		require.NoError(t, h.m.StartCall(context.Background(), "0822"))
		h.waitState(t, StateCalling)
		require.NoError(t, h.m.SendEndCall(context.Background()))
		require.Eventually(t, func() bool { return h.listener.endedCount() == 1 }, waitFor, tick)

		require.NoError(t, h.m.NoteCallRequest(context.Background(), "0822"))
		h.deliver(t, signaling.NewEndCall("0822", "0811", time.Now()))

		require.Eventually(t, func() bool { return h.listener.endedCount() == 2 }, waitFor, tick)
		assert.True(t, h.listener.hasStatus(StatusDeclined))
	})
}

func TestMachine_StartCall_NoEngine(t *testing.T) {
	h := newHarness(t, Config{LocalID: "0811"})
	ctx := context.Background()
	require.NoError(t, h.m.StartCall(ctx, "0822"))
	h.waitState(t, StateCalling)

	h.factory.FailNext(errors.New("no audio device"))
	require.NoError(t, h.m.SendEndCall(ctx))
	assert.False(t, h.snapshot(t).HasEngine)

	err := h.m.StartCall(ctx, "0833")
	assert.ErrorIs(t, err, ErrNoEngine)
	var engErr *EngineError
	require.ErrorAs(t, err, &engErr)
	assert.Equal(t, "create", engErr.Op)
	assert.Equal(t, StateIdle, h.snapshot(t).State)
}

func TestMachine_CommandsAfterStop(t *testing.T) {
	m := NewMachine(Config{LocalID: "0811", Logger: testLogger()}, &recordingSender{}, mediatest.NewFactory().New, &recordingListener{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	m.Run(ctx)

	assert.ErrorIs(t, m.StartCall(context.Background(), "0822"), ErrStopped)
}

func TestStatusForConnection(t *testing.T) {
	tests := []struct {
		in   media.ConnectionState
		want CallStatus
		ok   bool
	}{
		{media.StateConnecting, StatusCalling, true},
		{media.StateConnected, StatusInCall, true},
		{media.StateDisconnected, StatusCalling, true},
		{media.StateFailed, StatusFailed, true},
		{media.StateClosed, StatusOffline, true},
		{media.StateNew, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.in.String(), func(t *testing.T) {
			got, ok := StatusForConnection(tt.in)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.ok, ok)
		})
	}
}

// =============================================================================
// Two machines wired back to back
// =============================================================================

func TestMachine_Loopback(t *testing.T) {
	alice := newHarness(t, Config{LocalID: "0811"})
	bob := newHarness(t, Config{LocalID: "0822"})
	link := func(from *recordingSender, to *Machine) {
		from.mu.Lock()
		from.forward = func(env *signaling.Envelope) { to.DeliverEnvelope(env) }
		from.mu.Unlock()
	}
	link(alice.sender, bob.m)
	link(bob.sender, alice.m)

	require.NoError(t, alice.m.StartCall(context.Background(), "0822"))

	require.Eventually(t, func() bool { return alice.snapshot(t).RemoteDescriptionSet }, waitFor, tick)
	assert.Equal(t, alice.engine().Local().SDP, bob.engine().Remote().SDP)
	assert.Equal(t, bob.engine().Local().SDP, alice.engine().Remote().SDP)

	// trickled candidates cross over once both sides have a remote description
	alice.engine().EmitCandidate(candidate(0))
	bob.engine().EmitCandidate(candidate(1))
	require.Eventually(t, func() bool { return len(bob.engine().Candidates()) == 1 }, waitFor, tick)
	require.Eventually(t, func() bool { return len(alice.engine().Candidates()) == 1 }, waitFor, tick)

	alice.engine().EmitState(media.StateConnected)
	bob.engine().EmitState(media.StateConnected)
	alice.waitState(t, StateInCall)
	bob.waitState(t, StateInCall)

	require.NoError(t, bob.m.SendEndCall(context.Background()))
	require.Eventually(t, func() bool { return alice.listener.endedCount() == 1 }, waitFor, tick)
	require.Eventually(t, func() bool { return bob.listener.endedCount() == 1 }, waitFor, tick)

	assert.Equal(t, ReasonRemoteHangup, alice.listener.lastEnded().Reason)
	assert.Equal(t, ReasonLocalHangup, bob.listener.lastEnded().Reason)
	assert.True(t, alice.listener.hasStatus(StatusHangup))
	alice.waitState(t, StateIdle)
	bob.waitState(t, StateIdle)
}
