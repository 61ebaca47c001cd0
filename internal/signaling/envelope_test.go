package signaling

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ptr[T any](v T) *T { return &v }

var testNow = time.UnixMilli(1_700_000_000_000)

// =============================================================================
// Round trip
// =============================================================================

func TestEncodeDecode_RoundTripsEveryType(t *testing.T) {
	chat := &ChatMessage{
		ID:             "c1",
		SenderID:       "0811",
		ConversationID: "conv-1",
		Message:        "halo",
		CreateAt:       "2024-01-01T00:00:00Z",
		ReceiverID:     "0822",
	}
	meta := Metadata{SenderName: "Alice", SenderImage: "https://img/a.png", CallMessage: "ring"}

	cases := map[string]*Envelope{
		"offer":  NewOffer("0811", "0822", "v=0\r\no=- 1 2 IN IP4 0.0.0.0\r\n", testNow),
		"answer": NewAnswer("0822", "0811", "v=0\r\n", testNow),
		"ice": NewICECandidate("0811", "0822", ICECandidate{
			Candidate:     "candidate:1 1 udp 2122260223 10.0.0.1 54321 typ host",
			SDPMid:        ptr("0"),
			SDPMLineIndex: ptr[uint16](0),
		}, testNow),
		"ice null mid": NewICECandidate("0811", "0822", ICECandidate{
			Candidate:     "candidate:2 1 udp 1 10.0.0.2 1 typ relay",
			SDPMLineIndex: ptr[uint16](1),
		}, testNow),
		"end":   NewEndCall("0811", "0822", testNow),
		"audio": NewCallRequest("0811", "0822", false, meta, testNow),
		"video": NewCallRequest("0811", "0822", true, meta, testNow),
		"chat":  NewChat("0811", "0822", chat, meta, testNow),
	}

	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			raw, err := Encode(env)
			require.NoError(t, err)

			got, err := Decode(raw)
			require.NoError(t, err)
			assert.Equal(t, env, got)
		})
	}
}

func TestEncode_UsesWireFieldNames(t *testing.T) {
	raw, err := Encode(NewOffer("0811", "0822", "sdp", testNow))
	require.NoError(t, err)

	var fields map[string]any
	require.NoError(t, json.Unmarshal(raw, &fields))
	assert.Equal(t, "Offer", fields["type"])
	assert.Equal(t, "0811", fields["senderId"])
	assert.Equal(t, "0822", fields["receiverId"])
	assert.Equal(t, "sdp", fields["data"])
	assert.EqualValues(t, testNow.UnixMilli(), fields["timeStamp"])
	assert.NotContains(t, fields, "senderName")
}

func TestEncode_RejectsIgnored(t *testing.T) {
	_, err := Encode(&Envelope{Type: EventIgnored})
	assert.ErrorIs(t, err, ErrNotEncodable)
}

// =============================================================================
// Decode edge cases
// =============================================================================

func TestDecode_Malformed(t *testing.T) {
	for _, raw := range []string{`{not json`, `[]`, `"Offer"`} {
		_, err := Decode([]byte(raw))
		var decErr *DecodeError
		require.True(t, errors.As(err, &decErr), "input %q: got %v", raw, err)
	}
}

func TestDecode_OfferWithoutStringSDP(t *testing.T) {
	_, err := Decode([]byte(`{"type":"Offer","senderId":"a","receiverId":"b","data":{"x":1},"timeStamp":1}`))
	var decErr *DecodeError
	assert.ErrorAs(t, err, &decErr)

	_, err = Decode([]byte(`{"type":"Answer","senderId":"a","receiverId":"b","timeStamp":1}`))
	assert.ErrorAs(t, err, &decErr)
}

func TestDecode_UnknownTypeIsIgnored(t *testing.T) {
	env, err := Decode([]byte(`{"type":"Ping","senderId":"a","receiverId":"b","data":{"k":"v"},"timeStamp":5}`))
	require.NoError(t, err)
	assert.Equal(t, EventIgnored, env.Type)
	assert.Equal(t, "Ping", env.RawType)
	assert.JSONEq(t, `{"k":"v"}`, string(env.Data.(RawPayload)))

	env, err = Decode([]byte(`{"senderId":"a","receiverId":"b","timeStamp":5}`))
	require.NoError(t, err)
	assert.Equal(t, EventIgnored, env.Type)
	assert.Empty(t, env.RawType)
}

func TestDecode_CandidateAsEncodedString(t *testing.T) {
	raw := `{"type":"IceCandidates","senderId":"a","receiverId":"b","timeStamp":1,` +
		`"data":"{\"candidate\":\"candidate:1\",\"sdpMid\":\"0\",\"sdpMLineIndex\":0}"}`

	env, err := Decode([]byte(raw))
	require.NoError(t, err)

	c, err := env.Candidate()
	require.NoError(t, err)
	assert.Equal(t, "candidate:1", c.Candidate)
	assert.Equal(t, "0", *c.SDPMid)
	assert.Equal(t, uint16(0), *c.SDPMLineIndex)
}

func TestDecode_MalformedCandidateIsKeptRaw(t *testing.T) {
	raw := `{"type":"IceCandidates","senderId":"a","receiverId":"b","timeStamp":1,"data":{"sdpMid":"0"}}`

	env, err := Decode([]byte(raw))
	require.NoError(t, err)
	assert.IsType(t, RawPayload{}, env.Data)

	_, err = env.Candidate()
	assert.ErrorIs(t, err, ErrEmptyCandidate)
}

func TestCandidate_Missing(t *testing.T) {
	env, err := Decode([]byte(`{"type":"IceCandidates","senderId":"a","receiverId":"b","timeStamp":1}`))
	require.NoError(t, err)

	_, err = env.Candidate()
	assert.ErrorIs(t, err, ErrMissingCandidate)
}

func TestParseCandidate_MissingMLineIndex(t *testing.T) {
	_, err := ParseCandidate([]byte(`{"candidate":"candidate:1","sdpMid":null}`))
	assert.ErrorIs(t, err, ErrMissingMLine)
}

// =============================================================================
// Validity window
// =============================================================================

func TestIsValid_Boundary(t *testing.T) {
	env := NewEndCall("a", "b", testNow)

	assert.True(t, IsValid(env, testNow))
	assert.True(t, IsValid(env, testNow.Add(59_999*time.Millisecond)))
	assert.False(t, IsValid(env, testNow.Add(60_000*time.Millisecond)))
	assert.False(t, IsValid(env, testNow.Add(time.Hour)))

	assert.NoError(t, CheckFresh(env, testNow.Add(time.Second)))
	assert.ErrorIs(t, CheckFresh(env, testNow.Add(MaxAge)), ErrStaleEnvelope)
}

// =============================================================================
// Decline reply
// =============================================================================

func TestDeclineReply_SwapsParties(t *testing.T) {
	req := NewCallRequest("0811", "0822", true, Metadata{SenderName: "Alice"}, testNow)

	reply := DeclineReply(req)
	assert.Equal(t, EventEndCall, reply.Type)
	assert.Equal(t, "0822", reply.SenderID)
	assert.Equal(t, "0811", reply.ReceiverID)
	assert.Equal(t, "Alice", reply.SenderName)
	assert.Equal(t, req.Timestamp, reply.Timestamp)

	// original is untouched
	assert.Equal(t, EventStartVideoCall, req.Type)
	assert.Equal(t, "0811", req.SenderID)
}

func TestEventType_Helpers(t *testing.T) {
	assert.True(t, EventStartAudioCall.IsCallRequest())
	assert.True(t, EventStartVideoCall.IsCallRequest())
	assert.False(t, EventOffer.IsCallRequest())
	assert.False(t, EventIgnored.Known())
	assert.True(t, EventICECandidates.Known())
}
