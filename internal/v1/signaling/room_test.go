package signaling

import (
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pairlane/pairlane/internal/v1/store"
)

// fakeConn satisfies wsConnection for tests that drive the room directly
// without running the pumps.
type fakeConn struct{}

func (fakeConn) ReadMessage() (int, []byte, error) { return 0, nil, io.EOF }
func (fakeConn) WriteMessage(int, []byte) error    { return nil }
func (fakeConn) Close() error                      { return nil }
func (fakeConn) SetWriteDeadline(time.Time) error  { return nil }

func newTestRoom(t *testing.T, cfg *store.RoomConfig) *Room {
	t.Helper()
	st := store.NewMemoryStore()
	r := NewRoom("BCDFGHJKLM", st, nil)
	if cfg != nil {
		require.NoError(t, st.SaveConfig(context.Background(), r.ID, cfg))
	}
	return r
}

func join(r *Room, cid string) *Client {
	c := newClient(fakeConn{}, r, cid)
	r.HandleClientConnect(c)
	return c
}

// drainFrames empties the client's send buffer and decodes the frames.
func drainFrames(t *testing.T, c *Client) []ServerFrame {
	t.Helper()
	var out []ServerFrame
	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				return out
			}
			var f ServerFrame
			require.NoError(t, json.Unmarshal(data, &f))
			out = append(out, f)
		default:
			return out
		}
	}
}

func findFrame(frames []ServerFrame, frameType string) *ServerFrame {
	for i := range frames {
		if frames[i].Type == frameType {
			return &frames[i]
		}
	}
	return nil
}

func findFrames(frames []ServerFrame, frameType string) []ServerFrame {
	var out []ServerFrame
	for _, f := range frames {
		if f.Type == frameType {
			out = append(out, f)
		}
	}
	return out
}

func TestAdmission_FirstJoinerBecomesOfferer(t *testing.T) {
	r := newTestRoom(t, nil)

	sender := join(r, "sender")
	frames := drainFrames(t, sender)

	role := findFrame(frames, TypeRole)
	require.NotNil(t, role)
	assert.Equal(t, RoleOfferer, role.Role)
	assert.Equal(t, "sender", role.Cid)

	peers := findFrame(frames, TypePeers)
	require.NotNil(t, peers)
	assert.Equal(t, 1, peers.Count)
}

func TestAdmission_CreatorCidPinsRoles(t *testing.T) {
	r := newTestRoom(t, &store.RoomConfig{MaxConcurrent: 3, CreatorCid: "creator"})

	// An early joiner that is not the creator stays a receiver even though no
	// sender is present yet.
	early := join(r, "early")
	role := findFrame(drainFrames(t, early), TypeRole)
	require.NotNil(t, role)
	assert.Equal(t, RoleAnswerer, role.Role)

	creator := join(r, "creator")
	role = findFrame(drainFrames(t, creator), TypeRole)
	require.NotNil(t, role)
	assert.Equal(t, RoleOfferer, role.Role)
}

func TestOneToOnePromotion(t *testing.T) {
	r := newTestRoom(t, &store.RoomConfig{MaxConcurrent: 3})

	sender := join(r, "sender")
	drainFrames(t, sender)

	a := join(r, "receiver-a")
	aFrames := drainFrames(t, a)

	role := findFrame(aFrames, TypeRole)
	require.NotNil(t, role)
	assert.Equal(t, RoleAnswerer, role.Role)
	require.NotNil(t, findFrame(aFrames, TypeWait))
	require.NotNil(t, findFrame(aFrames, TypeStart), "receiver should be promoted immediately")

	start := findFrame(drainFrames(t, sender), TypeStart)
	require.NotNil(t, start)
	assert.Equal(t, "receiver-a", start.PeerID)

	assert.Equal(t, "sender", r.activePairs["receiver-a"])
}

func TestQueueingAndTransferDonePromotion(t *testing.T) {
	r := newTestRoom(t, &store.RoomConfig{MaxConcurrent: 2})

	sender := join(r, "sender")
	a := join(r, "aaa")
	b := join(r, "bbb")
	c := join(r, "ccc")

	require.NotNil(t, findFrame(drainFrames(t, a), TypeStart))
	require.NotNil(t, findFrame(drainFrames(t, b), TypeStart))

	cFrames := drainFrames(t, c)
	assert.Nil(t, findFrame(cFrames, TypeStart))
	require.NotNil(t, findFrame(cFrames, TypeWait))

	starts := findFrames(drainFrames(t, sender), TypeStart)
	require.Len(t, starts, 2)

	// Sender reports the first transfer done: the queued receiver is promoted,
	// the other active receiver is untouched.
	r.handleFrame(sender, &ClientFrame{Type: TypeTransferDone, PeerID: "aaa"})

	require.NotNil(t, findFrame(drainFrames(t, c), TypeStart))
	assert.Equal(t, StateDone, a.state)
	assert.Equal(t, StateActive, b.state)
	assert.Equal(t, StateActive, c.state)

	start := findFrame(drainFrames(t, sender), TypeStart)
	require.NotNil(t, start)
	assert.Equal(t, "ccc", start.PeerID)
}

func TestMaxConcurrentCeiling(t *testing.T) {
	r := newTestRoom(t, &store.RoomConfig{MaxConcurrent: 1})

	join(r, "sender")
	join(r, "r1")
	join(r, "r2")
	join(r, "r3")

	assert.Equal(t, 1, r.activeCount())
	assert.Len(t, r.activePairs, 1)
}

func TestSenderCloseResetsReceiversToWaiting(t *testing.T) {
	r := newTestRoom(t, &store.RoomConfig{MaxConcurrent: 2})

	sender := join(r, "sender")
	a := join(r, "aaa")
	b := join(r, "bbb")
	drainFrames(t, sender)
	drainFrames(t, a)
	drainFrames(t, b)

	r.handleClientDisconnect(sender)

	assert.Empty(t, r.activePairs)
	assert.Equal(t, StateWaiting, a.state)
	assert.Equal(t, StateWaiting, b.state)

	wait := findFrame(drainFrames(t, a), TypeWait)
	require.NotNil(t, wait)
	assert.Equal(t, 1, wait.Position)
	wait = findFrame(drainFrames(t, b), TypeWait)
	require.NotNil(t, wait)
	assert.Equal(t, 2, wait.Position)

	// A returning sender promotes them again in FIFO order.
	sender2 := join(r, "sender")
	starts := findFrames(drainFrames(t, sender2), TypeStart)
	require.Len(t, starts, 2)
	assert.Equal(t, "aaa", starts[0].PeerID)
	assert.Equal(t, "bbb", starts[1].PeerID)
}

func TestFIFOPromotionWithCidTiebreak(t *testing.T) {
	r := newTestRoom(t, &store.RoomConfig{MaxConcurrent: 10, CreatorCid: "sender"})

	z := join(r, "zzz")
	m := join(r, "mmm")
	a := join(r, "aaa")

	// Force identical join times so only the cid tiebreak decides order.
	now := time.Now()
	r.mu.Lock()
	z.joinedAt, m.joinedAt, a.joinedAt = now, now, now
	r.mu.Unlock()

	sender := join(r, "sender")
	starts := findFrames(drainFrames(t, sender), TypeStart)
	require.Len(t, starts, 3)
	assert.Equal(t, "aaa", starts[0].PeerID)
	assert.Equal(t, "mmm", starts[1].PeerID)
	assert.Equal(t, "zzz", starts[2].PeerID)
}

func TestSameCidEvictsPriorSocket(t *testing.T) {
	r := newTestRoom(t, nil)

	first := join(r, "sender")
	drainFrames(t, first)

	second := join(r, "sender")

	assert.True(t, first.replaced)
	first.mu.RLock()
	assert.True(t, first.closed)
	first.mu.RUnlock()
	assert.Same(t, second, r.clients["sender"])

	// The replaced socket's close must not run departure effects: the new
	// socket keeps the offerer role and the room stays intact.
	r.handleClientDisconnect(first)
	assert.Same(t, second, r.clients["sender"])
	assert.Equal(t, RoleOfferer, second.role)
}

func TestActiveReceiverReconnectReleasesSlot(t *testing.T) {
	r := newTestRoom(t, &store.RoomConfig{MaxConcurrent: 1})

	sender := join(r, "sender")
	a := join(r, "aaa")
	b := join(r, "bbb")
	drainFrames(t, sender)
	drainFrames(t, a)
	drainFrames(t, b)

	// The active receiver's cid reconnects: the old pairing must not outlive
	// the socket that held it.
	a2 := join(r, "aaa")

	_, paired := r.activePairs["aaa"]
	assert.False(t, paired)
	assert.Equal(t, StateWaiting, a2.state)
	assert.Len(t, r.activePairs, 1)
	assert.Equal(t, "sender", r.activePairs["bbb"])
	assert.Equal(t, StateActive, b.state)

	// The sender sees the departure and the freed slot going to the queue head.
	senderFrames := drainFrames(t, sender)
	left := findFrame(senderFrames, TypePeerLeft)
	require.NotNil(t, left)
	assert.Equal(t, "aaa", left.PeerID)
	start := findFrame(senderFrames, TypeStart)
	require.NotNil(t, start)
	assert.Equal(t, "bbb", start.PeerID)

	// Offers addressed to the requeued cid are no longer relayed.
	drainFrames(t, a2)
	r.handleFrame(sender, &ClientFrame{Type: TypeOffer, To: "aaa", Sid: 1, SDP: json.RawMessage(`{}`)})
	assert.Nil(t, findFrame(drainFrames(t, a2), TypeOffer))
}

func TestSenderReconnectPreservesActivePairs(t *testing.T) {
	r := newTestRoom(t, &store.RoomConfig{MaxConcurrent: 2, CreatorCid: "sender"})

	a := join(r, "aaa")
	first := join(r, "sender")
	drainFrames(t, a)
	drainFrames(t, first)

	second := join(r, "sender")
	r.handleClientDisconnect(first)

	assert.Equal(t, "sender", r.activePairs["aaa"])
	assert.Equal(t, StateActive, a.state)
	_ = second
}

func TestRelay_AuthorizedOfferSubstitutesFrom(t *testing.T) {
	r := newTestRoom(t, &store.RoomConfig{MaxConcurrent: 3})

	sender := join(r, "sender")
	a := join(r, "aaa")
	drainFrames(t, sender)
	drainFrames(t, a)

	sdp := json.RawMessage(`{"type":"offer","sdp":"v=0"}`)
	r.handleFrame(sender, &ClientFrame{Type: TypeOffer, To: "aaa", Sid: 1, SDP: sdp})

	offer := findFrame(drainFrames(t, a), TypeOffer)
	require.NotNil(t, offer)
	assert.Equal(t, "sender", offer.From)
	assert.Equal(t, 1, offer.Sid)
	assert.JSONEq(t, string(sdp), string(offer.SDP))
}

func TestRelay_UnauthorizedFramesDropped(t *testing.T) {
	r := newTestRoom(t, &store.RoomConfig{MaxConcurrent: 1})

	sender := join(r, "sender")
	a := join(r, "aaa")
	waiting := join(r, "bbb") // beyond the ceiling, still waiting
	drainFrames(t, sender)
	drainFrames(t, a)
	drainFrames(t, waiting)

	// Offer to an unpaired receiver is dropped.
	r.handleFrame(sender, &ClientFrame{Type: TypeOffer, To: "bbb", Sid: 1})
	assert.Empty(t, drainFrames(t, waiting))

	// An answerer may not issue offers.
	r.handleFrame(a, &ClientFrame{Type: TypeOffer, To: "sender", Sid: 1})
	assert.Empty(t, drainFrames(t, sender))

	// Candidates between unpaired endpoints are dropped.
	r.handleFrame(waiting, &ClientFrame{Type: TypeCandidate, To: "sender", Sid: 1})
	assert.Empty(t, drainFrames(t, sender))

	// Answer from the paired receiver goes through.
	r.handleFrame(a, &ClientFrame{Type: TypeAnswer, To: "sender", Sid: 1, SDP: json.RawMessage(`{}`)})
	answer := findFrame(drainFrames(t, sender), TypeAnswer)
	require.NotNil(t, answer)
	assert.Equal(t, "aaa", answer.From)
}

func TestKnownFrameType(t *testing.T) {
	assert.Equal(t, TypeOffer, knownFrameType(TypeOffer))
	assert.Equal(t, TypeAnswer, knownFrameType(TypeAnswer))
	assert.Equal(t, TypeCandidate, knownFrameType(TypeCandidate))
	assert.Equal(t, TypeTransferDone, knownFrameType(TypeTransferDone))
	assert.Equal(t, "unknown", knownFrameType("bogus"))
	assert.Equal(t, "unknown", knownFrameType(""))
}

func TestRelay_UnknownFrameDropped(t *testing.T) {
	r := newTestRoom(t, nil)
	sender := join(r, "sender")
	drainFrames(t, sender)

	r.handleFrame(sender, &ClientFrame{Type: "bogus"})
	assert.Empty(t, drainFrames(t, sender))
}

func TestTransferDone_Idempotent(t *testing.T) {
	r := newTestRoom(t, &store.RoomConfig{MaxConcurrent: 1})

	sender := join(r, "sender")
	a := join(r, "aaa")
	drainFrames(t, sender)
	drainFrames(t, a)

	r.handleFrame(sender, &ClientFrame{Type: TypeTransferDone, PeerID: "aaa"})
	assert.Equal(t, StateDone, a.state)

	// Repeats change nothing.
	r.handleFrame(sender, &ClientFrame{Type: TypeTransferDone, PeerID: "aaa"})
	assert.Equal(t, StateDone, a.state)
	assert.Empty(t, r.activePairs)
}

func TestTransferDone_OnlyFromOfferer(t *testing.T) {
	r := newTestRoom(t, &store.RoomConfig{MaxConcurrent: 1})

	sender := join(r, "sender")
	a := join(r, "aaa")
	drainFrames(t, sender)
	drainFrames(t, a)

	r.handleFrame(a, &ClientFrame{Type: TypeTransferDone, PeerID: "aaa"})
	assert.Equal(t, StateActive, a.state)
}

func TestDoneReceiverNeverReactivated(t *testing.T) {
	r := newTestRoom(t, &store.RoomConfig{MaxConcurrent: 2})

	sender := join(r, "sender")
	a := join(r, "aaa")
	drainFrames(t, sender)
	drainFrames(t, a)

	r.handleFrame(sender, &ClientFrame{Type: TypeTransferDone, PeerID: "aaa"})
	r.handleClientDisconnect(a)

	// The same cid reconnecting stays done and gets no start frame.
	a2 := join(r, "aaa")
	frames := drainFrames(t, a2)
	assert.Nil(t, findFrame(frames, TypeStart))
	assert.Nil(t, findFrame(frames, TypeWait))
	assert.Equal(t, StateDone, a2.state)
}

func TestAnswererLeaveFreesSlot(t *testing.T) {
	r := newTestRoom(t, &store.RoomConfig{MaxConcurrent: 1})

	sender := join(r, "sender")
	a := join(r, "aaa")
	b := join(r, "bbb")
	drainFrames(t, sender)
	drainFrames(t, a)
	drainFrames(t, b)

	r.handleClientDisconnect(a)

	senderFrames := drainFrames(t, sender)
	left := findFrame(senderFrames, TypePeerLeft)
	require.NotNil(t, left)
	assert.Equal(t, "aaa", left.PeerID)

	// The waiting receiver takes the freed slot.
	start := findFrame(senderFrames, TypeStart)
	require.NotNil(t, start)
	assert.Equal(t, "bbb", start.PeerID)
	assert.Equal(t, "sender", r.activePairs["bbb"])
}

func TestEmptyRoomInvokesCallback(t *testing.T) {
	var gotRoomID string
	st := store.NewMemoryStore()
	r := NewRoom("BCDFGHJKLM", st, func(roomID string) { gotRoomID = roomID })

	c := join(r, "only")
	r.handleClientDisconnect(c)

	assert.Equal(t, "BCDFGHJKLM", gotRoomID)
	assert.True(t, r.IsEmpty())
}

func TestUnknownRoomRunsOnDefaults(t *testing.T) {
	r := newTestRoom(t, nil)
	cfg := r.Config(context.Background())
	assert.Equal(t, store.DefaultMaxConcurrent, cfg.MaxConcurrent)
	assert.Empty(t, cfg.CreatorCid)
}
