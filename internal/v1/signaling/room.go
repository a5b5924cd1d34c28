package signaling

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"k8s.io/utils/set"

	"github.com/pairlane/pairlane/internal/v1/logging"
	"github.com/pairlane/pairlane/internal/v1/metrics"
	"github.com/pairlane/pairlane/internal/v1/store"
)

// Room is the per-room scheduler. It owns role assignment, the waiting queue,
// the active pair set and the relay rules. All state is serialised by mu, so
// every handler below is a step of a single-threaded actor.
type Room struct {
	ID string
	mu sync.Mutex

	clients     map[string]*Client // by cid; at most one socket per cid
	activePairs map[string]string  // answerer cid -> offerer cid
	finished    set.Set[string]    // cids that completed a transfer; never promoted again
	cfg         *store.RoomConfig

	store   store.RoomStore
	onEmpty func(roomID string)
}

// NewRoom creates a room. onEmpty is invoked (outside the lock) whenever the
// last socket leaves, so the hub can schedule cleanup.
func NewRoom(roomID string, st store.RoomStore, onEmpty func(roomID string)) *Room {
	return &Room{
		ID:          roomID,
		clients:     make(map[string]*Client),
		activePairs: make(map[string]string),
		finished:    set.New[string](),
		store:       st,
		onEmpty:     onEmpty,
	}
}

func (r *Room) logCtx() context.Context {
	return context.WithValue(context.Background(), logging.RoomIDKey, r.ID)
}

// ensureConfig lazily loads the room config. Rooms that were never created
// through the API run on defaults.
func (r *Room) ensureConfig(ctx context.Context) {
	if r.cfg != nil {
		return
	}
	cfg, err := r.store.LoadConfig(ctx, r.ID)
	if err != nil {
		if err != store.ErrNotFound {
			logging.Warn(r.logCtx(), "Failed to load room config, using defaults", zap.Error(err))
		}
		r.cfg = store.DefaultConfig()
		return
	}
	cfg.MaxConcurrent = store.ClampMaxConcurrent(cfg.MaxConcurrent)
	r.cfg = cfg
}

// Config returns the room's effective configuration, loading it if needed.
func (r *Room) Config(ctx context.Context) *store.RoomConfig {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ensureConfig(ctx)
	cfg := *r.cfg
	return &cfg
}

// HandleClientConnect admits a socket: evicts any prior socket with the same
// cid, assigns a role, announces it, and runs the slot filler.
func (r *Room) HandleClientConnect(client *Client) {
	r.mu.Lock()

	r.ensureConfig(context.Background())

	if prior, ok := r.clients[client.Cid]; ok {
		prior.replaced = true
		delete(r.clients, client.Cid)
		// A transfer slot does not survive its socket: the replacement
		// re-enters the queue, so the pairing is released and the sender is
		// told the peer is gone before the new socket is admitted.
		if _, paired := r.activePairs[client.Cid]; paired {
			delete(r.activePairs, client.Cid)
			if offerer := r.offerer(); offerer != nil {
				offerer.sendFrame(&ServerFrame{Type: TypePeerLeft, PeerID: client.Cid})
			}
		}
		prior.evict("replaced")
		logging.Info(r.logCtx(), "Evicted prior socket for reconnecting cid", zap.String("clientId", client.Cid))
	}

	client.role = r.pickRole(client.Cid)
	client.joinedAt = time.Now()
	if client.role == RoleAnswerer {
		if r.finished.Has(client.Cid) {
			client.state = StateDone
		} else {
			client.state = StateWaiting
		}
	}
	r.clients[client.Cid] = client

	client.sendFrame(&ServerFrame{Type: TypeRole, Role: client.role, Cid: client.Cid})
	if client.state == StateWaiting {
		client.sendFrame(&ServerFrame{Type: TypeWait, Position: r.waitingPosition(client.Cid)})
	}

	r.broadcastPeers()
	r.fillSlots()
	r.updateQueueMetrics()

	logging.Info(r.logCtx(), "Client joined room",
		zap.String("clientId", client.Cid),
		zap.String("role", client.role),
		zap.Int("peers", len(r.clients)))

	r.mu.Unlock()
}

// pickRole implements the admission rule: a pinned creator is always the
// offerer; otherwise the first socket with no live offerer takes the role.
func (r *Room) pickRole(cid string) string {
	if r.cfg.CreatorCid != "" {
		if cid == r.cfg.CreatorCid {
			return RoleOfferer
		}
		return RoleAnswerer
	}
	if r.offerer() == nil {
		return RoleOfferer
	}
	return RoleAnswerer
}

func (r *Room) offerer() *Client {
	for _, c := range r.clients {
		if c.role == RoleOfferer {
			return c
		}
	}
	return nil
}

// waitingReceivers returns waiting answerers in promotion order: ascending
// joinedAt, ties broken by cid so the order is deterministic.
func (r *Room) waitingReceivers() []*Client {
	var waiting []*Client
	for _, c := range r.clients {
		if c.role == RoleAnswerer && c.state == StateWaiting {
			waiting = append(waiting, c)
		}
	}
	sort.Slice(waiting, func(i, j int) bool {
		if !waiting[i].joinedAt.Equal(waiting[j].joinedAt) {
			return waiting[i].joinedAt.Before(waiting[j].joinedAt)
		}
		return waiting[i].Cid < waiting[j].Cid
	})
	return waiting
}

func (r *Room) waitingPosition(cid string) int {
	for i, c := range r.waitingReceivers() {
		if c.Cid == cid {
			return i + 1
		}
	}
	return 0
}

func (r *Room) activeCount() int {
	n := 0
	for _, c := range r.clients {
		if c.role == RoleAnswerer && c.state == StateActive {
			n++
		}
	}
	return n
}

// fillSlots promotes waiting receivers into free transfer slots. Caller holds
// the lock.
func (r *Room) fillSlots() {
	offerer := r.offerer()
	if offerer == nil {
		return
	}

	available := r.cfg.MaxConcurrent - r.activeCount()
	if available <= 0 {
		return
	}

	for _, a := range r.waitingReceivers() {
		if available == 0 {
			break
		}
		a.state = StateActive
		r.activePairs[a.Cid] = offerer.Cid
		a.sendFrame(&ServerFrame{Type: TypeStart})
		offerer.sendFrame(&ServerFrame{Type: TypeStart, PeerID: a.Cid})
		available--

		logging.Info(r.logCtx(), "Promoted receiver to active slot",
			zap.String("clientId", a.Cid), zap.String("offererId", offerer.Cid))
	}
}

func (r *Room) broadcastPeers() {
	frame := &ServerFrame{Type: TypePeers, Count: len(r.clients)}
	for _, c := range r.clients {
		c.sendFrame(frame)
	}
}

func (r *Room) updateQueueMetrics() {
	waiting, active := 0, 0
	for _, c := range r.clients {
		if c.role != RoleAnswerer {
			continue
		}
		switch c.state {
		case StateWaiting:
			waiting++
		case StateActive:
			active++
		}
	}
	metrics.WaitingReceivers.WithLabelValues(r.ID).Set(float64(waiting))
	metrics.ActiveReceivers.WithLabelValues(r.ID).Set(float64(active))
}

// knownFrameType maps a client-supplied type onto the fixed frame set so it
// is safe to use as a metric label.
func knownFrameType(frameType string) string {
	switch frameType {
	case TypeOffer, TypeAnswer, TypeCandidate, TypeTransferDone:
		return frameType
	}
	return "unknown"
}

// handleFrame is the relay. Unauthorized, unpaired or unknown frames are
// dropped without a reply; peers recover through their sid fence.
func (r *Room) handleFrame(origin *Client, frame *ClientFrame) {
	start := time.Now()
	defer func() {
		metrics.FrameProcessingDuration.WithLabelValues(knownFrameType(frame.Type)).Observe(time.Since(start).Seconds())
	}()

	r.mu.Lock()
	defer r.mu.Unlock()

	switch frame.Type {
	case TypeOffer, TypeAnswer, TypeCandidate:
		if !r.relayAuthorized(origin, frame) {
			metrics.SignalingFrames.WithLabelValues(frame.Type, "dropped").Inc()
			return
		}
		target, ok := r.clients[frame.To]
		if !ok {
			metrics.SignalingFrames.WithLabelValues(frame.Type, "dropped").Inc()
			return
		}
		target.sendFrame(&ServerFrame{
			Type:      frame.Type,
			From:      origin.Cid,
			Sid:       frame.Sid,
			SDP:       frame.SDP,
			Candidate: frame.Candidate,
		})
		metrics.SignalingFrames.WithLabelValues(frame.Type, "relayed").Inc()

	case TypeTransferDone:
		r.handleTransferDone(origin, frame.PeerID)

	default:
		metrics.SignalingFrames.WithLabelValues("unknown", "dropped").Inc()
	}
}

// relayAuthorized checks the pairing rules: an offerer may only address
// receivers currently paired with it, an answerer only its paired offerer.
func (r *Room) relayAuthorized(origin *Client, frame *ClientFrame) bool {
	switch frame.Type {
	case TypeOffer:
		return origin.role == RoleOfferer && r.activePairs[frame.To] == origin.Cid
	case TypeAnswer:
		return origin.role == RoleAnswerer && r.activePairs[origin.Cid] == frame.To
	case TypeCandidate:
		if origin.role == RoleOfferer {
			return r.activePairs[frame.To] == origin.Cid
		}
		return r.activePairs[origin.Cid] == frame.To
	}
	return false
}

// handleTransferDone marks the named receiver done and frees its slot. Only
// the offerer may report completion; repeats are no-ops. Caller holds the lock.
func (r *Room) handleTransferDone(origin *Client, peerID string) {
	if origin.role != RoleOfferer || peerID == "" {
		metrics.SignalingFrames.WithLabelValues(TypeTransferDone, "dropped").Inc()
		return
	}

	peer, ok := r.clients[peerID]
	if !ok || peer.role != RoleAnswerer || peer.state != StateActive {
		metrics.SignalingFrames.WithLabelValues(TypeTransferDone, "dropped").Inc()
		return
	}

	peer.state = StateDone
	r.finished.Insert(peerID)
	delete(r.activePairs, peerID)
	metrics.TransfersCompleted.Inc()
	metrics.SignalingFrames.WithLabelValues(TypeTransferDone, "accepted").Inc()

	logging.Info(r.logCtx(), "Transfer completed",
		zap.String("offererId", origin.Cid), zap.String("receiverId", peerID))

	r.fillSlots()
	r.updateQueueMetrics()
}

// handleClientDisconnect processes a socket closure. A socket that was
// replaced by a newer one with the same cid only triggers a peers rebroadcast;
// the replacement already carries the membership.
func (r *Room) handleClientDisconnect(client *Client) {
	r.mu.Lock()

	if current, ok := r.clients[client.Cid]; !ok || current != client {
		r.broadcastPeers()
		r.mu.Unlock()
		return
	}

	delete(r.clients, client.Cid)
	client.Disconnect()

	switch client.role {
	case RoleAnswerer:
		if _, wasActive := r.activePairs[client.Cid]; wasActive {
			delete(r.activePairs, client.Cid)
		}
		if offerer := r.offerer(); offerer != nil {
			offerer.sendFrame(&ServerFrame{Type: TypePeerLeft, PeerID: client.Cid})
		}
		r.fillSlots()

	case RoleOfferer:
		// Without a sender there is nothing to pair against: every active
		// receiver returns to the queue and waits for the next sender.
		r.activePairs = make(map[string]string)
		for _, c := range r.waitingAndActiveReceivers() {
			c.state = StateWaiting
		}
		for _, c := range r.waitingReceivers() {
			c.sendFrame(&ServerFrame{Type: TypeWait, Position: r.waitingPosition(c.Cid)})
		}
	}

	r.broadcastPeers()
	r.updateQueueMetrics()

	logging.Info(r.logCtx(), "Client left room",
		zap.String("clientId", client.Cid),
		zap.String("role", client.role),
		zap.Int("peers", len(r.clients)))

	empty := len(r.clients) == 0
	r.mu.Unlock()

	if empty && r.onEmpty != nil {
		r.onEmpty(r.ID)
	}
}

func (r *Room) waitingAndActiveReceivers() []*Client {
	var out []*Client
	for _, c := range r.clients {
		if c.role == RoleAnswerer && (c.state == StateWaiting || c.state == StateActive) {
			out = append(out, c)
		}
	}
	return out
}

// IsEmpty reports whether the room has no live sockets.
func (r *Room) IsEmpty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients) == 0
}

// CloseRoom disconnects every socket, e.g. on server shutdown.
func (r *Room) CloseRoom(reason string) {
	r.mu.Lock()
	clients := make([]*Client, 0, len(r.clients))
	for _, c := range r.clients {
		clients = append(clients, c)
	}
	r.mu.Unlock()

	for _, c := range clients {
		c.evict(reason)
	}
}
