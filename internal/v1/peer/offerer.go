package peer

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/pairlane/pairlane/internal/v1/logging"
	"github.com/pairlane/pairlane/internal/v1/signaling"
	"github.com/pairlane/pairlane/internal/v1/transfer"
)

const (
	// lowWatermark is the buffered-amount threshold that re-arms sending.
	lowWatermark = 4 << 20
	// highWatermark pauses sending until the channel drains below lowWatermark.
	highWatermark = 8 << 20
)

// Source describes the artifact the offerer fans out. Open is called once per
// receiver so each gets an independent reader.
type Source struct {
	Name string
	Size int64
	Mime string
	Open func() (io.ReadCloser, error)
}

// Offerer is the sender-side engine: one connection per active receiver, each
// with its own sid fence, candidate buffer and data channel.
type Offerer struct {
	signal signalSender
	stun   []string
	cipher *transfer.Cipher // nil when sending plaintext

	mu     sync.Mutex
	peers  map[string]*peerSession
	source *Source

	// OnTransferDone is invoked after each completed fan-out, with the
	// receiver's cid.
	OnTransferDone func(peerID string)
}

type sidCandidate struct {
	sid       int
	candidate json.RawMessage
}

// peerSession is the per-receiver connection state. Stale pion callbacks are
// detected by comparing the session pointer against the current map entry.
type peerSession struct {
	id string
	pc *webrtc.PeerConnection
	dc *webrtc.DataChannel

	signalSid         int
	activeSid         int
	remoteDescSet     bool
	pendingCandidates []sidCandidate
	offerInFlight     bool

	sending bool
	sent    bool

	drained chan struct{}
}

// NewOfferer creates the sender engine. cipher may be nil for plaintext
// transfers.
func NewOfferer(signal signalSender, stunServers []string, cipher *transfer.Cipher) *Offerer {
	return &Offerer{
		signal: signal,
		stun:   stunServers,
		cipher: cipher,
		peers:  make(map[string]*peerSession),
	}
}

// SetSource selects the artifact to send and resets per-peer progress so the
// new selection fans out once to every connected receiver.
func (o *Offerer) SetSource(src *Source) {
	o.mu.Lock()
	o.source = src
	var ready []*peerSession
	for _, sess := range o.peers {
		sess.sending = false
		sess.sent = false
		if sess.dc != nil && sess.dc.ReadyState() == webrtc.DataChannelStateOpen {
			ready = append(ready, sess)
		}
	}
	o.mu.Unlock()

	for _, sess := range ready {
		go o.sendTo(sess)
	}
}

// HandleFrame processes one server frame.
func (o *Offerer) HandleFrame(frame *signaling.ServerFrame) {
	switch frame.Type {
	case signaling.TypeStart:
		if frame.PeerID != "" {
			o.startPeer(frame.PeerID)
		}
	case signaling.TypePeerLeft:
		o.TeardownPeer(frame.PeerID)
	case signaling.TypeAnswer:
		o.handleAnswer(frame.From, frame.Sid, frame.SDP)
	case signaling.TypeCandidate:
		o.handleCandidate(frame.From, frame.Sid, frame.Candidate)
	}
}

func (o *Offerer) webrtcConfig() webrtc.Configuration {
	return webrtcConfig(o.stun)
}

func webrtcConfig(stun []string) webrtc.Configuration {
	cfg := webrtc.Configuration{}
	if len(stun) > 0 {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: stun}}
	}
	return cfg
}

// startPeer builds a fresh session for a promoted receiver, replacing any
// prior one for the same cid.
func (o *Offerer) startPeer(peerID string) {
	o.mu.Lock()
	if prior, ok := o.peers[peerID]; ok {
		delete(o.peers, peerID)
		o.closeSessionLocked(prior)
	}

	pc, err := webrtc.NewPeerConnection(o.webrtcConfig())
	if err != nil {
		o.mu.Unlock()
		logging.Error(context.Background(), "Failed to create peer connection",
			zap.String("peerId", peerID), zap.Error(err))
		return
	}

	sess := &peerSession{
		id:      peerID,
		pc:      pc,
		drained: make(chan struct{}, 1),
	}
	o.peers[peerID] = sess

	ordered := true
	dc, err := pc.CreateDataChannel("file", &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		delete(o.peers, peerID)
		o.closeSessionLocked(sess)
		o.mu.Unlock()
		logging.Error(context.Background(), "Failed to create data channel",
			zap.String("peerId", peerID), zap.Error(err))
		return
	}
	sess.dc = dc

	dc.SetBufferedAmountLowThreshold(lowWatermark)
	dc.OnBufferedAmountLow(func() {
		select {
		case sess.drained <- struct{}{}:
		default:
		}
	})
	dc.OnOpen(func() {
		if !o.isCurrent(sess) {
			return
		}
		go o.sendTo(sess)
	})

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		o.mu.Lock()
		current := o.isCurrentLocked(sess)
		sid := sess.activeSid
		o.mu.Unlock()
		if !current || sid == 0 {
			return
		}
		data, err := json.Marshal(cand.ToJSON())
		if err != nil {
			return
		}
		_ = o.signal.SendCandidate(peerID, sid, data)
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		if !o.isCurrent(sess) {
			return
		}
		logging.Info(context.Background(), "Peer connection state changed",
			zap.String("peerId", peerID), zap.String("state", state.String()))
		if state == webrtc.PeerConnectionStateFailed {
			o.TeardownPeer(peerID)
		}
	})

	o.issueOfferLocked(sess)
	o.mu.Unlock()
}

func (o *Offerer) isCurrent(sess *peerSession) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.isCurrentLocked(sess)
}

func (o *Offerer) isCurrentLocked(sess *peerSession) bool {
	return o.peers[sess.id] == sess
}

// issueOfferLocked allocates the next sid and emits an ICE-restart offer. The
// sid allocation, offer creation, local description and emit happen in that
// order, always.
func (o *Offerer) issueOfferLocked(sess *peerSession) {
	if sess.offerInFlight || sess.pc.SignalingState() != webrtc.SignalingStateStable {
		return
	}
	sess.offerInFlight = true
	sess.signalSid++
	sess.activeSid = sess.signalSid
	sess.remoteDescSet = false
	sess.pendingCandidates = nil
	sid := sess.activeSid

	offer, err := sess.pc.CreateOffer(&webrtc.OfferOptions{ICERestart: true})
	if err != nil {
		sess.offerInFlight = false
		logging.Error(context.Background(), "Failed to create offer",
			zap.String("peerId", sess.id), zap.Error(err))
		return
	}
	if err := sess.pc.SetLocalDescription(offer); err != nil {
		sess.offerInFlight = false
		logging.Error(context.Background(), "Failed to set local description",
			zap.String("peerId", sess.id), zap.Error(err))
		return
	}

	sdp, err := json.Marshal(sess.pc.LocalDescription())
	if err != nil {
		sess.offerInFlight = false
		return
	}
	if err := o.signal.SendOffer(sess.id, sid, sdp); err != nil {
		logging.Warn(context.Background(), "Failed to send offer",
			zap.String("peerId", sess.id), zap.Error(err))
	}
	sess.offerInFlight = false
}

func (o *Offerer) handleAnswer(from string, sid int, sdp json.RawMessage) {
	o.mu.Lock()
	sess, ok := o.peers[from]
	if !ok || sid != sess.activeSid {
		o.mu.Unlock()
		return
	}

	var desc webrtc.SessionDescription
	if err := json.Unmarshal(sdp, &desc); err != nil {
		o.mu.Unlock()
		logging.Warn(context.Background(), "Dropping malformed answer", zap.String("peerId", from), zap.Error(err))
		return
	}
	if err := sess.pc.SetRemoteDescription(desc); err != nil {
		o.mu.Unlock()
		logging.Warn(context.Background(), "Failed to set remote description",
			zap.String("peerId", from), zap.Error(err))
		return
	}
	sess.remoteDescSet = true

	pending := sess.pendingCandidates
	sess.pendingCandidates = nil
	pc := sess.pc
	activeSid := sess.activeSid
	o.mu.Unlock()

	for _, c := range pending {
		if c.sid != activeSid {
			continue
		}
		addCandidate(pc, c.candidate, from)
	}
}

func (o *Offerer) handleCandidate(from string, sid int, candidate json.RawMessage) {
	o.mu.Lock()
	sess, ok := o.peers[from]
	if !ok || sid != sess.activeSid {
		o.mu.Unlock()
		return
	}
	if !sess.remoteDescSet {
		sess.pendingCandidates = append(sess.pendingCandidates, sidCandidate{sid: sid, candidate: candidate})
		o.mu.Unlock()
		return
	}
	pc := sess.pc
	o.mu.Unlock()

	addCandidate(pc, candidate, from)
}

// addCandidate applies a remote candidate. Failures are logged and dropped,
// never fatal.
func addCandidate(pc *webrtc.PeerConnection, candidate json.RawMessage, peerID string) {
	var init webrtc.ICECandidateInit
	if err := json.Unmarshal(candidate, &init); err != nil {
		logging.Warn(context.Background(), "Dropping malformed candidate", zap.String("peerId", peerID), zap.Error(err))
		return
	}
	if err := pc.AddICECandidate(init); err != nil {
		logging.Warn(context.Background(), "Failed to add candidate", zap.String("peerId", peerID), zap.Error(err))
	}
}

// sendTo streams the current source to one receiver: meta, chunks, done, then
// the transfer-done report once the channel has drained.
func (o *Offerer) sendTo(sess *peerSession) {
	o.mu.Lock()
	if !o.isCurrentLocked(sess) || o.source == nil || sess.sending || sess.sent {
		o.mu.Unlock()
		return
	}
	sess.sending = true
	src := o.source
	o.mu.Unlock()

	err := o.transmit(sess, src)

	o.mu.Lock()
	sess.sending = false
	if err == nil {
		sess.sent = true
	}
	o.mu.Unlock()

	if err != nil {
		logging.Warn(context.Background(), "Transfer aborted",
			zap.String("peerId", sess.id), zap.Error(err))
		return
	}

	if err := o.signal.SendTransferDone(sess.id); err != nil {
		logging.Warn(context.Background(), "Failed to report transfer done",
			zap.String("peerId", sess.id), zap.Error(err))
	}
	if o.OnTransferDone != nil {
		o.OnTransferDone(sess.id)
	}
}

func (o *Offerer) transmit(sess *peerSession, src *Source) error {
	reader, err := src.Open()
	if err != nil {
		return fmt.Errorf("failed to open source: %w", err)
	}
	defer reader.Close()

	meta := &transfer.Meta{
		Name:      src.Name,
		Size:      src.Size,
		Mime:      src.Mime,
		Encrypted: o.cipher != nil,
	}
	metaFrame, err := transfer.EncodeMeta(meta)
	if err != nil {
		return err
	}
	if err := sess.dc.SendText(string(metaFrame)); err != nil {
		return fmt.Errorf("failed to send meta: %w", err)
	}

	chunker := transfer.NewChunker(reader, o.cipher != nil)
	for {
		chunk, err := chunker.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to read source: %w", err)
		}

		payload := chunk
		if o.cipher != nil {
			payload, err = o.cipher.Seal(chunk)
			if err != nil {
				return fmt.Errorf("failed to seal chunk: %w", err)
			}
		}

		if err := o.waitForCapacity(sess); err != nil {
			return err
		}
		if err := sess.dc.Send(payload); err != nil {
			return fmt.Errorf("failed to send chunk: %w", err)
		}
	}

	if err := sess.dc.SendText(string(transfer.EncodeDone())); err != nil {
		return fmt.Errorf("failed to send done: %w", err)
	}
	return o.waitForDrain(sess)
}

// waitForCapacity blocks while the channel buffer sits above the high
// watermark, resuming on the buffered-amount-low signal.
func (o *Offerer) waitForCapacity(sess *peerSession) error {
	for sess.dc.BufferedAmount() > highWatermark {
		if !o.isCurrent(sess) {
			return fmt.Errorf("peer session replaced")
		}
		select {
		case <-sess.drained:
		case <-time.After(200 * time.Millisecond):
		}
	}
	return nil
}

// waitForDrain waits until everything queued on the channel has gone out, so
// transfer-done is not reported ahead of the last chunk.
func (o *Offerer) waitForDrain(sess *peerSession) error {
	deadline := time.Now().Add(2 * time.Minute)
	for sess.dc.BufferedAmount() > 0 {
		if !o.isCurrent(sess) {
			return fmt.Errorf("peer session replaced")
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("timed out draining data channel")
		}
		select {
		case <-sess.drained:
		case <-time.After(100 * time.Millisecond):
		}
	}
	return nil
}

// TeardownPeer destroys the session for a departed receiver.
func (o *Offerer) TeardownPeer(peerID string) {
	o.mu.Lock()
	sess, ok := o.peers[peerID]
	if ok {
		delete(o.peers, peerID)
		o.closeSessionLocked(sess)
	}
	o.mu.Unlock()
}

func (o *Offerer) closeSessionLocked(sess *peerSession) {
	if sess.pc != nil {
		_ = sess.pc.Close()
	}
}

// Close tears down every peer session.
func (o *Offerer) Close() {
	o.mu.Lock()
	for id, sess := range o.peers {
		delete(o.peers, id)
		o.closeSessionLocked(sess)
	}
	o.mu.Unlock()
}
