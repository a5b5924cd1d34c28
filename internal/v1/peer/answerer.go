package peer

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/pairlane/pairlane/internal/v1/logging"
	"github.com/pairlane/pairlane/internal/v1/signaling"
	"github.com/pairlane/pairlane/internal/v1/transfer"
)

// Sink receives the reassembled artifact. Open is called on each meta frame;
// the returned writer is closed when the transfer finishes or aborts.
type Sink interface {
	Open(meta transfer.Meta) (io.WriteCloser, error)
}

// Answerer is the receiver-side engine: dormant until the first offer, then
// bound to that sender for the life of the socket.
type Answerer struct {
	signal signalSender
	stun   []string
	key    []byte // nil when the room link carried no key
	sink   Sink

	// OnComplete fires after a finished transfer with the announced meta and
	// the byte count actually received.
	OnComplete func(meta transfer.Meta, received int64)
	// OnFailed fires when a transfer aborts (decrypt failure, missing key,
	// sink errors).
	OnFailed func(meta transfer.Meta, err error)

	mu                sync.Mutex
	pc                *webrtc.PeerConnection
	peerID            string
	activeSid         int
	remoteDescSet     bool
	pendingCandidates []sidCandidate

	current *incomingTransfer
}

// incomingTransfer is the per-transfer reassembly state, reset on each meta.
type incomingTransfer struct {
	meta     transfer.Meta
	writer   io.WriteCloser
	cipher   *transfer.Cipher
	received int64
	failed   bool
}

// NewAnswerer creates the receiver engine. key may be nil.
func NewAnswerer(signal signalSender, stunServers []string, key []byte, sink Sink) *Answerer {
	return &Answerer{
		signal: signal,
		stun:   stunServers,
		key:    key,
		sink:   sink,
	}
}

// HandleFrame processes one server frame.
func (a *Answerer) HandleFrame(frame *signaling.ServerFrame) {
	switch frame.Type {
	case signaling.TypeOffer:
		a.handleOffer(frame.From, frame.Sid, frame.SDP)
	case signaling.TypeCandidate:
		a.handleCandidate(frame.From, frame.Sid, frame.Candidate)
	case signaling.TypePeerLeft:
		a.handlePeerLeft(frame.PeerID)
	}
}

// handleOffer binds the engine to the sender on the first offer; a later
// offer with a new sid replaces the connection wholesale.
func (a *Answerer) handleOffer(from string, sid int, sdp json.RawMessage) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.peerID != "" && from != a.peerID {
		return
	}
	if a.pc != nil && sid <= a.activeSid {
		return
	}

	var desc webrtc.SessionDescription
	if err := json.Unmarshal(sdp, &desc); err != nil {
		logging.Warn(context.Background(), "Dropping malformed offer", zap.Error(err))
		return
	}

	// Every new sid gets a fresh connection; the old one is torn down.
	if a.pc != nil {
		_ = a.pc.Close()
		a.pc = nil
	}

	pc, err := webrtc.NewPeerConnection(webrtcConfig(a.stun))
	if err != nil {
		logging.Error(context.Background(), "Failed to create peer connection", zap.Error(err))
		return
	}

	a.pc = pc
	a.peerID = from
	a.activeSid = sid
	a.remoteDescSet = false

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		a.mu.Lock()
		current := a.pc == pc
		curSid := a.activeSid
		peerID := a.peerID
		a.mu.Unlock()
		if !current {
			return
		}
		data, err := json.Marshal(cand.ToJSON())
		if err != nil {
			return
		}
		_ = a.signal.SendCandidate(peerID, curSid, data)
	})

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		dc.OnMessage(func(msg webrtc.DataChannelMessage) {
			a.handleMessage(msg)
		})
		dc.OnClose(func() {
			a.channelClosed(pc)
		})
	})

	if err := pc.SetRemoteDescription(desc); err != nil {
		logging.Warn(context.Background(), "Failed to set remote description", zap.Error(err))
		return
	}
	a.remoteDescSet = true

	// Drain buffered candidates, discarding those from older sids.
	pending := a.pendingCandidates
	a.pendingCandidates = nil
	for _, c := range pending {
		if c.sid != sid {
			continue
		}
		addCandidate(pc, c.candidate, from)
	}

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		logging.Error(context.Background(), "Failed to create answer", zap.Error(err))
		return
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		logging.Error(context.Background(), "Failed to set local description", zap.Error(err))
		return
	}

	out, err := json.Marshal(pc.LocalDescription())
	if err != nil {
		return
	}
	if err := a.signal.SendAnswer(from, sid, out); err != nil {
		logging.Warn(context.Background(), "Failed to send answer", zap.Error(err))
	}
}

func (a *Answerer) handleCandidate(from string, sid int, candidate json.RawMessage) {
	a.mu.Lock()
	if a.peerID != "" && from != a.peerID {
		a.mu.Unlock()
		return
	}
	if a.pc == nil || !a.remoteDescSet {
		a.pendingCandidates = append(a.pendingCandidates, sidCandidate{sid: sid, candidate: candidate})
		a.mu.Unlock()
		return
	}
	if sid != a.activeSid {
		a.mu.Unlock()
		return
	}
	pc := a.pc
	a.mu.Unlock()

	addCandidate(pc, candidate, from)
}

// handlePeerLeft resets the engine to dormant when its sender departs.
func (a *Answerer) handlePeerLeft(peerID string) {
	a.mu.Lock()
	if a.peerID != "" && peerID != a.peerID {
		a.mu.Unlock()
		return
	}
	pc := a.pc
	a.pc = nil
	a.peerID = ""
	a.activeSid = 0
	a.remoteDescSet = false
	a.pendingCandidates = nil
	cur := a.current
	a.current = nil
	a.mu.Unlock()

	if pc != nil {
		_ = pc.Close()
	}
	if cur != nil && cur.writer != nil {
		_ = cur.writer.Close()
	}
}

// handleMessage dispatches one data-channel frame.
func (a *Answerer) handleMessage(msg webrtc.DataChannelMessage) {
	if msg.IsString {
		frame, err := transfer.DecodeControl(msg.Data)
		if err != nil {
			logging.Warn(context.Background(), "Dropping malformed control frame", zap.Error(err))
			return
		}
		switch frame.Type {
		case transfer.ControlMeta:
			a.beginTransfer(frame.Meta)
		case transfer.ControlDone:
			a.finishTransfer()
		}
		return
	}

	a.appendChunk(msg.Data)
}

// channelClosed aborts the in-flight transfer when the closing channel still
// belongs to the live connection. A late close firing on a replaced
// connection is ignored, mirroring the stale-event checks on the other
// callbacks.
func (a *Answerer) channelClosed(pc *webrtc.PeerConnection) {
	a.mu.Lock()
	current := a.pc == pc
	a.mu.Unlock()
	if !current {
		return
	}
	a.abortCurrent(fmt.Errorf("data channel closed"))
}

// beginTransfer resets per-transfer state for a new meta frame. A prior
// unfinished transfer is released first. The announced name is sanitized
// before it is recorded, so the sink and the callbacks never see sender
// path components.
func (a *Answerer) beginTransfer(meta transfer.Meta) {
	meta.Name = sanitizeName(meta.Name)

	a.mu.Lock()
	if prev := a.current; prev != nil && prev.writer != nil {
		_ = prev.writer.Close()
	}
	cur := &incomingTransfer{meta: meta}
	a.current = cur
	a.mu.Unlock()

	if meta.Encrypted {
		if a.key == nil {
			a.failTransfer(cur, fmt.Errorf("transfer is encrypted but no key is present"))
			return
		}
		cipher, err := transfer.NewCipher(a.key)
		if err != nil {
			a.failTransfer(cur, err)
			return
		}
		a.mu.Lock()
		cur.cipher = cipher
		a.mu.Unlock()
	}

	writer, err := a.sink.Open(meta)
	if err != nil {
		a.failTransfer(cur, fmt.Errorf("failed to open sink: %w", err))
		return
	}
	a.mu.Lock()
	cur.writer = writer
	a.mu.Unlock()
}

// appendChunk decrypts (when needed) and writes one binary frame. Frames
// arriving outside a transfer, or after a failure, are ignored until the next
// meta.
func (a *Answerer) appendChunk(data []byte) {
	a.mu.Lock()
	cur := a.current
	a.mu.Unlock()
	if cur == nil || cur.failed || cur.writer == nil {
		return
	}

	plain := data
	if cur.cipher != nil {
		var err error
		plain, err = cur.cipher.Open(data)
		if err != nil {
			a.failTransfer(cur, err)
			return
		}
	}

	if _, err := cur.writer.Write(plain); err != nil {
		a.failTransfer(cur, fmt.Errorf("failed to write chunk: %w", err))
		return
	}

	a.mu.Lock()
	cur.received += int64(len(plain))
	a.mu.Unlock()
}

// finishTransfer seals the artifact and resets for the next one.
func (a *Answerer) finishTransfer() {
	a.mu.Lock()
	cur := a.current
	a.current = nil
	a.mu.Unlock()
	if cur == nil || cur.failed {
		return
	}

	if cur.writer != nil {
		if err := cur.writer.Close(); err != nil {
			if a.OnFailed != nil {
				a.OnFailed(cur.meta, fmt.Errorf("failed to finalize artifact: %w", err))
			}
			return
		}
	}

	logging.Info(context.Background(), "Transfer received",
		zap.String("name", cur.meta.Name), zap.Int64("bytes", cur.received))
	if a.OnComplete != nil {
		a.OnComplete(cur.meta, cur.received)
	}
}

func (a *Answerer) failTransfer(cur *incomingTransfer, err error) {
	a.mu.Lock()
	alreadyFailed := cur.failed
	cur.failed = true
	writer := cur.writer
	cur.writer = nil
	a.mu.Unlock()
	if alreadyFailed {
		return
	}

	if writer != nil {
		_ = writer.Close()
	}
	logging.Warn(context.Background(), "Transfer failed",
		zap.String("name", cur.meta.Name), zap.Error(err))
	if a.OnFailed != nil {
		a.OnFailed(cur.meta, err)
	}
}

// abortCurrent fails the in-flight transfer, if any.
func (a *Answerer) abortCurrent(err error) {
	a.mu.Lock()
	cur := a.current
	a.mu.Unlock()
	if cur == nil || cur.failed || (cur.writer == nil && cur.received == 0) {
		return
	}
	a.failTransfer(cur, err)
}

// Close releases the connection and any in-flight transfer.
func (a *Answerer) Close() {
	a.handlePeerLeft(a.PeerID())
}

// PeerID returns the bound sender cid, empty while dormant.
func (a *Answerer) PeerID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.peerID
}

// sanitizeName strips any path components a malicious sender might smuggle
// into the announced file name.
func sanitizeName(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = filepath.Base(name)
	if name == "" || name == "." || name == ".." || name == "/" {
		return "download"
	}
	return name
}
