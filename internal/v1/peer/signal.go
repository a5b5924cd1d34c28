// Package peer implements the two peer engines driven by the signalling
// protocol: the offerer (sender) and the answerer (receiver), plus the
// websocket client they share.
package peer

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/pairlane/pairlane/internal/v1/logging"
	"github.com/pairlane/pairlane/internal/v1/signaling"
)

// signalSender is the outbound half of the signalling socket. Engines depend
// on this interface so tests can record frames instead of dialing.
type signalSender interface {
	SendOffer(to string, sid int, sdp json.RawMessage) error
	SendAnswer(to string, sid int, sdp json.RawMessage) error
	SendCandidate(to string, sid int, candidate json.RawMessage) error
	SendTransferDone(peerID string) error
}

// SignalClient is a client-side signalling socket: one writer goroutine fed
// by a channel, one read loop owned by Run.
type SignalClient struct {
	conn      *websocket.Conn
	out       chan []byte
	closeOnce sync.Once
}

// SignalURL converts an http(s) endpoint into the websocket rendezvous URL
// for a room.
func SignalURL(endpoint, roomID, cid string) (string, error) {
	u, err := url.Parse(strings.TrimRight(endpoint, "/"))
	if err != nil {
		return "", fmt.Errorf("invalid endpoint %q: %w", endpoint, err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported endpoint scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws/" + roomID
	u.RawQuery = url.Values{"cid": {cid}}.Encode()
	return u.String(), nil
}

// DialSignal connects the signalling socket for a room.
func DialSignal(ctx context.Context, endpoint, roomID, cid string) (*SignalClient, error) {
	wsURL, err := SignalURL(endpoint, roomID, cid)
	if err != nil {
		return nil, err
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial signalling socket: %w", err)
	}

	s := &SignalClient{
		conn: conn,
		out:  make(chan []byte, 64),
	}
	go s.writeLoop()
	return s, nil
}

func (s *SignalClient) writeLoop() {
	defer s.conn.Close()
	for data := range s.out {
		_ = s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			logging.Error(context.Background(), "error writing signalling frame", zap.Error(err))
			return
		}
	}
	_ = s.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

// Run reads server frames and hands each to handle until the socket closes or
// ctx is cancelled. Malformed frames are skipped.
func (s *SignalClient) Run(ctx context.Context, handle func(*signaling.ServerFrame)) error {
	go func() {
		<-ctx.Done()
		s.Close()
	}()

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("signalling socket closed: %w", err)
		}

		var frame signaling.ServerFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			logging.Warn(ctx, "Skipping malformed server frame", zap.Error(err))
			continue
		}
		handle(&frame)
	}
}

// Close shuts the socket down gracefully. Safe to call more than once.
func (s *SignalClient) Close() {
	s.closeOnce.Do(func() { close(s.out) })
}

func (s *SignalClient) send(frame *signaling.ClientFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("failed to marshal signalling frame: %w", err)
	}
	defer func() {
		// The out channel closes on shutdown; racing sends are dropped.
		if r := recover(); r != nil {
			logging.Warn(context.Background(), "Dropped frame on closed signalling socket", zap.Any("panic", r))
		}
	}()
	select {
	case s.out <- data:
		return nil
	default:
		return fmt.Errorf("signalling send buffer full")
	}
}

// SendOffer emits an offer addressed to a peer, fenced by sid.
func (s *SignalClient) SendOffer(to string, sid int, sdp json.RawMessage) error {
	return s.send(&signaling.ClientFrame{Type: signaling.TypeOffer, To: to, Sid: sid, SDP: sdp})
}

// SendAnswer emits an answer addressed to a peer, fenced by sid.
func (s *SignalClient) SendAnswer(to string, sid int, sdp json.RawMessage) error {
	return s.send(&signaling.ClientFrame{Type: signaling.TypeAnswer, To: to, Sid: sid, SDP: sdp})
}

// SendCandidate emits a local ICE candidate for the current sid.
func (s *SignalClient) SendCandidate(to string, sid int, candidate json.RawMessage) error {
	return s.send(&signaling.ClientFrame{Type: signaling.TypeCandidate, To: to, Sid: sid, Candidate: candidate})
}

// SendTransferDone reports a completed transfer to the room.
func (s *SignalClient) SendTransferDone(peerID string) error {
	return s.send(&signaling.ClientFrame{Type: signaling.TypeTransferDone, PeerID: peerID})
}
