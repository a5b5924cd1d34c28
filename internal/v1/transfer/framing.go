// Package transfer implements the data-channel framing: textual control
// frames around a stream of bounded binary chunks, optionally sealed with
// AES-GCM.
package transfer

import (
	"encoding/json"
	"fmt"
	"io"
)

// FrameBudget is the size ceiling for a binary frame on the data channel.
// Encrypted chunks shrink their plaintext so IV and tag fit inside it.
const FrameBudget = 16 * 1024

// Control frame discriminators.
const (
	ControlMeta = "meta"
	ControlDone = "done"
)

// Meta announces the artifact ahead of its chunks.
type Meta struct {
	Name      string `json:"name"`
	Size      int64  `json:"size"`
	Mime      string `json:"mime"`
	Encrypted bool   `json:"encrypted"`
}

// ControlFrame is the textual frame envelope.
type ControlFrame struct {
	Type string `json:"type"`
	Meta
}

// PlainChunkSize returns how much plaintext goes into one chunk so the framed
// result stays within FrameBudget.
func PlainChunkSize(encrypted bool) int {
	if encrypted {
		return FrameBudget - ivSize - tagSize
	}
	return FrameBudget
}

// EncodeMeta produces the meta control frame.
func EncodeMeta(m *Meta) ([]byte, error) {
	data, err := json.Marshal(&ControlFrame{Type: ControlMeta, Meta: *m})
	if err != nil {
		return nil, fmt.Errorf("failed to encode meta frame: %w", err)
	}
	return data, nil
}

// EncodeDone produces the done control frame.
func EncodeDone() []byte {
	return []byte(`{"type":"done"}`)
}

// DecodeControl parses a textual frame. Unknown types come back as-is; the
// caller decides whether to ignore them.
func DecodeControl(data []byte) (*ControlFrame, error) {
	var frame ControlFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, fmt.Errorf("failed to decode control frame: %w", err)
	}
	if frame.Type == "" {
		return nil, fmt.Errorf("control frame missing type")
	}
	return &frame, nil
}

// Chunker slices a reader into data-channel sized pieces.
type Chunker struct {
	r   io.Reader
	buf []byte
}

// NewChunker creates a chunker sized for the given encryption mode.
func NewChunker(r io.Reader, encrypted bool) *Chunker {
	return &Chunker{r: r, buf: make([]byte, PlainChunkSize(encrypted))}
}

// Next returns the next plaintext chunk, or io.EOF once the source is
// exhausted. The returned slice is only valid until the next call.
func (c *Chunker) Next() ([]byte, error) {
	n, err := io.ReadFull(c.r, c.buf)
	if n > 0 {
		return c.buf[:n], nil
	}
	if err == io.ErrUnexpectedEOF {
		err = io.EOF
	}
	return nil, err
}
