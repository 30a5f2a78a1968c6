package firecracker

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// MaxMessageSize caps a single frame. Requests carry the whole bundle,
// node_modules included.
const MaxMessageSize = 128 << 20

// GuestRequest is sent from host to guest once per connection.
type GuestRequest struct {
	ID string `json:"id"`
	// Bundle is a tar.gz with the harness, the script, the inputs and a
	// node_modules directory.
	Bundle    []byte `json:"bundle"`
	TimeoutMS int64  `json:"timeout_ms"`
	MemoryMB  int    `json:"memory_mb,omitempty"`
}

// GuestExit reports how the harness process ended.
type GuestExit struct {
	ExitCode int  `json:"exit_code"`
	TimedOut bool `json:"timed_out,omitempty"`
	// Stderr is the tail of what node wrote to stderr.
	Stderr string `json:"stderr,omitempty"`
	// Error is set when the agent could not run the harness at all.
	Error string `json:"error,omitempty"`
}

// Guest→host message types.
const (
	MsgTypeLine = "line"
	MsgTypeExit = "exit"
)

// GuestMessage is the envelope for guest→host frames. The guest forwards
// every harness stdout line as a "line" message and finishes with a single
// "exit" message.
type GuestMessage struct {
	Type string     `json:"type"`
	Line string     `json:"line,omitempty"`
	Exit *GuestExit `json:"exit,omitempty"`
}

// WriteMessage writes v as JSON behind a 4-byte big-endian length prefix.
func WriteMessage(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if len(data) > MaxMessageSize {
		return fmt.Errorf("message size %d exceeds maximum %d", len(data), MaxMessageSize)
	}

	frame := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(frame, uint32(len(data)))
	copy(frame[4:], data)
	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ReadMessage reads one length-prefixed frame from r into v.
func ReadMessage(r io.Reader, v any) error {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return fmt.Errorf("read length prefix: %w", err)
	}
	if length > MaxMessageSize {
		return fmt.Errorf("message size %d exceeds maximum %d", length, MaxMessageSize)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return fmt.Errorf("read payload: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal message: %w", err)
	}
	return nil
}
