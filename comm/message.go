package comm

import (
	"encoding/hex"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/arloliu/go-termcom/device"
	"github.com/arloliu/go-termcom/internal/util"
)

// MessageType classifies a Message.
type MessageType uint8

const (
	// MessageSent is raw data written to a device.
	MessageSent MessageType = iota + 1
	// MessageReceived is raw data read from a device.
	MessageReceived
	// MessageCommand is a text command written to a device.
	MessageCommand
	// MessageResponse is the device reply matched to a command.
	MessageResponse
	// MessageError records a failure on the session.
	MessageError
	// MessageSystem records a lifecycle event of the session.
	MessageSystem
)

// String returns string representation of the message type.
func (t MessageType) String() string {
	switch t {
	case MessageSent:
		return "sent"
	case MessageReceived:
		return "received"
	case MessageCommand:
		return "command"
	case MessageResponse:
		return "response"
	case MessageError:
		return "error"
	case MessageSystem:
		return "system"
	default:
		return "unknown"
	}
}

// LogValue implements slog.LogValuer.
func (t MessageType) LogValue() slog.Value {
	return slog.StringValue(t.String())
}

// Metadata keys set by the engine.
const (
	MetaSize       = "size"
	MetaDurationMS = "duration_ms"
	MetaCommand    = "command"
	MetaError      = "error"
	MetaStatus     = "status"
	MetaAttempt    = "attempt"
)

// Message is an immutable record of one unit of traffic on a session.
type Message struct {
	id         uint64
	sessionID  string
	deviceName string
	transport  device.Kind
	timestamp  time.Time
	typ        MessageType
	data       []byte
	metadata   map[string]string
}

// ID returns the sequence id. Ids are strictly increasing across all sessions of an engine.
func (m *Message) ID() uint64 { return m.id }

// SessionID returns the id of the owning session.
func (m *Message) SessionID() string { return m.sessionID }

// DeviceName returns the device name of the owning session.
func (m *Message) DeviceName() string { return m.deviceName }

// Transport returns the protocol kind of the owning session.
func (m *Message) Transport() device.Kind { return m.transport }

// Timestamp returns the creation time.
func (m *Message) Timestamp() time.Time { return m.timestamp }

// Type returns the message type.
func (m *Message) Type() MessageType { return m.typ }

// Len returns the payload length in bytes.
func (m *Message) Len() int { return len(m.data) }

// Data returns a copy of the payload.
func (m *Message) Data() []byte {
	return util.CloneSlice(m.data, 0)
}

// Meta returns the metadata value of key.
func (m *Message) Meta(key string) (string, bool) {
	v, ok := m.metadata[key]
	return v, ok
}

// Metadata returns a copy of the metadata.
func (m *Message) Metadata() map[string]string {
	return util.CloneMap(m.metadata)
}

// Text returns the payload as a string, replacing invalid UTF-8 sequences.
func (m *Message) Text() string {
	if utf8.Valid(m.data) {
		return string(m.data)
	}

	return strings.ToValidUTF8(string(m.data), "�")
}

// Hex returns the payload as space separated lower-case hex bytes, e.g. "41 54".
func (m *Message) Hex() string {
	if len(m.data) == 0 {
		return ""
	}

	var sb strings.Builder
	sb.Grow(len(m.data)*3 - 1)
	buf := make([]byte, 2)
	for i, b := range m.data {
		if i > 0 {
			sb.WriteByte(' ')
		}
		hex.Encode(buf, []byte{b})
		sb.Write(buf)
	}

	return sb.String()
}

// String returns a one line description of the message.
func (m *Message) String() string {
	return fmt.Sprintf("#%d %s %s [%s] %d bytes", m.id, m.timestamp.Format(time.RFC3339Nano), m.deviceName, m.typ, len(m.data))
}

// Pattern selects messages. Zero fields match everything.
type Pattern struct {
	SessionID  string
	DeviceName string
	Types      []MessageType
	Transport  device.Kind
	// Since matches messages created at or after the given time.
	Since time.Time
	// AfterID matches messages with an id greater than AfterID.
	AfterID uint64
}

// Match reports whether m is selected by the pattern.
func (p Pattern) Match(m *Message) bool {
	switch {
	case m == nil:
		return false
	case p.SessionID != "" && p.SessionID != m.sessionID:
		return false
	case p.DeviceName != "" && p.DeviceName != m.deviceName:
		return false
	case p.Transport != "" && p.Transport != m.transport:
		return false
	case !p.Since.IsZero() && m.timestamp.Before(p.Since):
		return false
	case m.id <= p.AfterID:
		return false
	case len(p.Types) > 0 && !slices.Contains(p.Types, m.typ):
		return false
	}

	return true
}
