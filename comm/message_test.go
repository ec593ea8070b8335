package comm

import (
	"testing"
	"time"

	"github.com/arloliu/go-termcom/device"
	"github.com/stretchr/testify/require"
)

func TestMessageFormatting(t *testing.T) {
	require := require.New(t)

	m := &Message{id: 1, typ: MessageReceived, data: []byte{0x41, 0x54, 0x0d, 0x0a}}
	require.Equal("41 54 0d 0a", m.Hex())
	require.Equal("AT\r\n", m.Text())
	require.Equal(4, m.Len())

	bin := &Message{data: []byte{0xff, 0x41}}
	require.Equal("�A", bin.Text())
	require.Equal("ff 41", bin.Hex())

	empty := &Message{}
	require.Empty(empty.Hex())
	require.Empty(empty.Text())

	// payload copies are independent
	data := m.Data()
	data[0] = 0
	require.Equal(byte(0x41), m.Data()[0])

	require.Equal("received", MessageReceived.String())
	require.Equal("unknown", MessageType(0).String())
}

func TestPatternMatch(t *testing.T) {
	now := time.Now()
	m := &Message{
		id:         10,
		sessionID:  "s1",
		deviceName: "modem",
		transport:  device.KindSerial,
		timestamp:  now,
		typ:        MessageSent,
	}

	tests := []struct {
		name    string
		pattern Pattern
		match   bool
	}{
		{"zero", Pattern{}, true},
		{"session", Pattern{SessionID: "s1"}, true},
		{"other session", Pattern{SessionID: "s2"}, false},
		{"device", Pattern{DeviceName: "modem"}, true},
		{"other device", Pattern{DeviceName: "plc"}, false},
		{"types", Pattern{Types: []MessageType{MessageReceived, MessageSent}}, true},
		{"other types", Pattern{Types: []MessageType{MessageError}}, false},
		{"transport", Pattern{Transport: device.KindSerial}, true},
		{"other transport", Pattern{Transport: device.KindTCP}, false},
		{"since before", Pattern{Since: now.Add(-time.Second)}, true},
		{"since after", Pattern{Since: now.Add(time.Second)}, false},
		{"after lower id", Pattern{AfterID: 9}, true},
		{"after same id", Pattern{AfterID: 10}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.match, tt.pattern.Match(m))
		})
	}

	require.False(t, Pattern{}.Match(nil))
}

func TestHistoryFilter(t *testing.T) {
	require := require.New(t)

	h := newHistory(3)
	for id := uint64(1); id <= 5; id++ {
		typ := MessageSent
		if id%2 == 0 {
			typ = MessageReceived
		}
		h.add(testMessage(id, "s1", typ))
	}

	require.Equal(3, h.len())
	require.Equal(uint64(2), h.evicted())

	snap := h.snapshot()
	require.Equal(uint64(3), snap[0].ID())
	require.Equal(uint64(5), snap[2].ID())

	sent := h.filter(Pattern{Types: []MessageType{MessageSent}}, 0)
	require.Len(sent, 2)
	require.Equal(uint64(3), sent[0].ID())
	require.Equal(uint64(5), sent[1].ID())

	newest := h.filter(Pattern{}, 1)
	require.Len(newest, 1)
	require.Equal(uint64(5), newest[0].ID())

	h.clear()
	require.Zero(h.len())
	require.Equal(3, h.capacity())
}
