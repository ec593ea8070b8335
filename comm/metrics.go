package comm

import (
	"sync/atomic"
	"time"
)

// SessionMetrics contains atomic counters of one session.
type SessionMetrics struct {
	// BytesSent indicates the number of payload bytes written to the device.
	BytesSent atomic.Uint64
	// BytesReceived indicates the number of payload bytes read from the device.
	BytesReceived atomic.Uint64
	// MessagesSent indicates the number of Sent and Command messages.
	MessagesSent atomic.Uint64
	// MessagesReceived indicates the number of Received messages.
	MessagesReceived atomic.Uint64
	// MessageCount indicates the number of messages of any type recorded on the session.
	MessageCount atomic.Uint64
	// ErrorCount indicates the number of failures observed on the session.
	ErrorCount atomic.Uint64
	// ReconnectCount indicates the total number of reconnect attempts.
	ReconnectCount atomic.Uint64

	responseTotal atomic.Int64
	responseCount atomic.Uint64
	lastActivity  atomic.Int64
}

func (m *SessionMetrics) touch(ts time.Time) {
	m.lastActivity.Store(ts.UnixNano())
}

func (m *SessionMetrics) observeResponse(d time.Duration) {
	m.responseTotal.Add(int64(d))
	m.responseCount.Add(1)
}

// Statistics is a point-in-time copy of session counters.
type Statistics struct {
	BytesSent        uint64
	BytesReceived    uint64
	MessagesSent     uint64
	MessagesReceived uint64
	MessageCount     uint64
	ErrorCount       uint64
	ReconnectCount   uint64
	ResponseCount    uint64
	ResponseTotal    time.Duration
	AvgResponseTime  time.Duration
	LastActivity     time.Time
}

// Merge returns the sum of two statistics. The average response time is weighted by
// the number of responses of each side.
func (st Statistics) Merge(other Statistics) Statistics {
	out := Statistics{
		BytesSent:        st.BytesSent + other.BytesSent,
		BytesReceived:    st.BytesReceived + other.BytesReceived,
		MessagesSent:     st.MessagesSent + other.MessagesSent,
		MessagesReceived: st.MessagesReceived + other.MessagesReceived,
		MessageCount:     st.MessageCount + other.MessageCount,
		ErrorCount:       st.ErrorCount + other.ErrorCount,
		ReconnectCount:   st.ReconnectCount + other.ReconnectCount,
		ResponseCount:    st.ResponseCount + other.ResponseCount,
		ResponseTotal:    st.ResponseTotal + other.ResponseTotal,
		LastActivity:     st.LastActivity,
	}
	if other.LastActivity.After(out.LastActivity) {
		out.LastActivity = other.LastActivity
	}
	if out.ResponseCount > 0 {
		out.AvgResponseTime = out.ResponseTotal / time.Duration(out.ResponseCount) //nolint:gosec
	}

	return out
}

func (m *SessionMetrics) snapshot() Statistics {
	stats := Statistics{
		BytesSent:        m.BytesSent.Load(),
		BytesReceived:    m.BytesReceived.Load(),
		MessagesSent:     m.MessagesSent.Load(),
		MessagesReceived: m.MessagesReceived.Load(),
		MessageCount:     m.MessageCount.Load(),
		ErrorCount:       m.ErrorCount.Load(),
		ReconnectCount:   m.ReconnectCount.Load(),
	}
	stats.ResponseCount = m.responseCount.Load()
	stats.ResponseTotal = time.Duration(m.responseTotal.Load())
	if stats.ResponseCount > 0 {
		stats.AvgResponseTime = stats.ResponseTotal / time.Duration(stats.ResponseCount) //nolint:gosec
	}
	if ts := m.lastActivity.Load(); ts > 0 {
		stats.LastActivity = time.Unix(0, ts)
	}

	return stats
}

// engineMetrics contains atomic counters of an engine, cumulative over all sessions ever created.
type engineMetrics struct {
	totalMessages    atomic.Uint64
	messagesSent     atomic.Uint64
	messagesReceived atomic.Uint64
	errorMessages    atomic.Uint64
	bytesSent        atomic.Uint64
	bytesReceived    atomic.Uint64
}
