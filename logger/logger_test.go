package logger

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    Level
		wantErr bool
	}{
		{in: "debug", want: DebugLevel},
		{in: "INFO", want: InfoLevel},
		{in: "", want: InfoLevel},
		{in: "warning", want: WarnLevel},
		{in: "error", want: ErrorLevel},
		{in: "trace", want: InfoLevel, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			lv, err := ParseLevel(tt.in)
			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
			require.Equal(t, tt.want, lv)
		})
	}
}

func TestSlogLogger(t *testing.T) {
	t.Setenv("ENV", "")
	require := require.New(t)

	var buf bytes.Buffer
	l := NewSlogWithWriter(&buf, InfoLevel, false)
	require.Equal(InfoLevel, l.Level())

	l.Debug("hidden")
	require.Zero(buf.Len())

	l.With("session_id", "s1").Info("connected", "device", "dev0")

	var rec map[string]any
	require.NoError(json.Unmarshal(buf.Bytes(), &rec))
	require.Equal("connected", rec["msg"])
	require.Equal("s1", rec["session_id"])
	require.Equal("dev0", rec["device"])
	require.Contains(rec, "ts")

	l.SetLevel(DebugLevel)
	require.Equal(DebugLevel, l.Level())
	buf.Reset()
	l.Debug("visible")
	require.NotZero(buf.Len())
}

func TestMockLogger(t *testing.T) {
	m := NewMockLogger()
	m.On("Warn", "link lost", mock.Anything).Return().Once()
	m.AllowAll()

	l := m.With("session_id", "s1")
	l.Warn("link lost", "error", "eof")
	l.Info("reconnected")
	l.Warn("link lost", "error", "eof")

	m.AssertExpectations(t)
	m.AssertNumberOfCalls(t, "Warn", 2)
	m.AssertCalled(t, "Info", "reconnected", mock.Anything)
}
