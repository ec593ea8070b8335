package logger

import (
	"github.com/stretchr/testify/mock"
)

// MockLogger is a testify mock implementing Logger.
//
// With is not recorded: it returns the mock itself, so records written through
// derived loggers land on the same mock and can be asserted in one place.
type MockLogger struct {
	mock.Mock
}

var _ Logger = (*MockLogger)(nil)

func NewMockLogger() *MockLogger {
	return &MockLogger{}
}

// AllowAll accepts any record at any level. Expectations registered before it
// keep their priority since testify matches them in order.
func (m *MockLogger) AllowAll() *MockLogger {
	for _, method := range []string{"Debug", "Info", "Warn", "Error", "Fatal"} {
		m.On(method, mock.Anything, mock.Anything).Maybe()
	}

	return m
}

func (m *MockLogger) Debug(msg string, keysAndValues ...any) { m.Called(msg, keysAndValues) }

func (m *MockLogger) Info(msg string, keysAndValues ...any) { m.Called(msg, keysAndValues) }

func (m *MockLogger) Warn(msg string, keysAndValues ...any) { m.Called(msg, keysAndValues) }

func (m *MockLogger) Error(msg string, keysAndValues ...any) { m.Called(msg, keysAndValues) }

func (m *MockLogger) Fatal(msg string, keysAndValues ...any) { m.Called(msg, keysAndValues) }

func (m *MockLogger) SetLevel(level Level) {}

func (m *MockLogger) Level() Level { return DebugLevel }

func (m *MockLogger) With(...any) Logger { return m }
