package testutils

import (
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
)

// TestHelper bundles a debug-level logger whose entries are captured rather
// than printed.
type TestHelper struct {
	T      *testing.T
	Logger *logrus.Logger
	Hook   *test.Hook
}

// NewTestHelper creates a helper with a silent, capturing logger.
func NewTestHelper(t *testing.T) *TestHelper {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	logger.SetLevel(logrus.DebugLevel) // keep debug entries so tests can inspect the flow
	return &TestHelper{
		T:      t,
		Logger: logger,
		Hook:   test.NewLocal(logger),
	}
}

// Messages returns the captured messages logged at level or above.
func (h *TestHelper) Messages(level logrus.Level) []string {
	var out []string
	for _, e := range h.Hook.AllEntries() {
		if e.Level <= level {
			out = append(out, e.Message)
		}
	}
	return out
}
