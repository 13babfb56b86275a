//go:build test

package testutils

import (
	"testing"

	"github.com/sirupsen/logrus"
)

// TestHelper bundles a *testing.T with a logger pre-configured for verbose
// test output, mirroring the teacher's helper of the same name.
type TestHelper struct {
	T      *testing.T
	Logger *logrus.Logger
}

// NewTestHelper creates a test helper with a verbose logger.
func NewTestHelper(t *testing.T) *TestHelper {
	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel)
	return &TestHelper{
		T:      t,
		Logger: logger,
	}
}
