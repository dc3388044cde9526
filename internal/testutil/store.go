package testutil

import (
	"context"
	"fmt"
	"io"
	"testing"

	"github.com/ethpandaops/gridfill/pkg/store"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	_ "modernc.org/sqlite" // registers the "sqlite" driver
)

// NewLogger returns a logger that discards output unless the test runs verbose
func NewLogger(t *testing.T) *logrus.Logger {
	t.Helper()

	log := logrus.New()
	if !testing.Verbose() {
		log.SetOutput(io.Discard)
	}

	log.SetLevel(logrus.DebugLevel)

	return log
}

// NewStore opens a migrated in-memory SQLite store private to the test.
// It is closed automatically when the test completes.
func NewStore(t *testing.T) *store.Store {
	t.Helper()

	cfg := &store.Config{
		Driver:      store.DriverSQLite,
		DSN:         fmt.Sprintf("file:%s?mode=memory&cache=shared&_pragma=busy_timeout(5000)", uuid.NewString()),
		AutoMigrate: true,
	}

	s, err := store.Open(context.Background(), NewLogger(t), cfg)
	require.NoError(t, err)

	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Logf("failed to close store: %v", err)
		}
	})

	return s
}
