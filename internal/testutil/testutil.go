// Package testutil provides the shared store-setup helpers used by every
// service-level test suite, grounded in the teacher's
// internal/testutil/testutil.go. The Postgres TEST_DATABASE_URL mapping is
// replaced with a per-test temporary SQLite file path, since the store is
// embedded rather than network-attached.
package testutil

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/Harvey-AU/tem/internal/store"
)

// TempStorePath returns a fresh SQLite file path inside t's temp
// directory, cleaned up automatically when the test completes.
func TempStorePath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "tem-test.db")
}

// OpenTempStore opens a Store backed by a temporary SQLite file and
// registers its cleanup with t.
func OpenTempStore(t *testing.T) *store.Store {
	t.Helper()

	s, err := store.Open(context.Background(), store.DefaultConfig(TempStorePath(t)))
	if err != nil {
		t.Fatalf("open temp store: %v", err)
	}
	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Logf("warning: failed closing temp store: %v", err)
		}
	})
	return s
}
