package background

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeSessionPurger struct {
	mu      sync.Mutex
	cutoffs []time.Time
	err     error
}

func (f *fakeSessionPurger) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cutoffs = append(f.cutoffs, before)
	return 3, f.err
}

func (f *fakeSessionPurger) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.cutoffs)
}

type fakeAuditPurger struct {
	days []int
}

func (f *fakeAuditPurger) Cleanup(ctx context.Context, olderThanDays int) (int64, error) {
	f.days = append(f.days, olderThanDays)
	return 1, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestCleanupManager_RunOnce(t *testing.T) {
	sessions := &fakeSessionPurger{}
	audit := &fakeAuditPurger{}
	cm := NewCleanupManager(sessions, audit, CleanupConfig{
		SessionGrace:       24 * time.Hour,
		AuditRetentionDays: 365,
	}, discardLogger())
	now := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)
	cm.now = func() time.Time { return now }

	cm.RunOnce(context.Background())

	assert.Equal(t, []time.Time{now.Add(-24 * time.Hour)}, sessions.cutoffs)
	assert.Equal(t, []int{365}, audit.days)
}

func TestCleanupManager_SkipsAuditWithoutRetention(t *testing.T) {
	audit := &fakeAuditPurger{}
	cm := NewCleanupManager(&fakeSessionPurger{}, audit, CleanupConfig{}, discardLogger())

	cm.RunOnce(context.Background())

	assert.Empty(t, audit.days)
}

func TestCleanupManager_SessionErrorDoesNotBlockAudit(t *testing.T) {
	audit := &fakeAuditPurger{}
	cm := NewCleanupManager(&fakeSessionPurger{err: errors.New("db down")}, audit,
		CleanupConfig{AuditRetentionDays: 30}, discardLogger())

	cm.RunOnce(context.Background())

	assert.Equal(t, []int{30}, audit.days)
}

func TestCleanupManager_StartAndStop(t *testing.T) {
	sessions := &fakeSessionPurger{}
	cm := NewCleanupManager(sessions, nil, CleanupConfig{Interval: 10 * time.Millisecond}, discardLogger())

	done := make(chan struct{})
	go func() {
		cm.Start(context.Background())
		close(done)
	}()

	assert.Eventually(t, func() bool { return sessions.calls() >= 2 }, time.Second, 5*time.Millisecond)

	cm.Stop()
	cm.Stop() // idempotent

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("cleanup manager did not stop")
	}
}
