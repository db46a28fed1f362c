package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/BradenHooton/twofa/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuditService_PersistsAndDrainsOnClose(t *testing.T) {
	var (
		mu      sync.Mutex
		written []*models.AuditLog
	)
	repo := &MockAuditLogStore{
		CreateFunc: func(ctx context.Context, log *models.AuditLog) (*models.AuditLog, error) {
			mu.Lock()
			defer mu.Unlock()
			written = append(written, log)
			return log, nil
		},
	}

	svc := NewAuditService(repo, testLogger(), AuditConfig{BufferSize: 16})
	for i := 0; i < 10; i++ {
		svc.Record(context.Background(), &models.AuditLog{UserID: "user-1", Action: models.AuditActionVerified, Success: true})
	}
	svc.Close()

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, written, 10)
	assert.Zero(t, svc.Dropped())
	assert.False(t, written[0].CreatedAt.IsZero())
}

func TestAuditService_DropsWhenBufferFull(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	repo := &MockAuditLogStore{
		CreateFunc: func(ctx context.Context, log *models.AuditLog) (*models.AuditLog, error) {
			select {
			case started <- struct{}{}:
			default:
			}
			<-release
			return log, nil
		},
	}

	svc := NewAuditService(repo, testLogger(), AuditConfig{BufferSize: 1})

	// first entry occupies the writer
	svc.Record(context.Background(), &models.AuditLog{UserID: "user-1", Action: models.AuditActionVerified})
	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("writer did not start")
	}

	// second fills the buffer, the rest are dropped without blocking
	done := make(chan struct{})
	go func() {
		for i := 0; i < 5; i++ {
			svc.Record(context.Background(), &models.AuditLog{UserID: "user-1", Action: models.AuditActionVerificationFailed})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Record blocked on a full buffer")
	}

	assert.Equal(t, uint64(4), svc.Dropped())

	close(release)
	svc.Close()
}

func TestAuditService_WriteFailureIsSwallowed(t *testing.T) {
	repo := &MockAuditLogStore{
		CreateFunc: func(ctx context.Context, log *models.AuditLog) (*models.AuditLog, error) {
			return nil, errors.New("database down")
		},
	}

	svc := NewAuditService(repo, testLogger(), AuditConfig{BufferSize: 4})
	svc.Record(context.Background(), &models.AuditLog{UserID: "user-1", Action: models.AuditActionSystemFault})
	svc.Close()

	assert.Equal(t, uint64(1), svc.Dropped())
}

func TestAuditService_RecordAfterCloseIsDropped(t *testing.T) {
	calls := 0
	repo := &MockAuditLogStore{
		CreateFunc: func(ctx context.Context, log *models.AuditLog) (*models.AuditLog, error) {
			calls++
			return log, nil
		},
	}

	svc := NewAuditService(repo, testLogger(), AuditConfig{BufferSize: 4})
	svc.Close()
	svc.Close()

	svc.Record(context.Background(), &models.AuditLog{UserID: "user-1"})
	require.Equal(t, uint64(1), svc.Dropped())
	assert.Zero(t, calls)
}
