package database

import (
	"errors"
	"fmt"
	"testing"

	"github.com/BradenHooton/twofa/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
)

func TestMapPostgresError(t *testing.T) {
	other := errors.New("boom")

	tests := []struct {
		name string
		in   error
		want error
	}{
		{"nil", nil, nil},
		{"no rows", pgx.ErrNoRows, models.ErrNotFound},
		{"wrapped no rows", fmt.Errorf("query: %w", pgx.ErrNoRows), models.ErrNotFound},
		{"unique violation", &pgconn.PgError{Code: "23505"}, models.ErrConflict},
		{"invalid uuid text", &pgconn.PgError{Code: "22P02"}, models.ErrBadRequest},
		{"wrapped not null", fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23502"}), models.ErrBadRequest},
		{"serialization failure", &pgconn.PgError{Code: "40001"}, models.ErrStateChanged},
		{"deadlock", &pgconn.PgError{Code: "40P01"}, models.ErrStateChanged},
		{"unmapped pg error", &pgconn.PgError{Code: "42P01"}, &pgconn.PgError{}},
		{"passthrough", other, other},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := MapPostgresError(tt.in)
			if tt.want == nil {
				assert.NoError(t, got)
				return
			}
			if _, ok := tt.want.(*pgconn.PgError); ok {
				var pgErr *pgconn.PgError
				assert.ErrorAs(t, got, &pgErr)
				return
			}
			assert.ErrorIs(t, got, tt.want)
		})
	}
}

func TestMigrationsEmbedded(t *testing.T) {
	entries, err := migrationsFS.ReadDir("migrations")
	assert.NoError(t, err)
	assert.Len(t, entries, 3)
}
