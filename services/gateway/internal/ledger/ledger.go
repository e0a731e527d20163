// Package ledger records program uploads and faucet grants.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Upload is one program stored on the cluster.
type Upload struct {
	ID           uuid.UUID      `json:"id" db:"id"`
	ProgramName  string         `json:"program_name" db:"program_name"`
	ProgramID    string         `json:"program_id" db:"program_id"`
	SourceSHA256 string         `json:"source_sha256" db:"source_sha256"`
	ArchiveKey   string         `json:"archive_key,omitempty" db:"archive_key"`
	Details      map[string]any `json:"details,omitempty" db:"-"`
	CreatedAt    time.Time      `json:"created_at" db:"created_at"`
}

// Grant is one faucet transfer.
type Grant struct {
	ID        uuid.UUID `json:"id" db:"id"`
	Address   string    `json:"address" db:"address"`
	Amount    string    `json:"amount" db:"amount"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Ledger is the gateway's record of what it has done.
type Ledger interface {
	RecordUpload(ctx context.Context, u Upload) (Upload, error)
	RecordGrant(ctx context.Context, g Grant) (Grant, error)
	// LastGrant returns when address was last funded; ok is false if never.
	LastGrant(ctx context.Context, address string) (at time.Time, ok bool, err error)
	Uploads(ctx context.Context, programName string) ([]Upload, error)
}

var errMissingField = errors.New("ledger record is missing a required field")

func prepareUpload(u Upload, now time.Time) (Upload, error) {
	if u.ProgramName == "" || u.ProgramID == "" {
		return Upload{}, errMissingField
	}
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = now.UTC()
	}
	if u.Details == nil {
		u.Details = map[string]any{}
	}
	return u, nil
}

func prepareGrant(g Grant, now time.Time) (Grant, error) {
	if g.Address == "" {
		return Grant{}, errMissingField
	}
	if g.ID == uuid.Nil {
		g.ID = uuid.New()
	}
	if g.CreatedAt.IsZero() {
		g.CreatedAt = now.UTC()
	}
	return g, nil
}
