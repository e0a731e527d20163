package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"gorm.io/datatypes"

	"nilgw/pkg/db"
)

// Postgres is a Ledger backed by the tables created by pkg/db/migrations.
type Postgres struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewPostgres wraps an open pool. Run db.Migrate first.
func NewPostgres(pool *pgxpool.Pool) (*Postgres, error) {
	if pool == nil {
		return nil, errors.New("database pool is required")
	}
	return &Postgres{pool: pool, now: time.Now}, nil
}

func (p *Postgres) RecordUpload(ctx context.Context, u Upload) (Upload, error) {
	u, err := prepareUpload(u, p.now())
	if err != nil {
		return Upload{}, err
	}
	details, err := json.Marshal(datatypes.JSONMap(u.Details))
	if err != nil {
		return Upload{}, err
	}
	_, err = db.Exec(ctx, p.pool, `
INSERT INTO program_uploads (id, program_name, program_id, source_sha256, archive_key, details, created_at)
VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7)
`, u.ID, u.ProgramName, u.ProgramID, u.SourceSHA256, u.ArchiveKey, details, u.CreatedAt)
	if err != nil {
		return Upload{}, err
	}
	return u, nil
}

func (p *Postgres) RecordGrant(ctx context.Context, g Grant) (Grant, error) {
	g, err := prepareGrant(g, p.now())
	if err != nil {
		return Grant{}, err
	}
	g.Address = addressKey(g.Address)
	_, err = db.Exec(ctx, p.pool, `
INSERT INTO faucet_grants (id, address, amount, created_at)
VALUES ($1, $2, $3, $4)
`, g.ID, g.Address, g.Amount, g.CreatedAt)
	if err != nil {
		return Grant{}, err
	}
	return g, nil
}

func (p *Postgres) LastGrant(ctx context.Context, address string) (time.Time, bool, error) {
	var at time.Time
	err := db.Get(ctx, p.pool, &at, `
SELECT created_at
FROM faucet_grants
WHERE address = $1
ORDER BY created_at DESC
LIMIT 1
`, addressKey(address))
	if db.NotFound(err) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return at, true, nil
}

type uploadRow struct {
	Upload
	Details datatypes.JSONMap `db:"details"`
}

func (p *Postgres) Uploads(ctx context.Context, programName string) ([]Upload, error) {
	var rows []uploadRow
	err := db.Select(ctx, p.pool, &rows, `
SELECT id, program_name, program_id, source_sha256, COALESCE(archive_key, '') AS archive_key, details, created_at
FROM program_uploads
WHERE $1 = '' OR program_name = $1
ORDER BY created_at DESC
`, programName)
	if err != nil {
		return nil, err
	}
	out := make([]Upload, 0, len(rows))
	for _, r := range rows {
		u := r.Upload
		u.Details = map[string]any(r.Details)
		if u.Details == nil {
			u.Details = map[string]any{}
		}
		out = append(out, u)
	}
	return out, nil
}

// Ping reports whether the database is reachable.
func (p *Postgres) Ping(ctx context.Context) error {
	return db.Ping(ctx, p.pool)
}
