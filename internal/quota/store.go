package quota

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/tributary-ai/ai-gateway/internal/types"
)

// ErrTenantNotFound is returned when a tenant id has no record.
var ErrTenantNotFound = errors.New("tenant not found")

// TenantStore persists tenant applications and their per-period usage
// counters.
type TenantStore interface {
	CreateTenant(ctx context.Context, app *types.TenantApplication) error
	GetTenant(ctx context.Context, id string) (*types.TenantApplication, error)
	ListTenants(ctx context.Context) ([]*types.TenantApplication, error)
	UpdateSecret(ctx context.Context, id, secretHash string, tokenEpoch int) error
	SetStatus(ctx context.Context, id string, status types.TenantStatus) error
	TouchLastUsed(ctx context.Context, id string, at time.Time) error
	IncrementUsage(ctx context.Context, tenantID, period string, delta types.UsageDelta) (types.UsageRecord, error)
	GetUsage(ctx context.Context, tenantID, period string) (types.UsageRecord, error)
	Close() error
}

// SQLiteStore is the file-backed TenantStore. Usage rows are keyed by
// (tenant_id, period) so a billing period rollover starts a fresh row
// instead of resetting counters in place.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (and if needed initializes) the tenant database at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("opening tenant database: %w", err)
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS tenants(
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		tier TEXT NOT NULL,
		secret_hash TEXT NOT NULL,
		status TEXT NOT NULL,
		token_epoch INTEGER NOT NULL DEFAULT 0,
		last_used INTEGER,
		created_at INTEGER NOT NULL
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating tenants table: %w", err)
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS usage(
		tenant_id TEXT NOT NULL,
		period TEXT NOT NULL,
		request_count INTEGER NOT NULL DEFAULT 0,
		success_count INTEGER NOT NULL DEFAULT 0,
		failure_count INTEGER NOT NULL DEFAULT 0,
		total_cost REAL NOT NULL DEFAULT 0,
		PRIMARY KEY (tenant_id, period)
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating usage table: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) CreateTenant(ctx context.Context, app *types.TenantApplication) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tenants(id, name, tier, secret_hash, status, token_epoch, last_used, created_at)
		 VALUES(?,?,?,?,?,?,?,?)`,
		app.ID, app.Name, app.Tier.Name, app.SecretHash, string(app.Status),
		app.TokenEpoch, app.LastUsed.UnixNano(), app.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("creating tenant %s: %w", app.ID, err)
	}
	return nil
}

func (s *SQLiteStore) GetTenant(ctx context.Context, id string) (*types.TenantApplication, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, tier, secret_hash, status, token_epoch, last_used, created_at
		 FROM tenants WHERE id = ?`, id)
	return scanTenant(row)
}

func (s *SQLiteStore) ListTenants(ctx context.Context) ([]*types.TenantApplication, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, tier, secret_hash, status, token_epoch, last_used, created_at
		 FROM tenants ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*types.TenantApplication
	for rows.Next() {
		app, err := scanTenant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, app)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTenant(row rowScanner) (*types.TenantApplication, error) {
	var app types.TenantApplication
	var tier, status string
	var lastUsed, createdAt int64
	err := row.Scan(&app.ID, &app.Name, &tier, &app.SecretHash, &status,
		&app.TokenEpoch, &lastUsed, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTenantNotFound
	}
	if err != nil {
		return nil, err
	}
	app.Tier = types.TierByName(tier)
	app.Status = types.TenantStatus(status)
	if lastUsed > 0 {
		app.LastUsed = time.Unix(0, lastUsed)
	}
	app.CreatedAt = time.Unix(0, createdAt)
	return &app, nil
}

func (s *SQLiteStore) UpdateSecret(ctx context.Context, id, secretHash string, tokenEpoch int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tenants SET secret_hash = ?, token_epoch = ? WHERE id = ?`,
		secretHash, tokenEpoch, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrTenantNotFound
	}
	return nil
}

func (s *SQLiteStore) SetStatus(ctx context.Context, id string, status types.TenantStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tenants SET status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrTenantNotFound
	}
	return nil
}

func (s *SQLiteStore) TouchLastUsed(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE tenants SET last_used = ? WHERE id = ?`, at.UnixNano(), id)
	return err
}

func (s *SQLiteStore) IncrementUsage(ctx context.Context, tenantID, period string, delta types.UsageDelta) (types.UsageRecord, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return types.UsageRecord{}, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO usage(tenant_id, period, request_count, success_count, failure_count, total_cost)
		 VALUES(?,?,?,?,?,?)
		 ON CONFLICT(tenant_id, period) DO UPDATE SET
			request_count = request_count + excluded.request_count,
			success_count = success_count + excluded.success_count,
			failure_count = failure_count + excluded.failure_count,
			total_cost = total_cost + excluded.total_cost`,
		tenantID, period, delta.Requests, delta.Successes, delta.Failures, delta.Cost); err != nil {
		return types.UsageRecord{}, err
	}

	rec, err := usageRow(tx.QueryRowContext(ctx,
		`SELECT tenant_id, period, request_count, success_count, failure_count, total_cost
		 FROM usage WHERE tenant_id = ? AND period = ?`, tenantID, period))
	if err != nil {
		return types.UsageRecord{}, err
	}
	if err := tx.Commit(); err != nil {
		return types.UsageRecord{}, err
	}
	return rec, nil
}

func (s *SQLiteStore) GetUsage(ctx context.Context, tenantID, period string) (types.UsageRecord, error) {
	rec, err := usageRow(s.db.QueryRowContext(ctx,
		`SELECT tenant_id, period, request_count, success_count, failure_count, total_cost
		 FROM usage WHERE tenant_id = ? AND period = ?`, tenantID, period))
	if errors.Is(err, sql.ErrNoRows) {
		return types.UsageRecord{TenantID: tenantID, Period: period}, nil
	}
	return rec, err
}

func usageRow(row *sql.Row) (types.UsageRecord, error) {
	var rec types.UsageRecord
	err := row.Scan(&rec.TenantID, &rec.Period, &rec.RequestCount,
		&rec.SuccessCount, &rec.FailureCount, &rec.TotalCost)
	return rec, err
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
