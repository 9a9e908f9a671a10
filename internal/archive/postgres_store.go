package archive

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/mbd888/mulewatch/internal/risk"
	"github.com/mbd888/mulewatch/internal/txstore"
)

// PostgresStore implements Store backed by PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// Compile-time check.
var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new Postgres-backed archive.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) SaveTransactions(ctx context.Context, txs []txstore.Transaction) error {
	if len(txs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO transactions (id, sender, receiver, amount, occurred_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO NOTHING
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, t := range txs {
		if _, err := stmt.ExecContext(ctx, t.ID, t.Sender, t.Receiver, t.Amount.String(), t.Timestamp); err != nil {
			return fmt.Errorf("archive: insert transaction %s: %w", t.ID, err)
		}
	}
	return tx.Commit()
}

func (s *PostgresStore) UpsertRiskRecords(ctx context.Context, records []risk.Record) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO suspicious_accounts
			(account_id, in_degree, out_degree, velocity_hours, score, level, reason, triggered, last_updated)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (account_id) DO UPDATE SET
			in_degree      = EXCLUDED.in_degree,
			out_degree     = EXCLUDED.out_degree,
			velocity_hours = EXCLUDED.velocity_hours,
			score          = EXCLUDED.score,
			level          = EXCLUDED.level,
			reason         = EXCLUDED.reason,
			triggered      = EXCLUDED.triggered,
			last_updated   = EXCLUDED.last_updated
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, r := range records {
		var velocity sql.NullFloat64
		if r.VelocityHours != nil {
			velocity = sql.NullFloat64{Float64: *r.VelocityHours, Valid: true}
		}
		_, err := stmt.ExecContext(ctx,
			r.AccountID,
			r.InDegree,
			r.OutDegree,
			velocity,
			r.Score,
			string(r.Level),
			r.Reason,
			pq.Array(r.Triggered),
			r.LastUpdated,
		)
		if err != nil {
			return fmt.Errorf("archive: upsert %s: %w", r.AccountID, err)
		}
	}
	return tx.Commit()
}

func (s *PostgresStore) DeleteRiskRecords(ctx context.Context, accounts []string) error {
	if len(accounts) == 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM suspicious_accounts WHERE account_id = ANY($1)`,
		pq.Array(accounts),
	)
	return err
}

func (s *PostgresStore) RecentTransactions(ctx context.Context, limit int) ([]txstore.Transaction, error) {
	if limit <= 0 {
		limit = txstore.DefaultCapacity
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, sender, receiver, amount, occurred_at FROM (
			SELECT seq, id, sender, receiver, amount, occurred_at
			FROM transactions
			ORDER BY seq DESC
			LIMIT $1
		) recent
		ORDER BY seq ASC
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []txstore.Transaction
	for rows.Next() {
		var (
			t         txstore.Transaction
			amountStr string
		)
		if err := rows.Scan(&t.ID, &t.Sender, &t.Receiver, &amountStr, &t.Timestamp); err != nil {
			return nil, err
		}
		t.Amount, err = decimal.NewFromString(amountStr)
		if err != nil {
			return nil, fmt.Errorf("archive: transaction %s amount %q: %w", t.ID, amountStr, err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

const riskColumns = `account_id, in_degree, out_degree, velocity_hours, score, level, reason, triggered, last_updated`

func (s *PostgresStore) ListRiskRecords(ctx context.Context) ([]risk.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+riskColumns+`
		FROM suspicious_accounts
		ORDER BY score DESC, account_id ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []risk.Record
	for rows.Next() {
		r, err := scanRiskRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetRiskRecord(ctx context.Context, account string) (risk.Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+riskColumns+`
		FROM suspicious_accounts
		WHERE account_id = $1
	`, account)
	r, err := scanRiskRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return risk.Record{}, ErrNotFound
	}
	return r, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRiskRecord(sc scanner) (risk.Record, error) {
	var (
		r        risk.Record
		velocity sql.NullFloat64
		level    string
	)
	err := sc.Scan(
		&r.AccountID,
		&r.InDegree,
		&r.OutDegree,
		&velocity,
		&r.Score,
		&level,
		&r.Reason,
		pq.Array(&r.Triggered),
		&r.LastUpdated,
	)
	if err != nil {
		return risk.Record{}, err
	}
	if velocity.Valid {
		v := velocity.Float64
		r.VelocityHours = &v
	}
	r.Level = risk.Level(level)
	if r.Triggered == nil {
		r.Triggered = []string{}
	}
	return r, nil
}
