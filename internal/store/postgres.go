package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/dsla/sla-engine/internal/model"
)

// Schema creates the tables used by PostgresStore. Amounts are NUMERIC for
// exact decimal precision.
const Schema = `
CREATE TABLE IF NOT EXISTS agreements (
	id         BIGINT PRIMARY KEY,
	owner      TEXT NOT NULL,
	snapshot   JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS ledger_entries (
	id           UUID PRIMARY KEY,
	agreement_id BIGINT NOT NULL,
	account      TEXT NOT NULL,
	kind         TEXT NOT NULL,
	token        TEXT NOT NULL DEFAULT '',
	side         TEXT NOT NULL DEFAULT '',
	amount       NUMERIC NOT NULL,
	period_id    BIGINT,
	timestamp    TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS ledger_entries_agreement_idx ON ledger_entries (agreement_id, timestamp);
CREATE INDEX IF NOT EXISTS ledger_entries_account_idx ON ledger_entries (account, timestamp);
`

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate applies Schema.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (s *PostgresStore) SaveAgreement(ctx context.Context, sla *model.SLADetails) error {
	data, err := json.Marshal(sla)
	if err != nil {
		return fmt.Errorf("marshal agreement %d: %w", sla.Static.ID, err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO agreements (id, owner, snapshot, updated_at)
		 VALUES ($1, $2, $3, now())
		 ON CONFLICT (id) DO UPDATE SET snapshot = EXCLUDED.snapshot, updated_at = now()`,
		int64(sla.Static.ID), string(sla.Static.Owner), data,
	)
	return err
}

func (s *PostgresStore) GetAgreement(ctx context.Context, id uint64) (*model.SLADetails, error) {
	var data []byte
	err := s.pool.QueryRow(ctx,
		`SELECT snapshot FROM agreements WHERE id = $1`, int64(id)).
		Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: agreement %d", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get agreement %d: %w", id, err)
	}

	var sla model.SLADetails
	if err := json.Unmarshal(data, &sla); err != nil {
		return nil, fmt.Errorf("decode agreement %d: %w", id, err)
	}
	return &sla, nil
}

func (s *PostgresStore) ListAgreements(ctx context.Context) ([]model.SLADetails, error) {
	rows, err := s.pool.Query(ctx, `SELECT snapshot FROM agreements ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.SLADetails
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var sla model.SLADetails
		if err := json.Unmarshal(data, &sla); err != nil {
			return nil, err
		}
		out = append(out, sla)
	}
	return out, rows.Err()
}

func (s *PostgresStore) InsertLedgerEntry(ctx context.Context, e *model.LedgerEntry) error {
	var periodID *int64
	if e.PeriodID != nil {
		p := int64(*e.PeriodID)
		periodID = &p
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO ledger_entries (id, agreement_id, account, kind, token, side, amount, period_id, timestamp)
		 VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC, $8, $9)`,
		e.ID, int64(e.AgreementID), string(e.Account), string(e.Kind), e.Token, string(e.Side),
		e.Amount.String(), periodID, e.Timestamp,
	)
	return err
}

func (s *PostgresStore) GetLedgerEntriesByAgreement(ctx context.Context, agreementID uint64) ([]model.LedgerEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id::TEXT, agreement_id, account, kind, token, side, amount::TEXT, period_id, timestamp
		 FROM ledger_entries WHERE agreement_id = $1 ORDER BY timestamp`, int64(agreementID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanLedgerEntries(rows)
}

func (s *PostgresStore) GetLedgerEntriesByAccount(ctx context.Context, account model.Address) ([]model.LedgerEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id::TEXT, agreement_id, account, kind, token, side, amount::TEXT, period_id, timestamp
		 FROM ledger_entries WHERE account = $1 ORDER BY timestamp`, string(account))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanLedgerEntries(rows)
}

func (s *PostgresStore) GetAccountPositions(ctx context.Context, account model.Address) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT agreement_id, token, side,
			COALESCE(SUM(CASE WHEN kind = 'stake'    THEN amount ELSE 0 END), 0)::TEXT AS staked,
			COALESCE(SUM(CASE WHEN kind = 'withdraw' THEN amount ELSE 0 END), 0)::TEXT AS withdrawn
		 FROM ledger_entries
		 WHERE account = $1 AND kind IN ('stake', 'withdraw')
		 GROUP BY agreement_id, token, side
		 ORDER BY agreement_id, token, side`, string(account))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []model.Position
	for rows.Next() {
		var (
			p          model.Position
			agID       int64
			side       string
			stakedS    string
			withdrawnS string
		)
		if err := rows.Scan(&agID, &p.Token, &side, &stakedS, &withdrawnS); err != nil {
			return nil, err
		}
		p.AgreementID = uint64(agID)
		p.Account = account
		p.Side = model.Side(side)
		p.Staked, _ = decimal.NewFromString(stakedS)
		p.Withdrawn, _ = decimal.NewFromString(withdrawnS)
		p.Net = p.Staked.Sub(p.Withdrawn)
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// pgxRows is the subset of pgx.Rows read by scanLedgerEntries.
type pgxRows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
}

func scanLedgerEntries(rows pgxRows) ([]model.LedgerEntry, error) {
	var entries []model.LedgerEntry
	for rows.Next() {
		var (
			e                            model.LedgerEntry
			agID                         int64
			account, kind, side, amountS string
			periodID                     *int64
		)
		if err := rows.Scan(&e.ID, &agID, &account, &kind, &e.Token, &side,
			&amountS, &periodID, &e.Timestamp); err != nil {
			return nil, err
		}

		e.AgreementID = uint64(agID)
		e.Account = model.Address(account)
		e.Kind = model.EntryKind(kind)
		e.Side = model.Side(side)
		e.Amount, _ = decimal.NewFromString(amountS)
		if periodID != nil {
			p := uint64(*periodID)
			e.PeriodID = &p
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
