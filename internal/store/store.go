// Package store defines the persistence interface for the SLA engine.
// Implementations include PostgreSQL (durable journal), Redis (read-through
// cache), and in-memory (for testing).
//
// The engine's in-process state is authoritative; the store keeps the
// immutable journal of committed transitions and the latest snapshot of
// every agreement for readers.
package store

import (
	"context"

	"github.com/dsla/sla-engine/internal/fault"
	"github.com/dsla/sla-engine/internal/model"
)

// ErrNotFound is returned when a snapshot does not exist.
var ErrNotFound = fault.New(fault.NotFound, "store: not found")

// Store is the persistence interface.
type Store interface {
	// --- Agreement snapshots ---

	// SaveAgreement inserts or replaces the snapshot of an agreement.
	SaveAgreement(ctx context.Context, sla *model.SLADetails) error

	// GetAgreement retrieves the latest snapshot of an agreement.
	GetAgreement(ctx context.Context, id uint64) (*model.SLADetails, error)

	// ListAgreements returns every snapshot ordered by id.
	ListAgreements(ctx context.Context) ([]model.SLADetails, error)

	// --- Immutable journal ---

	// InsertLedgerEntry appends an immutable journal record.
	InsertLedgerEntry(ctx context.Context, entry *model.LedgerEntry) error

	// GetLedgerEntriesByAgreement returns the journal of one agreement.
	GetLedgerEntriesByAgreement(ctx context.Context, agreementID uint64) ([]model.LedgerEntry, error)

	// GetLedgerEntriesByAccount returns every record involving account.
	GetLedgerEntriesByAccount(ctx context.Context, account model.Address) ([]model.LedgerEntry, error)

	// --- Position queries ---

	// GetAccountPositions aggregates stake minus withdrawals per pool side.
	GetAccountPositions(ctx context.Context, account model.Address) ([]model.Position, error)
}
