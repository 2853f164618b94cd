package messenger

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/dsla/sla-engine/internal/fault"
	"github.com/dsla/sla-engine/internal/model"
)

var (
	ErrInvalidPrecision   = fault.New(fault.Validation, "messenger: precision should be a nonzero multiple of 100")
	ErrNotMessengerOwner  = fault.New(fault.Authorization, "messenger: caller is not the messenger owner")
	ErrNotRegistrant      = fault.New(fault.Authorization, "messenger: caller is not the registrant")
	ErrAlreadyRegistered  = fault.New(fault.State, "messenger: messenger already registered")
	ErrInvalidMessengerID = fault.New(fault.Validation, "messenger: invalid messenger id")
	ErrUnknownMessenger   = fault.New(fault.NotFound, "messenger: messenger not registered")
	ErrInvalidAddress     = fault.New(fault.Validation, "messenger: invalid address")
)

type entry struct {
	messenger  Messenger
	registrant model.Address
	specURL    string
}

// Registry holds registered messengers with sequential ids starting at 0.
type Registry struct {
	mu        sync.RWMutex
	entries   []entry
	byAddress map[model.Address]int
}

// NewRegistry creates an empty messenger registry.
func NewRegistry() *Registry {
	return &Registry{byAddress: make(map[model.Address]int)}
}

// Register adds m. The caller must be the owner m reports.
func (r *Registry) Register(caller model.Address, m Messenger, specURL string) (uint64, error) {
	if m == nil || m.Address() == "" {
		return 0, ErrInvalidAddress
	}
	if p := m.Precision(); p <= 0 || p%100 != 0 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidPrecision, p)
	}
	if caller != m.Owner() {
		return 0, ErrNotMessengerOwner
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byAddress[m.Address()]; ok {
		return 0, fmt.Errorf("%w: %s", ErrAlreadyRegistered, m.Address())
	}
	id := len(r.entries)
	r.entries = append(r.entries, entry{messenger: m, registrant: caller, specURL: specURL})
	r.byAddress[m.Address()] = id

	slog.Info("messenger registered", "id", id, "address", m.Address(), "owner", m.Owner(), "precision", m.Precision())
	return uint64(id), nil
}

// Modify replaces the spec URL of messenger id. Only the registrant may call it.
func (r *Registry) Modify(caller model.Address, specURL string, id uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if id >= uint64(len(r.entries)) {
		return fmt.Errorf("%w: %d", ErrInvalidMessengerID, id)
	}
	if r.entries[id].registrant != caller {
		return ErrNotRegistrant
	}
	r.entries[id].specURL = specURL

	slog.Info("messenger modified", "id", id, "spec_url", specURL)
	return nil
}

// Get returns the messenger registered at address.
func (r *Registry) Get(address model.Address) (Messenger, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byAddress[address]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMessenger, address)
	}
	return r.entries[id].messenger, nil
}

// IsRegistered reports whether address belongs to a registered messenger.
func (r *Registry) IsRegistered(address model.Address) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byAddress[address]
	return ok
}

// Length returns the number of registered messengers.
func (r *Registry) Length() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// List returns up to limit messengers starting at offset. Out-of-range
// offsets yield an empty slice.
func (r *Registry) List(offset, limit int) []model.MessengerInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := []model.MessengerInfo{}
	if offset < 0 || limit <= 0 || offset >= len(r.entries) {
		return out
	}
	end := offset + limit
	if end > len(r.entries) {
		end = len(r.entries)
	}
	for i := offset; i < end; i++ {
		e := r.entries[i]
		out = append(out, model.MessengerInfo{
			ID:        uint64(i),
			Address:   e.messenger.Address(),
			Owner:     e.messenger.Owner(),
			Precision: e.messenger.Precision(),
			SpecURL:   e.specURL,
		})
	}
	return out
}
