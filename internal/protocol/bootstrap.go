package protocol

import (
	"fmt"
	"time"

	"github.com/dsla/sla-engine/internal/messenger"
	"github.com/dsla/sla-engine/internal/model"
	"github.com/dsla/sla-engine/internal/period"
	"github.com/dsla/sla-engine/internal/slo"
	"github.com/dsla/sla-engine/internal/stake"
	"github.com/dsla/sla-engine/internal/store"
	"github.com/dsla/sla-engine/internal/token"
)

// Well-known addresses of the in-process protocol.
const (
	RegistryAddress model.Address = "sla-registry"
	CustodyAddress  model.Address = "stake-registry"
)

// BootstrapConfig is the deployment-time configuration of a protocol
// instance.
type BootstrapConfig struct {
	Owner         model.Address
	ProtocolToken string
	Params        stake.Parameters
	Store         store.Store
	Events        Publisher
	Clock         func() time.Time
}

// Bootstrap creates the protocol token, minted by Owner, and every
// registry wired to one SLA registry.
func Bootstrap(cfg BootstrapConfig) (*Registry, error) {
	if cfg.Owner == "" {
		return nil, fmt.Errorf("bootstrap: owner is required")
	}
	if cfg.Store == nil {
		cfg.Store = store.NewMemoryStore()
	}

	tokens := token.NewRegistry()
	protocolToken, err := tokens.Create(cfg.ProtocolToken, cfg.Owner)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: %w", err)
	}
	ledger, err := stake.NewRegistry(stake.Config{
		Owner:     cfg.Owner,
		Registrar: RegistryAddress,
		Custody:   CustodyAddress,
		Protocol:  protocolToken,
		Tokens:    tokens,
		Params:    cfg.Params,
	})
	if err != nil {
		return nil, fmt.Errorf("bootstrap: %w", err)
	}

	return New(Config{
		Address:    RegistryAddress,
		Periods:    period.NewRegistry(cfg.Owner),
		SLOs:       slo.NewRegistry(RegistryAddress),
		Ledger:     ledger,
		Messengers: messenger.NewRegistry(),
		Tokens:     tokens,
		Store:      cfg.Store,
		Events:     cfg.Events,
		Clock:      cfg.Clock,
	}), nil
}
