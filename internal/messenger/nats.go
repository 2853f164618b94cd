package messenger

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/dsla/sla-engine/internal/model"
)

// NATSConfig holds the connection and subjects of a NATS-backed messenger.
type NATSConfig struct {
	URL             string
	Name            string
	RequestSubject  string
	FulfillSubject  string
	ReconnectWait   time.Duration
	MaxReconnects   int
	ConnectTimeout  time.Duration
	FulfillDeadline time.Duration
}

// NATS forwards SLI requests to an external oracle node over NATS and
// routes the fulfillments it publishes back to the protocol.
type NATS struct {
	address   model.Address
	owner     model.Address
	precision int64
	cfg       NATSConfig

	conn *nats.Conn
	mu   sync.Mutex
	sub  *nats.Subscription
}

// DialNATS connects to cfg.URL.
func DialNATS(cfg NATSConfig, address, owner model.Address, precision int64) (*NATS, error) {
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.Timeout(cfg.ConnectTimeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			slog.Warn("nats disconnected", "messenger", address, "err", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("nats reconnected", "messenger", address, "url", nc.ConnectedUrl())
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	if cfg.FulfillDeadline <= 0 {
		cfg.FulfillDeadline = 10 * time.Second
	}

	return &NATS{
		address:   address,
		owner:     owner,
		precision: precision,
		cfg:       cfg,
		conn:      conn,
	}, nil
}

func (n *NATS) Address() model.Address { return n.address }
func (n *NATS) Owner() model.Address   { return n.owner }
func (n *NATS) Precision() int64       { return n.precision }

// RequestSLI publishes req as JSON on the request subject.
func (n *NATS) RequestSLI(_ context.Context, req Request) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	if err := n.conn.Publish(n.cfg.RequestSubject, payload); err != nil {
		return fmt.Errorf("failed to publish request: %w", err)
	}
	return nil
}

// Serve subscribes to the fulfill subject and hands every fulfillment to f.
// Rejected fulfillments are logged; the oracle resubmits if it wants to.
func (n *NATS) Serve(f Fulfiller) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.sub != nil {
		return fmt.Errorf("already subscribed to %s", n.cfg.FulfillSubject)
	}

	sub, err := n.conn.Subscribe(n.cfg.FulfillSubject, func(msg *nats.Msg) {
		n.handle(f, msg)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}
	n.sub = sub
	return nil
}

func (n *NATS) handle(f Fulfiller, msg *nats.Msg) {
	var ful Fulfillment
	if err := json.Unmarshal(msg.Data, &ful); err != nil {
		slog.Warn("malformed fulfillment", "messenger", n.address, "err", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), n.cfg.FulfillDeadline)
	defer cancel()

	if err := f.FulfillSLI(ctx, n.address, ful.AgreementID, ful.PeriodID, ful.SLI); err != nil {
		slog.Warn("fulfillment rejected",
			"messenger", n.address,
			"agreement", ful.AgreementID,
			"period", ful.PeriodID,
			"err", err,
		)
		return
	}
	if msg.Reply != "" {
		_ = msg.Respond([]byte(`{"status":"ok"}`))
	}
}

// Close drains the subscription and closes the connection.
func (n *NATS) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.sub != nil {
		_ = n.sub.Unsubscribe()
		n.sub = nil
	}
	n.conn.Close()
}
