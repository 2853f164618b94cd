package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/dsla/sla-engine/internal/metrics"
)

// RouterConfig configures NewRouter.
type RouterConfig struct {
	// AllowedOrigins for CORS; empty allows any origin.
	AllowedOrigins []string
	// Hub serves /api/v1/ws when set.
	Hub *WSHub
}

// NewRouter mounts every endpoint of svc.
func NewRouter(svc *Service, cfg RouterConfig) http.Handler {
	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Authorization", AccountHeader},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"sla-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for protocol events; no timeout on upgrades.
		if cfg.Hub != nil {
			r.Get("/ws", cfg.Hub.HandleWS)
		}

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))

			// Periods.
			r.Post("/periods/{type}/initialize", svc.InitializePeriods)
			r.Post("/periods/{type}/add", svc.AddPeriods)
			r.Get("/periods/{type}/{periodID}", svc.GetPeriod)

			// Tokens and protocol parameters.
			r.Get("/tokens", svc.ListTokens)
			r.Post("/tokens", svc.CreateToken)
			r.Post("/tokens/{symbol}/mint", svc.Mint)
			r.Post("/tokens/{symbol}/approve", svc.Approve)
			r.Get("/tokens/{symbol}/balances/{account}", svc.GetBalance)
			r.Get("/dtokens/{ticker}", svc.GetDToken)
			r.Get("/dtokens/{ticker}/balances/{account}", svc.GetDTokenBalance)
			r.Get("/parameters", svc.GetParameters)
			r.Put("/parameters", svc.SetParameters)

			// Messengers.
			r.Get("/messengers", svc.ListMessengers)
			r.Post("/messengers", svc.RegisterMessenger)
			r.Put("/messengers/{messengerID}", svc.ModifyMessenger)

			// Agreements.
			r.Get("/slas", svc.ListSLAs)
			r.Post("/slas", svc.CreateSLA)
			r.Route("/slas/{slaID}", func(r chi.Router) {
				r.Get("/", svc.GetSLA)
				r.Get("/dynamic", svc.GetSLADynamic)
				r.Get("/dtokens", svc.GetDTokens)
				r.Get("/history", svc.GetSLAHistory)
				r.Post("/tokens", svc.AddAllowedToken)
				r.Post("/whitelist", svc.UpdateWhitelist)
				r.Post("/stake", svc.Stake)
				r.Post("/withdraw", svc.Withdraw)
				r.Post("/request", svc.RequestSLI)
				r.Post("/fulfill", svc.FulfillSLI)
				r.Post("/deliver", svc.DeliverSLI)
				r.Post("/return-locked", svc.ReturnLockedValue)
			})

			// Persisted snapshots.
			r.Get("/snapshots", svc.ListSnapshots)
			r.Get("/snapshots/{slaID}", svc.GetSnapshot)

			// Accounts.
			r.Get("/accounts/{account}/history", svc.GetAccountHistory)
			r.Get("/accounts/{account}/positions", svc.GetAccountPositions)
			r.Get("/accounts/{account}/slas", svc.GetAccountSLAs)
		})
	})

	return r
}
