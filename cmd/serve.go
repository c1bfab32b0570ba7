package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/shieldpool/bounty-cli/internal/events"
	"github.com/shieldpool/bounty-cli/internal/model"
	"github.com/shieldpool/bounty-cli/internal/resilience"
	"github.com/shieldpool/bounty-cli/internal/settle"
	"github.com/shieldpool/bounty-cli/internal/stats"
	"github.com/shieldpool/bounty-cli/internal/store"
	"github.com/shieldpool/bounty-cli/pkg/escrow"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the settlement API server",
	Long:  "Serves the ledger, settlement, and reporting API, including a live settlement event stream.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		broker := events.NewBroker(cfg.Server.EventsHistory)
		defer broker.Close()

		orch, err := initOrchestrator(st, settle.WithNotifier(broker.Publish))
		if err != nil {
			return err
		}
		ec, err := initEscrow()
		if err != nil {
			return err
		}

		api := &apiServer{
			store:  st,
			orch:   orch,
			stats:  stats.New(st),
			escrow: ec,
			broker: broker,
		}

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: api.routes(),
		}

		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			srv.Shutdown(ctx) //nolint:errcheck
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}

type apiServer struct {
	store  store.Store
	orch   *settle.Orchestrator
	stats  *stats.Aggregator
	escrow escrow.Client
	broker *events.Broker
}

func (s *apiServer) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.Server.CORSOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "Authorization"},
	}))

	r.Get("/health", s.handleHealth)

	r.Route("/v1", func(r chi.Router) {
		r.Get("/protocols", s.handleListProtocols)
		r.Get("/protocols/{id}", s.handleGetProtocol)
		r.Get("/protocols/{id}/pool", s.handlePoolStatus)
		r.Get("/protocols/{id}/series", s.handleTimeSeries)

		r.Get("/payments", s.handleListPayments)
		r.Get("/payments/{id}", s.handleGetPayment)
		r.Post("/payments/{id}/process", s.handleProcessPayment)
		r.Post("/settlements", s.handleCreateSettlement)

		r.Get("/researchers/{address}/earnings", s.handleEarnings)
		r.Get("/leaderboard", s.handleLeaderboard)
		r.Get("/drift", s.handleDrift)
		r.Get("/audit", s.handleAudit)

		r.Get("/events", s.handleEvents)
	})

	return r
}

func (s *apiServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "ledger unreachable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *apiServer) handleListProtocols(w http.ResponseWriter, r *http.Request) {
	protocols, err := s.store.ListProtocols(r.Context())
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, protocols)
}

func (s *apiServer) handleGetProtocol(w http.ResponseWriter, r *http.Request) {
	protocol, err := s.store.GetProtocol(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, protocol)
}

func (s *apiServer) handlePoolStatus(w http.ResponseWriter, r *http.Request) {
	recent := queryInt(r, "recent", 10)
	status, err := s.stats.PoolStatus(r.Context(), chi.URLParam(r, "id"), recent)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *apiServer) handleTimeSeries(w http.ResponseWriter, r *http.Request) {
	days := queryInt(r, "days", 30)
	buckets, err := s.stats.TimeSeries(r.Context(), chi.URLParam(r, "id"), days)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, buckets)
}

func (s *apiServer) handleListPayments(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	payments, err := s.store.ListPayments(r.Context(), store.PaymentFilter{
		Status:     model.PaymentStatus(q.Get("status")),
		ProtocolID: q.Get("protocol"),
		Recipient:  q.Get("recipient"),
		Limit:      queryInt(r, "limit", 50),
		Offset:     queryInt(r, "offset", 0),
	})
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, payments)
}

func (s *apiServer) handleGetPayment(w http.ResponseWriter, r *http.Request) {
	payment, err := s.store.GetPayment(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, payment)
}

func (s *apiServer) handleCreateSettlement(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ValidationID string `json:"validation_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ValidationID == "" {
		writeError(w, http.StatusBadRequest, "validation_id is required")
		return
	}

	payment, err := s.orch.CreatePaymentFromValidation(r.Context(), req.ValidationID)
	if err != nil {
		writeSettleError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, payment)
}

func (s *apiServer) handleProcessPayment(w http.ResponseWriter, r *http.Request) {
	payment, err := s.orch.ProcessPayment(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeSettleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, payment)
}

func (s *apiServer) handleEarnings(w http.ResponseWriter, r *http.Request) {
	earnings, err := s.stats.ResearcherEarnings(r.Context(), chi.URLParam(r, "address"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, earnings)
}

func (s *apiServer) handleLeaderboard(w http.ResponseWriter, r *http.Request) {
	entries, err := s.stats.Leaderboard(r.Context(), queryInt(r, "limit", 20))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *apiServer) handleDrift(w http.ResponseWriter, r *http.Request) {
	reports, err := s.stats.Drift(r.Context(), s.escrow)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, reports)
}

func (s *apiServer) handleAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	entries, err := s.store.ListAudit(r.Context(), store.AuditFilter{
		ProtocolID: q.Get("protocol"),
		Action:     model.AuditAction(q.Get("action")),
		Limit:      queryInt(r, "limit", 50),
	})
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// handleEvents streams settlement events as server-sent events. New
// subscribers first receive the broker's replay buffer, then live events.
func (s *apiServer) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	ch, cancel := s.broker.Subscribe()
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		case evt, open := <-ch:
			if !open {
				return
			}
			data, err := json.Marshal(evt)
			if err != nil {
				zap.L().Warn("event marshal failed", zap.Error(err))
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Type, data)
			flusher.Flush()
		}
	}
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Warn("response encode failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeStoreError maps ledger errors to HTTP statuses.
func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case eris.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case eris.Is(err, store.ErrConflict):
		writeError(w, http.StatusConflict, "conflict")
	default:
		zap.L().Error("request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// writeSettleError maps settlement errors to HTTP statuses. On-chain and
// gateway trouble surfaces as 502/503 so callers know to retry later.
func writeSettleError(w http.ResponseWriter, err error) {
	switch {
	case eris.Is(err, settle.ErrValidationNotFound),
		eris.Is(err, settle.ErrFindingNotFound),
		eris.Is(err, settle.ErrPaymentNotFound),
		eris.Is(err, settle.ErrProtocolNotFound):
		writeError(w, http.StatusNotFound, eris.Cause(err).Error())
	case eris.Is(err, settle.ErrValidationNotConfirmed),
		eris.Is(err, settle.ErrNoValidatedProof),
		eris.Is(err, settle.ErrProtocolNotRegistered):
		writeError(w, http.StatusUnprocessableEntity, eris.Cause(err).Error())
	case eris.Is(err, settle.ErrAlreadyCompleted):
		writeError(w, http.StatusConflict, eris.Cause(err).Error())
	case eris.Is(err, settle.ErrInsufficientFunds):
		writeError(w, http.StatusConflict, err.Error())
	case eris.Is(err, resilience.ErrCircuitOpen):
		writeError(w, http.StatusServiceUnavailable, "gateway circuit open")
	case eris.Is(err, settle.ErrOnChainFailure):
		writeError(w, http.StatusBadGateway, "on-chain release failed")
	default:
		zap.L().Error("settlement request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
