// Package api serves the exchange over HTTP: read-only queries, signed
// mutations and a WebSocket stream of committed events.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"
	"github.com/holiman/uint256"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/uhyunpark/escrowdex/pkg/app/core/asset"
	"github.com/uhyunpark/escrowdex/pkg/app/core/events"
	"github.com/uhyunpark/escrowdex/pkg/app/exchange"
	"github.com/uhyunpark/escrowdex/pkg/crypto"
	"github.com/uhyunpark/escrowdex/pkg/transaction"
)

const (
	maxBodyBytes = 64 << 10
	defaultLimit = 100
	maxLimit     = 1000
)

// Server handles REST API and WebSocket connections
type Server struct {
	engine   *exchange.Engine
	verifier *transaction.Verifier
	router   *mux.Router
	hub      *Hub
	faucet   Faucet
	origins  []string
	log      *zap.SugaredLogger
}

// Faucet funds devnet accounts
type Faucet interface {
	Fund(ctx context.Context, assetID, to common.Address, amount *uint256.Int) error
}

// Option configures a Server
type Option func(*Server)

// WithLogger sets the server logger
func WithLogger(l *zap.SugaredLogger) Option { return func(s *Server) { s.log = l } }

// WithCORSOrigins sets the allowed browser origins
func WithCORSOrigins(origins []string) Option { return func(s *Server) { s.origins = origins } }

// WithFaucet serves POST /api/v1/dev/faucet backed by f
func WithFaucet(f Faucet) Option { return func(s *Server) { s.faucet = f } }

// NewServer creates a new API server. Signed requests are authenticated by
// verifier.
func NewServer(engine *exchange.Engine, verifier *transaction.Verifier, opts ...Option) *Server {
	s := &Server{
		engine:   engine,
		verifier: verifier,
		router:   mux.NewRouter(),
		origins:  []string{"http://localhost:3000", "http://localhost:3001"},
		log:      zap.NewNop().Sugar(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.hub = NewHub(s.log)
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	// API v1 routes
	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Queries
	api.HandleFunc("/config", s.handleGetConfig).Methods("GET")
	api.HandleFunc("/status", s.handleGetStatus).Methods("GET")
	api.HandleFunc("/balances/{asset}/{user}", s.handleGetBalance).Methods("GET")
	api.HandleFunc("/orders", s.handleGetOrders).Methods("GET")
	api.HandleFunc("/orders/{id:[0-9]+}", s.handleGetOrder).Methods("GET")
	api.HandleFunc("/events", s.handleGetEvents).Methods("GET")
	api.HandleFunc("/pending", s.handleGetPending).Methods("GET")

	// Signed mutations
	api.HandleFunc("/deposits/token", s.handleSigned(transaction.TypeDepositToken)).Methods("POST")
	api.HandleFunc("/withdrawals", s.handleSigned(transaction.TypeWithdraw)).Methods("POST")
	api.HandleFunc("/orders", s.handleSigned(transaction.TypeMakeOrder)).Methods("POST")
	api.HandleFunc("/orders/cancel", s.handleSigned(transaction.TypeCancelOrder)).Methods("POST")
	api.HandleFunc("/orders/fill", s.handleSigned(transaction.TypeFillOrder)).Methods("POST")

	if s.faucet != nil {
		api.HandleFunc("/dev/faucet", s.handleFaucet).Methods("POST")
	}

	// WebSocket endpoint
	s.router.HandleFunc("/ws", s.handleWebSocket)

	// Health check
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// Handler returns the router wrapped in CORS handling
func (s *Server) Handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins:   s.origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	})
	return c.Handler(s.router)
}

// StartStream runs the WebSocket hub and feeds it events committed from now
// on. Both stop when ctx is done.
func (s *Server) StartStream(ctx context.Context) {
	s.hub.running.Store(true)
	go s.hub.Run(ctx)
	go s.hub.Follow(ctx, s.engine.Subscribe(s.engine.LastSeq()))
}

// Start serves on addr until ctx is done, then shuts down gracefully
func (s *Server) Start(ctx context.Context, addr string) error {
	s.StartStream(ctx)

	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Infow("api_listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// ==============================
// Query Handlers
// ==============================

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, ConfigInfo{
		FeeAccount: s.engine.FeeAccount().Hex(),
		FeePercent: s.engine.FeePercent(),
		Custody:    s.engine.Custody().Hex(),
	})
}

func (s *Server) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	status := StatusInfo{
		LastSeq:    s.engine.LastSeq(),
		OrderCount: s.engine.OrderCount(),
		StateRoot:  s.engine.StateRoot().Hex(),
		Pending:    len(s.engine.PendingTransfers()),
	}
	if err := s.engine.Halted(); err != nil {
		status.Halted = true
		status.HaltReason = err.Error()
	}
	respondJSON(w, status)
}

func (s *Server) handleGetBalance(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	assetID, err := asset.ParseID(vars["asset"])
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid asset", err.Error())
		return
	}
	if !common.IsHexAddress(vars["user"]) {
		respondError(w, http.StatusBadRequest, "invalid address", vars["user"])
		return
	}
	user := common.HexToAddress(vars["user"])

	respondJSON(w, toBalanceInfo(assetID, user, s.engine.BalanceOf(assetID, user)))
}

// handleGetOrders lists orders by id. ?from=N starts after id N, ?limit caps
// the page.
func (s *Server) handleGetOrders(w http.ResponseWriter, r *http.Request) {
	from, limit, err := pageParams(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid query", err.Error())
		return
	}

	list := OrderList{Count: s.engine.OrderCount(), Orders: []OrderInfo{}}
	for _, o := range s.engine.Orders() {
		if o.ID <= from {
			continue
		}
		if len(list.Orders) == limit {
			break
		}
		list.Orders = append(list.Orders, toOrderInfo(o))
	}
	respondJSON(w, list)
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid order id", err.Error())
		return
	}
	o, err := s.engine.Order(id)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, toOrderInfo(o))
}

// handleGetEvents returns committed events with seq > ?from
func (s *Server) handleGetEvents(w http.ResponseWriter, r *http.Request) {
	from, limit, err := pageParams(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid query", err.Error())
		return
	}

	evs := s.engine.Events(from)
	if len(evs) > limit {
		evs = evs[:limit]
	}
	out := make([]EventInfo, len(evs))
	for i, ev := range evs {
		out[i] = toEventInfo(ev)
	}
	respondJSON(w, out)
}

func (s *Server) handleGetPending(w http.ResponseWriter, r *http.Request) {
	pending := s.engine.PendingTransfers()
	out := make([]PendingInfo, len(pending))
	for i, p := range pending {
		out[i] = toPendingInfo(p)
	}
	respondJSON(w, out)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]string{"status": "ok"})
}

// handleFaucet funds an account on a devnet chain. Native currency lands
// on the exchange balance; tokens land in the wallet, approved to custody.
func (s *Server) handleFaucet(w http.ResponseWriter, r *http.Request) {
	var req FaucetRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON request", err.Error())
		return
	}
	if !common.IsHexAddress(req.Address) {
		respondError(w, http.StatusBadRequest, "invalid address", req.Address)
		return
	}
	assetID, err := asset.ParseID(req.Asset)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid asset", err.Error())
		return
	}
	amount, err := asset.ParseAmount(req.Amount)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid amount", err.Error())
		return
	}

	to := common.HexToAddress(req.Address)
	if err := s.faucet.Fund(context.WithoutCancel(r.Context()), assetID, to, amount); err != nil {
		s.log.Infow("faucet_failed", "to", to.Hex(), "asset", asset.Label(assetID), "err", err)
		respondError(w, http.StatusBadRequest, "faucet failed", err.Error())
		return
	}
	respondJSON(w, toBalanceInfo(assetID, to, s.engine.BalanceOf(assetID, to)))
}

// ==============================
// Signed Mutation Handlers
// ==============================

// handleSigned accepts a signed request of the given type, authenticates it
// and executes it against the engine as the recovered signer
func (s *Server) handleSigned(want transaction.RequestType) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
		if err != nil {
			respondError(w, http.StatusBadRequest, "failed to read body", err.Error())
			return
		}
		req, err := transaction.Deserialize(body)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid JSON request", err.Error())
			return
		}
		if req.Type != want {
			respondError(w, http.StatusBadRequest, "invalid request type", "expected type="+string(want))
			return
		}

		msg, err := s.verifier.Verify(req)
		switch {
		case errors.Is(err, transaction.ErrBadSignature):
			respondError(w, http.StatusUnauthorized, "bad signature", err.Error())
			return
		case errors.Is(err, transaction.ErrStaleNonce):
			respondError(w, http.StatusConflict, "stale nonce", err.Error())
			return
		case err != nil:
			respondError(w, http.StatusBadRequest, "invalid request", err.Error())
			return
		}

		// outlives the client connection
		ctx := context.WithoutCancel(r.Context())
		ev, err := s.execute(ctx, msg)
		if err != nil {
			s.log.Infow("request_rejected", "type", req.Type, "signer", msg.Signer().Hex(), "err", err)
			respondEngineError(w, err)
			return
		}

		s.log.Infow("request_committed", "type", req.Type, "signer", msg.Signer().Hex(), "seq", ev.Seq)
		respondJSON(w, SubmitResponse{Status: "committed", Event: toEventInfo(ev)})
	}
}

func (s *Server) execute(ctx context.Context, msg crypto.TypedMessage) (events.Event, error) {
	switch m := msg.(type) {
	case *crypto.DepositTokenEIP712:
		return s.engine.DepositToken(ctx, m.Owner, m.Token, m.Amount)
	case *crypto.WithdrawEIP712:
		if asset.IsNative(m.Token) {
			return s.engine.WithdrawNative(ctx, m.Owner, m.Amount)
		}
		return s.engine.WithdrawToken(ctx, m.Owner, m.Token, m.Amount)
	case *crypto.MakeOrderEIP712:
		return s.engine.MakeOrder(ctx, m.Owner, m.TokenGet, m.AmountGet, m.TokenGive, m.AmountGive)
	case *crypto.CancelOrderEIP712:
		return s.engine.CancelOrder(ctx, m.Owner, m.OrderID)
	case *crypto.FillOrderEIP712:
		return s.engine.FillOrder(ctx, m.Owner, m.OrderID)
	}
	return events.Event{}, errors.New("unsupported request")
}

// ==============================
// Helper Functions
// ==============================

// engineStatus maps engine errors to HTTP status codes
func engineStatus(err error) (int, string) {
	switch {
	case errors.Is(err, exchange.ErrInsufficientBalance):
		return http.StatusBadRequest, "insufficient balance"
	case errors.Is(err, exchange.ErrInvalidAsset):
		return http.StatusBadRequest, "invalid asset"
	case errors.Is(err, exchange.ErrOverflow):
		return http.StatusBadRequest, "amount overflow"
	case errors.Is(err, exchange.ErrUnauthorized):
		return http.StatusForbidden, "unauthorized"
	case errors.Is(err, exchange.ErrOrderNotFound):
		return http.StatusNotFound, "order not found"
	case errors.Is(err, exchange.ErrAlreadyFilled):
		return http.StatusConflict, "order already filled"
	case errors.Is(err, exchange.ErrAlreadyCancelled):
		return http.StatusConflict, "order already cancelled"
	case errors.Is(err, exchange.ErrDirectTransfer):
		return http.StatusBadRequest, "direct transfer refused"
	case errors.Is(err, exchange.ErrReentrantCall):
		return http.StatusConflict, "reentrant call"
	case errors.Is(err, exchange.ErrConfigMismatch):
		return http.StatusConflict, "config mismatch"
	case errors.Is(err, exchange.ErrNoPendingTransfer):
		return http.StatusNotFound, "no pending transfer"
	case errors.Is(err, exchange.ErrExternalTransferFailed):
		return http.StatusBadGateway, "external transfer failed"
	case errors.Is(err, exchange.ErrHalted):
		return http.StatusServiceUnavailable, "exchange halted"
	}
	return http.StatusInternalServerError, "internal error"
}

func respondEngineError(w http.ResponseWriter, err error) {
	status, msg := engineStatus(err)
	respondError(w, status, msg, err.Error())
}

func pageParams(r *http.Request) (from uint64, limit int, err error) {
	q := r.URL.Query()
	if v := q.Get("from"); v != "" {
		if from, err = strconv.ParseUint(v, 10, 64); err != nil {
			return 0, 0, err
		}
	}
	limit = defaultLimit
	if v := q.Get("limit"); v != "" {
		if limit, err = strconv.Atoi(v); err != nil {
			return 0, 0, err
		}
		if limit < 1 || limit > maxLimit {
			return 0, 0, errors.New("limit out of range")
		}
	}
	return from, limit, nil
}

func respondJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, error string, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error:   error,
		Message: message,
	})
}
