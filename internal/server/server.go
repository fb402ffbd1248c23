// Package server exposes the arcade's HTTP API: ledger queries, the test
// faucet and the paid game routes.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	x402 "github.com/becomeliminal/x402-arcade"
	"github.com/becomeliminal/x402-arcade/eip3009"
	"github.com/becomeliminal/x402-arcade/evm"
	"github.com/becomeliminal/x402-arcade/internal/config"
	"github.com/becomeliminal/x402-arcade/ledger"
	"github.com/becomeliminal/x402-arcade/settlement"
	"github.com/becomeliminal/x402-arcade/usdc"
)

const (
	defaultEventLimit = 100
	maxEventLimit     = 1000
)

// Options wires a Server.
type Options struct {
	Config  *config.Config
	Engine  *settlement.Engine
	Gate    *x402.Gate
	Network evm.Network
	// Facilitator is probed by /health when set.
	Facilitator *evm.FacilitatorClient
	Gatherer    prometheus.Gatherer
	Logger      zerolog.Logger
}

// Server serves the HTTP API.
type Server struct {
	cfg         *config.Config
	engine      *settlement.Engine
	gate        *x402.Gate
	network     evm.Network
	facilitator *evm.FacilitatorClient
	gatherer    prometheus.Gatherer
	log         zerolog.Logger

	router http.Handler
}

// New builds the router.
func New(opts Options) (*Server, error) {
	if opts.Config == nil || opts.Engine == nil || opts.Gate == nil {
		return nil, errors.New("server: config, engine and gate are required")
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}

	s := &Server{
		cfg:         opts.Config,
		engine:      opts.Engine,
		gate:        opts.Gate,
		network:     opts.Network,
		facilitator: opts.Facilitator,
		gatherer:    opts.Gatherer,
		log:         opts.Logger,
	}

	router, err := s.buildRouter()
	if err != nil {
		return nil, err
	}
	s.router = router
	return s, nil
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() (http.Handler, error) {
	games := runtime.NewServeMux(x402.WithPaymentMetadata())
	if err := s.gate.HandlePath(games, http.MethodPost, "/v1/games/{game}/play", s.play); err != nil {
		return nil, fmt.Errorf("register game route: %w", err)
	}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.Get("/health", s.health)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	r.Route("/v1", func(api chi.Router) {
		api.Get("/token", s.token)
		api.Get("/games", s.listGames)
		api.Get("/balances/{address}", s.balance)
		api.Get("/nonces/{address}/{nonce}", s.nonce)
		api.Get("/events", s.events)
		api.Post("/faucet", s.faucet)
		api.Handle("/games/*", games)
	})

	return r, nil
}

// EndpointPricing prices one play of every configured game.
func EndpointPricing(cfg *config.Config, network evm.Network) map[string]x402.PricingRule {
	pricing := make(map[string]x402.PricingRule, len(cfg.Games))
	for _, g := range cfg.Games {
		pricing[GamePath(g.Name)] = x402.PricingRule{
			Amount:         g.Price,
			Description:    g.Description,
			MimeType:       "application/json",
			AcceptedTokens: []x402.TokenRequirement{network.TokenRequirement(cfg.Treasury)},
		}
	}
	return pricing
}

// GamePath is the paid route for one play of game.
func GamePath(game string) string {
	return "/v1/games/" + game + "/play"
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	resp := struct {
		Status      string      `json:"status"`
		Ledger      string      `json:"ledger"`
		Facilitator *evm.Health `json:"facilitator,omitempty"`
	}{Status: "ok", Ledger: "ok"}

	status := http.StatusOK
	if _, err := s.engine.BalanceOf(r.Context(), s.cfg.Treasury); err != nil {
		s.log.Error().Err(err).Msg("ledger health check failed")
		resp.Status, resp.Ledger = "unavailable", err.Error()
		status = http.StatusServiceUnavailable
	}
	if s.facilitator != nil {
		h := s.facilitator.Health(r.Context())
		resp.Facilitator = &h
		if !h.Healthy && status == http.StatusOK {
			resp.Status = "degraded"
		}
	}
	s.writeJSON(w, status, resp)
}

func (s *Server) token(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, struct {
		settlement.Token
		Network string `json:"network"`
		CAIP2   string `json:"caip2"`
	}{s.engine.Token(), s.network.Name, s.network.CAIP2})
}

func (s *Server) listGames(w http.ResponseWriter, r *http.Request) {
	type game struct {
		config.Game
		Path string `json:"path"`
	}
	out := make([]game, 0, len(s.cfg.Games))
	for _, g := range s.cfg.Games {
		out = append(out, game{g, GamePath(g.Name)})
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) balance(w http.ResponseWriter, r *http.Request) {
	addr := chi.URLParam(r, "address")
	bal, err := s.engine.BalanceOf(r.Context(), addr)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{
		"address":   eip3009.NormalizeAddress(addr),
		"balance":   bal.Dec(),
		"formatted": usdc.Format(bal),
	})
}

func (s *Server) nonce(w http.ResponseWriter, r *http.Request) {
	addr, nonce := chi.URLParam(r, "address"), chi.URLParam(r, "nonce")
	used, err := s.engine.IsNonceUsed(r.Context(), addr, nonce)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"address": eip3009.NormalizeAddress(addr),
		"nonce":   strings.ToLower(nonce),
		"used":    used,
	})
}

func (s *Server) events(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := ledger.EventFilter{
		Address: q.Get("address"),
		Kind:    ledger.EventKind(q.Get("kind")),
		Limit:   defaultEventLimit,
	}
	if filter.Address != "" {
		if err := eip3009.ValidateAddress("address", filter.Address); err != nil {
			s.writeError(w, err)
			return
		}
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		if limit > maxEventLimit {
			limit = maxEventLimit
		}
		filter.Limit = limit
	}

	events, err := s.engine.Events(r.Context(), filter)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if events == nil {
		events = []ledger.Event{}
	}
	s.writeJSON(w, http.StatusOK, events)
}

func (s *Server) faucet(w http.ResponseWriter, r *http.Request) {
	if !s.cfg.Faucet.Enabled {
		http.NotFound(w, r)
		return
	}

	var req struct {
		Address string `json:"address"`
		Amount  string `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}

	limit, err := usdc.ParseAmount(s.cfg.Faucet.Amount)
	if err != nil {
		s.writeError(w, err)
		return
	}
	amount := limit
	if req.Amount != "" {
		if amount, err = usdc.ParseAmount(req.Amount); err != nil {
			s.writeError(w, err)
			return
		}
		if amount.Gt(limit) {
			http.Error(w, fmt.Sprintf("faucet dispenses at most %s", s.cfg.Faucet.Amount), http.StatusBadRequest)
			return
		}
	}

	bal, err := s.engine.Mint(r.Context(), req.Address, amount)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{
		"address":   eip3009.NormalizeAddress(req.Address),
		"minted":    amount.Dec(),
		"balance":   bal.Dec(),
		"formatted": usdc.Format(bal),
	})
}

// play runs after the gate settled the payment for one round of a game.
func (s *Server) play(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
	game, ok := s.cfg.Game(pathParams["game"])
	if !ok {
		http.NotFound(w, r)
		return
	}

	payment, err := x402.RequirePayment(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}

	session := uuid.NewString()
	s.log.Info().
		Str("game", game.Name).
		Str("session", session).
		Str("payer", payment.PayerAddress).
		Str("tx", payment.TransactionHash).
		Msg("game session started")

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"session":         session,
		"game":            game.Name,
		"payer":           payment.PayerAddress,
		"amount":          payment.Amount,
		"transactionHash": payment.TransactionHash,
		"startedAt":       time.Now().UTC(),
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn().Err(err).Msg("write response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := x402.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		s.log.Error().Err(err).Msg("request failed")
	}
	s.writeJSON(w, status, map[string]string{
		"error": err.Error(),
		"code":  x402.ErrorCode(err),
	})
}
