package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/upon-ly/qr-claimd/internal/claims"
	"github.com/upon-ly/qr-claimd/internal/domain/model"
	"github.com/upon-ly/qr-claimd/internal/metrics"
	"github.com/upon-ly/qr-claimd/internal/queue"
	"github.com/upon-ly/qr-claimd/internal/store"
	redisstore "github.com/upon-ly/qr-claimd/internal/store/redis"
	"github.com/upon-ly/qr-claimd/internal/wallet"
)

const maxRequestBodyBytes = 1 << 20 // 1 MB

// ClaimProcessor runs one processing attempt. Satisfied by *claims.Processor.
type ClaimProcessor interface {
	Process(ctx context.Context, failureID uuid.UUID, attempt int) claims.Result
}

// StatusReader serves the externally visible retry status of a failure.
type StatusReader interface {
	Get(ctx context.Context, failureID uuid.UUID) (*model.RetryStatus, error)
	Set(ctx context.Context, st *model.RetryStatus) error
}

// WalletAdmin is the pool surface exposed on the admin API.
type WalletAdmin interface {
	Status(ctx context.Context) ([]wallet.SlotStatus, error)
	ForceRelease(ctx context.Context, purpose model.WalletPurpose, address common.Address) error
}

// HealthProvider serves the processor health snapshot on /healthz.
type HealthProvider interface {
	Snapshot() claims.HealthSnapshot
}

// Config carries the HTTP surface tunables.
type Config struct {
	AdminToken      string
	CallbackURL     string
	InitialDelaySec int
}

// Server is the claim service's HTTP surface: the queue callback endpoint,
// claim intake, status polling, and the operator admin API.
type Server struct {
	cfg       Config
	processor ClaimProcessor
	verifier  *queue.Verifier
	publisher queue.Publisher
	failures  store.FailureRepository
	bans      store.BanRepository
	tiers     store.TierRepository
	statuses  StatusReader
	wallets   WalletAdmin
	health    HealthProvider
	logger    *slog.Logger
}

func New(
	cfg Config,
	processor ClaimProcessor,
	verifier *queue.Verifier,
	publisher queue.Publisher,
	failures store.FailureRepository,
	bans store.BanRepository,
	tiers store.TierRepository,
	statuses StatusReader,
	wallets WalletAdmin,
	health HealthProvider,
	logger *slog.Logger,
) *Server {
	return &Server{
		cfg:       cfg,
		processor: processor,
		verifier:  verifier,
		publisher: publisher,
		failures:  failures,
		bans:      bans,
		tiers:     tiers,
		statuses:  statuses,
		wallets:   wallets,
		health:    health,
		logger:    logger.With("component", "server"),
	}
}

// Handler returns the full route table. Admin routes sit behind bearer-token
// auth, per-IP rate limiting and an audit log of every mutating request.
func (s *Server) Handler(rl *RateLimitMiddleware) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /internal/claims/process", s.handleProcessCallback)
	mux.HandleFunc("POST /claims", s.handleIntake)
	mux.HandleFunc("GET /claims/status", s.handleClaimStatus)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.Handle("GET /metrics", promhttp.Handler())

	admin := http.NewServeMux()
	admin.HandleFunc("GET /admin/v1/failures", s.handleListFailures)
	admin.HandleFunc("DELETE /admin/v1/failures/{id}", s.handleAbandonFailure)
	admin.HandleFunc("GET /admin/v1/bans", s.handleListBans)
	admin.HandleFunc("POST /admin/v1/bans", s.handleAddBan)
	admin.HandleFunc("DELETE /admin/v1/bans/{id}", s.handleDeactivateBan)
	admin.HandleFunc("GET /admin/v1/tiers", s.handleListTiers)
	admin.HandleFunc("POST /admin/v1/tiers", s.handleUpsertTier)
	admin.HandleFunc("GET /admin/v1/wallets", s.handleListWallets)
	admin.HandleFunc("POST /admin/v1/wallets/release", s.handleReleaseWallet)

	var adminHandler http.Handler = s.adminAuth(admin)
	adminHandler = AuditMiddleware(s.logger, adminHandler)
	if rl != nil {
		adminHandler = rl.Wrap(adminHandler)
	}
	mux.Handle("/admin/v1/", adminHandler)

	return mux
}

// adminAuth requires the configured bearer token on every admin route. An
// empty configured token disables the admin API entirely rather than
// leaving it open.
func (s *Server) adminAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.AdminToken == "" {
			http.Error(w, `{"error":"admin API disabled"}`, http.StatusForbidden)
			return
		}
		auth := r.Header.Get("Authorization")
		const prefix = "Bearer "
		if len(auth) <= len(prefix) ||
			subtle.ConstantTimeCompare([]byte(auth[:len(prefix)]), []byte(prefix)) != 1 ||
			subtle.ConstantTimeCompare([]byte(auth[len(prefix):]), []byte(s.cfg.AdminToken)) != 1 {
			http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// handleProcessCallback is the delayed-queue delivery endpoint. The raw body
// is read first: the signature covers the exact bytes on the wire, and no
// side effect may happen before verification.
func (s *Server) handleProcessCallback(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBodyBytes))
	if err != nil {
		http.Error(w, `{"error":"unreadable body"}`, http.StatusBadRequest)
		return
	}

	if err := s.verifier.Verify(body, r.Header.Get(queue.SignatureHeader)); err != nil {
		metrics.QueueSignatureFailures.WithLabelValues().Inc()
		s.logger.Warn("callback signature rejected", "remote_addr", r.RemoteAddr)
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}

	var payload claims.CallbackPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		http.Error(w, `{"error":"invalid JSON body"}`, http.StatusBadRequest)
		return
	}
	if payload.FailureID == uuid.Nil {
		http.Error(w, `{"error":"failure_id required"}`, http.StatusBadRequest)
		return
	}
	if payload.Attempt < 0 {
		http.Error(w, `{"error":"attempt must be non-negative"}`, http.StatusBadRequest)
		return
	}

	res := s.processor.Process(r.Context(), payload.FailureID, payload.Attempt)
	if res.Status == claims.StatusInProgress {
		writeJSON(w, http.StatusTooManyRequests, res)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type intakeRequest struct {
	AuctionID  int64   `json:"auction_id"`
	Address    string  `json:"address"`
	FID        int64   `json:"fid"`
	Username   *string `json:"username,omitempty"`
	UserID     *string `json:"user_id,omitempty"`
	Source     string  `json:"source"`
	WinningURL *string `json:"winning_url,omitempty"`
}

type intakeResponse struct {
	FailureID uuid.UUID `json:"failure_id"`
}

// handleIntake records a failed initial claim and schedules its first
// processing callback.
func (s *Server) handleIntake(w http.ResponseWriter, r *http.Request) {
	var req intakeRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	if req.AuctionID <= 0 {
		http.Error(w, `{"error":"auction_id must be positive"}`, http.StatusBadRequest)
		return
	}
	if !common.IsHexAddress(req.Address) {
		http.Error(w, `{"error":"invalid address"}`, http.StatusBadRequest)
		return
	}
	source := model.ClaimSource(req.Source)
	if !source.Valid() {
		http.Error(w, `{"error":"invalid source"}`, http.StatusBadRequest)
		return
	}
	if source == model.SourceMiniApp && req.FID <= 0 {
		http.Error(w, `{"error":"mini_app claims require a positive fid"}`, http.StatusBadRequest)
		return
	}

	// Forensics: the claim's origin IP and winning URL are frozen at intake
	// and carried through to the final claim row for abuse review.
	clientIP := extractClientIP(r)
	rec := &model.ClaimFailure{
		ID:         uuid.New(),
		AuctionID:  req.AuctionID,
		Address:    model.NormalizeAddress(req.Address),
		FID:        req.FID,
		Username:   req.Username,
		UserID:     req.UserID,
		Source:     source,
		ClientIP:   &clientIP,
		WinningURL: req.WinningURL,
		FailedStep: "intake",
	}
	if err := s.failures.Insert(r.Context(), rec); err != nil {
		s.logger.Error("intake insert failed", "error", err)
		http.Error(w, `{"error":"could not record claim"}`, http.StatusInternalServerError)
		return
	}

	body, _ := json.Marshal(claims.CallbackPayload{FailureID: rec.ID, Attempt: 0})
	if _, err := s.publisher.Publish(r.Context(), queue.Message{
		URL:   s.cfg.CallbackURL,
		Body:  body,
		Delay: time.Duration(s.cfg.InitialDelaySec) * time.Second,
	}); err != nil {
		s.logger.Error("intake publish failed", "failure_id", rec.ID, "error", err)
		http.Error(w, `{"error":"could not schedule processing"}`, http.StatusInternalServerError)
		return
	}

	if err := s.statuses.Set(r.Context(), &model.RetryStatus{
		FailureID: rec.ID, Status: model.StatusQueued,
	}); err != nil {
		s.logger.Warn("intake status write failed", "failure_id", rec.ID, "error", err)
	}

	s.logger.Info("claim intake accepted",
		"failure_id", rec.ID, "auction_id", rec.AuctionID, "address", rec.Address, "source", rec.Source)
	writeJSON(w, http.StatusAccepted, intakeResponse{FailureID: rec.ID})
}

func (s *Server) handleClaimStatus(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.URL.Query().Get("failure_id"))
	if err != nil {
		http.Error(w, `{"error":"valid failure_id query param required"}`, http.StatusBadRequest)
		return
	}

	st, err := s.statuses.Get(r.Context(), id)
	if errors.Is(err, redisstore.ErrStatusNotFound) {
		http.Error(w, `{"error":"no status for failure_id"}`, http.StatusNotFound)
		return
	}
	if err != nil {
		s.logger.Error("status read failed", "failure_id", id, "error", err)
		http.Error(w, `{"error":"status unavailable"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	snap := s.health.Snapshot()
	status := http.StatusOK
	if snap.Status == string(claims.HealthStatusUnhealthy) {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, snap)
}

// writeJSON writes v as JSON with the given HTTP status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// decodeJSONBody reads and decodes a JSON request body into v.
// Returns false (and writes an error response) if decoding fails.
func decodeJSONBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, `{"error":"invalid JSON body"}`, http.StatusBadRequest)
		return false
	}
	return true
}

// parsePagination extracts limit/offset query params with sane bounds.
func parsePagination(r *http.Request) (limit, offset int) {
	limit = 50
	offset = 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}
	return limit, offset
}
