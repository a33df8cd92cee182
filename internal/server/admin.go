package server

import (
	"errors"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/upon-ly/qr-claimd/internal/domain/model"
	"github.com/upon-ly/qr-claimd/internal/store"
)

func (s *Server) handleListFailures(w http.ResponseWriter, r *http.Request) {
	limit, offset := parsePagination(r)
	rows, err := s.failures.List(r.Context(), limit, offset)
	if err != nil {
		s.logger.Error("list failures failed", "error", err)
		http.Error(w, `{"error":"could not list failures"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"failures": rows,
		"limit":    limit,
		"offset":   offset,
	})
}

// handleAbandonFailure deletes a pending failure record. The next queue
// callback for it becomes a no-op, which is how an operator cancels a
// retry chain.
func (s *Server) handleAbandonFailure(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, `{"error":"invalid failure id"}`, http.StatusBadRequest)
		return
	}
	if err := s.failures.Delete(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, `{"error":"failure not found"}`, http.StatusNotFound)
			return
		}
		s.logger.Error("abandon failure failed", "failure_id", id, "error", err)
		http.Error(w, `{"error":"could not abandon failure"}`, http.StatusInternalServerError)
		return
	}
	s.logger.Info("failure abandoned", "failure_id", id)
	writeJSON(w, http.StatusOK, map[string]string{"status": "abandoned"})
}

func (s *Server) handleListBans(w http.ResponseWriter, r *http.Request) {
	limit, offset := parsePagination(r)
	rows, err := s.bans.List(r.Context(), limit, offset)
	if err != nil {
		s.logger.Error("list bans failed", "error", err)
		http.Error(w, `{"error":"could not list bans"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"bans":   rows,
		"limit":  limit,
		"offset": offset,
	})
}

type addBanRequest struct {
	FID      *int64  `json:"fid,omitempty"`
	Address  *string `json:"address,omitempty"`
	Username *string `json:"username,omitempty"`
	Reason   string  `json:"reason"`
}

func (s *Server) handleAddBan(w http.ResponseWriter, r *http.Request) {
	var req addBanRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	if req.Reason == "" {
		http.Error(w, `{"error":"reason required"}`, http.StatusBadRequest)
		return
	}
	if req.FID == nil && req.Address == nil && req.Username == nil {
		http.Error(w, `{"error":"at least one of fid, address, username required"}`, http.StatusBadRequest)
		return
	}
	if req.Address != nil {
		if !common.IsHexAddress(*req.Address) {
			http.Error(w, `{"error":"invalid address"}`, http.StatusBadRequest)
			return
		}
		normalized := model.NormalizeAddress(*req.Address)
		req.Address = &normalized
	}

	ban := &model.Ban{
		ID:       uuid.New(),
		FID:      req.FID,
		Address:  req.Address,
		Username: req.Username,
		Reason:   req.Reason,
		BannedBy: "admin:api",
		IsActive: true,
	}
	if err := s.bans.Insert(r.Context(), ban); err != nil {
		s.logger.Error("insert ban failed", "error", err)
		http.Error(w, `{"error":"could not insert ban"}`, http.StatusInternalServerError)
		return
	}
	s.logger.Info("ban added", "ban_id", ban.ID, "reason", ban.Reason)
	writeJSON(w, http.StatusCreated, ban)
}

func (s *Server) handleDeactivateBan(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, `{"error":"invalid ban id"}`, http.StatusBadRequest)
		return
	}
	if err := s.bans.Deactivate(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, `{"error":"ban not found"}`, http.StatusNotFound)
			return
		}
		s.logger.Error("deactivate ban failed", "ban_id", id, "error", err)
		http.Error(w, `{"error":"could not deactivate ban"}`, http.StatusInternalServerError)
		return
	}
	s.logger.Info("ban deactivated", "ban_id", id)
	writeJSON(w, http.StatusOK, map[string]string{"status": "deactivated"})
}

func (s *Server) handleListTiers(w http.ResponseWriter, r *http.Request) {
	rows, err := s.tiers.List(r.Context())
	if err != nil {
		s.logger.Error("list tiers failed", "error", err)
		http.Error(w, `{"error":"could not list tiers"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tiers": rows})
}

type upsertTierRequest struct {
	Source string `json:"source"`
	Tier   string `json:"tier"`
	Amount int64  `json:"amount"`
}

func (s *Server) handleUpsertTier(w http.ResponseWriter, r *http.Request) {
	var req upsertTierRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	source := model.ClaimSource(req.Source)
	if !source.Valid() {
		http.Error(w, `{"error":"invalid source"}`, http.StatusBadRequest)
		return
	}
	if req.Tier == "" {
		http.Error(w, `{"error":"tier required"}`, http.StatusBadRequest)
		return
	}
	if req.Amount <= 0 {
		http.Error(w, `{"error":"amount must be positive"}`, http.StatusBadRequest)
		return
	}
	if err := s.tiers.Upsert(r.Context(), &model.RewardTier{
		Source: source,
		Tier:   req.Tier,
		Amount: req.Amount,
	}); err != nil {
		s.logger.Error("upsert tier failed", "error", err)
		http.Error(w, `{"error":"could not upsert tier"}`, http.StatusInternalServerError)
		return
	}
	s.logger.Info("reward tier updated", "source", source, "tier", req.Tier, "amount", req.Amount)
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func (s *Server) handleListWallets(w http.ResponseWriter, r *http.Request) {
	slots, err := s.wallets.Status(r.Context())
	if err != nil {
		s.logger.Error("wallet status failed", "error", err)
		http.Error(w, `{"error":"could not read wallet status"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"wallets": slots})
}

type releaseWalletRequest struct {
	Purpose string `json:"purpose"`
	Address string `json:"address"`
}

func (s *Server) handleReleaseWallet(w http.ResponseWriter, r *http.Request) {
	var req releaseWalletRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	if !common.IsHexAddress(req.Address) {
		http.Error(w, `{"error":"invalid address"}`, http.StatusBadRequest)
		return
	}
	purpose := model.WalletPurpose(req.Purpose)
	if err := s.wallets.ForceRelease(r.Context(), purpose, common.HexToAddress(req.Address)); err != nil {
		s.logger.Error("force release failed", "purpose", purpose, "address", req.Address, "error", err)
		http.Error(w, `{"error":"could not release wallet"}`, http.StatusBadRequest)
		return
	}
	s.logger.Warn("wallet lock force-released", "purpose", purpose, "address", req.Address)
	writeJSON(w, http.StatusOK, map[string]string{"status": "released"})
}
