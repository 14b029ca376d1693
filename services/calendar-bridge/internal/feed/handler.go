package feed

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/drmauij/viali/services/calendar-bridge/internal/storage"
)

type Handler struct {
	repo   *storage.Repository
	logger *slog.Logger
	now    func() time.Time
}

func NewHandler(repo *storage.Repository, logger *slog.Logger) *Handler {
	return &Handler{repo: repo, logger: logger, now: time.Now}
}

// ServeFeed handles GET /api/v1/feed/{providerID}.ics?token=...
func (h *Handler) ServeFeed(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	name := strings.TrimPrefix(r.URL.Path, "/api/v1/feed/")
	providerID := strings.TrimSuffix(name, ".ics")
	if providerID == "" || providerID == name {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	token := strings.TrimSpace(r.URL.Query().Get("token"))
	if token == "" {
		http.Error(w, "token required", http.StatusUnauthorized)
		return
	}

	ctx := r.Context()
	tokens, err := h.repo.ActiveFeedTokens(ctx, providerID)
	if err != nil {
		h.logger.Error("feed token lookup failed", "err", err, "provider_id", providerID)
		http.Error(w, "feed temporarily unavailable", http.StatusServiceUnavailable)
		return
	}

	var hospitalID string
	for _, t := range tokens {
		if bcrypt.CompareHashAndPassword(t.TokenHash, []byte(token)) == nil {
			hospitalID = t.HospitalID
			break
		}
	}
	if hospitalID == "" {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	now := h.now().UTC()
	commitments, err := h.repo.ListFeedCommitments(ctx, hospitalID, providerID, now.AddDate(0, 0, -30), now.AddDate(0, 0, 90))
	if err != nil {
		h.logger.Error("feed generation failed", "err", err, "provider_id", providerID)
		http.Error(w, "feed temporarily unavailable", http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	_, _ = w.Write(Build(providerID, commitments, now))
}

type issueTokenRequest struct {
	HospitalID string `json:"hospital_id"`
	ProviderID string `json:"provider_id"`
}

// IssueToken mints a feed credential. The plaintext token is returned once
// and only its bcrypt hash is stored.
func (h *Handler) IssueToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req issueTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	req.HospitalID = strings.TrimSpace(req.HospitalID)
	req.ProviderID = strings.TrimSpace(req.ProviderID)
	if req.HospitalID == "" || req.ProviderID == "" {
		http.Error(w, "hospital_id and provider_id required", http.StatusBadRequest)
		return
	}

	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		http.Error(w, "failed to generate token", http.StatusInternalServerError)
		return
	}
	token := hex.EncodeToString(raw)

	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		http.Error(w, "failed to hash token", http.StatusInternalServerError)
		return
	}

	id, err := h.repo.InsertFeedToken(r.Context(), req.HospitalID, req.ProviderID, hash)
	if err != nil {
		http.Error(w, "failed to store token", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"token_id": id,
		"token":    token,
		"feed_url": "/api/v1/feed/" + req.ProviderID + ".ics?token=" + token,
	})
}

func (h *Handler) RevokeToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	hospitalID := strings.TrimSpace(r.URL.Query().Get("hospital_id"))
	providerID := strings.TrimSpace(r.URL.Query().Get("provider_id"))
	tokenID := strings.TrimSpace(r.URL.Query().Get("token_id"))
	if hospitalID == "" || providerID == "" || tokenID == "" {
		http.Error(w, "hospital_id, provider_id and token_id required", http.StatusBadRequest)
		return
	}

	if err := h.repo.RevokeFeedToken(r.Context(), hospitalID, providerID, tokenID); err != nil {
		if storage.IsNotFound(err) {
			http.Error(w, "token not found", http.StatusNotFound)
			return
		}
		http.Error(w, "failed to revoke token", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
