// Package httpapi serves the relational store over REST.
//
// Reads are open. Writes that touch ledger-facing state (ledger id
// attachment, off-ledger votes) require a single-use token fetched from
// GET /api/token and echoed in the X-Sync-Token header.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/roach88/ballotsync/internal/ballot"
	"github.com/roach88/ballotsync/internal/relational"
)

// TokenHeader carries the single-use write token.
const TokenHeader = "X-Sync-Token"

// Store is what the API needs from the relational store.
type Store interface {
	relational.Client
	UpdateElection(ctx context.Context, e ballot.Election) (ballot.Election, error)
	ListOffchainVotes(ctx context.Context, electionID int64) ([]relational.OffchainVote, error)
}

// Error codes returned in the "error" field of failure bodies.
const (
	CodeNotFound      = "not_found"
	CodeImmutable     = "ledger_id_immutable"
	CodeFrozen        = "frozen"
	CodeDuplicateVote = "duplicate_vote"
	CodeBadToken      = "invalid_token"
	CodeBadRequest    = "bad_request"
	CodeInternal      = "internal"
)

type Handler struct {
	store  Store
	logger *slog.Logger

	mu     sync.Mutex
	tokens map[string]time.Time
	ttl    time.Duration
	now    func() time.Time
}

// Option configures the router.
type Option func(*Handler)

// WithLogger sets the request logger.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Handler) { h.logger = logger }
}

// WithTokenTTL sets how long an unused token stays valid.
func WithTokenTTL(ttl time.Duration) Option {
	return func(h *Handler) { h.ttl = ttl }
}

// WithClock sets the clock used for token expiry.
func WithClock(now func() time.Time) Option {
	return func(h *Handler) { h.now = now }
}

// NewRouter returns the REST API for store.
func NewRouter(store Store, opts ...Option) http.Handler {
	h := &Handler{
		store:  store,
		logger: slog.Default(),
		tokens: make(map[string]time.Time),
		ttl:    5 * time.Minute,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}

	r := chi.NewRouter()
	r.Route("/api", func(api chi.Router) {
		api.Get("/token", h.handleToken)

		api.Get("/elections", h.handleListElections)
		api.Get("/elections/{id}", h.handleGetElection)
		api.Patch("/elections/{id}", h.handlePatchElection)
		api.With(h.requireToken).Put("/elections/{id}/ledger-id", h.handleAttachElection)
		api.Get("/elections/{id}/registrations", h.handleElectionRegistrations)
		api.Get("/elections/{id}/offchain-votes", h.handleListOffchainVotes)
		api.Get("/elections/{id}/offchain-votes/{voter}", h.handleHasOffchainVote)

		api.Get("/candidates", h.handleListCandidates)
		api.Get("/candidates/{id}", h.handleGetCandidate)
		api.With(h.requireToken).Put("/candidates/{id}/ledger-id", h.handleAttachCandidate)

		api.Get("/registrations", h.handleListRegistrations)

		api.With(h.requireToken).Post("/offchain-votes", h.handleRecordOffchainVote)
	})
	return r
}

func (h *Handler) handleToken(w http.ResponseWriter, r *http.Request) {
	token := uuid.NewString()
	h.mu.Lock()
	now := h.now()
	for t, issued := range h.tokens {
		if now.Sub(issued) > h.ttl {
			delete(h.tokens, t)
		}
	}
	h.tokens[token] = now
	h.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"token": token})
}

// requireToken consumes the request's token. A token works once.
func (h *Handler) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimSpace(r.Header.Get(TokenHeader))
		h.mu.Lock()
		issued, ok := h.tokens[token]
		if ok {
			delete(h.tokens, token)
		}
		h.mu.Unlock()
		if !ok || h.now().Sub(issued) > h.ttl {
			writeError(w, http.StatusForbidden, CodeBadToken, "missing, used or expired sync token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) handleListElections(w http.ResponseWriter, r *http.Request) {
	elections, err := h.store.ListElections(r.Context())
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, elections)
}

func (h *Handler) handleGetElection(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	e, err := h.store.GetElection(r.Context(), id)
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

type electionPatch struct {
	Name              *string    `json:"name"`
	Position          *string    `json:"position"`
	StartsAt          *time.Time `json:"starts_at"`
	EndsAt            *time.Time `json:"ends_at"`
	EligibleFaculties []string   `json:"eligible_faculties"`
	Status            *string    `json:"status"`
}

func (h *Handler) handlePatchElection(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var patch electionPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeError(w, http.StatusBadRequest, CodeBadRequest, "invalid json body")
		return
	}

	e, err := h.store.GetElection(r.Context(), id)
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	if patch.Name != nil {
		e.Name = *patch.Name
	}
	if patch.Position != nil {
		e.Position = *patch.Position
	}
	if patch.StartsAt != nil {
		e.StartsAt = *patch.StartsAt
	}
	if patch.EndsAt != nil {
		e.EndsAt = *patch.EndsAt
	}
	if patch.EligibleFaculties != nil {
		e.EligibleFaculties = patch.EligibleFaculties
	}
	if patch.Status != nil {
		e.Status = ballot.ElectionStatus(*patch.Status)
		if !ballot.ValidElectionStatuses[e.Status] {
			writeError(w, http.StatusBadRequest, CodeBadRequest, "invalid status "+*patch.Status)
			return
		}
	}

	updated, err := h.store.UpdateElection(r.Context(), e)
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

type ledgerIDBody struct {
	LedgerID *uint64 `json:"ledger_id"`
}

func decodeLedgerID(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	var body ledgerIDBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.LedgerID == nil {
		writeError(w, http.StatusBadRequest, CodeBadRequest, "body must be {\"ledger_id\": <uint>}")
		return 0, false
	}
	return *body.LedgerID, true
}

func (h *Handler) handleAttachElection(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	ledgerID, ok := decodeLedgerID(w, r)
	if !ok {
		return
	}
	if err := h.store.AttachElectionLedgerID(r.Context(), id, ledgerID); err != nil {
		h.writeStoreError(w, err)
		return
	}
	h.logger.Info("election ledger id attached", "election_id", id, "ledger_id", ledgerID)
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "ledger_id": ledgerID})
}

func (h *Handler) handleAttachCandidate(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	ledgerID, ok := decodeLedgerID(w, r)
	if !ok {
		return
	}
	if err := h.store.AttachCandidateLedgerID(r.Context(), id, ledgerID); err != nil {
		h.writeStoreError(w, err)
		return
	}
	h.logger.Info("candidate ledger id attached", "candidate_id", id, "ledger_id", ledgerID)
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "ledger_id": ledgerID})
}

func (h *Handler) handleElectionRegistrations(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	regs, err := h.store.ListRegistrationsByElection(r.Context(), id)
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, regs)
}

func (h *Handler) handleListCandidates(w http.ResponseWriter, r *http.Request) {
	candidates, err := h.store.ListCandidates(r.Context())
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, candidates)
}

func (h *Handler) handleGetCandidate(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	c, err := h.store.GetCandidate(r.Context(), id)
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (h *Handler) handleListRegistrations(w http.ResponseWriter, r *http.Request) {
	regs, err := h.store.ListRegistrations(r.Context())
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, regs)
}

func (h *Handler) handleListOffchainVotes(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	votes, err := h.store.ListOffchainVotes(r.Context(), id)
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, votes)
}

func (h *Handler) handleHasOffchainVote(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	// chi matches on RawPath when present, so the param may still be escaped
	voter, err := url.PathUnescape(chi.URLParam(r, "voter"))
	if err != nil {
		writeError(w, http.StatusBadRequest, CodeBadRequest, "invalid voter")
		return
	}
	recorded, err := h.store.HasOffchainVote(r.Context(), id, voter)
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"recorded": recorded})
}

func (h *Handler) handleRecordOffchainVote(w http.ResponseWriter, r *http.Request) {
	var v relational.OffchainVote
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		writeError(w, http.StatusBadRequest, CodeBadRequest, "invalid json body")
		return
	}
	if v.ElectionID == 0 || v.CandidateID == 0 || strings.TrimSpace(v.Voter) == "" {
		writeError(w, http.StatusBadRequest, CodeBadRequest, "election_id, candidate_id and voter are required")
		return
	}
	if err := h.store.RecordOffchainVote(r.Context(), v); err != nil {
		h.writeStoreError(w, err)
		return
	}
	h.logger.Warn("offchain vote recorded", "election_id", v.ElectionID, "voter", v.Voter, "reason", v.Reason)
	writeJSON(w, http.StatusCreated, map[string]any{"recorded": true})
}

func (h *Handler) writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, relational.ErrNotFound):
		writeError(w, http.StatusNotFound, CodeNotFound, err.Error())
	case errors.Is(err, relational.ErrLedgerIDImmutable):
		writeError(w, http.StatusConflict, CodeImmutable, err.Error())
	case errors.Is(err, relational.ErrFrozen):
		writeError(w, http.StatusConflict, CodeFrozen, err.Error())
	case errors.Is(err, relational.ErrDuplicateVote):
		writeError(w, http.StatusConflict, CodeDuplicateVote, err.Error())
	default:
		h.logger.Error("relational store failure", "error", err)
		writeError(w, http.StatusInternalServerError, CodeInternal, "internal error")
	}
}

func pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, CodeBadRequest, "invalid "+name)
		return 0, false
	}
	return id, true
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{"error": code, "message": message})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
