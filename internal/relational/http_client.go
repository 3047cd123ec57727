package relational

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/roach88/ballotsync/internal/ballot"
)

// syncTokenHeader must match the server's token header.
const syncTokenHeader = "X-Sync-Token"

// ErrTokenRejected is returned when the server refuses a sync token.
var ErrTokenRejected = errors.New("relational: sync token rejected")

// HTTPClient talks to the relational REST API.
//
// Writes use fetch-token-then-submit: a fresh single-use token is requested
// for every write and sent in the X-Sync-Token header.
type HTTPClient struct {
	baseURL string
	http    *http.Client
}

// NewHTTPClient returns a client for the API rooted at baseURL.
func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

type apiError struct {
	Code    string `json:"error"`
	Message string `json:"message"`
}

func (c *HTTPClient) do(ctx context.Context, method, path, token string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set(syncTokenHeader, token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var apiErr apiError
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		return statusError(resp.StatusCode, apiErr)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

func statusError(status int, apiErr apiError) error {
	switch {
	case status == http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, apiErr.Message)
	case status == http.StatusForbidden:
		return fmt.Errorf("%w: %s", ErrTokenRejected, apiErr.Message)
	case status == http.StatusConflict && apiErr.Code == "ledger_id_immutable":
		return fmt.Errorf("%w: %s", ErrLedgerIDImmutable, apiErr.Message)
	case status == http.StatusConflict && apiErr.Code == "frozen":
		return fmt.Errorf("%w: %s", ErrFrozen, apiErr.Message)
	case status == http.StatusConflict && apiErr.Code == "duplicate_vote":
		return fmt.Errorf("%w: %s", ErrDuplicateVote, apiErr.Message)
	default:
		return fmt.Errorf("relational api: status %d: %s %s", status, apiErr.Code, apiErr.Message)
	}
}

func (c *HTTPClient) token(ctx context.Context) (string, error) {
	var out struct {
		Token string `json:"token"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/token", "", nil, &out); err != nil {
		return "", fmt.Errorf("fetch sync token: %w", err)
	}
	if out.Token == "" {
		return "", fmt.Errorf("fetch sync token: empty token")
	}
	return out.Token, nil
}

// write fetches a token and submits one guarded request with it.
func (c *HTTPClient) write(ctx context.Context, method, path string, body any) error {
	token, err := c.token(ctx)
	if err != nil {
		return err
	}
	return c.do(ctx, method, path, token, body, nil)
}

// ListElections implements Client.
func (c *HTTPClient) ListElections(ctx context.Context) ([]ballot.Election, error) {
	var out []ballot.Election
	if err := c.do(ctx, http.MethodGet, "/api/elections", "", nil, &out); err != nil {
		return nil, fmt.Errorf("list elections: %w", err)
	}
	return out, nil
}

// GetElection implements Client.
func (c *HTTPClient) GetElection(ctx context.Context, id int64) (ballot.Election, error) {
	var out ballot.Election
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/api/elections/%d", id), "", nil, &out); err != nil {
		return ballot.Election{}, fmt.Errorf("get election %d: %w", id, err)
	}
	return out, nil
}

// ListCandidates implements Client.
func (c *HTTPClient) ListCandidates(ctx context.Context) ([]ballot.Candidate, error) {
	var out []ballot.Candidate
	if err := c.do(ctx, http.MethodGet, "/api/candidates", "", nil, &out); err != nil {
		return nil, fmt.Errorf("list candidates: %w", err)
	}
	return out, nil
}

// GetCandidate implements Client.
func (c *HTTPClient) GetCandidate(ctx context.Context, id int64) (ballot.Candidate, error) {
	var out ballot.Candidate
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/api/candidates/%d", id), "", nil, &out); err != nil {
		return ballot.Candidate{}, fmt.Errorf("get candidate %d: %w", id, err)
	}
	return out, nil
}

// ListRegistrations implements Client.
func (c *HTTPClient) ListRegistrations(ctx context.Context) ([]ballot.Registration, error) {
	var out []ballot.Registration
	if err := c.do(ctx, http.MethodGet, "/api/registrations", "", nil, &out); err != nil {
		return nil, fmt.Errorf("list registrations: %w", err)
	}
	return out, nil
}

// ListRegistrationsByElection implements Client.
func (c *HTTPClient) ListRegistrationsByElection(ctx context.Context, electionID int64) ([]ballot.Registration, error) {
	var out []ballot.Registration
	path := fmt.Sprintf("/api/elections/%d/registrations", electionID)
	if err := c.do(ctx, http.MethodGet, path, "", nil, &out); err != nil {
		return nil, fmt.Errorf("list registrations for election %d: %w", electionID, err)
	}
	return out, nil
}

// AttachElectionLedgerID implements Client.
func (c *HTTPClient) AttachElectionLedgerID(ctx context.Context, id int64, ledgerID uint64) error {
	path := fmt.Sprintf("/api/elections/%d/ledger-id", id)
	if err := c.write(ctx, http.MethodPut, path, map[string]uint64{"ledger_id": ledgerID}); err != nil {
		return fmt.Errorf("attach ledger id to election %d: %w", id, err)
	}
	return nil
}

// AttachCandidateLedgerID implements Client.
func (c *HTTPClient) AttachCandidateLedgerID(ctx context.Context, id int64, ledgerID uint64) error {
	path := fmt.Sprintf("/api/candidates/%d/ledger-id", id)
	if err := c.write(ctx, http.MethodPut, path, map[string]uint64{"ledger_id": ledgerID}); err != nil {
		return fmt.Errorf("attach ledger id to candidate %d: %w", id, err)
	}
	return nil
}

// RecordOffchainVote implements Client.
func (c *HTTPClient) RecordOffchainVote(ctx context.Context, v OffchainVote) error {
	if err := c.write(ctx, http.MethodPost, "/api/offchain-votes", v); err != nil {
		return fmt.Errorf("record offchain vote: %w", err)
	}
	return nil
}

// HasOffchainVote implements Client.
func (c *HTTPClient) HasOffchainVote(ctx context.Context, electionID int64, voter string) (bool, error) {
	var out struct {
		Recorded bool `json:"recorded"`
	}
	path := fmt.Sprintf("/api/elections/%d/offchain-votes/%s", electionID, url.PathEscape(ballot.NormalizeDomainID(voter)))
	if err := c.do(ctx, http.MethodGet, path, "", nil, &out); err != nil {
		return false, fmt.Errorf("check offchain vote: %w", err)
	}
	return out.Recorded, nil
}

// ListOffchainVotes returns the degraded votes held for an election.
func (c *HTTPClient) ListOffchainVotes(ctx context.Context, electionID int64) ([]OffchainVote, error) {
	var out []OffchainVote
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/api/elections/%d/offchain-votes", electionID), "", nil, &out); err != nil {
		return nil, fmt.Errorf("list offchain votes: %w", err)
	}
	return out, nil
}

var _ Client = (*HTTPClient)(nil)
