package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"
)

// JSON-RPC method names served by RPCServer.
const (
	MethodConnect               = "ledger.connect"
	MethodCreateElection        = "ledger.createElection"
	MethodRegisterCandidate     = "ledger.registerCandidate"
	MethodAddCandidate          = "ledger.addCandidateToElection"
	MethodVote                  = "ledger.vote"
	MethodElectionStatus        = "ledger.getElectionStatus"
	MethodCandidateVotes        = "ledger.getCandidateVotes"
	MethodHasVoted              = "ledger.hasVoted"
	MethodCandidateIDByDomainID = "ledger.candidateIdByDomainId"
	MethodSubmitRaw             = "ledger.submitRaw"
)

// rpcCodeLedger is the JSON-RPC error code for ledger rejections; the
// structured ledger code travels in error.data.
const rpcCodeLedger = -32000

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	ID      any             `json:"id"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
	ID      any             `json:"id"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    *Error `json:"data,omitempty"`
}

type electionParams struct {
	ElectionID uint64 `json:"election_id"`
}

type linkParams struct {
	ElectionID  uint64 `json:"election_id"`
	CandidateID uint64 `json:"candidate_id"`
}

type domainParams struct {
	DomainID string `json:"domain_id"`
}

type hasVotedParams struct {
	ElectionID uint64 `json:"election_id"`
	Voter      string `json:"voter"`
}

type idResult struct {
	ID uint64 `json:"id"`
}

type boolResult struct {
	Value bool `json:"value"`
}

// RPCServer exposes a Client over JSON-RPC 2.0 on a unix socket.
type RPCServer struct {
	client   Client
	listener net.Listener
	path     string
	logger   *slog.Logger
}

// ServeRPC starts serving client on the unix socket at path.
func ServeRPC(path string, client Client, logger *slog.Logger) (*RPCServer, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("rpc socket path is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	_ = os.Remove(path)
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, err
	}
	if err := os.Chmod(path, 0o600); err != nil {
		_ = ln.Close()
		_ = os.Remove(path)
		return nil, err
	}

	s := &RPCServer{client: client, listener: ln, path: path, logger: logger}
	go s.serve()
	return s, nil
}

// Addr returns the socket path.
func (s *RPCServer) Addr() string {
	return s.path
}

// Close stops accepting connections and removes the socket.
func (s *RPCServer) Close() error {
	err := s.listener.Close()
	_ = os.Remove(s.path)
	return err
}

func (s *RPCServer) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		go s.handleConn(conn)
	}
}

func (s *RPCServer) handleConn(conn net.Conn) {
	defer func() { _ = conn.Close() }()
	dec := json.NewDecoder(conn)
	enc := json.NewEncoder(conn)

	for {
		var req rpcRequest
		if err := dec.Decode(&req); err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			_ = enc.Encode(rpcResponse{JSONRPC: "2.0", Error: &rpcError{Code: -32700, Message: "parse error"}})
			return
		}

		resp := s.dispatch(context.Background(), req)
		if err := enc.Encode(resp); err != nil {
			return
		}
	}
}

func (s *RPCServer) dispatch(ctx context.Context, req rpcRequest) rpcResponse {
	if req.JSONRPC != "2.0" || strings.TrimSpace(req.Method) == "" {
		return rpcResponse{JSONRPC: "2.0", Error: &rpcError{Code: -32600, Message: "invalid request"}, ID: req.ID}
	}
	s.logger.Debug("rpc call", "method", req.Method)

	result, err := s.call(ctx, req)
	if err != nil {
		var re *rpcError
		if errors.As(err, &re) {
			return rpcResponse{JSONRPC: "2.0", Error: re, ID: req.ID}
		}
		le := &Error{Code: Classify(err), Message: err.Error()}
		errors.As(err, &le)
		return rpcResponse{JSONRPC: "2.0", Error: &rpcError{Code: rpcCodeLedger, Message: err.Error(), Data: le}, ID: req.ID}
	}

	raw, err := json.Marshal(result)
	if err != nil {
		return rpcResponse{JSONRPC: "2.0", Error: &rpcError{Code: -32603, Message: err.Error()}, ID: req.ID}
	}
	return rpcResponse{JSONRPC: "2.0", Result: raw, ID: req.ID}
}

func (s *RPCServer) call(ctx context.Context, req rpcRequest) (any, error) {
	switch req.Method {
	case MethodConnect:
		return s.client.Connect(ctx)
	case MethodCreateElection:
		var p ElectionSpec
		if err := decodeParams(req.Params, &p); err != nil {
			return nil, err
		}
		id, err := s.client.CreateElection(ctx, p)
		return idResult{ID: id}, err
	case MethodRegisterCandidate:
		var p domainParams
		if err := decodeParams(req.Params, &p); err != nil {
			return nil, err
		}
		id, err := s.client.RegisterCandidate(ctx, p.DomainID)
		return idResult{ID: id}, err
	case MethodAddCandidate:
		var p linkParams
		if err := decodeParams(req.Params, &p); err != nil {
			return nil, err
		}
		return struct{}{}, s.client.AddCandidateToElection(ctx, p.ElectionID, p.CandidateID)
	case MethodVote:
		var p Ballot
		if err := decodeParams(req.Params, &p); err != nil {
			return nil, err
		}
		return s.client.Vote(ctx, p)
	case MethodElectionStatus:
		var p electionParams
		if err := decodeParams(req.Params, &p); err != nil {
			return nil, err
		}
		return s.client.ElectionStatus(ctx, p.ElectionID)
	case MethodCandidateVotes:
		var p electionParams
		if err := decodeParams(req.Params, &p); err != nil {
			return nil, err
		}
		return s.client.CandidateVotes(ctx, p.ElectionID)
	case MethodHasVoted:
		var p hasVotedParams
		if err := decodeParams(req.Params, &p); err != nil {
			return nil, err
		}
		voted, err := s.client.HasVoted(ctx, p.ElectionID, p.Voter)
		return boolResult{Value: voted}, err
	case MethodCandidateIDByDomainID:
		lookup, ok := s.client.(DomainLookup)
		if !ok {
			return nil, Reject(CodeUnavailable, "domain lookup not supported")
		}
		var p domainParams
		if err := decodeParams(req.Params, &p); err != nil {
			return nil, err
		}
		id, err := lookup.CandidateIDByDomainID(ctx, p.DomainID)
		return idResult{ID: id}, err
	case MethodSubmitRaw:
		raw, ok := s.client.(RawSubmitter)
		if !ok {
			return nil, Reject(CodeUnavailable, "raw submission not supported")
		}
		var p RawCall
		if err := decodeParams(req.Params, &p); err != nil {
			return nil, err
		}
		return raw.SubmitRaw(ctx, p)
	default:
		return nil, &rpcError{Code: -32601, Message: "method not found: " + req.Method}
	}
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error (%d): %s", e.Code, e.Message)
}

func decodeParams(raw json.RawMessage, out any) error {
	if len(raw) == 0 {
		return &rpcError{Code: -32602, Message: "missing params"}
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &rpcError{Code: -32602, Message: "invalid params: " + err.Error()}
	}
	return nil
}

// RPCClient is a Client speaking JSON-RPC 2.0 to an RPCServer.
// Each call dials a fresh connection.
type RPCClient struct {
	socket  string
	timeout time.Duration
	seq     atomic.Int64
}

// NewRPCClient creates a client for the unix socket at path.
func NewRPCClient(socket string, timeout time.Duration) *RPCClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &RPCClient{socket: socket, timeout: timeout}
}

func (c *RPCClient) call(ctx context.Context, method string, params any, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	dialer := net.Dialer{Timeout: 5 * time.Second}
	conn, err := dialer.DialContext(ctx, "unix", c.socket)
	if err != nil {
		return &Error{Code: CodeUnavailable, Message: err.Error()}
	}
	defer func() { _ = conn.Close() }()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	req := rpcRequest{JSONRPC: "2.0", Method: method, ID: c.seq.Add(1)}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("%s: encode params: %w", method, err)
		}
		req.Params = raw
	}
	if err := json.NewEncoder(conn).Encode(req); err != nil {
		return &Error{Code: CodeUnavailable, Message: err.Error()}
	}

	var resp rpcResponse
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return &Error{Code: CodeUnavailable, Message: err.Error()}
	}
	if resp.Error != nil {
		if resp.Error.Data != nil && resp.Error.Data.Code != "" {
			return resp.Error.Data
		}
		// Opaque error: classified later by substring fallback.
		return resp.Error
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(resp.Result, out)
}

// Connect implements Client.
func (c *RPCClient) Connect(ctx context.Context) (Session, error) {
	var s Session
	err := c.call(ctx, MethodConnect, struct{}{}, &s)
	return s, err
}

// CreateElection implements Client.
func (c *RPCClient) CreateElection(ctx context.Context, spec ElectionSpec) (uint64, error) {
	var r idResult
	err := c.call(ctx, MethodCreateElection, spec, &r)
	return r.ID, err
}

// RegisterCandidate implements Client.
func (c *RPCClient) RegisterCandidate(ctx context.Context, domainID string) (uint64, error) {
	var r idResult
	err := c.call(ctx, MethodRegisterCandidate, domainParams{DomainID: domainID}, &r)
	return r.ID, err
}

// AddCandidateToElection implements Client.
func (c *RPCClient) AddCandidateToElection(ctx context.Context, electionID, candidateID uint64) error {
	return c.call(ctx, MethodAddCandidate, linkParams{ElectionID: electionID, CandidateID: candidateID}, nil)
}

// Vote implements Client.
func (c *RPCClient) Vote(ctx context.Context, b Ballot) (Receipt, error) {
	var r Receipt
	err := c.call(ctx, MethodVote, b, &r)
	return r, err
}

// ElectionStatus implements Client.
func (c *RPCClient) ElectionStatus(ctx context.Context, electionID uint64) (ElectionStatus, error) {
	var s ElectionStatus
	err := c.call(ctx, MethodElectionStatus, electionParams{ElectionID: electionID}, &s)
	return s, err
}

// CandidateVotes implements Client.
func (c *RPCClient) CandidateVotes(ctx context.Context, electionID uint64) ([]Tally, error) {
	var t []Tally
	err := c.call(ctx, MethodCandidateVotes, electionParams{ElectionID: electionID}, &t)
	return t, err
}

// HasVoted implements Client.
func (c *RPCClient) HasVoted(ctx context.Context, electionID uint64, voter string) (bool, error) {
	var r boolResult
	err := c.call(ctx, MethodHasVoted, hasVotedParams{ElectionID: electionID, Voter: voter}, &r)
	return r.Value, err
}

// CandidateIDByDomainID implements DomainLookup.
func (c *RPCClient) CandidateIDByDomainID(ctx context.Context, domainID string) (uint64, error) {
	var r idResult
	err := c.call(ctx, MethodCandidateIDByDomainID, domainParams{DomainID: domainID}, &r)
	return r.ID, err
}

// SubmitRaw implements RawSubmitter.
func (c *RPCClient) SubmitRaw(ctx context.Context, call RawCall) (Receipt, error) {
	var r Receipt
	err := c.call(ctx, MethodSubmitRaw, call, &r)
	return r, err
}

var (
	_ Client       = (*RPCClient)(nil)
	_ DomainLookup = (*RPCClient)(nil)
	_ RawSubmitter = (*RPCClient)(nil)
)
