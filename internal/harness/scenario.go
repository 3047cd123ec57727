package harness

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Scenario defines one end-to-end run.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	Settings Settings `yaml:"settings"`

	Elections     []ElectionSeed     `yaml:"elections"`
	Candidates    []CandidateSeed    `yaml:"candidates"`
	Registrations []RegistrationSeed `yaml:"registrations"`

	// Flow is executed in order. Each step has exactly one action.
	Flow []Step `yaml:"flow"`

	Assertions []Assertion `yaml:"assertions"`
}

// Settings toggles optional behavior for the run.
type Settings struct {
	// DomainLookup enables the ledger's candidate lookup by domain id.
	DomainLookup     bool   `yaml:"domain_lookup"`
	OrdinalFallback  bool   `yaml:"ordinal_fallback"`
	ManualFallback   bool   `yaml:"manual_fallback"`
	DegradedFallback bool   `yaml:"degraded_fallback"`
	FeeFloor         uint64 `yaml:"fee_floor,omitempty"`
}

// ElectionSeed is a relational election. Times are offsets from the
// harness epoch.
type ElectionSeed struct {
	ID       int64  `yaml:"id"`
	Name     string `yaml:"name,omitempty"`
	Position string `yaml:"position"`
	StartsIn string `yaml:"starts_in"`
	EndsIn   string `yaml:"ends_in"`
}

type CandidateSeed struct {
	ID       int64  `yaml:"id"`
	Name     string `yaml:"name,omitempty"`
	DomainID string `yaml:"domain_id"`
}

type RegistrationSeed struct {
	Election  int64 `yaml:"election"`
	Candidate int64 `yaml:"candidate"`
}

// Step is one flow action with optional expectations.
type Step struct {
	Sync    *SyncStep   `yaml:"sync,omitempty"`
	Vote    *VoteStep   `yaml:"vote,omitempty"`
	Advance string      `yaml:"advance,omitempty"`
	Ledger  *LedgerStep `yaml:"ledger,omitempty"`
	Expect  *Expect     `yaml:"expect,omitempty"`
}

// SyncStep runs the orchestrator once.
type SyncStep struct{}

// VoteStep casts one vote.
type VoteStep struct {
	Election  int64  `yaml:"election"`
	Candidate int64  `yaml:"candidate"`
	Voter     string `yaml:"voter"`
	// Path is primary (default), manual or degraded.
	Path     string `yaml:"path,omitempty"`
	Operator string `yaml:"operator,omitempty"`
	Reason   string `yaml:"reason,omitempty"`
}

// LedgerStep changes the simulated ledger's behavior.
type LedgerStep struct {
	Available *bool   `yaml:"available,omitempty"`
	Signer    *bool   `yaml:"signer,omitempty"`
	FailNext  []Fault `yaml:"fail_next,omitempty"`
}

// Fault is an injected rejection for the next call to Method.
type Fault struct {
	Method  string `yaml:"method"`
	Code    string `yaml:"code"`
	Message string `yaml:"message,omitempty"`
}

// Expect checks a step's outcome. Unset fields are not checked.
type Expect struct {
	ElectionsDeployed    *int     `yaml:"elections_deployed,omitempty"`
	CandidatesRegistered *int     `yaml:"candidates_registered,omitempty"`
	RegistrationsLinked  *int     `yaml:"registrations_linked,omitempty"`
	Skipped              *int     `yaml:"skipped,omitempty"`
	Errors               *int     `yaml:"errors,omitempty"`
	ErrorEntities        []string `yaml:"error_entities,omitempty"`

	State        string `yaml:"state,omitempty"`
	LedgerBacked *bool  `yaml:"ledger_backed,omitempty"`

	// Error is the expected error code, e.g. CONNECTION.
	Error string `yaml:"error,omitempty"`
}

// Assertion validates final state.
type Assertion struct {
	Type string `yaml:"type"`

	Method string `yaml:"method,omitempty"`
	Count  int    `yaml:"count,omitempty"`

	Entity   string `yaml:"entity,omitempty"`
	ID       int64  `yaml:"id,omitempty"`
	LedgerID uint64 `yaml:"ledger_id,omitempty"`

	Election int64             `yaml:"election,omitempty"`
	Votes    map[string]uint64 `yaml:"votes,omitempty"`

	Op     string `yaml:"op,omitempty"`
	Target string `yaml:"target,omitempty"`
	Status string `yaml:"status,omitempty"`
}

// Assertion type constants.
const (
	AssertLedgerCalls     = "ledger_calls"
	AssertLedgerID        = "ledger_id"
	AssertTally           = "tally"
	AssertOperationStatus = "operation_status"
	AssertOffchainVotes   = "offchain_votes"
)

// LoadScenario reads and parses a scenario YAML file.
// Unknown fields are rejected so typos fail loudly.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Flow) == 0 {
		return fmt.Errorf("flow list is required and must be non-empty")
	}

	elections := make(map[int64]bool)
	for i, e := range s.Elections {
		if e.ID <= 0 || e.Position == "" {
			return fmt.Errorf("elections[%d]: id and position are required", i)
		}
		if _, err := time.ParseDuration(e.StartsIn); err != nil {
			return fmt.Errorf("elections[%d].starts_in: %w", i, err)
		}
		if _, err := time.ParseDuration(e.EndsIn); err != nil {
			return fmt.Errorf("elections[%d].ends_in: %w", i, err)
		}
		elections[e.ID] = true
	}
	candidates := make(map[int64]bool)
	for i, c := range s.Candidates {
		if c.ID <= 0 || c.DomainID == "" {
			return fmt.Errorf("candidates[%d]: id and domain_id are required", i)
		}
		candidates[c.ID] = true
	}
	for i, r := range s.Registrations {
		if !elections[r.Election] || !candidates[r.Candidate] {
			return fmt.Errorf("registrations[%d]: unknown election %d or candidate %d", i, r.Election, r.Candidate)
		}
	}

	for i, step := range s.Flow {
		actions := 0
		if step.Sync != nil {
			actions++
		}
		if step.Vote != nil {
			actions++
			switch step.Vote.Path {
			case "", "primary", "manual", "degraded":
			default:
				return fmt.Errorf("flow[%d]: unknown vote path %q", i, step.Vote.Path)
			}
		}
		if step.Advance != "" {
			actions++
			if _, err := time.ParseDuration(step.Advance); err != nil {
				return fmt.Errorf("flow[%d].advance: %w", i, err)
			}
		}
		if step.Ledger != nil {
			actions++
		}
		if actions != 1 {
			return fmt.Errorf("flow[%d]: exactly one of sync, vote, advance, ledger is required", i)
		}
	}

	for i, a := range s.Assertions {
		switch a.Type {
		case AssertLedgerCalls, AssertLedgerID, AssertTally, AssertOperationStatus, AssertOffchainVotes:
		default:
			return fmt.Errorf("assertions[%d]: unknown type %q", i, a.Type)
		}
	}
	return nil
}
