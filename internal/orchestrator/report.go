package orchestrator

import "fmt"

// Phase is a step of a synchronization run.
type Phase string

const (
	PhaseInit               Phase = "init"
	PhaseConnectSigner      Phase = "connect_signer"
	PhaseDeployElections    Phase = "deploy_elections"
	PhaseRegisterCandidates Phase = "register_candidates"
	PhaseLinkRegistrations  Phase = "link_registrations"
	PhaseComplete           Phase = "complete"
)

// ItemError is one item's failure. The run continues past it.
type ItemError struct {
	Phase    Phase  `json:"phase"`
	Entity   string `json:"entity"`
	EntityID string `json:"entity_id"`
	Message  string `json:"message"`
}

func (e ItemError) String() string {
	return fmt.Sprintf("[%s] %s %s: %s", e.Phase, e.Entity, e.EntityID, e.Message)
}

// Report accumulates the outcome of a run. Every loaded item lands in
// exactly one of the four counters or in Errors.
type Report struct {
	RunID                string      `json:"run_id"`
	Phase                Phase       `json:"phase"`
	Total                int         `json:"total"`
	ElectionsDeployed    int         `json:"elections_deployed"`
	CandidatesRegistered int         `json:"candidates_registered"`
	RegistrationsLinked  int         `json:"registrations_linked"`
	Skipped              int         `json:"skipped"`
	Errors               []ItemError `json:"errors"`
}

// Failed reports whether any item failed.
func (r *Report) Failed() bool {
	return len(r.Errors) > 0
}

// Processed returns the number of items accounted for so far.
func (r *Report) Processed() int {
	return r.ElectionsDeployed + r.CandidatesRegistered + r.RegistrationsLinked + r.Skipped + len(r.Errors)
}

func (r *Report) addError(phase Phase, entity, entityID string, err error) {
	r.Errors = append(r.Errors, ItemError{
		Phase:    phase,
		Entity:   entity,
		EntityID: entityID,
		Message:  err.Error(),
	})
}

// Progress is delivered to the progress callback after each item.
type Progress struct {
	Phase Phase `json:"phase"`
	Done  int   `json:"done"`
	Total int   `json:"total"`
}
