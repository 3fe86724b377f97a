package encounter

import "fmt"

// Phase is a stage in the encounter lifecycle. The string values are the
// tokens stored in the database and sent over the wire; they are never
// renumbered or reused.
type Phase string

const (
	PhaseRegisteringGeneralData Phase = "REGISTERING_GENERAL_DATA"
	PhaseRegisteringAnalyses    Phase = "REGISTERING_ANALYSES"
	PhaseOnCollection           Phase = "ON_COLLECTION_PROCESS"
	PhaseOnBilling              Phase = "ON_BILLING_PROCESS"
	PhaseAwaitingConfirmation   Phase = "AWAITING_CONFIRMATION"
	PhaseAwaitingExtraction     Phase = "AWAITING_EXTRACTION"
	PhaseInExtraction           Phase = "IN_EXTRACTION"
	PhaseFinished               Phase = "FINISHED"
	PhaseCanceled               Phase = "CANCELED"
	PhaseFailed                 Phase = "FAILED"
)

// progression orders the ranked phases. CANCELED and FAILED are absorbing
// and carry no rank.
var progression = []Phase{
	PhaseRegisteringGeneralData,
	PhaseRegisteringAnalyses,
	PhaseOnCollection,
	PhaseOnBilling,
	PhaseAwaitingConfirmation,
	PhaseAwaitingExtraction,
	PhaseInExtraction,
	PhaseFinished,
}

var ranks = func() map[Phase]int {
	m := make(map[Phase]int, len(progression))
	for i, p := range progression {
		m[p] = i
	}
	return m
}()

// ParsePhase validates a phase token.
func ParsePhase(s string) (Phase, error) {
	p := Phase(s)
	if _, ok := ranks[p]; ok {
		return p, nil
	}
	if p == PhaseCanceled || p == PhaseFailed {
		return p, nil
	}
	return "", fmt.Errorf("unknown phase %q", s)
}

// Rank returns the position of p in the progression, or -1 for the
// absorbing failure phases.
func (p Phase) Rank() int {
	if r, ok := ranks[p]; ok {
		return r
	}
	return -1
}

// IsTerminal reports whether p freezes the encounter.
func (p Phase) IsTerminal() bool {
	return p == PhaseFinished || p == PhaseCanceled || p == PhaseFailed
}

// Previous is the phase a reversal from p returns to. ok is false for the
// initial phase and for terminal phases.
func (p Phase) Previous() (Phase, bool) {
	if p.IsTerminal() {
		return "", false
	}
	r := p.Rank()
	if r <= 0 {
		return "", false
	}
	return progression[r-1], true
}

// MaxPhase returns the further advanced of a and b.
func MaxPhase(a, b Phase) Phase {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// forward lists the transitions a commit may perform. A phase mapping to
// itself records data without moving.
var forward = map[Phase][]Phase{
	PhaseRegisteringGeneralData: {PhaseRegisteringAnalyses},
	PhaseRegisteringAnalyses:    {PhaseOnCollection},
	PhaseOnCollection:           {PhaseOnBilling},
	PhaseOnBilling:              {PhaseOnBilling, PhaseAwaitingConfirmation},
	PhaseAwaitingConfirmation:   {PhaseFinished, PhaseAwaitingExtraction},
	PhaseAwaitingExtraction:     {PhaseInExtraction},
	PhaseInExtraction:           {PhaseAwaitingExtraction, PhaseFinished},
}

// CanCommit reports whether a commit may move an encounter from one phase
// to another. FAILED is reachable from any non-terminal phase.
func CanCommit(from, to Phase) bool {
	if from.IsTerminal() {
		return false
	}
	if to == PhaseFailed {
		return true
	}
	for _, p := range forward[from] {
		if p == to {
			return true
		}
	}
	return false
}
