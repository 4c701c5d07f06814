package policy

import (
	"fmt"
	"sort"
	"strings"

	"claw_council/internal/domain"
)

// Config switches on the optional advance guards. The zero value lets every
// advance through, which is the default behaviour.
type Config struct {
	MinProposals            int
	RequireCritiqueCoverage bool
	RequireVote             bool
}

type Engine struct {
	cfg Config
}

func New(cfg Config) *Engine {
	return &Engine{cfg: cfg}
}

func (e *Engine) Config() Config {
	return e.cfg
}

// CanAdvance reports whether the round in state may leave its current phase.
// The reason is empty when the advance is allowed.
func (e *Engine) CanAdvance(state domain.RoundState) (bool, string) {
	switch state.Round.Phase {
	case domain.PhaseProposal:
		if e.cfg.MinProposals > 0 && len(state.Proposals) < e.cfg.MinProposals {
			return false, fmt.Sprintf("need at least %d proposals (have %d)", e.cfg.MinProposals, len(state.Proposals))
		}
	case domain.PhaseCritique:
		if e.cfg.RequireCritiqueCoverage {
			if missing := missingCritics(state); len(missing) > 0 {
				return false, "the following agents have not submitted a critique yet: " + strings.Join(missing, ", ")
			}
		}
	case domain.PhaseVoting:
		if e.cfg.RequireVote && len(state.Votes) == 0 {
			return false, "no votes have been cast yet"
		}
	}
	return true, ""
}

// missingCritics lists proposers who have not critiqued anything, by name.
func missingCritics(state domain.RoundState) []string {
	critics := make(map[int64]bool, len(state.Critiques))
	for _, c := range state.Critiques {
		critics[c.AgentID] = true
	}
	var missing []string
	seen := make(map[int64]bool, len(state.Proposals))
	for _, p := range state.Proposals {
		if critics[p.AgentID] || seen[p.AgentID] {
			continue
		}
		seen[p.AgentID] = true
		name := p.AgentName
		if name == "" {
			name = fmt.Sprintf("agent %d", p.AgentID)
		}
		missing = append(missing, name)
	}
	sort.Strings(missing)
	return missing
}
