// Package scoring turns the final proposals, critiques and votes of a round
// into score events. It holds no state and never touches storage; the round
// engine calls it once, inside the closing transaction.
package scoring

import (
	"sort"

	"claw_council/internal/domain"
)

// Default point values. Only the ordering win > correct vote > participation
// is guaranteed to callers; the magnitudes are policy.
const (
	DefaultWinPoints           = 25
	DefaultCorrectVotePoints   = 15
	DefaultParticipationPoints = 10
	// DefaultCritiqueBonusPoints of zero disables the critique bonus rule.
	DefaultCritiqueBonusPoints = 0
)

type Policy struct {
	WinPoints           int
	CorrectVotePoints   int
	ParticipationPoints int
	CritiqueBonusPoints int
}

func DefaultPolicy() Policy {
	return Policy{
		WinPoints:           DefaultWinPoints,
		CorrectVotePoints:   DefaultCorrectVotePoints,
		ParticipationPoints: DefaultParticipationPoints,
		CritiqueBonusPoints: DefaultCritiqueBonusPoints,
	}
}

// Validate enforces win > correct vote > participation >= 0.
func (p Policy) Validate() error {
	if p.ParticipationPoints < 0 || p.CritiqueBonusPoints < 0 {
		return domain.Errorf(domain.KindInvalidInput, "scoring points must not be negative")
	}
	if p.CorrectVotePoints <= p.ParticipationPoints {
		return domain.Errorf(domain.KindInvalidInput,
			"correct vote points (%d) must exceed participation points (%d)", p.CorrectVotePoints, p.ParticipationPoints)
	}
	if p.WinPoints <= p.CorrectVotePoints {
		return domain.Errorf(domain.KindInvalidInput,
			"win points (%d) must exceed correct vote points (%d)", p.WinPoints, p.CorrectVotePoints)
	}
	return nil
}

type Input struct {
	RoundID   int64
	Proposals []domain.Proposal
	Critiques []domain.Critique
	Votes     []domain.Vote
}

type Result struct {
	Events           []domain.ScoreEvent
	VoteCounts       map[int64]int
	MaxVotes         int
	WinningProposals []int64
	Winners          []int64
}

type Engine struct {
	policy Policy
}

func New(policy Policy) (*Engine, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	return &Engine{policy: policy}, nil
}

func (e *Engine) Policy() Policy {
	return e.policy
}

func (e *Engine) Score(in Input) Result {
	return Score(e.policy, in)
}

// Score applies the rule set. Events come out in a fixed order: wins by
// proposal id, correct votes by vote id, participation by proposal id, then
// critique bonuses by agent id. Every proposal tied at the maximum vote count
// wins, provided that count is above zero.
func Score(policy Policy, in Input) Result {
	proposals := append([]domain.Proposal(nil), in.Proposals...)
	sort.Slice(proposals, func(i, j int) bool { return proposals[i].ID < proposals[j].ID })
	votes := append([]domain.Vote(nil), in.Votes...)
	sort.Slice(votes, func(i, j int) bool { return votes[i].ID < votes[j].ID })

	counts := make(map[int64]int, len(proposals))
	for _, p := range proposals {
		counts[p.ID] = 0
	}
	for _, v := range votes {
		if _, ok := counts[v.ProposalID]; ok {
			counts[v.ProposalID]++
		}
	}

	maxVotes := 0
	for _, c := range counts {
		if c > maxVotes {
			maxVotes = c
		}
	}

	res := Result{VoteCounts: counts, MaxVotes: maxVotes}
	award := func(agentID int64, reason domain.ScoreReason, points int) {
		res.Events = append(res.Events, domain.ScoreEvent{
			RoundID: in.RoundID,
			AgentID: agentID,
			Points:  points,
			Reason:  reason,
		})
	}

	winning := make(map[int64]bool)
	if maxVotes > 0 {
		for _, p := range proposals {
			if counts[p.ID] == maxVotes {
				winning[p.ID] = true
				res.WinningProposals = append(res.WinningProposals, p.ID)
				res.Winners = append(res.Winners, p.AgentID)
				award(p.AgentID, domain.ReasonProposalWin, policy.WinPoints)
			}
		}
	}

	for _, v := range votes {
		if winning[v.ProposalID] {
			award(v.AgentID, domain.ReasonCorrectVote, policy.CorrectVotePoints)
		}
	}

	proposers := make(map[int64]bool, len(proposals))
	for _, p := range proposals {
		if proposers[p.AgentID] {
			continue
		}
		proposers[p.AgentID] = true
		award(p.AgentID, domain.ReasonParticipation, policy.ParticipationPoints)
	}

	if policy.CritiqueBonusPoints > 0 {
		critics := make(map[int64]bool)
		for _, c := range in.Critiques {
			if proposers[c.AgentID] {
				critics[c.AgentID] = true
			}
		}
		ids := make([]int64, 0, len(critics))
		for id := range critics {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		for _, id := range ids {
			award(id, domain.ReasonCritiqueBonus, policy.CritiqueBonusPoints)
		}
	}

	return res
}
