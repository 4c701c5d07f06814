package domain

import (
	"encoding/json"
	"time"
)

type Phase string

const (
	PhaseProposal Phase = "proposal"
	PhaseCritique Phase = "critique"
	PhaseVoting   Phase = "voting"
	PhaseClosed   Phase = "closed"
)

var phaseOrder = []Phase{PhaseProposal, PhaseCritique, PhaseVoting, PhaseClosed}

// Rank is the position of p in the round lifecycle, or -1 for an unknown phase.
func (p Phase) Rank() int {
	for i, item := range phaseOrder {
		if item == p {
			return i
		}
	}
	return -1
}

func (p Phase) Valid() bool {
	return p.Rank() >= 0
}

// Next returns the phase that follows p. Closed has no successor.
func (p Phase) Next() (Phase, bool) {
	r := p.Rank()
	if r < 0 || r+1 >= len(phaseOrder) {
		return "", false
	}
	return phaseOrder[r+1], true
}

func (p Phase) AcceptsProposals() bool { return p == PhaseProposal }
func (p Phase) AcceptsCritiques() bool { return p == PhaseCritique }
func (p Phase) AcceptsVotes() bool     { return p == PhaseVoting }

type ScoreReason string

const (
	ReasonProposalWin   ScoreReason = "proposal_win"
	ReasonCorrectVote   ScoreReason = "correct_vote"
	ReasonParticipation ScoreReason = "participation"
	ReasonCritiqueBonus ScoreReason = "critique_bonus"
)

const (
	MaxAgentNameChars = 64
	MaxPromptChars    = 2000
	MaxProposalChars  = 4000
	MaxCritiqueChars  = 2000
)

type Agent struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	APIKey    string    `json:"api_key,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Public strips the API key.
func (a Agent) Public() Agent {
	a.APIKey = ""
	return a
}

type Round struct {
	ID        int64      `json:"id"`
	Prompt    string     `json:"prompt"`
	Phase     Phase      `json:"phase"`
	CreatedBy int64      `json:"created_by,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	ClosedAt  *time.Time `json:"closed_at,omitempty"`
}

type Proposal struct {
	ID          int64     `json:"id"`
	RoundID     int64     `json:"round_id"`
	AgentID     int64     `json:"agent_id"`
	AgentName   string    `json:"agent_name,omitempty"`
	Content     string    `json:"content"`
	VoteCount   int       `json:"vote_count"`
	SubmittedAt time.Time `json:"submitted_at"`
}

type Critique struct {
	ID          int64     `json:"id"`
	RoundID     int64     `json:"round_id"`
	ProposalID  int64     `json:"proposal_id"`
	AgentID     int64     `json:"agent_id"`
	AgentName   string    `json:"agent_name,omitempty"`
	Content     string    `json:"content"`
	SubmittedAt time.Time `json:"submitted_at"`
}

type Vote struct {
	ID          int64     `json:"id"`
	RoundID     int64     `json:"round_id"`
	AgentID     int64     `json:"agent_id"`
	ProposalID  int64     `json:"proposal_id"`
	SubmittedAt time.Time `json:"submitted_at"`
}

type ScoreEvent struct {
	ID        int64       `json:"id"`
	RoundID   int64       `json:"round_id"`
	AgentID   int64       `json:"agent_id"`
	Points    int         `json:"points"`
	Reason    ScoreReason `json:"reason"`
	CreatedAt time.Time   `json:"created_at"`
}

type LeaderboardEntry struct {
	Rank               int    `json:"rank"`
	AgentID            int64  `json:"agent_id"`
	Name               string `json:"name"`
	TotalScore         int    `json:"total_score"`
	RoundsParticipated int    `json:"rounds_participated"`
}

type Leaderboard struct {
	Entries []LeaderboardEntry `json:"entries"`
	AsOf    time.Time          `json:"as_of"`
}

// RoundState is the composite read view of one round. Child records are
// ordered by submission time ascending.
type RoundState struct {
	Round            Round      `json:"round"`
	Proposals        []Proposal `json:"proposals"`
	Critiques        []Critique `json:"critiques"`
	Votes            []Vote     `json:"votes"`
	ParticipantCount int        `json:"participant_count"`
}

type Transition struct {
	RoundID       int64        `json:"round_id"`
	PreviousPhase Phase        `json:"previous_phase"`
	NewPhase      Phase        `json:"new_phase"`
	Message       string       `json:"message"`
	ScoreEvents   []ScoreEvent `json:"score_events,omitempty"`
}

type RoundLog struct {
	ID        int64           `json:"id"`
	RoundID   int64           `json:"round_id"`
	Actor     string          `json:"actor"`
	Action    string          `json:"action"`
	Reason    string          `json:"reason"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}
