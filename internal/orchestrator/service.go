package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"claw_council/internal/domain"
	"claw_council/internal/scoring"
)

const systemActor = "council"

type Store interface {
	GetAgent(ctx context.Context, agentID int64) (domain.Agent, error)

	CreateRound(ctx context.Context, round domain.Round) (domain.Round, error)
	GetRound(ctx context.Context, roundID int64) (domain.Round, error)
	ListRounds(ctx context.Context) ([]domain.Round, error)
	UpdateRoundPhase(ctx context.Context, roundID int64, from, to domain.Phase, entry domain.RoundLog) error
	CloseRound(ctx context.Context, roundID int64, events []domain.ScoreEvent, closedAt time.Time, entry domain.RoundLog) ([]domain.ScoreEvent, error)

	CreateProposal(ctx context.Context, p domain.Proposal) (domain.Proposal, error)
	GetProposal(ctx context.Context, roundID, proposalID int64) (domain.Proposal, error)
	ListProposals(ctx context.Context, roundID int64) ([]domain.Proposal, error)
	HasProposal(ctx context.Context, roundID, agentID int64) (bool, error)

	CreateCritique(ctx context.Context, c domain.Critique) (domain.Critique, error)
	ListCritiques(ctx context.Context, roundID int64) ([]domain.Critique, error)
	HasCritique(ctx context.Context, roundID, agentID, proposalID int64) (bool, error)

	CreateVote(ctx context.Context, v domain.Vote) (domain.Vote, error)
	ListVotes(ctx context.Context, roundID int64) ([]domain.Vote, error)
	HasVote(ctx context.Context, roundID, agentID int64) (bool, error)

	LogRound(ctx context.Context, entry domain.RoundLog) error
	ListRoundLog(ctx context.Context, roundID int64, limit int) ([]domain.RoundLog, error)
}

type Scorer interface {
	Score(in scoring.Input) scoring.Result
}

type Policy interface {
	CanAdvance(state domain.RoundState) (bool, string)
}

type Bus interface {
	Publish(tr domain.Transition) error
}

type Config struct {
	MaxPromptChars   int
	MaxProposalChars int
	MaxCritiqueChars int
}

func (c Config) withDefaults() Config {
	if c.MaxPromptChars <= 0 {
		c.MaxPromptChars = domain.MaxPromptChars
	}
	if c.MaxProposalChars <= 0 {
		c.MaxProposalChars = domain.MaxProposalChars
	}
	if c.MaxCritiqueChars <= 0 {
		c.MaxCritiqueChars = domain.MaxCritiqueChars
	}
	return c
}

// Service is the round engine. Every phase-gated write holds the round's lock
// for its whole check-then-write sequence; different rounds never contend.
type Service struct {
	store  Store
	scorer Scorer
	policy Policy
	bus    Bus
	cfg    Config
	logger *log.Logger
	tracer trace.Tracer
	locks  *roundLocks
}

func New(store Store, scorer Scorer, policy Policy, bus Bus, cfg Config, logger *log.Logger) *Service {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = log.Default()
	}
	if policy == nil {
		policy = allowAll{}
	}
	return &Service{
		store:  store,
		scorer: scorer,
		policy: policy,
		bus:    bus,
		cfg:    cfg,
		logger: logger,
		tracer: otel.Tracer("claw_council/orchestrator"),
		locks:  newRoundLocks(),
	}
}

type CreateRoundInput struct {
	Prompt    string
	CreatedBy int64
}

func (s *Service) CreateRound(ctx context.Context, in CreateRoundInput) (round domain.Round, err error) {
	ctx, span := s.tracer.Start(ctx, "orchestrator.CreateRound")
	defer func() { endSpan(span, err) }()

	prompt, err := validateText("prompt", in.Prompt, s.cfg.MaxPromptChars)
	if err != nil {
		return domain.Round{}, err
	}
	if in.CreatedBy > 0 {
		if _, err := s.store.GetAgent(ctx, in.CreatedBy); err != nil {
			return domain.Round{}, err
		}
	}
	round, err = s.store.CreateRound(ctx, domain.Round{
		Prompt:    prompt,
		Phase:     domain.PhaseProposal,
		CreatedBy: in.CreatedBy,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		return domain.Round{}, err
	}
	span.SetAttributes(attribute.Int64("round.id", round.ID))
	s.audit(ctx, domain.RoundLog{
		RoundID: round.ID,
		Actor:   actorFor(in.CreatedBy),
		Action:  "round_created",
		Reason:  "round opened for proposals",
		Payload: mustJSON(round),
	})
	s.logger.Printf("round created round=%d", round.ID)
	return round, nil
}

func (s *Service) GetRound(ctx context.Context, roundID int64) (domain.Round, error) {
	return s.store.GetRound(ctx, roundID)
}

func (s *Service) ListRounds(ctx context.Context) ([]domain.Round, error) {
	return s.store.ListRounds(ctx)
}

func (s *Service) ListRoundLog(ctx context.Context, roundID int64, limit int) ([]domain.RoundLog, error) {
	if _, err := s.store.GetRound(ctx, roundID); err != nil {
		return nil, err
	}
	return s.store.ListRoundLog(ctx, roundID, limit)
}

// GetRoundState returns the round with all of its submissions. It takes no
// lock; pollers may see a submission that lands just after the phase read.
func (s *Service) GetRoundState(ctx context.Context, roundID int64) (state domain.RoundState, err error) {
	ctx, span := s.tracer.Start(ctx, "orchestrator.GetRoundState",
		trace.WithAttributes(attribute.Int64("round.id", roundID)))
	defer func() { endSpan(span, err) }()

	return s.loadState(ctx, roundID)
}

func (s *Service) ListProposals(ctx context.Context, roundID int64) ([]domain.Proposal, error) {
	if _, err := s.store.GetRound(ctx, roundID); err != nil {
		return nil, err
	}
	return s.store.ListProposals(ctx, roundID)
}

func (s *Service) ListCritiques(ctx context.Context, roundID int64) ([]domain.Critique, error) {
	if _, err := s.store.GetRound(ctx, roundID); err != nil {
		return nil, err
	}
	return s.store.ListCritiques(ctx, roundID)
}

func (s *Service) ListVotes(ctx context.Context, roundID int64) ([]domain.Vote, error) {
	if _, err := s.store.GetRound(ctx, roundID); err != nil {
		return nil, err
	}
	return s.store.ListVotes(ctx, roundID)
}

func (s *Service) SubmitProposal(ctx context.Context, roundID, agentID int64, content string) (p domain.Proposal, err error) {
	ctx, span := s.tracer.Start(ctx, "orchestrator.SubmitProposal",
		trace.WithAttributes(attribute.Int64("round.id", roundID), attribute.Int64("agent.id", agentID)))
	defer func() { endSpan(span, err) }()

	unlock := s.locks.lock(roundID)
	defer unlock()

	round, agent, err := s.roundAndAgent(ctx, roundID, agentID)
	if err != nil {
		return domain.Proposal{}, err
	}
	if !round.Phase.AcceptsProposals() {
		return domain.Proposal{}, wrongPhase(round, "proposals")
	}
	exists, err := s.store.HasProposal(ctx, roundID, agentID)
	if err != nil {
		return domain.Proposal{}, err
	}
	if exists {
		return domain.Proposal{}, domain.Errorf(domain.KindConflict, "you have already submitted a proposal for this round")
	}
	text, err := validateText("proposal", content, s.cfg.MaxProposalChars)
	if err != nil {
		return domain.Proposal{}, err
	}

	p, err = s.store.CreateProposal(ctx, domain.Proposal{
		RoundID:     roundID,
		AgentID:     agentID,
		Content:     text,
		SubmittedAt: time.Now().UTC(),
	})
	if err != nil {
		return domain.Proposal{}, err
	}
	p.AgentName = agent.Name
	s.audit(ctx, domain.RoundLog{
		RoundID: roundID,
		Actor:   agent.Name,
		Action:  "proposal_submitted",
		Reason:  "proposal accepted",
		Payload: mustJSON(map[string]any{"proposal_id": p.ID, "agent_id": agentID}),
	})
	return p, nil
}

func (s *Service) SubmitCritique(ctx context.Context, roundID, agentID, proposalID int64, content string) (c domain.Critique, err error) {
	ctx, span := s.tracer.Start(ctx, "orchestrator.SubmitCritique",
		trace.WithAttributes(
			attribute.Int64("round.id", roundID),
			attribute.Int64("agent.id", agentID),
			attribute.Int64("proposal.id", proposalID),
		))
	defer func() { endSpan(span, err) }()

	unlock := s.locks.lock(roundID)
	defer unlock()

	round, agent, err := s.roundAndAgent(ctx, roundID, agentID)
	if err != nil {
		return domain.Critique{}, err
	}
	if !round.Phase.AcceptsCritiques() {
		return domain.Critique{}, wrongPhase(round, "critiques")
	}
	target, err := s.store.GetProposal(ctx, roundID, proposalID)
	if err != nil {
		return domain.Critique{}, err
	}
	if target.AgentID == agentID {
		return domain.Critique{}, domain.Errorf(domain.KindSelfReference, "you cannot critique your own proposal")
	}
	exists, err := s.store.HasCritique(ctx, roundID, agentID, proposalID)
	if err != nil {
		return domain.Critique{}, err
	}
	if exists {
		return domain.Critique{}, domain.Errorf(domain.KindConflict, "you have already critiqued this proposal")
	}
	text, err := validateText("critique", content, s.cfg.MaxCritiqueChars)
	if err != nil {
		return domain.Critique{}, err
	}

	c, err = s.store.CreateCritique(ctx, domain.Critique{
		RoundID:     roundID,
		ProposalID:  proposalID,
		AgentID:     agentID,
		Content:     text,
		SubmittedAt: time.Now().UTC(),
	})
	if err != nil {
		return domain.Critique{}, err
	}
	c.AgentName = agent.Name
	s.audit(ctx, domain.RoundLog{
		RoundID: roundID,
		Actor:   agent.Name,
		Action:  "critique_submitted",
		Reason:  "critique accepted",
		Payload: mustJSON(map[string]any{"critique_id": c.ID, "proposal_id": proposalID, "agent_id": agentID}),
	})
	return c, nil
}

func (s *Service) SubmitVote(ctx context.Context, roundID, agentID, proposalID int64) (v domain.Vote, err error) {
	ctx, span := s.tracer.Start(ctx, "orchestrator.SubmitVote",
		trace.WithAttributes(
			attribute.Int64("round.id", roundID),
			attribute.Int64("agent.id", agentID),
			attribute.Int64("proposal.id", proposalID),
		))
	defer func() { endSpan(span, err) }()

	unlock := s.locks.lock(roundID)
	defer unlock()

	round, agent, err := s.roundAndAgent(ctx, roundID, agentID)
	if err != nil {
		return domain.Vote{}, err
	}
	if !round.Phase.AcceptsVotes() {
		return domain.Vote{}, wrongPhase(round, "votes")
	}
	target, err := s.store.GetProposal(ctx, roundID, proposalID)
	if err != nil {
		return domain.Vote{}, err
	}
	if target.AgentID == agentID {
		return domain.Vote{}, domain.Errorf(domain.KindSelfReference, "you cannot vote for your own proposal")
	}
	exists, err := s.store.HasVote(ctx, roundID, agentID)
	if err != nil {
		return domain.Vote{}, err
	}
	if exists {
		return domain.Vote{}, domain.Errorf(domain.KindConflict, "you have already voted in this round")
	}

	v, err = s.store.CreateVote(ctx, domain.Vote{
		RoundID:     roundID,
		AgentID:     agentID,
		ProposalID:  proposalID,
		SubmittedAt: time.Now().UTC(),
	})
	if err != nil {
		return domain.Vote{}, err
	}
	s.audit(ctx, domain.RoundLog{
		RoundID: roundID,
		Actor:   agent.Name,
		Action:  "vote_cast",
		Reason:  "vote accepted",
		Payload: mustJSON(map[string]any{"vote_id": v.ID, "proposal_id": proposalID, "agent_id": agentID}),
	})
	return v, nil
}

// Advance moves the round to its next phase. Leaving voting scores the round
// and closes it in a single store transaction; a failure leaves the round in
// voting with no score events, so the call can simply be retried.
func (s *Service) Advance(ctx context.Context, roundID int64, actor string) (tr domain.Transition, err error) {
	ctx, span := s.tracer.Start(ctx, "orchestrator.Advance",
		trace.WithAttributes(attribute.Int64("round.id", roundID)))
	defer func() { endSpan(span, err) }()

	if strings.TrimSpace(actor) == "" {
		actor = systemActor
	}

	unlock := s.locks.lock(roundID)
	defer unlock()

	state, err := s.loadState(ctx, roundID)
	if err != nil {
		return domain.Transition{}, err
	}
	from := state.Round.Phase
	to, ok := from.Next()
	if !ok {
		return domain.Transition{}, domain.Errorf(domain.KindAlreadyClosed, "round %d is already closed", roundID)
	}
	span.SetAttributes(attribute.String("phase.from", string(from)), attribute.String("phase.to", string(to)))

	if allowed, reason := s.policy.CanAdvance(state); !allowed {
		s.audit(ctx, domain.RoundLog{
			RoundID: roundID,
			Actor:   actor,
			Action:  "advance_blocked",
			Reason:  reason,
			Payload: mustJSON(map[string]string{"phase": string(from)}),
		})
		return domain.Transition{}, domain.Errorf(domain.KindPrecondition, "cannot advance: %s", reason)
	}

	tr = domain.Transition{RoundID: roundID, PreviousPhase: from, NewPhase: to}
	if to != domain.PhaseClosed {
		tr.Message = advanceMessage(to, state)
		entry := domain.RoundLog{
			RoundID: roundID,
			Actor:   actor,
			Action:  "phase_advanced",
			Reason:  tr.Message,
			Payload: mustJSON(map[string]string{"from": string(from), "to": string(to)}),
		}
		if err := s.store.UpdateRoundPhase(ctx, roundID, from, to, entry); err != nil {
			return domain.Transition{}, err
		}
	} else {
		result := s.scorer.Score(scoring.Input{
			RoundID:   roundID,
			Proposals: state.Proposals,
			Critiques: state.Critiques,
			Votes:     state.Votes,
		})
		tr.Message = closeMessage(state, result)
		entry := domain.RoundLog{
			RoundID: roundID,
			Actor:   actor,
			Action:  "round_closed",
			Reason:  tr.Message,
			Payload: mustJSON(map[string]any{
				"max_votes":         result.MaxVotes,
				"winning_proposals": result.WinningProposals,
				"events":            len(result.Events),
			}),
		}
		events, err := s.store.CloseRound(ctx, roundID, result.Events, time.Now().UTC(), entry)
		if err != nil {
			return domain.Transition{}, err
		}
		tr.ScoreEvents = events
	}

	s.logger.Printf("round advanced round=%d from=%s to=%s actor=%s", roundID, from, to, actor)
	if s.bus != nil {
		if err := s.bus.Publish(tr); err != nil {
			s.logger.Printf("publish transition failed round=%d: %v", roundID, err)
		}
	}
	return tr, nil
}

func (s *Service) loadState(ctx context.Context, roundID int64) (domain.RoundState, error) {
	round, err := s.store.GetRound(ctx, roundID)
	if err != nil {
		return domain.RoundState{}, err
	}
	proposals, err := s.store.ListProposals(ctx, roundID)
	if err != nil {
		return domain.RoundState{}, err
	}
	critiques, err := s.store.ListCritiques(ctx, roundID)
	if err != nil {
		return domain.RoundState{}, err
	}
	votes, err := s.store.ListVotes(ctx, roundID)
	if err != nil {
		return domain.RoundState{}, err
	}
	proposers := make(map[int64]bool, len(proposals))
	for _, p := range proposals {
		proposers[p.AgentID] = true
	}
	return domain.RoundState{
		Round:            round,
		Proposals:        proposals,
		Critiques:        critiques,
		Votes:            votes,
		ParticipantCount: len(proposers),
	}, nil
}

func (s *Service) roundAndAgent(ctx context.Context, roundID, agentID int64) (domain.Round, domain.Agent, error) {
	round, err := s.store.GetRound(ctx, roundID)
	if err != nil {
		return domain.Round{}, domain.Agent{}, err
	}
	agent, err := s.store.GetAgent(ctx, agentID)
	if err != nil {
		return domain.Round{}, domain.Agent{}, err
	}
	return round, agent, nil
}

// audit records a round_log row. The write it describes has already been
// committed, so a failure here is logged rather than returned.
func (s *Service) audit(ctx context.Context, entry domain.RoundLog) {
	if err := s.store.LogRound(ctx, entry); err != nil {
		s.logger.Printf("round log failed round=%d action=%s: %v", entry.RoundID, entry.Action, err)
	}
}

func advanceMessage(to domain.Phase, state domain.RoundState) string {
	switch to {
	case domain.PhaseCritique:
		return fmt.Sprintf("Advanced to critique phase with %d proposals.", len(state.Proposals))
	case domain.PhaseVoting:
		return fmt.Sprintf("Advanced to voting phase with %d critiques.", len(state.Critiques))
	default:
		return fmt.Sprintf("Advanced to %s phase.", to)
	}
}

func closeMessage(state domain.RoundState, result scoring.Result) string {
	counts := fmt.Sprintf("%d proposals, %d critiques, %d votes", len(state.Proposals), len(state.Critiques), len(state.Votes))
	if len(result.Winners) == 0 {
		return fmt.Sprintf("Round closed (%s). No votes were cast; participation points awarded.", counts)
	}
	names := make(map[int64]string, len(state.Proposals))
	for _, p := range state.Proposals {
		names[p.AgentID] = p.AgentName
	}
	winners := make([]string, 0, len(result.Winners))
	for _, id := range result.Winners {
		name := names[id]
		if name == "" {
			name = fmt.Sprintf("agent %d", id)
		}
		winners = append(winners, name)
	}
	sort.Strings(winners)
	return fmt.Sprintf("Round closed (%s). Winner(s): %s. Scores awarded.", counts, strings.Join(winners, ", "))
}

func wrongPhase(round domain.Round, what string) error {
	if round.Phase == domain.PhaseClosed {
		return domain.Errorf(domain.KindInvalidPhase, "round %d is closed and no longer accepts %s", round.ID, what)
	}
	return domain.Errorf(domain.KindInvalidPhase, "round %d is in %s phase and does not accept %s", round.ID, round.Phase, what)
}

func validateText(field, raw string, limit int) (string, error) {
	text := strings.TrimSpace(raw)
	if text == "" {
		return "", domain.Errorf(domain.KindInvalidInput, "%s content is required", field)
	}
	if utf8.RuneCountInString(text) > limit {
		return "", domain.Errorf(domain.KindInvalidInput, "%s content exceeds %d characters", field, limit)
	}
	return text, nil
}

func actorFor(agentID int64) string {
	if agentID <= 0 {
		return systemActor
	}
	return fmt.Sprintf("agent:%d", agentID)
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}

type allowAll struct{}

func (allowAll) CanAdvance(domain.RoundState) (bool, string) { return true, "" }
