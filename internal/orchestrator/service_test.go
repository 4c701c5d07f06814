package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"

	"claw_council/internal/domain"
	"claw_council/internal/messaging/inproc"
	"claw_council/internal/policy"
	"claw_council/internal/scoring"
	sqlitestore "claw_council/internal/store/sqlite"
)

type harness struct {
	svc   *Service
	store *sqlitestore.Store
	bus   *inproc.Bus
}

func newHarness(t *testing.T, guards policy.Config) *harness {
	t.Helper()
	store, err := sqlitestore.Open(filepath.Join(t.TempDir(), "council.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate store: %v", err)
	}
	scorer, err := scoring.New(scoring.DefaultPolicy())
	if err != nil {
		t.Fatalf("scoring engine: %v", err)
	}
	bus := inproc.New(16)
	svc := New(store, scorer, policy.New(guards), bus, Config{}, log.New(io.Discard, "", 0))
	return &harness{svc: svc, store: store, bus: bus}
}

func (h *harness) agent(t *testing.T, name string) domain.Agent {
	t.Helper()
	agent, err := h.store.CreateAgent(context.Background(), domain.Agent{Name: name, APIKey: uuid.NewString()})
	if err != nil {
		t.Fatalf("create agent %s: %v", name, err)
	}
	return agent
}

func (h *harness) round(t *testing.T, prompt string) domain.Round {
	t.Helper()
	round, err := h.svc.CreateRound(context.Background(), CreateRoundInput{Prompt: prompt})
	if err != nil {
		t.Fatalf("create round: %v", err)
	}
	return round
}

func (h *harness) advance(t *testing.T, roundID int64, want domain.Phase) domain.Transition {
	t.Helper()
	tr, err := h.svc.Advance(context.Background(), roundID, "")
	if err != nil {
		t.Fatalf("advance to %s: %v", want, err)
	}
	if tr.NewPhase != want {
		t.Fatalf("new phase=%s want=%s", tr.NewPhase, want)
	}
	return tr
}

func TestScenarioPickAColor(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, policy.Config{})
	transitions := h.bus.Subscribe("test")

	round := h.round(t, "Pick a color")
	if round.Phase != domain.PhaseProposal {
		t.Fatalf("new round phase=%s want proposal", round.Phase)
	}
	alice := h.agent(t, "Alice")
	bob := h.agent(t, "Bob")

	red, err := h.svc.SubmitProposal(ctx, round.ID, alice.ID, "Red")
	if err != nil {
		t.Fatalf("alice proposal: %v", err)
	}
	blue, err := h.svc.SubmitProposal(ctx, round.ID, bob.ID, "Blue")
	if err != nil {
		t.Fatalf("bob proposal: %v", err)
	}
	h.advance(t, round.ID, domain.PhaseCritique)

	if _, err := h.svc.SubmitCritique(ctx, round.ID, bob.ID, red.ID, "Too aggressive"); err != nil {
		t.Fatalf("bob critique: %v", err)
	}
	h.advance(t, round.ID, domain.PhaseVoting)

	if _, err := h.svc.SubmitVote(ctx, round.ID, alice.ID, blue.ID); err != nil {
		t.Fatalf("alice vote: %v", err)
	}
	state, err := h.svc.GetRoundState(ctx, round.ID)
	if err != nil {
		t.Fatalf("round state: %v", err)
	}
	if state.Proposals[0].VoteCount != 0 || state.Proposals[1].VoteCount != 1 {
		t.Fatalf("unexpected vote counts: %+v", state.Proposals)
	}

	tr := h.advance(t, round.ID, domain.PhaseClosed)
	if !strings.Contains(tr.Message, "Winner(s): Bob") {
		t.Fatalf("close message=%q want Bob named as winner", tr.Message)
	}

	events, err := h.store.ListRoundScoreEvents(ctx, round.ID)
	if err != nil {
		t.Fatalf("list score events: %v", err)
	}
	want := []struct {
		agent  int64
		reason domain.ScoreReason
	}{
		{bob.ID, domain.ReasonProposalWin},
		{alice.ID, domain.ReasonCorrectVote},
		{alice.ID, domain.ReasonParticipation},
		{bob.ID, domain.ReasonParticipation},
	}
	if len(events) != len(want) {
		t.Fatalf("events=%d want=%d: %+v", len(events), len(want), events)
	}
	for i, w := range want {
		if events[i].AgentID != w.agent || events[i].Reason != w.reason {
			t.Fatalf("event[%d]=%+v want agent=%d reason=%s", i, events[i], w.agent, w.reason)
		}
	}
	if len(tr.ScoreEvents) != len(events) {
		t.Fatalf("transition carried %d events, stored %d", len(tr.ScoreEvents), len(events))
	}

	var seen []domain.Phase
	for i := 0; i < 3; i++ {
		seen = append(seen, (<-transitions).NewPhase)
	}
	if seen[0] != domain.PhaseCritique || seen[1] != domain.PhaseVoting || seen[2] != domain.PhaseClosed {
		t.Fatalf("published transitions=%v", seen)
	}
}

func TestVoteDuringProposalIsInvalidPhase(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, policy.Config{})
	round := h.round(t, "prompt")
	alice := h.agent(t, "Alice")
	bob := h.agent(t, "Bob")
	p, err := h.svc.SubmitProposal(ctx, round.ID, alice.ID, "Red")
	if err != nil {
		t.Fatalf("proposal: %v", err)
	}
	if _, err := h.svc.SubmitVote(ctx, round.ID, bob.ID, p.ID); !errors.Is(err, domain.ErrInvalidPhase) {
		t.Fatalf("vote err=%v want invalid phase", err)
	}
	if _, err := h.svc.SubmitCritique(ctx, round.ID, bob.ID, p.ID, "meh"); !errors.Is(err, domain.ErrInvalidPhase) {
		t.Fatalf("critique err=%v want invalid phase", err)
	}
}

func TestSecondProposalIsConflict(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, policy.Config{})
	round := h.round(t, "prompt")
	alice := h.agent(t, "Alice")
	if _, err := h.svc.SubmitProposal(ctx, round.ID, alice.ID, "Red"); err != nil {
		t.Fatalf("first proposal: %v", err)
	}
	if _, err := h.svc.SubmitProposal(ctx, round.ID, alice.ID, "Green"); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("second proposal err=%v want conflict", err)
	}
}

func TestSelfReferenceIsRejected(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, policy.Config{})
	round := h.round(t, "prompt")
	alice := h.agent(t, "Alice")
	bob := h.agent(t, "Bob")
	if _, err := h.svc.SubmitProposal(ctx, round.ID, alice.ID, "Red"); err != nil {
		t.Fatalf("alice proposal: %v", err)
	}
	blue, err := h.svc.SubmitProposal(ctx, round.ID, bob.ID, "Blue")
	if err != nil {
		t.Fatalf("bob proposal: %v", err)
	}
	h.advance(t, round.ID, domain.PhaseCritique)
	if _, err := h.svc.SubmitCritique(ctx, round.ID, bob.ID, blue.ID, "I love it"); !errors.Is(err, domain.ErrSelfReference) {
		t.Fatalf("self critique err=%v want self reference", err)
	}
	h.advance(t, round.ID, domain.PhaseVoting)
	if _, err := h.svc.SubmitVote(ctx, round.ID, bob.ID, blue.ID); !errors.Is(err, domain.ErrSelfReference) {
		t.Fatalf("self vote err=%v want self reference", err)
	}
}

func TestTieAwardsEveryTiedAuthor(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, policy.Config{})
	round := h.round(t, "tie")

	agents := make([]domain.Agent, 4)
	proposals := make([]domain.Proposal, 4)
	for i := range agents {
		agents[i] = h.agent(t, fmt.Sprintf("agent-%d", i))
		p, err := h.svc.SubmitProposal(ctx, round.ID, agents[i].ID, fmt.Sprintf("idea %d", i))
		if err != nil {
			t.Fatalf("proposal %d: %v", i, err)
		}
		proposals[i] = p
	}
	h.advance(t, round.ID, domain.PhaseCritique)
	h.advance(t, round.ID, domain.PhaseVoting)

	// 0 and 1 each get two votes, 2 and 3 none.
	votes := map[int]int{0: 1, 1: 0, 2: 0, 3: 1}
	for voter, target := range votes {
		if _, err := h.svc.SubmitVote(ctx, round.ID, agents[voter].ID, proposals[target].ID); err != nil {
			t.Fatalf("vote %d->%d: %v", voter, target, err)
		}
	}
	tr := h.advance(t, round.ID, domain.PhaseClosed)

	winners := map[int64]bool{}
	for _, ev := range tr.ScoreEvents {
		if ev.Reason == domain.ReasonProposalWin {
			winners[ev.AgentID] = true
		}
	}
	if len(winners) != 2 || !winners[agents[0].ID] || !winners[agents[1].ID] {
		t.Fatalf("winners=%v want agents 0 and 1", winners)
	}
}

func TestReclosingFailsWithoutNewEvents(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, policy.Config{})
	round := h.round(t, "prompt")
	alice := h.agent(t, "Alice")
	if _, err := h.svc.SubmitProposal(ctx, round.ID, alice.ID, "Red"); err != nil {
		t.Fatalf("proposal: %v", err)
	}
	h.advance(t, round.ID, domain.PhaseCritique)
	h.advance(t, round.ID, domain.PhaseVoting)
	tr := h.advance(t, round.ID, domain.PhaseClosed)
	if !strings.Contains(tr.Message, "No votes were cast") {
		t.Fatalf("message=%q", tr.Message)
	}

	if _, err := h.svc.Advance(ctx, round.ID, ""); !errors.Is(err, domain.ErrAlreadyClosed) {
		t.Fatalf("re-close err=%v want already closed", err)
	}
	events, err := h.store.ListRoundScoreEvents(ctx, round.ID)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("events=%d want=1", len(events))
	}
	if _, err := h.svc.SubmitProposal(ctx, round.ID, alice.ID, "late"); !errors.Is(err, domain.ErrInvalidPhase) {
		t.Fatalf("late proposal err=%v want invalid phase", err)
	}
}

// strayScorer appends an event for an unregistered agent while stray is set,
// which makes the store reject the close part way through.
type strayScorer struct {
	inner Scorer
	stray bool
}

func (s *strayScorer) Score(in scoring.Input) scoring.Result {
	res := s.inner.Score(in)
	if s.stray {
		res.Events = append(res.Events, domain.ScoreEvent{AgentID: 9999, Points: 1, Reason: domain.ReasonParticipation})
	}
	return res
}

func TestFailedCloseLeavesRoundVotingAndRetrySucceeds(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, policy.Config{})
	inner, err := scoring.New(scoring.DefaultPolicy())
	if err != nil {
		t.Fatalf("scoring engine: %v", err)
	}
	scorer := &strayScorer{inner: inner, stray: true}
	svc := New(h.store, scorer, nil, nil, Config{}, log.New(io.Discard, "", 0))

	round := h.round(t, "prompt")
	alice := h.agent(t, "Alice")
	bob := h.agent(t, "Bob")
	if _, err := svc.SubmitProposal(ctx, round.ID, alice.ID, "Red"); err != nil {
		t.Fatalf("alice proposal: %v", err)
	}
	blue, err := svc.SubmitProposal(ctx, round.ID, bob.ID, "Blue")
	if err != nil {
		t.Fatalf("bob proposal: %v", err)
	}
	for _, want := range []domain.Phase{domain.PhaseCritique, domain.PhaseVoting} {
		if tr, err := svc.Advance(ctx, round.ID, ""); err != nil || tr.NewPhase != want {
			t.Fatalf("advance to %s: tr=%+v err=%v", want, tr, err)
		}
	}
	if _, err := svc.SubmitVote(ctx, round.ID, alice.ID, blue.ID); err != nil {
		t.Fatalf("vote: %v", err)
	}

	if _, err := svc.Advance(ctx, round.ID, ""); err == nil {
		t.Fatalf("close should fail when an event cannot be stored")
	}
	got, err := h.store.GetRound(ctx, round.ID)
	if err != nil {
		t.Fatalf("get round: %v", err)
	}
	if got.Phase != domain.PhaseVoting {
		t.Fatalf("failed close left phase=%s want voting", got.Phase)
	}
	events, err := h.store.ListRoundScoreEvents(ctx, round.ID)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("failed close stored %d events", len(events))
	}

	scorer.stray = false
	tr, err := svc.Advance(ctx, round.ID, "")
	if err != nil {
		t.Fatalf("retry close: %v", err)
	}
	if tr.NewPhase != domain.PhaseClosed || len(tr.ScoreEvents) != 4 {
		t.Fatalf("retry transition=%+v want closed with 4 events", tr)
	}
}

func TestSecondVoteOnAnotherProposalIsConflict(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, policy.Config{})
	round := h.round(t, "prompt")
	alice := h.agent(t, "Alice")
	bob := h.agent(t, "Bob")
	carol := h.agent(t, "Carol")
	pb, err := h.svc.SubmitProposal(ctx, round.ID, bob.ID, "Blue")
	if err != nil {
		t.Fatalf("bob proposal: %v", err)
	}
	pc, err := h.svc.SubmitProposal(ctx, round.ID, carol.ID, "Green")
	if err != nil {
		t.Fatalf("carol proposal: %v", err)
	}
	h.advance(t, round.ID, domain.PhaseCritique)
	h.advance(t, round.ID, domain.PhaseVoting)

	if _, err := h.svc.SubmitVote(ctx, round.ID, alice.ID, pb.ID); err != nil {
		t.Fatalf("first vote: %v", err)
	}
	if _, err := h.svc.SubmitVote(ctx, round.ID, alice.ID, pc.ID); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("second vote err=%v want conflict", err)
	}
	votes, err := h.svc.ListVotes(ctx, round.ID)
	if err != nil {
		t.Fatalf("list votes: %v", err)
	}
	if len(votes) != 1 || votes[0].ProposalID != pb.ID {
		t.Fatalf("votes=%+v want only the first", votes)
	}
}

func TestValidationErrors(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, policy.Config{})

	if _, err := h.svc.CreateRound(ctx, CreateRoundInput{Prompt: "   "}); !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("empty prompt err=%v want invalid input", err)
	}
	if _, err := h.svc.CreateRound(ctx, CreateRoundInput{Prompt: "x", CreatedBy: 404}); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("unknown creator err=%v want not found", err)
	}

	round := h.round(t, "prompt")
	alice := h.agent(t, "Alice")
	bob := h.agent(t, "Bob")
	if _, err := h.svc.SubmitProposal(ctx, round.ID, alice.ID, ""); !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("empty proposal err=%v want invalid input", err)
	}
	long := strings.Repeat("é", domain.MaxProposalChars+1)
	if _, err := h.svc.SubmitProposal(ctx, round.ID, alice.ID, long); !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("long proposal err=%v want invalid input", err)
	}
	exact := strings.Repeat("é", domain.MaxProposalChars)
	p, err := h.svc.SubmitProposal(ctx, round.ID, alice.ID, "  "+exact+"  ")
	if err != nil {
		t.Fatalf("proposal at the limit: %v", err)
	}
	if p.Content != exact {
		t.Fatalf("content was not trimmed")
	}
	if _, err := h.svc.SubmitProposal(ctx, 999, alice.ID, "x"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("unknown round err=%v want not found", err)
	}
	if _, err := h.svc.SubmitProposal(ctx, round.ID, 999, "x"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("unknown agent err=%v want not found", err)
	}

	h.advance(t, round.ID, domain.PhaseCritique)
	if _, err := h.svc.SubmitCritique(ctx, round.ID, bob.ID, 999, "x"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("unknown proposal err=%v want not found", err)
	}
	if _, err := h.svc.SubmitCritique(ctx, round.ID, bob.ID, p.ID, strings.Repeat("a", domain.MaxCritiqueChars+1)); !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("long critique err=%v want invalid input", err)
	}
	if _, err := h.svc.SubmitCritique(ctx, round.ID, bob.ID, p.ID, "fine"); err != nil {
		t.Fatalf("critique: %v", err)
	}
	if _, err := h.svc.SubmitCritique(ctx, round.ID, bob.ID, p.ID, "again"); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("duplicate critique err=%v want conflict", err)
	}

	if _, err := h.svc.GetRoundState(ctx, 999); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("unknown round state err=%v want not found", err)
	}
}

func TestProposalFromOtherRoundIsNotFound(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, policy.Config{})
	r1 := h.round(t, "one")
	r2 := h.round(t, "two")
	alice := h.agent(t, "Alice")
	bob := h.agent(t, "Bob")
	p, err := h.svc.SubmitProposal(ctx, r1.ID, alice.ID, "Red")
	if err != nil {
		t.Fatalf("proposal: %v", err)
	}
	h.advance(t, r2.ID, domain.PhaseCritique)
	h.advance(t, r2.ID, domain.PhaseVoting)
	if _, err := h.svc.SubmitVote(ctx, r2.ID, bob.ID, p.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("cross-round vote err=%v want not found", err)
	}
}

func TestAdvanceGuards(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, policy.Config{MinProposals: 2, RequireCritiqueCoverage: true, RequireVote: true})
	round := h.round(t, "guarded")
	alice := h.agent(t, "Alice")
	bob := h.agent(t, "Bob")

	pa, err := h.svc.SubmitProposal(ctx, round.ID, alice.ID, "Red")
	if err != nil {
		t.Fatalf("proposal: %v", err)
	}
	if _, err := h.svc.Advance(ctx, round.ID, ""); !errors.Is(err, domain.ErrPrecondition) {
		t.Fatalf("advance with one proposal err=%v want precondition", err)
	}
	pb, err := h.svc.SubmitProposal(ctx, round.ID, bob.ID, "Blue")
	if err != nil {
		t.Fatalf("proposal: %v", err)
	}
	h.advance(t, round.ID, domain.PhaseCritique)

	if _, err := h.svc.SubmitCritique(ctx, round.ID, bob.ID, pa.ID, "hmm"); err != nil {
		t.Fatalf("critique: %v", err)
	}
	_, err = h.svc.Advance(ctx, round.ID, "")
	if !errors.Is(err, domain.ErrPrecondition) || !strings.Contains(err.Error(), "Alice") {
		t.Fatalf("coverage err=%v want precondition naming Alice", err)
	}
	if _, err := h.svc.SubmitCritique(ctx, round.ID, alice.ID, pb.ID, "hmm"); err != nil {
		t.Fatalf("critique: %v", err)
	}
	h.advance(t, round.ID, domain.PhaseVoting)

	if _, err := h.svc.Advance(ctx, round.ID, ""); !errors.Is(err, domain.ErrPrecondition) {
		t.Fatalf("close without votes err=%v want precondition", err)
	}
	state, err := h.svc.GetRoundState(ctx, round.ID)
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	if state.Round.Phase != domain.PhaseVoting {
		t.Fatalf("blocked advance must not move the round, phase=%s", state.Round.Phase)
	}

	logs, err := h.svc.ListRoundLog(ctx, round.ID, 100)
	if err != nil {
		t.Fatalf("round log: %v", err)
	}
	blocked := 0
	for _, entry := range logs {
		if entry.Action == "advance_blocked" {
			blocked++
		}
	}
	if blocked != 3 {
		t.Fatalf("advance_blocked entries=%d want=3", blocked)
	}
}

func TestConcurrentProposalsFromOneAgent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, policy.Config{})
	round := h.round(t, "race")
	alice := h.agent(t, "Alice")

	const attempts = 12
	var wg sync.WaitGroup
	errs := make([]error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = h.svc.SubmitProposal(ctx, round.ID, alice.ID, fmt.Sprintf("idea %d", i))
		}(i)
	}
	wg.Wait()

	ok := 0
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, domain.ErrConflict):
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if ok != 1 {
		t.Fatalf("accepted proposals=%d want=1", ok)
	}
	if n := h.svc.locks.size(); n != 0 {
		t.Fatalf("round locks leaked: %d", n)
	}
}

func TestConcurrentAdvanceClosesOnce(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, policy.Config{})
	round := h.round(t, "race")
	agents := make([]domain.Agent, 6)
	for i := range agents {
		agents[i] = h.agent(t, fmt.Sprintf("a%d", i))
		if _, err := h.svc.SubmitProposal(ctx, round.ID, agents[i].ID, "p"); err != nil {
			t.Fatalf("proposal: %v", err)
		}
	}
	h.advance(t, round.ID, domain.PhaseCritique)
	h.advance(t, round.ID, domain.PhaseVoting)

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = h.svc.Advance(ctx, round.ID, "")
		}(i)
	}
	wg.Wait()

	closed := 0
	for _, err := range errs {
		switch {
		case err == nil:
			closed++
		case errors.Is(err, domain.ErrAlreadyClosed):
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if closed != 1 {
		t.Fatalf("successful closes=%d want=1", closed)
	}
	events, err := h.store.ListRoundScoreEvents(ctx, round.ID)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != len(agents) {
		t.Fatalf("events=%d want one participation event per agent", len(events))
	}
}

func TestRoundsAreIndependent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, policy.Config{})
	agents := make([]domain.Agent, 5)
	for i := range agents {
		agents[i] = h.agent(t, fmt.Sprintf("agent-%d", i))
	}
	rounds := make([]domain.Round, 4)
	for i := range rounds {
		rounds[i] = h.round(t, fmt.Sprintf("round %d", i))
	}

	var wg sync.WaitGroup
	for _, r := range rounds {
		for _, a := range agents {
			wg.Add(1)
			go func(roundID, agentID int64) {
				defer wg.Done()
				if _, err := h.svc.SubmitProposal(ctx, roundID, agentID, "p"); err != nil {
					t.Errorf("proposal round=%d agent=%d: %v", roundID, agentID, err)
				}
			}(r.ID, a.ID)
		}
	}
	wg.Wait()

	for _, r := range rounds {
		state, err := h.svc.GetRoundState(ctx, r.ID)
		if err != nil {
			t.Fatalf("state: %v", err)
		}
		if len(state.Proposals) != len(agents) || state.ParticipantCount != len(agents) {
			t.Fatalf("round %d proposals=%d participants=%d", r.ID, len(state.Proposals), state.ParticipantCount)
		}
	}
}
