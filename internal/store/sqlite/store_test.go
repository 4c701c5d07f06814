package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"claw_council/internal/domain"
)

func TestAgentNamesAreUnique(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	alice := mustAgent(t, store, "alice")
	if alice.ID == 0 || alice.APIKey == "" {
		t.Fatalf("expected id and api key, got %+v", alice)
	}
	_, err := store.CreateAgent(ctx, domain.Agent{Name: "alice", APIKey: uuid.NewString()})
	if !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("duplicate name err=%v want conflict", err)
	}
	// Names compare case-sensitively.
	if _, err := store.CreateAgent(ctx, domain.Agent{Name: "Alice", APIKey: uuid.NewString()}); err != nil {
		t.Fatalf("create Alice: %v", err)
	}

	got, err := store.GetAgentByName(ctx, "alice")
	if err != nil {
		t.Fatalf("get by name: %v", err)
	}
	if got.ID != alice.ID {
		t.Fatalf("id=%d want=%d", got.ID, alice.ID)
	}
	if _, err := store.GetAgent(ctx, 999); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("missing agent err=%v want not found", err)
	}
	agents, err := store.ListAgents(ctx)
	if err != nil {
		t.Fatalf("list agents: %v", err)
	}
	if len(agents) != 2 {
		t.Fatalf("agents=%d want=2", len(agents))
	}
}

func TestGetAgentByAPIKey(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	alice := mustAgent(t, store, "alice")
	got, err := store.GetAgentByAPIKey(ctx, alice.APIKey)
	if err != nil {
		t.Fatalf("get by api key: %v", err)
	}
	if got.ID != alice.ID || got.Name != "alice" {
		t.Fatalf("unexpected agent: %+v", got)
	}
	if _, err := store.GetAgentByAPIKey(ctx, uuid.NewString()); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("unknown key err=%v want not found", err)
	}
}

func TestSubmissionsAndUniqueness(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	alice := mustAgent(t, store, "alice")
	bob := mustAgent(t, store, "bob")
	round := mustRound(t, store, "Pick a color")

	pa, err := store.CreateProposal(ctx, domain.Proposal{RoundID: round.ID, AgentID: alice.ID, Content: "Red"})
	if err != nil {
		t.Fatalf("create proposal: %v", err)
	}
	if _, err := store.CreateProposal(ctx, domain.Proposal{RoundID: round.ID, AgentID: alice.ID, Content: "Green"}); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("second proposal err=%v want conflict", err)
	}
	pb, err := store.CreateProposal(ctx, domain.Proposal{RoundID: round.ID, AgentID: bob.ID, Content: "Blue"})
	if err != nil {
		t.Fatalf("create proposal bob: %v", err)
	}

	if _, err := store.CreateCritique(ctx, domain.Critique{RoundID: round.ID, ProposalID: pa.ID, AgentID: bob.ID, Content: "Too bold"}); err != nil {
		t.Fatalf("create critique: %v", err)
	}
	if _, err := store.CreateCritique(ctx, domain.Critique{RoundID: round.ID, ProposalID: pa.ID, AgentID: bob.ID, Content: "Again"}); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("duplicate critique err=%v want conflict", err)
	}
	ok, err := store.HasCritique(ctx, round.ID, bob.ID, pa.ID)
	if err != nil || !ok {
		t.Fatalf("has critique=%v err=%v", ok, err)
	}

	if _, err := store.CreateVote(ctx, domain.Vote{RoundID: round.ID, AgentID: alice.ID, ProposalID: pb.ID}); err != nil {
		t.Fatalf("create vote: %v", err)
	}
	if _, err := store.CreateVote(ctx, domain.Vote{RoundID: round.ID, AgentID: alice.ID, ProposalID: pb.ID}); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("second vote err=%v want conflict", err)
	}

	proposals, err := store.ListProposals(ctx, round.ID)
	if err != nil {
		t.Fatalf("list proposals: %v", err)
	}
	if len(proposals) != 2 || proposals[0].ID != pa.ID || proposals[1].ID != pb.ID {
		t.Fatalf("unexpected proposal order: %+v", proposals)
	}
	if proposals[0].AgentName != "alice" || proposals[1].VoteCount != 1 || proposals[0].VoteCount != 0 {
		t.Fatalf("unexpected proposal view: %+v", proposals)
	}

	hasProposal, err := store.HasProposal(ctx, round.ID, bob.ID)
	if err != nil || !hasProposal {
		t.Fatalf("has proposal=%v err=%v", hasProposal, err)
	}
	hasVote, err := store.HasVote(ctx, round.ID, bob.ID)
	if err != nil || hasVote {
		t.Fatalf("bob has not voted, got %v err=%v", hasVote, err)
	}
	if _, err := store.GetProposal(ctx, round.ID+1, pa.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("proposal in other round err=%v want not found", err)
	}
}

func TestUpdateRoundPhaseIsConditional(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	round := mustRound(t, store, "prompt")
	entry := domain.RoundLog{RoundID: round.ID, Actor: "system", Action: "advance", Reason: "proposal -> critique"}
	if err := store.UpdateRoundPhase(ctx, round.ID, domain.PhaseProposal, domain.PhaseCritique, entry); err != nil {
		t.Fatalf("advance: %v", err)
	}
	err := store.UpdateRoundPhase(ctx, round.ID, domain.PhaseProposal, domain.PhaseCritique, entry)
	if !errors.Is(err, domain.ErrInvalidPhase) {
		t.Fatalf("stale advance err=%v want invalid phase", err)
	}
	if err := store.UpdateRoundPhase(ctx, 404, domain.PhaseProposal, domain.PhaseCritique, domain.RoundLog{}); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("missing round err=%v want not found", err)
	}

	logs, err := store.ListRoundLog(ctx, round.ID, 10)
	if err != nil {
		t.Fatalf("list round log: %v", err)
	}
	if len(logs) != 1 || logs[0].Action != "advance" || string(logs[0].Payload) != "{}" {
		t.Fatalf("unexpected round log: %+v", logs)
	}
}

func TestCloseRoundWritesEventsOnce(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	alice := mustAgent(t, store, "alice")
	round := mustRound(t, store, "prompt")
	for _, step := range [][2]domain.Phase{
		{domain.PhaseProposal, domain.PhaseCritique},
		{domain.PhaseCritique, domain.PhaseVoting},
	} {
		if err := store.UpdateRoundPhase(ctx, round.ID, step[0], step[1], domain.RoundLog{}); err != nil {
			t.Fatalf("advance %s: %v", step[0], err)
		}
	}

	events := []domain.ScoreEvent{
		{AgentID: alice.ID, Points: 10, Reason: domain.ReasonParticipation},
	}
	closedAt := time.Now().UTC()
	stored, err := store.CloseRound(ctx, round.ID, events, closedAt, domain.RoundLog{RoundID: round.ID, Actor: "system", Action: "close"})
	if err != nil {
		t.Fatalf("close round: %v", err)
	}
	if len(stored) != 1 || stored[0].ID == 0 || stored[0].RoundID != round.ID {
		t.Fatalf("unexpected stored events: %+v", stored)
	}

	_, err = store.CloseRound(ctx, round.ID, events, closedAt, domain.RoundLog{})
	if !errors.Is(err, domain.ErrAlreadyClosed) {
		t.Fatalf("second close err=%v want already closed", err)
	}
	all, err := store.ListRoundScoreEvents(ctx, round.ID)
	if err != nil {
		t.Fatalf("list score events: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("score events=%d want=1 after failed re-close", len(all))
	}

	got, err := store.GetRound(ctx, round.ID)
	if err != nil {
		t.Fatalf("get round: %v", err)
	}
	if got.Phase != domain.PhaseClosed || got.ClosedAt == nil {
		t.Fatalf("round not closed: %+v", got)
	}
}

func TestCloseRoundIsAllOrNothing(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	alice := mustAgent(t, store, "alice")
	round := mustRound(t, store, "prompt")
	for _, step := range [][2]domain.Phase{
		{domain.PhaseProposal, domain.PhaseCritique},
		{domain.PhaseCritique, domain.PhaseVoting},
	} {
		if err := store.UpdateRoundPhase(ctx, round.ID, step[0], step[1], domain.RoundLog{}); err != nil {
			t.Fatalf("advance %s: %v", step[0], err)
		}
	}

	// The second event names an agent that does not exist, so its insert
	// fails on the foreign key after the first one went through.
	events := []domain.ScoreEvent{
		{AgentID: alice.ID, Points: 10, Reason: domain.ReasonParticipation},
		{AgentID: 9999, Points: 1, Reason: domain.ReasonParticipation},
	}
	if _, err := store.CloseRound(ctx, round.ID, events, time.Now().UTC(), domain.RoundLog{RoundID: round.ID, Actor: "system", Action: "close"}); err == nil {
		t.Fatalf("close with unknown agent should fail")
	}

	got, err := store.GetRound(ctx, round.ID)
	if err != nil {
		t.Fatalf("get round: %v", err)
	}
	if got.Phase != domain.PhaseVoting || got.ClosedAt != nil {
		t.Fatalf("failed close left round %+v, want voting", got)
	}
	stored, err := store.ListRoundScoreEvents(ctx, round.ID)
	if err != nil {
		t.Fatalf("list score events: %v", err)
	}
	if len(stored) != 0 {
		t.Fatalf("failed close left %d score events", len(stored))
	}
	logs, err := store.ListRoundLog(ctx, round.ID, 0)
	if err != nil {
		t.Fatalf("list round log: %v", err)
	}
	if len(logs) != 0 {
		t.Fatalf("failed close left %d log rows", len(logs))
	}

	if _, err := store.CloseRound(ctx, round.ID, events[:1], time.Now().UTC(), domain.RoundLog{}); err != nil {
		t.Fatalf("retry close: %v", err)
	}
	got, err = store.GetRound(ctx, round.ID)
	if err != nil {
		t.Fatalf("get round: %v", err)
	}
	if got.Phase != domain.PhaseClosed {
		t.Fatalf("retry left phase=%s", got.Phase)
	}
}

func TestCloseRoundRequiresVotingPhase(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	round := mustRound(t, store, "prompt")
	_, err := store.CloseRound(ctx, round.ID, nil, time.Now().UTC(), domain.RoundLog{})
	if !errors.Is(err, domain.ErrInvalidPhase) {
		t.Fatalf("close from proposal err=%v want invalid phase", err)
	}
}

func TestCountRoundsParticipated(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	alice := mustAgent(t, store, "alice")
	bob := mustAgent(t, store, "bob")
	carol := mustAgent(t, store, "carol")
	r1 := mustRound(t, store, "one")
	r2 := mustRound(t, store, "two")

	p1, err := store.CreateProposal(ctx, domain.Proposal{RoundID: r1.ID, AgentID: alice.ID, Content: "a"})
	if err != nil {
		t.Fatalf("proposal: %v", err)
	}
	if _, err := store.CreateVote(ctx, domain.Vote{RoundID: r1.ID, AgentID: bob.ID, ProposalID: p1.ID}); err != nil {
		t.Fatalf("vote: %v", err)
	}
	if _, err := store.CreateCritique(ctx, domain.Critique{RoundID: r1.ID, ProposalID: p1.ID, AgentID: bob.ID, Content: "c"}); err != nil {
		t.Fatalf("critique: %v", err)
	}
	if _, err := store.CreateProposal(ctx, domain.Proposal{RoundID: r2.ID, AgentID: alice.ID, Content: "b"}); err != nil {
		t.Fatalf("proposal r2: %v", err)
	}

	counts, err := store.CountRoundsParticipated(ctx)
	if err != nil {
		t.Fatalf("count participation: %v", err)
	}
	if counts[alice.ID] != 2 || counts[bob.ID] != 1 || counts[carol.ID] != 0 {
		t.Fatalf("unexpected participation counts: %v", counts)
	}
}

func TestListRoundsNewestFirst(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	base := time.Now().UTC()
	first, err := store.CreateRound(ctx, domain.Round{Prompt: "first", CreatedAt: base})
	if err != nil {
		t.Fatalf("create first: %v", err)
	}
	second, err := store.CreateRound(ctx, domain.Round{Prompt: "second", CreatedAt: base.Add(time.Second)})
	if err != nil {
		t.Fatalf("create second: %v", err)
	}
	rounds, err := store.ListRounds(ctx)
	if err != nil {
		t.Fatalf("list rounds: %v", err)
	}
	if len(rounds) != 2 || rounds[0].ID != second.ID || rounds[1].ID != first.ID {
		t.Fatalf("unexpected order: %+v", rounds)
	}
	if rounds[0].Phase != domain.PhaseProposal {
		t.Fatalf("new round phase=%s want proposal", rounds[0].Phase)
	}
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	store, err := Open(dbPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate store: %v", err)
	}
	return store
}

func mustAgent(t *testing.T, store *Store, name string) domain.Agent {
	t.Helper()
	agent, err := store.CreateAgent(context.Background(), domain.Agent{Name: name, APIKey: uuid.NewString()})
	if err != nil {
		t.Fatalf("create agent %s: %v", name, err)
	}
	return agent
}

func mustRound(t *testing.T, store *Store, prompt string) domain.Round {
	t.Helper()
	round, err := store.CreateRound(context.Background(), domain.Round{Prompt: prompt})
	if err != nil {
		t.Fatalf("create round %s: %v", prompt, err)
	}
	return round
}
