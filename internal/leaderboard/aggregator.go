// Package leaderboard derives standings from the append-only score events.
// Nothing is cached: every call folds the current events again, so a read
// right after a round closes already includes that round.
package leaderboard

import (
	"context"
	"fmt"
	"log"
	"sort"
	"time"

	"claw_council/internal/domain"
)

type Store interface {
	ListAgents(ctx context.Context) ([]domain.Agent, error)
	ListScoreEvents(ctx context.Context) ([]domain.ScoreEvent, error)
	CountRoundsParticipated(ctx context.Context) (map[int64]int, error)
	GetRound(ctx context.Context, roundID int64) (domain.Round, error)
	ListRoundScoreEvents(ctx context.Context, roundID int64) ([]domain.ScoreEvent, error)
}

type Aggregator struct {
	store  Store
	logger *log.Logger
	now    func() time.Time
}

func New(store Store, logger *log.Logger) *Aggregator {
	if logger == nil {
		logger = log.Default()
	}
	return &Aggregator{
		store:  store,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (a *Aggregator) Global(ctx context.Context) (domain.Leaderboard, error) {
	board, err := a.global(ctx)
	if err != nil {
		a.logger.Printf("leaderboard failed: %v", err)
		return domain.Leaderboard{}, err
	}
	return board, nil
}

func (a *Aggregator) global(ctx context.Context) (domain.Leaderboard, error) {
	agents, err := a.store.ListAgents(ctx)
	if err != nil {
		return domain.Leaderboard{}, fmt.Errorf("load agents: %w", err)
	}
	events, err := a.store.ListScoreEvents(ctx)
	if err != nil {
		return domain.Leaderboard{}, fmt.Errorf("load score events: %w", err)
	}
	participation, err := a.store.CountRoundsParticipated(ctx)
	if err != nil {
		return domain.Leaderboard{}, fmt.Errorf("load participation: %w", err)
	}
	return domain.Leaderboard{
		Entries: Rank(agents, events, participation),
		AsOf:    a.now(),
	}, nil
}

// RoundScoreEvents returns the events of a closed round in creation order.
// A round that exists but has not closed is reported as NotFound; a closed
// round with no events returns an empty slice.
func (a *Aggregator) RoundScoreEvents(ctx context.Context, roundID int64) ([]domain.ScoreEvent, error) {
	round, err := a.store.GetRound(ctx, roundID)
	if err != nil {
		return nil, err
	}
	if round.Phase != domain.PhaseClosed {
		return nil, domain.Errorf(domain.KindNotFound, "round %d has not closed yet (phase %s)", roundID, round.Phase)
	}
	return a.store.ListRoundScoreEvents(ctx, roundID)
}

// Rank folds events into one entry per agent, sorted by total score
// descending and agent id ascending. Ranks are 1-based positions in that
// order, so tied totals still get distinct ranks.
func Rank(agents []domain.Agent, events []domain.ScoreEvent, participation map[int64]int) []domain.LeaderboardEntry {
	byID := make(map[int64]*domain.LeaderboardEntry, len(agents))
	for _, agent := range agents {
		byID[agent.ID] = &domain.LeaderboardEntry{AgentID: agent.ID, Name: agent.Name}
	}
	for _, ev := range events {
		entry, ok := byID[ev.AgentID]
		if !ok {
			entry = &domain.LeaderboardEntry{AgentID: ev.AgentID, Name: fmt.Sprintf("agent %d", ev.AgentID)}
			byID[ev.AgentID] = entry
		}
		entry.TotalScore += ev.Points
	}

	out := make([]domain.LeaderboardEntry, 0, len(byID))
	for id, entry := range byID {
		entry.RoundsParticipated = participation[id]
		out = append(out, *entry)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TotalScore != out[j].TotalScore {
			return out[i].TotalScore > out[j].TotalScore
		}
		return out[i].AgentID < out[j].AgentID
	})
	for i := range out {
		out[i].Rank = i + 1
	}
	return out
}
