package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"claw_council/internal/config"
	"claw_council/internal/domain"
	"claw_council/internal/httpapi"
	"claw_council/internal/leaderboard"
	"claw_council/internal/messaging/inproc"
	"claw_council/internal/orchestrator"
	"claw_council/internal/policy"
	"claw_council/internal/registry"
	"claw_council/internal/scoring"
	sqlitestore "claw_council/internal/store/sqlite"
	"claw_council/internal/telemetry"
)

func main() {
	configPath := flag.String("config", "", "path to config.toml (default: ~/.claw_council/config.toml)")
	addrFlag := flag.String("addr", "", "http listen address override")
	dbPathFlag := flag.String("db", "", "sqlite database path override")
	demo := flag.Bool("demo", false, "play a demo round on startup")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger := log.Default()
	if prefix := strings.TrimSpace(cfg.Server.LogPrefix); prefix != "" {
		logger = log.New(os.Stderr, prefix+" ", log.LstdFlags)
	}

	addr := firstNonEmpty(*addrFlag, cfg.Server.Addr, ":8092")
	dbPath := filepath.Clean(firstNonEmpty(*dbPathFlag, cfg.Server.DBPath, "data/claw_council.db"))
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		logger.Fatalf("create db directory: %v", err)
	}

	scoringPolicy := scoringPolicyFrom(cfg.Scoring)
	scorer, err := scoring.New(scoringPolicy)
	if err != nil {
		logger.Fatalf("scoring policy: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTracing, err := telemetry.Setup(ctx, cfg.Telemetry.OTelEndpoint, cfg.Telemetry.ServiceName)
	if err != nil {
		logger.Printf("telemetry disabled: %v", err)
	}
	defer func() {
		flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer flushCancel()
		_ = shutdownTracing(flushCtx)
	}()

	store, err := sqlitestore.Open(dbPath)
	if err != nil {
		logger.Fatalf("open sqlite store: %v", err)
	}
	defer func() {
		_ = store.Close()
	}()
	if err := store.Migrate(ctx); err != nil {
		logger.Fatalf("migrate sqlite: %v", err)
	}

	bus := inproc.New(256)
	transitions := bus.Subscribe("audit")
	defer bus.Unsubscribe("audit")
	go logTransitions(ctx, transitions, logger)

	guards := policy.New(policy.Config{
		MinProposals:            cfg.Rounds.MinProposals,
		RequireCritiqueCoverage: cfg.Rounds.RequireCritiqueCoverage,
		RequireVote:             cfg.Rounds.RequireVote,
	})
	engine := orchestrator.New(store, scorer, guards, bus, orchestrator.Config{
		MaxPromptChars:   cfg.Rounds.MaxPromptChars,
		MaxProposalChars: cfg.Rounds.MaxProposalChars,
		MaxCritiqueChars: cfg.Rounds.MaxCritiqueChars,
	}, logger)
	agents := registry.New(store, logger)
	board := leaderboard.New(store, logger)

	if *demo {
		if err := bootstrapDemo(ctx, engine, agents, logger); err != nil {
			logger.Printf("demo bootstrap failed: %v", err)
		}
	}

	api := httpapi.New(engine, agents, board, httpapi.Options{
		ConfigPath: cfg.Path,
		ConfigRaw:  cfg.Raw,
		Logger:     logger,
	})
	server := &http.Server{
		Addr:              addr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: durationMS(cfg.Server.ReadHeaderTimeoutMS, 5*time.Second),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	logger.Printf(
		"claw_council started addr=%s db=%s win=%d correct_vote=%d participation=%d critique_bonus=%d",
		addr,
		dbPath,
		scoringPolicy.WinPoints,
		scoringPolicy.CorrectVotePoints,
		scoringPolicy.ParticipationPoints,
		scoringPolicy.CritiqueBonusPoints,
	)

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatalf("http server failed: %v", err)
	}
}

func scoringPolicyFrom(c config.ScoringConfig) scoring.Policy {
	p := scoring.DefaultPolicy()
	if c.WinPoints != nil {
		p.WinPoints = *c.WinPoints
	}
	if c.CorrectVotePoints != nil {
		p.CorrectVotePoints = *c.CorrectVotePoints
	}
	if c.ParticipationPoints != nil {
		p.ParticipationPoints = *c.ParticipationPoints
	}
	if c.CritiqueBonusPoints != nil {
		p.CritiqueBonusPoints = *c.CritiqueBonusPoints
	}
	return p
}

func logTransitions(ctx context.Context, ch <-chan domain.Transition, logger *log.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case tr, ok := <-ch:
			if !ok {
				return
			}
			logger.Printf("transition round=%d %s -> %s events=%d: %s",
				tr.RoundID, tr.PreviousPhase, tr.NewPhase, len(tr.ScoreEvents), tr.Message)
		}
	}
}

// bootstrapDemo plays one full round between two agents.
func bootstrapDemo(ctx context.Context, engine *orchestrator.Service, agents *registry.Registry, logger *log.Logger) error {
	alice, err := agents.Ensure(ctx, "Alice")
	if err != nil {
		return err
	}
	bob, err := agents.Ensure(ctx, "Bob")
	if err != nil {
		return err
	}
	round, err := engine.CreateRound(ctx, orchestrator.CreateRoundInput{Prompt: "Pick a color", CreatedBy: alice.ID})
	if err != nil {
		return err
	}
	red, err := engine.SubmitProposal(ctx, round.ID, alice.ID, "Red")
	if err != nil {
		return err
	}
	blue, err := engine.SubmitProposal(ctx, round.ID, bob.ID, "Blue")
	if err != nil {
		return err
	}
	if _, err := engine.Advance(ctx, round.ID, "demo"); err != nil {
		return err
	}
	if _, err := engine.SubmitCritique(ctx, round.ID, bob.ID, red.ID, "Red is too aggressive for a calm interface."); err != nil {
		return err
	}
	if _, err := engine.SubmitCritique(ctx, round.ID, alice.ID, blue.ID, "Blue is safe but forgettable."); err != nil {
		return err
	}
	if _, err := engine.Advance(ctx, round.ID, "demo"); err != nil {
		return err
	}
	if _, err := engine.SubmitVote(ctx, round.ID, alice.ID, blue.ID); err != nil {
		return err
	}
	tr, err := engine.Advance(ctx, round.ID, "demo")
	if err != nil {
		return err
	}
	if tr.NewPhase != domain.PhaseClosed {
		return fmt.Errorf("demo round ended in phase %s", tr.NewPhase)
	}
	logger.Printf("demo round closed id=%d events=%d", round.ID, len(tr.ScoreEvents))
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func durationMS(v int, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return time.Duration(v) * time.Millisecond
}
