package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"claw_council/internal/domain"
	"claw_council/internal/orchestrator"
)

// AgentHeader carries the caller's asserted identity. It is trusted as is.
const AgentHeader = "X-Agent-Name"

// KeyHeader carries the API key issued at registration. When present it
// takes precedence over AgentHeader and must match a registered agent.
const KeyHeader = "X-Agent-Key"

const requestIDHeader = "X-Request-ID"

type Rounds interface {
	CreateRound(ctx context.Context, in orchestrator.CreateRoundInput) (domain.Round, error)
	GetRound(ctx context.Context, roundID int64) (domain.Round, error)
	GetRoundState(ctx context.Context, roundID int64) (domain.RoundState, error)
	ListRounds(ctx context.Context) ([]domain.Round, error)
	ListProposals(ctx context.Context, roundID int64) ([]domain.Proposal, error)
	ListCritiques(ctx context.Context, roundID int64) ([]domain.Critique, error)
	ListVotes(ctx context.Context, roundID int64) ([]domain.Vote, error)
	ListRoundLog(ctx context.Context, roundID int64, limit int) ([]domain.RoundLog, error)
	SubmitProposal(ctx context.Context, roundID, agentID int64, content string) (domain.Proposal, error)
	SubmitCritique(ctx context.Context, roundID, agentID, proposalID int64, content string) (domain.Critique, error)
	SubmitVote(ctx context.Context, roundID, agentID, proposalID int64) (domain.Vote, error)
	Advance(ctx context.Context, roundID int64, actor string) (domain.Transition, error)
}

type Agents interface {
	Register(ctx context.Context, name string) (domain.Agent, error)
	Resolve(ctx context.Context, agentID int64) (domain.Agent, error)
	ResolveKey(ctx context.Context, apiKey string) (domain.Agent, error)
	Ensure(ctx context.Context, name string) (domain.Agent, error)
	List(ctx context.Context) ([]domain.Agent, error)
}

type Leaderboard interface {
	Global(ctx context.Context) (domain.Leaderboard, error)
	RoundScoreEvents(ctx context.Context, roundID int64) ([]domain.ScoreEvent, error)
}

type Options struct {
	ConfigPath string
	ConfigRaw  map[string]any
	Logger     *log.Logger
}

type Server struct {
	rounds      Rounds
	agents      Agents
	leaderboard Leaderboard
	opts        Options
	logger      *log.Logger
}

func New(rounds Rounds, agents Agents, leaderboard Leaderboard, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Server{
		rounds:      rounds,
		agents:      agents,
		leaderboard: leaderboard,
		opts:        opts,
		logger:      logger,
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/config", s.handleConfig)
	mux.HandleFunc("/agents", s.handleAgents)
	mux.HandleFunc("/agents/", s.handleAgentByID)
	mux.HandleFunc("/rounds", s.handleRounds)
	mux.HandleFunc("/rounds/", s.handleRoundByID)
	mux.HandleFunc("/leaderboard", s.handleLeaderboard)
	return s.loggingMiddleware(mux)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"path": s.opts.ConfigPath,
		"raw":  s.opts.ConfigRaw,
	})
}

func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		agents, err := s.agents.List(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, agents)
	case http.MethodPost:
		var req struct {
			Name string `json:"name"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		agent, err := s.agents.Register(r.Context(), req.Name)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, agent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleAgentByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	agentID, ok := parseID(w, strings.TrimPrefix(r.URL.Path, "/agents/"), "agent")
	if !ok {
		return
	}
	agent, err := s.agents.Resolve(r.Context(), agentID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

func (s *Server) handleRounds(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		rounds, err := s.rounds.ListRounds(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, rounds)
	case http.MethodPost:
		var req struct {
			Prompt string `json:"prompt"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		in := orchestrator.CreateRoundInput{Prompt: req.Prompt}
		if name := strings.TrimSpace(r.Header.Get(AgentHeader)); name != "" {
			agent, err := s.agents.Ensure(r.Context(), name)
			if err != nil {
				writeError(w, err)
				return
			}
			in.CreatedBy = agent.ID
		}
		round, err := s.rounds.CreateRound(r.Context(), in)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, round)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleRoundByID(w http.ResponseWriter, r *http.Request) {
	trimmed := strings.Trim(strings.TrimPrefix(r.URL.Path, "/rounds/"), "/")
	parts := strings.Split(trimmed, "/")
	roundID, ok := parseID(w, parts[0], "round")
	if !ok {
		return
	}

	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		state, err := s.rounds.GetRoundState(r.Context(), roundID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, state)
		return
	}

	action := parts[1]
	switch action {
	case "advance":
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		tr, err := s.rounds.Advance(r.Context(), roundID, strings.TrimSpace(r.Header.Get(AgentHeader)))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, tr)
	case "proposals":
		s.handleProposals(w, r, roundID)
	case "critiques":
		s.handleCritiques(w, r, roundID)
	case "votes":
		s.handleVotes(w, r, roundID)
	case "scores":
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		events, err := s.leaderboard.RoundScoreEvents(r.Context(), roundID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, events)
	case "log":
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		items, err := s.rounds.ListRoundLog(r.Context(), roundID, queryInt(r, "limit", 300))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, items)
	default:
		writeError(w, domain.Errorf(domain.KindNotFound, "unknown action: %s", action))
	}
}

func (s *Server) handleProposals(w http.ResponseWriter, r *http.Request, roundID int64) {
	switch r.Method {
	case http.MethodGet:
		items, err := s.rounds.ListProposals(r.Context(), roundID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, items)
	case http.MethodPost:
		var req struct {
			Content string `json:"content"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		if !s.roundAccepts(w, r, roundID, domain.Phase.AcceptsProposals, "proposals") {
			return
		}
		agent, ok := s.caller(w, r)
		if !ok {
			return
		}
		p, err := s.rounds.SubmitProposal(r.Context(), roundID, agent.ID, req.Content)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, p)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleCritiques(w http.ResponseWriter, r *http.Request, roundID int64) {
	switch r.Method {
	case http.MethodGet:
		items, err := s.rounds.ListCritiques(r.Context(), roundID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, items)
	case http.MethodPost:
		var req struct {
			ProposalID int64  `json:"proposal_id"`
			Content    string `json:"content"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		if !s.roundAccepts(w, r, roundID, domain.Phase.AcceptsCritiques, "critiques") {
			return
		}
		agent, ok := s.caller(w, r)
		if !ok {
			return
		}
		c, err := s.rounds.SubmitCritique(r.Context(), roundID, agent.ID, req.ProposalID, req.Content)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, c)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleVotes(w http.ResponseWriter, r *http.Request, roundID int64) {
	switch r.Method {
	case http.MethodGet:
		items, err := s.rounds.ListVotes(r.Context(), roundID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, items)
	case http.MethodPost:
		var req struct {
			ProposalID int64 `json:"proposal_id"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		if !s.roundAccepts(w, r, roundID, domain.Phase.AcceptsVotes, "votes") {
			return
		}
		agent, ok := s.caller(w, r)
		if !ok {
			return
		}
		v, err := s.rounds.SubmitVote(r.Context(), roundID, agent.ID, req.ProposalID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, v)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleLeaderboard(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	board, err := s.leaderboard.Global(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, board)
}

// caller identifies the submitting agent. X-Agent-Key must name a registered
// agent; otherwise X-Agent-Name is used and unknown names are registered on
// first use.
func (s *Server) caller(w http.ResponseWriter, r *http.Request) (domain.Agent, bool) {
	if key := strings.TrimSpace(r.Header.Get(KeyHeader)); key != "" {
		agent, err := s.agents.ResolveKey(r.Context(), key)
		if err != nil {
			if domain.KindOf(err) == domain.KindNotFound {
				writeUnauthenticated(w, "unknown "+KeyHeader)
			} else {
				writeError(w, err)
			}
			return domain.Agent{}, false
		}
		return agent, true
	}
	name := strings.TrimSpace(r.Header.Get(AgentHeader))
	if name == "" {
		writeUnauthenticated(w, AgentHeader+" or "+KeyHeader+" header is required")
		return domain.Agent{}, false
	}
	agent, err := s.agents.Ensure(r.Context(), name)
	if err != nil {
		writeError(w, err)
		return domain.Agent{}, false
	}
	return agent, true
}

// roundAccepts rejects a submission to a missing round or one in the wrong
// phase before the caller's name is registered. The engine repeats the check
// under the round lock.
func (s *Server) roundAccepts(w http.ResponseWriter, r *http.Request, roundID int64, accepts func(domain.Phase) bool, what string) bool {
	round, err := s.rounds.GetRound(r.Context(), roundID)
	if err != nil {
		writeError(w, err)
		return false
	}
	if !accepts(round.Phase) {
		writeError(w, domain.Errorf(domain.KindInvalidPhase, "round %d is in %s phase and does not accept %s", roundID, round.Phase, what))
		return false
	}
	return true
}

func writeUnauthenticated(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusUnauthorized, map[string]any{
		"error": msg,
		"kind":  "unauthenticated",
	})
}

func statusFor(err error) int {
	switch domain.KindOf(err) {
	case domain.KindInvalidInput, domain.KindSelfReference:
		return http.StatusUnprocessableEntity
	case domain.KindInvalidPhase, domain.KindConflict, domain.KindAlreadyClosed, domain.KindPrecondition:
		return http.StatusConflict
	case domain.KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	kind := domain.KindOf(err)
	if kind == "" {
		kind = "internal"
	}
	writeJSON(w, statusFor(err), map[string]any{
		"error": err.Error(),
		"kind":  kind,
	})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error": fmt.Sprintf("invalid json body: %v", err),
			"kind":  domain.KindInvalidInput,
		})
		return false
	}
	return true
}

func parseID(w http.ResponseWriter, raw, what string) (int64, bool) {
	id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || id <= 0 {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error": fmt.Sprintf("invalid %s id: %q", what, raw),
			"kind":  domain.KindInvalidInput,
		})
		return 0, false
	}
	return id, true
}

func queryInt(r *http.Request, key string, def int) int {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return def
	}
	return v
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := strings.TrimSpace(r.Header.Get(requestIDHeader))
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, requestID)
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Printf("%s %s status=%d request_id=%s %s", r.Method, r.URL.Path, rec.status, requestID, time.Since(start))
	})
}
