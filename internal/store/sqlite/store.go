package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"claw_council/internal/domain"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS agents (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL UNIQUE,
	api_key TEXT NOT NULL UNIQUE,
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS rounds (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	prompt TEXT NOT NULL,
	phase TEXT NOT NULL,
	created_by INTEGER NULL,
	created_at INTEGER NOT NULL,
	closed_at INTEGER NULL,
	FOREIGN KEY(created_by) REFERENCES agents(id)
);
CREATE INDEX IF NOT EXISTS idx_rounds_created ON rounds(created_at);

CREATE TABLE IF NOT EXISTS proposals (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	round_id INTEGER NOT NULL,
	agent_id INTEGER NOT NULL,
	content TEXT NOT NULL,
	submitted_at INTEGER NOT NULL,
	UNIQUE(round_id, agent_id),
	FOREIGN KEY(round_id) REFERENCES rounds(id) ON DELETE CASCADE,
	FOREIGN KEY(agent_id) REFERENCES agents(id)
);

CREATE TABLE IF NOT EXISTS critiques (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	round_id INTEGER NOT NULL,
	proposal_id INTEGER NOT NULL,
	agent_id INTEGER NOT NULL,
	content TEXT NOT NULL,
	submitted_at INTEGER NOT NULL,
	UNIQUE(round_id, agent_id, proposal_id),
	FOREIGN KEY(round_id) REFERENCES rounds(id) ON DELETE CASCADE,
	FOREIGN KEY(proposal_id) REFERENCES proposals(id) ON DELETE CASCADE,
	FOREIGN KEY(agent_id) REFERENCES agents(id)
);
CREATE INDEX IF NOT EXISTS idx_critiques_round ON critiques(round_id, submitted_at);

CREATE TABLE IF NOT EXISTS votes (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	round_id INTEGER NOT NULL,
	agent_id INTEGER NOT NULL,
	proposal_id INTEGER NOT NULL,
	submitted_at INTEGER NOT NULL,
	UNIQUE(round_id, agent_id),
	FOREIGN KEY(round_id) REFERENCES rounds(id) ON DELETE CASCADE,
	FOREIGN KEY(proposal_id) REFERENCES proposals(id) ON DELETE CASCADE,
	FOREIGN KEY(agent_id) REFERENCES agents(id)
);
CREATE INDEX IF NOT EXISTS idx_votes_proposal ON votes(proposal_id);

CREATE TABLE IF NOT EXISTS score_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	round_id INTEGER NOT NULL,
	agent_id INTEGER NOT NULL,
	points INTEGER NOT NULL,
	reason TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	FOREIGN KEY(round_id) REFERENCES rounds(id) ON DELETE CASCADE,
	FOREIGN KEY(agent_id) REFERENCES agents(id)
);
CREATE INDEX IF NOT EXISTS idx_score_events_round ON score_events(round_id, id);
CREATE INDEX IF NOT EXISTS idx_score_events_agent ON score_events(agent_id);

CREATE TABLE IF NOT EXISTS round_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	round_id INTEGER NOT NULL,
	actor TEXT NOT NULL,
	action TEXT NOT NULL,
	reason TEXT NOT NULL,
	payload TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	FOREIGN KEY(round_id) REFERENCES rounds(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_round_log_round ON round_log(round_id, created_at);
`

type Store struct {
	db *sql.DB
}

func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// Pragmas are per connection, so the pool is pinned to one.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, stmt := range pragmas {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set sqlite pragma %q: %w", stmt, err)
		}
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

// Agents

func (s *Store) CreateAgent(ctx context.Context, agent domain.Agent) (domain.Agent, error) {
	if agent.CreatedAt.IsZero() {
		agent.CreatedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(
		ctx,
		`INSERT INTO agents(name, api_key, created_at) VALUES(?, ?, ?)`,
		agent.Name, agent.APIKey, agent.CreatedAt.UnixMilli(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.Agent{}, domain.Wrap(domain.KindConflict, fmt.Sprintf("agent name %q is already taken", agent.Name), err)
		}
		return domain.Agent{}, fmt.Errorf("create agent: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return domain.Agent{}, fmt.Errorf("agent id: %w", err)
	}
	agent.ID = id
	agent.CreatedAt = unixMilliToTime(agent.CreatedAt.UnixMilli())
	return agent, nil
}

func (s *Store) GetAgent(ctx context.Context, agentID int64) (domain.Agent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, name, api_key, created_at FROM agents WHERE id = ?`, agentID)
	agent, err := scanAgent(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Agent{}, domain.Errorf(domain.KindNotFound, "agent %d not found", agentID)
		}
		return domain.Agent{}, fmt.Errorf("get agent: %w", err)
	}
	return agent, nil
}

func (s *Store) GetAgentByName(ctx context.Context, name string) (domain.Agent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, name, api_key, created_at FROM agents WHERE name = ?`, name)
	agent, err := scanAgent(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Agent{}, domain.Errorf(domain.KindNotFound, "agent %q not found", name)
		}
		return domain.Agent{}, fmt.Errorf("get agent by name: %w", err)
	}
	return agent, nil
}

// GetAgentByAPIKey looks an agent up by the key issued at registration.
func (s *Store) GetAgentByAPIKey(ctx context.Context, apiKey string) (domain.Agent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, name, api_key, created_at FROM agents WHERE api_key = ?`, apiKey)
	agent, err := scanAgent(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Agent{}, domain.Errorf(domain.KindNotFound, "no agent holds that api key")
		}
		return domain.Agent{}, fmt.Errorf("get agent by api key: %w", err)
	}
	return agent, nil
}

func (s *Store) ListAgents(ctx context.Context) ([]domain.Agent, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, api_key, created_at FROM agents ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	result := make([]domain.Agent, 0)
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		result = append(result, agent)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate agents: %w", err)
	}
	return result, nil
}

// Rounds

func (s *Store) CreateRound(ctx context.Context, round domain.Round) (domain.Round, error) {
	if round.CreatedAt.IsZero() {
		round.CreatedAt = time.Now().UTC()
	}
	if round.Phase == "" {
		round.Phase = domain.PhaseProposal
	}
	res, err := s.db.ExecContext(
		ctx,
		`INSERT INTO rounds(prompt, phase, created_by, created_at) VALUES(?, ?, ?, ?)`,
		round.Prompt, string(round.Phase), nullableID(round.CreatedBy), round.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return domain.Round{}, fmt.Errorf("create round: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return domain.Round{}, fmt.Errorf("round id: %w", err)
	}
	round.ID = id
	round.CreatedAt = unixMilliToTime(round.CreatedAt.UnixMilli())
	return round, nil
}

func (s *Store) GetRound(ctx context.Context, roundID int64) (domain.Round, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT id, prompt, phase, created_by, created_at, closed_at FROM rounds WHERE id = ?`,
		roundID,
	)
	round, err := scanRound(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Round{}, domain.Errorf(domain.KindNotFound, "round %d not found", roundID)
		}
		return domain.Round{}, fmt.Errorf("get round: %w", err)
	}
	return round, nil
}

func (s *Store) ListRounds(ctx context.Context) ([]domain.Round, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, prompt, phase, created_by, created_at, closed_at
		FROM rounds ORDER BY created_at DESC, id DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("list rounds: %w", err)
	}
	defer rows.Close()

	result := make([]domain.Round, 0)
	for rows.Next() {
		round, err := scanRound(rows)
		if err != nil {
			return nil, fmt.Errorf("scan round: %w", err)
		}
		result = append(result, round)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rounds: %w", err)
	}
	return result, nil
}

// UpdateRoundPhase moves a round from one phase to another. It refuses to
// write when the stored phase is not `from`, so a stale caller cannot move a
// round backwards or skip a phase.
func (s *Store) UpdateRoundPhase(ctx context.Context, roundID int64, from, to domain.Phase, entry domain.RoundLog) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx update phase: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	res, err := tx.ExecContext(
		ctx,
		`UPDATE rounds SET phase = ? WHERE id = ? AND phase = ?`,
		string(to), roundID, string(from),
	)
	if err != nil {
		return fmt.Errorf("update round phase: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update phase affected rows: %w", err)
	}
	if affected == 0 {
		return phaseMismatch(ctx, tx, roundID, from)
	}
	if err := insertRoundLog(ctx, tx, entry); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit update phase: %w", err)
	}
	return nil
}

// CloseRound flips a voting round to closed and writes its score events in
// one transaction. Either everything commits or nothing does.
func (s *Store) CloseRound(
	ctx context.Context,
	roundID int64,
	events []domain.ScoreEvent,
	closedAt time.Time,
	entry domain.RoundLog,
) ([]domain.ScoreEvent, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx close round: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var existing int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM score_events WHERE round_id = ?`, roundID).Scan(&existing); err != nil {
		return nil, fmt.Errorf("count existing score events: %w", err)
	}
	if existing > 0 {
		return nil, domain.Errorf(domain.KindAlreadyClosed, "round %d already has score events", roundID)
	}

	res, err := tx.ExecContext(
		ctx,
		`UPDATE rounds SET phase = ?, closed_at = ? WHERE id = ? AND phase = ?`,
		string(domain.PhaseClosed), closedAt.UnixMilli(), roundID, string(domain.PhaseVoting),
	)
	if err != nil {
		return nil, fmt.Errorf("close round: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("close round affected rows: %w", err)
	}
	if affected == 0 {
		return nil, phaseMismatch(ctx, tx, roundID, domain.PhaseVoting)
	}

	stored := make([]domain.ScoreEvent, 0, len(events))
	for _, ev := range events {
		ev.RoundID = roundID
		ev.CreatedAt = unixMilliToTime(closedAt.UnixMilli())
		res, err := tx.ExecContext(
			ctx,
			`INSERT INTO score_events(round_id, agent_id, points, reason, created_at) VALUES(?, ?, ?, ?, ?)`,
			ev.RoundID, ev.AgentID, ev.Points, string(ev.Reason), closedAt.UnixMilli(),
		)
		if err != nil {
			return nil, fmt.Errorf("insert score event: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return nil, fmt.Errorf("score event id: %w", err)
		}
		ev.ID = id
		stored = append(stored, ev)
	}

	if err := insertRoundLog(ctx, tx, entry); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit close round: %w", err)
	}
	return stored, nil
}

// Submissions

func (s *Store) CreateProposal(ctx context.Context, p domain.Proposal) (domain.Proposal, error) {
	if p.SubmittedAt.IsZero() {
		p.SubmittedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(
		ctx,
		`INSERT INTO proposals(round_id, agent_id, content, submitted_at) VALUES(?, ?, ?, ?)`,
		p.RoundID, p.AgentID, p.Content, p.SubmittedAt.UnixMilli(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.Proposal{}, domain.Wrap(domain.KindConflict, "you have already submitted a proposal for this round", err)
		}
		return domain.Proposal{}, fmt.Errorf("create proposal: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return domain.Proposal{}, fmt.Errorf("proposal id: %w", err)
	}
	p.ID = id
	p.SubmittedAt = unixMilliToTime(p.SubmittedAt.UnixMilli())
	return p, nil
}

func (s *Store) GetProposal(ctx context.Context, roundID, proposalID int64) (domain.Proposal, error) {
	row := s.db.QueryRowContext(
		ctx,
		proposalSelect+` WHERE p.round_id = ? AND p.id = ?`,
		roundID, proposalID,
	)
	p, err := scanProposal(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Proposal{}, domain.Errorf(domain.KindNotFound, "proposal %d not found in round %d", proposalID, roundID)
		}
		return domain.Proposal{}, fmt.Errorf("get proposal: %w", err)
	}
	return p, nil
}

func (s *Store) ListProposals(ctx context.Context, roundID int64) ([]domain.Proposal, error) {
	rows, err := s.db.QueryContext(
		ctx,
		proposalSelect+` WHERE p.round_id = ? ORDER BY p.submitted_at ASC, p.id ASC`,
		roundID,
	)
	if err != nil {
		return nil, fmt.Errorf("list proposals: %w", err)
	}
	defer rows.Close()

	result := make([]domain.Proposal, 0)
	for rows.Next() {
		p, err := scanProposal(rows)
		if err != nil {
			return nil, fmt.Errorf("scan proposal: %w", err)
		}
		result = append(result, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate proposals: %w", err)
	}
	return result, nil
}

func (s *Store) HasProposal(ctx context.Context, roundID, agentID int64) (bool, error) {
	return s.exists(ctx, `SELECT 1 FROM proposals WHERE round_id = ? AND agent_id = ?`, roundID, agentID)
}

func (s *Store) CreateCritique(ctx context.Context, c domain.Critique) (domain.Critique, error) {
	if c.SubmittedAt.IsZero() {
		c.SubmittedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(
		ctx,
		`INSERT INTO critiques(round_id, proposal_id, agent_id, content, submitted_at) VALUES(?, ?, ?, ?, ?)`,
		c.RoundID, c.ProposalID, c.AgentID, c.Content, c.SubmittedAt.UnixMilli(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.Critique{}, domain.Wrap(domain.KindConflict, "you have already critiqued this proposal", err)
		}
		return domain.Critique{}, fmt.Errorf("create critique: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return domain.Critique{}, fmt.Errorf("critique id: %w", err)
	}
	c.ID = id
	c.SubmittedAt = unixMilliToTime(c.SubmittedAt.UnixMilli())
	return c, nil
}

func (s *Store) ListCritiques(ctx context.Context, roundID int64) ([]domain.Critique, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT c.id, c.round_id, c.proposal_id, c.agent_id, a.name, c.content, c.submitted_at
		FROM critiques c JOIN agents a ON a.id = c.agent_id
		WHERE c.round_id = ?
		ORDER BY c.submitted_at ASC, c.id ASC`,
		roundID,
	)
	if err != nil {
		return nil, fmt.Errorf("list critiques: %w", err)
	}
	defer rows.Close()

	result := make([]domain.Critique, 0)
	for rows.Next() {
		var c domain.Critique
		var submitted int64
		if err := rows.Scan(&c.ID, &c.RoundID, &c.ProposalID, &c.AgentID, &c.AgentName, &c.Content, &submitted); err != nil {
			return nil, fmt.Errorf("scan critique: %w", err)
		}
		c.SubmittedAt = unixMilliToTime(submitted)
		result = append(result, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate critiques: %w", err)
	}
	return result, nil
}

func (s *Store) HasCritique(ctx context.Context, roundID, agentID, proposalID int64) (bool, error) {
	return s.exists(
		ctx,
		`SELECT 1 FROM critiques WHERE round_id = ? AND agent_id = ? AND proposal_id = ?`,
		roundID, agentID, proposalID,
	)
}

func (s *Store) CreateVote(ctx context.Context, v domain.Vote) (domain.Vote, error) {
	if v.SubmittedAt.IsZero() {
		v.SubmittedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(
		ctx,
		`INSERT INTO votes(round_id, agent_id, proposal_id, submitted_at) VALUES(?, ?, ?, ?)`,
		v.RoundID, v.AgentID, v.ProposalID, v.SubmittedAt.UnixMilli(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.Vote{}, domain.Wrap(domain.KindConflict, "you have already voted in this round", err)
		}
		return domain.Vote{}, fmt.Errorf("create vote: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return domain.Vote{}, fmt.Errorf("vote id: %w", err)
	}
	v.ID = id
	v.SubmittedAt = unixMilliToTime(v.SubmittedAt.UnixMilli())
	return v, nil
}

func (s *Store) ListVotes(ctx context.Context, roundID int64) ([]domain.Vote, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, round_id, agent_id, proposal_id, submitted_at
		FROM votes WHERE round_id = ?
		ORDER BY submitted_at ASC, id ASC`,
		roundID,
	)
	if err != nil {
		return nil, fmt.Errorf("list votes: %w", err)
	}
	defer rows.Close()

	result := make([]domain.Vote, 0)
	for rows.Next() {
		var v domain.Vote
		var submitted int64
		if err := rows.Scan(&v.ID, &v.RoundID, &v.AgentID, &v.ProposalID, &submitted); err != nil {
			return nil, fmt.Errorf("scan vote: %w", err)
		}
		v.SubmittedAt = unixMilliToTime(submitted)
		result = append(result, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate votes: %w", err)
	}
	return result, nil
}

func (s *Store) HasVote(ctx context.Context, roundID, agentID int64) (bool, error) {
	return s.exists(ctx, `SELECT 1 FROM votes WHERE round_id = ? AND agent_id = ?`, roundID, agentID)
}

// Scores

func (s *Store) ListRoundScoreEvents(ctx context.Context, roundID int64) ([]domain.ScoreEvent, error) {
	return s.listScoreEvents(ctx, `WHERE round_id = ?`, roundID)
}

func (s *Store) ListScoreEvents(ctx context.Context) ([]domain.ScoreEvent, error) {
	return s.listScoreEvents(ctx, "")
}

func (s *Store) listScoreEvents(ctx context.Context, where string, args ...any) ([]domain.ScoreEvent, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, round_id, agent_id, points, reason, created_at FROM score_events `+where+` ORDER BY id ASC`,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("list score events: %w", err)
	}
	defer rows.Close()

	result := make([]domain.ScoreEvent, 0)
	for rows.Next() {
		var ev domain.ScoreEvent
		var reason string
		var created int64
		if err := rows.Scan(&ev.ID, &ev.RoundID, &ev.AgentID, &ev.Points, &reason, &created); err != nil {
			return nil, fmt.Errorf("scan score event: %w", err)
		}
		ev.Reason = domain.ScoreReason(reason)
		ev.CreatedAt = unixMilliToTime(created)
		result = append(result, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate score events: %w", err)
	}
	return result, nil
}

// CountRoundsParticipated returns, per agent, the number of distinct rounds in
// which the agent submitted at least one proposal, critique or vote.
func (s *Store) CountRoundsParticipated(ctx context.Context) (map[int64]int, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT agent_id, COUNT(DISTINCT round_id) FROM (
			SELECT agent_id, round_id FROM proposals
			UNION SELECT agent_id, round_id FROM critiques
			UNION SELECT agent_id, round_id FROM votes
		) GROUP BY agent_id`,
	)
	if err != nil {
		return nil, fmt.Errorf("count rounds participated: %w", err)
	}
	defer rows.Close()

	result := make(map[int64]int)
	for rows.Next() {
		var agentID int64
		var count int
		if err := rows.Scan(&agentID, &count); err != nil {
			return nil, fmt.Errorf("scan participation: %w", err)
		}
		result[agentID] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate participation: %w", err)
	}
	return result, nil
}

// Audit log

func (s *Store) LogRound(ctx context.Context, entry domain.RoundLog) error {
	if err := insertRoundLog(ctx, s.db, entry); err != nil {
		return err
	}
	return nil
}

func (s *Store) ListRoundLog(ctx context.Context, roundID int64, limit int) ([]domain.RoundLog, error) {
	if limit <= 0 {
		limit = 300
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, round_id, actor, action, reason, payload, created_at
		FROM round_log
		WHERE round_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?`,
		roundID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list round log: %w", err)
	}
	defer rows.Close()

	result := make([]domain.RoundLog, 0, limit)
	for rows.Next() {
		var item domain.RoundLog
		var payload string
		var createdAt int64
		if err := rows.Scan(&item.ID, &item.RoundID, &item.Actor, &item.Action, &item.Reason, &payload, &createdAt); err != nil {
			return nil, fmt.Errorf("scan round log: %w", err)
		}
		item.Payload = []byte(payload)
		item.CreatedAt = unixMilliToTime(createdAt)
		result = append(result, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate round log: %w", err)
	}
	return result, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type rowQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

const proposalSelect = `SELECT p.id, p.round_id, p.agent_id, a.name, p.content, p.submitted_at,
	(SELECT COUNT(*) FROM votes v WHERE v.proposal_id = p.id)
	FROM proposals p JOIN agents a ON a.id = p.agent_id`

func insertRoundLog(ctx context.Context, db execer, entry domain.RoundLog) error {
	if entry.RoundID == 0 || entry.Action == "" {
		return nil
	}
	payload := string(entry.Payload)
	if payload == "" {
		payload = "{}"
	}
	createdAt := entry.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := db.ExecContext(
		ctx,
		`INSERT INTO round_log(round_id, actor, action, reason, payload, created_at)
		VALUES(?, ?, ?, ?, ?, ?)`,
		entry.RoundID, entry.Actor, entry.Action, entry.Reason, payload, createdAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("log round: %w", err)
	}
	return nil
}

func phaseMismatch(ctx context.Context, q rowQuerier, roundID int64, expected domain.Phase) error {
	var phase string
	if err := q.QueryRowContext(ctx, `SELECT phase FROM rounds WHERE id = ?`, roundID).Scan(&phase); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Errorf(domain.KindNotFound, "round %d not found", roundID)
		}
		return fmt.Errorf("read round phase: %w", err)
	}
	if domain.Phase(phase) == domain.PhaseClosed {
		return domain.Errorf(domain.KindAlreadyClosed, "round %d is already closed", roundID)
	}
	return domain.Errorf(domain.KindInvalidPhase, "round %d is in phase %s, expected %s", roundID, phase, expected)
}

func (s *Store) exists(ctx context.Context, query string, args ...any) (bool, error) {
	var found int
	err := s.db.QueryRowContext(ctx, query+` LIMIT 1`, args...).Scan(&found)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("check existence: %w", err)
	}
	return true, nil
}

func scanAgent(row scanner) (domain.Agent, error) {
	var a domain.Agent
	var created int64
	if err := row.Scan(&a.ID, &a.Name, &a.APIKey, &created); err != nil {
		return domain.Agent{}, err
	}
	a.CreatedAt = unixMilliToTime(created)
	return a, nil
}

func scanRound(row scanner) (domain.Round, error) {
	var r domain.Round
	var phase string
	var createdBy sql.NullInt64
	var created int64
	var closed sql.NullInt64
	if err := row.Scan(&r.ID, &r.Prompt, &phase, &createdBy, &created, &closed); err != nil {
		return domain.Round{}, err
	}
	r.Phase = domain.Phase(phase)
	if createdBy.Valid {
		r.CreatedBy = createdBy.Int64
	}
	r.CreatedAt = unixMilliToTime(created)
	r.ClosedAt = int64ToTimePtr(closed)
	return r, nil
}

func scanProposal(row scanner) (domain.Proposal, error) {
	var p domain.Proposal
	var submitted int64
	if err := row.Scan(&p.ID, &p.RoundID, &p.AgentID, &p.AgentName, &p.Content, &submitted, &p.VoteCount); err != nil {
		return domain.Proposal{}, err
	}
	p.SubmittedAt = unixMilliToTime(submitted)
	return p, nil
}

func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func int64ToTimePtr(v sql.NullInt64) *time.Time {
	if !v.Valid || v.Int64 <= 0 {
		return nil
	}
	t := unixMilliToTime(v.Int64)
	return &t
}

func unixMilliToTime(v int64) time.Time {
	return time.UnixMilli(v).UTC()
}

func nullableID(id int64) any {
	if id <= 0 {
		return nil
	}
	return id
}
