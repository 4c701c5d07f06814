package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"claw_council/internal/domain"
)

const agentHeader = "X-Agent-Name"

type client struct {
	baseURL string
	http    *http.Client

	mu    sync.RWMutex
	agent string
}

func newClient(baseURL, agent string) *client {
	return &client{
		baseURL: strings.TrimRight(baseURL, "/"),
		agent:   agent,
		http: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (c *client) setAgent(name string) {
	c.mu.Lock()
	c.agent = strings.TrimSpace(name)
	c.mu.Unlock()
}

func (c *client) agentName() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.agent
}

// apiError is the gateway's error body.
type apiError struct {
	Status  int
	Message string `json:"error"`
	Kind    string `json:"kind"`
}

func (e *apiError) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("%s (%s, http %d)", e.Message, e.Kind, e.Status)
	}
	return fmt.Sprintf("%s (http %d)", e.Message, e.Status)
}

func (c *client) listRounds() ([]domain.Round, error) {
	var out []domain.Round
	if err := c.do(http.MethodGet, "/rounds", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *client) roundState(roundID int64) (domain.RoundState, error) {
	var out domain.RoundState
	err := c.do(http.MethodGet, fmt.Sprintf("/rounds/%d", roundID), nil, &out)
	return out, err
}

func (c *client) roundScores(roundID int64) ([]domain.ScoreEvent, error) {
	var out []domain.ScoreEvent
	if err := c.do(http.MethodGet, fmt.Sprintf("/rounds/%d/scores", roundID), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *client) leaderboard() (domain.Leaderboard, error) {
	var out domain.Leaderboard
	err := c.do(http.MethodGet, "/leaderboard", nil, &out)
	return out, err
}

func (c *client) createRound(prompt string) (domain.Round, error) {
	var out domain.Round
	err := c.do(http.MethodPost, "/rounds", map[string]string{"prompt": prompt}, &out)
	return out, err
}

func (c *client) propose(roundID int64, content string) (domain.Proposal, error) {
	var out domain.Proposal
	err := c.do(http.MethodPost, fmt.Sprintf("/rounds/%d/proposals", roundID), map[string]string{"content": content}, &out)
	return out, err
}

func (c *client) critique(roundID, proposalID int64, content string) (domain.Critique, error) {
	var out domain.Critique
	err := c.do(http.MethodPost, fmt.Sprintf("/rounds/%d/critiques", roundID), map[string]any{
		"proposal_id": proposalID,
		"content":     content,
	}, &out)
	return out, err
}

func (c *client) vote(roundID, proposalID int64) (domain.Vote, error) {
	var out domain.Vote
	err := c.do(http.MethodPost, fmt.Sprintf("/rounds/%d/votes", roundID), map[string]int64{"proposal_id": proposalID}, &out)
	return out, err
}

func (c *client) advance(roundID int64) (domain.Transition, error) {
	var out domain.Transition
	err := c.do(http.MethodPost, fmt.Sprintf("/rounds/%d/advance", roundID), nil, &out)
	return out, err
}

func (c *client) healthy() bool {
	resp, err := c.http.Get(c.baseURL + "/healthz")
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return resp.StatusCode < 300
}

func (c *client) do(method, path string, in any, out any) error {
	var payload io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		payload = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, c.baseURL+path, payload)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if agent := c.agentName(); agent != "" {
		req.Header.Set(agentHeader, agent)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		apiErr := &apiError{Status: resp.StatusCode}
		if json.Unmarshal(body, apiErr) != nil || apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(body))
		}
		return apiErr
	}
	if out == nil || len(body) == 0 {
		return nil
	}
	return json.Unmarshal(body, out)
}
