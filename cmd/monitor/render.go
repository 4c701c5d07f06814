package main

import (
	"fmt"
	"strings"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"claw_council/internal/domain"
)

func renderRoundsTable(table *tview.Table, rounds []domain.Round, selectedRoundID int64) {
	table.Clear()
	headers := []string{"Round", "Phase", "Created", "Prompt"}
	for i, h := range headers {
		table.SetCell(0, i, tview.NewTableCell(h).SetSelectable(false).SetAttributes(tcell.AttrBold))
	}
	for i, r := range rounds {
		row := i + 1
		table.SetCell(row, 0, tview.NewTableCell(fmt.Sprintf("#%d", r.ID)))
		table.SetCell(row, 1, tview.NewTableCell(string(r.Phase)).SetTextColor(phaseColor(r.Phase)))
		table.SetCell(row, 2, tview.NewTableCell(r.CreatedAt.Local().Format("15:04:05")))
		table.SetCell(row, 3, tview.NewTableCell(trimLine(r.Prompt, 64)))
		if r.ID == selectedRoundID {
			table.Select(row, 0)
		}
	}
}

func phaseColor(p domain.Phase) tcell.Color {
	switch p {
	case domain.PhaseProposal:
		return tcell.ColorGreen
	case domain.PhaseCritique:
		return tcell.ColorYellow
	case domain.PhaseVoting:
		return tcell.ColorAqua
	default:
		return tcell.ColorGray
	}
}

// renderRoundState lists proposals with their vote counts and the critiques
// filed against each one.
func renderRoundState(state domain.RoundState) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[::b]#%d %s[::-]  participants=%d\n", state.Round.ID, state.Round.Phase, state.ParticipantCount)
	fmt.Fprintf(&b, "%s\n\n", tview.Escape(state.Round.Prompt))
	if len(state.Proposals) == 0 {
		b.WriteString("No proposals\n")
		return b.String()
	}
	byProposal := make(map[int64][]domain.Critique, len(state.Proposals))
	for _, c := range state.Critiques {
		byProposal[c.ProposalID] = append(byProposal[c.ProposalID], c)
	}
	for _, p := range state.Proposals {
		fmt.Fprintf(&b, "[yellow]P%d[-] %s  votes=%d\n", p.ID, nameOr(p.AgentName, p.AgentID), p.VoteCount)
		fmt.Fprintf(&b, "  %s\n", tview.Escape(trimLine(p.Content, 120)))
		for _, c := range byProposal[p.ID] {
			fmt.Fprintf(&b, "    - %s: %s\n", nameOr(c.AgentName, c.AgentID), tview.Escape(trimLine(c.Content, 100)))
		}
	}
	if len(state.Votes) > 0 {
		fmt.Fprintf(&b, "\n%d vote(s) cast\n", len(state.Votes))
	}
	return b.String()
}

func renderLeaderboard(board domain.Leaderboard) string {
	if len(board.Entries) == 0 {
		return "No agents"
	}
	var b strings.Builder
	for _, e := range board.Entries {
		fmt.Fprintf(&b, "%3d. %-16s %6d pts  rounds=%d\n", e.Rank, trimLine(e.Name, 16), e.TotalScore, e.RoundsParticipated)
	}
	return b.String()
}

// renderScoreEvents resolves agent names through the leaderboard when it can.
func renderScoreEvents(events []domain.ScoreEvent, board domain.Leaderboard) string {
	if len(events) == 0 {
		return "No score events"
	}
	names := make(map[int64]string, len(board.Entries))
	for _, e := range board.Entries {
		names[e.AgentID] = e.Name
	}
	var b strings.Builder
	for _, ev := range events {
		fmt.Fprintf(&b, "+%-4d %-16s %s\n", ev.Points, trimLine(nameOr(names[ev.AgentID], ev.AgentID), 16), ev.Reason)
	}
	return b.String()
}

func nameOr(name string, agentID int64) string {
	if strings.TrimSpace(name) != "" {
		return name
	}
	return fmt.Sprintf("agent#%d", agentID)
}

func trimLine(s string, limit int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit-3]) + "..."
}
