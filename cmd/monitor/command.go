package main

import (
	"fmt"
	"strconv"
	"strings"
)

type commandKind string

const (
	cmdCreateRound commandKind = "round"
	cmdPropose     commandKind = "propose"
	cmdCritique    commandKind = "critique"
	cmdVote        commandKind = "vote"
	cmdAdvance     commandKind = "advance"
	cmdName        commandKind = "name"
)

// command is one line typed into the prompt input. Plain text opens a round;
// slash commands act on the selected round.
type command struct {
	Kind       commandKind
	Text       string
	ProposalID int64
}

const commandHelp = "text = new round | /propose <text> | /critique <P#> <text> | /vote <P#> | /advance | /name <agent>"

func parseCommand(line string) (command, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return command{}, fmt.Errorf("empty input")
	}
	if !strings.HasPrefix(line, "/") {
		return command{Kind: cmdCreateRound, Text: line}, nil
	}
	verb, rest, _ := strings.Cut(line[1:], " ")
	rest = strings.TrimSpace(rest)
	switch commandKind(strings.ToLower(verb)) {
	case cmdPropose:
		if rest == "" {
			return command{}, fmt.Errorf("usage: /propose <text>")
		}
		return command{Kind: cmdPropose, Text: rest}, nil
	case cmdCritique:
		idText, text, _ := strings.Cut(rest, " ")
		id, err := parseProposalRef(idText)
		if err != nil || strings.TrimSpace(text) == "" {
			return command{}, fmt.Errorf("usage: /critique <P#> <text>")
		}
		return command{Kind: cmdCritique, ProposalID: id, Text: strings.TrimSpace(text)}, nil
	case cmdVote:
		id, err := parseProposalRef(rest)
		if err != nil {
			return command{}, fmt.Errorf("usage: /vote <P#>")
		}
		return command{Kind: cmdVote, ProposalID: id}, nil
	case cmdAdvance:
		return command{Kind: cmdAdvance}, nil
	case cmdName:
		if rest == "" {
			return command{}, fmt.Errorf("usage: /name <agent>")
		}
		return command{Kind: cmdName, Text: rest}, nil
	default:
		return command{}, fmt.Errorf("unknown command %q", verb)
	}
}

// parseProposalRef accepts "12" or "P12".
func parseProposalRef(s string) (int64, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(s), "P"), "p")
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid proposal id %q", s)
	}
	return id, nil
}
