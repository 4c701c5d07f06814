package main

import (
	"bytes"
	"errors"
	"flag"
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"claw_council/internal/domain"
)

type embeddedCouncil struct {
	cmd *exec.Cmd
}

func main() {
	addr := flag.String("addr", "", "council base URL (default http://localhost:8092)")
	interval := flag.Duration("interval", 2*time.Second, "refresh interval")
	embedded := flag.Bool("embedded", false, "start the council server alongside the monitor")
	councilBinary := flag.String("council-bin", "", "path to council binary (optional in embedded mode)")
	dbPath := flag.String("db", "data/embedded.db", "sqlite db path for embedded council")
	agentFlag := flag.String("agent", "", "agent name sent as "+agentHeader)
	identityPath := flag.String("identity", defaultIdentityPath(), "identity cache file")
	flag.Parse()

	ident, err := loadIdentity(*identityPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "identity cache ignored: %v\n", err)
	}
	if name := strings.TrimSpace(*agentFlag); name != "" && name != ident.AgentName {
		ident = identity{AgentName: name}
	}
	baseURL := firstNonEmpty(*addr, ident.BaseURL, "http://localhost:8092")
	ident.BaseURL = baseURL

	c := newClient(baseURL, ident.AgentName)

	var embeddedProc *embeddedCouncil
	if *embedded {
		embeddedProc, err = startEmbeddedCouncil(baseURL, *councilBinary, *dbPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to start embedded council: %v\n", err)
			os.Exit(1)
		}
		defer embeddedProc.Stop()
	}

	if err := waitHealth(c, 30*time.Second); err != nil {
		fmt.Fprintf(os.Stderr, "council health check failed: %v\n", err)
		os.Exit(1)
	}
	if ident.AgentName != "" {
		if err := saveIdentity(*identityPath, ident); err != nil {
			fmt.Fprintf(os.Stderr, "save identity: %v\n", err)
		}
	}

	app := tview.NewApplication()
	roundsTable := tview.NewTable().
		SetBorders(false).
		SetSelectable(true, false)
	roundsTable.SetTitle("Rounds (Enter inspect, F5 refresh, F10 quit)").SetBorder(true)

	stateView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(true)
	stateView.SetTitle("Round").SetBorder(true)

	boardView := tview.NewTextView().
		SetDynamicColors(false).
		SetWrap(false)
	boardView.SetTitle("Leaderboard").SetBorder(true)

	scoresView := tview.NewTextView().
		SetDynamicColors(false).
		SetWrap(false)
	scoresView.SetTitle("Score events").SetBorder(true)

	promptInput := tview.NewInputField().
		SetLabel(identityLabel(ident.AgentName))
	promptInput.SetBorder(true).SetTitle(commandHelp)

	statusView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	statusView.SetBorder(true).SetTitle("Status")
	statusView.SetText(fmt.Sprintf(
		"Connected to %s | embedded=%t | shortcuts: F10 quit, F5 refresh, Ctrl+A advance, Ctrl+L focus prompt, Ctrl+R focus rounds",
		c.baseURL,
		*embedded,
	))

	side := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(boardView, 0, 1, false).
		AddItem(scoresView, 0, 1, false)
	mainLayout := tview.NewFlex().
		AddItem(roundsTable, 0, 1, false).
		AddItem(stateView, 0, 2, false).
		AddItem(side, 0, 1, false)

	root := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(mainLayout, 0, 12, false).
		AddItem(promptInput, 3, 0, true).
		AddItem(statusView, 3, 0, false)

	var (
		mu              sync.Mutex
		selectedRoundID int64
		lastRounds      []domain.Round
		lastBoard       domain.Leaderboard
		detailsVersion  uint64
	)
	selected := func() int64 {
		mu.Lock()
		defer mu.Unlock()
		return selectedRoundID
	}
	selectRound := func(id int64) {
		mu.Lock()
		selectedRoundID = id
		mu.Unlock()
	}

	setStatusUI := func(msg string) {
		statusView.SetText(msg)
	}
	setStatusAsync := func(msg string) {
		app.QueueUpdateDraw(func() {
			statusView.SetText(msg)
		})
	}

	// Failed polls keep the previous render and only report on the status line.
	refreshRounds := func() {
		rounds, err := c.listRounds()
		if err != nil {
			setStatusAsync("[red]rounds refresh failed:[-] " + tview.Escape(err.Error()))
			return
		}
		board, boardErr := c.leaderboard()
		mu.Lock()
		lastRounds = rounds
		if boardErr == nil {
			lastBoard = board
		}
		current := selectedRoundID
		if current == 0 && len(rounds) > 0 {
			current = rounds[0].ID
			selectedRoundID = current
		}
		mu.Unlock()
		app.QueueUpdateDraw(func() {
			renderRoundsTable(roundsTable, rounds, current)
			if boardErr != nil {
				statusView.SetText("[red]leaderboard refresh failed:[-] " + tview.Escape(boardErr.Error()))
				return
			}
			boardView.SetText(renderLeaderboard(board))
		})
	}

	refreshDetailsAsync := func(roundID int64) {
		if roundID <= 0 {
			return
		}
		version := atomic.AddUint64(&detailsVersion, 1)

		go func(id int64, v uint64) {
			type stateResult struct {
				state domain.RoundState
				err   error
			}
			type scoresResult struct {
				events []domain.ScoreEvent
				err    error
			}
			stateCh := make(chan stateResult, 1)
			scoresCh := make(chan scoresResult, 1)

			go func() {
				state, err := c.roundState(id)
				stateCh <- stateResult{state: state, err: err}
			}()
			go func() {
				events, err := c.roundScores(id)
				scoresCh <- scoresResult{events: events, err: err}
			}()

			stateRes := <-stateCh
			scoresRes := <-scoresCh

			if atomic.LoadUint64(&detailsVersion) != v {
				return
			}
			mu.Lock()
			board := lastBoard
			mu.Unlock()
			app.QueueUpdateDraw(func() {
				if id != selected() {
					return
				}
				if stateRes.err != nil {
					statusView.SetText("[red]round refresh failed:[-] " + tview.Escape(stateRes.err.Error()))
				} else {
					stateView.SetText(renderRoundState(stateRes.state))
				}
				switch {
				case scoresRes.err == nil:
					scoresView.SetText(renderScoreEvents(scoresRes.events, board))
				case stateRes.err == nil && stateRes.state.Round.Phase != domain.PhaseClosed:
					scoresView.SetText("Round still open")
				}
			})
		}(roundID, version)
	}

	refreshAll := func() {
		refreshRounds()
		refreshDetailsAsync(selected())
	}

	runCommand := func(cmd command) {
		roundID := selected()
		needsRound := cmd.Kind != cmdCreateRound && cmd.Kind != cmdName
		if needsRound && roundID <= 0 {
			setStatusUI("Select a round first")
			return
		}
		if cmd.Kind == cmdName {
			c.setAgent(cmd.Text)
			ident = identity{AgentName: cmd.Text, BaseURL: baseURL}
			promptInput.SetLabel(identityLabel(cmd.Text))
			if err := saveIdentity(*identityPath, ident); err != nil {
				setStatusUI("Identity set, cache not saved: " + err.Error())
				return
			}
			setStatusUI("Acting as " + cmd.Text)
			return
		}
		if cmd.Kind != cmdAdvance && c.agentName() == "" {
			setStatusUI("Set an agent name first: /name <agent>")
			return
		}
		setStatusUI("Sending...")
		go func() {
			msg, err := execute(c, cmd, roundID)
			if err != nil {
				setStatusAsync("[red]" + tview.Escape(err.Error()) + "[-]")
				return
			}
			if cmd.Kind == cmdCreateRound {
				if id, ok := msg.(domain.Round); ok {
					selectRound(id.ID)
				}
			}
			refreshAll()
			setStatusAsync(describeResult(msg))
		}()
	}

	promptInput.SetDoneFunc(func(key tcell.Key) {
		if key != tcell.KeyEnter {
			return
		}
		line := promptInput.GetText()
		if strings.TrimSpace(line) == "" {
			return
		}
		cmd, err := parseCommand(line)
		if err != nil {
			setStatusUI(err.Error())
			return
		}
		promptInput.SetText("")
		runCommand(cmd)
	})

	roundsTable.SetSelectedFunc(func(row, _ int) {
		mu.Lock()
		if row <= 0 || row > len(lastRounds) {
			mu.Unlock()
			return
		}
		id := lastRounds[row-1].ID
		mu.Unlock()
		selectRound(id)
		stateView.SetText("Loading...")
		scoresView.SetText("")
		refreshDetailsAsync(id)
	})

	app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		switch event.Key() {
		case tcell.KeyF10:
			app.Stop()
			return nil
		case tcell.KeyF5:
			go refreshAll()
			setStatusUI("Manual refresh")
			return nil
		case tcell.KeyCtrlA:
			runCommand(command{Kind: cmdAdvance})
			return nil
		case tcell.KeyCtrlL:
			app.SetFocus(promptInput)
			setStatusUI("Focus -> prompt")
			return nil
		case tcell.KeyCtrlR:
			app.SetFocus(roundsTable)
			setStatusUI("Focus -> rounds")
			return nil
		case tcell.KeyEscape, tcell.KeyTAB:
			if app.GetFocus() == promptInput {
				app.SetFocus(roundsTable)
				setStatusUI("Focus -> rounds")
			} else {
				app.SetFocus(promptInput)
				setStatusUI("Focus -> prompt")
			}
			return nil
		}
		if event.Key() == tcell.KeyRune && app.GetFocus() != promptInput {
			app.SetFocus(promptInput)
		}
		return event
	})

	go func() {
		ticker := time.NewTicker(*interval)
		defer ticker.Stop()

		refreshAll()
		for range ticker.C {
			refreshAll()
		}
	}()

	if err := app.SetRoot(root, true).EnableMouse(true).SetFocus(promptInput).Run(); err != nil {
		fmt.Fprintf(os.Stderr, "monitor failed: %v\n", err)
		os.Exit(1)
	}
}

// execute sends one command and returns the created record or transition.
func execute(c *client, cmd command, roundID int64) (any, error) {
	switch cmd.Kind {
	case cmdCreateRound:
		return c.createRound(cmd.Text)
	case cmdPropose:
		return c.propose(roundID, cmd.Text)
	case cmdCritique:
		return c.critique(roundID, cmd.ProposalID, cmd.Text)
	case cmdVote:
		return c.vote(roundID, cmd.ProposalID)
	case cmdAdvance:
		return c.advance(roundID)
	default:
		return nil, fmt.Errorf("unsupported command %q", cmd.Kind)
	}
}

func describeResult(v any) string {
	switch r := v.(type) {
	case domain.Round:
		return fmt.Sprintf("Round #%d opened", r.ID)
	case domain.Proposal:
		return fmt.Sprintf("Proposal P%d submitted to round #%d", r.ID, r.RoundID)
	case domain.Critique:
		return fmt.Sprintf("Critique on P%d submitted", r.ProposalID)
	case domain.Vote:
		return fmt.Sprintf("Vote for P%d recorded", r.ProposalID)
	case domain.Transition:
		return fmt.Sprintf("Round #%d %s -> %s: %s", r.RoundID, r.PreviousPhase, r.NewPhase, tview.Escape(r.Message))
	default:
		return "Done"
	}
}

func identityLabel(agent string) string {
	if agent == "" {
		return "(anonymous) > "
	}
	return agent + " > "
}

func waitHealth(c *client, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if c.healthy() {
			return nil
		}
		time.Sleep(400 * time.Millisecond)
	}
	return errors.New("timeout waiting for /healthz")
}

func startEmbeddedCouncil(addr string, councilBinary string, dbPath string) (*embeddedCouncil, error) {
	parsed, err := url.Parse(addr)
	if err != nil {
		return nil, fmt.Errorf("parse addr: %w", err)
	}
	port := parsed.Port()
	if port == "" {
		return nil, fmt.Errorf("addr must include explicit port, got %q", addr)
	}
	addrArg := ":" + port

	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	args := []string{"--addr", addrArg, "--db", dbPath}
	var cmd *exec.Cmd
	if strings.TrimSpace(councilBinary) != "" {
		cmd = exec.Command(councilBinary, args...)
	} else {
		if self, err := os.Executable(); err == nil {
			sibling := filepath.Join(filepath.Dir(self), "council")
			if fileExists(sibling) {
				cmd = exec.Command(sibling, args...)
			}
		}
		if cmd == nil {
			cmd = exec.Command("go", append([]string{"run", "./cmd/council"}, args...)...)
			cwd, _ := os.Getwd()
			cmd.Dir = cwd
		}
	}

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start council process: %w", err)
	}
	return &embeddedCouncil{cmd: cmd}, nil
}

func (e *embeddedCouncil) Stop() {
	if e == nil || e.cmd == nil || e.cmd.Process == nil {
		return
	}
	_ = e.cmd.Process.Kill()
	_, _ = e.cmd.Process.Wait()
}

func fileExists(p string) bool {
	info, err := os.Stat(p)
	if err != nil {
		return false
	}
	return !info.IsDir()
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
