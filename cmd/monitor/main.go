package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"runweaver/internal/domain"
)

const liveLines = 200

type embeddedOrchestrator struct {
	cmd *exec.Cmd
}

// selection is the run currently inspected and the stream following it.
type selection struct {
	mu       sync.Mutex
	runID    string
	view     runTree
	runs     []domain.WorkflowRun
	unfollow context.CancelFunc
	live     []string
}

func (s *selection) current() (string, runTree) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runID, s.view
}

func (s *selection) appendLive(line string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.live = append(s.live, line)
	if len(s.live) > liveLines {
		s.live = s.live[len(s.live)-liveLines:]
	}
	return strings.Join(s.live, "\n")
}

func main() {
	addr := flag.String("addr", "http://localhost:8080", "orchestrator base URL")
	interval := flag.Duration("interval", 2*time.Second, "refresh interval")
	session := flag.String("session", "monitor", "session id for runs submitted from the prompt")
	actor := flag.String("actor", envOr("USER", "monitor"), "name recorded on approval decisions")
	embedded := flag.Bool("embedded", false, "start an orchestrator for the lifetime of the monitor")
	orchestratorBinary := flag.String("orchestrator-bin", "", "path to orchestrator binary (embedded mode)")
	dbPath := flag.String("db", "data/monitor.db", "sqlite db path for embedded orchestrator")
	workspaceRoot := flag.String("workspace", "workspace", "workspace root for embedded orchestrator")
	flag.Parse()

	c := &client{
		baseURL: strings.TrimRight(*addr, "/"),
		http:    &http.Client{Timeout: 10 * time.Second},
	}

	if *embedded {
		proc, err := startEmbeddedOrchestrator(*addr, *orchestratorBinary, *dbPath, *workspaceRoot)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to start embedded orchestrator: %v\n", err)
			os.Exit(1)
		}
		defer proc.Stop()
	}

	if err := waitHealth(c, 30*time.Second); err != nil {
		fmt.Fprintf(os.Stderr, "orchestrator health check failed: %v\n", err)
		os.Exit(1)
	}

	app := tview.NewApplication()
	runsTable := tview.NewTable().
		SetBorders(false).
		SetSelectable(true, false)
	runsTable.SetTitle("Runs (Enter inspect, F5 refresh, F10 quit)").SetBorder(true)

	treeView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	treeView.SetTitle("Tree").SetBorder(true)

	eventsView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	eventsView.SetTitle("Events").SetBorder(true)

	liveView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	liveView.SetTitle("Live").SetBorder(true)

	promptInput := tview.NewInputField().
		SetLabel("Command -> Orchestrator: ")
	promptInput.SetBorder(true).SetTitle("Enter = submit single-step run")

	statusView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	statusView.SetBorder(true).SetTitle("Status")
	statusView.SetText(fmt.Sprintf(
		"Connected to %s | a approve, d deny, c cancel, b branch | Ctrl+L prompt, Ctrl+T runs",
		c.baseURL,
	))

	rightTop := tview.NewFlex().
		AddItem(treeView, 0, 1, false).
		AddItem(eventsView, 0, 1, false)
	right := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(rightTop, 0, 3, false).
		AddItem(liveView, 0, 2, false)

	mainLayout := tview.NewFlex().
		AddItem(runsTable, 0, 1, true).
		AddItem(right, 0, 2, false)

	root := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(mainLayout, 0, 12, true).
		AddItem(promptInput, 3, 0, false).
		AddItem(statusView, 3, 0, false)

	sel := &selection{}
	setStatusAsync := func(msg string) {
		app.QueueUpdateDraw(func() {
			statusView.SetText(msg)
		})
	}

	refreshRuns := func() {
		runs, err := c.listRuns(100)
		if err != nil {
			app.QueueUpdateDraw(func() {
				runsTable.Clear()
				runsTable.SetCell(0, 0, tview.NewTableCell(fmt.Sprintf("load error: %v", err)).SetTextColor(tview.Styles.ContrastSecondaryTextColor))
			})
			return
		}
		sel.mu.Lock()
		sel.runs = runs
		selected := sel.runID
		sel.mu.Unlock()
		app.QueueUpdateDraw(func() {
			renderRunsTable(runsTable, runs, selected)
		})
	}

	refreshDetails := func(runID string) {
		if runID == "" {
			return
		}
		view, treeErr := c.runTree(runID)
		events, eventsErr := c.runEvents(runID)
		sel.mu.Lock()
		if sel.runID != runID {
			sel.mu.Unlock()
			return
		}
		if treeErr == nil {
			sel.view = view
		}
		sel.mu.Unlock()
		app.QueueUpdateDraw(func() {
			if treeErr != nil {
				treeView.SetText(fmt.Sprintf("error: %v", treeErr))
			} else {
				treeView.SetText(renderTree(view))
			}
			if eventsErr != nil {
				eventsView.SetText(fmt.Sprintf("error: %v", eventsErr))
			} else {
				eventsView.SetText(renderEvents(events))
				eventsView.ScrollToEnd()
			}
		})
	}

	// inspect switches the selection and restarts the live stream.
	inspect := func(runID string) {
		ctx, cancel := context.WithCancel(context.Background())
		sel.mu.Lock()
		if sel.runID == runID {
			sel.mu.Unlock()
			cancel()
			go refreshDetails(runID)
			return
		}
		if sel.unfollow != nil {
			sel.unfollow()
		}
		sel.runID = runID
		sel.view = runTree{}
		sel.unfollow = cancel
		sel.live = nil
		sel.mu.Unlock()

		liveView.SetText("")
		treeView.SetText("Loading...")
		eventsView.SetText("Loading...")
		go refreshDetails(runID)
		go func() {
			taskID := "monitor-" + shortID(runID)
			err := c.follow(ctx, taskID, runID, func(env domain.Envelope) {
				text := sel.appendLive(renderEnvelope(env))
				app.QueueUpdateDraw(func() {
					liveView.SetText(text)
					liveView.ScrollToEnd()
				})
				if env.EventType != domain.EventOutput {
					refreshDetails(runID)
				}
			})
			if err != nil {
				setStatusAsync("Stream closed: " + err.Error())
			}
		}()
	}

	decide := func(result domain.ApprovalResult) {
		_, view := sel.current()
		req, ok := pendingApproval(view)
		if !ok {
			statusView.SetText("No pending approval on the selected run")
			return
		}
		go func() {
			if err := c.resolveApproval(req.ID, result, *actor); err != nil {
				setStatusAsync("Approval failed: " + err.Error())
				return
			}
			setStatusAsync(fmt.Sprintf("Step %s %s", req.StepID, result))
		}()
	}

	runsTable.SetSelectedFunc(func(row, _ int) {
		sel.mu.Lock()
		runs := sel.runs
		sel.mu.Unlock()
		if row <= 0 || row > len(runs) {
			return
		}
		inspect(runs[row-1].ID)
	})

	promptInput.SetDoneFunc(func(key tcell.Key) {
		if key != tcell.KeyEnter {
			return
		}
		line := strings.TrimSpace(promptInput.GetText())
		if line == "" {
			return
		}
		promptInput.SetText("")
		statusView.SetText("Submitting run...")
		go func() {
			runID, err := c.submitCommand(*session, line)
			if err != nil {
				setStatusAsync("Submit failed: " + err.Error())
				return
			}
			refreshRuns()
			app.QueueUpdateDraw(func() {
				inspect(runID)
			})
			setStatusAsync("Run submitted: " + runID)
		}()
	})

	app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		switch event.Key() {
		case tcell.KeyF10:
			app.Stop()
			return nil
		case tcell.KeyF5:
			runID, _ := sel.current()
			go func() {
				refreshRuns()
				refreshDetails(runID)
				setStatusAsync("Manual refresh complete")
			}()
			return nil
		case tcell.KeyCtrlL:
			app.SetFocus(promptInput)
			return nil
		case tcell.KeyCtrlT, tcell.KeyEscape:
			app.SetFocus(runsTable)
			return nil
		}
		if app.GetFocus() == promptInput || event.Key() != tcell.KeyRune {
			return event
		}
		runID, view := sel.current()
		switch event.Rune() {
		case 'a':
			decide(domain.ApprovalApproved)
		case 'd':
			decide(domain.ApprovalDenied)
		case 'c':
			if runID == "" {
				return nil
			}
			go func() {
				if err := c.cancelRun(runID); err != nil {
					setStatusAsync("Cancel failed: " + err.Error())
					return
				}
				setStatusAsync("Cancelled " + shortID(runID))
			}()
		case 'b':
			node, ok := branchPoint(view)
			if !ok {
				statusView.SetText("Nothing to branch from on the selected run")
				return nil
			}
			go func() {
				newRunID, err := c.branchRun(runID, node.ID)
				if err != nil {
					setStatusAsync("Branch failed: " + err.Error())
					return
				}
				refreshRuns()
				app.QueueUpdateDraw(func() {
					inspect(newRunID)
				})
				setStatusAsync(fmt.Sprintf("Branched from %s into %s", node.Name, shortID(newRunID)))
			}()
		default:
			return event
		}
		return nil
	})

	go func() {
		ticker := time.NewTicker(*interval)
		defer ticker.Stop()
		for {
			refreshRuns()
			sel.mu.Lock()
			runID := sel.runID
			var first string
			if runID == "" && len(sel.runs) > 0 {
				first = sel.runs[0].ID
			}
			sel.mu.Unlock()
			if first != "" {
				app.QueueUpdateDraw(func() {
					inspect(first)
				})
			} else {
				refreshDetails(runID)
			}
			<-ticker.C
		}
	}()

	if err := app.SetRoot(root, true).EnableMouse(true).SetFocus(runsTable).Run(); err != nil {
		fmt.Fprintf(os.Stderr, "monitor failed: %v\n", err)
		os.Exit(1)
	}
	sel.mu.Lock()
	if sel.unfollow != nil {
		sel.unfollow()
	}
	sel.mu.Unlock()
}

// branchPoint picks the node a redo branch should start from: the first
// failed step, otherwise the last step of the run. Steps are the top-level
// nodes other than the task marker.
func branchPoint(view runTree) (domain.DagNode, bool) {
	var last domain.DagNode
	found := false
	for _, n := range view.Nodes {
		if n.ParentNodeID != "" || n.Kind == "task" {
			continue
		}
		if n.Status == domain.NodeStatusFailed {
			return n, true
		}
		last, found = n, true
	}
	return last, found
}

func startEmbeddedOrchestrator(addr, orchestratorBinary, dbPath, workspaceRoot string) (*embeddedOrchestrator, error) {
	parsed, err := url.Parse(addr)
	if err != nil {
		return nil, fmt.Errorf("parse addr: %w", err)
	}
	port := parsed.Port()
	if port == "" {
		return nil, fmt.Errorf("addr must include explicit port, got %q", addr)
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	args := []string{"serve", "--addr", ":" + port, "--db", dbPath, "--workspace", workspaceRoot}
	var cmd *exec.Cmd
	if strings.TrimSpace(orchestratorBinary) != "" {
		cmd = exec.Command(orchestratorBinary, args...)
	} else {
		self, err := os.Executable()
		if err == nil {
			sibling := filepath.Join(filepath.Dir(self), "orchestrator")
			if _, statErr := os.Stat(sibling); statErr == nil {
				cmd = exec.Command(sibling, args...)
			}
		}
		if cmd == nil {
			cmd = exec.Command("go", append([]string{"run", "./cmd/orchestrator"}, args...)...)
		}
	}

	// The TUI owns the terminal; orchestrator logs are kept off it.
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start orchestrator process: %w", err)
	}
	return &embeddedOrchestrator{cmd: cmd}, nil
}

func (e *embeddedOrchestrator) Stop() {
	if e == nil || e.cmd == nil || e.cmd.Process == nil {
		return
	}
	_ = e.cmd.Process.Kill()
	_, _ = e.cmd.Process.Wait()
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}
