package main

import (
	"fmt"
	"strings"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"runweaver/internal/domain"
)

func renderRunsTable(table *tview.Table, runs []domain.WorkflowRun, selectedRunID string) {
	table.Clear()
	headers := []string{"Run", "Status", "Session", "Branch", "Updated", "Goal"}
	for i, h := range headers {
		table.SetCell(0, i, tview.NewTableCell(h).SetSelectable(false).SetAttributes(tcell.AttrBold))
	}
	for i, r := range runs {
		row := i + 1
		branch := ""
		if r.IsBranch {
			branch = fmt.Sprintf("%s/%d", shortID(r.BranchParentID), r.BranchDepth)
		}
		table.SetCell(row, 0, tview.NewTableCell(shortID(r.ID)))
		table.SetCell(row, 1, tview.NewTableCell(string(r.Status)).SetTextColor(statusColor(r.Status)))
		table.SetCell(row, 2, tview.NewTableCell(trimLine(r.SessionID, 16)))
		table.SetCell(row, 3, tview.NewTableCell(branch))
		table.SetCell(row, 4, tview.NewTableCell(r.UpdatedAt.Local().Format("15:04:05")))
		table.SetCell(row, 5, tview.NewTableCell(trimLine(r.Goal, 48)))
		if r.ID == selectedRunID {
			table.Select(row, 0)
		}
	}
}

func statusColor(s domain.RunStatus) tcell.Color {
	switch s {
	case domain.RunStatusCompleted:
		return tcell.ColorGreen
	case domain.RunStatusFailed, domain.RunStatusCancelled:
		return tcell.ColorRed
	case domain.RunStatusWaitingApproval, domain.RunStatusInterrupted:
		return tcell.ColorYellow
	case domain.RunStatusRacing:
		return tcell.ColorAqua
	default:
		return tview.Styles.PrimaryTextColor
	}
}

// renderTree draws nodes in the pre-order they arrive in, indented by depth.
func renderTree(view runTree) string {
	if len(view.Nodes) == 0 {
		return "No nodes"
	}
	var b strings.Builder
	for _, n := range view.Nodes {
		color := "white"
		switch n.Status {
		case domain.NodeStatusCompleted:
			color = "green"
		case domain.NodeStatusFailed:
			color = "red"
		case domain.NodeStatusCopied:
			color = "gray"
		case domain.NodeStatusRunning:
			color = "yellow"
		}
		fmt.Fprintf(&b, "%s[%s]%s[-] %s (%s)\n", strings.Repeat("  ", n.Depth), color, n.Name, n.Kind, shortID(n.ID))
	}
	for _, g := range view.Races {
		fmt.Fprintf(&b, "\nrace %s step=%s strategy=%s status=%s winner=%s %s",
			shortID(g.ID), g.ParentStepID, g.Strategy, g.Status, shortID(g.WinnerBranchID), g.Reason)
	}
	for _, a := range view.Approvals {
		result := string(a.Result)
		if a.Pending() {
			result = "[yellow]pending[-]"
		}
		fmt.Fprintf(&b, "\napproval %s step=%s type=%s %s", shortID(a.ID), a.StepID, a.ApprovalType, result)
	}
	return b.String()
}

func renderEvents(events []domain.ExecutionEvent) string {
	if len(events) == 0 {
		return "No events"
	}
	var b strings.Builder
	for _, ev := range events {
		line := fmt.Sprintf("#%d %s/%s step=%s status=%s", ev.ExecutionOrder, ev.EventType, ev.EventSubtype, ev.StepID, ev.Status)
		if ev.DurationMS > 0 {
			line += fmt.Sprintf(" %dms", ev.DurationMS)
		}
		if ev.ErrorMessage != "" {
			line += " [red]" + tview.Escape(trimLine(ev.ErrorMessage, 80)) + "[-]"
		}
		b.WriteString(line)
		b.WriteByte('\n')
	}
	return b.String()
}

// renderEnvelope formats one live envelope as a single line.
func renderEnvelope(env domain.Envelope) string {
	ts := env.Timestamp.Local().Format("15:04:05.000")
	p, err := domain.DecodePayload(env)
	if err != nil {
		return fmt.Sprintf("%s [red]%s: %v[-]", ts, env.EventType, err)
	}
	var detail string
	switch v := p.(type) {
	case domain.OutputPayload:
		detail = fmt.Sprintf("%s %s", v.Stream, tview.Escape(trimLine(v.Text, 120)))
	case domain.StatusPayload:
		detail = fmt.Sprintf("%s %s -> %s %s", v.Entity, v.From, v.To, tview.Escape(v.Reason))
	case domain.ExecutionEventPayload:
		detail = fmt.Sprintf("#%d %s/%s", v.Event.ExecutionOrder, v.Event.EventType, v.Event.EventSubtype)
	case domain.NodeCreatedPayload:
		detail = fmt.Sprintf("%s depth=%d", v.Node.Name, v.Node.Depth)
	case domain.RaceResolvedPayload:
		detail = fmt.Sprintf("step=%s winner=%s", v.StepID, shortID(v.WinnerBranchID))
	case domain.RaceAbortedPayload:
		detail = fmt.Sprintf("step=%s %s", v.StepID, tview.Escape(v.Reason))
	case domain.ApprovalRequiredPayload:
		detail = fmt.Sprintf("step=%s request=%s", v.Request.StepID, shortID(v.Request.ID))
	case domain.ApprovalResolvedPayload:
		detail = fmt.Sprintf("step=%s %s by %s", v.StepID, v.Result, v.DecidedBy)
	case domain.ErrorPayload:
		detail = "[red]" + tview.Escape(v.Message) + "[-]"
	}
	return strings.TrimSpace(fmt.Sprintf("%s [::b]%s[::-] %s", ts, env.EventType, detail))
}

func pendingApproval(view runTree) (domain.ApprovalRequest, bool) {
	for _, a := range view.Approvals {
		if a.Pending() {
			return a, true
		}
	}
	return domain.ApprovalRequest{}, false
}

func trimLine(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit-3] + "..."
}

func shortID(v string) string {
	if len(v) <= 8 {
		return v
	}
	return v[:8]
}
