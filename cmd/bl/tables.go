package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"

	"buildline/internal/domain"
	"buildline/internal/engine"
)

func newTable(header ...any) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.SetStyle(table.StyleLight)
	tw.AppendHeader(table.Row(header))
	return tw
}

func row(cells ...any) table.Row {
	return table.Row(cells)
}

func pct(v float64) string {
	return fmt.Sprintf("%.2f%%", v)
}

func printWorkItems(items []domain.WorkItem) {
	tw := newTable("ID", "Name", "Parent", "Start", "End", "Progress", "Status")
	for _, w := range items {
		tw.AppendRow(row(w.ID, w.Name, deref(w.ParentID), w.StartDate, w.EndDate, pct(w.Percentage), w.Status))
	}
	tw.Render()
}

func printTree(tree engine.WorkItemTree) {
	tw := newTable("Name", "Progress", "Status", "ID")
	tree.Walk(func(w domain.WorkItem, depth int) {
		tw.AppendRow(row(strings.Repeat("  ", depth)+w.Name, pct(w.Percentage), w.Status, w.ID))
	})
	tw.Render()
}

func printStages(stages []engine.StageView) {
	tw := newTable("#", "ID", "Name", "Status", "Defects", "Acceptability", "Items completed")
	for _, s := range stages {
		defects := "none open"
		if s.HasOpenDefects {
			defects = "open"
		}
		tw.AppendRow(row(s.Sequence, s.ID, s.Name, s.Status, defects, s.Acceptability, deref(s.ItemsCompletedAt)))
	}
	tw.Render()
}

func printItems(items []domain.AcceptanceItem) {
	tw := newTable("#", "ID", "Name", "End", "Acceptance", "Workflow", "Linked work item")
	for _, it := range items {
		tw.AppendRow(row(it.Order, it.ID, it.Name, it.EndDate, it.AcceptanceStatus, it.WorkflowStatus, deref(it.WorkItemID)))
	}
	tw.Render()
}

func printDefects(items []domain.Defect) {
	tw := newTable("ID", "Severity", "Status", "Stage", "Item", "Description")
	for _, d := range items {
		tw.AppendRow(row(d.ID, d.Severity, d.Status, deref(d.StageID), deref(d.ItemID), d.Description))
	}
	tw.Render()
}

func printProgress(p domain.ProjectProgress) {
	tw := newTable("Project", "Overall", "Source", "Manual", "Calculated")
	manual := "-"
	if p.ManualPercentage != nil {
		manual = pct(*p.ManualPercentage)
	}
	tw.AppendRow(row(p.ProjectID, pct(p.OverallPercentage), p.CalculatedFrom, manual, p.LastCalculatedAt))
	tw.Render()
}
