package main

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/nkitajim/task-collabo/domain"
)

const columnWidth = 34

var (
	colorMuted  = lipgloss.AdaptiveColor{Light: "245", Dark: "243"}
	colorAccent = lipgloss.AdaptiveColor{Light: "25", Dark: "111"}

	boardTitleStyle  = lipgloss.NewStyle().Bold(true).Foreground(colorAccent).MarginBottom(1)
	columnStyle      = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(colorMuted).Padding(0, 1).Width(columnWidth)
	columnTitleStyle = lipgloss.NewStyle().Bold(true)
	mutedStyle       = lipgloss.NewStyle().Foreground(colorMuted)
	pendingStyle     = lipgloss.NewStyle().Italic(true).Foreground(colorMuted)
)

func renderBoard(b domain.Board) string {
	cols := make([]string, 0, len(b.Columns))
	for _, c := range b.Columns {
		cols = append(cols, renderColumn(c))
	}
	title := boardTitleStyle.Render(fmt.Sprintf("%s  #%s", b.Title, b.ID))
	if len(cols) == 0 {
		return lipgloss.JoinVertical(lipgloss.Left, title, mutedStyle.Render("no columns"))
	}
	return lipgloss.JoinVertical(lipgloss.Left, title, lipgloss.JoinHorizontal(lipgloss.Top, cols...))
}

func renderColumn(c domain.Column) string {
	var sb strings.Builder
	sb.WriteString(columnTitleStyle.Render(c.Title))
	sb.WriteString(mutedStyle.Render(fmt.Sprintf(" #%s (%d)", c.ID, len(c.Tasks))))
	for _, t := range c.Tasks {
		sb.WriteString("\n")
		sb.WriteString(renderTask(t))
	}
	return columnStyle.Render(sb.String())
}

func renderTask(t domain.Task) string {
	line := fmt.Sprintf("• %s", t.Title)
	if t.ID.IsProvisional() {
		return pendingStyle.Render(line + " (saving)")
	}
	var meta []string
	meta = append(meta, "#"+t.ID.String())
	if t.Assignee != "" {
		meta = append(meta, "@"+t.Assignee)
	}
	if t.EndDate != nil {
		meta = append(meta, "due "+t.EndDate.Format("2006-01-02"))
	}
	return line + "\n  " + mutedStyle.Render(strings.Join(meta, " "))
}

func renderBoardList(boards []domain.BoardSummary) string {
	if len(boards) == 0 {
		return mutedStyle.Render("no boards")
	}
	lines := make([]string, 0, len(boards))
	for _, b := range boards {
		lines = append(lines, fmt.Sprintf("%s  %s", mutedStyle.Render(fmt.Sprintf("%6s", b.ID)), b.Title))
	}
	return strings.Join(lines, "\n")
}
