package main

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/dd0wney/cluso-ha/pkg/cluster"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#00FFFF"))

	boxStyle = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#00FFFF")).
			Padding(0, 1)

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#888888")).
			Width(12)

	primaryStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF00FF")).
			Bold(true)

	aliveStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF00"))
	deadStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF0000"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF0000")).
			Bold(true)

	successStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#00FF00")).
			Bold(true)
)

func row(label, value string) string {
	return lipgloss.JoinHorizontal(lipgloss.Top, labelStyle.Render(label), value)
}

func renderConsensus(s cluster.ConsensusState) string {
	voted := s.VotedFor
	if voted == "" {
		voted = "-"
	}
	return boxStyle.Render(lipgloss.JoinVertical(lipgloss.Left,
		titleStyle.Render("Consensus"),
		row("role", s.Role.String()),
		row("term", fmt.Sprint(s.Term)),
		row("voted for", voted),
	))
}

func renderInfo(info cluster.NodeInfo) string {
	primary := info.Primary
	if primary == "" {
		primary = "-"
	}
	repl := "idle"
	switch {
	case info.Replication.Recovering:
		repl = "recovering"
	case info.Replication.Producing:
		repl = "producing"
	}
	if info.Replication.LastError != "" {
		repl += " (" + info.Replication.LastError + ")"
	}

	node := boxStyle.Render(lipgloss.JoinVertical(lipgloss.Left,
		titleStyle.Render("Node"),
		row("id", info.Self.ID),
		row("control", info.Self.ControlAddr()),
		row("in cluster", fmt.Sprint(info.InCluster)),
		row("role", info.Consensus.Role.String()),
		row("term", fmt.Sprint(info.Consensus.Term)),
		row("primary", primary),
		row("order", fmt.Sprint(info.Order)),
		row("replication", repl),
	))
	if len(info.View) == 0 {
		return node
	}
	return lipgloss.JoinVertical(lipgloss.Left, node, renderView(info.View, info.Self.ID))
}

func renderView(view cluster.ClusterView, self string) string {
	lines := []string{titleStyle.Render(fmt.Sprintf("Members (%d)", len(view)))}
	for _, d := range view {
		status := aliveStyle.Render("alive")
		if !d.Alive {
			status = deadStyle.Render("dead ")
		}
		id := d.ID
		if d.IsPrimary {
			id = primaryStyle.Render(id)
		}
		var tags []string
		if d.IsPrimary {
			tags = append(tags, "primary")
		}
		if d.ID == self {
			tags = append(tags, "self")
		}
		line := fmt.Sprintf("%s  %s  %-24s term %d", status, id, d.ControlAddr(), d.Term)
		if len(tags) > 0 {
			line += "  [" + strings.Join(tags, ", ") + "]"
		}
		lines = append(lines, line)
	}
	return boxStyle.Render(lipgloss.JoinVertical(lipgloss.Left, lines...))
}
