package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
)

// Tenants table headers and their column widths.
var (
	tenantHeaders = []string{"Tenant", "Owner", "Lease", "Resource", "Sessions", "In", "Out"}
	tenantWidths  = []int{24, 14, 10, 10, 8, 4, 4}
)

// renderTenantsTable renders the per-tenant table with headers and rows.
func renderTenantsTable(snap *Snapshot, cursor int, theme Theme, styles Styles) string {
	if snap == nil || len(snap.Tenants) == 0 {
		return styles.Muted.Render("No known tenants")
	}

	var sb strings.Builder

	headerParts := make([]string, 0, len(tenantHeaders))
	for i, header := range tenantHeaders {
		style := styles.Col.
			Width(tenantWidths[i]).
			Bold(true).
			Foreground(theme.Primary)
		headerParts = append(headerParts, style.Render(header))
	}
	sb.WriteString(strings.Join(headerParts, " "))
	sb.WriteString("\n")

	sb.WriteString(strings.Repeat("─", 80))
	sb.WriteString("\n")

	for i, row := range snap.Tenants {
		sb.WriteString(renderTenantRow(row, i == cursor, styles))
		sb.WriteString("\n")
	}

	return sb.String()
}

// renderTenantRow renders a single tenant row.
func renderTenantRow(row TenantRow, active bool, styles Styles) string {
	cols := []string{
		truncate(row.Tenant, tenantWidths[0]),
		truncate(row.Owner, tenantWidths[1]),
		renderLease(row, styles),
		renderResourceBadge(row.Resource, styles),
		fmt.Sprintf("%d", row.Sessions),
		fmt.Sprintf("%d", row.InputDepth),
		fmt.Sprintf("%d", row.OutputDepth),
	}
	parts := make([]string, 0, len(cols))
	for i, col := range cols {
		parts = append(parts, styles.Col.Width(tenantWidths[i]).Render(col))
	}
	line := strings.Join(parts, " ")
	if active {
		return "> " + line
	}
	return "  " + line
}

// renderLease shows time left on a live lease, or how it ended.
func renderLease(row TenantRow, styles Styles) string {
	if row.Owner == "" {
		return styles.Muted.Render("-")
	}
	if !row.Live {
		return styles.Bad.Render("expired")
	}
	left := time.Until(row.LeaseExpiry).Round(time.Second)
	if left < 0 {
		left = 0
	}
	return styles.Good.Render(left.String())
}

// renderResourceBadge colors the resource lifecycle status.
func renderResourceBadge(status string, styles Styles) string {
	switch status {
	case "running", "idle":
		return styles.Good.Render(status)
	case "starting", "stopping":
		return styles.Warn.Render(status)
	case "":
		return styles.Muted.Render("-")
	default:
		return styles.Muted.Render(status)
	}
}

// renderCount renders a "label: n" status bar segment.
func renderCount(label string, n int, style lipgloss.Style) string {
	return style.Render(fmt.Sprintf("%s: %d", label, n))
}

// renderHelp renders the footer key binding summary.
func renderHelp(keys KeyMap, styles Styles) string {
	parts := make([]string, 0, 8)
	for _, b := range keys.helpEntries() {
		h := b.Help()
		parts = append(parts, h.Key+" "+h.Desc)
	}
	return styles.HelpLine.Render(strings.Join(parts, " · "))
}

// truncate shortens s to maxLen, appending "..." when it was cut.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}
