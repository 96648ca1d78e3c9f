package main

import (
	"strings"

	"foreman/pkg/protocol"
)

// renderEvents renders the recent event tail, newest first.
func renderEvents(snap *Snapshot, cursor int, styles Styles) string {
	if snap == nil || len(snap.Events) == 0 {
		return styles.Muted.Render("No events yet")
	}

	var sb strings.Builder
	sb.WriteString(styles.Title.Render("Events"))
	sb.WriteString("\n")
	sb.WriteString(strings.Repeat("─", 80))
	sb.WriteString("\n")

	for i, ev := range snap.Events {
		marker := "  "
		if i == cursor {
			marker = "> "
		}
		line := marker +
			styles.Muted.Render(ev.CreatedAt.Format("15:04:05")) + " " +
			eventBadge(ev.Type, styles) + " " +
			truncate(ev.Source, 16)
		if ev.Tenant != "" {
			line += " " + truncate(ev.Tenant, 24)
		}
		if ev.Payload != "" {
			line += " " + styles.Muted.Render(truncate(ev.Payload, 40))
		}
		sb.WriteString(line)
		sb.WriteString("\n")
	}

	return sb.String()
}

// eventBadge colors an event type by severity.
func eventBadge(evType string, styles Styles) string {
	switch evType {
	case protocol.EventCritical, protocol.EventDeadLettered, protocol.EventPersistFailed:
		return styles.Bad.Render(evType)
	case protocol.EventClaimContention, protocol.EventColdStart, protocol.EventWorkFailed:
		return styles.Warn.Render(evType)
	case protocol.EventClaimed, protocol.EventWorkDone, protocol.EventReleased:
		return styles.Good.Render(evType)
	default:
		return evType
	}
}
