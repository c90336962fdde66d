package bot

import (
	"html"
	"strings"
)

// helpText renders the command list in HTML. Owner-only commands are hidden
// from everyone else.
func (m *Router) helpText(fromID int64) string {
	owner := m.isOwner(fromID)
	m.mu.RLock()
	cmds := m.ordered
	m.mu.RUnlock()

	var b strings.Builder
	b.WriteString("<b>Commands</b>\n")
	for _, c := range cmds {
		if c.Access == AccessOwnerOnly && !owner {
			continue
		}
		usage := c.Usage
		if usage == "" {
			usage = "/" + c.Name
		}
		b.WriteString("<code>" + html.EscapeString(usage) + "</code>")
		if c.Description != "" {
			b.WriteString(" - " + html.EscapeString(c.Description))
		}
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n")
}
