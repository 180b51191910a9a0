package router

import (
	"html"
	"strings"
)

// helpText renders help in HTML parse mode.
func (m *CommandManager) helpText(args []string) string {
	if len(args) > 0 {
		name := strings.TrimPrefix(args[0], "/")
		if c, ok := m.lookup(name); ok {
			return commandHelpHTML(c)
		}
		return "❓ <b>Unknown command</b>\nType <code>/help</code> for the list."
	}

	m.mu.RLock()
	order := append([]*Command(nil), m.order...)
	m.mu.RUnlock()

	lines := []string{"📚 <b>Commands</b>", ""}
	var locked []string
	for _, c := range order {
		line := "• <code>/" + html.EscapeString(c.Name) + "</code>"
		if d := strings.TrimSpace(c.Description); d != "" {
			line += " - " + html.EscapeString(d)
		}
		if c.Access == AccessOwnerOnly {
			locked = append(locked, "• 🔒"+strings.TrimPrefix(line, "•"))
			continue
		}
		lines = append(lines, line)
	}
	lines = append(lines, locked...)
	return strings.Join(lines, "\n")
}

func commandHelpHTML(c Command) string {
	lines := []string{"📚 <b>Help</b> <code>/" + html.EscapeString(c.Name) + "</code>"}
	if d := strings.TrimSpace(c.Description); d != "" {
		lines = append(lines, html.EscapeString(d))
	}
	if c.Access == AccessOwnerOnly {
		lines = append(lines, "🔒 <i>Owner only</i>")
	}
	if c.GroupOnly {
		lines = append(lines, "👥 <i>Group chats only</i>")
	}
	if u := strings.TrimSpace(c.Usage); u != "" {
		lines = append(lines, "", "<b>Usage</b>", "<code>"+html.EscapeString(u)+"</code>")
	}
	if len(c.Aliases) > 0 {
		lines = append(lines, "", "<b>Aliases</b> "+html.EscapeString("/"+strings.Join(c.Aliases, ", /")))
	}
	return strings.Join(lines, "\n")
}
