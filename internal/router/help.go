package router

import (
	"sort"
	"strings"

	"guardbot/pkg/tgui"
)

var unknownHelp = tgui.JoinH(" ", tgui.Esc("Unknown command. Try"), tgui.Code("/help"))

// helpText renders help in Telegram HTML. Owner-only commands are hidden
// from everyone else.
func (m *Router) helpText(path []string, owner bool) string {
	m.mu.RLock()
	root, alias := m.root, m.alias
	m.mu.RUnlock()

	words := make([]string, 0, len(path))
	for _, p := range path {
		words = append(words, strings.TrimPrefix(p, "/"))
	}
	if len(words) == 0 {
		return helpTop(root, owner).String()
	}

	node, full, _ := root.match(words)
	if node == nil {
		leaf, ok := alias[words[0]]
		if !ok || leaf.cmd == nil {
			return unknownHelp.String()
		}
		node, full = leaf, routeWords(leaf.cmd.Route)
	}
	if ownerOnly(node) && !owner {
		return unknownHelp.String()
	}
	return helpNode(node, full).String()
}

func helpTop(root *routeNode, owner bool) tgui.H {
	words := root.subWords()
	// public commands first, admin ones after
	sort.SliceStable(words, func(i, j int) bool {
		ni, _ := root.sub(words[i])
		nj, _ := root.sub(words[j])
		return !ownerOnly(ni) && ownerOnly(nj)
	})

	lines := []tgui.H{tgui.B("Commands")}
	for _, w := range words {
		n, _ := root.sub(w)
		admin := ownerOnly(n)
		if admin && !owner {
			continue
		}
		line := tgui.JoinH(" - ", tgui.Code("/"+w), tgui.Esc(describe(n)))
		if admin {
			line = tgui.JoinH(" ", line, tgui.I("(admin)"))
		}
		lines = append(lines, "• "+line)
	}
	lines = append(lines, "\n"+tgui.Code("/help <cmd>")+tgui.Esc(" for details."))
	return tgui.JoinH("\n", lines...)
}

func helpNode(n *routeNode, full []string) tgui.H {
	lines := []tgui.H{tgui.B("/" + strings.Join(full, " "))}
	if c := n.cmd; c != nil {
		lines = append(lines, tgui.Esc(strings.TrimSpace(c.Description)))
		if u := strings.TrimSpace(c.Usage); u != "" {
			lines = append(lines, tgui.Esc("Usage: ")+tgui.Code(u))
		}
		if len(c.Aliases) > 0 {
			lines = append(lines, tgui.Esc("Aliases: "+strings.Join(c.Aliases, ", ")))
		}
	}
	for _, w := range n.subWords() {
		sub, _ := n.sub(w)
		route := "/" + strings.Join(append(append([]string(nil), full...), w), " ")
		lines = append(lines, "• "+tgui.JoinH(" - ", tgui.Code(route), tgui.Esc(describe(sub))))
	}
	return tgui.JoinH("\n", lines...)
}

// describe is the command description, or a short list of subcommands for a group.
func describe(n *routeNode) string {
	if n.cmd != nil && strings.TrimSpace(n.cmd.Description) != "" {
		return strings.TrimSpace(n.cmd.Description)
	}
	subs := n.subWords()
	switch {
	case len(subs) == 0:
		return ""
	case len(subs) > 3:
		subs = append(subs[:3:3], "...")
	}
	return "subcommands: " + strings.Join(subs, ", ")
}

// ownerOnly: a command uses its Access; a group is owner-only when all of its
// commands are.
func ownerOnly(n *routeNode) bool {
	if n.cmd != nil {
		return n.cmd.Access == AccessOwnerOnly
	}
	for _, sub := range n.next {
		if !ownerOnly(sub) {
			return false
		}
	}
	return true
}
