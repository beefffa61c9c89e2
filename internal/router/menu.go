package router

import (
	"cmp"
	"slices"
	"strings"
	"unicode"

	"guardbot/internal/transport"
)

const (
	maxCommandName = 32
	maxCommandDesc = 256
	maxMenuEntries = 100
)

// commandName folds s into Telegram's [a-z0-9_]{1,32} command alphabet.
// Separators collapse into one underscore; other runes are dropped.
func commandName(s string) string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return r == '_' || r == '-' || r == '/' || unicode.IsSpace(r)
	})
	parts := fields[:0]
	for _, f := range fields {
		f = strings.Map(func(r rune) rune {
			if ('a' <= r && r <= 'z') || ('0' <= r && r <= '9') {
				return r
			}
			return -1
		}, f)
		if f != "" {
			parts = append(parts, f)
		}
	}
	out := strings.Join(parts, "_")
	if out == "" {
		return ""
	}
	if isDigit(out[0]) {
		out = "cmd_" + out
	}
	if len(out) > maxCommandName {
		out = strings.TrimRight(out[:maxCommandName], "_")
	}
	return out
}

// routeCommand flattens a route into a menu shortcut: "broadcast now" is
// offered as /broadcast_now.
func routeCommand(route []string) (string, bool) {
	if len(route) == 0 {
		return "", false
	}
	name := commandName(strings.Join(route, "_"))
	return name, name != ""
}

type menuEntry struct {
	name   string
	desc   string
	nested bool
}

// buildMenuCommands lists top-level words first and nested shortcuts after,
// each group in name order.
func buildMenuCommands(root *routeNode, cmds []Command) []transport.BotCommand {
	seen := map[string]menuEntry{}
	put := func(name, desc string, nested bool) {
		name = commandName(name)
		if name == "" {
			return
		}
		if prev, ok := seen[name]; ok && (!prev.nested || nested) {
			return
		}
		seen[name] = menuEntry{name: name, desc: menuDesc(name, desc), nested: nested}
	}

	for _, w := range root.subWords() {
		n, _ := root.sub(w)
		put(w, adminTag(describe(n), ownerOnly(n)), false)
	}
	for _, c := range cmds {
		route := routeWords(c.Route)
		if len(route) < 2 {
			continue
		}
		if name, ok := routeCommand(route); ok {
			put(name, adminTag(c.Description, c.Access == AccessOwnerOnly), true)
		}
	}

	entries := make([]menuEntry, 0, len(seen))
	for _, e := range seen {
		entries = append(entries, e)
	}
	slices.SortFunc(entries, func(a, b menuEntry) int {
		if a.nested != b.nested {
			if a.nested {
				return 1
			}
			return -1
		}
		return cmp.Compare(a.name, b.name)
	})
	if len(entries) > maxMenuEntries {
		entries = entries[:maxMenuEntries]
	}

	out := make([]transport.BotCommand, len(entries))
	for i, e := range entries {
		out[i] = transport.BotCommand{Command: e.name, Description: e.desc}
	}
	return out
}

func adminTag(desc string, admin bool) string {
	if admin {
		return "[admin] " + desc
	}
	return desc
}

func menuDesc(name, desc string) string {
	desc = strings.Join(strings.Fields(desc), " ")
	if desc == "" || desc == "[admin]" {
		desc = strings.TrimSpace(desc + " " + name)
	}
	if len(desc) > maxCommandDesc {
		desc = desc[:maxCommandDesc]
	}
	return desc
}
