package router

import (
	"sort"
	"strings"
)

// routeNode is one word of a command path. Nodes with a cmd are runnable;
// the others only group subcommands ("/broadcast" -> now, panel, status).
type routeNode struct {
	word string
	cmd  *Command
	next map[string]*routeNode
}

func newRouteTree() *routeNode { return &routeNode{next: map[string]*routeNode{}} }

func routeWords(route string) []string { return strings.Fields(route) }

// insert stores c under words and returns its node.
func (n *routeNode) insert(words []string, c Command) *routeNode {
	cur := n
	for _, w := range words {
		nx, ok := cur.next[w]
		if !ok {
			nx = &routeNode{word: w, next: map[string]*routeNode{}}
			cur.next[w] = nx
		}
		cur = nx
	}
	cur.cmd = &c
	return cur
}

// match descends as far as words allow, stopping at the first flag. It
// returns the deepest node reached, the words that led there and the rest.
// A nil node means the first word is not a known command.
func (n *routeNode) match(words []string) (*routeNode, []string, []string) {
	if len(words) == 0 {
		return nil, nil, nil
	}
	cur, ok := n.next[words[0]]
	if !ok {
		return nil, nil, words
	}
	i := 1
	for ; i < len(words) && !strings.HasPrefix(words[i], "-"); i++ {
		nx, ok := cur.next[words[i]]
		if !ok {
			break
		}
		cur = nx
	}
	return cur, words[:i], words[i:]
}

func (n *routeNode) sub(word string) (*routeNode, bool) {
	nx, ok := n.next[word]
	return nx, ok
}

func (n *routeNode) subWords() []string {
	out := make([]string, 0, len(n.next))
	for w := range n.next {
		out = append(out, w)
	}
	sort.Strings(out)
	return out
}
