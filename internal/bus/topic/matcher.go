package topic

import "sync"

// Matcher indexes subscription patterns in a trie so that a published
// message type can be matched against all registered patterns in O(k)
// for the common no-wildcard case, where k is the number of segments.
// It is safe for concurrent use.
type Matcher struct {
	mu   sync.RWMutex
	root *trieNode
}

// trieNode is one segment level of the pattern trie.
type trieNode struct {
	children map[string]*trieNode
	patterns []Topic // patterns that terminate at this node
}

func newTrieNode() *trieNode {
	return &trieNode{
		children: make(map[string]*trieNode),
	}
}

// NewMatcher creates an empty pattern matcher.
func NewMatcher() *Matcher {
	return &Matcher{
		root: newTrieNode(),
	}
}

// Add adds a pattern to the matcher. Duplicate adds are no-ops.
func (m *Matcher) Add(pattern Topic) {
	if pattern == "" {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	node := m.root
	for _, seg := range pattern.Segments() {
		if node.children[seg] == nil {
			node.children[seg] = newTrieNode()
		}
		node = node.children[seg]
	}

	for _, p := range node.patterns {
		if p == pattern {
			return
		}
	}
	node.patterns = append(node.patterns, pattern)
}

// Remove removes a pattern from the matcher and prunes empty branches.
func (m *Matcher) Remove(pattern Topic) {
	if pattern == "" {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	segments := pattern.Segments()

	type pathEntry struct {
		node *trieNode
		key  string
	}
	path := make([]pathEntry, 0, len(segments)+1)
	path = append(path, pathEntry{node: m.root})

	node := m.root
	for _, seg := range segments {
		child := node.children[seg]
		if child == nil {
			return
		}
		path = append(path, pathEntry{node: child, key: seg})
		node = child
	}

	found := false
	for i, p := range node.patterns {
		if p == pattern {
			node.patterns = append(node.patterns[:i], node.patterns[i+1:]...)
			found = true
			break
		}
	}
	if !found {
		return
	}

	// Prune empty nodes from leaf back to root.
	for i := len(path) - 1; i > 0; i-- {
		n := path[i].node
		if len(n.children) > 0 || len(n.patterns) > 0 {
			break
		}
		delete(path[i-1].node.children, path[i].key)
	}
}

// Has returns true if the exact pattern is registered.
func (m *Matcher) Has(pattern Topic) bool {
	if pattern == "" {
		return false
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	node := m.root
	for _, seg := range pattern.Segments() {
		if node.children[seg] == nil {
			return false
		}
		node = node.children[seg]
	}

	for _, p := range node.patterns {
		if p == pattern {
			return true
		}
	}
	return false
}

// visitKey memoizes (node, depth) pairs so ** branches are not re-explored.
type visitKey struct {
	node  *trieNode
	depth int
}

// matchState accumulates unique matches during a traversal.
type matchState struct {
	seen    map[Topic]struct{}
	matches []Topic
	visited map[visitKey]struct{}
}

// Match returns all registered patterns matching the given concrete message
// type. The returned patterns are unique.
func (m *Matcher) Match(messageType Topic) []Topic {
	if messageType == "" {
		return nil
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	state := &matchState{
		seen:    make(map[Topic]struct{}),
		visited: make(map[visitKey]struct{}),
	}
	m.matchRecursive(m.root, messageType.Segments(), 0, state)
	return state.matches
}

func (m *Matcher) matchRecursive(node *trieNode, segments []string, depth int, state *matchState) {
	if node == nil {
		return
	}

	key := visitKey{node: node, depth: depth}
	if _, seen := state.visited[key]; seen {
		return
	}
	state.visited[key] = struct{}{}

	if depth == len(segments) {
		state.add(node.patterns)

		// ** may also match zero trailing segments.
		if child := node.children[WildcardMulti]; child != nil {
			m.matchRecursive(child, segments, depth, state)
		}
		return
	}

	if child := node.children[segments[depth]]; child != nil {
		m.matchRecursive(child, segments, depth+1, state)
	}

	if child := node.children[WildcardSingle]; child != nil {
		m.matchRecursive(child, segments, depth+1, state)
	}

	if child := node.children[WildcardMulti]; child != nil {
		for i := depth; i <= len(segments); i++ {
			m.matchRecursive(child, segments, i, state)
		}
	}
}

func (s *matchState) add(patterns []Topic) {
	for _, p := range patterns {
		if _, seen := s.seen[p]; !seen {
			s.seen[p] = struct{}{}
			s.matches = append(s.matches, p)
		}
	}
}

// Size returns the number of registered patterns.
func (m *Matcher) Size() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	count := 0
	var walk func(*trieNode)
	walk = func(n *trieNode) {
		if n == nil {
			return
		}
		count += len(n.patterns)
		for _, child := range n.children {
			walk(child)
		}
	}
	walk(m.root)
	return count
}

// Clear removes all patterns.
func (m *Matcher) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.root = newTrieNode()
}
