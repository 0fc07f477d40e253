package signature

import "errors"

// ahoMatcher is an Aho-Corasick automaton over the catalogue patterns.
// Each output records the catalogue index of the pattern ending at that
// state, so a scan can report the earliest catalogue entry among all hits.
type ahoMatcher struct {
	nodes []ahoNode
}

type ahoNode struct {
	next map[byte]int
	fail int
	out  []int
}

func newAhoMatcher(patterns []string) (*ahoMatcher, error) {
	if len(patterns) == 0 {
		return nil, errors.New("patterns are required")
	}

	nodes := []ahoNode{{next: map[byte]int{}, fail: 0}}
	for idx, pattern := range patterns {
		if pattern == "" {
			continue
		}
		current := 0
		for i := 0; i < len(pattern); i++ {
			b := pattern[i]
			next, ok := nodes[current].next[b]
			if !ok {
				nodes = append(nodes, ahoNode{next: map[byte]int{}, fail: 0})
				next = len(nodes) - 1
				nodes[current].next[b] = next
			}
			current = next
		}
		nodes[current].out = append(nodes[current].out, idx)
	}

	if len(nodes) == 1 {
		return nil, errors.New("no non-empty patterns")
	}

	queue := make([]int, 0)
	for _, next := range nodes[0].next {
		nodes[next].fail = 0
		queue = append(queue, next)
	}

	for len(queue) > 0 {
		state := queue[0]
		queue = queue[1:]

		for b, next := range nodes[state].next {
			fail := nodes[state].fail
			for fail != 0 {
				if _, ok := nodes[fail].next[b]; ok {
					break
				}
				fail = nodes[fail].fail
			}
			if target, ok := nodes[fail].next[b]; ok && target != next {
				nodes[next].fail = target
			} else {
				nodes[next].fail = 0
			}
			nodes[next].out = append(nodes[next].out, nodes[nodes[next].fail].out...)
			queue = append(queue, next)
		}
	}

	return &ahoMatcher{nodes: nodes}, nil
}

// scan walks the whole candidate and returns the lowest catalogue index
// among every pattern occurrence found.
func (m *ahoMatcher) scan(input string) (int, bool) {
	best := -1
	state := 0
	for i := 0; i < len(input); i++ {
		b := input[i]
		for state != 0 {
			if next, ok := m.nodes[state].next[b]; ok {
				state = next
				break
			}
			state = m.nodes[state].fail
		}

		if state == 0 {
			if next, ok := m.nodes[0].next[b]; ok {
				state = next
			}
		}

		for _, idx := range m.nodes[state].out {
			if best == -1 || idx < best {
				best = idx
			}
		}
	}

	if best == -1 {
		return 0, false
	}
	return best, true
}
