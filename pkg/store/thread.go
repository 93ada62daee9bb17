package store

import (
	"sort"

	"github.com/pagemark/pagemark/pkg/annotation"
)

// ThreadNode is one record in a derived reply tree.
type ThreadNode struct {
	Record  annotation.Record
	Replies []*ThreadNode
}

// ThreadOf derives the ordered reply tree rooted at rootID by walking
// threadParentId back-references. The walk carries a visited set: write
// paths are expected to prevent cycles by construction, but partial
// scope loads and defensive reads mean a record may appear at most once
// and a missing or cyclic parent must never loop the walk.
func (s *Store) ThreadOf(rootID string) (*ThreadNode, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	root, ok := s.records[s.resolveLocked(rootID)]
	if !ok {
		return nil, false
	}

	children := make(map[string][]*annotation.Record)
	for _, id := range s.order {
		r, ok := s.records[id]
		if !ok || r.ThreadParentID == "" {
			continue
		}
		children[r.ThreadParentID] = append(children[r.ThreadParentID], r)
	}
	for _, replies := range children {
		sort.SliceStable(replies, func(i, j int) bool {
			return replies[i].CreatedAt.Before(replies[j].CreatedAt)
		})
	}

	visited := map[string]bool{root.ID: true}
	return buildThread(root, children, visited), true
}

func buildThread(r *annotation.Record, children map[string][]*annotation.Record, visited map[string]bool) *ThreadNode {
	node := &ThreadNode{Record: *r.Clone()}
	for _, reply := range children[r.ID] {
		if visited[reply.ID] {
			continue
		}
		visited[reply.ID] = true
		node.Replies = append(node.Replies, buildThread(reply, children, visited))
	}
	return node
}

// Roots returns the thread roots of the working set in insertion order.
// A record whose declared parent is absent is treated as a root, since
// partial scope loads are possible.
func (s *Store) Roots() []annotation.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []annotation.Record
	for _, id := range s.order {
		r, ok := s.records[id]
		if !ok {
			continue
		}
		if r.ThreadParentID != "" {
			if _, parentKnown := s.records[r.ThreadParentID]; parentKnown {
				continue
			}
		}
		out = append(out, *r.Clone())
	}
	return out
}
