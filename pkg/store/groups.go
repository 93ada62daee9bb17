package store

import (
	"sort"
	"strconv"

	"github.com/pagemark/pagemark/pkg/annotation"
)

// Grouping selects a read-side projection over the working set. Grouping
// holds no state of its own and is cheap to recompute on demand.
type Grouping string

const (
	GroupByPage Grouping = "page"
	GroupByDate Grouping = "date"
	GroupByKind Grouping = "kind"
)

// Group is one bucket of a projection.
type Group struct {
	Key     string
	Records []annotation.Record
}

// GroupBy projects the working set into ordered buckets. Unanchored
// records fall into an empty page key under GroupByPage; dates bucket by
// creation day (UTC).
func (s *Store) GroupBy(g Grouping) []Group {
	s.mu.RLock()
	defer s.mu.RUnlock()

	buckets := make(map[string][]annotation.Record)
	var keys []string
	add := func(key string, r *annotation.Record) {
		if _, ok := buckets[key]; !ok {
			keys = append(keys, key)
		}
		buckets[key] = append(buckets[key], *r.Clone())
	}

	for _, id := range s.order {
		r, ok := s.records[id]
		if !ok {
			continue
		}
		switch g {
		case GroupByPage:
			key := ""
			if r.Anchor != nil {
				key = strconv.Itoa(r.Anchor.Page)
			}
			add(key, r)
		case GroupByDate:
			add(r.CreatedAt.UTC().Format("2006-01-02"), r)
		case GroupByKind:
			add(string(r.Kind), r)
		}
	}

	if g == GroupByPage {
		sort.Slice(keys, func(i, j int) bool {
			a, _ := strconv.Atoi(keys[i])
			b, _ := strconv.Atoi(keys[j])
			return a < b
		})
	} else {
		sort.Strings(keys)
	}
	out := make([]Group, 0, len(keys))
	for _, k := range keys {
		out = append(out, Group{Key: k, Records: buckets[k]})
	}
	return out
}
