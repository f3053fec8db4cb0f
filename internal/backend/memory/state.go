package memory

import (
	"sort"
	"strings"

	"github.com/tracegrid/tracegrid/internal/backend"
	"github.com/tracegrid/tracegrid/pkg/model"
)

type rowKey struct {
	serviceID string
	key       string
}

// state is one immutable generation of the store. Transactions clone it,
// mutate the clone and publish it on commit.
type state struct {
	tables  map[model.EntityType]map[rowKey]backend.Row
	seq     map[model.EntityType]int64
	commits map[string][]model.Commit
	undo    map[string][]backend.UndoEntry
}

func newState() *state {
	s := &state{
		tables:  make(map[model.EntityType]map[rowKey]backend.Row, len(model.EntityTypes)),
		seq:     make(map[model.EntityType]int64, len(model.EntityTypes)),
		commits: make(map[string][]model.Commit),
		undo:    make(map[string][]backend.UndoEntry),
	}
	for _, entity := range model.EntityTypes {
		s.tables[entity] = make(map[rowKey]backend.Row)
	}
	return s
}

// clone copies the maps. Row payloads are never mutated in place, so the
// rows themselves are shared between generations.
func (s *state) clone() *state {
	cp := &state{
		tables:  make(map[model.EntityType]map[rowKey]backend.Row, len(s.tables)),
		seq:     make(map[model.EntityType]int64, len(s.seq)),
		commits: make(map[string][]model.Commit, len(s.commits)),
		undo:    make(map[string][]backend.UndoEntry, len(s.undo)),
	}
	for entity, rows := range s.tables {
		table := make(map[rowKey]backend.Row, len(rows))
		for k, r := range rows {
			table[k] = r
		}
		cp.tables[entity] = table
	}
	for entity, n := range s.seq {
		cp.seq[entity] = n
	}
	for svc, chain := range s.commits {
		cp.commits[svc] = append([]model.Commit(nil), chain...)
	}
	for svc, entries := range s.undo {
		cp.undo[svc] = append([]backend.UndoEntry(nil), entries...)
	}
	return cp
}

func (s *state) head(serviceID string) *model.Commit {
	chain := s.commits[serviceID]
	if len(chain) == 0 {
		return nil
	}
	c := chain[len(chain)-1]
	return &c
}

// commitByNum relies on the chain having no gaps: commit n sits at index n-1.
func (s *state) commitByNum(serviceID string, num int64) (model.Commit, bool) {
	chain := s.commits[serviceID]
	if num < 1 || num > int64(len(chain)) {
		return model.Commit{}, false
	}
	c := chain[num-1]
	return c, c.CommitNum == num
}

func (s *state) commitByID(serviceID, commitID string) (model.Commit, bool) {
	for _, c := range s.commits[serviceID] {
		if c.CommitID == commitID {
			return c, true
		}
	}
	return model.Commit{}, false
}

func (s *state) row(entity model.EntityType, serviceID, key string) (backend.Row, bool) {
	r, ok := s.tables[entity][rowKey{serviceID: serviceID, key: key}]
	return r, ok
}

func (s *state) list(q backend.ListQuery) ([]backend.Row, int) {
	var matched []backend.Row
	for k, r := range s.tables[q.Entity] {
		if k.serviceID != q.ServiceID {
			continue
		}
		if q.Group != "" && r.Group != q.Group {
			continue
		}
		matched = append(matched, r)
	}
	sort.Slice(matched, func(i, j int) bool {
		if c := strings.Compare(matched[i].Key, matched[j].Key); c != 0 {
			return c < 0
		}
		return matched[i].Seq < matched[j].Seq
	})
	total := len(matched)
	return window(matched, q.Offset, q.Limit), total
}

func window[T any](items []T, offset, limit int) []T {
	if offset >= len(items) {
		return nil
	}
	end := len(items)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return append([]T(nil), items[offset:end]...)
}
