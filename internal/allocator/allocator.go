// Package allocator picks a table, or a minimal combination of tables, for a party.
package allocator

import (
	"fmt"
	"sort"

	"tablealloc/internal/errs"
	"tablealloc/internal/model"
)

// Kind tells which shape of seating was found.
type Kind string

const (
	None        Kind = "none"
	Single      Kind = "table"
	Combination Kind = "combination"
)

// Result is the allocation decision. A Result with Kind None is a legitimate
// negative answer, not an error.
type Result struct {
	Kind   Kind
	Table  *model.Table
	Tables []model.Table // ordered combination members
}

// Found reports whether a seating was selected.
func (r Result) Found() bool {
	return r.Kind == Single || r.Kind == Combination
}

// TableIDs returns the ids of every table in the result.
func (r Result) TableIDs() []int64 {
	switch r.Kind {
	case Single:
		return []int64{r.Table.ID}
	case Combination:
		ids := make([]int64, len(r.Tables))
		for i := range r.Tables {
			ids[i] = r.Tables[i].ID
		}
		return ids
	}
	return nil
}

// TotalCapacity sums max capacities of the selected tables.
func (r Result) TotalCapacity() int {
	switch r.Kind {
	case Single:
		return r.Table.MaxCapacity
	case Combination:
		return totalCapacity(r.Tables)
	}
	return 0
}

// Candidates returns active, operational tables that are not occupied.
func Candidates(tables []model.Table, occupied map[int64]struct{}) []model.Table {
	out := make([]model.Table, 0, len(tables))
	for _, t := range tables {
		if !t.IsBookable() {
			continue
		}
		if _, busy := occupied[t.ID]; busy {
			continue
		}
		out = append(out, t)
	}
	return out
}

// Allocate selects seating for partySize among candidates: tightest single
// table first, then the smallest combination with the least excess capacity.
func Allocate(candidates []model.Table, groups []model.TableGroup, partySize int, policy model.RestaurantPolicy) (Result, error) {
	if partySize < 1 {
		return Result{Kind: None}, errs.Markf(errs.ErrConfiguration, "party size must be positive, got %d", partySize)
	}

	priority := make(map[int64]int, len(groups))
	for _, g := range groups {
		priority[g.ID] = g.Priority
	}
	sorted := append([]model.Table(nil), candidates...)
	sortTables(sorted, priority)

	if t, ok := singleFit(sorted, partySize); ok {
		return Result{Kind: Single, Table: &t}, nil
	}

	if !policy.AllowTableCombinations || partySize <= 1 {
		return Result{Kind: None}, nil
	}
	if policy.MaxCombinationTables < 2 || policy.MaxCombinationTables > model.HardMaxCombinationTables {
		return Result{Kind: None}, errs.Markf(errs.ErrConfiguration,
			"max_combination_tables must be within 2..%d, got %d", model.HardMaxCombinationTables, policy.MaxCombinationTables)
	}

	if combo, ok := combinationFit(sorted, partySize, policy.MaxCombinationTables); ok {
		return Result{Kind: Combination, Tables: combo}, nil
	}
	return Result{Kind: None}, nil
}

// sortTables orders tables by group priority, then sort order, then id.
func sortTables(tables []model.Table, priority map[int64]int) {
	sort.SliceStable(tables, func(i, j int) bool {
		a, b := tables[i], tables[j]
		if pa, pb := priority[a.GroupID], priority[b.GroupID]; pa != pb {
			return pa < pb
		}
		if a.SortOrder != b.SortOrder {
			return a.SortOrder < b.SortOrder
		}
		return a.ID < b.ID
	})
}

func singleFit(sorted []model.Table, partySize int) (model.Table, bool) {
	var best *model.Table
	for i := range sorted {
		t := &sorted[i]
		if !t.Fits(partySize) {
			continue
		}
		// Strict comparison keeps the configured order as the tie-breaker.
		if best == nil || t.MaxCapacity < best.MaxCapacity {
			best = t
		}
	}
	if best == nil {
		return model.Table{}, false
	}
	return *best, true
}

type groupTables struct {
	groupID int64
	tables  []model.Table
}

// combinationFit searches every group for subsets of size 2..maxTables.
// Subset size ranks first, then excess capacity, then configured order.
func combinationFit(sorted []model.Table, partySize, maxTables int) ([]model.Table, bool) {
	var groups []groupTables
	index := make(map[int64]int)
	for _, t := range sorted {
		if !t.CanCombine {
			continue
		}
		i, ok := index[t.GroupID]
		if !ok {
			i = len(groups)
			index[t.GroupID] = i
			groups = append(groups, groupTables{groupID: t.GroupID})
		}
		groups[i].tables = append(groups[i].tables, t)
	}

	for size := 2; size <= maxTables; size++ {
		var best []model.Table
		bestExcess := -1
		for _, g := range groups {
			if len(g.tables) < size {
				continue
			}
			forEachSubset(len(g.tables), size, func(idx []int) {
				total := 0
				for _, i := range idx {
					total += g.tables[i].MaxCapacity
				}
				if total < partySize {
					return
				}
				excess := total - partySize
				// Groups and subsets are visited in configured order, so the
				// first subset at a given excess wins ties.
				if bestExcess >= 0 && excess >= bestExcess {
					return
				}
				bestExcess = excess
				best = make([]model.Table, len(idx))
				for k, i := range idx {
					best[k] = g.tables[i]
				}
			})
		}
		if best != nil {
			return best, true
		}
	}
	return nil, false
}

// forEachSubset visits every k-element index subset of [0, n) in
// lexicographic order.
func forEachSubset(n, k int, visit func(idx []int)) {
	if k <= 0 || k > n {
		return
	}
	idx := make([]int, k)
	for i := range idx {
		idx[i] = i
	}
	for {
		visit(idx)
		i := k - 1
		for i >= 0 && idx[i] == n-k+i {
			i--
		}
		if i < 0 {
			return
		}
		idx[i]++
		for j := i + 1; j < k; j++ {
			idx[j] = idx[j-1] + 1
		}
	}
}

func totalCapacity(tables []model.Table) int {
	total := 0
	for _, t := range tables {
		total += t.MaxCapacity
	}
	return total
}

// Describe renders a result for logs.
func Describe(r Result) string {
	switch r.Kind {
	case Single:
		return fmt.Sprintf("table %d", r.Table.ID)
	case Combination:
		return fmt.Sprintf("combination %v", r.TableIDs())
	}
	return "none"
}
