// Package resolver implements the referential closure algorithm: given a
// set of full tables and a set of user-supplied partial-table queries, it
// expands the partial queries until every
// foreign key reachable from the dump's row set is satisfied, using a
// fixpoint worklist over the foreign-key graph.
package resolver

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/hongkongkiwi/dbsnap/internal/backend"
	"github.com/hongkongkiwi/dbsnap/internal/config"
	"github.com/hongkongkiwi/dbsnap/internal/logging"
)

// ExpandResult is the fixpoint's output: one finalized SELECT per partial
// table (including newly discovered referent tables), plus any warnings
// surfaced along the way (currently: skipped composite foreign keys).
type ExpandResult struct {
	Expanded map[string]string
	Warnings []string
}

// Resolver drives the worklist against a single Backend's
// ListForeignKeys. The same algorithm runs for both engines: SQLite's FK
// introspection is per-table (PRAGMA foreign_key_list), matching the shape
// Backend.ListForeignKeys already requires of PostgreSQL, so no
// engine-specific worklist seeding is needed here.
type Resolver struct {
	backend backend.Backend
	logger  *logging.Logger
}

func New(b backend.Backend) *Resolver {
	return &Resolver{backend: b, logger: logging.GetGlobalLogger()}
}

// Expand runs the fixpoint over full ∪ keys(partial) and returns the
// expanded query for every table in keys(partial) plus every table pulled
// in transitively.
func (r *Resolver) Expand(ctx context.Context, full []string, partial map[string]string) (*ExpandResult, error) {
	fullSet := make(map[string]bool, len(full))
	for _, t := range full {
		fullSet[t] = true
	}

	// base holds each partial table's original, unrewritten user query; the
	// recursive self-loop rewrite wraps this as the anchor
	// member of the recursive CTE, so it must survive separately from
	// `current`, which mutates as expansion proceeds.
	base := make(map[string]string, len(partial))
	current := make(map[string]string, len(partial))
	for t, q := range partial {
		base[t] = q
		current[t] = q
	}

	// contributions[target][sourceKey] records the clause table `target`
	// owes to one (sourceTable, fkColumn) pair, so re-deriving an unchanged
	// clause on a later pass is recognized as a no-op instead of growing
	// current[target] with a duplicate UNION arm forever.
	contributions := make(map[string]map[string]string)
	recursivelyRewritten := make(map[string]bool)
	var warnings []string

	queued := make(map[string]bool)
	var worklist []string
	enqueue := func(t string) {
		if queued[t] {
			return
		}
		queued[t] = true
		worklist = append(worklist, t)
	}
	for _, t := range full {
		enqueue(t)
	}
	for _, t := range sortedKeys(partial) {
		enqueue(t)
	}

	for len(worklist) > 0 {
		t := worklist[0]
		worklist = worklist[1:]
		queued[t] = false

		r.logger.SetResolverContext(t).Debug("expanding referential closure for table")

		fks, err := r.backend.ListForeignKeys(ctx, t)
		if err != nil {
			return nil, fmt.Errorf("listing foreign keys for %q: %w", t, err)
		}

		usable := make([]config.ForeignKeyDescriptor, 0, len(fks))
		for _, fk := range fks {
			if fk.CompositeWarn {
				warnings = append(warnings, fmt.Sprintf(
					"table %s: composite foreign key on column %s is unsupported and was skipped", t, fk.Column))
				continue
			}
			usable = append(usable, fk)
		}

		// Recursive rewriting runs before non-recursive expansion in this
		// pass so a self-loop's full reach feeds the IN (...) sub-SELECTs
		// built below.
		if _, isPartial := current[t]; isPartial && !recursivelyRewritten[t] {
			for _, fk := range usable {
				if fk.ForeignTable == t {
					current[t] = recursiveExpansion(t, fk, base[t])
					recursivelyRewritten[t] = true
					break
				}
			}
		}

		for _, fk := range usable {
			if fk.ForeignTable == t {
				continue // self-loop already folded into the recursive rewrite above
			}
			if fullSet[fk.ForeignTable] {
				continue // full already exports the entire referent
			}

			clause := nonRecursiveExpansion(fk, tableSource(t, fullSet, current))
			key := t + "." + fk.Column

			if contributions[fk.ForeignTable] == nil {
				contributions[fk.ForeignTable] = make(map[string]string)
			}

			changed := false

			// If the referent is itself a user-supplied partial table, its
			// own query must survive as a UNION arm (spec: "present ->
			// replace with partial[T'] UNION <new>"), not get overwritten by
			// the FK-derived clauses alone. Reseed on every pass so a later
			// recursive rewrite of the referent is picked up too.
			if _, isUserPartial := base[fk.ForeignTable]; isUserPartial {
				own := base[fk.ForeignTable]
				if recursivelyRewritten[fk.ForeignTable] {
					own = current[fk.ForeignTable]
				}
				if contributions[fk.ForeignTable][ownQueryKey] != own {
					contributions[fk.ForeignTable][ownQueryKey] = own
					changed = true
				}
			}

			if contributions[fk.ForeignTable][key] != clause {
				contributions[fk.ForeignTable][key] = clause
				changed = true
			}
			if !changed {
				continue // nothing new for this (source, fk) pair or the referent's own query
			}
			current[fk.ForeignTable] = unionContributions(contributions[fk.ForeignTable])
			r.logger.SetResolverContext(fk.ForeignTable).Debugf("pulled in via %s.%s", t, fk.Column)
			enqueue(fk.ForeignTable)
		}
	}

	return &ExpandResult{Expanded: current, Warnings: warnings}, nil
}

func tableSource(t string, fullSet map[string]bool, current map[string]string) string {
	if fullSet[t] {
		return t
	}
	return fmt.Sprintf("(%s) AS %s_src", current[t], t)
}

func nonRecursiveExpansion(fk config.ForeignKeyDescriptor, sourceExpr string) string {
	return fmt.Sprintf("SELECT * FROM %s WHERE %s IN (SELECT %s FROM %s)",
		fk.ForeignTable, fk.ForeignColumn, fk.Column, sourceExpr)
}

func recursiveExpansion(t string, fk config.ForeignKeyDescriptor, baseQuery string) string {
	return fmt.Sprintf(`WITH RECURSIVE rcte AS (
  SELECT * FROM (%s) S
  UNION
  SELECT %s.* FROM %s
  JOIN rcte ON rcte.%s = %s.%s
)
SELECT * FROM rcte`, baseQuery, t, t, fk.Column, t, fk.ForeignColumn)
}

// ownQueryKey holds a partial table's own (possibly recursively-rewritten)
// query inside its contributions map, kept separate from FK-derived clause
// keys ("<sourceTable>.<column>") so it is never mistaken for one.
const ownQueryKey = "__own__"

func unionContributions(m map[string]string) string {
	parts := make([]string, 0, len(m))
	// The own query goes first: if it was recursively rewritten it starts
	// with "WITH RECURSIVE ...", which SQL requires to lead the statement.
	if own, ok := m[ownQueryKey]; ok {
		parts = append(parts, own)
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		if k == ownQueryKey {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		parts = append(parts, m[k])
	}
	return strings.Join(parts, "\nUNION\n")
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// EmissionOrder returns the table order C4 writes data/<table>.csv in: full
// tables by caller order, then expanded partial tables (including newly
// discovered referents) sorted by name.
func EmissionOrder(full []string, expanded map[string]string) []string {
	order := append([]string(nil), full...)
	partialNames := make([]string, 0, len(expanded))
	for t := range expanded {
		partialNames = append(partialNames, t)
	}
	sort.Strings(partialNames)
	return append(order, partialNames...)
}
