// Package idl is a small SMT solver for quantifier-free integer difference logic.
//
// Formulas are conjunctions of clauses over literals. A literal is either a plain boolean variable or a
// difference atom "x - y <= c" over integer variables. The boolean skeleton is searched with DPLL (unit
// propagation plus chronological backtracking); every partial assignment is checked against the theory by looking
// for a negative cycle in the constraint graph with Bellman-Ford. A satisfying model assigns each integer variable
// its shortest-path distance, shifted so that the smallest value is zero.
package idl

import (
	"context"
	"fmt"
	"math"
)

// Var is an integer variable.
type Var int

// Lit is a literal: a boolean variable or a difference atom, possibly negated. The zero Lit is invalid.
type Lit int

// Not returns the negation of l.
func (l Lit) Not() Lit {
	return -l
}

func (l Lit) atom() int {
	if l < 0 {
		return int(-l) - 1
	}
	return int(l) - 1
}

func (l Lit) positive() bool {
	return l > 0
}

// Result is the outcome of Check.
type Result int

const (
	Unknown Result = iota
	Sat
	Unsat
)

func (r Result) String() string {
	switch r {
	case Sat:
		return "sat"
	case Unsat:
		return "unsat"
	}
	return "unknown"
}

type atom struct {
	name string
	diff bool
	// x - y <= c
	x, y Var
	c    int64
}

// Stats counts the work done by the last Check.
type Stats struct {
	Decisions    int
	Conflicts    int
	Propagations int
}

// Solver accumulates a formula and checks it. A Solver is not safe for concurrent use.
type Solver struct {
	ints    []string
	atoms   []atom
	clauses [][]Lit
	// inClause marks atoms that appear in at least one clause.
	inClause []bool
	empty    bool

	assign []int8
	trail  []int
	model  []int64
	stats  Stats
}

func New() *Solver {
	return &Solver{}
}

// IntVar declares an integer variable.
func (s *Solver) IntVar(name string) Var {
	s.ints = append(s.ints, name)
	return Var(len(s.ints) - 1)
}

// BoolVar declares a boolean variable and returns its positive literal.
func (s *Solver) BoolVar(name string) Lit {
	s.atoms = append(s.atoms, atom{name: name})
	s.inClause = append(s.inClause, false)
	return Lit(len(s.atoms))
}

// Diff returns the literal for x - y <= c.
func (s *Solver) Diff(x, y Var, c int64) Lit {
	s.atoms = append(s.atoms, atom{
		name: fmt.Sprintf("%s - %s <= %d", s.ints[x], s.ints[y], c),
		diff: true,
		x:    x,
		y:    y,
		c:    c,
	})
	s.inClause = append(s.inClause, false)
	return Lit(len(s.atoms))
}

// LessEq returns the literal for x + c <= y, i.e. x - y <= -c.
func (s *Solver) LessEq(x Var, c int64, y Var) Lit {
	return s.Diff(x, y, -c)
}

// AddClause adds the disjunction of lits. An empty clause makes the formula unsatisfiable.
func (s *Solver) AddClause(lits ...Lit) {
	if len(lits) == 0 {
		s.empty = true
		return
	}
	clause := make([]Lit, len(lits))
	copy(clause, lits)
	for _, l := range clause {
		s.inClause[l.atom()] = true
	}
	s.clauses = append(s.clauses, clause)
}

// Assert adds every literal as a unit clause.
func (s *Solver) Assert(lits ...Lit) {
	for _, l := range lits {
		s.AddClause(l)
	}
}

// ExactlyOne constrains exactly one of lits to hold.
func (s *Solver) ExactlyOne(lits ...Lit) {
	s.AddClause(lits...)
	s.AtMostOne(lits...)
}

// AtMostOne constrains at most one of lits to hold.
func (s *Solver) AtMostOne(lits ...Lit) {
	for i := range lits {
		for j := i + 1; j < len(lits); j++ {
			s.AddClause(lits[i].Not(), lits[j].Not())
		}
	}
}

// Implies adds a => b.
func (s *Solver) Implies(a, b Lit) {
	s.AddClause(a.Not(), b)
}

func (s *Solver) NumClauses() int {
	return len(s.clauses)
}

func (s *Solver) NumAtoms() int {
	return len(s.atoms)
}

func (s *Solver) Stats() Stats {
	return s.stats
}

// Name returns the name of the atom behind l.
func (s *Solver) Name(l Lit) string {
	return s.atoms[l.atom()].name
}

func (s *Solver) value(l Lit) int8 {
	v := s.assign[l.atom()]
	if !l.positive() {
		return -v
	}
	return v
}

func (s *Solver) set(l Lit) {
	a := l.atom()
	if l.positive() {
		s.assign[a] = 1
	} else {
		s.assign[a] = -1
	}
	s.trail = append(s.trail, a)
}

func (s *Solver) undo(to int) {
	for len(s.trail) > to {
		a := s.trail[len(s.trail)-1]
		s.trail = s.trail[:len(s.trail)-1]
		s.assign[a] = 0
	}
}

// propagate runs unit propagation to a fixpoint. It returns false on a conflicting clause.
func (s *Solver) propagate() bool {
	for changed := true; changed; {
		changed = false
		for _, clause := range s.clauses {
			var unit Lit
			unassigned := 0
			satisfied := false
			for _, l := range clause {
				switch s.value(l) {
				case 1:
					satisfied = true
				case 0:
					unassigned++
					unit = l
				}
				if satisfied {
					break
				}
			}
			if satisfied {
				continue
			}
			if unassigned == 0 {
				return false
			}
			if unassigned == 1 {
				s.set(unit)
				s.stats.Propagations++
				changed = true
			}
		}
	}
	return true
}

type edge struct {
	from, to Var
	w        int64
}

// constraints returns the edges of the difference constraints implied by the current assignment. x - y <= c is
// the edge y -> x with weight c; its negation y - x <= -c-1 is the edge x -> y with weight -c-1.
func (s *Solver) constraints() []edge {
	var edges []edge
	for i, a := range s.atoms {
		if !a.diff {
			continue
		}
		switch s.assign[i] {
		case 1:
			edges = append(edges, edge{from: a.y, to: a.x, w: a.c})
		case -1:
			edges = append(edges, edge{from: a.x, to: a.y, w: -a.c - 1})
		}
	}
	return edges
}

// shortestPaths runs Bellman-Ford from a virtual source connected to every variable with weight 0. ok is false if
// the constraints contain a negative cycle.
func (s *Solver) shortestPaths() (dist []int64, ok bool) {
	edges := s.constraints()
	dist = make([]int64, len(s.ints))
	for i := 0; i <= len(s.ints); i++ {
		changed := false
		for _, e := range edges {
			if d := dist[e.from] + e.w; d < dist[e.to] {
				dist[e.to] = d
				changed = true
			}
		}
		if !changed {
			return dist, true
		}
	}
	return nil, false
}

// pick returns the next atom to decide, or -1 if every clause is satisfied. Boolean atoms are decided first;
// difference atoms are only decided when a clause still needs them, so constraints nobody asked for never enter
// the theory.
func (s *Solver) pick() int {
	for i, in := range s.inClause {
		if in && !s.atoms[i].diff && s.assign[i] == 0 {
			return i
		}
	}
	for _, clause := range s.clauses {
		satisfied := false
		candidate := -1
		for _, l := range clause {
			switch s.value(l) {
			case 1:
				satisfied = true
			case 0:
				if candidate < 0 {
					candidate = l.atom()
				}
			}
		}
		if !satisfied && candidate >= 0 {
			return candidate
		}
	}
	return -1
}

// preferred returns the literal tried first for atom a. Boolean atoms are tried positive; a difference atom takes
// the polarity of the first unsatisfied clause that mentions it.
func (s *Solver) preferred(a int) Lit {
	pos := Lit(a + 1)
	if !s.atoms[a].diff {
		return pos
	}
	for _, clause := range s.clauses {
		satisfied := false
		wants := Lit(0)
		for _, l := range clause {
			if s.value(l) == 1 {
				satisfied = true
				break
			}
			if l.atom() == a {
				wants = l
			}
		}
		if !satisfied && wants != 0 {
			return wants
		}
	}
	return pos
}

type decision struct {
	lit     Lit
	trail   int
	flipped bool
}

// Check decides the formula. It returns Unknown if ctx ends first.
func (s *Solver) Check(ctx context.Context) (Result, error) {
	s.stats = Stats{}
	s.model = nil
	if s.empty {
		return Unsat, nil
	}
	s.assign = make([]int8, len(s.atoms))
	s.trail = s.trail[:0]
	var decisions []decision

	for {
		if err := ctx.Err(); err != nil {
			return Unknown, err
		}
		consistent := s.propagate()
		if consistent {
			_, consistent = s.shortestPaths()
		}
		if !consistent {
			s.stats.Conflicts++
			resumed := false
			for len(decisions) > 0 {
				d := decisions[len(decisions)-1]
				decisions = decisions[:len(decisions)-1]
				s.undo(d.trail)
				if !d.flipped {
					decisions = append(decisions, decision{lit: d.lit.Not(), trail: d.trail, flipped: true})
					s.set(d.lit.Not())
					resumed = true
					break
				}
			}
			if !resumed {
				return Unsat, nil
			}
			continue
		}

		next := s.pick()
		if next < 0 {
			dist, _ := s.shortestPaths()
			s.model = normalize(dist)
			return Sat, nil
		}
		s.stats.Decisions++
		lit := s.preferred(next)
		decisions = append(decisions, decision{lit: lit, trail: len(s.trail)})
		s.set(lit)
	}
}

func normalize(dist []int64) []int64 {
	minimum := int64(math.MaxInt64)
	for _, d := range dist {
		if d < minimum {
			minimum = d
		}
	}
	model := make([]int64, len(dist))
	for i, d := range dist {
		model[i] = d - minimum
	}
	return model
}

// Value returns the value of x in the last satisfying model.
func (s *Solver) Value(x Var) int64 {
	if s.model == nil {
		return 0
	}
	return s.model[x]
}

// BoolValue returns the value of l in the last satisfying model. Atoms left unconstrained read as false.
func (s *Solver) BoolValue(l Lit) bool {
	if s.model == nil {
		return false
	}
	if a := s.atoms[l.atom()]; a.diff {
		holds := s.model[a.x]-s.model[a.y] <= a.c
		return holds == l.positive()
	}
	return s.value(l) == 1
}
