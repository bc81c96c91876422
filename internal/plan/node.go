// Package plan models the host engine's executed plan tree and walks it
// to produce per-node trace records. The walker borrows node references
// from the host; it never mutates or retains them.
package plan

import "github.com/querytrace/querytrace/internal/usage"

// Instrumentation carries the runtime counters the host attaches to an
// executed node. A nil Instrumentation (or zero Loops) means the node was
// never executed, e.g. a pruned branch.
type Instrumentation struct {
	Loops      float64
	RowsTotal  float64 // total rows across all loops
	PlanRows   float64 // planner's row estimate; 0 when unknown
	StartupSec float64
	TotalSec   float64

	// Optional per-node resource usage; nil when the host did not
	// collect buffer counters for this node.
	Usage *usage.ResourceUsage

	// Aggregate block-read time for this node, for tier estimation.
	BlkReadTimeUS float64
}

// Node is the single capability every plan-node variant implements:
// a type tag, optional instrumentation, and ordered child enumeration.
type Node interface {
	TypeName() string
	Instrumentation() *Instrumentation
	Children() []Node
}

// ScanTarget is implemented by scan-type nodes that can name the
// relation (and possibly index) they touch.
type ScanTarget interface {
	Relation() string
	Index() string
}

// Leaf is a childless node such as a sequential or index scan.
type Leaf struct {
	Type         string
	Instr        *Instrumentation
	RelationName string
	IndexName    string
}

func (l *Leaf) TypeName() string                  { return l.Type }
func (l *Leaf) Instrumentation() *Instrumentation { return l.Instr }
func (l *Leaf) Children() []Node                  { return nil }
func (l *Leaf) Relation() string                  { return l.RelationName }
func (l *Leaf) Index() string                     { return l.IndexName }

// Unary wraps a single outer child (Sort, Aggregate, Limit, ...).
type Unary struct {
	Type  string
	Instr *Instrumentation
	Outer Node
}

func (u *Unary) TypeName() string                  { return u.Type }
func (u *Unary) Instrumentation() *Instrumentation { return u.Instr }
func (u *Unary) Children() []Node {
	if u.Outer == nil {
		return nil
	}
	return []Node{u.Outer}
}

// Binary has outer and inner children in that traversal order (joins).
type Binary struct {
	Type  string
	Instr *Instrumentation
	Outer Node
	Inner Node
}

func (b *Binary) TypeName() string                  { return b.Type }
func (b *Binary) Instrumentation() *Instrumentation { return b.Instr }
func (b *Binary) Children() []Node {
	out := make([]Node, 0, 2)
	if b.Outer != nil {
		out = append(out, b.Outer)
	}
	if b.Inner != nil {
		out = append(out, b.Inner)
	}
	return out
}

// NAry holds an ordered list of subplans (Append, MergeAppend,
// BitmapAnd, BitmapOr).
type NAry struct {
	Type  string
	Instr *Instrumentation
	Plans []Node
}

func (n *NAry) TypeName() string                  { return n.Type }
func (n *NAry) Instrumentation() *Instrumentation { return n.Instr }
func (n *NAry) Children() []Node                  { return n.Plans }

// Subquery wraps an embedded subplan (SubqueryScan).
type Subquery struct {
	Type  string
	Instr *Instrumentation
	Sub   Node
}

func (s *Subquery) TypeName() string                  { return s.Type }
func (s *Subquery) Instrumentation() *Instrumentation { return s.Instr }
func (s *Subquery) Children() []Node {
	if s.Sub == nil {
		return nil
	}
	return []Node{s.Sub}
}
