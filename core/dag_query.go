package core

// Composable DAG query pipeline (spec §4.2): parent traversal, boolean
// filters over node fields and payload paths, projection, ordering,
// pagination. Grounded on the teacher's governance.go proposal-query
// filters, generalized from a fixed field set to path-addressed Payload
// navigation since node bodies here are schema-free.

import (
	"sort"
	"strconv"
	"strings"
	"time"
)

// QueryResult is one row flowing through a query pipeline.
type QueryResult struct {
	CID       CID
	Node      Node
	Projected Payload
}

// QueryStage is one pipeline operator.
type QueryStage interface {
	apply(e *DAGEngine, entity DID, in []QueryResult) ([]QueryResult, error)
}

// Query runs start CIDs through stages in order, fetching nodes as needed.
func Query(e *DAGEngine, entity DID, start []CID, stages ...QueryStage) ([]QueryResult, error) {
	rows := make([]QueryResult, 0, len(start))
	for _, id := range start {
		n, err := e.GetNode(entity, id)
		if err != nil {
			continue
		}
		rows = append(rows, QueryResult{CID: id, Node: n})
	}
	for _, stage := range stages {
		var err error
		rows, err = stage.apply(e, entity, rows)
		if err != nil {
			return nil, err
		}
	}
	return rows, nil
}

// --- path navigation ---

func getPath(body Payload, path string) (Payload, bool) {
	if path == "" {
		return body, true
	}
	cur := body
	for _, seg := range strings.Split(path, ".") {
		switch v := cur.(type) {
		case map[string]Payload:
			next, ok := v[seg]
			if !ok {
				return nil, false
			}
			cur = next
		case []Payload:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(v) {
				return nil, false
			}
			cur = v[idx]
		default:
			return nil, false
		}
	}
	return cur, true
}

func fieldValue(n Node, path string) (Payload, bool) {
	switch path {
	case "issuer":
		return string(n.Issuer), true
	case "sequence":
		if n.Metadata.Sequence == nil {
			return nil, false
		}
		return *n.Metadata.Sequence, true
	case "timestamp":
		return n.Metadata.Timestamp, true
	case "scope":
		if n.Metadata.Scope == nil {
			return nil, false
		}
		return n.Metadata.Scope.String(), true
	}
	if strings.HasPrefix(path, "payload.") {
		return getPath(n.Body, strings.TrimPrefix(path, "payload."))
	}
	return getPath(n.Body, path)
}

// --- parent traversal ---

// ParentsStage replaces the current row set with the union of ancestors
// reachable within Depth hops (Depth<0 means unbounded up to the genesis
// nodes; Depth 0 adds no ancestors), deduplicated by CID. IncludeSelf keeps
// the original rows too.
type ParentsStage struct {
	Depth       int
	IncludeSelf bool
}

func (s ParentsStage) apply(e *DAGEngine, entity DID, in []QueryResult) ([]QueryResult, error) {
	seen := make(map[CID]bool)
	var out []QueryResult
	if s.IncludeSelf {
		for _, r := range in {
			if !seen[r.CID] {
				seen[r.CID] = true
				out = append(out, r)
			}
		}
	}
	frontier := in
	depth := s.Depth
	for depth != 0 && len(frontier) > 0 {
		var next []QueryResult
		for _, r := range frontier {
			parents := e.fanout(entity, r.Node.Parents)
			for i, p := range parents {
				var pid CID
				for _, candidate := range r.Node.Parents {
					if c, err := p.CID(); err == nil && c == candidate {
						pid = candidate
						break
					}
				}
				if pid == "" {
					continue
				}
				if seen[pid] {
					continue
				}
				seen[pid] = true
				row := QueryResult{CID: pid, Node: parents[i]}
				out = append(out, row)
				next = append(next, row)
			}
		}
		frontier = next
		if depth > 0 {
			depth--
		}
	}
	return out, nil
}

// --- filters ---

// FilterExpr evaluates a boolean predicate against a node.
type FilterExpr interface {
	eval(n Node) bool
}

type And []FilterExpr

func (a And) eval(n Node) bool {
	for _, f := range a {
		if !f.eval(n) {
			return false
		}
	}
	return true
}

type Or []FilterExpr

func (o Or) eval(n Node) bool {
	for _, f := range o {
		if f.eval(n) {
			return true
		}
	}
	return false
}

type Not struct{ Expr FilterExpr }

func (n Not) eval(node Node) bool { return !n.Expr.eval(node) }

// FieldEquals matches when the value at Path equals Value under a loose
// string comparison (so ints, floats, and strings compare sensibly across
// the untyped Payload representation).
type FieldEquals struct {
	Path  string
	Value Payload
}

func (f FieldEquals) eval(n Node) bool {
	v, ok := fieldValue(n, f.Path)
	if !ok {
		return false
	}
	return toComparable(v) == toComparable(f.Value)
}

// FieldContains matches when the value at Path is a string containing
// Value (string) or a slice containing an element equal to Value.
type FieldContains struct {
	Path  string
	Value Payload
}

func (f FieldContains) eval(n Node) bool {
	v, ok := fieldValue(n, f.Path)
	if !ok {
		return false
	}
	switch s := v.(type) {
	case string:
		sub, ok := f.Value.(string)
		return ok && strings.Contains(s, sub)
	case []Payload:
		for _, elem := range s {
			if toComparable(elem) == toComparable(f.Value) {
				return true
			}
		}
	}
	return false
}

// NumericCompare matches when the numeric value at Path satisfies Op
// against Value. Op is one of "<", "<=", ">", ">=", "==".
type NumericCompare struct {
	Path  string
	Op    string
	Value float64
}

func (c NumericCompare) eval(n Node) bool {
	v, ok := fieldValue(n, c.Path)
	if !ok {
		return false
	}
	f, ok := toFloat(v)
	if !ok {
		return false
	}
	switch c.Op {
	case "<":
		return f < c.Value
	case "<=":
		return f <= c.Value
	case ">":
		return f > c.Value
	case ">=":
		return f >= c.Value
	case "==":
		return f == c.Value
	default:
		return false
	}
}

// IssuerEquals matches nodes issued by DID.
type IssuerEquals struct{ DID DID }

func (e IssuerEquals) eval(n Node) bool { return n.Issuer == e.DID }

// TimeBefore matches nodes whose metadata timestamp is strictly before T.
type TimeBefore struct{ T time.Time }

func (b TimeBefore) eval(n Node) bool { return n.Metadata.Timestamp.Before(b.T) }

// TimeAfter matches nodes whose metadata timestamp is strictly after T.
type TimeAfter struct{ T time.Time }

func (a TimeAfter) eval(n Node) bool { return n.Metadata.Timestamp.After(a.T) }

// FilterStage drops rows for which Expr evaluates false.
type FilterStage struct{ Expr FilterExpr }

func (s FilterStage) apply(_ *DAGEngine, _ DID, in []QueryResult) ([]QueryResult, error) {
	var out []QueryResult
	for _, r := range in {
		if s.Expr.eval(r.Node) {
			out = append(out, r)
		}
	}
	return out, nil
}

// --- projection, ordering, pagination ---

// ProjectStage sets each row's Projected field to a map of Path -> value
// for the given field paths.
type ProjectStage struct{ Paths []string }

func (s ProjectStage) apply(_ *DAGEngine, _ DID, in []QueryResult) ([]QueryResult, error) {
	out := make([]QueryResult, len(in))
	for i, r := range in {
		proj := make(map[string]Payload, len(s.Paths))
		for _, p := range s.Paths {
			if v, ok := fieldValue(r.Node, p); ok {
				proj[p] = v
			}
		}
		r.Projected = proj
		out[i] = r
	}
	return out, nil
}

// PathStage sets each row's Projected field to the single value found at
// Path, dropping rows where Path does not resolve.
type PathStage struct{ Path string }

func (s PathStage) apply(_ *DAGEngine, _ DID, in []QueryResult) ([]QueryResult, error) {
	var out []QueryResult
	for _, r := range in {
		v, ok := fieldValue(r.Node, s.Path)
		if !ok {
			continue
		}
		r.Projected = v
		out = append(out, r)
	}
	return out, nil
}

// OrderStage sorts rows by the value at Path, ascending unless Desc.
// Rows where Path does not resolve sort last.
type OrderStage struct {
	Path string
	Desc bool
}

func (s OrderStage) apply(_ *DAGEngine, _ DID, in []QueryResult) ([]QueryResult, error) {
	out := append([]QueryResult(nil), in...)
	sort.SliceStable(out, func(i, j int) bool {
		vi, oki := fieldValue(out[i].Node, s.Path)
		vj, okj := fieldValue(out[j].Node, s.Path)
		if !oki {
			return false
		}
		if !okj {
			return true
		}
		less := toComparable(vi) < toComparable(vj)
		if fi, oki := toFloat(vi); oki {
			if fj, okj := toFloat(vj); okj {
				less = fi < fj
			}
		}
		if s.Desc {
			return !less
		}
		return less
	})
	return out, nil
}

// LimitStage caps the row count at N.
type LimitStage struct{ N int }

func (s LimitStage) apply(_ *DAGEngine, _ DID, in []QueryResult) ([]QueryResult, error) {
	if s.N < 0 || s.N >= len(in) {
		return in, nil
	}
	return in[:s.N], nil
}

// SkipStage drops the first N rows.
type SkipStage struct{ N int }

func (s SkipStage) apply(_ *DAGEngine, _ DID, in []QueryResult) ([]QueryResult, error) {
	if s.N <= 0 {
		return in, nil
	}
	if s.N >= len(in) {
		return nil, nil
	}
	return in[s.N:], nil
}

func toFloat(v Payload) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}

func toComparable(v Payload) string {
	switch t := v.(type) {
	case string:
		return t
	case DID:
		return string(t)
	case fmtStringer:
		return t.String()
	default:
		if f, ok := toFloat(v); ok {
			return strconv.FormatFloat(f, 'g', -1, 64)
		}
		return ""
	}
}

type fmtStringer interface{ String() string }
