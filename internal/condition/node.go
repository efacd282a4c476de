// Package condition parses stored rule conditions into a small closed AST and
// evaluates them against event payloads.
//
// A condition is a JSON object keyed by dot-separated field paths. A bare
// value means equality; an object of $-operators applies each operator to
// the field. $and / $or take arrays of sub-conditions. An absent or empty
// condition is vacuously true.
package condition

// Node is one node of a parsed condition. The set of implementations is
// closed to this package.
type Node interface {
	eval(payload map[string]any) bool
}

// True matches every payload.
type True struct{}

// All holds when every child holds. Multi-field objects parse to All.
type All struct{ Nodes []Node }

// And is an explicit $and.
type And struct{ Nodes []Node }

// Or is an explicit $or.
type Or struct{ Nodes []Node }

type Eq struct {
	Path  string
	Value any
}

type Ne struct {
	Path  string
	Value any
}

type Gt struct {
	Path  string
	Value any
}

type Gte struct {
	Path  string
	Value any
}

type Lt struct {
	Path  string
	Value any
}

type Lte struct {
	Path  string
	Value any
}

type In struct {
	Path   string
	Values []any
}

type Nin struct {
	Path   string
	Values []any
}

type Exists struct {
	Path string
	Want bool
}

// Unknown is an operator the parser did not recognise. It evaluates as a
// no-op (true) and logs a warning so a bad stored rule cannot take down
// dispatch. Validate rejects it at save time.
type Unknown struct {
	Path string
	Op   string
}
