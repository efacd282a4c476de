package condition

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	ErrInvalidCondition = errors.New("invalid condition")
	ErrUnknownOperator  = errors.New("unknown condition operator")
)

// Parse builds a Node from stored condition JSON. Empty input, JSON null and
// {} parse to True. Unknown operators become Unknown nodes; structural
// problems (wrong JSON shape, $in without an array, ...) are errors.
func Parse(raw json.RawMessage) (Node, error) {
	return parse(raw, false)
}

// Validate parses strictly: unknown operators are rejected. Use it when a
// rule is saved.
func Validate(raw json.RawMessage) error {
	_, err := parse(raw, true)
	return err
}

func parse(raw json.RawMessage, strict bool) (Node, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return True{}, nil
	}

	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCondition, err)
	}

	p := parser{strict: strict}
	return p.object(doc)
}

type parser struct {
	strict bool
}

func (p parser) object(v any) (Node, error) {
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: expected object, got %T", ErrInvalidCondition, v)
	}
	if len(obj) == 0 {
		return True{}, nil
	}

	var nodes []Node
	for _, key := range sortedKeys(obj) {
		val := obj[key]
		switch {
		case key == "$and" || key == "$or":
			children, err := p.list(key, val)
			if err != nil {
				return nil, err
			}
			if key == "$and" {
				nodes = append(nodes, And{Nodes: children})
			} else {
				nodes = append(nodes, Or{Nodes: children})
			}
		case strings.HasPrefix(key, "$"):
			if p.strict {
				return nil, fmt.Errorf("%w: %s", ErrUnknownOperator, key)
			}
			nodes = append(nodes, Unknown{Op: key})
		default:
			fieldNodes, err := p.field(key, val)
			if err != nil {
				return nil, err
			}
			nodes = append(nodes, fieldNodes...)
		}
	}

	if len(nodes) == 1 {
		return nodes[0], nil
	}
	return All{Nodes: nodes}, nil
}

func (p parser) list(op string, v any) ([]Node, error) {
	items, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("%w: %s expects an array", ErrInvalidCondition, op)
	}
	children := make([]Node, 0, len(items))
	for _, item := range items {
		child, err := p.object(item)
		if err != nil {
			return nil, err
		}
		children = append(children, child)
	}
	return children, nil
}

func (p parser) field(path string, v any) ([]Node, error) {
	ops, ok := v.(map[string]any)
	if !ok || !isOperatorObject(ops) {
		return []Node{Eq{Path: path, Value: v}}, nil
	}

	nodes := make([]Node, 0, len(ops))
	for _, op := range sortedKeys(ops) {
		arg := ops[op]
		switch op {
		case "$eq":
			nodes = append(nodes, Eq{Path: path, Value: arg})
		case "$ne":
			nodes = append(nodes, Ne{Path: path, Value: arg})
		case "$gt":
			nodes = append(nodes, Gt{Path: path, Value: arg})
		case "$gte":
			nodes = append(nodes, Gte{Path: path, Value: arg})
		case "$lt":
			nodes = append(nodes, Lt{Path: path, Value: arg})
		case "$lte":
			nodes = append(nodes, Lte{Path: path, Value: arg})
		case "$in", "$nin":
			values, ok := arg.([]any)
			if !ok {
				return nil, fmt.Errorf("%w: %s on %q expects an array", ErrInvalidCondition, op, path)
			}
			if op == "$in" {
				nodes = append(nodes, In{Path: path, Values: values})
			} else {
				nodes = append(nodes, Nin{Path: path, Values: values})
			}
		case "$exists":
			want, ok := arg.(bool)
			if !ok {
				return nil, fmt.Errorf("%w: $exists on %q expects a boolean", ErrInvalidCondition, path)
			}
			nodes = append(nodes, Exists{Path: path, Want: want})
		default:
			if p.strict {
				return nil, fmt.Errorf("%w: %s on %q", ErrUnknownOperator, op, path)
			}
			nodes = append(nodes, Unknown{Path: path, Op: op})
		}
	}
	return nodes, nil
}

// isOperatorObject reports whether every key is a $-operator. An object with
// plain keys is compared for equality instead. {} counts as an empty
// operator set.
func isOperatorObject(obj map[string]any) bool {
	for k := range obj {
		if !strings.HasPrefix(k, "$") {
			return false
		}
	}
	return true
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
