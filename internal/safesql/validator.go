package safesql

import (
	"fmt"
	"strings"

	pg_query "github.com/pganalyze/pg_query_go/v6"
	"google.golang.org/protobuf/reflect/protoreflect"
)

// DefaultMaxDepth caps AST recursion so validation time stays proportional
// to tree size even on adversarial input.
const DefaultMaxDepth = 128

// Validator decides, per configured access mode, whether a SQL statement is
// permitted to execute. Validation is pure: it never touches the database.
type Validator struct {
	mode     Mode
	rules    *RuleSet
	maxDepth int
}

// NewValidator builds a validator for the given mode. The rule set is
// constructed once and never mutated afterwards.
func NewValidator(mode Mode) *Validator {
	return &Validator{
		mode:     mode,
		rules:    rulesFor(mode),
		maxDepth: DefaultMaxDepth,
	}
}

// Mode returns the access mode this validator enforces.
func (v *Validator) Mode() Mode {
	return v.mode
}

// Validate parses statementText into a statement list and checks every
// statement against the active rule set. A nil return means every statement
// is permitted in this mode.
func (v *Validator) Validate(statementText string) error {
	result, err := pg_query.Parse(statementText)
	if err != nil {
		return &ParseError{Err: err}
	}

	if v.rules.AllowAll {
		return nil
	}

	for _, raw := range result.Stmts {
		if raw.Stmt == nil {
			continue
		}
		inner, kind, ok := unwrapNode(raw.Stmt)
		if !ok {
			return &ValidationError{Mode: v.mode, Reason: fmt.Sprintf("empty statement not permitted in mode %s", v.mode)}
		}

		// Unknown or disallowed statement kinds fail closed.
		if !v.rules.statementAllowed(kind) {
			return &ValidationError{
				Mode:   v.mode,
				Reason: fmt.Sprintf("statement kind %s not permitted in mode %s", kind, v.mode),
			}
		}

		for _, rule := range v.rules.Structural {
			if err := rule(inner.Interface()); err != nil {
				return err
			}
		}

		if err := v.walk(inner, 0); err != nil {
			return err
		}
	}
	return nil
}

// walk recursively checks every descendant node. The dispatch is purely on
// the node's kind tag; the algorithm itself knows nothing about modes.
func (v *Validator) walk(msg protoreflect.Message, depth int) error {
	if depth > v.maxDepth {
		return &RecursionLimitError{Depth: v.maxDepth}
	}

	kind := string(msg.Descriptor().Name())

	// Node and RawStmt are transparent containers around the tagged
	// variants; only the variants themselves carry a kind.
	if kind != "Node" && kind != "RawStmt" {
		if !v.rules.nodeAllowed(kind) {
			return &ValidationError{
				Mode:   v.mode,
				Reason: fmt.Sprintf("node kind %s not permitted in mode %s", kind, v.mode),
			}
		}
		if err := v.checkNode(msg); err != nil {
			return err
		}
	}

	var walkErr error
	msg.Range(func(fd protoreflect.FieldDescriptor, val protoreflect.Value) bool {
		switch {
		case fd.IsMap():
			// pg_query trees carry no map fields.
		case fd.IsList():
			if fd.Kind() != protoreflect.MessageKind {
				return true
			}
			list := val.List()
			for i := 0; i < list.Len(); i++ {
				if walkErr = v.walk(list.Get(i).Message(), depth+1); walkErr != nil {
					return false
				}
			}
		case fd.Kind() == protoreflect.MessageKind:
			walkErr = v.walk(val.Message(), depth+1)
		}
		return walkErr == nil
	})
	return walkErr
}

// checkNode applies per-kind checks beyond set membership: function-call
// allow-listing and the EXPLAIN ANALYZE modifier.
func (v *Validator) checkNode(msg protoreflect.Message) error {
	switch node := msg.Interface().(type) {
	case *pg_query.FuncCall:
		name := functionName(node)
		if name != "" && !v.rules.functionAllowed(name) {
			return &ValidationError{
				Mode:   v.mode,
				Reason: fmt.Sprintf("function %s is not allowed in mode %s", name, v.mode),
			}
		}
	case *pg_query.ExplainStmt:
		for _, opt := range node.Options {
			def := opt.GetDefElem()
			if def != nil && strings.EqualFold(def.Defname, "analyze") {
				return &ValidationError{
					Mode:   v.mode,
					Reason: fmt.Sprintf("EXPLAIN ANALYZE is not permitted in mode %s", v.mode),
				}
			}
		}
	}
	return nil
}

// unwrapNode extracts the concrete tagged variant from a Node wrapper and
// returns its protoreflect view plus kind tag.
func unwrapNode(n *pg_query.Node) (protoreflect.Message, string, bool) {
	if n == nil {
		return nil, "", false
	}
	ref := n.ProtoReflect()
	var inner protoreflect.Message
	ref.Range(func(fd protoreflect.FieldDescriptor, val protoreflect.Value) bool {
		if fd.Kind() == protoreflect.MessageKind {
			inner = val.Message()
		}
		return false
	})
	if inner == nil {
		return nil, "", false
	}
	return inner, string(inner.Descriptor().Name()), true
}

// functionName renders a FuncCall's qualified name in lower case, with the
// pg_catalog schema stripped so allow-list entries stay unqualified.
func functionName(fc *pg_query.FuncCall) string {
	parts := make([]string, 0, len(fc.Funcname))
	for _, n := range fc.Funcname {
		if s := n.GetString_(); s != nil {
			parts = append(parts, s.Sval)
		}
	}
	name := strings.ToLower(strings.Join(parts, "."))
	return strings.TrimPrefix(name, "pg_catalog.")
}
