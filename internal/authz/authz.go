// Package authz implements a Zanzibar-style relation-tuple authorization
// engine (spec §4.8): relation tuples of (object, relation, subject), a
// permission schema built from Direct/Union/Intersection/Arrow rules, and a
// recursive, depth-bounded Check.
package authz

import (
	"context"
	"fmt"

	"golang.org/x/sync/singleflight"

	"waddle.chat/xmppd/internal/xlog"
)

// Tuple is one relation fact: subject has relation to object, e.g.
// ("room:lounge", "member", "user:juliet").
type Tuple struct {
	Object   string
	Relation string
	Subject  string
}

// TupleStore is the external collaborator persisting relation tuples (spec
// §1, §6).
type TupleStore interface {
	Write(ctx context.Context, t Tuple) error
	Delete(ctx context.Context, t Tuple) error
	// Read returns every tuple matching the given object and relation.
	Read(ctx context.Context, object, relation string) ([]Tuple, error)
}

// RuleKind distinguishes the four permission-rule shapes spec §4.8 names.
type RuleKind int

const (
	// RuleDirect grants the permission to whoever has the named relation
	// directly on the object.
	RuleDirect RuleKind = iota
	// RuleUnion grants the permission if any child rule matches.
	RuleUnion
	// RuleIntersection grants the permission only if every child rule matches.
	RuleIntersection
	// RuleArrow follows a relation to a different object type and re-checks a
	// permission there (e.g. "room member implies service:participant").
	RuleArrow
)

// Rule is one node of a permission schema, matching spec §4.8's
// Direct/Union/Intersection/Arrow shapes as plain data rather than a
// hand-written switch per object type (SPEC_FULL.md §D).
type Rule struct {
	Kind RuleKind

	// Direct: the relation name granting this permission.
	Relation string

	// Union / Intersection: child rules.
	Children []Rule

	// Arrow: Tupleset is the relation to follow from the object being
	// checked, and Permission is re-checked against whatever object that
	// relation points at.
	Tupleset   string
	Permission string
}

// Schema maps an object type ("room", "server") to its permissions, each of
// which is a Rule tree. It is ordinary Go data; a deployment can construct
// one at startup without touching this package's code.
type Schema map[string]map[string]Rule

// maxDepth bounds recursive Arrow/Union/Intersection evaluation so a
// misconfigured cyclic schema fails fast instead of looping forever.
const maxDepth = 24

// Engine evaluates Check and ListSubjects against a TupleStore and a
// Schema, collapsing concurrent identical checks via singleflight the way
// spec §4.8 allows a busy room with many simultaneous joins to share one
// in-flight lookup per (subject,permission,object) key. It has no operation
// that lists the relations a given subject holds on an object.
type Engine struct {
	store  TupleStore
	schema Schema
	sf     singleflight.Group
	log    *xlog.Logger
}

// New builds an Engine.
func New(store TupleStore, schema Schema, log *xlog.Logger) *Engine {
	if log == nil {
		log = xlog.Discard()
	}
	return &Engine{store: store, schema: schema, log: log.With("component", "authz")}
}

// objectType extracts the type prefix of an object id, e.g. "room" from
// "room:lounge".
func objectType(object string) string {
	for i := 0; i < len(object); i++ {
		if object[i] == ':' {
			return object[:i]
		}
	}
	return object
}

// Check reports whether subject holds permission on object, per spec
// §4.8's recursive evaluation. Concurrent identical calls share one
// in-flight evaluation.
func (e *Engine) Check(ctx context.Context, subject, permission, object string) (bool, error) {
	key := fmt.Sprintf("%s|%s|%s", subject, permission, object)
	v, err, _ := e.sf.Do(key, func() (any, error) {
		return e.check(ctx, subject, permission, object, maxDepth)
	})
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

func (e *Engine) check(ctx context.Context, subject, permission, object string, depth int) (bool, error) {
	if depth <= 0 {
		return false, fmt.Errorf("authz: max recursion depth exceeded checking %s on %s", permission, object)
	}
	typ := objectType(object)
	perms, ok := e.schema[typ]
	if !ok {
		return false, fmt.Errorf("authz: no schema for object type %q", typ)
	}
	rule, ok := perms[permission]
	if !ok {
		return false, fmt.Errorf("authz: object type %q has no permission %q", typ, permission)
	}
	return e.evalRule(ctx, rule, subject, object, depth)
}

func (e *Engine) evalRule(ctx context.Context, rule Rule, subject, object string, depth int) (bool, error) {
	switch rule.Kind {
	case RuleDirect:
		tuples, err := e.store.Read(ctx, object, rule.Relation)
		if err != nil {
			return false, err
		}
		for _, t := range tuples {
			if t.Subject == subject {
				return true, nil
			}
		}
		return false, nil

	case RuleUnion:
		for _, child := range rule.Children {
			ok, err := e.evalRule(ctx, child, subject, object, depth-1)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil

	case RuleIntersection:
		for _, child := range rule.Children {
			ok, err := e.evalRule(ctx, child, subject, object, depth-1)
			if err != nil {
				return false, err
			}
			if !ok {
				return false, nil
			}
		}
		return true, nil

	case RuleArrow:
		tuples, err := e.store.Read(ctx, object, rule.Tupleset)
		if err != nil {
			return false, err
		}
		for _, t := range tuples {
			ok, err := e.check(ctx, subject, rule.Permission, t.Subject, depth-1)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil

	default:
		return false, fmt.Errorf("authz: unknown rule kind %d", rule.Kind)
	}
}

// ListSubjects returns every subject holding relation directly on object,
// without expanding Union/Arrow rules — used for membership listings (spec
// §4.8) where only direct tuples are meaningful.
func (e *Engine) ListSubjects(ctx context.Context, object, relation string) ([]string, error) {
	tuples, err := e.store.Read(ctx, object, relation)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(tuples))
	for _, t := range tuples {
		out = append(out, t.Subject)
	}
	return out, nil
}
