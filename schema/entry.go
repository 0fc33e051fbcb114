package schema

import (
	"strings"
	"sync/atomic"
)

// Kind classifies a registry entry.
type Kind int

const (
	// KindUnknown is an entry that has been referenced but whose kind has not
	// been learned from the peer yet.
	KindUnknown Kind = iota
	// KindCategory is a registry bucket ("actions", "events") whose help
	// records define new operations rather than properties.
	KindCategory
	// KindAction is a remotely invocable operation with an ordered
	// parameter signature.
	KindAction
	// KindEvent is a remotely-initiated notification channel.
	KindEvent
	// KindType is an enum or object shape referenced by action parameters.
	KindType
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindCategory:
		return "category"
	case KindAction:
		return "action"
	case KindEvent:
		return "event"
	case KindType:
		return "type"
	default:
		return "unknown"
	}
}

// Entry is one named descriptor in the registry: an action, event, enum or
// object type, or a category bucket. Which data fields are meaningful depends
// on Kind.
//
// Entries are mutated only while incomplete, and only by the registry's own
// record-apply path under the registry lock. The completion flag is published
// atomically after the last mutation, so holders of a completed *Entry may
// read its data without locking.
type Entry struct {
	Name string
	Kind Kind

	// Actions and events: positionally aligned parameter signature.
	ParamNames []string
	ParamTypes []string

	// Types: enum membership values, in arrival order.
	EnumValues []any

	// Types: object field name → type name, plus declared default values.
	Fields   map[string]string
	Defaults map[string]any

	// Categories: the kind of descriptor this bucket's records register.
	registers Kind

	requested atomic.Bool
	complete  atomic.Bool
	waiters   []chan error
}

// Requested reports whether a help query has been transmitted for this entry.
func (e *Entry) Requested() bool { return e.requested.Load() }

// Complete reports whether the terminating helpEnd marker has arrived.
func (e *Entry) Complete() bool { return e.complete.Load() }

// IsEnum reports whether the entry describes an enum type.
func (e *Entry) IsEnum() bool { return len(e.EnumValues) > 0 }

// IsObject reports whether the entry describes an object shape.
func (e *Entry) IsObject() bool { return len(e.Fields) > 0 }

// IsArrayName reports whether a type name denotes an array: the element type
// name wrapped in brackets, e.g. "[Contract]". Array names are never
// registered; they resolve to their element's descriptor.
func IsArrayName(name string) bool {
	return len(name) > 2 && strings.HasPrefix(name, "[") && strings.HasSuffix(name, "]")
}

// ElementName returns the element type name of an array type name. If name is
// not an array name it is returned unchanged.
func ElementName(name string) string {
	if !IsArrayName(name) {
		return name
	}
	return name[1 : len(name)-1]
}
