package schema

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// Category bucket names. Help records owned by these buckets define new
// operations; records owned by anything else describe properties of a type.
const (
	ActionsCategory = "actions"
	EventsCategory  = "events"
)

// ErrClosed is returned by EnsureComplete when the registry has been drained
// because the connection closed. Pending waiters are force-released with this
// error so outstanding calls fail instead of hanging.
var ErrClosed = errors.New("schema registry closed: connection lost")

// QueryFunc transmits a help query naming one entry. The registry invokes it at
// most once per entry, guarded by the entry's requested flag.
type QueryFunc func(name string) error

// Registry incrementally builds the peer's action/event/type schema from
// streamed help records. Entries are created lazily the first time they are
// referenced and populated until their helpEnd marker arrives.
//
// The registry is rebuilt fresh for every connection; nothing survives a
// reconnect.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*Entry
	query   QueryFunc
	log     zerolog.Logger
	closed  bool
}

// NewRegistry creates a registry that transmits help queries through query.
// The actions and events category buckets are pre-registered.
func NewRegistry(query QueryFunc, log zerolog.Logger) *Registry {
	r := &Registry{
		entries: make(map[string]*Entry),
		query:   query,
		log:     log,
	}
	r.entries[ActionsCategory] = &Entry{Name: ActionsCategory, Kind: KindCategory, registers: KindAction}
	r.entries[EventsCategory] = &Entry{Name: EventsCategory, Kind: KindCategory, registers: KindEvent}
	return r
}

// getOrCreate returns the entry for name, creating an unknown-kind entry on
// first reference. Caller must hold r.mu.
func (r *Registry) getOrCreate(name string) *Entry {
	if entry, ok := r.entries[name]; ok {
		return entry
	}
	entry := &Entry{Name: name}
	r.entries[name] = entry
	return entry
}

// Lookup returns the entry for name if it exists. Array names resolve to their
// element entry.
func (r *Registry) Lookup(name string) (*Entry, bool) {
	for IsArrayName(name) {
		name = ElementName(name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[name]
	return entry, ok
}

// Actions returns the names of every registered action, in no particular order.
func (r *Registry) Actions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var names []string
	for name, entry := range r.entries {
		if entry.Kind == KindAction {
			names = append(names, name)
		}
	}
	return names
}

// EnsureComplete returns the entry for name once its descriptor is complete,
// transmitting a help query on the entry's first use. Concurrent callers for
// the same incomplete entry share a single query and are released in FIFO
// order when the helpEnd marker arrives. Array names are resolved to their
// element type before anything else.
func (r *Registry) EnsureComplete(ctx context.Context, name string) (*Entry, error) {
	for IsArrayName(name) {
		name = ElementName(name)
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrClosed
	}
	entry := r.getOrCreate(name)
	if entry.complete.Load() {
		r.mu.Unlock()
		return entry, nil
	}

	wait := make(chan error, 1)
	entry.waiters = append(entry.waiters, wait)

	needQuery := !entry.requested.Load()
	if needQuery {
		entry.requested.Store(true)
	}
	r.mu.Unlock()

	if needQuery {
		r.log.Debug().Str("name", name).Msg("requesting descriptor")
		if err := r.query(name); err != nil {
			return nil, fmt.Errorf("failed to query descriptor for %s: %w", name, err)
		}
	}

	select {
	case err := <-wait:
		if err != nil {
			return nil, err
		}
		return entry, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ApplyHelp folds one help record's arguments into the registry. Records have
// the shape (owner, field, fieldType, fieldDefault) with the trailing
// positions optional.
//
// Dispatch is by the owner entry's own kind:
//   - owner is a category bucket → register a new action/event named field
//   - owner is an action or event and a field type is present → append a
//     parameter (name, type) to the signature
//   - owner is a type and a field type is present → declare an object field
//     with its default value
//   - no field type → append field as an enum value of the owner
//
// Records for an already-complete entry are ignored; descriptors freeze once
// their helpEnd marker has been seen.
func (r *Registry) ApplyHelp(args []any) {
	if len(args) == 0 {
		return
	}
	owner, ok := args[0].(string)
	if !ok || owner == "" {
		return
	}

	var field any
	if len(args) > 1 {
		field = args[1]
	}
	fieldType := ""
	if len(args) > 2 {
		if s, ok := args[2].(string); ok {
			fieldType = s
		}
	}
	var fieldDefault any
	if len(args) > 3 {
		fieldDefault = args[3]
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	ownerEntry := r.getOrCreate(owner)
	if ownerEntry.complete.Load() {
		r.log.Warn().Str("owner", owner).Msg("ignoring help record for completed descriptor")
		return
	}

	switch {
	case ownerEntry.Kind == KindCategory:
		name, ok := field.(string)
		if !ok || name == "" {
			return
		}
		entry := r.getOrCreate(name)
		if entry.complete.Load() {
			return
		}
		entry.Kind = ownerEntry.registers
		r.log.Debug().Str("name", name).Stringer("kind", entry.Kind).Msg("registered operation")

	case fieldType == "":
		ownerEntry.EnumValues = append(ownerEntry.EnumValues, field)
		if ownerEntry.Kind == KindUnknown {
			ownerEntry.Kind = KindType
		}

	case ownerEntry.Kind == KindAction || ownerEntry.Kind == KindEvent:
		name, _ := field.(string)
		ownerEntry.ParamNames = append(ownerEntry.ParamNames, name)
		ownerEntry.ParamTypes = append(ownerEntry.ParamTypes, fieldType)

	default:
		name, ok := field.(string)
		if !ok || name == "" {
			return
		}
		if ownerEntry.Kind == KindUnknown {
			ownerEntry.Kind = KindType
		}
		if ownerEntry.Fields == nil {
			ownerEntry.Fields = make(map[string]string)
			ownerEntry.Defaults = make(map[string]any)
		}
		ownerEntry.Fields[name] = fieldType
		ownerEntry.Defaults[name] = fieldDefault
	}
}

// MarkComplete records the arrival of a helpEnd marker for name: the entry is
// frozen and its waiters are released in FIFO order. The transition is
// monotonic; completing an already-complete entry is a no-op.
func (r *Registry) MarkComplete(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry := r.getOrCreate(name)
	if entry.complete.Load() {
		return
	}
	entry.requested.Store(true)
	entry.complete.Store(true)

	waiters := entry.waiters
	entry.waiters = nil
	for _, w := range waiters {
		w <- nil
	}
	r.log.Debug().Str("name", name).Int("waiters", len(waiters)).Msg("descriptor complete")
}

// Drain force-releases every pending waiter with ErrClosed and marks the
// registry closed. Called exactly once, when the transport closes; subsequent
// EnsureComplete calls fail immediately.
func (r *Registry) Drain() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}
	r.closed = true

	drained := 0
	for _, entry := range r.entries {
		for _, w := range entry.waiters {
			w <- ErrClosed
			drained++
		}
		entry.waiters = nil
	}
	if drained > 0 {
		r.log.Warn().Int("waiters", drained).Msg("drained pending schema waiters")
	}
}
