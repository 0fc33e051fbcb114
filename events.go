package gridshell

import (
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/machinefabric/gridshell-go/wire"
)

// Handler receives inbound records for a subscribed name. Handlers run on the
// connection's single decode goroutine: delivery is ordered, and a slow
// handler backpressures the whole inbound pipeline.
type Handler func(rec wire.Record)

type subscription struct {
	id uuid.UUID
	fn Handler
}

// router fans decoded inbound records out to subscribers by record name. It is
// owned by one Client; subscription lists are scoped to that connection, never
// process-wide.
type router struct {
	mu   sync.RWMutex
	subs map[string][]subscription
	log  zerolog.Logger
}

func newRouter(log zerolog.Logger) *router {
	return &router{
		subs: make(map[string][]subscription),
		log:  log,
	}
}

func (r *router) subscribe(name string, fn Handler) uuid.UUID {
	id := uuid.New()
	r.mu.Lock()
	r.subs[name] = append(r.subs[name], subscription{id: id, fn: fn})
	r.mu.Unlock()
	return id
}

func (r *router) unsubscribe(name string, id uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	subs := r.subs[name]
	for i, sub := range subs {
		if sub.id == id {
			r.subs[name] = append(subs[:i:i], subs[i+1:]...)
			return true
		}
	}
	return false
}

// emit delivers a record to every subscriber registered under its name, in
// subscription order. The subscriber list is snapshotted before delivery so
// handlers may subscribe or unsubscribe without deadlocking.
func (r *router) emit(rec wire.Record) {
	r.mu.RLock()
	subs := append([]subscription(nil), r.subs[rec.Name]...)
	r.mu.RUnlock()

	if len(subs) > 0 {
		r.log.Trace().Str("name", rec.Name).Int("subscribers", len(subs)).Msg("routing record")
	}
	for _, sub := range subs {
		sub.fn(rec)
	}
}
