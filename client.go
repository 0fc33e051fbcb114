package gridshell

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/machinefabric/gridshell-go/schema"
	"github.com/machinefabric/gridshell-go/tape"
	"github.com/machinefabric/gridshell-go/transport"
	"github.com/machinefabric/gridshell-go/wire"
)

// Well-known names in the peer's vocabulary. TopLevelName is the name under
// which the peer terminates the connection-wide help query; ExitAction and
// IsConnectedAction get special dead-transport handling; ErrorEvent carries
// the peer's own error reports. The exit lifecycle notification shares the
// exit action's name.
const (
	TopLevelName      = "Shell"
	ExitAction        = "exit"
	IsConnectedAction = "isConnected"
	ErrorEvent        = "error"
)

// ErrNotConnected is returned by Call once the transport has closed. The
// transport never reopens; reconnecting means dialing a new Client.
var ErrNotConnected = errors.New("not connected to peer")

// ClientOption configures a Client.
type ClientOption func(*clientConfig)

type clientConfig struct {
	logger   zerolog.Logger
	recorder *tape.Recorder
}

// WithLogger sets the client logger.
func WithLogger(log zerolog.Logger) ClientOption {
	return func(c *clientConfig) { c.logger = log }
}

// WithRecorder taps the connection with a session recorder. Every byte in
// both directions is captured; see the tape package.
func WithRecorder(rec *tape.Recorder) ClientOption {
	return func(c *clientConfig) { c.recorder = rec }
}

// Client is one connection to the peer: it owns the schema registry built from
// that connection's help traffic, validates and transmits calls, and routes
// inbound records to subscribers. A Client is dead once its transport closes.
type Client struct {
	conn      io.ReadWriteCloser
	writer    *wire.RecordWriter
	reg       *schema.Registry
	validator *schema.Validator
	router    *router
	mgr       *transport.Manager
	log       zerolog.Logger
	sessionID uuid.UUID

	closed    atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
}

// Dial establishes a transport per cfg's fallback rules, then bootstraps the
// schema: it transmits the connection-wide help query and returns once the
// peer has terminated it, so the action and event vocabulary is known.
func Dial(ctx context.Context, cfg transport.Config, opts ...ClientOption) (*Client, error) {
	mgr := transport.NewManager(cfg)
	conn, err := mgr.Connect(ctx)
	if err != nil {
		return nil, err
	}
	client, err := newClient(ctx, conn, mgr, cfg.Logger, opts)
	if err != nil {
		_ = mgr.Close()
		return nil, err
	}
	return client, nil
}

// NewClient wraps an already-established connection (a socket, a subprocess
// pipe, or a tape.Player) and bootstraps the schema over it.
func NewClient(ctx context.Context, conn io.ReadWriteCloser, opts ...ClientOption) (*Client, error) {
	return newClient(ctx, conn, nil, zerolog.Nop(), opts)
}

func newClient(ctx context.Context, conn io.ReadWriteCloser, mgr *transport.Manager, baseLog zerolog.Logger, opts []ClientOption) (*Client, error) {
	cfg := clientConfig{logger: baseLog}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.recorder != nil {
		conn = cfg.recorder.Tap(conn)
	}

	sessionID := uuid.New()
	log := cfg.logger.With().Str("session_id", sessionID.String()).Logger()

	c := &Client{
		conn:      conn,
		writer:    wire.NewRecordWriter(conn),
		router:    newRouter(log),
		mgr:       mgr,
		log:       log,
		sessionID: sessionID,
		done:      make(chan struct{}),
	}
	c.reg = schema.NewRegistry(c.sendHelpQuery, log)
	c.validator = schema.NewValidator(c.reg)

	go c.readLoop()

	// Bootstrap: the registry transmits the bare help query on first use of
	// the top-level entry; the peer answers with the action/event vocabulary
	// and terminates it under TopLevelName.
	if _, err := c.reg.EnsureComplete(ctx, TopLevelName); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("schema bootstrap failed: %w", err)
	}
	c.log.Info().Strs("actions", c.reg.Actions()).Msg("connected")
	return c, nil
}

// sendHelpQuery transmits one help query. The connection-wide query carries no
// argument; per-name queries name the entry being described.
func (c *Client) sendHelpQuery(name string) error {
	if name == TopLevelName {
		return c.writer.WriteRecord(wire.RecordHelp, nil)
	}
	return c.writer.WriteRecord(wire.RecordHelp, []any{name})
}

// readLoop is the single decode pipeline: every inbound record is processed
// here, in arrival order. Registry mutation happens only on this goroutine.
func (c *Client) readLoop() {
	reader := wire.NewRecordReader(c.conn)
	for {
		rec, err := reader.ReadRecord()
		if err != nil {
			c.shutdown(err)
			return
		}
		c.dispatch(rec)
	}
}

// dispatch folds protocol records into the registry and re-emits every record
// verbatim to subscribers under its name.
func (c *Client) dispatch(rec wire.Record) {
	switch rec.Name {
	case wire.RecordHelp:
		c.reg.ApplyHelp(rec.Args)
	case wire.RecordHelpEnd:
		if len(rec.Args) > 0 {
			if name, ok := rec.Args[0].(string); ok {
				c.reg.MarkComplete(name)
			}
		}
	case ErrorEvent:
		re := ParseRemoteError(rec.Args)
		c.log.Warn().Stringer("kind", re.Kind).Msg(re.Error())
	}
	c.router.emit(rec)
}

// shutdown tears the session down exactly once: pending schema waiters are
// drained so outstanding calls fail instead of hanging, a transport error (if
// any) is broadcast on the error channel, and the exit notification is
// emitted.
func (c *Client) shutdown(cause error) {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.reg.Drain()
		_ = c.conn.Close()
		if c.mgr != nil {
			_ = c.mgr.Close()
		}

		if cause != nil && !errors.Is(cause, io.EOF) && !errors.Is(cause, io.ErrClosedPipe) {
			c.log.Error().Err(cause).Msg("transport failed")
			c.router.emit(wire.Record{Name: ErrorEvent, Args: []any{cause.Error()}})
		} else {
			c.log.Info().Msg("transport closed")
		}
		c.router.emit(wire.Record{Name: ExitAction})
		close(c.done)
	})
}

// Close tears down the connection. Safe to call more than once.
func (c *Client) Close() error {
	c.shutdown(nil)
	return nil
}

// Done is closed after the transport has closed and the exit notification has
// been emitted.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Closed reports whether the transport is dead.
func (c *Client) Closed() bool {
	return c.closed.Load()
}

// SessionID identifies this connection in logs and captures.
func (c *Client) SessionID() uuid.UUID {
	return c.sessionID
}

// Actions lists the action names discovered so far.
func (c *Client) Actions() []string {
	return c.reg.Actions()
}

// Registry exposes the connection's schema registry, for descriptor inspection
// and JSON Schema export.
func (c *Client) Registry() *schema.Registry {
	return c.reg
}

// Subscribe registers a handler for inbound records named name. Delivery is
// ordered per connection; the returned token unsubscribes.
func (c *Client) Subscribe(name string, fn Handler) uuid.UUID {
	return c.router.subscribe(name, fn)
}

// Unsubscribe removes a subscription by its token.
func (c *Client) Unsubscribe(name string, id uuid.UUID) bool {
	return c.router.unsubscribe(name, id)
}
