package gridshell

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/machinefabric/gridshell-go/schema"
	"github.com/machinefabric/gridshell-go/wire"
)

// Call invokes a discovered action with positional arguments. The sequence is:
// ensure the action's descriptor is complete (a help round-trip on first use),
// check arity, validate every argument against its declared parameter type,
// then encode and transmit. Validation failures fail the whole call before
// anything is written.
//
// On a dead transport, exit resolves immediately, isConnected synthesizes a
// not-connected record to subscribers, and every other action fails with
// ErrNotConnected. A live exit call additionally waits for the transport to
// close, since it requests peer shutdown.
//
// Arguments may be any JSON-serializable Go values; they are canonicalized to
// their decoded-JSON shape before validation and transmission.
func (c *Client) Call(ctx context.Context, action string, args ...any) error {
	if c.closed.Load() {
		return c.callOnDeadTransport(action)
	}

	entry, err := c.reg.EnsureComplete(ctx, action)
	if err != nil {
		// Closure may race the descriptor wait; fold it into the
		// dead-transport path so exit and isConnected still degrade.
		if errors.Is(err, schema.ErrClosed) {
			return c.callOnDeadTransport(action)
		}
		return fmt.Errorf("call %s: %w", action, err)
	}
	if entry.Kind != schema.KindAction {
		return fmt.Errorf("call %s: peer does not define this action", action)
	}

	if len(args) != len(entry.ParamTypes) {
		return fmt.Errorf("call %s: expects %d argument(s) (%s), got %d",
			action, len(entry.ParamTypes), strings.Join(entry.ParamNames, ", "), len(args))
	}

	normalized := make([]any, len(args))
	for i, arg := range args {
		n, err := schema.Normalize(arg)
		if err != nil {
			return fmt.Errorf("call %s: argument %d (%s): %w", action, i, entry.ParamNames[i], err)
		}
		normalized[i] = n
	}

	// Validation only reads completed descriptors, so the per-argument checks
	// can overlap; each may suspend on its own help round-trip.
	g, gctx := errgroup.WithContext(ctx)
	for i := range normalized {
		i := i
		g.Go(func() error {
			if err := c.validator.Validate(gctx, entry.ParamTypes[i], normalized[i]); err != nil {
				return fmt.Errorf("argument %d (%s): %w", i, entry.ParamNames[i], err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("call %s: %w", action, err)
	}

	// Never write a line to a dead transport.
	if c.closed.Load() {
		return c.callOnDeadTransport(action)
	}
	if err := c.writer.WriteRecord(action, normalized); err != nil {
		return fmt.Errorf("call %s: transmit failed: %w", action, err)
	}
	c.log.Debug().Str("action", action).Int("args", len(normalized)).Msg("transmitted call")

	if action == ExitAction {
		select {
		case <-c.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// callOnDeadTransport implements the dead-transport call contract.
func (c *Client) callOnDeadTransport(action string) error {
	switch action {
	case ExitAction:
		return nil
	case IsConnectedAction:
		c.router.emit(wire.Record{Name: IsConnectedAction, Args: []any{false}})
		return nil
	default:
		return fmt.Errorf("%w: cannot call %s", ErrNotConnected, action)
	}
}
