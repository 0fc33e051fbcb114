package gridshell

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/machinefabric/gridshell-go/tape"
	"github.com/machinefabric/gridshell-go/wire"
)

// scriptedPeer services one end of an in-memory connection: it reads protocol
// lines and answers each with a scripted response, mimicking the peer's
// self-describing help protocol.
type scriptedPeer struct {
	conn        net.Conn
	script      map[string][]string
	closeOnExit bool

	mu       sync.Mutex
	received []string
}

func newScriptedPeer(script map[string][]string) (*scriptedPeer, net.Conn) {
	peerSide, clientSide := net.Pipe()
	p := &scriptedPeer{conn: peerSide, script: script}
	go p.run()
	return p, clientSide
}

func (p *scriptedPeer) run() {
	scanner := bufio.NewScanner(p.conn)
	for scanner.Scan() {
		line := scanner.Text()
		p.mu.Lock()
		p.received = append(p.received, line)
		responses := p.script[line]
		p.mu.Unlock()

		for _, resp := range responses {
			if _, err := p.conn.Write([]byte(resp + "\n")); err != nil {
				return
			}
		}
		if line == "exit" && p.closeOnExit {
			_ = p.conn.Close()
			return
		}
	}
}

// send pushes unsolicited peer traffic, the way live market events arrive.
func (p *scriptedPeer) send(t *testing.T, lines ...string) {
	t.Helper()
	for _, line := range lines {
		_, err := p.conn.Write([]byte(line + "\n"))
		require.NoError(t, err)
	}
}

func (p *scriptedPeer) receivedLines() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.received...)
}

// tradingScript describes a small order-entry peer: three actions, one event,
// an object type with nested enum fields.
func tradingScript() map[string][]string {
	return map[string][]string{
		"help": {
			"help\t\"actions\"\t\"placeOrder\"",
			"help\t\"actions\"\t\"exit\"",
			"help\t\"actions\"\t\"isConnected\"",
			"help\t\"events\"\t\"orderStatus\"",
			"helpEnd\t\"Shell\"",
		},
		"help\t\"placeOrder\"": {
			"help\t\"placeOrder\"\t\"orderId\"\t\"int\"",
			"help\t\"placeOrder\"\t\"contract\"\t\"Contract\"",
			"help\t\"placeOrder\"\t\"order\"\t\"Order\"",
			"helpEnd\t\"placeOrder\"",
		},
		"help\t\"exit\"": {
			"helpEnd\t\"exit\"",
		},
		"help\t\"isConnected\"": {
			"helpEnd\t\"isConnected\"",
		},
		"help\t\"Contract\"": {
			"help\t\"Contract\"\t\"symbol\"\t\"String\"",
			"help\t\"Contract\"\t\"secType\"\t\"SecType\"\t\"STK\"",
			"help\t\"Contract\"\t\"exchange\"\t\"String\"\t\"SMART\"",
			"help\t\"Contract\"\t\"currency\"\t\"String\"\t\"USD\"",
			"helpEnd\t\"Contract\"",
		},
		"help\t\"Order\"": {
			"help\t\"Order\"\t\"action\"\t\"OrderAction\"",
			"help\t\"Order\"\t\"totalQuantity\"\t\"double\"",
			"help\t\"Order\"\t\"orderType\"\t\"String\"",
			"help\t\"Order\"\t\"lmtPrice\"\t\"double\"\t0",
			"helpEnd\t\"Order\"",
		},
		"help\t\"SecType\"": {
			"help\t\"SecType\"\t\"STK\"",
			"help\t\"SecType\"\t\"CASH\"",
			"helpEnd\t\"SecType\"",
		},
		"help\t\"OrderAction\"": {
			"help\t\"OrderAction\"\t\"BUY\"",
			"help\t\"OrderAction\"\t\"SELL\"",
			"helpEnd\t\"OrderAction\"",
		},
		"help\t\"String\"": {
			"helpEnd\t\"String\"",
		},
		"help\t\"double\"": {
			"helpEnd\t\"double\"",
		},
		"help\t\"int\"": {
			"helpEnd\t\"int\"",
		},
	}
}

func dialScripted(t *testing.T, script map[string][]string) (*Client, *scriptedPeer) {
	t.Helper()
	peer, conn := newScriptedPeer(script)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, err := NewClient(ctx, conn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client, peer
}

func TestBootstrapDiscoversVocabulary(t *testing.T) {
	client, peer := dialScripted(t, tradingScript())

	assert.ElementsMatch(t, []string{"placeOrder", "exit", "isConnected"}, client.Actions())

	// The event is registered but is not an action.
	entry, ok := client.Registry().Lookup("orderStatus")
	require.True(t, ok)
	assert.NotContains(t, client.Actions(), "orderStatus")
	assert.False(t, entry.Complete())

	// Exactly one bare help query was transmitted.
	assert.Equal(t, []string{"help"}, peer.receivedLines())
	assert.NotEqual(t, "", client.SessionID().String())
}

func TestCallPlaceOrderEndToEnd(t *testing.T) {
	client, peer := dialScripted(t, tradingScript())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	contract := map[string]any{"symbol": "AAPL", "exchange": "SMART", "currency": "USD", "secType": "STK"}
	order := map[string]any{"action": "BUY", "totalQuantity": 1, "orderType": "MIDPRICE"}
	require.NoError(t, client.Call(ctx, "placeOrder", 1, contract, order))

	var call string
	require.Eventually(t, func() bool {
		for _, line := range peer.receivedLines() {
			if strings.HasPrefix(line, "placeOrder\t") {
				call = line
			}
		}
		return call != ""
	}, 2*time.Second, 10*time.Millisecond, "call never reached the peer")
	require.NotEmpty(t, call, "call never reached the peer")

	fields := strings.Split(call, "\t")
	require.Len(t, fields, 4)
	assert.Equal(t, "1", fields[1])
	assert.JSONEq(t, `{"symbol":"AAPL","exchange":"SMART","currency":"USD","secType":"STK"}`, fields[2])
	assert.JSONEq(t, `{"action":"BUY","totalQuantity":1,"orderType":"MIDPRICE"}`, fields[3])
}

func TestCallArityMismatch(t *testing.T) {
	client, _ := dialScripted(t, tradingScript())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := client.Call(ctx, "placeOrder", map[string]any{"symbol": "IBM"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expects 3 argument(s)")
	assert.Contains(t, err.Error(), "orderId, contract, order")
}

func TestCallValidationFailureIsNotTransmitted(t *testing.T) {
	client, peer := dialScripted(t, tradingScript())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := client.Call(ctx, "placeOrder", 1,
		map[string]any{"ticker": "IBM"},
		map[string]any{"action": "BUY"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ticker")

	for _, line := range peer.receivedLines() {
		assert.False(t, strings.HasPrefix(line, "placeOrder\t"), "invalid call reached the peer: %s", line)
	}
}

func TestCallRejectsEnumViolationInsideField(t *testing.T) {
	client, _ := dialScripted(t, tradingScript())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := client.Call(ctx, "placeOrder", 1,
		map[string]any{"symbol": "IBM"},
		map[string]any{"action": "HOLD"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HOLD")
	assert.Contains(t, err.Error(), "argument 2 (order)")
}

func TestCallUnknownAction(t *testing.T) {
	script := tradingScript()
	script["help\t\"cancelAll\""] = []string{"helpEnd\t\"cancelAll\""}
	client, _ := dialScripted(t, script)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := client.Call(ctx, "cancelAll")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not define this action")
}

func TestExitWaitsForClosure(t *testing.T) {
	peer, conn := newScriptedPeer(tradingScript())
	peer.closeOnExit = true
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := NewClient(ctx, conn)
	require.NoError(t, err)

	var order []string
	var mu sync.Mutex
	client.Subscribe(ExitAction, func(rec wire.Record) {
		mu.Lock()
		order = append(order, rec.Name)
		mu.Unlock()
	})

	require.NoError(t, client.Call(ctx, ExitAction))

	select {
	case <-client.Done():
	default:
		t.Fatal("exit returned before the transport closed")
	}
	assert.True(t, client.Closed())

	mu.Lock()
	assert.Equal(t, []string{ExitAction}, order)
	mu.Unlock()
}

func TestDeadTransportCallContract(t *testing.T) {
	client, _ := dialScripted(t, tradingScript())
	require.NoError(t, client.Close())
	<-client.Done()
	ctx := context.Background()

	// exit resolves immediately.
	assert.NoError(t, client.Call(ctx, ExitAction))

	// isConnected synthesizes a not-connected record.
	var got []wire.Record
	var mu sync.Mutex
	client.Subscribe(IsConnectedAction, func(rec wire.Record) {
		mu.Lock()
		got = append(got, rec)
		mu.Unlock()
	})
	assert.NoError(t, client.Call(ctx, IsConnectedAction))
	mu.Lock()
	require.Len(t, got, 1)
	assert.Equal(t, []any{false}, got[0].Args)
	mu.Unlock()

	// Everything else fails.
	err := client.Call(ctx, "placeOrder", nil, nil)
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestSubscribersReceiveRecordsInOrder(t *testing.T) {
	client, peer := dialScripted(t, tradingScript())

	var mu sync.Mutex
	var first, second []string
	client.Subscribe("orderStatus", func(rec wire.Record) {
		mu.Lock()
		first = append(first, string(mustJSON(t, rec.Args)))
		mu.Unlock()
	})
	client.Subscribe("orderStatus", func(rec wire.Record) {
		mu.Lock()
		second = append(second, "2:"+string(mustJSON(t, rec.Args)))
		mu.Unlock()
	})

	peer.send(t,
		"orderStatus\t1\t\"Submitted\"",
		"orderStatus\t1\t\"Filled\"",
	)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(first) == 2 && len(second) == 2
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	assert.Equal(t, []string{`[1,"Submitted"]`, `[1,"Filled"]`}, first)
	assert.Equal(t, []string{`2:[1,"Submitted"]`, `2:[1,"Filled"]`}, second)
	mu.Unlock()
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	client, peer := dialScripted(t, tradingScript())

	var mu sync.Mutex
	var count int
	token := client.Subscribe("orderStatus", func(wire.Record) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	peer.send(t, "orderStatus\t1\t\"Submitted\"")
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count == 1
	}, 2*time.Second, 10*time.Millisecond)

	assert.True(t, client.Unsubscribe("orderStatus", token))
	assert.False(t, client.Unsubscribe("orderStatus", token))

	peer.send(t, "orderStatus\t1\t\"Filled\"")
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	assert.Equal(t, 1, count)
	mu.Unlock()
}

func TestRemoteErrorRecordDoesNotCloseTransport(t *testing.T) {
	client, peer := dialScripted(t, tradingScript())

	var mu sync.Mutex
	var reports []*RemoteError
	client.Subscribe(ErrorEvent, func(rec wire.Record) {
		mu.Lock()
		reports = append(reports, ParseRemoteError(rec.Args))
		mu.Unlock()
	})

	peer.send(t, "error\t1\t2104\t\"Market data farm connection is OK\"")

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(reports) == 1
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	assert.Equal(t, RemoteErrorCoded, reports[0].Kind)
	assert.Equal(t, int64(2104), reports[0].Code)
	mu.Unlock()
	assert.False(t, client.Closed())
}

func TestBootstrapTimeout(t *testing.T) {
	peerSide, clientSide := net.Pipe()
	t.Cleanup(func() { _ = peerSide.Close() })

	// The peer reads queries but never answers.
	go func() {
		scanner := bufio.NewScanner(peerSide)
		for scanner.Scan() {
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	_, err := NewClient(ctx, clientSide)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "schema bootstrap failed")
}

func TestRecorderCapturesSession(t *testing.T) {
	peer, conn := newScriptedPeer(tradingScript())
	peer.closeOnExit = true

	var capture bytes.Buffer
	rec := tape.NewRecorder(&capture)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, err := NewClient(ctx, conn, WithRecorder(rec))
	require.NoError(t, err)
	require.NoError(t, client.Call(ctx, ExitAction))
	<-client.Done()

	entries, err := tape.Entries(&capture)
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	assert.Equal(t, tape.Outbound, entries[0].Dir)
	assert.Equal(t, "help\n", string(entries[0].Data))
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	encoded, err := json.Marshal(v)
	require.NoError(t, err)
	return encoded
}
