package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
)

// State is a transport lifecycle phase.
type State int

const (
	StateIdle State = iota
	StateProbing
	StateDialing
	StateSpawning
	StateLaunching
	StateConnected
	StateClosed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateProbing:
		return "probing"
	case StateDialing:
		return "dialing"
	case StateSpawning:
		return "spawning"
	case StateLaunching:
		return "launching"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("unknown(%d)", s)
	}
}

// ErrClosed is returned by Connect after the manager has been closed. Closed
// is terminal; a new connection needs a new manager.
var ErrClosed = errors.New("transport closed")

// errPeerNotUp is the retryable sentinel for the launch-phase polling loop.
var errPeerNotUp = errors.New("no peer port occupied yet")

// Manager owns connection establishment: deciding whether to dial a socket,
// spawn a subprocess, or launch the peer application and wait for it to come
// up. Every phase is one-shot; the only retry loop is the bounded port polling
// after a launch.
type Manager struct {
	cfg Config
	log zerolog.Logger

	mu    sync.Mutex
	state State
}

// NewManager creates a manager for the given config.
func NewManager(cfg Config) *Manager {
	return &Manager{
		cfg:   cfg,
		log:   cfg.Logger,
		state: StateIdle,
	}
}

// State returns the current lifecycle phase.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) setState(next State) {
	m.mu.Lock()
	prev := m.state
	m.state = next
	m.mu.Unlock()
	m.log.Debug().Stringer("from", prev).Stringer("to", next).Msg("transport state")
}

// Close marks the transport permanently closed. Idempotent.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = StateClosed
	return nil
}

// Connect establishes the byte stream to the peer. Fallback order:
//
//  1. If a host is configured, dial it directly.
//  2. Probe the candidate ports for an already-running local peer; if one is
//     found, spawn the standalone client in pipe mode (or dial the port
//     directly when no spawn command is configured).
//  3. If launching is permitted and a launch command is configured, launch
//     the peer application and poll the candidate ports at an exponentially
//     growing interval until the launch timeout budget runs out.
//  4. Otherwise fail with a descriptive connection error.
func (m *Manager) Connect(ctx context.Context) (Conn, error) {
	if m.State() == StateClosed {
		return nil, ErrClosed
	}

	var dialErr error
	if m.cfg.Host != "" {
		conn, err := m.dial(m.cfg.Host, m.cfg.Port)
		if err == nil {
			m.setState(StateConnected)
			return conn, nil
		}
		dialErr = err
		m.log.Warn().Err(err).Str("host", m.cfg.Host).Int("port", m.cfg.Port).Msg("direct dial failed, probing local ports")
	}

	if port, ok := m.probeCandidates(); ok {
		conn, err := m.attachLocal(port)
		if err != nil {
			return nil, err
		}
		m.setState(StateConnected)
		return conn, nil
	}

	if !m.cfg.NoLaunch && m.cfg.LaunchCommand != nil {
		port, err := m.launchAndPoll(ctx)
		if err != nil {
			return nil, err
		}
		conn, err := m.dial("127.0.0.1", port)
		if err != nil {
			return nil, err
		}
		m.setState(StateConnected)
		return conn, nil
	}

	err := fmt.Errorf(
		"cannot reach peer: no listener on candidate ports %v and auto-launch is unavailable",
		m.cfg.candidatePorts(),
	)
	if dialErr != nil {
		err = fmt.Errorf("cannot reach peer at %s:%d (%v) and %w", m.cfg.Host, m.cfg.Port, dialErr, err)
	}
	return nil, err
}

// dial opens a socket to host:port.
func (m *Manager) dial(host string, port int) (Conn, error) {
	m.setState(StateDialing)
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	conn, err := net.DialTimeout("tcp", addr, m.cfg.DialTimeout)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", addr, err)
	}
	m.log.Info().Str("addr", addr).Msg("dialed peer")
	return conn, nil
}

// attachLocal connects to a peer known to be listening on a local port: pipe
// mode through the configured standalone client, or a direct dial when no
// spawn command is configured.
func (m *Manager) attachLocal(port int) (Conn, error) {
	if m.cfg.SpawnCommand == nil {
		return m.dial("127.0.0.1", port)
	}
	m.setState(StateSpawning)
	return startPipe(m.cfg.SpawnCommand(port), m.log)
}

// probeCandidates scans the candidate ports for one already occupied by a
// running peer.
func (m *Manager) probeCandidates() (int, bool) {
	m.setState(StateProbing)
	for _, port := range m.cfg.candidatePorts() {
		if m.probePort(port) {
			m.log.Info().Int("port", port).Msg("found running peer")
			return port, true
		}
	}
	return 0, false
}

// probePort reports whether something is listening on the local port.
func (m *Manager) probePort(port int) bool {
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
	conn, err := net.DialTimeout("tcp", addr, m.cfg.ProbeTimeout)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// launchAndPoll runs the one-shot launch helper, then polls the candidate
// ports with exponential backoff until one is occupied or the launch timeout
// budget is exhausted.
func (m *Manager) launchAndPoll(ctx context.Context) (int, error) {
	m.setState(StateLaunching)

	cmd := m.cfg.LaunchCommand()
	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("failed to launch peer application: %w", err)
	}
	m.log.Info().Str("path", cmd.Path).Dur("budget", m.cfg.LaunchTimeout).Msg("launched peer application, polling ports")
	// The helper is one-shot; reap it in the background so it never zombies.
	go func() { _ = cmd.Wait() }()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 250 * time.Millisecond
	bo.RandomizationFactor = 0
	bo.Multiplier = 2
	bo.MaxInterval = 8 * time.Second
	bo.MaxElapsedTime = m.cfg.LaunchTimeout

	var port int
	err := backoff.Retry(func() error {
		for _, candidate := range m.cfg.candidatePorts() {
			if m.probePort(candidate) {
				port = candidate
				return nil
			}
		}
		return errPeerNotUp
	}, backoff.WithContext(bo, ctx))
	if err != nil {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		return 0, fmt.Errorf(
			"peer did not open any of ports %v within %s after launch",
			m.cfg.candidatePorts(), m.cfg.LaunchTimeout,
		)
	}
	return port, nil
}
