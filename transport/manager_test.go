package transport

import (
	"bufio"
	"context"
	"net"
	"os/exec"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// listen opens a TCP listener on an ephemeral port and returns it with its
// port number.
func listen(t *testing.T) (net.Listener, int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })
	return ln, ln.Addr().(*net.TCPAddr).Port
}

// freePort reserves an ephemeral port and releases it for the test to reuse.
func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.DialTimeout = time.Second
	cfg.ProbeTimeout = 200 * time.Millisecond
	return cfg
}

func TestProbePort(t *testing.T) {
	_, port := listen(t)
	m := NewManager(testConfig())

	assert.True(t, m.probePort(port))
	assert.False(t, m.probePort(freePort(t)))
}

func TestConnectDialsConfiguredHost(t *testing.T) {
	ln, port := listen(t)

	echoed := make(chan string, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		line, _ := bufio.NewReader(conn).ReadString('\n')
		echoed <- line
	}()

	cfg := testConfig()
	cfg.Host = "127.0.0.1"
	cfg.Port = port
	m := NewManager(cfg)

	conn, err := m.Connect(context.Background())
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, StateConnected, m.State())

	_, err = conn.Write([]byte("help\n"))
	require.NoError(t, err)
	assert.Equal(t, "help\n", <-echoed)
}

func TestConnectProbesAndDialsLocalPeer(t *testing.T) {
	ln, port := listen(t)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	cfg := testConfig()
	cfg.CandidatePorts = []int{freePort(t), port}
	cfg.NoLaunch = true
	m := NewManager(cfg)

	conn, err := m.Connect(context.Background())
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, StateConnected, m.State())
}

func TestConnectSpawnsPipeModeWhenPortOccupied(t *testing.T) {
	_, port := listen(t)

	var spawnedPort int
	cfg := testConfig()
	cfg.CandidatePorts = []int{port}
	cfg.SpawnCommand = func(p int) *exec.Cmd {
		spawnedPort = p
		return exec.Command("cat")
	}
	m := NewManager(cfg)

	conn, err := m.Connect(context.Background())
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, port, spawnedPort)

	// cat echoes the line protocol back through the pipes.
	_, err = conn.Write([]byte("isConnected\n"))
	require.NoError(t, err)
	buf := make([]byte, 64)
	n, err := conn.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "isConnected\n", string(buf[:n]))
}

func TestConnectFailsDescriptivelyWithoutPeer(t *testing.T) {
	cfg := testConfig()
	cfg.CandidatePorts = []int{freePort(t)}
	cfg.NoLaunch = true
	m := NewManager(cfg)

	_, err := m.Connect(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot reach peer")
}

func TestConnectLaunchesAndPollsUntilPeerComesUp(t *testing.T) {
	port := freePort(t)

	cfg := testConfig()
	cfg.CandidatePorts = []int{port}
	cfg.LaunchTimeout = 10 * time.Second
	cfg.LaunchCommand = func() *exec.Cmd { return exec.Command("true") }
	m := NewManager(cfg)

	// The peer application "finishes starting" shortly after launch.
	go func() {
		time.Sleep(400 * time.Millisecond)
		ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
		if err != nil {
			return
		}
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	conn, err := m.Connect(context.Background())
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, StateConnected, m.State())
}

func TestConnectLaunchTimesOut(t *testing.T) {
	cfg := testConfig()
	cfg.CandidatePorts = []int{freePort(t)}
	cfg.LaunchTimeout = 600 * time.Millisecond
	cfg.LaunchCommand = func() *exec.Cmd { return exec.Command("true") }
	m := NewManager(cfg)

	start := time.Now()
	_, err := m.Connect(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "did not open")
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestConnectAfterCloseFails(t *testing.T) {
	m := NewManager(testConfig())
	require.NoError(t, m.Close())
	assert.Equal(t, StateClosed, m.State())

	_, err := m.Connect(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestCandidatePortDerivation(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Port = 4001
	cfg.PortOffset = 1
	assert.Equal(t, []int{4001, 4002}, cfg.candidatePorts())

	cfg.CandidatePorts = []int{7496, 7497}
	assert.Equal(t, []int{7496, 7497}, cfg.candidatePorts())
}
