package tape

import (
	"io"
	"sync"
)

// Player replays the inbound half of a capture as a connection. Reads serve
// the recorded peer traffic in order and return io.EOF when the capture is
// exhausted or the player is closed; writes are accepted and discarded, since
// the recorded peer cannot react to them.
type Player struct {
	mu      sync.Mutex
	source  io.Reader
	pending []byte
	closed  bool
}

// NewPlayer creates a Player over a capture stream.
func NewPlayer(r io.Reader) *Player {
	return &Player{source: r}
}

func (p *Player) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for len(p.pending) == 0 {
		if p.closed {
			return 0, io.EOF
		}
		entry, err := ReadEntry(p.source)
		if err != nil {
			return 0, err
		}
		if entry.Dir != Inbound {
			continue
		}
		p.pending = entry.Data
	}

	n := copy(b, p.pending)
	p.pending = p.pending[n:]
	return n, nil
}

func (p *Player) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, io.ErrClosedPipe
	}
	return len(b), nil
}

// Close stops replay; subsequent reads return io.EOF.
func (p *Player) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}
