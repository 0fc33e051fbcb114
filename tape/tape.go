// Package tape records and replays line-protocol sessions. A Recorder taps a
// live connection and writes timestamped, direction-tagged entries as
// length-prefixed CBOR; a Player serves the inbound half of a capture back as
// a connection, so tests and tooling can run against a recorded peer session
// without a live peer.
package tape

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// Direction tags which side of the connection produced an entry.
type Direction uint8

const (
	// Inbound is peer → client traffic.
	Inbound Direction = 1
	// Outbound is client → peer traffic.
	Outbound Direction = 2
)

// String returns the direction name.
func (d Direction) String() string {
	switch d {
	case Inbound:
		return "inbound"
	case Outbound:
		return "outbound"
	default:
		return fmt.Sprintf("unknown(%d)", d)
	}
}

// MaxEntrySize is the hard limit on a single capture entry (16 MB). A larger
// length prefix means a corrupt or hostile capture file.
const MaxEntrySize = 16_777_216

// Entry is one captured chunk of traffic.
type Entry struct {
	Dir  Direction `cbor:"dir"`
	At   int64     `cbor:"at"` // unix microseconds
	Data []byte    `cbor:"data"`
}

// Recorder writes capture entries to a stream as 4-byte big-endian
// length-prefixed CBOR. Safe for concurrent use; entries are written whole.
type Recorder struct {
	mu     sync.Mutex
	writer io.Writer
	now    func() time.Time
}

// NewRecorder creates a Recorder over w.
func NewRecorder(w io.Writer) *Recorder {
	return &Recorder{writer: w, now: time.Now}
}

// Record appends one entry to the capture.
func (r *Recorder) Record(dir Direction, data []byte) error {
	entry := Entry{
		Dir:  dir,
		At:   r.now().UnixMicro(),
		Data: data,
	}
	encoded, err := cbor.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode capture entry: %w", err)
	}

	var lengthBuf [4]byte
	binary.BigEndian.PutUint32(lengthBuf[:], uint32(len(encoded)))

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, err := r.writer.Write(lengthBuf[:]); err != nil {
		return err
	}
	if _, err := r.writer.Write(encoded); err != nil {
		return err
	}
	return nil
}

// Tap wraps a connection so that every read and write is recorded. Recording
// failures are reported through the wrapped operation's error.
func (r *Recorder) Tap(conn io.ReadWriteCloser) io.ReadWriteCloser {
	return &tappedConn{conn: conn, rec: r}
}

type tappedConn struct {
	conn io.ReadWriteCloser
	rec  *Recorder
}

func (t *tappedConn) Read(p []byte) (int, error) {
	n, err := t.conn.Read(p)
	if n > 0 {
		if recErr := t.rec.Record(Inbound, append([]byte(nil), p[:n]...)); recErr != nil {
			return n, recErr
		}
	}
	return n, err
}

func (t *tappedConn) Write(p []byte) (int, error) {
	n, err := t.conn.Write(p)
	if n > 0 {
		if recErr := t.rec.Record(Outbound, append([]byte(nil), p[:n]...)); recErr != nil {
			return n, recErr
		}
	}
	return n, err
}

func (t *tappedConn) Close() error {
	return t.conn.Close()
}

// ReadEntry reads one capture entry from a stream. Returns io.EOF at a clean
// end of capture.
func ReadEntry(r io.Reader) (Entry, error) {
	var lengthBuf [4]byte
	if _, err := io.ReadFull(r, lengthBuf[:]); err != nil {
		return Entry{}, err
	}
	length := binary.BigEndian.Uint32(lengthBuf[:])
	if length > MaxEntrySize {
		return Entry{}, fmt.Errorf("capture entry size %d exceeds limit %d", length, MaxEntrySize)
	}

	encoded := make([]byte, length)
	if _, err := io.ReadFull(r, encoded); err != nil {
		return Entry{}, fmt.Errorf("truncated capture entry: %w", err)
	}

	var entry Entry
	if err := cbor.Unmarshal(encoded, &entry); err != nil {
		return Entry{}, fmt.Errorf("failed to decode capture entry: %w", err)
	}
	return entry, nil
}

// Entries reads a whole capture.
func Entries(r io.Reader) ([]Entry, error) {
	var entries []Entry
	for {
		entry, err := ReadEntry(r)
		if err == io.EOF {
			return entries, nil
		}
		if err != nil {
			return entries, err
		}
		entries = append(entries, entry)
	}
}
