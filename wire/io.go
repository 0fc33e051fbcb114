package wire

import (
	"io"
	"sync"
)

// readChunkSize is the buffer size for a single read from the underlying
// stream. Lines are short (a name plus a handful of JSON fields), so a modest
// buffer keeps latency low without churning allocations.
const readChunkSize = 4096

// RecordReader reads Records from a byte stream, buffering partial lines
// between reads.
type RecordReader struct {
	reader  io.Reader
	decoder Decoder
	pending []Record
	buf     []byte
}

// NewRecordReader creates a RecordReader over r.
func NewRecordReader(r io.Reader) *RecordReader {
	return &RecordReader{
		reader: r,
		buf:    make([]byte, readChunkSize),
	}
}

// ReadRecord returns the next decoded Record, reading from the underlying
// stream as needed. It returns the stream's error (io.EOF included) once all
// complete records before the error have been delivered.
func (rr *RecordReader) ReadRecord() (Record, error) {
	for {
		if len(rr.pending) > 0 {
			rec := rr.pending[0]
			rr.pending = rr.pending[1:]
			return rec, nil
		}

		n, err := rr.reader.Read(rr.buf)
		if n > 0 {
			rr.pending = rr.decoder.Feed(rr.buf[:n])
		}
		if err != nil && len(rr.pending) == 0 {
			return Record{}, err
		}
	}
}

// RecordWriter encodes and writes Records to a byte stream. Writes are
// serialized by an internal mutex, so concurrent callers each transmit a whole
// line; interleaving happens only at line granularity.
type RecordWriter struct {
	mu     sync.Mutex
	writer io.Writer
}

// NewRecordWriter creates a RecordWriter over w.
func NewRecordWriter(w io.Writer) *RecordWriter {
	return &RecordWriter{writer: w}
}

// WriteRecord encodes one record and writes it as a single line. The write
// blocks until the underlying stream accepts the bytes, which is the protocol's
// backpressure point.
func (rw *RecordWriter) WriteRecord(name string, args []any) error {
	line, err := Encode(name, args)
	if err != nil {
		return err
	}

	rw.mu.Lock()
	defer rw.mu.Unlock()
	if _, err := rw.writer.Write(line); err != nil {
		return err
	}
	return nil
}
