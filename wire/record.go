package wire

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Protocol record names with a fixed meaning. Everything else is an action or
// event name owned by the peer.
const (
	RecordHelp    = "help"
	RecordHelpEnd = "helpEnd"
)

// Record is one decoded protocol line: a name followed by zero or more
// positional arguments. Field 0 of the line is the name; fields 1..n are
// JSON-encoded values.
type Record struct {
	Name string
	Args []any
}

// Encode renders a single protocol line for a record: the name, then each
// argument JSON-encoded, joined by tabs and terminated by a newline.
//
// The name is transmitted verbatim (no JSON encoding, no escaping), so it must
// not contain tab or newline characters. JSON string encoding escapes control
// characters, which keeps embedded newlines out of the argument fields by
// construction.
func Encode(name string, args []any) ([]byte, error) {
	if name == "" {
		return nil, fmt.Errorf("cannot encode record with empty name")
	}
	if strings.ContainsAny(name, "\t\n\r") {
		return nil, fmt.Errorf("record name %q contains framing characters", name)
	}

	var buf bytes.Buffer
	buf.WriteString(name)
	for i, arg := range args {
		encoded, err := json.Marshal(arg)
		if err != nil {
			return nil, fmt.Errorf("failed to encode argument %d of %s: %w", i, name, err)
		}
		if bytes.ContainsAny(encoded, "\n") {
			return nil, fmt.Errorf("argument %d of %s encodes with an embedded newline", i, name)
		}
		buf.WriteByte('\t')
		buf.Write(encoded)
	}
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

// decodeLine decodes one complete line (without its trailing newline) into a
// Record. Fields that fail JSON parsing fall back to the raw string; the peer
// occasionally emits bare diagnostics that were never JSON to begin with.
func decodeLine(line []byte) Record {
	line = bytes.TrimSuffix(line, []byte{'\r'})
	fields := bytes.Split(line, []byte{'\t'})

	rec := Record{Name: string(fields[0])}
	if len(fields) > 1 {
		rec.Args = make([]any, 0, len(fields)-1)
		for _, field := range fields[1:] {
			rec.Args = append(rec.Args, decodeField(field))
		}
	}
	return rec
}

// decodeField parses a single tab-delimited field as JSON, preserving number
// precision via json.Number. Unparsable or trailing-garbage fields are passed
// through as raw strings.
func decodeField(field []byte) any {
	dec := json.NewDecoder(bytes.NewReader(field))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return string(field)
	}
	if dec.More() {
		return string(field)
	}
	return v
}
