package wire

import "bytes"

// Decoder splits an incoming byte stream into Records. Chunks may arrive with
// arbitrary boundaries; an incomplete trailing fragment is carried over and
// completed by later chunks. The zero value is ready to use.
type Decoder struct {
	carry []byte
}

// Feed appends a chunk to the carry-over buffer and returns every Record whose
// terminating newline arrived. Blank lines are discarded.
func (d *Decoder) Feed(chunk []byte) []Record {
	d.carry = append(d.carry, chunk...)

	var records []Record
	for {
		idx := bytes.IndexByte(d.carry, '\n')
		if idx < 0 {
			break
		}
		line := d.carry[:idx]
		d.carry = d.carry[idx+1:]
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		records = append(records, decodeLine(line))
	}

	// Reclaim the backing array once a chunk is fully consumed, so a long
	// session does not pin every buffer it ever saw.
	if len(d.carry) == 0 {
		d.carry = nil
	}
	return records
}

// Pending returns the number of carried-over bytes awaiting a newline.
func (d *Decoder) Pending() int {
	return len(d.carry)
}
