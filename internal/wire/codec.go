package wire

import "bytes"

// Codec reassembles newline-delimited records from a fragmented byte stream.
// Reads may arrive split or batched at arbitrary boundaries; Feed buffers the
// bytes and Next yields complete records in arrival order, holding any
// trailing partial record until the rest of it arrives.
type Codec struct {
	buf bytes.Buffer
}

// Feed appends raw bytes received from the connection.
func (c *Codec) Feed(data []byte) {
	c.buf.Write(data)
}

// Next returns the next complete record without its trailing newline, or
// false if no full record is buffered.
func (c *Codec) Next() ([]byte, bool) {
	data := c.buf.Bytes()
	idx := bytes.IndexByte(data, '\n')
	if idx == -1 {
		return nil, false
	}

	record := make([]byte, idx)
	copy(record, data[:idx])
	c.buf.Next(idx + 1)
	return record, true
}

// TakeBuffer drains and returns all buffered bytes, parsed or not. Used when
// a mode handler takes over the connection and the remaining bytes are raw
// session data rather than protocol records.
func (c *Codec) TakeBuffer() []byte {
	if c.buf.Len() == 0 {
		return nil
	}
	data := make([]byte, c.buf.Len())
	copy(data, c.buf.Bytes())
	c.buf.Reset()
	return data
}
