package ghost

import (
	"bytes"
)

// In-band control markers of the terminal data stream. Bytes between a start
// and end marker form a JSON control message; everything else is raw
// terminal data.
const (
	ControlStart byte = 0x01
	ControlEnd   byte = 0x02
)

// controlScanner splits the terminal byte stream into raw data and embedded
// control messages. It is an explicit two state machine so that control
// sequences spanning multiple read buffers are handled the same as ones
// arriving whole.
type controlScanner struct {
	inControl bool
	control   bytes.Buffer
}

// Scan consumes one read buffer. Raw data runs are passed to data, each
// completed control message to control. A control callback error stops the
// scan; data before the error has already been delivered.
func (s *controlScanner) Scan(buf []byte, data func([]byte), control func([]byte) error) error {
	for len(buf) > 0 {
		if s.inControl {
			idx := bytes.IndexByte(buf, ControlEnd)
			if idx == -1 {
				s.control.Write(buf)
				return nil
			}

			s.control.Write(buf[:idx])
			msg := make([]byte, s.control.Len())
			copy(msg, s.control.Bytes())
			s.control.Reset()
			s.inControl = false
			buf = buf[idx+1:]

			if err := control(msg); err != nil {
				return err
			}
		} else {
			idx := bytes.IndexByte(buf, ControlStart)
			if idx == -1 {
				data(buf)
				return nil
			}

			if idx > 0 {
				data(buf[:idx])
			}
			s.inControl = true
			buf = buf[idx+1:]
		}
	}
	return nil
}
