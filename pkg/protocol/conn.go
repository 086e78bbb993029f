package protocol

import (
	"errors"
	"io"
)

// Decoder reads node reports from a dispatcher-side connection.
//
// A Decoder is not safe for concurrent use.
type Decoder struct {
	r       io.Reader
	buf     []byte
	pending []Report
	err     error
}

// NewDecoder creates a decoder over r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: r, buf: make([]byte, MaxMessageSize)}
}

// Next returns the next report.
//
// io.EOF is returned when the peer closes the connection; a *ProtocolError
// when the received bytes are not a valid report.
func (d *Decoder) Next() (Report, error) {
	for len(d.pending) == 0 {
		if d.err != nil {
			return Report{}, d.err
		}

		n, err := d.r.Read(d.buf)
		if err != nil {
			d.err = err
		}
		if n == 0 {
			if err == nil {
				// Empty read: treat as a closed connection.
				d.err = io.EOF
			}
			continue
		}

		reports, perr := SplitReports(string(d.buf[:n]))
		if perr != nil {
			d.err = perr
			return Report{}, perr
		}
		d.pending = reports
	}

	r := d.pending[0]
	d.pending = d.pending[1:]
	return r, nil
}

// WriteReport sends a single report.
func WriteReport(w io.Writer, r Report) error {
	b, err := r.Encode()
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}

// WriteAssignment sends a frame id, or NoWork.
func WriteAssignment(w io.Writer, frame int) error {
	_, err := w.Write(EncodeAssignment(frame))
	return err
}

// ReadAssignment reads one dispatcher reply.
//
// io.EOF is returned when the dispatcher closed the connection.
func ReadAssignment(r io.Reader) (int, error) {
	buf := make([]byte, MaxMessageSize)
	n, err := r.Read(buf)
	if n == 0 {
		if err == nil || errors.Is(err, io.EOF) {
			return 0, io.EOF
		}
		return 0, err
	}
	return ParseAssignment(string(buf[:n]))
}
