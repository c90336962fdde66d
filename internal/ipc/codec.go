package ipc

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
)

// MaxLineBytes bounds one encoded message.
const MaxLineBytes = 1 << 20

var ErrMalformed = errors.New("ipc: malformed message")

// Encoder writes one JSON message per line. Safe for concurrent use.
type Encoder struct {
	mu  sync.Mutex
	w   io.Writer
	buf bytes.Buffer
}

func NewEncoder(w io.Writer) *Encoder { return &Encoder{w: w} }

func (e *Encoder) Encode(m Message) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.buf.Reset()
	if err := json.NewEncoder(&e.buf).Encode(m); err != nil {
		return err
	}
	_, err := e.w.Write(e.buf.Bytes())
	return err
}

// Decoder reads newline-delimited messages.
type Decoder struct {
	r *bufio.Reader
}

func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReaderSize(r, 64<<10)}
}

// Next returns the next message. A line that is not a valid message yields
// an error wrapping ErrMalformed; the stream stays usable. io.EOF marks the
// end of the stream.
func (d *Decoder) Next() (Message, error) {
	for {
		line, err := d.readLine()
		if len(bytes.TrimSpace(line)) == 0 {
			if err != nil {
				return Message{}, err
			}
			continue
		}
		var m Message
		if uerr := json.Unmarshal(line, &m); uerr != nil || m.Kind == "" {
			if uerr == nil {
				uerr = errors.New("missing kind")
			}
			return Message{}, fmt.Errorf("%w: %v", ErrMalformed, uerr)
		}
		return m, nil
	}
}

func (d *Decoder) readLine() ([]byte, error) {
	var out []byte
	for {
		chunk, isPrefix, err := d.r.ReadLine()
		out = append(out, chunk...)
		if len(out) > MaxLineBytes {
			// drain the rest of the oversized line
			for isPrefix && err == nil {
				_, isPrefix, err = d.r.ReadLine()
			}
			if err != nil {
				return nil, err
			}
			return nil, fmt.Errorf("%w: line exceeds %d bytes", ErrMalformed, MaxLineBytes)
		}
		if err != nil || !isPrefix {
			return out, err
		}
	}
}
