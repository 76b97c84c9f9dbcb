package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Marshal encodes f into a single contiguous buffer.
func Marshal(f Frame) ([]byte, error) {
	if len(f.Payload) > MaxPayload {
		return nil, fmt.Errorf("payload of %d bytes exceeds %d", len(f.Payload), MaxPayload)
	}
	buf := make([]byte, HeaderSize+len(f.Payload))
	buf[0] = byte(f.Type)
	buf[1] = f.Flags
	binary.BigEndian.PutUint32(buf[2:6], f.ID)
	binary.BigEndian.PutUint32(buf[6:10], uint32(len(f.Payload)))
	copy(buf[HeaderSize:], f.Payload)
	return buf, nil
}

// Encoder writes frames to a stream.
type Encoder struct {
	w io.Writer
}

// NewEncoder returns an Encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// WriteFrame encodes and writes f in a single Write call.
func (e *Encoder) WriteFrame(f Frame) error {
	buf, err := Marshal(f)
	if err != nil {
		return err
	}
	_, err = e.w.Write(buf)
	return err
}

// Decoder reads frames from a stream.
type Decoder struct {
	r      io.Reader
	header [HeaderSize]byte
}

// NewDecoder returns a Decoder reading from r. Callers should pass a buffered reader.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: r}
}

// ReadFrame blocks until a whole frame is read. A clean end of stream between frames
// returns io.EOF; a stream ending inside a frame returns io.ErrUnexpectedEOF.
// Invalid headers return an error wrapping ErrMalformed.
func (d *Decoder) ReadFrame() (Frame, error) {
	if _, err := io.ReadFull(d.r, d.header[:]); err != nil {
		return Frame{}, err
	}

	f := Frame{
		Type:  Type(d.header[0]),
		Flags: d.header[1],
		ID:    binary.BigEndian.Uint32(d.header[2:6]),
	}
	if !f.Type.Valid() {
		return Frame{}, fmt.Errorf("%w: unknown %s", ErrMalformed, f.Type)
	}
	if f.Flags&^FlagReply != 0 {
		return Frame{}, fmt.Errorf("%w: unknown flags 0x%02x", ErrMalformed, f.Flags)
	}

	n := binary.BigEndian.Uint32(d.header[6:10])
	if n > MaxPayload {
		return Frame{}, fmt.Errorf("%w: %s length %d exceeds %d", ErrMalformed, f.Type, n, MaxPayload)
	}
	if n > 0 {
		f.Payload = make([]byte, n)
		if _, err := io.ReadFull(d.r, f.Payload); err != nil {
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return Frame{}, err
		}
	}
	return f, nil
}
