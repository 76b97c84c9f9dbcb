package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshal_HeaderLayout(t *testing.T) {
	buf, err := Marshal(NewData(FlagReply, 0x01020304, []byte("abc")))
	require.NoError(t, err)

	assert.Equal(t, []byte{0x09, 0x01, 0x01, 0x02, 0x03, 0x04, 0x00, 0x00, 0x00, 0x03, 'a', 'b', 'c'}, buf)
}

func TestDecoder_ReadsConsecutiveFrames(t *testing.T) {
	var stream bytes.Buffer
	enc := NewEncoder(&stream)

	login, err := NewControl(TypeLogin, 0, 0, map[string]string{"username": "u"})
	require.NoError(t, err)
	require.NoError(t, enc.WriteFrame(login))
	require.NoError(t, enc.WriteFrame(NewOpen(7, 42)))
	require.NoError(t, enc.WriteFrame(NewData(0, 7, []byte("hello"))))
	require.NoError(t, enc.WriteFrame(NewClose(FlagReply, 7, "")))

	dec := NewDecoder(&stream)

	f, err := dec.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, TypeLogin, f.Type)
	var got map[string]string
	require.NoError(t, f.Decode(&got))
	assert.Equal(t, "u", got["username"])

	f, err = dec.ReadFrame()
	require.NoError(t, err)
	pairID, err := f.PairID()
	require.NoError(t, err)
	assert.Equal(t, uint32(7), f.ID)
	assert.Equal(t, uint32(42), pairID)

	f, err = dec.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, TypeData, f.Type)
	assert.Equal(t, []byte("hello"), f.Payload)
	assert.False(t, f.Reply())

	f, err = dec.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, TypeClose, f.Type)
	assert.True(t, f.Reply())
	assert.Empty(t, f.Payload)

	_, err = dec.ReadFrame()
	assert.Equal(t, io.EOF, err)
}

func TestDecoder_DataRoundTripPreservesOrder(t *testing.T) {
	var stream bytes.Buffer
	enc := NewEncoder(&stream)
	chunks := [][]byte{[]byte("first"), bytes.Repeat([]byte{0xff}, MaxPayload), {0x00}, []byte("last")}
	for _, c := range chunks {
		require.NoError(t, enc.WriteFrame(NewData(0, 3, c)))
	}

	dec := NewDecoder(&stream)
	var out []byte
	for range chunks {
		f, err := dec.ReadFrame()
		require.NoError(t, err)
		require.Equal(t, uint32(3), f.ID)
		out = append(out, f.Payload...)
	}
	assert.Equal(t, bytes.Join(chunks, nil), out)
}

func TestDecoder_RejectsMalformedHeaders(t *testing.T) {
	header := func(typ, flags byte, length uint32) []byte {
		b := make([]byte, HeaderSize)
		b[0], b[1] = typ, flags
		binary.BigEndian.PutUint32(b[6:], length)
		return b
	}

	cases := map[string][]byte{
		"unknown type":  header(0x7f, 0, 0),
		"zero type":     header(0x00, 0, 0),
		"unknown flags": header(byte(TypeData), 0x80, 0),
		"oversized":     header(byte(TypeData), 0, MaxPayload+1),
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := NewDecoder(bytes.NewReader(raw)).ReadFrame()
			assert.ErrorIs(t, err, ErrMalformed)
		})
	}
}

func TestDecoder_TruncatedPayload(t *testing.T) {
	buf, err := Marshal(NewData(0, 1, []byte("truncated")))
	require.NoError(t, err)

	_, err = NewDecoder(bytes.NewReader(buf[:len(buf)-2])).ReadFrame()
	assert.True(t, errors.Is(err, io.ErrUnexpectedEOF))
	assert.False(t, errors.Is(err, ErrMalformed))
}

func TestMarshal_RejectsOversizedPayload(t *testing.T) {
	_, err := Marshal(NewData(0, 1, make([]byte, MaxPayload+1)))
	assert.Error(t, err)
}

func TestFrame_DecodeBadJSON(t *testing.T) {
	f := Frame{Type: TypePairReply, Payload: []byte("{not json")}
	var v struct{}
	assert.ErrorIs(t, f.Decode(&v), ErrMalformed)
}

func TestFrame_PairIDWrongSize(t *testing.T) {
	_, err := Frame{Type: TypeOpen, Payload: []byte{1, 2}}.PairID()
	assert.ErrorIs(t, err, ErrMalformed)
}
