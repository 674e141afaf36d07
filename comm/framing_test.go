package comm

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	frame, err := encodeFrame([]byte("payload"))
	require.NoError(t, err)
	require.Equal(t, uint32(7), binary.BigEndian.Uint32(frame[:4]))

	payload, err := readFrame(bytes.NewReader(frame))
	require.NoError(t, err)
	require.Equal(t, []byte("payload"), payload)
}

func TestReadFrameTruncated(t *testing.T) {
	frame, err := encodeFrame([]byte("payload"))
	require.NoError(t, err)

	_, err = readFrame(bytes.NewReader(frame[:6]))
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)

	_, err = readFrame(bytes.NewReader(nil))
	require.ErrorIs(t, err, io.EOF)
}

func TestReadFrameTooLarge(t *testing.T) {
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], maxFrameSize+1)

	_, err := readFrame(bytes.NewReader(header[:]))
	require.ErrorIs(t, err, ErrFrameTooLarge)
}
