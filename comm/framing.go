package comm

import (
	"encoding/binary"
	"io"
)

const (
	frameHeaderLen = 4
	maxFrameSize   = 16 * 1024 * 1024 // 16MiB
)

// encodeFrame builds a length prefixed copy of payload.
func encodeFrame(payload []byte) ([]byte, error) {
	if len(payload) > maxFrameSize {
		return nil, ErrFrameTooLarge
	}

	frame := make([]byte, frameHeaderLen+len(payload))
	binary.BigEndian.PutUint32(frame, uint32(len(payload)))
	copy(frame[frameHeaderLen:], payload)
	return frame, nil
}

func readFrame(r io.Reader) ([]byte, error) {
	var header [frameHeaderLen]byte
	_, err := io.ReadFull(r, header[:])
	if err != nil {
		return nil, err
	}

	frameLen := binary.BigEndian.Uint32(header[:])
	if frameLen > maxFrameSize {
		return nil, ErrFrameTooLarge
	}

	payload := make([]byte, frameLen)
	_, err = io.ReadFull(r, payload)
	if err != nil {
		return nil, err
	}

	return payload, nil
}
