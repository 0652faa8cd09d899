package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const maxFrameLen = 64 * 1024

var ErrBadHandshake = errors.New("codec: invalid IMEI handshake")

// ReadIMEI reads the login packet: 2B length followed by the ASCII IMEI.
func ReadIMEI(r io.Reader) (string, error) {
	var hdr [2]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return "", err
	}
	n := int(binary.BigEndian.Uint16(hdr[:]))
	if n == 0 || n > 32 {
		return "", fmt.Errorf("%w: length %d", ErrBadHandshake, n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	for _, c := range buf {
		if c < '0' || c > '9' {
			return "", fmt.Errorf("%w: non-digit byte 0x%02x", ErrBadHandshake, c)
		}
	}
	return string(buf), nil
}

// ReadFrame reads one complete AVL frame: preamble, length, data field and CRC.
func ReadFrame(r io.Reader) ([]byte, error) {
	var hdr [8]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	if binary.BigEndian.Uint32(hdr[0:4]) != 0 {
		return nil, fmt.Errorf("invalid preamble (expected 0x00000000)")
	}
	dataLen := binary.BigEndian.Uint32(hdr[4:8])
	if dataLen == 0 || dataLen > maxFrameLen {
		return nil, fmt.Errorf("invalid data field length %d", dataLen)
	}
	frame := make([]byte, 8+int(dataLen)+4)
	copy(frame, hdr[:])
	if _, err := io.ReadFull(r, frame[8:]); err != nil {
		return nil, err
	}
	return frame, nil
}
