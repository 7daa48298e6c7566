package duplex

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// HeaderSize is the length of the fixed message header on the wire.
const HeaderSize = 16

// Header flags. They are carried opaquely by the transport.
const (
	FlagEncrypted  uint32 = 0x01
	FlagCompressed uint32 = 0x02
)

// ErrShortHeader is returned by ParseHeader when fewer than HeaderSize bytes are given.
var ErrShortHeader = errors.New("short message header")

// Header is the fixed-size record that precedes every message body.
// Size is the number of body bytes that follow the header on the wire.
type Header struct {
	Version  uint8
	Opcode   uint8
	Status   uint8
	ExStatus uint8
	Tag      uint32
	Size     uint32
	Flags    uint32
}

// Wire returns the network byte order encoding of h.
//
// Layout:
//   - 1 byte each: version, opcode, status, extended status
//   - 4 bytes: tag (big endian)
//   - 4 bytes: body size (big endian)
//   - 4 bytes: flags (big endian)
func (h Header) Wire() [HeaderSize]byte {
	var b [HeaderSize]byte
	b[0] = h.Version
	b[1] = h.Opcode
	b[2] = h.Status
	b[3] = h.ExStatus
	binary.BigEndian.PutUint32(b[4:8], h.Tag)
	binary.BigEndian.PutUint32(b[8:12], h.Size)
	binary.BigEndian.PutUint32(b[12:16], h.Flags)
	return b
}

// ParseHeader decodes a header from its wire form.
func ParseHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, errors.Wrapf(ErrShortHeader, "got %d bytes", len(b))
	}
	return parseHeader((*[HeaderSize]byte)(b)), nil
}

func parseHeader(b *[HeaderSize]byte) Header {
	return Header{
		Version:  b[0],
		Opcode:   b[1],
		Status:   b[2],
		ExStatus: b[3],
		Tag:      binary.BigEndian.Uint32(b[4:8]),
		Size:     binary.BigEndian.Uint32(b[8:12]),
		Flags:    binary.BigEndian.Uint32(b[12:16]),
	}
}
