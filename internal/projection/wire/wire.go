// Package wire defines the fixed 64-byte header that precedes every payload
// written to the visualisation client, and the checksum that guards it.
//
// Layout (little-endian):
//
//	offset  size  field
//	0       4     magic          (0xBEBA2024)
//	4       4     version
//	8       8     frame_counter
//	16      8     payload_size
//	24      4     checksum       (CRC32/IEEE over the payload only)
//	28      28    reserved       (zero)
//	56      8     pad            (zero)
//
// The client's struct definition ('<IIQQI28s') covers 56 bytes; the pad
// fills the 64-byte slot the client reads and is always zero.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
)

const (
	// Magic identifies a projection protocol header.
	Magic uint32 = 0xBEBA2024

	// Version1 is the only payload encoding version currently understood.
	Version1 uint32 = 1

	// HeaderSize is the size of the header slot in bytes.
	HeaderSize = 64

	// ReservedSize is the size of the reserved field carried in the header.
	ReservedSize = 28

	// MaxPayloadSize is the hard ceiling for a single payload.
	MaxPayloadSize = 1024 * 1024

	// DefaultDataRegionSize is the default size of the producer → client region.
	DefaultDataRegionSize = 2 * 1024 * 1024

	// DefaultCommandRegionSize is the default size of the client → producer region.
	DefaultCommandRegionSize = 64 * 1024
)

// packedSize is the number of meaningful bytes in the header; the rest of
// the slot is zero padding.
const packedSize = 4 + 4 + 8 + 8 + 4 + ReservedSize

var (
	ErrShortHeader      = errors.New("wire: header shorter than 64 bytes")
	ErrBadMagic         = errors.New("wire: bad magic")
	ErrBadVersion       = errors.New("wire: unsupported version")
	ErrPayloadTooLarge  = errors.New("wire: payload exceeds maximum size")
	ErrPayloadLength    = errors.New("wire: payload length does not match header")
	ErrChecksumMismatch = errors.New("wire: checksum mismatch")
	ErrBufferTooSmall   = errors.New("wire: destination buffer too small")
)

// Header precedes every payload on the data and command channels.
type Header struct {
	Magic        uint32
	Version      uint32
	FrameCounter uint64
	PayloadSize  uint64
	Checksum     uint32
	Reserved     [ReservedSize]byte
}

// Checksum returns the CRC32 (IEEE) of payload.
func Checksum(payload []byte) uint32 {
	return crc32.ChecksumIEEE(payload)
}

// NewHeader builds a version-1 header describing payload.
func NewHeader(frameCounter uint64, payload []byte) Header {
	return Header{
		Magic:        Magic,
		Version:      Version1,
		FrameCounter: frameCounter,
		PayloadSize:  uint64(len(payload)),
		Checksum:     Checksum(payload),
	}
}

// Pack returns the header encoded into a fresh HeaderSize slice.
func (h Header) Pack() []byte {
	b := make([]byte, HeaderSize)
	_ = h.PackInto(b)
	return b
}

// PackInto encodes the header into the first HeaderSize bytes of dst.
func (h Header) PackInto(dst []byte) error {
	if len(dst) < HeaderSize {
		return ErrBufferTooSmall
	}
	binary.LittleEndian.PutUint32(dst[0:4], h.Magic)
	binary.LittleEndian.PutUint32(dst[4:8], h.Version)
	binary.LittleEndian.PutUint64(dst[8:16], h.FrameCounter)
	binary.LittleEndian.PutUint64(dst[16:24], h.PayloadSize)
	binary.LittleEndian.PutUint32(dst[24:28], h.Checksum)
	copy(dst[28:packedSize], h.Reserved[:])
	clear(dst[packedSize:HeaderSize])
	return nil
}

// Unpack decodes and validates a header. The magic, version and payload
// ceiling are checked; the checksum is verified separately with Verify
// once the payload is available.
func Unpack(b []byte) (Header, error) {
	var h Header
	if len(b) < HeaderSize {
		return h, ErrShortHeader
	}
	h.Magic = binary.LittleEndian.Uint32(b[0:4])
	h.Version = binary.LittleEndian.Uint32(b[4:8])
	h.FrameCounter = binary.LittleEndian.Uint64(b[8:16])
	h.PayloadSize = binary.LittleEndian.Uint64(b[16:24])
	h.Checksum = binary.LittleEndian.Uint32(b[24:28])
	copy(h.Reserved[:], b[28:packedSize])

	if h.Magic != Magic {
		return h, fmt.Errorf("%w: 0x%08X", ErrBadMagic, h.Magic)
	}
	if h.Version != Version1 {
		return h, fmt.Errorf("%w: %d", ErrBadVersion, h.Version)
	}
	if h.PayloadSize > MaxPayloadSize {
		return h, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, h.PayloadSize)
	}
	return h, nil
}

// Verify checks payload against the header's size and checksum.
func (h Header) Verify(payload []byte) error {
	if uint64(len(payload)) != h.PayloadSize {
		return fmt.Errorf("%w: have %d, header says %d", ErrPayloadLength, len(payload), h.PayloadSize)
	}
	if sum := Checksum(payload); sum != h.Checksum {
		return fmt.Errorf("%w: computed 0x%08X, header 0x%08X", ErrChecksumMismatch, sum, h.Checksum)
	}
	return nil
}

// IsZero reports whether the header slot was cleared (all fields zero).
func (h Header) IsZero() bool {
	return h == Header{}
}

// IsZeroSlot reports whether the first HeaderSize bytes of b are all zero.
func IsZeroSlot(b []byte) bool {
	if len(b) < HeaderSize {
		return false
	}
	for _, c := range b[:HeaderSize] {
		if c != 0 {
			return false
		}
	}
	return true
}

// Encode frames payload with a header. Oversized payloads are refused
// before anything is allocated.
func Encode(frameCounter uint64, payload []byte) ([]byte, error) {
	if len(payload) > MaxPayloadSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(payload))
	}
	out := make([]byte, HeaderSize+len(payload))
	h := NewHeader(frameCounter, payload)
	_ = h.PackInto(out)
	copy(out[HeaderSize:], payload)
	return out, nil
}

// Decode validates a header+payload message and returns the payload. The
// returned slice aliases b.
func Decode(b []byte) (Header, []byte, error) {
	h, err := Unpack(b)
	if err != nil {
		return h, nil, err
	}
	end := uint64(HeaderSize) + h.PayloadSize
	if uint64(len(b)) < end {
		return h, nil, fmt.Errorf("%w: have %d, header says %d", ErrPayloadLength, len(b)-HeaderSize, h.PayloadSize)
	}
	payload := b[HeaderSize:end]
	if err := h.Verify(payload); err != nil {
		return h, nil, err
	}
	return h, payload, nil
}
