// Package stream persists the observer's output.
//
// Two append-only streams are produced per run:
//
//	edge stream: "CFIE" | version u16 | run id [16]byte | records...
//	hash stream: "CFIH" | version u16 | run id [16]byte | u64...
//
// An edge record is 26 bytes, little-endian:
//
//	from u64 | to u64 | from_module u32 | to_module u32 | exit u8 | type u8
//
// Records are appended in the order the recorder writes them, which is the
// order the observer lock serializes them in.
package stream

import (
	"encoding/binary"
	"io"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/kolkov/cfiwatch/internal/cfi/edge"
)

// Version is the current stream format version.
const Version uint16 = 1

const (
	headerSize = 4 + 2 + 16
	edgeSize   = 8 + 8 + 4 + 4 + 1 + 1
	hashSize   = 8
)

// Magic numbers of the two streams.
var (
	EdgeMagic = [4]byte{'C', 'F', 'I', 'E'}
	HashMagic = [4]byte{'C', 'F', 'I', 'H'}
)

var (
	// ErrBadMagic is returned when a stream does not start with the expected magic.
	ErrBadMagic = errors.New("not a cfiwatch stream")
	// ErrVersion is returned for streams written by a newer format version.
	ErrVersion = errors.New("unsupported stream version")
)

// Header starts every stream.
type Header struct {
	Magic   [4]byte
	Version uint16
	RunID   uuid.UUID
}

func (h Header) encode() []byte {
	b := make([]byte, headerSize)
	copy(b[0:4], h.Magic[:])
	binary.LittleEndian.PutUint16(b[4:6], h.Version)
	copy(b[6:22], h.RunID[:])
	return b
}

func readHeader(r io.Reader, magic [4]byte) (Header, error) {
	var b [headerSize]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return Header{}, errors.Wrap(err, "failed to read stream header")
	}
	var h Header
	copy(h.Magic[:], b[0:4])
	if h.Magic != magic {
		return Header{}, errors.Wrapf(ErrBadMagic, "magic %q, want %q", h.Magic[:], magic[:])
	}
	h.Version = binary.LittleEndian.Uint16(b[4:6])
	if h.Version == 0 || h.Version > Version {
		return Header{}, errors.Wrapf(ErrVersion, "version %d", h.Version)
	}
	copy(h.RunID[:], b[6:22])
	return h, nil
}

func putEdge(b []byte, e edge.GraphEdge) {
	binary.LittleEndian.PutUint64(b[0:8], e.From)
	binary.LittleEndian.PutUint64(b[8:16], e.To)
	binary.LittleEndian.PutUint32(b[16:20], e.FromModule)
	binary.LittleEndian.PutUint32(b[20:24], e.ToModule)
	b[24] = e.ExitOrdinal
	b[25] = byte(e.Type)
}

func getEdge(b []byte) edge.GraphEdge {
	return edge.GraphEdge{
		From:        binary.LittleEndian.Uint64(b[0:8]),
		To:          binary.LittleEndian.Uint64(b[8:16]),
		FromModule:  binary.LittleEndian.Uint32(b[16:20]),
		ToModule:    binary.LittleEndian.Uint32(b[20:24]),
		ExitOrdinal: b[24],
		Type:        edge.Type(b[25]),
	}
}
