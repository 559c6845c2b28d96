package stream

import (
	"bufio"
	"encoding/binary"
	"io"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/kolkov/cfiwatch/internal/cfi/edge"
)

// EdgeWriter appends edge records to an io.Writer.
// Not safe for concurrent use.
type EdgeWriter struct {
	w     *bufio.Writer
	buf   [edgeSize]byte
	count uint64
}

// NewEdgeWriter writes the edge stream header and returns a writer for the records.
func NewEdgeWriter(w io.Writer, runID uuid.UUID) (*EdgeWriter, error) {
	bw := bufio.NewWriter(w)
	h := Header{Magic: EdgeMagic, Version: Version, RunID: runID}
	if _, err := bw.Write(h.encode()); err != nil {
		return nil, errors.Wrap(err, "failed to write edge stream header")
	}
	return &EdgeWriter{w: bw}, nil
}

// WriteEdge appends one record.
func (ew *EdgeWriter) WriteEdge(e edge.GraphEdge) error {
	putEdge(ew.buf[:], e)
	if _, err := ew.w.Write(ew.buf[:]); err != nil {
		return err
	}
	ew.count++
	return nil
}

// Count returns the number of records written.
func (ew *EdgeWriter) Count() uint64 {
	return ew.count
}

// Flush writes buffered records to the underlying writer.
func (ew *EdgeWriter) Flush() error {
	return ew.w.Flush()
}

// HashWriter appends 64-bit fingerprints to an io.Writer.
// Not safe for concurrent use.
type HashWriter struct {
	w     *bufio.Writer
	buf   [hashSize]byte
	count uint64
}

// NewHashWriter writes the hash stream header and returns a writer for the fingerprints.
func NewHashWriter(w io.Writer, runID uuid.UUID) (*HashWriter, error) {
	bw := bufio.NewWriter(w)
	h := Header{Magic: HashMagic, Version: Version, RunID: runID}
	if _, err := bw.Write(h.encode()); err != nil {
		return nil, errors.Wrap(err, "failed to write hash stream header")
	}
	return &HashWriter{w: bw}, nil
}

// WriteHash appends one fingerprint.
func (hw *HashWriter) WriteHash(h uint64) error {
	binary.LittleEndian.PutUint64(hw.buf[:], h)
	if _, err := hw.w.Write(hw.buf[:]); err != nil {
		return err
	}
	hw.count++
	return nil
}

// Count returns the number of fingerprints written.
func (hw *HashWriter) Count() uint64 {
	return hw.count
}

// Flush writes buffered fingerprints to the underlying writer.
func (hw *HashWriter) Flush() error {
	return hw.w.Flush()
}
