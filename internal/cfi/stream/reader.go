package stream

import (
	"bufio"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"

	"github.com/kolkov/cfiwatch/internal/cfi/edge"
)

// EdgeReader reads an edge stream.
type EdgeReader struct {
	Header Header

	r   *bufio.Reader
	buf [edgeSize]byte
}

// NewEdgeReader reads and validates the stream header.
func NewEdgeReader(r io.Reader) (*EdgeReader, error) {
	br := bufio.NewReader(r)
	h, err := readHeader(br, EdgeMagic)
	if err != nil {
		return nil, err
	}
	return &EdgeReader{Header: h, r: br}, nil
}

// Next returns the next record, or io.EOF at the end of the stream.
// A record cut short returns io.ErrUnexpectedEOF.
func (er *EdgeReader) Next() (edge.GraphEdge, error) {
	if _, err := io.ReadFull(er.r, er.buf[:]); err != nil {
		return edge.GraphEdge{}, err
	}
	return getEdge(er.buf[:]), nil
}

// ReadAll returns the remaining records.
func (er *EdgeReader) ReadAll() ([]edge.GraphEdge, error) {
	var out []edge.GraphEdge
	for {
		e, err := er.Next()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return out, errors.Wrapf(err, "edge record %d", len(out))
		}
		out = append(out, e)
	}
}

// HashReader reads a hash stream.
type HashReader struct {
	Header Header

	r   *bufio.Reader
	buf [hashSize]byte
}

// NewHashReader reads and validates the stream header.
func NewHashReader(r io.Reader) (*HashReader, error) {
	br := bufio.NewReader(r)
	h, err := readHeader(br, HashMagic)
	if err != nil {
		return nil, err
	}
	return &HashReader{Header: h, r: br}, nil
}

// Next returns the next fingerprint, or io.EOF at the end of the stream.
func (hr *HashReader) Next() (uint64, error) {
	if _, err := io.ReadFull(hr.r, hr.buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(hr.buf[:]), nil
}

// ReadAll returns the remaining fingerprints.
func (hr *HashReader) ReadAll() ([]uint64, error) {
	var out []uint64
	for {
		h, err := hr.Next()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return out, errors.Wrapf(err, "hash record %d", len(out))
		}
		out = append(out, h)
	}
}
