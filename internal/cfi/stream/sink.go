package stream

import (
	"os"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/kolkov/cfiwatch/internal/cfi/edge"
)

// Sink receives the observer's output. Implementations are safe for
// concurrent use; the observer still calls WriteEdge and WriteHash under its
// lock so that record order matches recording order.
type Sink interface {
	WriteEdge(edge.GraphEdge) error
	WriteHash(uint64) error
	Flush() error
	Close() error
}

// FileSink writes the edge and hash streams to files.
type FileSink struct {
	mu     sync.Mutex
	runID  uuid.UUID
	files  []*os.File
	edges  *EdgeWriter
	hashes *HashWriter
	closed bool
}

// CreateFiles creates (truncating) the stream files. hashPath may be empty,
// in which case fingerprints are discarded.
func CreateFiles(edgePath, hashPath string, runID uuid.UUID) (*FileSink, error) {
	s := &FileSink{runID: runID}

	ef, err := os.Create(edgePath)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create edge stream")
	}
	s.files = append(s.files, ef)
	if s.edges, err = NewEdgeWriter(ef, runID); err != nil {
		s.closeFiles()
		return nil, err
	}

	if hashPath != "" {
		hf, err := os.Create(hashPath)
		if err != nil {
			s.closeFiles()
			return nil, errors.Wrap(err, "failed to create hash stream")
		}
		s.files = append(s.files, hf)
		if s.hashes, err = NewHashWriter(hf, runID); err != nil {
			s.closeFiles()
			return nil, err
		}
	}
	return s, nil
}

// RunID returns the run identity written into the stream headers.
func (s *FileSink) RunID() uuid.UUID {
	return s.runID
}

// WriteEdge implements Sink.
func (s *FileSink) WriteEdge(e edge.GraphEdge) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return os.ErrClosed
	}
	return s.edges.WriteEdge(e)
}

// WriteHash implements Sink.
func (s *FileSink) WriteHash(h uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return os.ErrClosed
	}
	if s.hashes == nil {
		return nil
	}
	return s.hashes.WriteHash(h)
}

// Flush implements Sink.
func (s *FileSink) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	return s.flush()
}

func (s *FileSink) flush() error {
	if err := s.edges.Flush(); err != nil {
		return errors.Wrap(err, "failed to flush edge stream")
	}
	if s.hashes != nil {
		if err := s.hashes.Flush(); err != nil {
			return errors.Wrap(err, "failed to flush hash stream")
		}
	}
	return nil
}

// Close flushes and closes the files. Closing twice is a no-op.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	err := s.flush()
	if cerr := s.closeFiles(); err == nil {
		err = cerr
	}
	return err
}

func (s *FileSink) closeFiles() error {
	var first error
	for _, f := range s.files {
		if err := f.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Counts returns the number of edges and hashes written so far.
func (s *FileSink) Counts() (edges, hashes uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	edges = s.edges.Count()
	if s.hashes != nil {
		hashes = s.hashes.Count()
	}
	return edges, hashes
}

// MemorySink keeps everything in memory. Used by tests and the replay
// harness when no output file is requested.
type MemorySink struct {
	mu      sync.Mutex
	edges   []edge.GraphEdge
	hashes  []uint64
	flushes int
}

// NewMemorySink creates an empty in-memory sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// WriteEdge implements Sink.
func (m *MemorySink) WriteEdge(e edge.GraphEdge) error {
	m.mu.Lock()
	m.edges = append(m.edges, e)
	m.mu.Unlock()
	return nil
}

// WriteHash implements Sink.
func (m *MemorySink) WriteHash(h uint64) error {
	m.mu.Lock()
	m.hashes = append(m.hashes, h)
	m.mu.Unlock()
	return nil
}

// Flush implements Sink.
func (m *MemorySink) Flush() error {
	m.mu.Lock()
	m.flushes++
	m.mu.Unlock()
	return nil
}

// Close implements Sink.
func (m *MemorySink) Close() error {
	return m.Flush()
}

// Edges returns a copy of the edges written.
func (m *MemorySink) Edges() []edge.GraphEdge {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]edge.GraphEdge, len(m.edges))
	copy(out, m.edges)
	return out
}

// Hashes returns a copy of the fingerprints written.
func (m *MemorySink) Hashes() []uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]uint64, len(m.hashes))
	copy(out, m.hashes)
	return out
}

// Flushes returns how many times Flush was called.
func (m *MemorySink) Flushes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.flushes
}

// Tee fans out to several sinks. The first error stops the fan-out.
type Tee []Sink

// WriteEdge implements Sink.
func (t Tee) WriteEdge(e edge.GraphEdge) error {
	for _, s := range t {
		if err := s.WriteEdge(e); err != nil {
			return err
		}
	}
	return nil
}

// WriteHash implements Sink.
func (t Tee) WriteHash(h uint64) error {
	for _, s := range t {
		if err := s.WriteHash(h); err != nil {
			return err
		}
	}
	return nil
}

// Flush implements Sink.
func (t Tee) Flush() error {
	for _, s := range t {
		if err := s.Flush(); err != nil {
			return err
		}
	}
	return nil
}

// Close closes every sink and returns the first error.
func (t Tee) Close() error {
	var first error
	for _, s := range t {
		if err := s.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
