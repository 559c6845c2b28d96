package stream

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/kolkov/cfiwatch/internal/cfi/edge"
)

var testEdges = []edge.GraphEdge{
	{From: 0x401000, To: 0x402000, ExitOrdinal: 0, Type: edge.Direct, FromModule: 2, ToModule: 2},
	{From: 0x402000, To: 0x7f0000001000, ExitOrdinal: 1, Type: edge.Indirect, FromModule: 2, ToModule: 3},
	{From: 0x402010, To: 0x401abc, ExitOrdinal: 0, Type: edge.UnexpectedReturn, FromModule: 2, ToModule: 2},
	{From: 0x401000, To: 0xffffffff0000003c, ExitOrdinal: 0, Type: edge.Syscall, FromModule: 2, ToModule: 1},
}

func TestEdgeStreamRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	runID := uuid.New()

	w, err := NewEdgeWriter(&buf, runID)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range testEdges {
		if err := w.WriteEdge(e); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.Flush(); err != nil {
		t.Fatal(err)
	}
	if want := headerSize + len(testEdges)*edgeSize; buf.Len() != want {
		t.Errorf("stream size = %d, want %d", buf.Len(), want)
	}

	r, err := NewEdgeReader(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if r.Header.RunID != runID || r.Header.Version != Version {
		t.Errorf("Header = %+v", r.Header)
	}
	got, err := r.ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, testEdges) {
		t.Errorf("ReadAll = %v, want %v", got, testEdges)
	}
}

func TestEdgeRecordLayout(t *testing.T) {
	var b [edgeSize]byte
	putEdge(b[:], edge.GraphEdge{From: 1, To: 2, FromModule: 3, ToModule: 4, ExitOrdinal: 5, Type: edge.Syscall})
	want := []byte{
		1, 0, 0, 0, 0, 0, 0, 0,
		2, 0, 0, 0, 0, 0, 0, 0,
		3, 0, 0, 0,
		4, 0, 0, 0,
		5,
		3,
	}
	if !bytes.Equal(b[:], want) {
		t.Errorf("record = % x, want % x", b[:], want)
	}
}

func TestReaderRejectsBadInput(t *testing.T) {
	var hashes bytes.Buffer
	hw, _ := NewHashWriter(&hashes, uuid.New())
	hw.Flush()

	if _, err := NewEdgeReader(bytes.NewReader(hashes.Bytes())); !errors.Is(err, ErrBadMagic) {
		t.Errorf("hash stream as edge stream: err = %v", err)
	}

	future := Header{Magic: EdgeMagic, Version: Version + 1}.encode()
	if _, err := NewEdgeReader(bytes.NewReader(future)); !errors.Is(err, ErrVersion) {
		t.Errorf("future version: err = %v", err)
	}

	if _, err := NewEdgeReader(bytes.NewReader([]byte("CF"))); err == nil {
		t.Error("short header accepted")
	}
}

func TestTruncatedRecord(t *testing.T) {
	var buf bytes.Buffer
	w, _ := NewEdgeWriter(&buf, uuid.New())
	w.WriteEdge(testEdges[0])
	w.Flush()
	buf.Truncate(buf.Len() - 3)

	r, err := NewEdgeReader(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := r.Next(); err != io.ErrUnexpectedEOF {
		t.Errorf("Next on truncated record: err = %v", err)
	}
}

func TestFileSink(t *testing.T) {
	dir := t.TempDir()
	edgePath := filepath.Join(dir, "edges.cfi")
	hashPath := filepath.Join(dir, "hashes.cfi")

	s, err := CreateFiles(edgePath, hashPath, uuid.New())
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range testEdges {
		if err := s.WriteEdge(e); err != nil {
			t.Fatal(err)
		}
	}
	s.WriteHash(0xdeadbeef)
	s.WriteHash(0xcafe)
	if e, h := s.Counts(); e != uint64(len(testEdges)) || h != 2 {
		t.Errorf("Counts = %d, %d", e, h)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close = %v", err)
	}
	if err := s.WriteEdge(testEdges[0]); err == nil {
		t.Error("WriteEdge after Close succeeded")
	}

	ef, err := os.Open(edgePath)
	if err != nil {
		t.Fatal(err)
	}
	defer ef.Close()
	er, err := NewEdgeReader(ef)
	if err != nil {
		t.Fatal(err)
	}
	if er.Header.RunID != s.RunID() {
		t.Error("run id mismatch")
	}
	got, _ := er.ReadAll()
	if !reflect.DeepEqual(got, testEdges) {
		t.Errorf("edges = %v", got)
	}

	hf, err := os.Open(hashPath)
	if err != nil {
		t.Fatal(err)
	}
	defer hf.Close()
	hr, err := NewHashReader(hf)
	if err != nil {
		t.Fatal(err)
	}
	hs, _ := hr.ReadAll()
	if !reflect.DeepEqual(hs, []uint64{0xdeadbeef, 0xcafe}) {
		t.Errorf("hashes = %#x", hs)
	}
}

func TestFileSinkWithoutHashes(t *testing.T) {
	s, err := CreateFiles(filepath.Join(t.TempDir(), "edges.cfi"), "", uuid.New())
	if err != nil {
		t.Fatal(err)
	}
	if err := s.WriteHash(1); err != nil {
		t.Errorf("WriteHash without hash stream = %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestTee(t *testing.T) {
	a, b := NewMemorySink(), NewMemorySink()
	tee := Tee{a, b}
	tee.WriteEdge(testEdges[0])
	tee.WriteHash(7)
	tee.Flush()
	for i, m := range []*MemorySink{a, b} {
		if len(m.Edges()) != 1 || len(m.Hashes()) != 1 || m.Flushes() != 1 {
			t.Errorf("sink %d: %d edges %d hashes %d flushes", i, len(m.Edges()), len(m.Hashes()), m.Flushes())
		}
	}
}

func TestSQLiteSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cfi.db")
	s, err := OpenSQLite(path, uuid.New(), 2)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range testEdges {
		if err := s.WriteEdge(e); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.WriteHash(0xffffffffffffffff); err != nil {
		t.Fatal(err)
	}
	if err := s.Flush(); err != nil {
		t.Fatal(err)
	}

	got, err := LoadEdges(s.DB(), s.RunID())
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, testEdges) {
		t.Errorf("LoadEdges = %v, want %v", got, testEdges)
	}

	var run Run
	if err := s.DB().First(&run, "id = ?", s.RunID()).Error; err != nil {
		t.Fatal(err)
	}
	if run.Edges != int64(len(testEdges)) || run.Hashes != 1 {
		t.Errorf("run = %+v", run)
	}

	var h HashRow
	if err := s.DB().First(&h).Error; err != nil {
		t.Fatal(err)
	}
	if uint64(h.Hash) != 0xffffffffffffffff {
		t.Errorf("hash = %#x", uint64(h.Hash))
	}

	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	db, err := OpenDB(path, 0)
	if err != nil {
		t.Fatal(err)
	}
	runs, err := Runs(db)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 1 || runs[0].ID != s.RunID() {
		t.Errorf("Runs = %+v", runs)
	}
	if _, err := OpenDB("", 0); err == nil {
		t.Error("OpenDB without path succeeded")
	}
}
