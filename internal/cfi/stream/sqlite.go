package stream

import (
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/kolkov/cfiwatch/internal/cfi/edge"
)

// DefaultBatchSize is the number of rows buffered before an insert.
const DefaultBatchSize = 500

// Run is one observed process run.
type Run struct {
	ID        string `gorm:"primaryKey"`
	StartedAt time.Time
	Edges     int64
	Hashes    int64
}

// EdgeRow is an edge record. Addresses are stored as their int64 bit
// pattern: sqlite integers are signed and syscall nodes use the top bit.
type EdgeRow struct {
	ID          uint   `gorm:"primaryKey"`
	RunID       string `gorm:"index"`
	Seq         uint64
	FromAddr    int64 `gorm:"index"`
	ToAddr      int64 `gorm:"index"`
	FromModule  uint32
	ToModule    uint32
	ExitOrdinal uint8
	Type        string
}

// HashRow is a hash stream record.
type HashRow struct {
	ID    uint   `gorm:"primaryKey"`
	RunID string `gorm:"index"`
	Seq   uint64
	Hash  int64
}

// SQLiteSink stores both streams in a sqlite database, one Run per sink.
type SQLiteSink struct {
	mu        sync.Mutex
	db        *gorm.DB
	run       Run
	batchSize int
	edges     []EdgeRow
	hashes    []HashRow
	edgeSeq   uint64
	hashSeq   uint64
	closed    bool
}

// OpenDB opens (creating if needed) the database at path and migrates the schema.
func OpenDB(path string, batchSize int) (*gorm.DB, error) {
	if path == "" {
		return nil, errors.New("'path' is required")
	}
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		CreateBatchSize:        batchSize,
		SkipDefaultTransaction: true,
		TranslateError:         true,
		Logger:                 logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect sqlite database")
	}
	if err := db.AutoMigrate(&Run{}, &EdgeRow{}, &HashRow{}); err != nil {
		return nil, errors.Wrap(err, "failed to migrate sqlite database")
	}
	return db, nil
}

// OpenSQLite opens the database at path and registers a new run.
func OpenSQLite(path string, runID uuid.UUID, batchSize int) (*SQLiteSink, error) {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	db, err := OpenDB(path, batchSize)
	if err != nil {
		return nil, err
	}
	run := Run{ID: runID.String(), StartedAt: time.Now()}
	if err := db.Create(&run).Error; err != nil {
		return nil, errors.Wrapf(err, "failed to register run %s", run.ID)
	}
	return &SQLiteSink{db: db, run: run, batchSize: batchSize}, nil
}

// Runs lists the runs stored in db, newest first.
func Runs(db *gorm.DB) ([]Run, error) {
	var runs []Run
	if err := db.Order("started_at desc").Find(&runs).Error; err != nil {
		return nil, errors.Wrap(err, "failed to list runs")
	}
	return runs, nil
}

// WriteEdge implements Sink.
func (s *SQLiteSink) WriteEdge(e edge.GraphEdge) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.edgeSeq++
	s.edges = append(s.edges, EdgeRow{
		RunID:       s.run.ID,
		Seq:         s.edgeSeq,
		FromAddr:    int64(e.From),
		ToAddr:      int64(e.To),
		FromModule:  e.FromModule,
		ToModule:    e.ToModule,
		ExitOrdinal: e.ExitOrdinal,
		Type:        e.Type.String(),
	})
	if len(s.edges) >= s.batchSize {
		return s.flush()
	}
	return nil
}

// WriteHash implements Sink.
func (s *SQLiteSink) WriteHash(h uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hashSeq++
	s.hashes = append(s.hashes, HashRow{RunID: s.run.ID, Seq: s.hashSeq, Hash: int64(h)})
	if len(s.hashes) >= s.batchSize {
		return s.flush()
	}
	return nil
}

// Flush implements Sink.
func (s *SQLiteSink) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flush()
}

func (s *SQLiteSink) flush() error {
	if s.closed {
		return nil
	}
	if len(s.edges) > 0 {
		if err := s.db.CreateInBatches(s.edges, s.batchSize).Error; err != nil {
			return errors.Wrap(err, "failed to insert edges")
		}
		s.edges = s.edges[:0]
	}
	if len(s.hashes) > 0 {
		if err := s.db.CreateInBatches(s.hashes, s.batchSize).Error; err != nil {
			return errors.Wrap(err, "failed to insert hashes")
		}
		s.hashes = s.hashes[:0]
	}
	return s.db.Model(&Run{}).Where("id = ?", s.run.ID).Updates(map[string]any{
		"edges":  int64(s.edgeSeq),
		"hashes": int64(s.hashSeq),
	}).Error
}

// Close flushes and closes the database.
func (s *SQLiteSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	err := s.flush()
	s.closed = true
	sqlDB, dberr := s.db.DB()
	if dberr != nil {
		return dberr
	}
	if cerr := sqlDB.Close(); err == nil {
		err = cerr
	}
	return err
}

// LoadEdges returns the edges stored for a run, in write order.
func LoadEdges(db *gorm.DB, runID string) ([]edge.GraphEdge, error) {
	var rows []EdgeRow
	if err := db.Where("run_id = ?", runID).Order("seq").Find(&rows).Error; err != nil {
		return nil, errors.Wrapf(err, "failed to load edges of run %s", runID)
	}
	out := make([]edge.GraphEdge, 0, len(rows))
	for _, r := range rows {
		typ, err := edge.ParseType(r.Type)
		if err != nil {
			return nil, err
		}
		out = append(out, edge.GraphEdge{
			From:        uint64(r.FromAddr),
			To:          uint64(r.ToAddr),
			ExitOrdinal: r.ExitOrdinal,
			Type:        typ,
			FromModule:  r.FromModule,
			ToModule:    r.ToModule,
		})
	}
	return out, nil
}

// DB exposes the underlying connection for queries.
func (s *SQLiteSink) DB() *gorm.DB {
	return s.db
}

// RunID returns the run this sink writes.
func (s *SQLiteSink) RunID() string {
	return s.run.ID
}
