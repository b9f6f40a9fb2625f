package jobs

import (
	"encoding/json"
	"os"
	"sync"

	"github.com/LeeDigitalWorks/zapscribe/pkg/types"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// History keeps terminal job snapshots beyond the life of the process.
type History interface {
	Put(job types.TranscriptionJob) error
	// Get returns ErrNotFound for unknown jobs.
	Get(jobID string) (types.TranscriptionJob, error)
	Delete(jobID string) error
	Iterate(fn func(job types.TranscriptionJob) error) error
	Close() error
}

const historyPrefix = "job/"

func historyKey(jobID string) []byte {
	return []byte(historyPrefix + jobID)
}

// LevelDBHistory stores job snapshots as JSON in a LevelDB database.
type LevelDBHistory struct {
	db    *leveldb.DB
	dbDir string

	writeOpts *opt.WriteOptions
}

// OpenLevelDBHistory opens or creates the database in dbDir, recovering it if
// the manifest is corrupted.
func OpenLevelDBHistory(dbDir string) (*LevelDBHistory, error) {
	if err := os.MkdirAll(dbDir, 0o755); err != nil {
		return nil, err
	}
	db, err := leveldb.OpenFile(dbDir, nil)
	if errors.IsCorrupted(err) {
		db, err = leveldb.RecoverFile(dbDir, nil)
	}
	if err != nil {
		return nil, err
	}
	return &LevelDBHistory{
		db:        db,
		dbDir:     dbDir,
		writeOpts: &opt.WriteOptions{Sync: true},
	}, nil
}

func (h *LevelDBHistory) Put(job types.TranscriptionJob) error {
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return h.db.Put(historyKey(job.JobID), data, h.writeOpts)
}

func (h *LevelDBHistory) Get(jobID string) (types.TranscriptionJob, error) {
	var job types.TranscriptionJob
	data, err := h.db.Get(historyKey(jobID), nil)
	if err == leveldb.ErrNotFound {
		return job, ErrNotFound
	}
	if err != nil {
		return job, err
	}
	err = json.Unmarshal(data, &job)
	return job, err
}

func (h *LevelDBHistory) Delete(jobID string) error {
	return h.db.Delete(historyKey(jobID), h.writeOpts)
}

func (h *LevelDBHistory) Iterate(fn func(job types.TranscriptionJob) error) error {
	iter := h.db.NewIterator(util.BytesPrefix([]byte(historyPrefix)), nil)
	defer iter.Release()

	for iter.Next() {
		var job types.TranscriptionJob
		if err := json.Unmarshal(iter.Value(), &job); err != nil {
			return err
		}
		if err := fn(job); err != nil {
			return err
		}
	}
	return iter.Error()
}

func (h *LevelDBHistory) Close() error {
	return h.db.Close()
}

// MemoryHistory is an in-memory History for tests and single-run setups.
type MemoryHistory struct {
	mu   sync.RWMutex
	jobs map[string]types.TranscriptionJob
}

func NewMemoryHistory() *MemoryHistory {
	return &MemoryHistory{jobs: make(map[string]types.TranscriptionJob)}
}

func (m *MemoryHistory) Put(job types.TranscriptionJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[job.JobID] = job
	return nil
}

func (m *MemoryHistory) Get(jobID string) (types.TranscriptionJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return job, ErrNotFound
	}
	return job, nil
}

func (m *MemoryHistory) Delete(jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.jobs, jobID)
	return nil
}

func (m *MemoryHistory) Iterate(fn func(job types.TranscriptionJob) error) error {
	m.mu.RLock()
	jobs := make([]types.TranscriptionJob, 0, len(m.jobs))
	for _, j := range m.jobs {
		jobs = append(jobs, j)
	}
	m.mu.RUnlock()

	for _, j := range jobs {
		if err := fn(j); err != nil {
			return err
		}
	}
	return nil
}

func (m *MemoryHistory) Close() error {
	return nil
}
