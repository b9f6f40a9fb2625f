package upload

import (
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/LeeDigitalWorks/zapscribe/pkg/types"
)

// Session is the observable state of one upload. The controller loop is the
// only writer; any goroutine may take snapshots.
type Session struct {
	mu sync.RWMutex

	uploadID    string
	fileName    string
	fileSize    int64
	chunkSize   int64
	totalChunks int
	status      types.UploadStatus
	uploaded    map[int]struct{}
	retries     map[int]int

	bytesSent   int64
	bytesPerSec float64
	eta         time.Duration
	lastErr     string
	assembled   string
}

func newSession(uploadID, fileName string, fileSize, chunkSize int64) *Session {
	return &Session{
		uploadID:    uploadID,
		fileName:    fileName,
		fileSize:    fileSize,
		chunkSize:   chunkSize,
		totalChunks: types.TotalChunks(fileSize, chunkSize),
		status:      types.UploadIdle,
		uploaded:    make(map[int]struct{}),
		retries:     make(map[int]int),
	}
}

// Snapshot returns a copy of the session.
func (s *Session) Snapshot() types.UploadSession {
	s.mu.RLock()
	defer s.mu.RUnlock()

	uploaded := slices.Sorted(maps.Keys(s.uploaded))
	if uploaded == nil {
		uploaded = []int{}
	}
	var retries map[int]int
	if len(s.retries) > 0 {
		retries = maps.Clone(s.retries)
	}
	return types.UploadSession{
		UploadID:       s.uploadID,
		FileName:       s.fileName,
		FileSize:       s.fileSize,
		ChunkSize:      s.chunkSize,
		TotalChunks:    s.totalChunks,
		Status:         s.status,
		UploadedChunks: uploaded,
		RetryCount:     retries,
		BytesSent:      s.bytesSent,
		BytesPerSec:    s.bytesPerSec,
		ETA:            s.eta,
		LastError:      s.lastErr,
		AssembledPath:  s.assembled,
	}
}

// Status returns the current status.
func (s *Session) Status() types.UploadStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

func (s *Session) setStatus(st types.UploadStatus) {
	s.mu.Lock()
	s.status = st
	if st != types.UploadFailed {
		s.lastErr = ""
	}
	s.mu.Unlock()
}

func (s *Session) fail(err error) {
	s.mu.Lock()
	s.status = types.UploadFailed
	s.lastErr = err.Error()
	s.mu.Unlock()
}

// markExisting records chunks the server reported, ignoring numbers out of range.
func (s *Session) markExisting(numbers []int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, n := range numbers {
		if n >= 0 && n < s.totalChunks {
			s.uploaded[n] = struct{}{}
		}
	}
}

func (s *Session) markUploaded(n int, size int64) {
	s.mu.Lock()
	s.uploaded[n] = struct{}{}
	s.bytesSent += size
	s.mu.Unlock()
}

func (s *Session) incRetry(n int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retries[n]++
	return s.retries[n]
}

// confirmedBytes is the size of every chunk the server has.
func (s *Session) confirmedBytes() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var total int64
	for n := range s.uploaded {
		_, length := types.ChunkRange(n, s.fileSize, s.chunkSize)
		total += length
	}
	return total
}

func (s *Session) setRate(bytesPerSec float64, eta time.Duration) {
	s.mu.Lock()
	s.bytesPerSec = bytesPerSec
	s.eta = eta
	s.mu.Unlock()
}

func (s *Session) setAssembled(path string) {
	s.mu.Lock()
	s.assembled = path
	s.mu.Unlock()
}

// pending returns the chunk numbers still to send, ascending.
func (s *Session) pending() []int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]int, 0, s.totalChunks-len(s.uploaded))
	for n := 0; n < s.totalChunks; n++ {
		if _, ok := s.uploaded[n]; !ok {
			out = append(out, n)
		}
	}
	return out
}

// forget drops chunks the server no longer has.
func (s *Session) forget(numbers []int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, n := range numbers {
		delete(s.uploaded, n)
	}
}
