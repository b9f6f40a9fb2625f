package chunkstore

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/LeeDigitalWorks/zapscribe/pkg/utils"
)

// manifest records what the client declared about an upload so Combine can
// verify the assembled size. It lives next to the chunks and goes away with them.
type manifest struct {
	UploadID    string    `json:"uploadId"`
	FileName    string    `json:"fileName,omitempty"`
	FileSize    int64     `json:"fileSize,omitempty"`
	TotalChunks int       `json:"totalChunks"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

func (s *Store) manifestPath(uploadID string) string {
	return filepath.Join(s.uploadDir(uploadID), manifestName)
}

func (s *Store) readManifest(uploadID string) (manifest, error) {
	var m manifest
	data, err := os.ReadFile(s.manifestPath(uploadID))
	if err != nil {
		return m, err
	}
	err = json.Unmarshal(data, &m)
	return m, err
}

// recordManifest merges the non-zero fields of update into the stored
// manifest. Caller holds the upload lock.
func (s *Store) recordManifest(uploadID string, update manifest) error {
	m, err := s.readManifest(uploadID)
	if err != nil {
		m = manifest{UploadID: uploadID, CreatedAt: time.Now().UTC()}
	}
	changed := err != nil
	if update.FileName != "" && update.FileName != m.FileName {
		m.FileName = update.FileName
		changed = true
	}
	if update.FileSize > 0 && update.FileSize != m.FileSize {
		m.FileSize = update.FileSize
		changed = true
	}
	if update.TotalChunks > 0 && update.TotalChunks != m.TotalChunks {
		m.TotalChunks = update.TotalChunks
		changed = true
	}
	if !changed {
		return nil
	}
	m.UpdatedAt = time.Now().UTC()

	dir := s.uploadDir(uploadID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}

	f, err := os.CreateTemp(dir, ".manifest-*.tmp")
	if err != nil {
		return err
	}
	tmp := f.Name()
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := utils.Fdatasync(f); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, s.manifestPath(uploadID))
}
