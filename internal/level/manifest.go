package level

import (
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/concordkv/concordkv/internal/kverrors"
)

// manifestFile is the on-disk shape persisted to MANIFEST.yaml,
// yaml.v3-encoded for the same reason internal/config uses it: one
// human-inspectable serialization format across the module rather
// than a second ad hoc one just for this file.
type manifestFile struct {
	IDCounter uint64              `yaml:"id_counter"`
	Files     []manifestFileEntry `yaml:"files"`
}

type manifestFileEntry struct {
	FileID     uint64    `yaml:"file_id"`
	Level      int       `yaml:"level"`
	Path       string    `yaml:"path"`
	MinKey     []byte    `yaml:"min_key"`
	MaxKey     []byte    `yaml:"max_key"`
	EntryCount int       `yaml:"entry_count"`
	ByteSize   int64     `yaml:"byte_size"`
	CreatedAt  time.Time `yaml:"created_at"`
}

// Persist writes the manifest atomically: encode to a temp file in
// the same directory, fsync, then rename over the existing manifest —
// the same create-new/close-old/rename sequence as the teacher's
// FileRotator.Rotate (pkg/wal/fileutil.go), generalized from WAL
// segment rotation to level-metadata persistence.
func (m *Manager) Persist(path string) error {
	m.mu.RLock()
	mf := manifestFile{IDCounter: m.idCounter}
	for _, files := range m.levels {
		for _, f := range files {
			mf.Files = append(mf.Files, manifestFileEntry{
				FileID: f.FileID, Level: f.Level, Path: f.Path,
				MinKey: f.MinKey, MaxKey: f.MaxKey,
				EntryCount: f.EntryCount, ByteSize: f.ByteSize, CreatedAt: f.CreatedAt,
			})
		}
	}
	m.mu.RUnlock()

	data, err := yaml.Marshal(mf)
	if err != nil {
		return kverrors.Wrap("Persist", kverrors.System, "marshal manifest", err)
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return kverrors.Wrap("Persist", kverrors.File, "write manifest temp file", err)
	}
	f, err := os.Open(tmpPath)
	if err == nil {
		_ = f.Sync()
		_ = f.Close()
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return kverrors.Wrap("Persist", kverrors.File, "rename manifest into place", err)
	}
	return nil
}

// Load builds a new Manager from the manifest at path. A
// missing manifest is not an error: it means a fresh engine with no
// levels yet.
func Load(path string) (*Manager, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return New(), nil
	}
	if err != nil {
		return nil, kverrors.Wrap("Load", kverrors.File, "read manifest", err)
	}

	var mf manifestFile
	if err := yaml.Unmarshal(data, &mf); err != nil {
		return nil, kverrors.Wrap("Load", kverrors.Corrupted, "parse manifest", err)
	}

	m := New()
	m.idCounter = mf.IDCounter
	for _, f := range mf.Files {
		m.Add(FileMeta{
			FileID: f.FileID, Level: f.Level, Path: f.Path,
			MinKey: f.MinKey, MaxKey: f.MaxKey,
			EntryCount: f.EntryCount, ByteSize: f.ByteSize, CreatedAt: f.CreatedAt,
		})
	}
	return m, nil
}

// DefaultManifestPath returns the conventional manifest location
// under a data directory.
func DefaultManifestPath(dataDir string) string {
	return filepath.Join(dataDir, "MANIFEST.yaml")
}
