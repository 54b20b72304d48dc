package state

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"github.com/flitsinc/otomanus/internal/idgen"
	"github.com/flitsinc/otomanus/internal/logging"
	"github.com/flitsinc/otomanus/internal/session"
)

const (
	recordExt = ".json"
	tmpMarker = ".tmp-"
)

// FileStore keeps one JSON document per session under dir.
type FileStore struct {
	fs  afero.Fs
	dir string
	log zerolog.Logger
}

func NewFileStore(fs afero.Fs, dir string) (*FileStore, error) {
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create sessions dir: %w", err)
	}
	return &FileStore{fs: fs, dir: dir, log: logging.For("state.file")}, nil
}

// NewOSFileStore is NewFileStore on the real filesystem.
func NewOSFileStore(dir string) (*FileStore, error) {
	return NewFileStore(afero.NewOsFs(), dir)
}

func (s *FileStore) recordPath(id string) string {
	return filepath.Join(s.dir, id+recordExt)
}

// Save writes to a temp file and renames it over the record so a crash
// mid-write never leaves a truncated document.
func (s *FileStore) Save(ctx context.Context, sess *session.Session) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := idgen.Validate(sess.ID); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	data, err := session.Marshal(sess)
	if err != nil {
		return err
	}

	target := s.recordPath(sess.ID)
	tmp := target + tmpMarker + idgen.NewULID()
	if err := afero.WriteFile(s.fs, tmp, data, 0o644); err != nil {
		_ = s.fs.Remove(tmp)
		return fmt.Errorf("write session %s: %w", sess.ID, err)
	}
	if err := s.fs.Rename(tmp, target); err != nil {
		_ = s.fs.Remove(tmp)
		return fmt.Errorf("replace session %s: %w", sess.ID, err)
	}
	return nil
}

func (s *FileStore) LoadAll(ctx context.Context) ([]*session.Session, error) {
	entries, err := afero.ReadDir(s.fs, s.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("list sessions dir: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	var out []*session.Session
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		name := entry.Name()
		if entry.IsDir() {
			continue
		}
		full := filepath.Join(s.dir, name)
		if strings.Contains(name, tmpMarker) {
			// Leftover from an interrupted Save.
			_ = s.fs.Remove(full)
			continue
		}
		if !strings.HasSuffix(name, recordExt) {
			continue
		}
		sess, err := s.readRecord(full, strings.TrimSuffix(name, recordExt))
		if err != nil {
			corrupt := &CorruptRecordError{Source: full, Err: err}
			s.log.Warn().Err(corrupt).Str("path", full).Msg("skipping corrupt session record")
			continue
		}
		out = append(out, sess)
	}
	return out, nil
}

func (s *FileStore) readRecord(full, id string) (*session.Session, error) {
	data, err := afero.ReadFile(s.fs, full)
	if err != nil {
		return nil, err
	}
	sess, err := session.Unmarshal(data)
	if err != nil {
		return nil, err
	}
	if sess.ID != id {
		return nil, fmt.Errorf("record id %q does not match file name", sess.ID)
	}
	return sess, nil
}

func (s *FileStore) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := idgen.Validate(id); err != nil {
		return nil
	}
	if err := s.fs.Remove(s.recordPath(id)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	return nil
}

func (s *FileStore) Close() error { return nil }
