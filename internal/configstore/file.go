package configstore

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"
)

const (
	fieldSeparator = ';'
	recordFields   = 3

	defaultFileMode os.FileMode = 0o644
)

// FileStore keeps devices in a ";"-separated file: name;address;location per
// line, no header.
type FileStore struct {
	path string
	log  zerolog.Logger

	// serialises writers so two saves cannot interleave their renames
	mu sync.Mutex
}

func NewFileStore(path string, log zerolog.Logger) *FileStore {
	return &FileStore{path: path, log: log}
}

func (s *FileStore) Path() string { return s.path }

// Ping reports whether the directory holding the list is reachable.
func (s *FileStore) Ping(ctx context.Context) error {
	if _, err := os.Stat(filepath.Dir(s.path)); err != nil {
		return fmt.Errorf("device list directory: %w", err)
	}
	return nil
}

func (s *FileStore) Load(ctx context.Context) ([]Record, error) {
	f, err := os.Open(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("open device list: %w", err)
	}
	defer f.Close()

	return s.parse(ctx, f)
}

func (s *FileStore) parse(ctx context.Context, r io.Reader) ([]Record, error) {
	cr := csv.NewReader(r)
	cr.Comma = fieldSeparator
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true

	var out []Record
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var perr *csv.ParseError
			if errors.As(err, &perr) {
				s.log.Debug().Err(err).Str("path", s.path).Msg("skipping unparsable device record")
				continue
			}
			return nil, fmt.Errorf("read device list: %w", err)
		}
		if len(row) != recordFields {
			line, _ := cr.FieldPos(0)
			s.log.Debug().
				Str("path", s.path).
				Int("line", line).
				Int("fields", len(row)).
				Msg("skipping malformed device record")
			continue
		}
		out = append(out, Record{Name: row[0], Address: row[1], Location: row[2]})
	}
	return out, nil
}

// Save writes the list to a temp file next to the target and renames it into
// place, so readers see either the old or the new list.
func (s *FileStore) Save(ctx context.Context, records []Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp device list: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		if tmpName != "" {
			_ = os.Remove(tmpName)
		}
	}()

	w := csv.NewWriter(tmp)
	w.Comma = fieldSeparator
	for _, rec := range records {
		if err := w.Write([]string{rec.Name, rec.Address, rec.Location}); err != nil {
			_ = tmp.Close()
			return fmt.Errorf("write device list: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write device list: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync device list: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close device list: %w", err)
	}
	// CreateTemp uses 0600; the list keeps its existing mode across saves
	if err := os.Chmod(tmpName, s.fileMode()); err != nil {
		return fmt.Errorf("chmod device list: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("replace device list: %w", err)
	}
	tmpName = ""
	return nil
}

func (s *FileStore) fileMode() os.FileMode {
	if fi, err := os.Stat(s.path); err == nil {
		return fi.Mode().Perm()
	}
	return defaultFileMode
}
