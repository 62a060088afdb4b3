// Package artifact persists synthesized speech as timestamped WAV files in a
// single output directory. Files are never overwritten or removed.
package artifact

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"voicecloner/internal/pkg/voicecloner/errs"
)

const (
	timeLayout = "20060102_150405"
	ext        = ".wav"
	tmpPrefix  = ".tmp-"
	// maxSuffix bounds the search for a free name within one second.
	maxSuffix = 10000
)

type Artifact struct {
	Name      string    `json:"name"`
	Path      string    `json:"path"`
	CreatedAt time.Time `json:"created_at"`
	Size      int64     `json:"size"`
}

type Store struct {
	dir  string
	now  func() time.Time
	link func(oldname, newname string) error
	// noLinks latches once the directory has refused a hard link.
	noLinks atomic.Bool
}

// New creates dir if needed.
func New(dir string) (*Store, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errs.Ef(errs.KindPersistenceError, "artifact", "output directory is empty")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, errs.E(errs.KindPersistenceError, "artifact", fmt.Errorf("create output directory: %w", err))
	}
	return &Store{dir: dir, now: time.Now, link: os.Link}, nil
}

func (s *Store) Dir() string {
	return s.dir
}

// Save writes data under the first free name for the current second. The
// file appears complete or not at all.
func (s *Store) Save(data []byte) (*Artifact, error) {
	const op = "artifact.save"

	if len(data) == 0 {
		return nil, errs.Ef(errs.KindPersistenceError, op, "refusing to persist empty audio")
	}

	tmp, err := os.CreateTemp(s.dir, tmpPrefix+"*"+ext)
	if err != nil {
		return nil, errs.E(errs.KindPersistenceError, op, fmt.Errorf("create temporary file: %w", err))
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return nil, errs.E(errs.KindPersistenceError, op, fmt.Errorf("write %s: %w", tmpPath, err))
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return nil, errs.E(errs.KindPersistenceError, op, fmt.Errorf("sync %s: %w", tmpPath, err))
	}
	if err := tmp.Close(); err != nil {
		return nil, errs.E(errs.KindPersistenceError, op, fmt.Errorf("close %s: %w", tmpPath, err))
	}

	created := s.now()
	base := created.Format(timeLayout)
	for i := 0; i < maxSuffix; i++ {
		name := base + ext
		if i > 0 {
			name = base + "_" + strconv.Itoa(i) + ext
		}
		path := filepath.Join(s.dir, name)

		err := s.publish(tmpPath, path)
		if err == nil {
			return &Artifact{Name: name, Path: path, CreatedAt: created, Size: int64(len(data))}, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return nil, errs.E(errs.KindPersistenceError, op, fmt.Errorf("publish %s: %w", name, err))
		}
	}
	return nil, errs.Ef(errs.KindPersistenceError, op, "no free file name for %s", base)
}

// publish gives tmp the name path, failing with fs.ErrExist instead of
// replacing an artifact. A hard link does that atomically. On filesystems
// without hard links the name is reserved with O_EXCL and tmp is renamed
// over the reservation.
func (s *Store) publish(tmp, path string) error {
	if !s.noLinks.Load() {
		err := s.link(tmp, path)
		if err == nil || errors.Is(err, fs.ErrExist) {
			return err
		}
		log.Warn().Err(err).Str("dir", s.dir).Msg("Hard links unavailable in output directory, reserving names instead")
		s.noLinks.Store(true)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(path)
		return err
	}
	return nil
}

// List returns the stored artifacts, newest first.
func (s *Store) List() ([]Artifact, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, errs.E(errs.KindPersistenceError, "artifact.list", fmt.Errorf("read output directory: %w", err))
	}

	out := make([]Artifact, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		created, ok := parseName(name)
		if !ok || !e.Type().IsRegular() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, Artifact{
			Name:      name,
			Path:      filepath.Join(s.dir, name),
			CreatedAt: created,
			Size:      info.Size(),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return suffix(out[i].Name) > suffix(out[j].Name)
	})
	return out, nil
}

// Open opens a stored artifact by name. Names that do not look like an
// artifact, including anything with a path separator, are rejected.
func (s *Store) Open(name string) (*os.File, error) {
	if _, ok := parseName(name); !ok || filepath.Base(name) != name {
		return nil, fs.ErrNotExist
	}
	return os.Open(filepath.Join(s.dir, name))
}

// parseName reports whether name is an artifact file name and returns its
// timestamp in local time.
func parseName(name string) (time.Time, bool) {
	if !strings.HasSuffix(name, ext) || strings.HasPrefix(name, tmpPrefix) {
		return time.Time{}, false
	}
	stem := strings.TrimSuffix(name, ext)
	if len(stem) < len(timeLayout) {
		return time.Time{}, false
	}
	if rest := stem[len(timeLayout):]; rest != "" {
		n, err := strconv.Atoi(strings.TrimPrefix(rest, "_"))
		if !strings.HasPrefix(rest, "_") || err != nil || n < 1 {
			return time.Time{}, false
		}
	}
	t, err := time.ParseInLocation(timeLayout, stem[:len(timeLayout)], time.Local)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

func suffix(name string) int {
	stem := strings.TrimSuffix(name, ext)
	if len(stem) <= len(timeLayout) {
		return 0
	}
	n, _ := strconv.Atoi(stem[len(timeLayout)+1:])
	return n
}
