package partition

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/couchcryptid/festival-events-etl/internal/domain"
	"github.com/couchcryptid/festival-events-etl/internal/observability"
)

const (
	// FileExt is the extension of partition files.
	FileExt = ".jsonl"

	lockFileName = ".lock"
	filePerm     = 0o644
	dirPerm      = 0o755
)

// ErrInvalidID is returned for partition ids that are not YYYY-MM-DD dates.
var ErrInvalidID = errors.New("invalid partition id")

// Store persists partitions as newline-delimited JSON files, one per day,
// inside a single directory.
//
// Concurrency contract: callers that read, modify and save a partition must
// hold the lock returned by Lock for the whole sequence. The lock serializes
// goroutines in this process and, on unix, other processes sharing the
// directory. Load and Save do not take the lock themselves.
type Store struct {
	dir     string
	logger  *slog.Logger
	metrics *observability.Metrics
	mu      sync.Mutex
}

// NewStore opens (creating if needed) the partition directory.
func NewStore(dir string, logger *slog.Logger, metrics *observability.Metrics) (*Store, error) {
	if dir == "" {
		return nil, errors.New("partition directory is required")
	}
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return nil, fmt.Errorf("create partition directory: %w", err)
	}
	return &Store{dir: dir, logger: logger, metrics: metrics}, nil
}

// Dir returns the directory holding the partition files.
func (s *Store) Dir() string { return s.dir }

// Path returns the file path of a partition.
func (s *Store) Path(id string) string {
	return filepath.Join(s.dir, id+FileExt)
}

// ValidID reports whether id is a calendar day in YYYY-MM-DD form.
func ValidID(id string) bool {
	if len(id) != len(time.DateOnly) {
		return false
	}
	_, err := time.Parse(time.DateOnly, id)
	return err == nil
}

// Lock acquires exclusive access to the store. The returned function releases it.
func (s *Store) Lock() (func(), error) {
	s.mu.Lock()

	f, err := os.OpenFile(filepath.Join(s.dir, lockFileName), os.O_CREATE|os.O_RDWR, filePerm)
	if err != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	if err := lockFile(f); err != nil {
		_ = f.Close()
		s.mu.Unlock()
		return nil, fmt.Errorf("lock %s: %w", s.dir, err)
	}

	return func() {
		_ = unlockFile(f)
		_ = f.Close()
		s.mu.Unlock()
	}, nil
}

// Load reads a partition. A missing file yields an empty partition. Lines
// that fail to parse are skipped and counted in Partition.Corrupt; a later
// line with the same identity key replaces an earlier one.
func (s *Store) Load(id string) (*Partition, error) {
	if !ValidID(id) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidID, id)
	}

	p := New(id)
	f, err := os.Open(s.Path(id))
	if errors.Is(err, fs.ErrNotExist) {
		return p, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open partition %s: %w", id, err)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	for lineNo := 1; ; lineNo++ {
		line, readErr := r.ReadBytes('\n')
		if readErr != nil && !errors.Is(readErr, io.EOF) {
			return nil, fmt.Errorf("read partition %s: %w", id, readErr)
		}
		if line = bytes.TrimSpace(line); len(line) > 0 {
			s.loadLine(p, lineNo, line)
		}
		if readErr != nil {
			break
		}
	}
	return p, nil
}

func (s *Store) loadLine(p *Partition, lineNo int, line []byte) {
	rec, err := domain.DecodeRecord(line)
	if err == nil {
		var fp string
		if fp, err = domain.Fingerprint(rec); err == nil {
			p.Put(Entry{Key: domain.IdentityKey(rec), Record: rec, Fingerprint: fp})
			return
		}
	}

	p.Corrupt++
	s.metrics.CorruptLines.Inc()
	s.logger.Warn("skipping malformed partition line",
		"partition", p.ID,
		"line", lineNo,
		"error", err,
	)
}

// Save replaces the partition file with one line per entry. The content is
// written to a temporary file in the same directory and renamed over the
// old file, so a crash leaves either the previous or the new version.
func (s *Store) Save(p *Partition) (err error) {
	if !ValidID(p.ID) {
		return fmt.Errorf("%w: %q", ErrInvalidID, p.ID)
	}

	tmp, err := os.CreateTemp(s.dir, "."+p.ID+FileExt+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp partition: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()

	w := bufio.NewWriter(tmp)
	for _, e := range p.entries {
		line, err := e.Record.Marshal()
		if err != nil {
			return fmt.Errorf("serialize record %s: %w", e.Key, err)
		}
		_, _ = w.Write(line)
		_ = w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("write partition %s: %w", p.ID, err)
	}
	if err := tmp.Chmod(filePerm); err != nil {
		return fmt.Errorf("chmod partition %s: %w", p.ID, err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("sync partition %s: %w", p.ID, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close partition %s: %w", p.ID, err)
	}
	if err := os.Rename(tmp.Name(), s.Path(p.ID)); err != nil {
		return fmt.Errorf("replace partition %s: %w", p.ID, err)
	}

	s.metrics.PartitionWrites.Inc()
	s.logger.Debug("partition written", "partition", p.ID, "records", p.Len())
	return nil
}

// List returns the ids of all partitions present on disk, oldest day first.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("list partitions: %w", err)
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		id, ok := strings.CutSuffix(e.Name(), FileExt)
		if ok && ValidID(id) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}
