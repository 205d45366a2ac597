package partition

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/couchcryptid/festival-events-etl/internal/domain"
)

// Report summarizes the health of one partition file.
type Report struct {
	ID         string
	Lines      int // non-blank lines
	Valid      int
	Corrupt    int
	Duplicates int // lines whose identity key already appeared earlier
	Misplaced  int // valid records whose startDate day differs from the partition
}

// OK reports whether the file has no problems.
func (r Report) OK() bool {
	return r.Corrupt == 0 && r.Duplicates == 0 && r.Misplaced == 0
}

// Inspect scans a partition file without modifying it.
func (s *Store) Inspect(id string) (Report, error) {
	rep := Report{ID: id}
	if !ValidID(id) {
		return rep, fmt.Errorf("%w: %q", ErrInvalidID, id)
	}

	f, err := os.Open(s.Path(id))
	if err != nil {
		return rep, fmt.Errorf("open partition %s: %w", id, err)
	}
	defer f.Close()

	seen := make(map[string]struct{})
	r := bufio.NewReader(f)
	for {
		line, readErr := r.ReadBytes('\n')
		if readErr != nil && !errors.Is(readErr, io.EOF) {
			return rep, fmt.Errorf("read partition %s: %w", id, readErr)
		}
		if line = bytes.TrimSpace(line); len(line) > 0 {
			rep.Lines++
			rec, err := domain.DecodeRecord(line)
			if err != nil {
				rep.Corrupt++
			} else {
				rep.Valid++
				key := domain.IdentityKey(rec)
				if _, dup := seen[key]; dup {
					rep.Duplicates++
				}
				seen[key] = struct{}{}
				if day, ok := domain.PartitionID(rec); !ok || day != id {
					rep.Misplaced++
				}
			}
		}
		if readErr != nil {
			break
		}
	}
	return rep, nil
}
