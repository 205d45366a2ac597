// Command validate checks the integrity of a partition directory: every line
// must be a JSON object, every record must belong to the day its file is
// named after, and no identity key may appear twice in one file.
//
// Usage:
//
//	go run ./cmd/validate -dir docs/daily_jsonl
package main

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/couchcryptid/festival-events-etl/internal/observability"
	"github.com/couchcryptid/festival-events-etl/internal/partition"
)

func main() {
	dir := flag.String("dir", "docs/daily_jsonl", "partition directory to check")
	verbose := flag.Bool("v", false, "list every partition, not only failing ones")
	flag.Parse()

	os.Exit(validate(os.Stdout, *dir, *verbose))
}

// validate writes a report to w and returns the process exit code.
func validate(w io.Writer, dir string, verbose bool) int {
	if _, err := os.Stat(dir); err != nil {
		fmt.Fprintf(w, "cannot open %s: %v\n", dir, err)
		return 1
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store, err := partition.NewStore(dir, logger, observability.NewMetricsWithRegistry(prometheus.NewRegistry()))
	if err != nil {
		fmt.Fprintf(w, "cannot open %s: %v\n", dir, err)
		return 1
	}
	ids, err := store.List()
	if err != nil {
		fmt.Fprintln(w, err)
		return 1
	}

	fmt.Fprintf(w, "=== Partition Validation: %s ===\n\n", dir)

	var total partition.Report
	failed := 0
	for _, id := range ids {
		rep, err := store.Inspect(id)
		if err != nil {
			fmt.Fprintf(w, "  %-12s ERROR %v\n", id, err)
			failed++
			continue
		}
		total.Lines += rep.Lines
		total.Valid += rep.Valid
		total.Corrupt += rep.Corrupt
		total.Duplicates += rep.Duplicates
		total.Misplaced += rep.Misplaced

		if rep.OK() {
			if verbose {
				fmt.Fprintf(w, "  %-12s PASS  %d records\n", id, rep.Valid)
			}
			continue
		}
		failed++
		fmt.Fprintf(w, "  %-12s FAIL  %d records, %d malformed, %d duplicate, %d misplaced\n",
			id, rep.Valid, rep.Corrupt, rep.Duplicates, rep.Misplaced)
	}

	fmt.Fprintf(w, "\nPartitions: %d, records: %d, malformed: %d, duplicate: %d, misplaced: %d\n",
		len(ids), total.Valid, total.Corrupt, total.Duplicates, total.Misplaced)

	if failed > 0 {
		fmt.Fprintf(w, "\nValidation FAILED (%d partitions).\n", failed)
		return 1
	}
	fmt.Fprintln(w, "\nAll validations passed.")
	return 0
}
