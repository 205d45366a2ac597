package pipeline

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/couchcryptid/festival-events-etl/internal/domain"
	"github.com/couchcryptid/festival-events-etl/internal/observability"
	"github.com/couchcryptid/festival-events-etl/internal/reconcile"
)

const (
	defaultProgressEvery = 500
	defaultBatchSize     = 50
)

// Feed resolves and streams the open-data resource.
type Feed interface {
	LatestResourceURL(ctx context.Context) (string, error)
	StreamResource(ctx context.Context, url string) (iter.Seq[domain.RawItem], error)
}

// Item is a transformed feed item. A nil Record means the item was
// intentionally filtered out.
type Item struct {
	Record domain.Record
	// GeoUnresolved is set when the coordinate lookup failed, so a null
	// location.geo must not replace stored coordinates.
	GeoUnresolved bool
}

// Transformer converts a raw feed item into a record.
type Transformer interface {
	Transform(ctx context.Context, raw domain.RawItem) (Item, error)
}

// RecordReconciler merges one record into persisted state.
type RecordReconciler interface {
	ReconcileDetail(ctx context.Context, rec domain.Record, opts ...reconcile.Option) (reconcile.Decision, error)
}

// ChangePublisher forwards inserted and updated records downstream.
type ChangePublisher interface {
	PublishChanges(ctx context.Context, changes []domain.Change) error
}

// PartitionMirror copies a changed partition somewhere else after the run.
type PartitionMirror interface {
	Mirror(ctx context.Context, partitionID string) error
}

// Options tune a Driver. Zero values select defaults; Publisher and Mirror
// are optional.
type Options struct {
	ProgressEvery int
	BatchSize     int
	Publisher     ChangePublisher
	Mirror        PartitionMirror
	Clock         clockwork.Clock
}

// Status is the per-item result of a run.
type Status int

const (
	StatusSucceeded Status = iota
	StatusSkipped
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusSucceeded:
		return "succeeded"
	case StatusSkipped:
		return "skipped"
	default:
		return "failed"
	}
}

// Result records what happened to one feed item.
type Result struct {
	Index     int
	Status    Status
	Outcome   reconcile.Outcome
	Partition string
	Key       string
	Err       error
}

// Summary is the outcome of one run. Written counts successfully reconciled
// records (inserted, updated or unchanged).
type Summary struct {
	RunID      string
	Fetched    int
	Written    int
	Inserted   int
	Updated    int
	Unchanged  int
	Skipped    int
	Failed     int
	Partitions []string // changed partitions, sorted
	Duration   time.Duration
	Results    []Result
}

// Driver runs one ingestion pass: feed, transform, reconcile.
type Driver struct {
	feed        Feed
	transformer Transformer
	reconciler  RecordReconciler
	logger      *slog.Logger
	metrics     *observability.Metrics
	opts        Options
	ready       atomic.Bool
}

// New creates a Driver with the given collaborators.
func New(feed Feed, t Transformer, r RecordReconciler, logger *slog.Logger, metrics *observability.Metrics, opts Options) *Driver {
	if opts.ProgressEvery <= 0 {
		opts.ProgressEvery = defaultProgressEvery
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	return &Driver{
		feed:        feed,
		transformer: t,
		reconciler:  r,
		logger:      logger,
		metrics:     metrics,
		opts:        opts,
	}
}

// CheckReadiness returns nil once the feed resource has been resolved.
func (d *Driver) CheckReadiness(_ context.Context) error {
	if !d.ready.Load() {
		return errors.New("feed resource not resolved yet")
	}
	return nil
}

// Run performs a single pass over the latest feed resource. Failures to
// resolve or read the resource are returned; failures of individual items
// are reported in the Summary and never stop the run. Cancelling ctx stops
// the run between items and returns the context error with the partial
// summary.
func (d *Driver) Run(ctx context.Context) (sum Summary, err error) {
	start := d.opts.Clock.Now()
	sum.RunID = uuid.NewString()
	logger := d.logger.With("run_id", sum.RunID)

	d.metrics.RunInProgress.Set(1)
	defer func() {
		d.metrics.RunInProgress.Set(0)
		sum.Duration = d.opts.Clock.Since(start)
		d.metrics.RunDuration.Observe(sum.Duration.Seconds())
	}()

	url, err := d.feed.LatestResourceURL(ctx)
	if err != nil {
		return sum, fmt.Errorf("resolve feed resource: %w", err)
	}
	logger.Info("ingestion started", "resource", url)

	items, err := d.feed.StreamResource(ctx, url)
	if err != nil {
		return sum, fmt.Errorf("stream feed resource: %w", err)
	}
	d.ready.Store(true)

	run := &runState{logger: logger, changed: make(map[string]struct{})}
	index := 0
	for raw := range items {
		if err := ctx.Err(); err != nil {
			logger.Warn("ingestion interrupted", "processed", index, "error", err)
			run.finish(&sum)
			return sum, err
		}

		sum.Fetched++
		d.metrics.ItemsFetched.Inc()

		res, change := d.process(ctx, logger, index, raw)
		sum.Results = append(sum.Results, res)
		index++

		switch res.Status {
		case StatusSucceeded:
			sum.Written++
			if sum.Written%d.opts.ProgressEvery == 0 {
				logger.Info("ingestion progress", "written", sum.Written, "fetched", sum.Fetched)
			}
		case StatusSkipped:
			sum.Skipped++
		case StatusFailed:
			sum.Failed++
		}
		switch res.Outcome {
		case reconcile.OutcomeInserted:
			sum.Inserted++
		case reconcile.OutcomeUpdated:
			sum.Updated++
		case reconcile.OutcomeUnchanged:
			sum.Unchanged++
		}

		if change != nil {
			change.RunID = sum.RunID
			run.changed[change.Partition] = struct{}{}
			run.pending = append(run.pending, *change)
			if len(run.pending) >= d.opts.BatchSize {
				d.publish(ctx, run)
			}
		}
	}

	d.publish(ctx, run)
	run.finish(&sum)
	d.mirror(ctx, logger, sum.Partitions)

	logger.Info("ingestion finished",
		"fetched", sum.Fetched,
		"written", sum.Written,
		"inserted", sum.Inserted,
		"updated", sum.Updated,
		"unchanged", sum.Unchanged,
		"skipped", sum.Skipped,
		"failed", sum.Failed,
		"partitions_changed", len(sum.Partitions),
	)
	return sum, nil
}

type runState struct {
	logger  *slog.Logger
	changed map[string]struct{}
	pending []domain.Change
}

func (r *runState) finish(sum *Summary) {
	sum.Partitions = make([]string, 0, len(r.changed))
	for id := range r.changed {
		sum.Partitions = append(sum.Partitions, id)
	}
	sort.Strings(sum.Partitions)
}

// process handles one feed item. It returns a Change when the item inserted
// or updated a stored record.
func (d *Driver) process(ctx context.Context, logger *slog.Logger, index int, raw domain.RawItem) (Result, *domain.Change) {
	res := Result{Index: index}

	item, err := d.transformer.Transform(ctx, raw)
	if err != nil {
		d.metrics.TransformErrors.Inc()
		return d.fail(logger, res, fmt.Errorf("transform: %w", err)), nil
	}
	if item.Record == nil {
		res.Status = StatusSkipped
		return res, nil
	}

	var opts []reconcile.Option
	if item.GeoUnresolved {
		opts = append(opts, reconcile.KeepStoredGeo())
	}
	dec, err := d.reconciler.ReconcileDetail(ctx, item.Record, opts...)
	res.Partition = dec.Partition
	res.Key = dec.Key
	if err != nil {
		return d.fail(logger, res, fmt.Errorf("reconcile: %w", err)), nil
	}

	res.Outcome = dec.Outcome
	d.metrics.RecordsReconciled.WithLabelValues(dec.Outcome.String()).Inc()
	if dec.Outcome == reconcile.OutcomeSkipped {
		res.Status = StatusSkipped
		return res, nil
	}
	res.Status = StatusSucceeded

	if !dec.Outcome.Changed() {
		return res, nil
	}
	return res, &domain.Change{
		Action:    dec.Outcome.String(),
		Partition: dec.Partition,
		Key:       dec.Key,
		Record:    dec.Record,
	}
}

func (d *Driver) fail(logger *slog.Logger, res Result, err error) Result {
	res.Status = StatusFailed
	res.Err = err
	d.metrics.ItemFailures.Inc()
	logger.Warn("item failed, continuing",
		"index", res.Index,
		"partition", res.Partition,
		"error", err,
	)
	return res
}

// publish hands pending changes to the publisher. Errors are logged and
// counted; the records are already persisted.
func (d *Driver) publish(ctx context.Context, run *runState) {
	if len(run.pending) == 0 {
		return
	}
	batch := run.pending
	run.pending = nil
	if d.opts.Publisher == nil {
		return
	}
	if err := d.opts.Publisher.PublishChanges(ctx, batch); err != nil {
		d.metrics.PublishErrors.Inc()
		run.logger.Error("publish changes failed", "changes", len(batch), "error", err)
		return
	}
	d.metrics.ChangesPublished.Add(float64(len(batch)))
}

func (d *Driver) mirror(ctx context.Context, logger *slog.Logger, partitions []string) {
	if d.opts.Mirror == nil {
		return
	}
	for _, id := range partitions {
		if err := d.opts.Mirror.Mirror(ctx, id); err != nil {
			d.metrics.MirrorErrors.Inc()
			logger.Error("mirror partition failed", "partition", id, "error", err)
			continue
		}
		d.metrics.PartitionsMirrored.Inc()
	}
}
