// Package reconcile merges one record into its calendar-day partition.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/couchcryptid/festival-events-etl/internal/domain"
	"github.com/couchcryptid/festival-events-etl/internal/partition"
)

// Outcome is the result of reconciling one record.
type Outcome int

const (
	OutcomeSkipped Outcome = iota
	OutcomeInserted
	OutcomeUpdated
	OutcomeUnchanged
)

func (o Outcome) String() string {
	switch o {
	case OutcomeInserted:
		return "inserted"
	case OutcomeUpdated:
		return "updated"
	case OutcomeUnchanged:
		return "unchanged"
	default:
		return "skipped"
	}
}

// Changed reports whether the outcome rewrote a partition.
func (o Outcome) Changed() bool {
	return o == OutcomeInserted || o == OutcomeUpdated
}

// Decision carries the outcome together with what it was decided on.
// Partition and Key are empty for skipped records.
type Decision struct {
	Outcome     Outcome
	Partition   string
	Key         string
	Fingerprint string
	Record      domain.Record
}

// Option adjusts a single reconcile call.
type Option func(*callOptions)

type callOptions struct {
	keepStoredGeo bool
}

// KeepStoredGeo carries location.geo over from the stored record when the
// incoming record has none. Pass it when the coordinate lookup for the record
// failed, so an outage does not erase coordinates found on an earlier run.
func KeepStoredGeo() Option {
	return func(o *callOptions) { o.keepStoredGeo = true }
}

// Reconciler applies records to a partition store.
type Reconciler struct {
	store  *partition.Store
	logger *slog.Logger
}

// New creates a Reconciler backed by store.
func New(store *partition.Store, logger *slog.Logger) *Reconciler {
	return &Reconciler{store: store, logger: logger}
}

// Reconcile merges rec into its partition and returns the outcome.
func (r *Reconciler) Reconcile(ctx context.Context, rec domain.Record, opts ...Option) (Outcome, error) {
	d, err := r.ReconcileDetail(ctx, rec, opts...)
	return d.Outcome, err
}

// ReconcileDetail merges rec into the partition named by its startDate day.
// Records without a usable startDate are skipped without touching storage.
// A partition file is written only when the record is new or its
// fingerprint differs from the stored one.
func (r *Reconciler) ReconcileDetail(ctx context.Context, rec domain.Record, opts ...Option) (Decision, error) {
	var o callOptions
	for _, opt := range opts {
		opt(&o)
	}

	id, ok := domain.PartitionID(rec)
	if !ok {
		r.logger.Debug("skipping record without start date", "name", rec["name"])
		return Decision{Outcome: OutcomeSkipped, Record: rec}, nil
	}
	if err := ctx.Err(); err != nil {
		return Decision{}, err
	}

	d := Decision{
		Partition: id,
		Key:       domain.IdentityKey(rec),
		Record:    rec,
	}

	unlock, err := r.store.Lock()
	if err != nil {
		return d, err
	}
	defer unlock()

	p, err := r.store.Load(id)
	if err != nil {
		return d, err
	}

	existing, found := p.Get(d.Key)
	if found && o.keepStoredGeo && rec.Geo() == nil {
		if geo := existing.Record.Geo(); geo != nil {
			rec = rec.WithGeo(geo)
			d.Record = rec
		}
	}

	fp, err := domain.Fingerprint(rec)
	if err != nil {
		return d, fmt.Errorf("fingerprint record: %w", err)
	}
	d.Fingerprint = fp

	switch {
	case !found:
		d.Outcome = OutcomeInserted
	case existing.Fingerprint != fp:
		d.Outcome = OutcomeUpdated
	default:
		d.Outcome = OutcomeUnchanged
		return d, nil
	}

	p.Put(partition.Entry{Key: d.Key, Record: rec, Fingerprint: fp})
	if err := r.store.Save(p); err != nil {
		return d, err
	}
	return d, nil
}
