package pipeline

import (
	"context"
	"log/slog"

	"github.com/couchcryptid/festival-events-etl/internal/domain"
)

// EventTransformer implements Transformer with the festivals-events mapping
// and optional geocoding of events that carry no coordinates.
type EventTransformer struct {
	geocoder domain.Geocoder
	logger   *slog.Logger
}

// NewTransformer creates an EventTransformer. Pass a nil geocoder to disable
// geocoding enrichment.
func NewTransformer(geocoder domain.Geocoder, logger *slog.Logger) *EventTransformer {
	return &EventTransformer{
		geocoder: geocoder,
		logger:   logger,
	}
}

func (t *EventTransformer) Transform(ctx context.Context, raw domain.RawItem) (Item, error) {
	event, err := domain.TransformItem(raw)
	if err != nil || event == nil {
		return Item{}, err
	}

	event, unresolved := domain.EnrichWithGeocoding(ctx, event, t.geocoder, t.logger)

	rec, err := event.Record()
	if err != nil {
		return Item{}, err
	}
	return Item{Record: rec, GeoUnresolved: unresolved}, nil
}
