package domain

import (
	"context"
	"log/slog"
	"strings"
)

// MinGeocodeConfidence is the lowest provider relevance accepted as a match.
// Weaker matches usually resolve to the city centroid rather than the venue.
const MinGeocodeConfidence = 0.5

// EnrichWithGeocoding fills in location.geo for events whose feed entry had
// no coordinates. Events that already carry coordinates, or that have nothing
// to look up, are returned untouched. No match or a low-confidence match
// leaves geo null.
//
// unresolved is true when the lookup itself failed. The null geo then says
// nothing about the event, and previously stored coordinates should be kept.
func EnrichWithGeocoding(ctx context.Context, event *Event, geocoder Geocoder, logger *slog.Logger) (_ *Event, unresolved bool) {
	if geocoder == nil || event == nil || event.Location.Geo != nil {
		return event, false
	}

	query := GeocodeQuery(event.Location)
	if query == "" {
		return event, false
	}

	result, err := geocoder.ForwardGeocode(ctx, query)
	if err != nil {
		logger.Warn("forward geocoding failed",
			"event", event.Name,
			"query", query,
			"error", err,
		)
		return event, true
	}
	if result.Lat == 0 && result.Lon == 0 {
		return event, false
	}
	if result.Confidence < MinGeocodeConfidence {
		logger.Debug("ignoring low-confidence geocoding match",
			"event", event.Name,
			"query", query,
			"match", result.FormattedAddress,
			"confidence", result.Confidence,
		)
		return event, false
	}

	event.Location.Geo = &GeoCoordinates{
		Type:      "GeoCoordinates",
		Latitude:  result.Lat,
		Longitude: result.Lon,
	}
	return event, false
}

// GeocodeQuery builds the lookup string for a place: the street address with
// locality, region and postal code, or the place name when no street is known.
func GeocodeQuery(p Place) string {
	first := p.Address.StreetAddress
	if first == "" {
		first = p.Name
	}
	if first == "" {
		return ""
	}
	parts := []string{first}
	var postal string
	if p.Address.PostalCode != nil {
		postal = *p.Address.PostalCode
	}
	for _, s := range []string{p.Address.AddressLocality, p.Address.AddressRegion, postal} {
		if s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, ", ")
}
