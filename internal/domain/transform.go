package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

const (
	schemaContext = "https://schema.org"

	// imageCDNBase prefixes the bin_id of an event image.
	imageCDNBase = "https://s3.ca-central-1.amazonaws.com/c3api-penguin-prod-toronto-storagestack-oc9o88-uploads/"

	defaultLocality = "Toronto"
	defaultRegion   = "ON"
	defaultCountry  = "CA"
	offerCurrency   = "CAD"
)

var (
	// postalCodeRe matches a Canadian postal code with or without the inner
	// space, e.g. "M5H 2N2" or "M5H2N2".
	postalCodeRe = regexp.MustCompile(`\b([A-Z]\d[A-Z])\s?(\d[A-Z]\d)\b`)

	// localities are the former Toronto municipalities that appear after a
	// comma in feed addresses. "East York" must precede "York".
	localities = []string{"Toronto", "North York", "Scarborough", "Etobicoke", "East York", "York"}

	localityRes = compileLocalityPatterns(localities)
)

type localityPattern struct {
	match *regexp.Regexp // ", <locality>" as a whole word
	split *regexp.Regexp // separator to cut the street part at
}

func compileLocalityPatterns(names []string) map[string]localityPattern {
	out := make(map[string]localityPattern, len(names))
	for _, name := range names {
		q := regexp.QuoteMeta(name)
		out[name] = localityPattern{
			match: regexp.MustCompile(`,\s*(` + q + `)\b`),
			split: regexp.MustCompile(`\s*,\s*` + q),
		}
	}
	return out
}

// TransformItem maps one Toronto Open Data festivals-events item to a
// schema.org Event. It returns a nil event for items without a name, which
// are not publishable, and an error when the item is not a JSON object.
func TransformItem(raw RawItem) (*Event, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var item map[string]any
	if err := dec.Decode(&item); err != nil {
		return nil, fmt.Errorf("parse feed item: %w", err)
	}
	if item == nil {
		return nil, fmt.Errorf("parse feed item: not a JSON object")
	}

	name := NormalizeText(toString(item["event_name"]))
	if name == "" {
		return nil, nil
	}

	location := firstMap(item["event_locations"])
	locationName := NormalizeText(toString(location["location_name"]))
	if _, present := location["location_name"]; !present {
		locationName = defaultLocality
	}

	event := &Event{
		Context:   schemaContext,
		Type:      "Event",
		Name:      name,
		StartDate: optionalString(item["event_startdate"]),
		EndDate:   optionalString(item["event_enddate"]),
		Location: Place{
			Type:    "Place",
			Name:    locationName,
			Address: ParseAddress(toString(location["location_address"])),
			Geo:     ExtractGeo(location),
		},
		Description: NormalizeText(toString(item["event_description"])),
		URL:         firstOptional(item, "ticket_website", "event_website"),
		Image:       imageURL(item["event_image"]),
		Organizer: Organization{
			Type:      "Organization",
			Name:      NormalizeText(organizerName(item["partnerships"])),
			Email:     optionalString(item["event_email"]),
			Telephone: optionalString(item["event_telephone"]),
		},
		IsAccessibleForFree: strings.EqualFold(strings.TrimSpace(toString(item["free_event"])), "yes"),
		Keywords:            keywords(item["event_category"]),
		Offers:              buildOffer(item),
	}
	return event, nil
}

// ParseAddress splits a Toronto street address into schema.org components.
// The locality defaults to Toronto and the street part is everything before
// the ", <locality>" separator.
func ParseAddress(full string) PostalAddress {
	full = strings.TrimSpace(full)
	if full == "" {
		return PostalAddress{}
	}

	var postal *string
	if m := postalCodeRe.FindStringSubmatch(full); m != nil {
		code := m[1] + " " + m[2]
		postal = &code
	}

	locality := defaultLocality
	for _, candidate := range localities {
		if m := localityRes[candidate].match.FindStringSubmatch(full); m != nil {
			locality = m[1]
			break
		}
	}

	street := full
	if parts := localityRes[locality].split.Split(full, 2); len(parts) > 1 {
		street = strings.TrimSpace(parts[0])
	}

	return PostalAddress{
		Type:            "PostalAddress",
		StreetAddress:   street,
		AddressLocality: locality,
		AddressRegion:   defaultRegion,
		PostalCode:      postal,
		AddressCountry:  defaultCountry,
	}
}

// ExtractGeo reads coordinates from the JSON-encoded location_gps field, then
// falls back to geo_lat/geo_long. Zero or unparseable coordinates count as absent.
func ExtractGeo(location map[string]any) *GeoCoordinates {
	if gps, ok := location["location_gps"].(string); ok && gps != "" {
		var points []map[string]any
		dec := json.NewDecoder(strings.NewReader(gps))
		dec.UseNumber()
		if err := dec.Decode(&points); err == nil && len(points) > 0 {
			if geo := newGeo(points[0]["gps_lat"], points[0]["gps_lng"]); geo != nil {
				return geo
			}
		}
	}
	return newGeo(location["geo_lat"], location["geo_long"])
}

func newGeo(lat, lon any) *GeoCoordinates {
	la, ok1 := toFloat(lat)
	lo, ok2 := toFloat(lon)
	if !ok1 || !ok2 || la == 0 || lo == 0 {
		return nil
	}
	return &GeoCoordinates{Type: "GeoCoordinates", Latitude: la, Longitude: lo}
}

// buildOffer returns an Offer when the item carries a price or a ticket URL.
func buildOffer(item map[string]any) *Offer {
	var offer Offer
	if price := pickStr(item, "event_price", "event_price_adult", "event_price_low"); price != "" {
		offer.Price = price
		offer.PriceCurrency = offerCurrency
	}
	offer.URL = pickStr(item, "ticket_website")
	if offer == (Offer{}) {
		return nil
	}
	offer.Type = "Offer"
	return &offer
}

func imageURL(v any) *string {
	img := firstMap(v)
	bin := toString(img["bin_id"])
	if bin == "" {
		return nil
	}
	u := imageCDNBase + bin
	return &u
}

func organizerName(v any) string {
	list, _ := v.([]any)
	for _, p := range list {
		m, ok := p.(map[string]any)
		if !ok {
			continue
		}
		if text := toString(m["text"]); text != "" {
			return text
		}
	}
	return ""
}

func keywords(v any) []string {
	out := []string{}
	list, _ := v.([]any)
	for _, k := range list {
		if s := NormalizeText(toString(k)); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// --- loose field helpers ---

// pickStr returns the first non-empty string value among keys.
func pickStr(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s := strings.TrimSpace(toString(m[k])); s != "" {
			return s
		}
	}
	return ""
}

func firstOptional(m map[string]any, keys ...string) *string {
	if s := pickStr(m, keys...); s != "" {
		return &s
	}
	return nil
}

func optionalString(v any) *string {
	s := strings.TrimSpace(toString(v))
	if s == "" {
		return nil
	}
	return &s
}

func firstMap(v any) map[string]any {
	list, _ := v.([]any)
	if len(list) == 0 {
		return map[string]any{}
	}
	m, ok := list[0].(map[string]any)
	if !ok {
		return map[string]any{}
	}
	return m
}

func toString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case json.Number:
		return t.String()
	case bool:
		if t {
			return "yes"
		}
		return "no"
	default:
		return ""
	}
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	case float64:
		return t, true
	default:
		return 0, false
	}
}
