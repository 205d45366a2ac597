package domain

// RawItem is one unprocessed entry of the open-data feed, exactly as it
// appeared in the resource payload.
type RawItem []byte

// Event is the schema.org/Event JSON-LD shape produced by the transform.
// Nullable fields are pointers so they serialize as null rather than "".
type Event struct {
	Context             string       `json:"@context"`
	Type                string       `json:"@type"`
	Name                string       `json:"name"`
	StartDate           *string      `json:"startDate"`
	EndDate             *string      `json:"endDate"`
	Location            Place        `json:"location"`
	Description         string       `json:"description"`
	URL                 *string      `json:"url"`
	Image               *string      `json:"image"`
	Organizer           Organization `json:"organizer"`
	IsAccessibleForFree bool         `json:"isAccessibleForFree"`
	Keywords            []string     `json:"keywords"`
	Offers              *Offer       `json:"offers,omitempty"`
}

// Place is a schema.org Place.
type Place struct {
	Type    string          `json:"@type"`
	Name    string          `json:"name"`
	Address PostalAddress   `json:"address"`
	Geo     *GeoCoordinates `json:"geo"`
}

// PostalAddress is a schema.org PostalAddress. The zero value serializes as
// {}; a parsed address always carries every key, with postalCode null when
// none was found.
type PostalAddress struct {
	Type            string  `json:"@type"`
	StreetAddress   string  `json:"streetAddress"`
	AddressLocality string  `json:"addressLocality"`
	AddressRegion   string  `json:"addressRegion"`
	PostalCode      *string `json:"postalCode"`
	AddressCountry  string  `json:"addressCountry"`
}

func (a PostalAddress) MarshalJSON() ([]byte, error) {
	if a.Type == "" {
		return []byte("{}"), nil
	}
	type plain PostalAddress
	return marshalCompact(plain(a))
}

// GeoCoordinates is a schema.org GeoCoordinates (WGS-84).
type GeoCoordinates struct {
	Type      string  `json:"@type"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Organization is a schema.org Organization.
type Organization struct {
	Type      string  `json:"@type"`
	Name      string  `json:"name"`
	Email     *string `json:"email"`
	Telephone *string `json:"telephone"`
}

// Offer is a schema.org Offer carrying price and ticketing details.
type Offer struct {
	Type          string `json:"@type"`
	Price         string `json:"price,omitempty"`
	PriceCurrency string `json:"priceCurrency,omitempty"`
	URL           string `json:"url,omitempty"`
}

// Change describes a record that was inserted into or updated in a partition
// during a run. Unchanged records never produce a Change.
type Change struct {
	Action    string // "inserted" or "updated"
	Partition string
	Key       string
	RunID     string
	Record    Record
}

// Record converts the typed event into its semi-structured form.
func (e *Event) Record() (Record, error) {
	data, err := marshalCompact(e)
	if err != nil {
		return nil, err
	}
	return DecodeRecord(data)
}
