// Package domain models the Toronto Open Data festivals-events feed and its
// schema.org JSON-LD output.
//
// # Data Source
//
// Events are published as a CKAN package ("festivals-events") on
// https://open.toronto.ca. The package lists several resources; the first one
// that is not DataStore-backed is a JSON file holding either a bare array of
// items or an object wrapping the array under "value".
//
// # Feed Conventions
//
// Locations:
//
//	event_locations is a list; only the first entry is used. Its
//	location_gps field is a JSON-encoded string:
//	  "[{\"gps_lat\":43.65,\"gps_lng\":-79.38}]"
//	Older items carry geo_lat / geo_long instead.
//
// Addresses:
//
//	"100 Queen St W, Toronto, ON M5H 2N2"
//	The locality is one of the former municipalities (Toronto, North York,
//	Scarborough, Etobicoke, East York, York) and follows a comma. The street
//	part is everything before it. Region and country are always ON / CA.
//
// Text:
//
//	Names and descriptions contain HTML entities and occasionally UTF-8 that
//	was decoded as Windows-1252 upstream ("CafÃ©"). [NormalizeText] repairs
//	both.
//
// # Identity and Change Detection
//
// A record's identity key is a SHA-256 of the normalized
// organizer.name|startDate|location.name|url tuple. Two feed items that
// describe the same event on the same day map to the same key even when the
// feed reorders or rewords other fields. The content fingerprint is a BLAKE3
// hash of the canonical JSON (sorted keys) of the whole record and decides
// whether a known event has changed. See [IdentityKey] and [Fingerprint].
//
// Records whose four identity fields are all empty share one key; the last
// such record seen for a day wins.
package domain
