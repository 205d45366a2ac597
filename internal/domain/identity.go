package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/zeebo/blake3"
)

// IdentityKey derives the key that decides whether two records describe the
// same real-world event: organizer name, start date, location name and
// primary URL, each normalized and joined with "|". Missing fields count as
// "", so records with all four empty share one key.
func IdentityKey(r Record) string {
	parts := [...]string{
		NormalizeText(nestedString(r, "organizer", "name")),
		NormalizeText(r.StartDate()),
		NormalizeText(nestedString(r, "location", "name")),
		NormalizeText(stringField(r, "url")),
	}
	sum := sha256.Sum256([]byte(strings.Join(parts[:], "|")))
	return hex.EncodeToString(sum[:])
}

// Fingerprint hashes the canonical serialization of the full record. It is
// independent of mapping key order and changes whenever any value changes.
func Fingerprint(r Record) (string, error) {
	data, err := r.Marshal()
	if err != nil {
		return "", err
	}
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
