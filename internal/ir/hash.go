package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// DomainView separates view digests from any other hash of the same bytes.
const DomainView = "syncdb/view/v1"

// hashWithDomain computes SHA256(domain + 0x00 + data).
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// ViewDigest hashes a materialized table view. Records must already be in
// a deterministic order (materialized views are sorted by id key).
func ViewDigest(table string, records []Record) (string, error) {
	rows := make(Array, len(records))
	for i, r := range records {
		rows[i] = r.Object()
	}
	canonical, err := MarshalCanonical(Object{
		"table": String(table),
		"rows":  rows,
	})
	if err != nil {
		return "", fmt.Errorf("view digest: %w", err)
	}
	return hashWithDomain(DomainView, canonical), nil
}
