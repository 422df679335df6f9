package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Domain prefixes for content-addressed identity.
// The version suffix allows a future algorithm migration.
const (
	DomainForrest  = "cts/forrest/v1"
	DomainRelation = "cts/relation/v1"
)

// hashWithDomain computes SHA256(domain + 0x00 + data).
// The null byte separates domain and data unambiguously.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// canonicalize round-trips v through encoding/json into a Value so that
// struct field order and map iteration never reach the hash.
func canonicalize(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	val, err := UnmarshalValue(raw)
	if err != nil {
		return nil, err
	}
	return MarshalCanonical(val)
}

// SpecHash computes a stable identity for a compiled forrest spec.
// Journals record it so replays can detect rule drift.
func SpecHash(spec ForrestSpec) (string, error) {
	canonical, err := canonicalize(spec)
	if err != nil {
		return "", fmt.Errorf("SpecHash: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainForrest, canonical), nil
}

// RelationSpecID computes a short content-addressed ID for a relation
// declaration. The declaration's own ID field is excluded.
func RelationSpecID(spec RelationSpec) (string, error) {
	spec.ID = ""
	canonical, err := canonicalize(spec)
	if err != nil {
		return "", fmt.Errorf("RelationSpecID: failed to marshal: %w", err)
	}
	return "rel-" + hashWithDomain(DomainRelation, canonical)[:12], nil
}

// MustRelationSpecID is like RelationSpecID but panics on error.
// Use only in tests or when inputs are known to be valid.
func MustRelationSpecID(spec RelationSpec) string {
	id, err := RelationSpecID(spec)
	if err != nil {
		panic(err)
	}
	return id
}
