package types

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// CacheKey identifies a cacheable resource. It doubles as the disk cache
// file name, so it only ever contains lowercase hex characters when built
// with KeyFor.
type CacheKey string

// String returns the key as a plain string
func (k CacheKey) String() string {
	return string(k)
}

// KeyFor derives the CacheKey for a resource locator: the hex encoding of the
// first 128 bits of its SHA-256 digest.
func KeyFor(locator string) CacheKey {
	sum := sha256.Sum256([]byte(locator))
	return CacheKey(hex.EncodeToString(sum[:16]))
}

// AccessPolicy controls which tiers a load consults
type AccessPolicy int

const (
	// PolicyNormal checks memory, then disk, then fetches from the network
	PolicyNormal AccessPolicy = iota
	// PolicyCacheOnly checks memory and disk but never fetches
	PolicyCacheOnly
	// PolicyPreFetch behaves like PolicyNormal; the caller discards the value
	PolicyPreFetch
	// PolicyRefresh skips both cache tiers and always fetches
	PolicyRefresh
)

// String returns string representation of the policy
func (p AccessPolicy) String() string {
	switch p {
	case PolicyNormal:
		return "NORMAL"
	case PolicyCacheOnly:
		return "CACHE_ONLY"
	case PolicyPreFetch:
		return "PRE_FETCH"
	case PolicyRefresh:
		return "REFRESH"
	default:
		return "UNKNOWN"
	}
}

// Valid reports whether p is one of the known policies
func (p AccessPolicy) Valid() bool {
	return p >= PolicyNormal && p <= PolicyRefresh
}

// ParsePolicy parses a policy name as printed by String
func ParsePolicy(s string) (AccessPolicy, error) {
	switch strings.ToUpper(strings.ReplaceAll(s, "-", "_")) {
	case "NORMAL", "":
		return PolicyNormal, nil
	case "CACHE_ONLY":
		return PolicyCacheOnly, nil
	case "PRE_FETCH", "PREFETCH":
		return PolicyPreFetch, nil
	case "REFRESH":
		return PolicyRefresh, nil
	default:
		return PolicyNormal, fmt.Errorf("invalid access policy: %s", s)
	}
}

// Source tells which tier produced a result
type Source int

const (
	SourceMemory Source = iota
	SourceDisk
	SourceNetwork
)

// String returns string representation of the source
func (s Source) String() string {
	switch s {
	case SourceMemory:
		return "memory"
	case SourceDisk:
		return "disk"
	case SourceNetwork:
		return "network"
	default:
		return "unknown"
	}
}

// Result is a successfully loaded value tagged with the tier it came from
type Result[V any] struct {
	Key    CacheKey `json:"key"`
	Value  V        `json:"-"`
	Source Source   `json:"source"`
}

// CacheStats represents cache performance statistics
type CacheStats struct {
	Hits        uint64  `json:"hits"`
	Misses      uint64  `json:"misses"`
	Evictions   uint64  `json:"evictions"`
	Entries     int     `json:"entries"`
	Size        int64   `json:"size"`
	Capacity    int64   `json:"capacity"`
	HitRate     float64 `json:"hit_rate"`
	Utilization float64 `json:"utilization"`
}
