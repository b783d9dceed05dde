// Package identity derives stable pseudonymous identifiers for unauthenticated callers.
package identity

import (
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sort"
	"strings"

	"golang.org/x/crypto/blake2b"
)

const (
	anonymousPrefix   = "anon_"
	ipv4BucketBits    = 24
	ipv6BucketBits    = 48
	unknownNetwork    = "unknown"
	maxBlake2bKeySize = 64
)

var (
	// ErrNoSignals rejects requests that carry neither a fingerprint nor an address.
	ErrNoSignals = errors.New("no identity signals")
	// ErrInvalidSalt rejects an empty server salt.
	ErrInvalidSalt = errors.New("invalid identity salt")
)

// Signals are the client-supplied and transport-derived inputs of an anonymous identity.
type Signals struct {
	Fingerprint string
	Components  map[string]string
	Address     string
}

// Resolver hashes Signals into an anonymous identifier with a server-side salt.
type Resolver struct {
	key []byte
}

// NewResolver builds a Resolver. Salts longer than the BLAKE2b key limit are pre-hashed.
func NewResolver(salt string) (*Resolver, error) {
	if strings.TrimSpace(salt) == "" {
		return nil, ErrInvalidSalt
	}
	key := []byte(salt)
	if len(key) > maxBlake2bKeySize {
		digest := blake2b.Sum256(key)
		key = digest[:]
	}
	return &Resolver{key: key}, nil
}

// Resolve returns the anonymous id for signals. Identical inputs always map to the same id;
// unrelated callers that share a network bucket and fingerprint collide, which only makes
// their shared limit stricter.
func (resolver *Resolver) Resolve(signals Signals) (string, error) {
	fingerprint := strings.TrimSpace(signals.Fingerprint)
	address := strings.TrimSpace(signals.Address)
	if fingerprint == "" && address == "" && len(signals.Components) == 0 {
		return "", ErrNoSignals
	}
	hasher, err := blake2b.New256(resolver.key)
	if err != nil {
		return "", fmt.Errorf("identity hasher: %w", err)
	}
	hasher.Write([]byte(canonicalize(fingerprint, signals.Components, NetworkBucket(address))))
	return anonymousPrefix + hex.EncodeToString(hasher.Sum(nil)), nil
}

// NetworkBucket reduces an address (with or without port) to its /24 (IPv4) or /48 (IPv6) prefix.
func NetworkBucket(address string) string {
	trimmed := strings.TrimSpace(address)
	if trimmed == "" {
		return unknownNetwork
	}
	if host, _, err := net.SplitHostPort(trimmed); err == nil {
		trimmed = host
	}
	parsed, err := netip.ParseAddr(strings.Trim(trimmed, "[]"))
	if err != nil {
		return unknownNetwork
	}
	parsed = parsed.Unmap()
	bits := ipv6BucketBits
	if parsed.Is4() {
		bits = ipv4BucketBits
	}
	prefix, err := parsed.Prefix(bits)
	if err != nil {
		return unknownNetwork
	}
	return prefix.String()
}

func canonicalize(fingerprint string, components map[string]string, bucket string) string {
	var builder strings.Builder
	builder.WriteString("fp=")
	builder.WriteString(fingerprint)
	builder.WriteString("\n")
	// Names that fold together keep every value, sorted, so map order never changes the id.
	normalized := make(map[string][]string, len(components))
	for name, value := range components {
		key := strings.ToLower(strings.TrimSpace(name))
		normalized[key] = append(normalized[key], strings.TrimSpace(value))
	}
	names := make([]string, 0, len(normalized))
	for name, values := range normalized {
		sort.Strings(values)
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		builder.WriteString(name)
		builder.WriteString("=")
		builder.WriteString(strings.Join(normalized[name], ","))
		builder.WriteString("\n")
	}
	builder.WriteString("net=")
	builder.WriteString(bucket)
	return builder.String()
}
