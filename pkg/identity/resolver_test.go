package identity

import (
	"errors"
	"strings"
	"testing"
)

func mustResolver(test *testing.T, salt string) *Resolver {
	test.Helper()
	resolver, err := NewResolver(salt)
	if err != nil {
		test.Fatalf("resolver init: %v", err)
	}
	return resolver
}

func mustResolve(test *testing.T, resolver *Resolver, signals Signals) string {
	test.Helper()
	anonymousID, err := resolver.Resolve(signals)
	if err != nil {
		test.Fatalf("resolve: %v", err)
	}
	return anonymousID
}

func TestResolveIsStable(test *testing.T) {
	test.Parallel()
	resolver := mustResolver(test, "server-salt")
	signals := Signals{
		Fingerprint: "fp-123",
		Components:  map[string]string{"screen": "1920x1080", "Timezone": "Europe/Berlin"},
		Address:     "198.51.100.23:51515",
	}
	first := mustResolve(test, resolver, signals)
	if !strings.HasPrefix(first, "anon_") || len(first) != len("anon_")+64 {
		test.Fatalf("unexpected id format %q", first)
	}
	reordered := Signals{
		Fingerprint: " fp-123 ",
		Components:  map[string]string{"timezone": "Europe/Berlin", "screen": "1920x1080"},
		Address:     "198.51.100.200",
	}
	if second := mustResolve(test, resolver, reordered); second != first {
		test.Fatalf("expected the same id for the same visitor, got %q and %q", first, second)
	}
}

func TestResolveIsStableWhenComponentNamesFold(test *testing.T) {
	test.Parallel()
	resolver := mustResolver(test, "server-salt")
	signals := Signals{
		Fingerprint: "fp-123",
		Components:  map[string]string{"Screen": "1920", "screen": "1280"},
		Address:     "198.51.100.23",
	}
	first := mustResolve(test, resolver, signals)
	for attempt := 0; attempt < 200; attempt++ {
		if next := mustResolve(test, resolver, signals); next != first {
			test.Fatalf("attempt %d: expected %q, got %q", attempt, first, next)
		}
	}
	swapped := Signals{
		Fingerprint: "fp-123",
		Components:  map[string]string{"Screen": "1280", "screen": "1920"},
		Address:     "198.51.100.23",
	}
	if next := mustResolve(test, resolver, swapped); next != first {
		test.Fatalf("expected folded names to ignore which spelling holds which value")
	}
}

func TestResolveSeparatesVisitors(test *testing.T) {
	test.Parallel()
	resolver := mustResolver(test, "server-salt")
	base := mustResolve(test, resolver, Signals{Fingerprint: "fp-123", Address: "198.51.100.23"})
	testCases := []struct {
		name    string
		signals Signals
	}{
		{name: "different fingerprint", signals: Signals{Fingerprint: "fp-456", Address: "198.51.100.23"}},
		{name: "different network", signals: Signals{Fingerprint: "fp-123", Address: "203.0.113.23"}},
		{name: "extra component", signals: Signals{Fingerprint: "fp-123", Address: "198.51.100.23", Components: map[string]string{"lang": "de"}}},
	}
	for _, testCase := range testCases {
		if other := mustResolve(test, resolver, testCase.signals); other == base {
			test.Fatalf("%s: expected a distinct id", testCase.name)
		}
	}
	if salted := mustResolve(test, mustResolver(test, "other-salt"), Signals{Fingerprint: "fp-123", Address: "198.51.100.23"}); salted == base {
		test.Fatalf("expected the salt to change the id")
	}
}

func TestResolveRequiresSignals(test *testing.T) {
	test.Parallel()
	resolver := mustResolver(test, strings.Repeat("long-salt-", 10))
	if _, err := resolver.Resolve(Signals{Fingerprint: "  "}); !errors.Is(err, ErrNoSignals) {
		test.Fatalf("expected ErrNoSignals, got %v", err)
	}
	if _, err := NewResolver(" "); !errors.Is(err, ErrInvalidSalt) {
		test.Fatalf("expected ErrInvalidSalt, got %v", err)
	}
}

func TestNetworkBucket(test *testing.T) {
	test.Parallel()
	testCases := map[string]string{
		"198.51.100.23":             "198.51.100.0/24",
		"198.51.100.23:8080":        "198.51.100.0/24",
		"::ffff:198.51.100.23":      "198.51.100.0/24",
		"2001:db8:abcd:12::1":       "2001:db8:abcd::/48",
		"[2001:db8:abcd:12::1]:443": "2001:db8:abcd::/48",
		"":                          "unknown",
		"not-an-address":            "unknown",
	}
	for address, expected := range testCases {
		if bucket := NetworkBucket(address); bucket != expected {
			test.Fatalf("%q: expected %s, got %s", address, expected, bucket)
		}
	}
}
