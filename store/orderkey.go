package store

import (
	"errors"
	"fmt"
	"strings"
)

// orderKeyDigits is the base-62 alphabet used for fractional order keys.
// ASCII ordering of the digits matches their numeric ordering, so keys
// compare correctly as plain strings in any store.
const orderKeyDigits = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

// ErrKeyOrder reports KeyBetween bounds that are not strictly ordered.
var ErrKeyOrder = errors.New("store: order key bounds not strictly ordered")

// FirstOrderKey returns the key for the first event of a conversation.
func FirstOrderKey() string {
	return KeyAfter("")
}

// KeyAfter returns a key strictly greater than a. An empty a yields the
// midpoint of the key space.
func KeyAfter(a string) string {
	k, _ := KeyBetween(a, "")
	return k
}

// KeyBetween returns a key k with a < k < b in lexicographic order. Empty
// bounds are open: empty a means "before everything", empty b means "after
// everything". Generated keys never end in the smallest digit so a key can
// always be generated before any existing key.
func KeyBetween(a, b string) (string, error) {
	if err := validateKey(a); err != nil {
		return "", err
	}
	if err := validateKey(b); err != nil {
		return "", err
	}
	if a != "" && b != "" && a >= b {
		return "", fmt.Errorf("%w: %q >= %q", ErrKeyOrder, a, b)
	}
	return midpoint(a, b), nil
}

func validateKey(k string) error {
	for i := 0; i < len(k); i++ {
		if strings.IndexByte(orderKeyDigits, k[i]) < 0 {
			return fmt.Errorf("store: invalid order key %q", k)
		}
	}
	if k != "" && k[len(k)-1] == orderKeyDigits[0] {
		return fmt.Errorf("store: order key %q ends in smallest digit", k)
	}
	return nil
}

// midpoint computes a string strictly between a and b, where empty b means
// the upper bound of the key space. Preconditions: a < b when b is
// non-empty.
func midpoint(a, b string) string {
	if b != "" {
		// Strip the common prefix and recurse on the distinct tails.
		n := 0
		for n < len(a) && n < len(b) && a[n] == b[n] {
			n++
		}
		if n > 0 {
			return b[:n] + midpoint(a[n:], b[n:])
		}
	}
	digitA := 0
	if a != "" {
		digitA = strings.IndexByte(orderKeyDigits, a[0])
	}
	digitB := len(orderKeyDigits)
	if b != "" {
		digitB = strings.IndexByte(orderKeyDigits, b[0])
	}
	if digitB == digitA {
		// Only reachable with an empty a and b starting at the smallest
		// digit; descend into b.
		return string(orderKeyDigits[digitA]) + midpoint("", b[1:])
	}
	if digitB-digitA > 1 {
		mid := (digitA + digitB + 1) / 2
		return string(orderKeyDigits[mid])
	}
	// Consecutive leading digits: either borrow b's head or descend into
	// a's tail.
	if len(b) > 1 {
		return b[:1]
	}
	rest := ""
	if len(a) > 1 {
		rest = a[1:]
	}
	return string(orderKeyDigits[digitA]) + midpoint(rest, "")
}
