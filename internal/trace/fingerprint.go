package trace

import (
	"crypto/sha256"
	"encoding/hex"
)

// fingerprintLen is the width of the statement identifier emitted in
// trace records; wide enough that distinct statements collide only with
// negligible probability.
const fingerprintLen = 13

// Fingerprint returns a stable fixed-width hexadecimal identifier for a
// statement text. Identical text always yields the identical
// fingerprint, across sessions and processes.
func Fingerprint(sql string) string {
	sum := sha256.Sum256([]byte(sql))
	return hex.EncodeToString(sum[:])[:fingerprintLen]
}
