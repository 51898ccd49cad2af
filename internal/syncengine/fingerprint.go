package syncengine

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// OrderFingerprint identifies an order document by its file name. The same
// value is computed when Wrike completes an order and when the Graph list is
// pulled, which is what links the two sides.
func OrderFingerprint(fileName string) string {
	sum := sha256.Sum256([]byte(fileName))
	return hex.EncodeToString(sum[:])
}

// RecordFingerprint identifies list items that carry no document.
func RecordFingerprint(kind RecordKind, registryID string) string {
	sum := sha256.Sum256([]byte(string(kind) + ":" + strings.TrimSpace(registryID)))
	return hex.EncodeToString(sum[:])
}
