// Package checksum fingerprints note content for change detection.
package checksum

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
)

// Sum returns the hex-encoded SHA-256 digest of data. Line endings are
// normalized first so a CRLF rewrite arriving through git pull does not
// register as a content change.
func Sum(data []byte) string {
	data = bytes.ReplaceAll(data, []byte("\r\n"), []byte("\n"))
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}
