package batch

import (
	"encoding/hex"
	"os"

	"golang.org/x/crypto/blake2b"
)

// Read returns the file's content.
func (f *File) Read() ([]byte, error) {
	return os.ReadFile(f.Path)
}

// Fingerprint returns the hex BLAKE2b-256 digest of a batch file's content. It lets
// the run ledger tell a re-queued file from a new file that reuses the name.
func Fingerprint(data []byte) string {
	sum := blake2b.Sum256(data)

	return hex.EncodeToString(sum[:])
}
