package transfer

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"golang.org/x/crypto/blake2b"
)

// HashReader consumes the reader and returns the hex encoded
// BLAKE2b-256 digest of its content.
func HashReader(reader io.Reader) (string, error) {
	hasher, err := blake2b.New256(nil)
	if err != nil {
		return "", fmt.Errorf("failed to construct hasher: %w", err)
	}

	if _, err := io.Copy(hasher, reader); err != nil {
		return "", err
	}

	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// HashFile returns the hex encoded BLAKE2b-256 digest of the file at
// the given path.
func HashFile(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer file.Close()

	return HashReader(file)
}
