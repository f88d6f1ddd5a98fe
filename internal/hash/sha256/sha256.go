// Package sha256 produces algorithm-tagged content digests such as
// "sha256:<hex>", the form archives are logged and checked with.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Prefix tags every digest this package produces.
const Prefix = "sha256:"

// ErrMismatch is returned by Verify when content does not match a digest.
var ErrMismatch = errors.New("digest mismatch")

// Hasher implements archive.Hasher.
type Hasher struct{}

// New returns a Hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash returns the tagged digest of data.
func (h *Hasher) Hash(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	return format(sum[:]), nil
}

// HashReader digests everything read from r.
func (h *Hasher) HashReader(r io.Reader) (string, error) {
	d := sha256.New()
	if _, err := io.Copy(d, r); err != nil {
		return "", fmt.Errorf("read content: %w", err)
	}
	return format(d.Sum(nil)), nil
}

// Verify checks r against a digest produced by Hash or HashReader.
func (h *Hasher) Verify(r io.Reader, digest string) error {
	hexSum, ok := strings.CutPrefix(digest, Prefix)
	if !ok {
		return fmt.Errorf("digest %q: missing %q prefix", digest, Prefix)
	}
	if _, err := hex.DecodeString(hexSum); err != nil || len(hexSum) != sha256.Size*2 {
		return fmt.Errorf("digest %q: malformed", digest)
	}
	got, err := h.HashReader(r)
	if err != nil {
		return err
	}
	if got != digest {
		return fmt.Errorf("%w: got %s, want %s", ErrMismatch, got, digest)
	}
	return nil
}

func format(sum []byte) string {
	return Prefix + hex.EncodeToString(sum)
}
