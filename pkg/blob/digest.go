// Package blob defines the content-address type used throughout hashback:
// a lowercase hex SHA-256 digest that doubles as an object store key.
package blob

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"regexp"
)

// EmptyDigest is the digest of a zero-length byte sequence, the reserved
// identifier used for the content of pipes and sockets.
const EmptyDigest = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"

// pattern matches a well-formed digest string: 64 lowercase hex characters.
var pattern = regexp.MustCompile(`^[0-9a-f]{64}$`)

// Digest is a SHA-256 content digest, used as a value type: it supports
// equality with == and can be used as a map key.
type Digest struct {
	hex string
}

// ParseDigest validates and wraps a hex digest string.
func ParseDigest(s string) (Digest, error) {
	if !pattern.MatchString(s) {
		return Digest{}, fmt.Errorf("%w: %q", ErrInvalidDigest, s)
	}
	return Digest{hex: s}, nil
}

// MustParseDigest is like ParseDigest but panics on error; for use with
// compile-time-constant digests (tests, the empty-digest constant).
func MustParseDigest(s string) Digest {
	d, err := ParseDigest(s)
	if err != nil {
		panic(err)
	}
	return d
}

// Empty is the digest of the empty byte sequence.
func Empty() Digest { return MustParseDigest(EmptyDigest) }

// IsZero reports whether this is the zero-value Digest (no digest set).
func (d Digest) IsZero() bool { return d.hex == "" }

// String returns the lowercase hex digest.
func (d Digest) String() string { return d.hex }

func (d Digest) MarshalJSON() ([]byte, error) {
	if d.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(d.hex)
}

func (d *Digest) UnmarshalJSON(data []byte) error {
	var s *string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == nil {
		*d = Digest{}
		return nil
	}
	parsed, err := ParseDigest(*s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// Hasher wraps a running SHA-256 computation, handing back a Digest on Sum.
type Hasher struct {
	h interface {
		io.Writer
		Sum([]byte) []byte
	}
}

// NewHasher starts a new digest computation.
func NewHasher() *Hasher {
	return &Hasher{h: sha256.New()}
}

func (h *Hasher) Write(p []byte) (int, error) { return h.h.Write(p) }

// Sum returns the digest of everything written so far.
func (h *Hasher) Sum() Digest {
	sum := h.h.Sum(nil)
	return Digest{hex: hex.EncodeToString(sum)}
}

// Of computes the digest of an in-memory byte sequence directly.
func Of(content []byte) Digest {
	sum := sha256.Sum256(content)
	return Digest{hex: hex.EncodeToString(sum[:])}
}

// OfReader streams r through SHA-256, returning its digest.
func OfReader(r io.Reader) (Digest, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return Digest{}, err
	}
	return Digest{hex: hex.EncodeToString(h.Sum(nil))}, nil
}

// ErrInvalidDigest is returned by parsing helpers when a string isn't a
// well-formed digest.
var ErrInvalidDigest = errors.New("blob: invalid digest")
