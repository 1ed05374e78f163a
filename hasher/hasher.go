// Package hasher produces and verifies argon2id password hashes encoded in
// the PHC string format:
//
//	$argon2id$v=19$m=65536,t=3,p=4$<salt>$<key>
//
// Salt and key are unpadded standard base64. A Hasher is immutable after
// construction and safe for concurrent use.
package hasher

import (
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/crypto/argon2"

	"github.com/jmcleod/ironguard/internal/util"
)

const (
	algorithm = "argon2id"
	saltLen   = 16

	// Bounds applied to parameters parsed from stored hashes, so a corrupt or
	// hostile record cannot make verification allocate without limit.
	maxMemoryKiB = 1024 * 1024
	maxTime      = 16
	minBlobLen   = 8
	maxBlobLen   = 128
)

var b64 = base64.RawStdEncoding

// Hasher creates and verifies password hashes.
type Hasher struct {
	params util.Argon2idParams

	dummyOnce sync.Once
	dummy     string
}

// Option configures a Hasher.
type Option func(*Hasher) error

// WithParams sets explicit argon2id parameters.
func WithParams(p util.Argon2idParams) Option {
	return func(h *Hasher) error {
		h.params = p
		return nil
	}
}

// WithProfile selects one of the named cost profiles
// (util.KDFProfileInteractive, Moderate or Sensitive).
func WithProfile(name string) Option {
	return func(h *Hasher) error {
		p, err := util.Argon2idProfile(name)
		if err != nil {
			return err
		}
		h.params = p
		return nil
	}
}

// New returns a Hasher using util.DefaultArgon2idParams unless overridden.
func New(opts ...Option) (*Hasher, error) {
	h := &Hasher{params: util.DefaultArgon2idParams()}
	for _, opt := range opts {
		if err := opt(h); err != nil {
			return nil, err
		}
	}
	if err := util.ValidateArgon2idParams(h.params); err != nil {
		return nil, err
	}
	return h, nil
}

// Params returns the parameters new hashes are created with.
func (h *Hasher) Params() util.Argon2idParams {
	return h.params
}

// CreateHash hashes password with a fresh random salt. Two calls with the
// same password return different strings.
func (h *Hasher) CreateHash(password string) (string, error) {
	salt, err := util.RandomBytes(saltLen)
	if err != nil {
		return "", err
	}
	key, err := util.DeriveArgon2idKey(util.Normalize(password), salt, h.params)
	if err != nil {
		return "", err
	}
	defer util.WipeBytes(key)

	return fmt.Sprintf("$%s$v=%d$m=%d,t=%d,p=%d$%s$%s",
		algorithm, argon2.Version,
		h.params.MemoryKiB, h.params.Time, h.params.Parallelism,
		b64.EncodeToString(salt), b64.EncodeToString(key)), nil
}

// VerifyHash reports whether password matches encoded. Malformed, foreign or
// out-of-bounds input never matches.
func (h *Hasher) VerifyHash(password, encoded string) bool {
	d, ok := decode(encoded)
	if !ok {
		return false
	}
	key := argon2.IDKey([]byte(util.Normalize(password)), d.salt, d.time, d.memory, d.threads, uint32(len(d.key)))
	defer util.WipeBytes(key)
	return subtle.ConstantTimeCompare(key, d.key) == 1
}

// VerifyDummy performs one verification against a throwaway hash and discards
// the result. Callers use it when there is no stored hash to check so the
// request costs the same as a wrong password.
func (h *Hasher) VerifyDummy(password string) {
	h.dummyOnce.Do(func() {
		// RandomBytes only fails when the system RNG is unusable; an empty
		// dummy then decodes as malformed and VerifyHash returns early.
		h.dummy, _ = h.CreateHash("ironguard-dummy-password")
	})
	h.VerifyHash(password, h.dummy)
}

type decoded struct {
	memory  uint32
	time    uint32
	threads uint8
	salt    []byte
	key     []byte
}

func decode(encoded string) (decoded, bool) {
	var d decoded
	// "", "argon2id", "v=19", "m=..,t=..,p=..", salt, key
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[0] != "" || parts[1] != algorithm {
		return d, false
	}
	if parts[2] != "v="+strconv.Itoa(argon2.Version) {
		return d, false
	}
	if !parseParams(parts[3], &d) {
		return d, false
	}

	var err error
	if d.salt, err = b64.DecodeString(parts[4]); err != nil || !blobLenOK(d.salt) {
		return d, false
	}
	if d.key, err = b64.DecodeString(parts[5]); err != nil || !blobLenOK(d.key) {
		return d, false
	}
	return d, true
}

func parseParams(s string, d *decoded) bool {
	fields := strings.Split(s, ",")
	if len(fields) != 3 {
		return false
	}
	values := make([]uint64, 3)
	for i, name := range []string{"m", "t", "p"} {
		v, ok := strings.CutPrefix(fields[i], name+"=")
		if !ok {
			return false
		}
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return false
		}
		values[i] = n
	}
	m, t, p := values[0], values[1], values[2]
	if m == 0 || m > maxMemoryKiB || t == 0 || t > maxTime || p == 0 || p > 255 {
		return false
	}
	// argon2 requires at least 8*p KiB of memory.
	if m < 8*p {
		return false
	}
	d.memory, d.time, d.threads = uint32(m), uint32(t), uint8(p)
	return true
}

func blobLenOK(b []byte) bool {
	return len(b) >= minBlobLen && len(b) <= maxBlobLen
}
