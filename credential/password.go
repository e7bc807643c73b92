package credential

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/argon2"
)

// argon2id parameters, chosen at the minimum strength named by the spec:
// 19 MiB memory, 2 iterations, 1 lane.
const (
	argonTime    = 2
	argonMemory  = 19 * 1024
	argonThreads = 1
	argonKeyLen  = 32
	saltLen      = 16
)

// hashSecret derives an encoded argon2id hash of secret, in the form
// argon2id$time,memory,threads$salt$hash, both salt and hash base64
// raw-url-encoded.
func hashSecret(secret string) (string, error) {
	salt := make([]byte, saltLen)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", err
	}
	hash := argon2.IDKey([]byte(secret), salt, argonTime, argonMemory, argonThreads, argonKeyLen)

	return fmt.Sprintf("argon2id$%d,%d,%d$%s$%s",
		argonTime, argonMemory, argonThreads,
		base64.RawURLEncoding.EncodeToString(salt),
		base64.RawURLEncoding.EncodeToString(hash),
	), nil
}

var errMalformedHash = errors.New("credential: malformed password hash")

// verifySecret recomputes the hash of secret using the parameters and salt
// encoded in stored, and compares it to the stored hash in constant time.
func verifySecret(secret, stored string) (bool, error) {
	parts := strings.Split(stored, "$")
	if len(parts) != 4 || parts[0] != "argon2id" {
		return false, errMalformedHash
	}

	var t uint32
	var m uint32
	var p uint8
	if _, err := fmt.Sscanf(parts[1], "%d,%d,%d", &t, &m, &p); err != nil {
		return false, errMalformedHash
	}

	salt, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return false, errMalformedHash
	}
	want, err := base64.RawURLEncoding.DecodeString(parts[3])
	if err != nil {
		return false, errMalformedHash
	}

	got := argon2.IDKey([]byte(secret), salt, t, m, p, uint32(len(want)))
	return subtle.ConstantTimeCompare(got, want) == 1, nil
}
