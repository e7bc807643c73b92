package credential

import (
	"crypto/rand"
	"io"

	"github.com/btcsuite/btcd/btcutil/base58"
)

const (
	shortTokenBytes = 8
	longTokenBytes  = 24
)

// generateToken returns a base58-encoded token of n random bytes, grounded
// on the original's bs58-encoded access/secret key pair.
func generateToken(n int) (string, error) {
	raw := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, raw); err != nil {
		return "", err
	}
	return base58.Encode(raw), nil
}

func generateShortToken() (string, error) { return generateToken(shortTokenBytes) }
func generateLongToken() (string, error)  { return generateToken(longTokenBytes) }
