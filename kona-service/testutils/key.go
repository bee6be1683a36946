package testutils

import (
	"crypto/ecdsa"
	"math/rand"

	"github.com/ethereum/go-ethereum/crypto"
)

func newKey(rng *rand.Rand) (*ecdsa.PrivateKey, error) {
	return ecdsa.GenerateKey(crypto.S256(), rng)
}

// RandomKey returns a secp256k1 private key drawn from rng.
func RandomKey(rng *rand.Rand) *ecdsa.PrivateKey {
	key, err := newKey(rng)
	if err != nil {
		panic(err)
	}
	return key
}
