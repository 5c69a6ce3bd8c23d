package admission

import (
	"crypto/rand"
	"encoding/json"
	"fmt"

	"golang.org/x/crypto/nacl/box"
)

// generateKeyPair produces an ephemeral envelope-encryption key pair.
func generateKeyPair() (public, private []byte, err error) {
	pub, priv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generating key pair: %w", err)
	}
	return pub[:], priv[:], nil
}

// sealEnv encrypts the merged env map to the given public key. Only the
// holder of the private half (the worker, via the key store) can open it.
func sealEnv(env map[string]string, publicKey []byte) ([]byte, error) {
	if len(publicKey) != 32 {
		return nil, fmt.Errorf("public key must be 32 bytes, got %d", len(publicKey))
	}
	var pub [32]byte
	copy(pub[:], publicKey)

	plaintext, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshaling env map: %w", err)
	}
	sealed, err := box.SealAnonymous(nil, plaintext, &pub, rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("sealing env map: %w", err)
	}
	return sealed, nil
}

// openEnv decrypts a sealed env map. The kernel never calls this in
// production; it exists for the worker contract and tests.
func openEnv(sealed, publicKey, privateKey []byte) (map[string]string, error) {
	if len(publicKey) != 32 || len(privateKey) != 32 {
		return nil, fmt.Errorf("keys must be 32 bytes")
	}
	var pub, priv [32]byte
	copy(pub[:], publicKey)
	copy(priv[:], privateKey)

	plaintext, ok := box.OpenAnonymous(nil, sealed, &pub, &priv)
	if !ok {
		return nil, fmt.Errorf("opening sealed env map failed")
	}
	var env map[string]string
	if err := json.Unmarshal(plaintext, &env); err != nil {
		return nil, fmt.Errorf("unmarshaling env map: %w", err)
	}
	return env, nil
}
