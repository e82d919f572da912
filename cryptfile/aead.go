package cryptfile

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
)

// seal and open wrap 256-bit AES-GCM the same way drive/encrypt/encrypt.go's
// Encrypt/Decrypt did for whole-blob encryption: output (or input) takes the
// form nonce|ciphertext|tag.  Here they operate per fixed-size block instead
// of per artifact, which is what lets CachedFile do authenticated random
// access instead of decrypting an entire blob on every read.
func seal(plaintext []byte, key *[32]byte) ([]byte, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %s", err)
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func open(ciphertext []byte, key *[32]byte) ([]byte, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < gcm.NonceSize() {
		return nil, errors.New("malformed ciphertext: too short")
	}
	nonce, body := ciphertext[:gcm.NonceSize()], ciphertext[gcm.NonceSize():]
	return gcm.Open(nil, nonce, body, nil)
}
