package notify

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"os/user"
)

// keyContext versions the derivation so a future scheme change can
// detect old blobs.
const keyContext = "labscheduler.smtp.v1"

// machineKey derives the AES key from host and user identity. The
// resulting blob is machine-scoped: copying the store file to another
// host leaves the password undecryptable, matching DPAPI semantics.
func machineKey() []byte {
	host, _ := os.Hostname()
	username := ""
	if u, err := user.Current(); err == nil {
		username = u.Username
	}
	sum := sha256.Sum256([]byte(keyContext + "|" + host + "|" + username))
	return sum[:]
}

// EncryptPassword seals a plaintext SMTP password into an opaque blob.
// The nonce is prepended so the blob is self-contained.
func EncryptPassword(plain string) ([]byte, error) {
	block, err := aes.NewCipher(machineKey())
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init gcm: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, []byte(plain), nil), nil
}

// DecryptPassword opens a blob produced by EncryptPassword on the same
// host and user.
func DecryptPassword(blob []byte) (string, error) {
	if len(blob) == 0 {
		return "", nil
	}
	block, err := aes.NewCipher(machineKey())
	if err != nil {
		return "", fmt.Errorf("init cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("init gcm: %w", err)
	}
	if len(blob) < gcm.NonceSize() {
		return "", fmt.Errorf("password blob too short")
	}
	nonce, sealed := blob[:gcm.NonceSize()], blob[gcm.NonceSize():]
	plain, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("decrypt password: %w", err)
	}
	return string(plain), nil
}
