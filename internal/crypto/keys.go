// Package crypto holds the control-plane key material shared by mk and mk-server.
package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"golang.org/x/crypto/hkdf"
)

// SecretLen is the size of the shared control secret.
const SecretLen = 32

const signingInfo = "mdmkeeper control-plane hs256 v1"

// LoadOrCreateSecret reads the secret at path, creating it (0600) when absent.
func LoadOrCreateSecret(path string) ([]byte, error) {
	b, err := os.ReadFile(path)
	switch {
	case err == nil:
		if len(b) != SecretLen {
			return nil, fmt.Errorf("control key %s: want %d bytes, got %d", path, SecretLen, len(b))
		}
		return b, nil
	case !errors.Is(err, fs.ErrNotExist):
		return nil, fmt.Errorf("read control key: %w", err)
	}

	secret := make([]byte, SecretLen)
	if _, err := rand.Read(secret); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("control key dir: %w", err)
	}
	if err := publish(path, secret); err != nil {
		if errors.Is(err, fs.ErrExist) {
			// created concurrently by the other binary
			return LoadOrCreateSecret(path)
		}
		return nil, fmt.Errorf("create control key: %w", err)
	}
	return secret, nil
}

// publish writes secret to a temp file and hard-links it to path, so path
// never exists partially written and an existing key is never replaced.
func publish(path string, secret []byte) error {
	f, err := os.CreateTemp(filepath.Dir(path), ".control-key-*")
	if err != nil {
		return err
	}
	tmp := f.Name()
	defer os.Remove(tmp)

	if _, err := f.Write(secret); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp, 0o600); err != nil {
		return err
	}
	return os.Link(tmp, path)
}

// DeriveSigningKey derives the HS256 key from the shared secret via HKDF-SHA256.
func DeriveSigningKey(secret []byte) ([]byte, error) {
	if len(secret) == 0 {
		return nil, errors.New("empty control secret")
	}
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(signingInfo)), key); err != nil {
		return nil, err
	}
	return key, nil
}
