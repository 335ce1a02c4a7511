// Package credstore persists a session's site cookies encrypted at rest.
//
// The encryption key is derived from stable local-machine attributes, so it
// survives process restarts without any external secret management but is not
// portable to another machine. This is a deliberate trade-off: the encryption
// protects cookie-equivalent secrets from casual disk inspection, not from an
// attacker with code and disk access on the same host.
package credstore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"runtime"

	"golang.org/x/crypto/hkdf"

	"bili-downloader/internal/domain"
)

// keyInfo namespaces the derived key so it cannot collide with other
// applications deriving keys from the same machine attributes.
const keyInfo = "bili-downloader cookie encryption v1"

func deriveKey() ([]byte, error) {
	host, err := os.Hostname()
	if err != nil {
		host = "localhost"
	}
	seed := host + "|" + runtime.GOOS + "|" + runtime.GOARCH

	key := make([]byte, 32)
	kdf := hkdf.New(sha256.New, []byte(seed), nil, []byte(keyInfo))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, err
	}
	return key, nil
}

// Store encrypts, decrypts and persists one session's credential set.
type Store struct {
	path string
	aead cipher.AEAD
}

// New creates a store writing to the given file path.
func New(path string) (*Store, error) {
	key, err := deriveKey()
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Store{path: path, aead: aead}, nil
}

// ForSession creates a store at the session's deterministic credential path.
// The token is URL-safe, so it is usable as a file name as-is.
func ForSession(dir, token string) (*Store, error) {
	return New(filepath.Join(dir, token+".dat"))
}

// Path returns the backing file path.
func (s *Store) Path() string {
	return s.path
}

// Save serializes and encrypts the credential set, then writes it atomically
// (temp file + rename) with owner-only permissions.
func (s *Store) Save(creds domain.CredentialSet) error {
	plaintext, err := json.Marshal(creds)
	if err != nil {
		return err
	}

	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return err
	}
	sealed := s.aead.Seal(nonce, nonce, plaintext, nil)

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".cookies-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(sealed); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, s.path)
}

// Load reads and decrypts the credential set. A missing file, a file that
// fails to decrypt or decrypts to invalid JSON all yield (nil, false):
// corrupted or foreign content is treated as "no credentials", never as a
// fatal condition.
func (s *Store) Load() (domain.CredentialSet, bool) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return nil, false
	}
	if len(raw) <= s.aead.NonceSize() {
		return nil, false
	}

	nonce, sealed := raw[:s.aead.NonceSize()], raw[s.aead.NonceSize():]
	plaintext, err := s.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, false
	}

	var creds domain.CredentialSet
	if err := json.Unmarshal(plaintext, &creds); err != nil {
		return nil, false
	}
	return creds, true
}

// IsAuthenticated reports whether a non-empty credential set is stored.
func (s *Store) IsAuthenticated() bool {
	creds, ok := s.Load()
	return ok && len(creds) > 0
}

// Delete removes the backing file. A missing file is not an error.
func (s *Store) Delete() error {
	err := os.Remove(s.path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
