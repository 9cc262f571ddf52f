package secrets

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/nacl/secretbox"
	"golang.org/x/crypto/scrypt"
	"gopkg.in/yaml.v3"
)

// Well-known keys
const (
	KeyAccessToken = "accessToken"
	KeyUserID      = "userId"
)

const (
	fileVersion = 1
	saltSize    = 16
	nonceSize   = 24
	keySize     = 32
)

// scrypt cost parameters
var (
	scryptN = 1 << 15
	scryptR = 8
	scryptP = 1
)

var (
	ErrDecrypt      = errors.New("secret could not be decrypted (wrong passphrase or corrupt file)")
	ErrNoPassphrase = errors.New("secret store passphrase is empty")
)

// storeFile is the on-disk layout
type storeFile struct {
	Version int               `yaml:"version"`
	Salt    string            `yaml:"salt"`
	Entries map[string]string `yaml:"entries"`
}

// Store is a small encrypted key/value file. Values are sealed individually
// with NaCl secretbox under a key derived from the passphrase.
type Store struct {
	path string

	mu      sync.Mutex
	salt    []byte
	key     [keySize]byte
	entries map[string]string
}

// Open loads the store at path, or prepares an empty one if the file does not
// exist yet. Nothing is written until the first Save.
func Open(path, passphrase string) (*Store, error) {
	if passphrase == "" {
		return nil, ErrNoPassphrase
	}

	s := &Store{path: path, entries: make(map[string]string)}

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		s.salt = make([]byte, saltSize)
		if _, err := io.ReadFull(rand.Reader, s.salt); err != nil {
			return nil, fmt.Errorf("failed to generate salt: %w", err)
		}
	case err != nil:
		return nil, fmt.Errorf("failed to read secret store: %w", err)
	default:
		var file storeFile
		if err := yaml.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("failed to parse secret store: %w", err)
		}
		if file.Version != fileVersion {
			return nil, fmt.Errorf("unsupported secret store version %d", file.Version)
		}
		salt, err := base64.StdEncoding.DecodeString(file.Salt)
		if err != nil || len(salt) != saltSize {
			return nil, fmt.Errorf("secret store salt is invalid")
		}
		s.salt = salt
		for k, v := range file.Entries {
			s.entries[k] = v
		}
	}

	derived, err := scrypt.Key([]byte(passphrase), s.salt, scryptN, scryptR, scryptP, keySize)
	if err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}
	copy(s.key[:], derived)
	return s, nil
}

// Read returns the value stored under key. ok is false when the key is absent.
func (s *Store) Read(key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	encoded, ok := s.entries[key]
	if !ok {
		return "", false, nil
	}
	sealed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil || len(sealed) < nonceSize+secretbox.Overhead {
		return "", false, fmt.Errorf("secret %q: %w", key, ErrDecrypt)
	}

	var nonce [nonceSize]byte
	copy(nonce[:], sealed[:nonceSize])
	plain, ok := secretbox.Open(nil, sealed[nonceSize:], &nonce, &s.key)
	if !ok {
		return "", false, fmt.Errorf("secret %q: %w", key, ErrDecrypt)
	}
	return string(plain), true, nil
}

// Save stores value under key and rewrites the file
func (s *Store) Save(value, key string) error {
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return fmt.Errorf("failed to generate nonce: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sealed := secretbox.Seal(nonce[:], []byte(value), &nonce, &s.key)
	s.entries[key] = base64.StdEncoding.EncodeToString(sealed)
	return s.flushLocked()
}

// Delete removes key. Deleting an absent key is not an error.
func (s *Store) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[key]; !ok {
		return nil
	}
	delete(s.entries, key)
	return s.flushLocked()
}

// Token returns the stored access token, or "" when none is saved
func (s *Store) Token(ctx context.Context) (string, error) {
	token, _, err := s.Read(KeyAccessToken)
	return token, err
}

// flushLocked writes the file through a temp file and rename
func (s *Store) flushLocked() error {
	file := storeFile{
		Version: fileVersion,
		Salt:    base64.StdEncoding.EncodeToString(s.salt),
		Entries: s.entries,
	}
	data, err := yaml.Marshal(&file)
	if err != nil {
		return fmt.Errorf("failed to encode secret store: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create secret store directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".secrets-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write secret store: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to set secret store permissions: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close secret store: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace secret store: %w", err)
	}
	return nil
}
