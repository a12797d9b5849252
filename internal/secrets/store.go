// Package secrets implements the at-rest credential store.
//
// Plaintext credentials are sealed with AES-256-GCM under a master key the
// store generates once and persists next to the ciphertext. The master key
// never derives from an external secret, so rotating external credentials
// leaves ciphertext on disk readable. Callers that need the cleartext ask
// for a materialized copy scoped to one running instance and release it
// when the instance stops.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"toolgate/internal/fault"
	"toolgate/pkg/logging"
)

const (
	masterKeyFile = "master.key"
	secretsDir    = "secrets"
	keySize       = 32

	// materializePrefix distinguishes a materialized cleartext copy from
	// the stored name so the two can never collide inside one directory.
	materializePrefix = "tg-"
)

// Store encrypts and decrypts credential material.
type Store struct {
	dir string
	key []byte
}

// NewStore opens the store rooted at dataDir, generating and persisting a
// master key on first use.
func NewStore(dataDir string) (*Store, error) {
	dir := filepath.Join(dataDir, secretsDir)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating secret directory: %w", err)
	}

	key, err := loadOrCreateKey(filepath.Join(dataDir, masterKeyFile))
	if err != nil {
		return nil, err
	}

	return &Store{dir: dir, key: key}, nil
}

// Store encrypts plaintext under the given name and returns the handle
// used to materialize it later. Storing under an existing name replaces
// the previous ciphertext.
func (s *Store) Store(name string, plaintext []byte) (string, error) {
	if err := validateName(name); err != nil {
		return "", err
	}

	sealed, err := s.seal(plaintext)
	if err != nil {
		return "", err
	}

	path := s.cipherPath(name)
	if err := writeFileRetry(path, sealed, 0o600); err != nil {
		return "", err
	}

	logging.Debug("SecretStore", "Stored secret %s (%d bytes ciphertext)", name, len(sealed))
	return name, nil
}

// Load decrypts a stored secret and returns the plaintext without
// touching disk with cleartext.
func (s *Store) Load(name string) ([]byte, error) {
	data, err := readFileRetry(s.cipherPath(name))
	if err != nil {
		return nil, fault.Wrap(fault.IOFailure, err, "reading secret %s", name)
	}
	plaintext, err := s.open(data)
	if err != nil {
		return nil, fault.Wrap(fault.DecryptionFailed, err, "secret %s is unreadable", name)
	}
	return plaintext, nil
}

// Materialize writes a cleartext copy of the named secret into targetDir
// and returns its path. The copy is named with a distinguishing prefix and
// is owned by the instance the directory belongs to; it must be released
// when that instance stops.
func (s *Store) Materialize(name, targetDir string) (string, error) {
	plaintext, err := s.Load(name)
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(targetDir, 0o700); err != nil {
		return "", fault.Wrap(fault.IOFailure, err, "creating %s", targetDir)
	}

	path := filepath.Join(targetDir, MaterializedName(name))
	if err := writeFileRetry(path, plaintext, 0o600); err != nil {
		return "", err
	}

	logging.Debug("SecretStore", "Materialized secret %s at %s", name, path)
	return path, nil
}

// Release removes a materialized cleartext copy. It is idempotent: a path
// that no longer exists is not an error.
func (s *Store) Release(path string) error {
	err := os.Remove(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fault.Wrap(fault.IOFailure, err, "releasing %s", path)
	}
	return nil
}

// ReleaseDir removes an entire per-instance materialization directory.
// Like Release it tolerates a directory that is already gone.
func (s *Store) ReleaseDir(dir string) error {
	err := os.RemoveAll(dir)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fault.Wrap(fault.IOFailure, err, "releasing %s", dir)
	}
	return nil
}

// Exists reports whether a secret is stored under the given name.
func (s *Store) Exists(name string) bool {
	_, err := os.Stat(s.cipherPath(name))
	return err == nil
}

// List returns the names of all stored secrets, sorted.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fault.Wrap(fault.IOFailure, err, "listing secrets")
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".enc") {
			continue
		}
		names = append(names, strings.TrimSuffix(e.Name(), ".enc"))
	}
	sort.Strings(names)
	return names, nil
}

// Delete removes a stored secret's ciphertext. Idempotent.
func (s *Store) Delete(name string) error {
	if err := validateName(name); err != nil {
		return err
	}
	err := os.Remove(s.cipherPath(name))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fault.Wrap(fault.IOFailure, err, "deleting secret %s", name)
	}
	return nil
}

// MaterializedName returns the filename a materialized copy of the named
// secret gets. Backends see this name at a fixed path inside their
// runtime, so it is part of the mount contract.
func MaterializedName(name string) string {
	return materializePrefix + name
}

func (s *Store) cipherPath(name string) string {
	return filepath.Join(s.dir, name+".enc")
}

func (s *Store) seal(plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(s.key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}

	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func (s *Store) open(sealed []byte) ([]byte, error) {
	block, err := aes.NewCipher(s.key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}

	if len(sealed) < gcm.NonceSize() {
		return nil, fmt.Errorf("ciphertext too short")
	}
	nonce, ciphertext := sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():]

	return gcm.Open(nil, nonce, ciphertext, nil)
}

func loadOrCreateKey(path string) ([]byte, error) {
	key, err := os.ReadFile(path)
	if err == nil {
		if len(key) != keySize {
			return nil, fmt.Errorf("master key at %s has unexpected size %d", path, len(key))
		}
		return key, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("reading master key: %w", err)
	}

	key = make([]byte, keySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("generating master key: %w", err)
	}
	if err := os.WriteFile(path, key, 0o600); err != nil {
		return nil, fmt.Errorf("persisting master key: %w", err)
	}

	logging.Info("SecretStore", "Generated new master key at %s", path)
	return key, nil
}

// readFile is swapped in tests to simulate transient read failures.
var readFile = os.ReadFile

// readFileRetry reads a file, retrying once on failure before giving up.
func readFileRetry(path string) ([]byte, error) {
	data, err := readFile(path)
	if err == nil {
		return data, nil
	}
	if data, retryErr := readFile(path); retryErr == nil {
		return data, nil
	}
	return nil, err
}

// writeFileRetry writes a file, retrying once on failure before giving
// up.
func writeFileRetry(path string, data []byte, perm os.FileMode) error {
	err := os.WriteFile(path, data, perm)
	if err == nil {
		return nil
	}
	if retryErr := os.WriteFile(path, data, perm); retryErr == nil {
		return nil
	}
	return fault.Wrap(fault.IOFailure, err, "writing %s", path)
}

func validateName(name string) error {
	if name == "" {
		return fmt.Errorf("empty secret name")
	}
	if strings.ContainsAny(name, "/\\") || name == "." || name == ".." {
		return fmt.Errorf("invalid secret name %q", name)
	}
	return nil
}
