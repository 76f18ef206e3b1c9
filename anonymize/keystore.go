// Package anonymize replaces patient-identifying attributes of received
// objects with deterministic tokens. Patient ID tokens are persisted in a
// JSON key file so that a patient keeps the same token across exports.
package anonymize

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// PurposePatientID is the hash purpose of persisted patient ID tokens.
const PurposePatientID = "PatientID"

// HashToken derives a token from purpose, id and salt: "A" followed by the
// first four bytes of the SHA-256 digest in upper-case hex.
func HashToken(purpose, id, salt string) string {
	sum := sha256.Sum256([]byte(purpose + ":" + id + ":" + salt))
	return "A" + strings.ToUpper(hex.EncodeToString(sum[:4]))
}

type keyFile struct {
	Mappings map[string]string `json:"Mappings"`
}

// KeyStore maps original patient IDs to tokens, backed by a JSON file.
// It is safe for concurrent use.
type KeyStore struct {
	path   string
	salt   string
	logger *slog.Logger

	mu       sync.Mutex
	loaded   bool
	readOnly bool // file exists but could not be read; never overwrite it
	mappings map[string]string
}

// NewKeyStore returns a store persisted at path. The file is read on first use.
func NewKeyStore(path, salt string, logger *slog.Logger) *KeyStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &KeyStore{
		path:     path,
		salt:     salt,
		logger:   logger,
		mappings: make(map[string]string),
	}
}

// Path returns the location of the key file.
func (k *KeyStore) Path() string {
	return k.path
}

// Token returns the token assigned to id, creating and persisting one when
// the id is new. If the key file cannot be read or written the hash is
// returned without being persisted.
func (k *KeyStore) Token(id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", errors.New("anonymize: empty identifier")
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	if !k.loaded {
		k.load()
	}
	if token, ok := k.mappings[id]; ok {
		return token, nil
	}

	token := HashToken(PurposePatientID, id, k.salt)
	k.mappings[id] = token
	if k.readOnly {
		return token, nil
	}
	if err := k.save(); err != nil {
		k.logger.Warn("Anonymization key not persisted", "path", k.path, "error", err)
	}
	return token, nil
}

// load must be called with mu held.
func (k *KeyStore) load() {
	k.loaded = true

	data, err := os.ReadFile(k.path)
	if errors.Is(err, fs.ErrNotExist) {
		return
	}
	if err != nil {
		k.readOnly = true
		k.logger.Warn("Anonymization key file unreadable, tokens will not be persisted", "path", k.path, "error", err)
		return
	}

	var file keyFile
	if err := json.Unmarshal(data, &file); err != nil {
		k.readOnly = true
		k.logger.Warn("Anonymization key file is corrupt, tokens will not be persisted", "path", k.path, "error", err)
		return
	}
	for id, token := range file.Mappings {
		k.mappings[id] = token
	}
	k.logger.Debug("Anonymization key file loaded", "path", k.path, "mappings", len(k.mappings))
}

// save must be called with mu held. The file is replaced atomically.
func (k *KeyStore) save() error {
	data, err := json.MarshalIndent(keyFile{Mappings: k.mappings}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode key file: %w", err)
	}

	dir := filepath.Dir(k.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create key directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".anonkey-*")
	if err != nil {
		return fmt.Errorf("failed to create temporary key file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write key file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write key file: %w", err)
	}
	if err := os.Rename(tmp.Name(), k.path); err != nil {
		return fmt.Errorf("failed to replace key file: %w", err)
	}
	return nil
}
