package auth

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/m4xw311/parley/errors"
)

// Store persists credentials between runs.
type Store interface {
	Exists() bool
	Load() (*Credentials, error)
	Save(*Credentials) error
	Delete() error
	Path() string
}

// FileStore keeps credentials in a JSON file readable only by the owner.
// Writes go through a temp file and rename so a crash never leaves a
// half-written credential file behind.
type FileStore struct {
	path string
}

// NewFileStore returns a store backed by the given file path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// DefaultStorePath returns ~/.parley/credentials.json.
func DefaultStorePath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", errors.Wrapf(err, "resolving home directory")
	}
	return filepath.Join(home, ".parley", "credentials.json"), nil
}

func (s *FileStore) Path() string { return s.path }

func (s *FileStore) Exists() bool {
	_, err := os.Stat(s.path)
	return err == nil
}

func (s *FileStore) Load() (*Credentials, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading credentials from %s", s.path)
	}
	var creds Credentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return nil, errors.Wrapf(err, "parsing credentials file %s", s.path)
	}
	return &creds, nil
}

// Save writes the credentials atomically with owner-only permissions.
func (s *FileStore) Save(creds *Credentials) error {
	if creds == nil || creds.AccessToken == "" {
		return errors.New("refusing to persist credentials without an access token")
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return errors.Wrapf(err, "creating credentials directory %s", dir)
	}
	data, err := json.MarshalIndent(creds, "", "  ")
	if err != nil {
		return errors.Wrapf(err, "serializing credentials")
	}
	tmp, err := os.CreateTemp(dir, ".credentials-*")
	if err != nil {
		return errors.Wrapf(err, "creating temp credentials file")
	}
	tmpName := tmp.Name()
	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return errors.Wrapf(err, "restricting credentials file mode")
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return errors.Wrapf(err, "writing credentials")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return errors.Wrapf(err, "closing temp credentials file")
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return errors.Wrapf(err, "replacing credentials file")
	}
	return nil
}

// Delete removes the credential file. Deleting an absent file is not an
// error.
func (s *FileStore) Delete() error {
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "removing credentials file %s", s.path)
	}
	return nil
}
