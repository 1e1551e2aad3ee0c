package olympus

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Credentials holds the access/refresh token pair issued by the platform.
// There is no expiry field: token validity is discovered reactively via 401.
type Credentials struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// CredentialStore is the narrow persistence surface the client depends on.
// The request pipeline is the only writer; everything else only reads.
type CredentialStore interface {
	AccessToken() (string, bool)
	RefreshToken() (string, bool)
	SetAccessToken(token string)
	SetCredentials(access, refresh string)
	Clear()
}

// CredentialSource is the read-only slice of CredentialStore used by
// components that must never mutate credentials (the realtime channel).
type CredentialSource interface {
	AccessToken() (string, bool)
}

// MemoryCredentialStore is an in-process CredentialStore, safe for concurrent
// use. It is the default store and the one tests wire in.
type MemoryCredentialStore struct {
	mu    sync.RWMutex
	creds Credentials
}

func NewMemoryCredentialStore() *MemoryCredentialStore {
	return &MemoryCredentialStore{}
}

func (s *MemoryCredentialStore) AccessToken() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.creds.AccessToken, s.creds.AccessToken != ""
}

func (s *MemoryCredentialStore) RefreshToken() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.creds.RefreshToken, s.creds.RefreshToken != ""
}

func (s *MemoryCredentialStore) SetAccessToken(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds.AccessToken = token
}

func (s *MemoryCredentialStore) SetCredentials(access, refresh string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds = Credentials{AccessToken: access, RefreshToken: refresh}
}

func (s *MemoryCredentialStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds = Credentials{}
}

// FileCredentialStore persists credentials as JSON under a base directory so a
// session survives process restarts. Files are written with owner-only
// permissions.
type FileCredentialStore struct {
	mu    sync.Mutex
	path  string
	creds Credentials
}

const credentialsFilename = "credentials.json"

// NewFileCredentialStore creates the base directory if needed and loads any
// previously persisted credentials.
func NewFileCredentialStore(baseDir string) (*FileCredentialStore, error) {
	if err := os.MkdirAll(baseDir, 0o700); err != nil {
		return nil, fmt.Errorf("create credential dir: %w", err)
	}

	s := &FileCredentialStore{path: filepath.Join(baseDir, credentialsFilename)}

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("read credential file: %w", err)
	}
	if err := json.Unmarshal(data, &s.creds); err != nil {
		return nil, fmt.Errorf("unmarshal credential file: %w", err)
	}
	return s, nil
}

func (s *FileCredentialStore) AccessToken() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.creds.AccessToken, s.creds.AccessToken != ""
}

func (s *FileCredentialStore) RefreshToken() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.creds.RefreshToken, s.creds.RefreshToken != ""
}

func (s *FileCredentialStore) SetAccessToken(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds.AccessToken = token
	s.persistLocked()
}

func (s *FileCredentialStore) SetCredentials(access, refresh string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds = Credentials{AccessToken: access, RefreshToken: refresh}
	s.persistLocked()
}

// Clear wipes the in-memory pair and removes the file. A missing file is not
// an error.
func (s *FileCredentialStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds = Credentials{}
	os.Remove(s.path)
}

func (s *FileCredentialStore) persistLocked() {
	data, err := json.MarshalIndent(s.creds, "", "  ")
	if err != nil {
		return
	}
	os.WriteFile(s.path, data, 0o600)
}

// maskToken shortens a token for log output.
func maskToken(token string) string {
	if len(token) <= 8 {
		return "****"
	}
	return token[:4] + "****" + token[len(token)-4:]
}
