package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
)

// FileStore persists one JSON file per car under Dir: a simple
// single-JSON-file-per-secret layout, one record per car id rather than
// one shared pairing file.
type FileStore struct {
	Dir string

	mu sync.Mutex
}

// NewFileStore returns a FileStore rooted at dir. The directory must
// already exist; FileStore never creates it.
func NewFileStore(dir string) *FileStore {
	return &FileStore{Dir: dir}
}

func (s *FileStore) path(carID string) string {
	return filepath.Join(s.Dir, carID+".json")
}

func (s *FileStore) load(carID string) (*Credential, error) {
	data, err := os.ReadFile(s.path(carID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var cred Credential
	if err := json.Unmarshal(data, &cred); err != nil {
		return nil, err
	}
	return &cred, nil
}

func (s *FileStore) save(cred *Credential) error {
	data, err := json.Marshal(cred)
	if err != nil {
		return err
	}
	return os.WriteFile(s.path(cred.CarID), data, 0600)
}

func (s *FileStore) PutKey(carID string, authenticationKey []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cred, err := s.load(carID)
	if err != nil {
		if err != ErrNotFound {
			return err
		}
		cred = &Credential{CarID: carID}
	}
	cred.AuthenticationKey = authenticationKey
	return s.save(cred)
}

func (s *FileStore) GetKey(carID string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cred, err := s.load(carID)
	if err != nil {
		return nil, err
	}
	return cred.AuthenticationKey, nil
}

func (s *FileStore) PutSession(carID string, savedSession []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cred, err := s.load(carID)
	if err != nil {
		if err != ErrNotFound {
			return err
		}
		cred = &Credential{CarID: carID}
	}
	cred.SavedSession = savedSession
	return s.save(cred)
}

func (s *FileStore) GetSession(carID string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cred, err := s.load(carID)
	if err != nil {
		return nil, err
	}
	return cred.SavedSession, nil
}

func (s *FileStore) PutFeatureStatus(carID string, featureStatus []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cred, err := s.load(carID)
	if err != nil {
		if err != ErrNotFound {
			return err
		}
		cred = &Credential{CarID: carID}
	}
	cred.FeatureStatus = featureStatus
	return s.save(cred)
}

func (s *FileStore) GetFeatureStatus(carID string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cred, err := s.load(carID)
	if err != nil {
		return nil, err
	}
	return cred.FeatureStatus, nil
}

func (s *FileStore) Delete(carID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(s.path(carID))
	if err != nil && os.IsNotExist(err) {
		return nil
	}
	return err
}

func (s *FileStore) ListIDs() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.Dir)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		ids = append(ids, e.Name()[:len(e.Name())-len(".json")])
	}
	return ids, nil
}

var _ CredentialStore = (*FileStore)(nil)
