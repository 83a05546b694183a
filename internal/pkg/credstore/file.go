package credstore

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/jake-scott/devicehub/internal/pkg/logging"
)

// FileStore keeps all records in one sealed JSON file. Every write rewrites
// the file through a temporary file and rename.
type FileStore struct {
	mu       sync.Mutex
	fileName string
	sealer   *Sealer
}

// Version of the file that we marshal/unmarshal
type fileMarshal struct {
	Version int    `json:"version"`
	Sealed  []byte `json:"sealed"`
}

func NewFileStore(fileName string, sealer *Sealer) *FileStore {
	return &FileStore{fileName: fileName, sealer: sealer}
}

func (s *FileStore) load() (map[string]TokenRecord, error) {
	recs := make(map[string]TokenRecord)

	file, err := os.OpenFile(s.fileName, os.O_RDONLY, 0600)
	if os.IsNotExist(err) {
		return recs, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "opening credential file %s for read", s.fileName)
	}
	defer file.Close()

	fm := fileMarshal{}
	if err := json.NewDecoder(file).Decode(&fm); err != nil {
		return nil, errors.Wrapf(err, "loading credential file %s", s.fileName)
	}

	plain, err := s.sealer.Open(fm.Sealed)
	if err != nil {
		return nil, errors.Wrapf(err, "unsealing credential file %s", s.fileName)
	}
	if err := json.Unmarshal(plain, &recs); err != nil {
		return nil, errors.Wrapf(err, "decoding credential file %s", s.fileName)
	}
	return recs, nil
}

func (s *FileStore) save(recs map[string]TokenRecord) error {
	plain, err := json.Marshal(recs)
	if err != nil {
		return errors.Wrap(err, "encoding credentials")
	}
	sealed, err := s.sealer.Seal(plain)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.fileName), ".creds-*")
	if err != nil {
		return errors.Wrapf(err, "creating temporary credential file next to %s", s.fileName)
	}
	defer os.Remove(tmp.Name())

	encoder := json.NewEncoder(tmp)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(fileMarshal{Version: 1, Sealed: sealed}); err != nil {
		tmp.Close()
		return errors.Wrapf(err, "saving credentials to %s", tmp.Name())
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrapf(err, "closing %s", tmp.Name())
	}
	if err := os.Rename(tmp.Name(), s.fileName); err != nil {
		return errors.Wrapf(err, "replacing credential file %s", s.fileName)
	}

	logging.Component(nil, "credstore").Debugf("saved %d credentials to %s", len(recs), s.fileName)
	return nil
}

func (s *FileStore) Get(_ context.Context, key Key) (TokenRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	recs, err := s.load()
	if err != nil {
		return TokenRecord{}, err
	}
	rec, ok := recs[key.String()]
	if !ok {
		return TokenRecord{}, ErrNotFound
	}
	return rec, nil
}

func (s *FileStore) Set(_ context.Context, rec TokenRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	recs, err := s.load()
	if err != nil {
		return err
	}
	recs[rec.Key().String()] = rec
	return s.save(recs)
}

func (s *FileStore) Delete(_ context.Context, key Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	recs, err := s.load()
	if err != nil {
		return err
	}
	if _, ok := recs[key.String()]; !ok {
		return nil
	}
	delete(recs, key.String())
	return s.save(recs)
}

func (s *FileStore) List(_ context.Context) ([]TokenRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	recs, err := s.load()
	if err != nil {
		return nil, err
	}
	out := make([]TokenRecord, 0, len(recs))
	for _, r := range recs {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key().String() < out[j].Key().String() })
	return out, nil
}
