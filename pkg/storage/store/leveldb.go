package store

import (
	"errors"

	"github.com/syndtr/goleveldb/leveldb"
)

// LevelStore is the leveldb-backed durable store.
type LevelStore struct {
	db *leveldb.DB
}

// NewLevelStore opens or creates a leveldb database at path.
func NewLevelStore(path string) (*LevelStore, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, err
	}
	return &LevelStore{db: db}, nil
}

func (s *LevelStore) Get(key []byte) ([]byte, error) {
	v, err := s.db.Get(key, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return v, nil
}

func (s *LevelStore) Has(key []byte) (bool, error) {
	return s.db.Has(key, nil)
}

func (s *LevelStore) Put(key, value []byte) error {
	return s.db.Put(key, value, nil)
}

// PutBatch writes all pairs through a leveldb batch so the write is atomic.
func (s *LevelStore) PutBatch(pairs []KV) error {
	batch := new(leveldb.Batch)
	for _, kv := range pairs {
		batch.Put(kv.Key, kv.Value)
	}
	return s.db.Write(batch, nil)
}

func (s *LevelStore) Close() error {
	return s.db.Close()
}
