package level

import (
	json "github.com/goccy/go-json"
	"github.com/tendermint/tendermint/libs/log"
	dbm "github.com/tendermint/tm-db"
)

type KVStore struct {
	LevelDb dbm.DB
	Logger  log.Logger
}

func NewKVStore(db dbm.DB, logger log.Logger) *KVStore {
	return &KVStore{
		LevelDb: db,
		Logger:  logger,
	}
}

func (cache *KVStore) Get(key string) ([]byte, error) {
	return cache.LevelDb.Get([]byte(key))
}

func (cache *KVStore) GetArray(key string) ([]string, error) {
	bArr, err := cache.LevelDb.Get([]byte(key))
	if err != nil {
		return []string{}, err
	}
	if bArr == nil {
		return []string{}, nil
	}
	var arr []string
	err = json.Unmarshal(bArr, &arr)
	if err != nil {
		return []string{}, err
	}
	return arr, nil
}

func (cache *KVStore) Set(key string, value []byte) error {
	return cache.LevelDb.Set([]byte(key), value)
}

// Keys returns every key under prefix in ascending byte order, at most limit of them (limit <= 0 means all)
func (cache *KVStore) Keys(prefix string, limit int) ([]string, error) {
	it, err := dbm.IteratePrefix(cache.LevelDb, []byte(prefix))
	if err != nil {
		return nil, err
	}
	defer it.Close()
	keys := []string{}
	for ; it.Valid(); it.Next() {
		keys = append(keys, string(it.Key()))
		if limit > 0 && len(keys) >= limit {
			break
		}
	}
	return keys, nil
}

// Write applies sets and deletes in one leveldb batch so the row and its indexes move together
func (cache *KVStore) Write(sets map[string][]byte, deletes []string) error {
	batch := cache.LevelDb.NewBatch()
	defer batch.Close()
	for k, v := range sets {
		batch.Set([]byte(k), v)
	}
	for _, k := range deletes {
		batch.Delete([]byte(k))
	}
	return batch.Write()
}

func (cache *KVStore) Close() error {
	return cache.LevelDb.Close()
}
