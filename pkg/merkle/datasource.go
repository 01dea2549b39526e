package merkle

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
)

// DataSource is the narrow persistence interface a virtual map's off-heap
// leaf storage is consumed through.
// Keys are leaf paths; values are opaque leaf payloads (key+value already
// combined by the caller).
type DataSource interface {
	LoadLeaf(path Path) ([]byte, error)
	SaveLeaf(path Path, data []byte) error
	DeleteLeaf(path Path) error
	Close() error
}

// memoryDataSource is an in-memory DataSource, used by tests and by small
// virtual maps that do not warrant a disk-backed store.
type memoryDataSource struct {
	mu    sync.RWMutex
	leafs map[Path][]byte
}

// NewMemoryDataSource creates an in-memory DataSource.
func NewMemoryDataSource() DataSource {
	return &memoryDataSource{leafs: make(map[Path][]byte)}
}

func (m *memoryDataSource) LoadLeaf(path Path) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.leafs[path]
	if !ok {
		return nil, ErrNodeNotFound
	}
	return data, nil
}

func (m *memoryDataSource) SaveLeaf(path Path, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.leafs[path] = append([]byte(nil), data...)
	return nil
}

func (m *memoryDataSource) DeleteLeaf(path Path) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.leafs, path)
	return nil
}

func (m *memoryDataSource) Close() error { return nil }

// LevelDBDataSource is the production DataSource, backing a virtual map's
// leaf range on disk. Grounded on the pack's LevelDB storage adapter
// (_examples/tolelom-tolchain/storage/leveldb.go) and on the teacher's
// NodeDatabase (pkg/trie/database.go) two-layer dirty/disk split applied
// here as a thin single-layer wrapper since leaves are written once per
// round via the signed-state pipeline rather than mutated in place.
type LevelDBDataSource struct {
	db *leveldb.DB
}

// OpenLevelDBDataSource opens (or creates) a LevelDB database at path for
// a virtual map's leaf storage.
func OpenLevelDBDataSource(path string) (*LevelDBDataSource, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("merkle: open leveldb %q: %w", path, err)
	}
	return &LevelDBDataSource{db: db}, nil
}

func leafKey(path Path) []byte {
	var b [9]byte
	b[0] = 'l'
	binary.BigEndian.PutUint64(b[1:], uint64(path))
	return b[:]
}

// LoadLeaf reads the leaf stored at path.
func (d *LevelDBDataSource) LoadLeaf(path Path) ([]byte, error) {
	data, err := d.db.Get(leafKey(path), nil)
	if err == leveldb.ErrNotFound {
		return nil, ErrNodeNotFound
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

// SaveLeaf persists the leaf at path.
func (d *LevelDBDataSource) SaveLeaf(path Path, data []byte) error {
	return d.db.Put(leafKey(path), data, nil)
}

// DeleteLeaf removes the leaf at path.
func (d *LevelDBDataSource) DeleteLeaf(path Path) error {
	return d.db.Delete(leafKey(path), nil)
}

// Close closes the underlying LevelDB handle.
func (d *LevelDBDataSource) Close() error {
	return d.db.Close()
}

var (
	_ DataSource = (*memoryDataSource)(nil)
	_ DataSource = (*LevelDBDataSource)(nil)
)
