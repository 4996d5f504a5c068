package storage

import (
	"errors"
	"fmt"
	"os"

	"github.com/syndtr/goleveldb/leveldb"
	lverrors "github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/opt"
	lvstorage "github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Batch collects writes applied atomically by KV.Write.
type Batch struct {
	b leveldb.Batch
}

// NewBatch returns an empty batch.
func NewBatch() *Batch { return &Batch{} }

func (b *Batch) Put(key, value []byte) { b.b.Put(key, value) }

func (b *Batch) Delete(key []byte) { b.b.Delete(key) }

// Len returns the number of queued operations.
func (b *Batch) Len() int { return b.b.Len() }

func (b *Batch) Reset() { b.b.Reset() }

// LevelDB is a KV backed by goleveldb.
type LevelDB struct {
	db *leveldb.DB
	wo *opt.WriteOptions
}

// OpenLevelDB opens or creates a store in dir.
func OpenLevelDB(dir string, o Options) (*LevelDB, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, &Error{Op: "open", Err: err}
	}
	db, err := leveldb.OpenFile(dir, nil)
	if lverrors.IsCorrupted(err) {
		db, err = leveldb.RecoverFile(dir, nil)
	}
	if err != nil {
		return nil, &Error{Op: "open", Err: fmt.Errorf("%s: %w", dir, err)}
	}
	return &LevelDB{db: db, wo: &opt.WriteOptions{Sync: o.Sync}}, nil
}

// OpenMemory returns a store that lives only in memory.
func OpenMemory() *LevelDB {
	db, err := leveldb.Open(lvstorage.NewMemStorage(), nil)
	if err != nil {
		// A fresh memory storage cannot fail to open.
		panic(fmt.Sprintf("storage: open memory store: %v", err))
	}
	return &LevelDB{db: db, wo: &opt.WriteOptions{}}
}

func (l *LevelDB) Get(key []byte) ([]byte, error) {
	v, err := l.db.Get(key, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, &Error{Op: "get", Err: err}
	}
	return v, nil
}

func (l *LevelDB) Put(key, value []byte) error {
	if err := l.db.Put(key, value, l.wo); err != nil {
		return &Error{Op: "put", Err: err}
	}
	return nil
}

func (l *LevelDB) Delete(key []byte) error {
	if err := l.db.Delete(key, l.wo); err != nil {
		return &Error{Op: "delete", Err: err}
	}
	return nil
}

func (l *LevelDB) Write(b *Batch) error {
	if b.Len() == 0 {
		return nil
	}
	if err := l.db.Write(&b.b, l.wo); err != nil {
		return &Error{Op: "write", Err: err}
	}
	return nil
}

func (l *LevelDB) Iterate(start, end []byte, fn func(key, value []byte) bool) error {
	it := l.db.NewIterator(&util.Range{Start: start, Limit: end}, nil)
	defer it.Release()
	return iterate(it, fn)
}

type iterator interface {
	Next() bool
	Key() []byte
	Value() []byte
	Error() error
}

func iterate(it iterator, fn func(key, value []byte) bool) error {
	for it.Next() {
		k := append([]byte(nil), it.Key()...)
		v := append([]byte(nil), it.Value()...)
		if !fn(k, v) {
			break
		}
	}
	if err := it.Error(); err != nil {
		return &Error{Op: "iterate", Err: err}
	}
	return nil
}

// CopyTo writes a consistent point-in-time copy of the store into a new
// store at dir.
func (l *LevelDB) CopyTo(dir string) error {
	snap, err := l.db.GetSnapshot()
	if err != nil {
		return &Error{Op: "snapshot", Err: err}
	}
	defer snap.Release()

	dst, err := OpenLevelDB(dir, Options{Sync: true})
	if err != nil {
		return err
	}
	it := snap.NewIterator(nil, nil)
	defer it.Release()

	batch := NewBatch()
	var werr error
	ierr := iterate(it, func(k, v []byte) bool {
		batch.Put(k, v)
		if batch.Len() >= 1024 {
			if werr = dst.Write(batch); werr != nil {
				return false
			}
			batch.Reset()
		}
		return true
	})
	if werr == nil && ierr == nil {
		werr = dst.Write(batch)
	}
	cerr := dst.Close()
	return errors.Join(ierr, werr, cerr)
}

func (l *LevelDB) Close() error {
	if err := l.db.Close(); err != nil && !errors.Is(err, leveldb.ErrClosed) {
		return &Error{Op: "close", Err: err}
	}
	return nil
}
