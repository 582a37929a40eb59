package bolt

import (
	"errors"
	"fmt"
	"sync"
	"time"

	bbolt "go.etcd.io/bbolt"
	bberrors "go.etcd.io/bbolt/errors"

	"github.com/haukened/blockmirror/internal/mirror/domain"
	"github.com/haukened/blockmirror/internal/mirror/repos/blocked"
)

var (
	bucketUsers         = []byte("blockedUsers")
	bucketByOrder       = []byte("byListOrder")
	bucketByHandle      = []byte("byListHandle")
	bucketHandleLists   = []byte("byHandle")
	bucketMeta          = []byte("listMetadata")
	bucketNgrams        = []byte("ngramIndex")
	bucketNgramByHandle = []byte("ngramByHandle")

	allBuckets = [][]byte{
		bucketUsers,
		bucketByOrder,
		bucketByHandle,
		bucketHandleLists,
		bucketMeta,
		bucketNgrams,
		bucketNgramByHandle,
	}
)

// Options configures the bolt store.
type Options struct {
	// NgramSize is the search index window; defaults to domain.DefaultNgramSize.
	NgramSize int
	// Timeout bounds waiting for the file lock; defaults to 1s.
	Timeout time.Duration
	// NoSync disables fsync per transaction. Tests only.
	NoSync bool
}

// boltStore implements blocked.Store using bbolt. All three logical stores
// live in one file so a single transaction spans records, aggregates and postings.
type boltStore struct {
	db        *bbolt.DB
	ngramSize int

	mu       sync.RWMutex
	observer blocked.CommitObserver
}

// bucketCreator is satisfied by *bbolt.Tx; a seam for tests.
type bucketCreator interface {
	CreateBucketIfNotExists(name []byte) (*bbolt.Bucket, error)
}

// bucketDeleter is satisfied by *bbolt.Tx; a seam for tests.
type bucketDeleter interface {
	DeleteBucket(name []byte) error
}

func ensureBuckets(tx bucketCreator) error {
	for _, name := range allBuckets {
		if _, err := tx.CreateBucketIfNotExists(name); err != nil {
			return fmt.Errorf("creating bucket %s: %w", name, err)
		}
	}
	return nil
}

// deleteBuckets drops the named buckets, ignoring ones that do not exist.
func deleteBuckets(tx bucketDeleter, names ...[]byte) error {
	for _, name := range names {
		if err := tx.DeleteBucket(name); err != nil && !errors.Is(err, bberrors.ErrBucketNotFound) {
			return fmt.Errorf("deleting bucket %s: %w", name, err)
		}
	}
	return nil
}

var (
	ensureBucketsFn = func(tx bucketCreator) error { return ensureBuckets(tx) }
	deleteBucketsFn = deleteBuckets
)

// New opens (or creates) a Bolt database at path and ensures buckets exist.
func New(path string, opts Options) (blocked.Store, error) {
	if opts.NgramSize <= 0 {
		opts.NgramSize = domain.DefaultNgramSize
	}
	if opts.Timeout <= 0 {
		opts.Timeout = time.Second
	}
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: opts.Timeout, NoSync: opts.NoSync})
	if err != nil {
		return nil, domain.NewStorageError("open", err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error { return ensureBucketsFn(tx) }); err != nil {
		_ = db.Close()
		return nil, domain.NewStorageError("init", err)
	}
	return &boltStore{db: db, ngramSize: opts.NgramSize}, nil
}

func (s *boltStore) Close() error {
	if err := s.db.Close(); err != nil {
		return domain.NewStorageError("close", err)
	}
	return nil
}

func (s *boltStore) NgramSize() int { return s.ngramSize }

func (s *boltStore) SetObserver(o blocked.CommitObserver) {
	s.mu.Lock()
	s.observer = o
	s.mu.Unlock()
}

func (s *boltStore) notify(cs *changeSet) {
	if cs == nil || cs.empty() {
		return
	}
	s.mu.RLock()
	o := s.observer
	s.mu.RUnlock()
	if o == nil {
		return
	}
	if cs.reset {
		o.StoreReset()
		return
	}
	o.RecordsChanged(cs.added, cs.changed, cs.removed)
}

// View runs fn in a read-only transaction.
func (s *boltStore) View(fn func(tx blocked.Tx) error) error {
	var fnErr error
	err := s.db.View(func(tx *bbolt.Tx) error {
		fnErr = fn(&boltTx{tx: tx, ngramSize: s.ngramSize})
		return fnErr
	})
	return wrapTxErr("view", err, fnErr)
}

// Update runs fn in a read-write transaction. Observers are notified only
// after the commit succeeds.
func (s *boltStore) Update(fn func(tx blocked.Tx) error) error {
	var fnErr error
	cs := &changeSet{}
	err := s.db.Update(func(tx *bbolt.Tx) error {
		fnErr = fn(&boltTx{tx: tx, ngramSize: s.ngramSize, changes: cs})
		return fnErr
	})
	if err != nil {
		return wrapTxErr("update", err, fnErr)
	}
	s.notify(cs)
	return nil
}

// wrapTxErr passes errors returned by the caller's closure through untouched and
// tags engine-level failures (begin, commit, closed db) as storage errors.
func wrapTxErr(op string, err, fnErr error) error {
	if err == nil {
		return nil
	}
	if fnErr != nil && errors.Is(err, fnErr) {
		return err
	}
	if errors.Is(err, bberrors.ErrDatabaseNotOpen) {
		return domain.NewStorageError(op, fmt.Errorf("%w: %v", domain.ErrClosed, err))
	}
	return domain.NewStorageError(op, err)
}

// Purge drops and recreates every bucket in one transaction.
func (s *boltStore) Purge() error {
	cs := &changeSet{reset: true}
	err := s.db.Update(func(tx *bbolt.Tx) error {
		if err := deleteBucketsFn(tx, allBuckets...); err != nil {
			return err
		}
		return ensureBucketsFn(tx)
	})
	if err != nil {
		return domain.NewStorageError("purge", err)
	}
	s.notify(cs)
	return nil
}

func (s *boltStore) Stats() blocked.StoreStats {
	st := blocked.StoreStats{}
	_ = s.db.View(func(tx *bbolt.Tx) error {
		if b := tx.Bucket(bucketUsers); b != nil {
			st.Records = uint64(b.Stats().KeyN)
		}
		if b := tx.Bucket(bucketMeta); b != nil {
			st.Lists = uint64(b.Stats().KeyN)
		}
		if b := tx.Bucket(bucketNgrams); b != nil {
			st.Postings = uint64(b.Stats().KeyN)
		}
		return nil
	})
	return st
}

// VisitMembers walks the (list, handle) index in key order.
func (s *boltStore) VisitMembers(visit func(listURI, handle string) bool) error {
	return s.View(func(t blocked.Tx) error {
		b := t.(*boltTx).tx.Bucket(bucketByHandle)
		c := b.Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			list, handle, ok := splitPair(k)
			if !ok {
				continue
			}
			if !visit(list, handle) {
				return nil
			}
		}
		return nil
	})
}

// Export reads the whole database in one consistent snapshot.
func (s *boltStore) Export() (domain.Snapshot, error) {
	snap := domain.Snapshot{
		Version:      domain.SnapshotVersion,
		BlockedUsers: []domain.BlockedUser{},
		ListMetadata: []domain.ListMetadata{},
		NgramIndex:   []domain.NgramEntry{},
	}
	err := s.View(func(t blocked.Tx) error {
		tx := t.(*boltTx).tx
		if err := tx.Bucket(bucketUsers).ForEach(func(_, v []byte) error {
			u, err := decodeUser(v)
			if err != nil {
				return err
			}
			snap.BlockedUsers = append(snap.BlockedUsers, u)
			return nil
		}); err != nil {
			return err
		}
		mds, err := t.AllMetadata()
		if err != nil {
			return err
		}
		snap.ListMetadata = mds
		return tx.Bucket(bucketNgrams).ForEach(func(k, _ []byte) error {
			g, h, ok := splitPair(k)
			if !ok {
				return nil
			}
			n := len(snap.NgramIndex)
			if n > 0 && snap.NgramIndex[n-1].Ngram == g {
				snap.NgramIndex[n-1].Handles = append(snap.NgramIndex[n-1].Handles, h)
				return nil
			}
			snap.NgramIndex = append(snap.NgramIndex, domain.NgramEntry{Ngram: g, Handles: []string{h}})
			return nil
		})
	})
	if err != nil {
		return domain.Snapshot{}, err
	}
	return snap, nil
}

// Autocommit forms of the Tx methods.

func (s *boltStore) Get(listURI, handle string) (u domain.BlockedUser, ok bool, err error) {
	err = s.View(func(tx blocked.Tx) error {
		u, ok, err = tx.Get(listURI, handle)
		return err
	})
	return u, ok, err
}

func (s *boltStore) GetPage(listURI string, page, pageSize int) (out []domain.BlockedUser, err error) {
	err = s.View(func(tx blocked.Tx) error {
		out, err = tx.GetPage(listURI, page, pageSize)
		return err
	})
	return out, err
}

func (s *boltStore) SearchByHandlePrefixRange(listURI, prefix string, page, pageSize int) (out []domain.BlockedUser, total int, err error) {
	err = s.View(func(tx blocked.Tx) error {
		out, total, err = tx.SearchByHandlePrefixRange(listURI, prefix, page, pageSize)
		return err
	})
	return out, total, err
}

func (s *boltStore) HighestOrder(listURI string) (u domain.BlockedUser, ok bool, err error) {
	err = s.View(func(tx blocked.Tx) error {
		u, ok, err = tx.HighestOrder(listURI)
		return err
	})
	return u, ok, err
}

func (s *boltStore) LowestOrder(listURI string) (u domain.BlockedUser, ok bool, err error) {
	err = s.View(func(tx blocked.Tx) error {
		u, ok, err = tx.LowestOrder(listURI)
		return err
	})
	return u, ok, err
}

func (s *boltStore) Scan(listURI string, visit func(domain.BlockedUser) bool) error {
	return s.View(func(tx blocked.Tx) error {
		return tx.Scan(listURI, visit)
	})
}

func (s *boltStore) ListsContaining(handle string) (lists []string, err error) {
	err = s.View(func(tx blocked.Tx) error {
		lists, err = tx.ListsContaining(handle)
		return err
	})
	return lists, err
}

func (s *boltStore) Upsert(u domain.BlockedUser) error {
	return s.Update(func(tx blocked.Tx) error { return tx.Upsert(u) })
}

func (s *boltStore) BulkUpsert(us []domain.BlockedUser) error {
	return s.Update(func(tx blocked.Tx) error { return tx.BulkUpsert(us) })
}

func (s *boltStore) Remove(listURI, handle string) (u domain.BlockedUser, ok bool, err error) {
	err = s.Update(func(tx blocked.Tx) error {
		u, ok, err = tx.Remove(listURI, handle)
		return err
	})
	return u, ok, err
}

func (s *boltStore) ClearByList(listURI string) (n int, err error) {
	err = s.Update(func(tx blocked.Tx) error {
		n, err = tx.ClearByList(listURI)
		return err
	})
	return n, err
}

func (s *boltStore) GetMetadata(listURI string) (md domain.ListMetadata, err error) {
	err = s.View(func(tx blocked.Tx) error {
		md, err = tx.GetMetadata(listURI)
		return err
	})
	return md, err
}

func (s *boltStore) SetMetadata(listURI string, md domain.ListMetadata) error {
	return s.Update(func(tx blocked.Tx) error { return tx.SetMetadata(listURI, md) })
}

func (s *boltStore) AllMetadata() (mds []domain.ListMetadata, err error) {
	err = s.View(func(tx blocked.Tx) error {
		mds, err = tx.AllMetadata()
		return err
	})
	return mds, err
}

func (s *boltStore) ClearAll() error {
	return s.Update(func(tx blocked.Tx) error { return tx.ClearAll() })
}

func (s *boltStore) IndexHandle(handle string) error {
	return s.Update(func(tx blocked.Tx) error { return tx.IndexHandle(handle) })
}

func (s *boltStore) DeindexHandle(handle string) error {
	return s.Update(func(tx blocked.Tx) error { return tx.DeindexHandle(handle) })
}

func (s *boltStore) Search(substring string) (out []string, err error) {
	err = s.View(func(tx blocked.Tx) error {
		out, err = tx.Search(substring)
		return err
	})
	return out, err
}

var _ blocked.Store = (*boltStore)(nil)
