package bolt

import (
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	bbolt "go.etcd.io/bbolt"
	bberrors "go.etcd.io/bbolt/errors"

	"github.com/haukened/blockmirror/internal/mirror/domain"
	"github.com/haukened/blockmirror/internal/mirror/repos/blocked"
)

const (
	listA = "at://did:plc:owner/app.bsky.graph.list/a"
	listB = "at://did:plc:owner/app.bsky.graph.list/b"
)

func tempDB(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "mirror.db")
}

func newTestStore(t *testing.T) *boltStore {
	t.Helper()
	st, err := New(tempDB(t), Options{NoSync: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st.(*boltStore)
}

func user(list, handle string, order int64) domain.BlockedUser {
	return domain.NewBlockedUser(list, handle, "did:plc:"+handle, domain.ConfirmedRef("at://rec/"+handle), order)
}

func seq(list string, n int) []domain.BlockedUser {
	out := make([]domain.BlockedUser, 0, n)
	for i := 1; i <= n; i++ {
		out = append(out, user(list, fmt.Sprintf("user%03d.test", i), int64(i)))
	}
	return out
}

type assertErr struct{}

func (assertErr) Error() string { return "assert error" }

type recordingObserver struct {
	added, changed, removed []string
	resets                  int
}

func (o *recordingObserver) RecordsChanged(added, changed, removed []string) {
	o.added = append(o.added, added...)
	o.changed = append(o.changed, changed...)
	o.removed = append(o.removed, removed...)
}

func (o *recordingObserver) StoreReset() { o.resets++ }

func TestNew_OpenError(t *testing.T) {
	badPath := filepath.Join(t.TempDir(), "no-such-dir", "mirror.db")
	st, err := New(badPath, Options{})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrStorage)
	assert.Nil(t, st)
}

type fakeBucketCreator struct{ fail string }

func (f fakeBucketCreator) CreateBucketIfNotExists(name []byte) (*bbolt.Bucket, error) {
	if string(name) == f.fail {
		return nil, assertErr{}
	}
	return nil, nil
}

func TestNew_EnsureBucketsErrors(t *testing.T) {
	for _, name := range allBuckets {
		t.Run(string(name), func(t *testing.T) {
			old := ensureBucketsFn
			ensureBucketsFn = func(bucketCreator) error {
				return ensureBuckets(fakeBucketCreator{fail: string(name)})
			}
			defer func() { ensureBucketsFn = old }()

			st, err := New(tempDB(t), Options{})
			require.Error(t, err)
			assert.Nil(t, st)
			assert.Contains(t, err.Error(), string(name))
		})
	}
}

type bucketDeleterFunc func(name []byte) error

func (f bucketDeleterFunc) DeleteBucket(name []byte) error { return f(name) }

func TestDeleteBuckets(t *testing.T) {
	tests := []struct {
		name    string
		errs    map[string]error
		wantErr bool
	}{
		{name: "all deleted", errs: map[string]error{}},
		{name: "ignore missing", errs: map[string]error{"a": bberrors.ErrBucketNotFound}},
		{name: "fail first", errs: map[string]error{"a": assertErr{}}, wantErr: true},
		{name: "fail second", errs: map[string]error{"b": assertErr{}}, wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			del := bucketDeleterFunc(func(name []byte) error { return tc.errs[string(name)] })
			err := deleteBuckets(del, []byte("a"), []byte("b"))
			if tc.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestUpsertAndGet_NormalizesHandle(t *testing.T) {
	st := newTestStore(t)

	_, ok, err := st.Get(listA, "alice.test")
	require.NoError(t, err)
	assert.False(t, ok, "empty store misses")

	require.NoError(t, st.Upsert(domain.BlockedUser{ListURI: listA, Handle: "Alice.Test", Order: 1}))

	got, ok, err := st.Get(listA, "  ALICE.test ")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, listA+"#alice.test", got.ID)
	assert.Equal(t, "alice.test", got.Handle)
	assert.True(t, got.IsPending())

	_, ok, err = st.Get(listB, "alice.test")
	require.NoError(t, err)
	assert.False(t, ok, "membership is per list")
}

func TestUpsert_RejectsInvalid(t *testing.T) {
	st := newTestStore(t)
	err := st.Upsert(domain.BlockedUser{ListURI: "", Handle: "a.test"})
	assert.ErrorIs(t, err, domain.ErrInvalidList)
	err = st.Upsert(domain.BlockedUser{ListURI: listA, Handle: "  "})
	assert.ErrorIs(t, err, domain.ErrInvalidHandle)
}

func TestBulkUpsert_PageRoundTrip(t *testing.T) {
	st := newTestStore(t)
	require.NoError(t, st.BulkUpsert(seq(listA, 100)))

	page, err := st.GetPage(listA, 1, 10)
	require.NoError(t, err)
	require.Len(t, page, 10)
	for i, u := range page {
		assert.Equal(t, int64(100-i), u.Order, "descending order at %d", i)
	}

	page, err = st.GetPage(listA, 3, 10)
	require.NoError(t, err)
	require.Len(t, page, 10)
	assert.Equal(t, int64(80), page[0].Order)

	page, err = st.GetPage(listA, 11, 10)
	require.NoError(t, err)
	assert.Empty(t, page)

	page, err = st.GetPage(listA, 1, 0)
	require.NoError(t, err)
	assert.Empty(t, page)

	page, err = st.GetPage(listB, 1, 10)
	require.NoError(t, err)
	assert.Empty(t, page, "other list untouched")
}

func TestGetPage_NegativeOrdersSortBelowPositive(t *testing.T) {
	st := newTestStore(t)
	require.NoError(t, st.BulkUpsert([]domain.BlockedUser{
		user(listA, "old.test", -5),
		user(listA, "mid.test", 0),
		user(listA, "new.test", 3),
		user(listA, "older.test", -9),
	}))
	page, err := st.GetPage(listA, 1, 10)
	require.NoError(t, err)
	var handles []string
	for _, u := range page {
		handles = append(handles, u.Handle)
	}
	assert.Equal(t, []string{"new.test", "mid.test", "old.test", "older.test"}, handles)

	hi, ok, err := st.HighestOrder(listA)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "new.test", hi.Handle)
	lo, ok, err := st.LowestOrder(listA)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "older.test", lo.Handle)

	_, ok, err = st.HighestOrder(listB)
	require.NoError(t, err)
	assert.False(t, ok)
	_, ok, err = st.LowestOrder(listB)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestUpsert_OrderChangeDropsStaleIndexEntry(t *testing.T) {
	st := newTestStore(t)
	require.NoError(t, st.Upsert(user(listA, "a.test", 1)))
	require.NoError(t, st.Upsert(user(listA, "b.test", 2)))
	require.NoError(t, st.Upsert(user(listA, "a.test", 5)))

	page, err := st.GetPage(listA, 1, 10)
	require.NoError(t, err)
	require.Len(t, page, 2, "no duplicate from the stale order key")
	assert.Equal(t, "a.test", page[0].Handle)
	assert.Equal(t, int64(5), page[0].Order)
}

func TestUpsert_RewriteIsReportedAsChanged(t *testing.T) {
	obs := &recordingObserver{}
	st := newTestStore(t)
	st.SetObserver(obs)

	require.NoError(t, st.Upsert(user(listA, "a.test", 1)))
	require.NoError(t, st.Upsert(user(listA, "a.test", 1)))
	require.NoError(t, st.Upsert(user(listA, "a.test", 3)))

	id := listA + "#a.test"
	assert.Equal(t, []string{id}, obs.added)
	assert.Equal(t, []string{id, id}, obs.changed)
	assert.Empty(t, obs.removed)
}

func TestRemove(t *testing.T) {
	obs := &recordingObserver{}
	st := newTestStore(t)
	st.SetObserver(obs)

	_, ok, err := st.Remove(listA, "ghost.test")
	require.NoError(t, err)
	assert.False(t, ok, "absent is a no-op")

	require.NoError(t, st.Upsert(user(listA, "a.test", 1)))
	require.NoError(t, st.Upsert(user(listB, "a.test", 1)))

	removed, ok, err := st.Remove(listA, "A.test")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "a.test", removed.Handle)

	_, ok, _ = st.Get(listA, "a.test")
	assert.False(t, ok)
	page, _ := st.GetPage(listA, 1, 10)
	assert.Empty(t, page)

	lists, err := st.ListsContaining("a.test")
	require.NoError(t, err)
	assert.Equal(t, []string{listB}, lists)

	assert.Equal(t, []string{listA + "#a.test", listB + "#a.test"}, obs.added)
	assert.Equal(t, []string{listA + "#a.test"}, obs.removed)
}

func TestSearchByHandlePrefixRange(t *testing.T) {
	st := newTestStore(t)
	require.NoError(t, st.BulkUpsert([]domain.BlockedUser{
		user(listA, "alice.test", 1),
		user(listA, "alicia.test", 2),
		user(listA, "albert.test", 3),
		user(listA, "bob.test", 4),
		user(listB, "alina.test", 1),
	}))

	got, total, err := st.SearchByHandlePrefixRange(listA, "ALI", 1, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	require.Len(t, got, 2)
	assert.Equal(t, "alice.test", got[0].Handle)
	assert.Equal(t, "alicia.test", got[1].Handle)

	got, total, err = st.SearchByHandlePrefixRange(listA, "al", 2, 2)
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	require.Len(t, got, 1)
	assert.Equal(t, "alicia.test", got[0].Handle)

	got, total, err = st.SearchByHandlePrefixRange(listA, "", 1, 10)
	require.NoError(t, err)
	assert.Equal(t, 4, total)
	assert.Len(t, got, 4)

	got, total, err = st.SearchByHandlePrefixRange(listA, "zed", 1, 10)
	require.NoError(t, err)
	assert.Equal(t, 0, total)
	assert.Empty(t, got)
}

func TestClearByList(t *testing.T) {
	obs := &recordingObserver{}
	st := newTestStore(t)
	st.SetObserver(obs)
	require.NoError(t, st.BulkUpsert(seq(listA, 20)))
	require.NoError(t, st.BulkUpsert(seq(listB, 3)))

	n, err := st.ClearByList(listA)
	require.NoError(t, err)
	assert.Equal(t, 20, n)
	assert.Len(t, obs.removed, 20)

	page, _ := st.GetPage(listA, 1, 50)
	assert.Empty(t, page)
	_, total, _ := st.SearchByHandlePrefixRange(listA, "", 1, 50)
	assert.Zero(t, total)
	page, _ = st.GetPage(listB, 1, 50)
	assert.Len(t, page, 3)
	assert.Equal(t, uint64(3), st.Stats().Records)
}

func TestMetadata(t *testing.T) {
	st := newTestStore(t)

	md, err := st.GetMetadata(listA)
	require.NoError(t, err)
	assert.Equal(t, domain.EmptyMetadata(listA), md, "missing list yields zero defaults")

	want := domain.ListMetadata{Count: 4, MaxOrder: 9, MinOrder: -2, NextCursor: "c2", UpdatedUnix: 77}
	require.NoError(t, st.SetMetadata(listA, want))
	got, err := st.GetMetadata(listA)
	require.NoError(t, err)
	want.ListURI = listA
	assert.Equal(t, want, got)

	require.NoError(t, st.SetMetadata(listB, domain.ListMetadata{Count: 1, IsComplete: true}))
	all, err := st.AllMetadata()
	require.NoError(t, err)
	assert.Len(t, all, 2)

	require.NoError(t, st.ClearAll())
	all, err = st.AllMetadata()
	require.NoError(t, err)
	assert.Empty(t, all)

	assert.ErrorIs(t, st.SetMetadata("", want), domain.ErrInvalidList)
}

func TestNgram_SearchFindsSubstringCandidates(t *testing.T) {
	st := newTestStore(t)
	for _, h := range []string{"alice.bsky.social", "alicia.test", "bob.test"} {
		require.NoError(t, st.IndexHandle(h))
	}

	got, err := st.Search("lic")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice.bsky.social", "alicia.test"}, got)

	got, err = st.Search("LICE")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice.bsky.social"}, got)

	got, err = st.Search(".test")
	require.NoError(t, err)
	assert.Equal(t, []string{"alicia.test", "bob.test"}, got)

	got, err = st.Search("")
	require.NoError(t, err)
	assert.Empty(t, got, "empty query is not match-all")

	got, err = st.Search("zzz")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestNgram_ShortQueriesAndShortHandles(t *testing.T) {
	st := newTestStore(t)
	for _, h := range []string{"ab", "abcd", "xyz.d"} {
		require.NoError(t, st.IndexHandle(h))
	}
	got, err := st.Search("d")
	require.NoError(t, err)
	assert.Equal(t, []string{"abcd", "xyz.d"}, got, "suffix occurrence found through window containment")

	got, err = st.Search("ab")
	require.NoError(t, err)
	assert.Equal(t, []string{"ab", "abcd"}, got)
}

func TestNgram_IdempotentIndexAndDeindex(t *testing.T) {
	st := newTestStore(t)
	require.NoError(t, st.IndexHandle("alice.test"))
	before := st.Stats().Postings
	require.NoError(t, st.IndexHandle("Alice.Test"))
	assert.Equal(t, before, st.Stats().Postings, "re-index adds nothing")

	require.NoError(t, st.IndexHandle("alicia.test"))
	require.NoError(t, st.DeindexHandle("alice.test"))

	got, err := st.Search("lic")
	require.NoError(t, err)
	assert.Equal(t, []string{"alicia.test"}, got)

	require.NoError(t, st.DeindexHandle("alicia.test"))
	assert.Zero(t, st.Stats().Postings, "empty postings are gone")

	snap, err := st.Export()
	require.NoError(t, err)
	assert.Empty(t, snap.NgramIndex)
}

func TestUpdate_RollsBackEveryStoreOnError(t *testing.T) {
	obs := &recordingObserver{}
	st := newTestStore(t)
	st.SetObserver(obs)

	err := st.Update(func(tx blocked.Tx) error {
		if err := tx.Upsert(user(listA, "a.test", 1)); err != nil {
			return err
		}
		if err := tx.SetMetadata(listA, domain.ListMetadata{Count: 1, MaxOrder: 1}); err != nil {
			return err
		}
		if err := tx.IndexHandle("a.test"); err != nil {
			return err
		}
		return assertErr{}
	})
	require.ErrorIs(t, err, assertErr{})
	assert.NotErrorIs(t, err, domain.ErrStorage, "caller errors are passed through")

	_, ok, _ := st.Get(listA, "a.test")
	assert.False(t, ok)
	md, _ := st.GetMetadata(listA)
	assert.Zero(t, md.Count)
	hits, _ := st.Search("a.test")
	assert.Empty(t, hits)
	assert.Empty(t, obs.added, "no notification without commit")
}

func TestBulkUpsert_AllOrNothing(t *testing.T) {
	st := newTestStore(t)
	batch := seq(listA, 5)
	batch[3].Handle = " "
	require.Error(t, st.BulkUpsert(batch))
	assert.Zero(t, st.Stats().Records)
}

func TestView_RejectsWrites(t *testing.T) {
	st := newTestStore(t)
	err := st.View(func(tx blocked.Tx) error {
		return tx.Upsert(user(listA, "a.test", 1))
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrStorage)
}

func TestVisitMembers(t *testing.T) {
	st := newTestStore(t)
	require.NoError(t, st.BulkUpsert(seq(listA, 3)))
	require.NoError(t, st.BulkUpsert(seq(listB, 2)))

	var pairs []string
	require.NoError(t, st.VisitMembers(func(list, handle string) bool {
		pairs = append(pairs, list+"|"+handle)
		return true
	}))
	assert.Len(t, pairs, 5)

	visited := 0
	require.NoError(t, st.VisitMembers(func(string, string) bool {
		visited++
		return false
	}))
	assert.Equal(t, 1, visited)
}

func TestExport(t *testing.T) {
	st := newTestStore(t)
	require.NoError(t, st.Upsert(user(listA, "alice.test", 1)))
	require.NoError(t, st.Upsert(domain.NewBlockedUser(listA, "bob.test", "", domain.PendingRef(), 2)))
	require.NoError(t, st.SetMetadata(listA, domain.ListMetadata{Count: 2, MaxOrder: 2}))
	require.NoError(t, st.IndexHandle("alice.test"))
	require.NoError(t, st.IndexHandle("bob.test"))

	snap, err := st.Export()
	require.NoError(t, err)
	assert.Equal(t, domain.SnapshotVersion, snap.Version)
	assert.Len(t, snap.BlockedUsers, 2)
	require.Len(t, snap.ListMetadata, 1)
	assert.Equal(t, 2, snap.ListMetadata[0].Count)

	entries := map[string][]string{}
	for _, e := range snap.NgramIndex {
		entries[e.Ngram] = e.Handles
	}
	assert.Equal(t, []string{"alice.test", "bob.test"}, entries[".te"])
	assert.Equal(t, []string{"alice.test"}, entries["ali"])
}

func TestPurge(t *testing.T) {
	obs := &recordingObserver{}
	st := newTestStore(t)
	st.SetObserver(obs)
	require.NoError(t, st.BulkUpsert(seq(listA, 4)))
	require.NoError(t, st.SetMetadata(listA, domain.ListMetadata{Count: 4}))
	require.NoError(t, st.IndexHandle("user001.test"))

	require.NoError(t, st.Purge())
	assert.Equal(t, blocked.StoreStats{}, st.Stats())
	assert.Equal(t, 1, obs.resets)

	require.NoError(t, st.Upsert(user(listA, "again.test", 1)), "buckets recreated")
}

func TestPurge_ErrorPaths(t *testing.T) {
	st := newTestStore(t)

	oldDel := deleteBucketsFn
	deleteBucketsFn = func(bucketDeleter, ...[]byte) error { return assertErr{} }
	assert.ErrorIs(t, st.Purge(), domain.ErrStorage)
	deleteBucketsFn = oldDel

	oldEns := ensureBucketsFn
	ensureBucketsFn = func(bucketCreator) error { return assertErr{} }
	assert.Error(t, st.Purge())
	ensureBucketsFn = oldEns
}

func TestClosedStore(t *testing.T) {
	st, err := New(tempDB(t), Options{})
	require.NoError(t, err)
	require.NoError(t, st.Close())

	_, _, err = st.Get(listA, "a.test")
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrClosed))
	assert.ErrorIs(t, st.Upsert(user(listA, "a.test", 1)), domain.ErrStorage)
}

func TestOrderKey_PreservesNumericOrder(t *testing.T) {
	values := []int64{-1 << 62, -100, -1, 0, 1, 100, 1 << 62}
	for i := 1; i < len(values); i++ {
		a, b := orderKey(values[i-1]), orderKey(values[i])
		if string(a) >= string(b) {
			t.Fatalf("orderKey(%d) >= orderKey(%d)", values[i-1], values[i])
		}
		if decodeOrder(b) != values[i] {
			t.Fatalf("decodeOrder round trip failed for %d", values[i])
		}
	}
}

func TestPrefixEnd(t *testing.T) {
	assert.Equal(t, []byte("ab\x01"), prefixEnd([]byte("ab\x00")))
	assert.Equal(t, []byte("b"), prefixEnd([]byte("a\xff")))
	assert.Nil(t, prefixEnd([]byte("\xff\xff")))
}
