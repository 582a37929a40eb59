package bolt

import (
	"bytes"
	"sort"
	"strings"

	bbolt "go.etcd.io/bbolt"

	"github.com/haukened/blockmirror/internal/mirror/domain"
	"github.com/haukened/blockmirror/internal/mirror/repos/blocked"
)

// changeSet collects record ids touched by a write transaction.
type changeSet struct {
	added   []string
	changed []string
	removed []string
	reset   bool
}

func (c *changeSet) empty() bool {
	return !c.reset && len(c.added) == 0 && len(c.changed) == 0 && len(c.removed) == 0
}

// boltTx implements blocked.Tx over a single bbolt transaction.
// changes is nil for read-only transactions.
type boltTx struct {
	tx        *bbolt.Tx
	ngramSize int
	changes   *changeSet
}

func (t *boltTx) bucket(name []byte) *bbolt.Bucket {
	return t.tx.Bucket(name)
}

func (t *boltTx) put(op string, b *bbolt.Bucket, k, v []byte) error {
	return domain.NewStorageError(op, b.Put(k, v))
}

func (t *boltTx) del(op string, b *bbolt.Bucket, k []byte) error {
	return domain.NewStorageError(op, b.Delete(k))
}

func (t *boltTx) recordAdded(id string) {
	if t.changes != nil {
		t.changes.added = append(t.changes.added, id)
	}
}

func (t *boltTx) recordChanged(id string) {
	if t.changes != nil {
		t.changes.changed = append(t.changes.changed, id)
	}
}

func (t *boltTx) recordRemoved(id string) {
	if t.changes != nil {
		t.changes.removed = append(t.changes.removed, id)
	}
}

func (t *boltTx) getByID(id string) (domain.BlockedUser, bool, error) {
	v := t.bucket(bucketUsers).Get([]byte(id))
	if v == nil {
		return domain.BlockedUser{}, false, nil
	}
	u, err := decodeUser(v)
	if err != nil {
		return domain.BlockedUser{}, false, domain.NewStorageError("get", err)
	}
	return u, true, nil
}

func (t *boltTx) Get(listURI, handle string) (domain.BlockedUser, bool, error) {
	return t.getByID(domain.RecordID(listURI, handle))
}

// GetPage walks the (list, order) index from the top, skipping the offset and
// stopping once pageSize records are collected.
func (t *boltTx) GetPage(listURI string, page, pageSize int) ([]domain.BlockedUser, error) {
	offset, ok := pageWindow(page, pageSize)
	if !ok {
		return []domain.BlockedUser{}, nil
	}
	out := make([]domain.BlockedUser, 0, pageSize)
	skipped := 0
	err := t.Scan(listURI, func(u domain.BlockedUser) bool {
		if skipped < offset {
			skipped++
			return true
		}
		out = append(out, u)
		return len(out) < pageSize
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Scan visits the list in Order descending.
func (t *boltTx) Scan(listURI string, visit func(domain.BlockedUser) bool) error {
	prefix := listPrefix(listURI)
	c := t.bucket(bucketByOrder).Cursor()
	for k, v := lastWithPrefix(c, prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Prev() {
		u, ok, err := t.getByID(string(v))
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if !visit(u) {
			return nil
		}
	}
	return nil
}

// SearchByHandlePrefixRange scans [list\x00prefix, list\x00prefix+max) of the
// (list, handle) index. Keys are counted for the total; only the page is decoded.
func (t *boltTx) SearchByHandlePrefixRange(listURI, prefix string, page, pageSize int) ([]domain.BlockedUser, int, error) {
	offset, ok := pageWindow(page, pageSize)
	if !ok {
		return []domain.BlockedUser{}, 0, nil
	}
	lo := append(listPrefix(listURI), domain.NormalizeHandle(prefix)...)
	c := t.bucket(bucketByHandle).Cursor()
	out := make([]domain.BlockedUser, 0, pageSize)
	total := 0
	for k, _ := c.Seek(lo); k != nil && bytes.HasPrefix(k, lo); k, _ = c.Next() {
		if total >= offset && len(out) < pageSize {
			_, handle, _ := splitPair(k)
			u, found, err := t.Get(listURI, handle)
			if err != nil {
				return nil, 0, err
			}
			if found {
				out = append(out, u)
			}
		}
		total++
	}
	return out, total, nil
}

func (t *boltTx) HighestOrder(listURI string) (domain.BlockedUser, bool, error) {
	c := t.bucket(bucketByOrder).Cursor()
	k, v := lastWithPrefix(c, listPrefix(listURI))
	if k == nil {
		return domain.BlockedUser{}, false, nil
	}
	return t.getByID(string(v))
}

func (t *boltTx) LowestOrder(listURI string) (domain.BlockedUser, bool, error) {
	prefix := listPrefix(listURI)
	c := t.bucket(bucketByOrder).Cursor()
	k, v := c.Seek(prefix)
	if k == nil || !bytes.HasPrefix(k, prefix) {
		return domain.BlockedUser{}, false, nil
	}
	return t.getByID(string(v))
}

func (t *boltTx) ListsContaining(handle string) ([]string, error) {
	prefix := listPrefix(domain.NormalizeHandle(handle))
	c := t.bucket(bucketHandleLists).Cursor()
	var lists []string
	for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
		lists = append(lists, string(k[len(prefix):]))
	}
	return lists, nil
}

// Upsert writes the record and its three index entries. When the record
// exists with a different order, the stale order entry is dropped.
func (t *boltTx) Upsert(u domain.BlockedUser) error {
	u = domain.NewBlockedUser(u.ListURI, u.Handle, u.DID, u.Record, u.Order)
	if err := u.Validate(); err != nil {
		return err
	}
	prev, existed, err := t.getByID(u.ID)
	if err != nil {
		return err
	}
	users := t.bucket(bucketUsers)
	byOrder := t.bucket(bucketByOrder)
	if existed && prev.Order != u.Order {
		if err := t.del("upsert", byOrder, byOrderKey(prev.ListURI, prev.Order, prev.Handle)); err != nil {
			return err
		}
	}
	v, err := encodeUser(u)
	if err != nil {
		return domain.NewStorageError("upsert", err)
	}
	if err := t.put("upsert", users, []byte(u.ID), v); err != nil {
		return err
	}
	if err := t.put("upsert", byOrder, byOrderKey(u.ListURI, u.Order, u.Handle), []byte(u.ID)); err != nil {
		return err
	}
	if err := t.put("upsert", t.bucket(bucketByHandle), pairKey(u.ListURI, u.Handle), orderKey(u.Order)); err != nil {
		return err
	}
	if err := t.put("upsert", t.bucket(bucketHandleLists), pairKey(u.Handle, u.ListURI), []byte{1}); err != nil {
		return err
	}
	if existed {
		t.recordChanged(u.ID)
	} else {
		t.recordAdded(u.ID)
	}
	return nil
}

func (t *boltTx) BulkUpsert(us []domain.BlockedUser) error {
	for _, u := range us {
		if err := t.Upsert(u); err != nil {
			return err
		}
	}
	return nil
}

func (t *boltTx) Remove(listURI, handle string) (domain.BlockedUser, bool, error) {
	u, ok, err := t.Get(listURI, handle)
	if err != nil || !ok {
		return domain.BlockedUser{}, false, err
	}
	if err := t.removeIndexed(u); err != nil {
		return domain.BlockedUser{}, false, err
	}
	return u, true, nil
}

func (t *boltTx) removeIndexed(u domain.BlockedUser) error {
	if err := t.del("remove", t.bucket(bucketUsers), []byte(u.ID)); err != nil {
		return err
	}
	if err := t.del("remove", t.bucket(bucketByOrder), byOrderKey(u.ListURI, u.Order, u.Handle)); err != nil {
		return err
	}
	if err := t.del("remove", t.bucket(bucketByHandle), pairKey(u.ListURI, u.Handle)); err != nil {
		return err
	}
	if err := t.del("remove", t.bucket(bucketHandleLists), pairKey(u.Handle, u.ListURI)); err != nil {
		return err
	}
	t.recordRemoved(u.ID)
	return nil
}

// ClearByList deletes the list's bounded range in every record index.
// Keys are collected first; deleting under a live cursor skips entries.
func (t *boltTx) ClearByList(listURI string) (int, error) {
	prefix := listPrefix(listURI)
	c := t.bucket(bucketByHandle).Cursor()
	var handles []string
	for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
		handles = append(handles, string(k[len(prefix):]))
	}
	var orderKeys [][]byte
	oc := t.bucket(bucketByOrder).Cursor()
	for k, _ := oc.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = oc.Next() {
		orderKeys = append(orderKeys, append([]byte(nil), k...))
	}
	for _, k := range orderKeys {
		if err := t.del("clear", t.bucket(bucketByOrder), k); err != nil {
			return 0, err
		}
	}
	for _, h := range handles {
		id := domain.RecordID(listURI, h)
		if err := t.del("clear", t.bucket(bucketUsers), []byte(id)); err != nil {
			return 0, err
		}
		if err := t.del("clear", t.bucket(bucketByHandle), pairKey(listURI, h)); err != nil {
			return 0, err
		}
		if err := t.del("clear", t.bucket(bucketHandleLists), pairKey(h, listURI)); err != nil {
			return 0, err
		}
		t.recordRemoved(id)
	}
	return len(handles), nil
}

func (t *boltTx) GetMetadata(listURI string) (domain.ListMetadata, error) {
	v := t.bucket(bucketMeta).Get([]byte(listURI))
	if v == nil {
		return domain.EmptyMetadata(listURI), nil
	}
	md, err := decodeMeta(v)
	if err != nil {
		return domain.ListMetadata{}, domain.NewStorageError("metadata", err)
	}
	return md, nil
}

func (t *boltTx) SetMetadata(listURI string, md domain.ListMetadata) error {
	if err := domain.ValidateListURI(listURI); err != nil {
		return err
	}
	md.ListURI = listURI
	v, err := encodeMeta(md)
	if err != nil {
		return domain.NewStorageError("metadata", err)
	}
	return t.put("metadata", t.bucket(bucketMeta), []byte(listURI), v)
}

func (t *boltTx) AllMetadata() ([]domain.ListMetadata, error) {
	out := []domain.ListMetadata{}
	err := t.bucket(bucketMeta).ForEach(func(_, v []byte) error {
		md, err := decodeMeta(v)
		if err != nil {
			return domain.NewStorageError("metadata", err)
		}
		out = append(out, md)
		return nil
	})
	return out, err
}

func (t *boltTx) ClearAll() error {
	if err := deleteBucketsFn(t.tx, bucketMeta); err != nil {
		return domain.NewStorageError("metadata", err)
	}
	return domain.NewStorageError("metadata", ensureBucketsFn(t.tx))
}

func (t *boltTx) IndexHandle(handle string) error {
	h := domain.NormalizeHandle(handle)
	if h == "" {
		return nil
	}
	grams := t.bucket(bucketNgrams)
	byHandle := t.bucket(bucketNgramByHandle)
	for _, g := range domain.Ngrams(h, t.ngramSize) {
		if err := t.put("index", grams, pairKey(g, h), []byte{1}); err != nil {
			return err
		}
		if err := t.put("index", byHandle, pairKey(h, g), []byte{1}); err != nil {
			return err
		}
	}
	return nil
}

// DeindexHandle follows the handle → ngram index so the removal does not
// depend on the current n-gram size.
func (t *boltTx) DeindexHandle(handle string) error {
	h := domain.NormalizeHandle(handle)
	prefix := listPrefix(h)
	byHandle := t.bucket(bucketNgramByHandle)
	c := byHandle.Cursor()
	var grams []string
	for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
		grams = append(grams, string(k[len(prefix):]))
	}
	postings := t.bucket(bucketNgrams)
	for _, g := range grams {
		if err := t.del("deindex", postings, pairKey(g, h)); err != nil {
			return err
		}
		if err := t.del("deindex", byHandle, pairKey(h, g)); err != nil {
			return err
		}
	}
	return nil
}

// Search intersects the posting lists of the query's n-grams, so cost follows
// the size of those lists. Queries shorter than the n-gram size cannot be
// decomposed: searchShort walks the whole ngram bucket and unions every key
// whose gram contains the query, costing O(total postings) per call.
func (t *boltTx) Search(substring string) ([]string, error) {
	q := domain.NormalizeHandle(substring)
	if q == "" {
		return []string{}, nil
	}
	if len([]rune(q)) < t.ngramSize {
		return t.searchShort(q), nil
	}
	var result map[string]struct{}
	for _, g := range domain.Ngrams(q, t.ngramSize) {
		posting := t.posting(g)
		if result == nil {
			result = posting
		} else {
			for h := range result {
				if _, ok := posting[h]; !ok {
					delete(result, h)
				}
			}
		}
		if len(result) == 0 {
			return []string{}, nil
		}
	}
	return sortedKeys(result), nil
}

func (t *boltTx) posting(g string) map[string]struct{} {
	prefix := listPrefix(g)
	c := t.bucket(bucketNgrams).Cursor()
	set := make(map[string]struct{})
	for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
		set[string(k[len(prefix):])] = struct{}{}
	}
	return set
}

func (t *boltTx) searchShort(q string) []string {
	set := make(map[string]struct{})
	c := t.bucket(bucketNgrams).Cursor()
	for k, _ := c.First(); k != nil; k, _ = c.Next() {
		g, h, ok := splitPair(k)
		if ok && strings.Contains(g, q) {
			set[h] = struct{}{}
		}
	}
	return sortedKeys(set)
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

var _ blocked.Tx = (*boltTx)(nil)
