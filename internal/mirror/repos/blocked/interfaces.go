package blocked

import "github.com/haukened/blockmirror/internal/mirror/domain"

// RecordReader answers point, page and range reads over membership records.
// Handles are normalized by the implementation before lookup.
type RecordReader interface {
	// Get returns the record for (listURI, handle), or false if absent.
	Get(listURI, handle string) (domain.BlockedUser, bool, error)
	// GetPage returns the page-th slice (1-based) of the list ordered by Order descending.
	GetPage(listURI string, page, pageSize int) ([]domain.BlockedUser, error)
	// SearchByHandlePrefixRange returns records whose handle starts with prefix,
	// ordered by handle, paged, plus the total number of matches.
	SearchByHandlePrefixRange(listURI, prefix string, page, pageSize int) ([]domain.BlockedUser, int, error)
	// HighestOrder and LowestOrder read the first record at either end of the order index.
	HighestOrder(listURI string) (domain.BlockedUser, bool, error)
	LowestOrder(listURI string) (domain.BlockedUser, bool, error)
	// Scan visits the list in Order descending until visit returns false.
	Scan(listURI string, visit func(domain.BlockedUser) bool) error
	// ListsContaining returns every list holding handle.
	ListsContaining(handle string) ([]string, error)
}

// RecordWriter mutates membership records and their secondary indexes.
type RecordWriter interface {
	Upsert(u domain.BlockedUser) error
	// BulkUpsert writes all records or none.
	BulkUpsert(us []domain.BlockedUser) error
	// Remove deletes the record and returns what was removed; absent is not an error.
	Remove(listURI, handle string) (domain.BlockedUser, bool, error)
	// ClearByList deletes every record of the list and returns how many were removed.
	ClearByList(listURI string) (int, error)
}

// MetadataStore holds one aggregate per list.
type MetadataStore interface {
	// GetMetadata never reports not-found; missing lists yield EmptyMetadata.
	GetMetadata(listURI string) (domain.ListMetadata, error)
	SetMetadata(listURI string, md domain.ListMetadata) error
	AllMetadata() ([]domain.ListMetadata, error)
	ClearAll() error
}

// NgramStore is the inverted substring index over handles, shared by all lists.
type NgramStore interface {
	// IndexHandle adds handle to the posting list of each of its n-grams. Idempotent.
	IndexHandle(handle string) error
	// DeindexHandle removes handle from every posting list.
	DeindexHandle(handle string) error
	// Search returns, sorted, the handles holding every n-gram of substring.
	// Candidates are not verified to contain substring contiguously. Cost is
	// proportional to the matched posting lists, except for queries shorter
	// than the n-gram size, which scan every posting key of the index.
	Search(substring string) ([]string, error)
}

// Tx exposes all three stores inside one storage transaction.
type Tx interface {
	RecordReader
	RecordWriter
	MetadataStore
	NgramStore
}

// StoreStats captures high-level counts for the persistent store.
type StoreStats struct {
	Records  uint64
	Lists    uint64
	Postings uint64
}

// CommitObserver is told about record changes after they are durably committed.
// changed holds ids whose record was rewritten in place.
type CommitObserver interface {
	RecordsChanged(added, changed, removed []string)
	StoreReset()
}

// Store is the persistent backend. Methods of the embedded Tx each run in
// their own transaction; View and Update group calls into one.
type Store interface {
	Tx
	View(fn func(tx Tx) error) error
	Update(fn func(tx Tx) error) error
	// VisitMembers walks every (listURI, handle) pair until visit returns false.
	VisitMembers(visit func(listURI, handle string) bool) error
	Export() (domain.Snapshot, error)
	// Purge drops every record, aggregate and posting.
	Purge() error
	SetObserver(o CommitObserver)
	NgramSize() int
	Stats() StoreStats
	Close() error
}

// BloomFilter is the minimal interface the repository needs from Bloom filters.
type BloomFilter interface {
	Add(key []byte)
	MightContain(key []byte) bool
}

// BloomFactory builds filters sized for a dataset.
type BloomFactory interface {
	New(capacity uint64, fpRate float64) BloomFilter
}

// CachedRecord is a cached point lookup, including negative answers.
type CachedRecord struct {
	User  domain.BlockedUser
	Found bool
}

// RecordCache caches point lookups by record id with basic metrics.
type RecordCache interface {
	Get(id string) (CachedRecord, bool)
	Put(id string, r CachedRecord)
	Remove(id string)
	Len() int
	Purge()
	Stats() (hits, misses, evictions uint64)
}

// RepoStats exposes repository-level counters and underlying store stats.
type RepoStats struct {
	Hits        uint64
	Misses      uint64
	Evictions   uint64
	BloomSkips  uint64
	BloomActive bool
	Store       StoreStats
}

// Repository composes cache → bloom → store for membership reads and keeps
// the cache and filter coherent by observing commits.
type Repository interface {
	CommitObserver
	Get(listURI, handle string) (domain.BlockedUser, bool, error)
	IsMember(listURI, handle string) (bool, error)
	Rebuild() error
	RepoStats() RepoStats
}
