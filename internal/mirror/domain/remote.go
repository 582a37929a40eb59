package domain

// RemoteItem is one membership as returned by a list page.
type RemoteItem struct {
	Handle    string
	DID       string
	RecordURI string
}

// Key returns the normalized handle, falling back to the DID for accounts
// whose handle has not been resolved.
func (i RemoteItem) Key() string {
	if h := NormalizeHandle(i.Handle); h != "" {
		return h
	}
	return NormalizeHandle(i.DID)
}

// RemotePage is one page of a paginated list fetch. An empty NextCursor marks
// the terminal page. Total is the remote's item count for the whole list, 0
// when unknown.
type RemotePage struct {
	Items      []RemoteItem
	NextCursor string
	Total      int
}

// CreatedRecord is the remote answer to a list item create.
type CreatedRecord struct {
	RecordURI string
	DID       string
}
