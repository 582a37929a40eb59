package domain

// ListMetadata is the per-list aggregate kept alongside the records.
// Count and MaxOrder are maintained in the same transaction as record writes.
type ListMetadata struct {
	ListURI     string `json:"listUri"`
	Count       int    `json:"count"`
	MaxOrder    int64  `json:"maxOrder"`
	MinOrder    int64  `json:"minOrder"`
	NextCursor  string `json:"nextCursor,omitempty"`
	IsComplete  bool   `json:"isComplete"`
	UpdatedUnix int64  `json:"updatedUnix"`
}

// EmptyMetadata returns the zero-valued aggregate for a list with no records.
func EmptyMetadata(listURI string) ListMetadata {
	return ListMetadata{ListURI: listURI}
}

// NextOrder is the order value for the next local insert.
func (m ListMetadata) NextOrder() int64 { return m.MaxOrder + 1 }

// NextBulkOrder is the order value for the next bulk-loaded item. Remote pages
// arrive newest first, so bulk items descend below everything stored.
func (m ListMetadata) NextBulkOrder() int64 {
	if m.Count == 0 && m.MinOrder == 0 {
		return m.MaxOrder
	}
	return m.MinOrder - 1
}

// Observe widens the order bounds to include order.
func (m *ListMetadata) Observe(order int64) {
	if m.Count == 0 && m.MaxOrder == 0 && m.MinOrder == 0 {
		m.MaxOrder, m.MinOrder = order, order
		return
	}
	if order > m.MaxOrder {
		m.MaxOrder = order
	}
	if order < m.MinOrder {
		m.MinOrder = order
	}
}
