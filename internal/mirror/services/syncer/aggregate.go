package syncer

import (
	"github.com/haukened/blockmirror/internal/mirror/domain"
	"github.com/haukened/blockmirror/internal/mirror/repos/blocked"
)

// The helpers below keep a list aggregate in step with record writes made in
// the same transaction. Callers read md with tx.GetMetadata, apply any number
// of helpers and finish with tx.SetMetadata.

// insertMember writes a new record, indexes its handle and counts it.
func insertMember(tx blocked.Tx, md *domain.ListMetadata, u domain.BlockedUser) error {
	if err := tx.Upsert(u); err != nil {
		return err
	}
	if err := tx.IndexHandle(u.Handle); err != nil {
		return err
	}
	md.Observe(u.Order)
	md.Count++
	return nil
}

// removeMember deletes the record, uncounts it and recomputes whichever order
// bound it held with a single cursor read.
func removeMember(tx blocked.Tx, md *domain.ListMetadata, listURI, handle string) (domain.BlockedUser, bool, error) {
	u, ok, err := tx.Remove(listURI, handle)
	if err != nil || !ok {
		return u, ok, err
	}
	if md.Count > 0 {
		md.Count--
	}
	if err := recomputeBounds(tx, md, u.Order); err != nil {
		return domain.BlockedUser{}, false, err
	}
	if err := deindexOrphan(tx, u.Handle); err != nil {
		return domain.BlockedUser{}, false, err
	}
	return u, true, nil
}

func recomputeBounds(tx blocked.Tx, md *domain.ListMetadata, removedOrder int64) error {
	if md.Count == 0 {
		md.MaxOrder, md.MinOrder = 0, 0
		return nil
	}
	if removedOrder == md.MaxOrder {
		hi, ok, err := tx.HighestOrder(md.ListURI)
		if err != nil {
			return err
		}
		if ok {
			md.MaxOrder = hi.Order
		}
	}
	if removedOrder == md.MinOrder {
		lo, ok, err := tx.LowestOrder(md.ListURI)
		if err != nil {
			return err
		}
		if ok {
			md.MinOrder = lo.Order
		}
	}
	return nil
}

// deindexOrphan drops handle from the shared search index once no list holds it.
func deindexOrphan(tx blocked.Tx, handle string) error {
	lists, err := tx.ListsContaining(handle)
	if err != nil {
		return err
	}
	if len(lists) > 0 {
		return nil
	}
	return tx.DeindexHandle(handle)
}
