package syncer

import (
	"context"

	"github.com/haukened/blockmirror/internal/mirror/domain"
	"github.com/haukened/blockmirror/internal/mirror/repos/blocked"
)

// LoadList mirrors listURI locally. A completed load is served from the store
// without touching the network. Otherwise pages are fetched from the persisted
// cursor on, one committed chunk at a time, so an interrupted load resumes
// where it stopped. Concurrent calls for the same list share one run.
func (e *Engine) LoadList(ctx context.Context, listURI string) error {
	if err := domain.ValidateListURI(listURI); err != nil {
		return err
	}
	return e.inst.instrument("load", map[string]any{"list": listURI}, func() error {
		_, err, shared := e.loads.Do(listURI, func() (any, error) {
			return nil, e.load(ctx, listURI)
		})
		if shared {
			e.logger.Debug(map[string]any{"list": listURI}, "load_shared")
		}
		return err
	})
}

func (e *Engine) load(ctx context.Context, listURI string) error {
	unlock := e.fetches.Lock(listURI)
	defer unlock()

	md, err := e.store.GetMetadata(listURI)
	if err != nil {
		return err
	}
	if md.IsComplete {
		e.setState(listURI, domain.ListLoaded)
		e.emit(domain.Event{Kind: domain.EventUsersLoaded, ListURI: listURI, Current: md.Count, Total: md.Count})
		return nil
	}

	e.setState(listURI, domain.ListLoading)
	logger := e.logger.With(map[string]any{"list": listURI})
	logger.Info(map[string]any{"cursor": md.NextCursor, "count": md.Count}, "load_started")

	cursor := md.NextCursor
	for {
		if err := ctx.Err(); err != nil {
			return e.failFetch(listURI, err)
		}
		page, err := call(ctx, e, "fetch_page", listURI, func(ctx context.Context) (domain.RemotePage, error) {
			return e.remote.FetchListPage(ctx, listURI, cursor, e.chunkSize)
		})
		if err != nil {
			return e.failFetch(listURI, err)
		}
		md, err = e.commitChunk(listURI, page)
		if err != nil {
			return e.failFetch(listURI, err)
		}
		logger.Debug(map[string]any{"cursor": md.NextCursor, "count": md.Count, "items": len(page.Items)}, "load_chunk_committed")
		e.emit(domain.Event{Kind: domain.EventProgress, ListURI: listURI, Current: md.Count, Total: page.Total})
		if md.IsComplete {
			break
		}
		cursor = md.NextCursor
	}

	e.setState(listURI, domain.ListLoaded)
	logger.Info(map[string]any{"count": md.Count}, "load_finished")
	e.emit(domain.Event{Kind: domain.EventUsersLoaded, ListURI: listURI, Current: md.Count, Total: md.Count})
	return nil
}

// commitChunk writes one remote page and the cursor that follows it in a
// single transaction. New items are ordered below everything stored, so the
// remote's newest-first order is kept across chunks and resumed loads. Items
// already present keep their order and only pick up the remote record.
func (e *Engine) commitChunk(listURI string, page domain.RemotePage) (domain.ListMetadata, error) {
	unlock := e.lists.Lock(listURI)
	defer unlock()

	var md domain.ListMetadata
	err := e.store.Update(func(tx blocked.Tx) error {
		var err error
		md, err = tx.GetMetadata(listURI)
		if err != nil {
			return err
		}
		for _, it := range page.Items {
			key := it.Key()
			if key == "" {
				continue
			}
			ref := domain.ConfirmedRef(it.RecordURI)
			cur, ok, err := tx.Get(listURI, key)
			if err != nil {
				return err
			}
			if ok {
				if err := tx.Upsert(mergeRemote(cur, it, ref)); err != nil {
					return err
				}
				continue
			}
			u := domain.NewBlockedUser(listURI, key, it.DID, ref, md.NextBulkOrder())
			if err := insertMember(tx, &md, u); err != nil {
				return err
			}
		}
		md.NextCursor = page.NextCursor
		md.IsComplete = page.NextCursor == ""
		md.UpdatedUnix = e.clock.Now().Unix()
		return tx.SetMetadata(listURI, md)
	})
	return md, err
}

// mergeRemote refreshes the remote fields of an existing record. A pending
// record seen remotely is confirmed by it.
func mergeRemote(cur domain.BlockedUser, it domain.RemoteItem, ref domain.RecordRef) domain.BlockedUser {
	if it.DID != "" {
		cur.DID = it.DID
	}
	if !ref.IsPending() {
		cur.Record = ref
	}
	return cur
}

func (e *Engine) failFetch(listURI string, err error) error {
	e.setState(listURI, domain.ListError)
	e.logger.Error(map[string]any{"list": listURI, "error": err}, "fetch_failed")
	e.emitError(listURI, err)
	return err
}

// RefreshList re-reads the whole remote list and reconciles it with the local
// copy as a full diff: remote-only items are added above the newest local
// record, local-only items are removed, shared items keep their order. Nothing
// changes locally unless every page is fetched. Pending records are kept;
// their add is still in flight.
func (e *Engine) RefreshList(ctx context.Context, listURI string) error {
	if err := domain.ValidateListURI(listURI); err != nil {
		return err
	}
	return e.inst.instrument("refresh", map[string]any{"list": listURI}, func() error {
		return e.refresh(ctx, listURI)
	})
}

func (e *Engine) refresh(ctx context.Context, listURI string) error {
	unlock := e.fetches.Lock(listURI)
	defer unlock()

	e.setState(listURI, domain.ListRefreshing)
	var (
		items  []domain.RemoteItem
		seen   = make(map[string]struct{})
		cursor string
		total  int
	)
	for {
		if err := ctx.Err(); err != nil {
			return e.failFetch(listURI, err)
		}
		page, err := call(ctx, e, "fetch_page", listURI, func(ctx context.Context) (domain.RemotePage, error) {
			return e.remote.FetchListPage(ctx, listURI, cursor, e.chunkSize)
		})
		if err != nil {
			return e.failFetch(listURI, err)
		}
		for _, it := range page.Items {
			k := it.Key()
			if k == "" {
				continue
			}
			if _, dup := seen[k]; dup {
				continue
			}
			seen[k] = struct{}{}
			items = append(items, it)
		}
		if page.Total > 0 {
			total = page.Total
		}
		e.emit(domain.Event{Kind: domain.EventProgress, ListURI: listURI, Current: len(items), Total: total})
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}

	added, removed, md, err := e.reconcile(listURI, items, seen)
	if err != nil {
		return e.failFetch(listURI, err)
	}
	e.setState(listURI, domain.ListLoaded)
	e.logger.Info(map[string]any{"list": listURI, "added": added, "removed": removed, "count": md.Count}, "refresh_finished")
	e.emit(domain.Event{Kind: domain.EventUsersRefreshed, ListURI: listURI, Current: md.Count, Total: md.Count})
	return nil
}

func (e *Engine) reconcile(listURI string, items []domain.RemoteItem, remote map[string]struct{}) (added, removed int, md domain.ListMetadata, err error) {
	unlock := e.lists.Lock(listURI)
	defer unlock()

	err = e.store.Update(func(tx blocked.Tx) error {
		var err error
		md, err = tx.GetMetadata(listURI)
		if err != nil {
			return err
		}
		var stale []string
		if err := tx.Scan(listURI, func(u domain.BlockedUser) bool {
			if _, ok := remote[u.Handle]; !ok && !u.IsPending() {
				stale = append(stale, u.Handle)
			}
			return true
		}); err != nil {
			return err
		}
		for _, h := range stale {
			if _, _, err := removeMember(tx, &md, listURI, h); err != nil {
				return err
			}
			removed++
		}

		// Walk oldest first so the newest remote item ends up on top.
		for i := len(items) - 1; i >= 0; i-- {
			it := items[i]
			key := it.Key()
			ref := domain.ConfirmedRef(it.RecordURI)
			cur, ok, err := tx.Get(listURI, key)
			if err != nil {
				return err
			}
			if ok {
				if err := tx.Upsert(mergeRemote(cur, it, ref)); err != nil {
					return err
				}
				continue
			}
			u := domain.NewBlockedUser(listURI, key, it.DID, ref, md.NextOrder())
			if err := insertMember(tx, &md, u); err != nil {
				return err
			}
			added++
		}
		md.NextCursor = ""
		md.IsComplete = true
		md.UpdatedUnix = e.clock.Now().Unix()
		return tx.SetMetadata(listURI, md)
	})
	return added, removed, md, err
}
