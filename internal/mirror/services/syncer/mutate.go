package syncer

import (
	"context"
	"errors"

	"go.uber.org/multierr"

	"github.com/haukened/blockmirror/internal/mirror/domain"
	"github.com/haukened/blockmirror/internal/mirror/repos/blocked"
)

// AddUser blocks handle on listURI. The record is inserted as pending with the
// next order and is visible at once; the remote create follows. On success the
// pending record is confirmed, on failure it is rolled back and the error
// returned. Adding a handle that is already a member, or whose add is still in
// flight, is a no-op returning the existing record. When the in-flight add's
// record was removed in the meantime, the call waits for that add to finish
// and then adds the handle again.
func (e *Engine) AddUser(ctx context.Context, handle, listURI string) (domain.BlockedUser, error) {
	h := domain.NormalizeHandle(handle)
	if err := domain.ValidateHandle(h); err != nil {
		return domain.BlockedUser{}, err
	}
	if err := domain.ValidateListURI(listURI); err != nil {
		return domain.BlockedUser{}, err
	}
	var out domain.BlockedUser
	err := e.inst.instrument("add", map[string]any{"list": listURI, "handle": h}, func() error {
		var err error
		out, err = e.add(ctx, h, listURI)
		return err
	})
	return out, err
}

func (e *Engine) add(ctx context.Context, h, listURI string) (domain.BlockedUser, error) {
	id := domain.RecordID(listURI, h)
	for {
		busy := e.claimInflight(id)
		if busy == nil {
			break
		}
		u, ok, err := e.store.Get(listURI, h)
		if err != nil || ok {
			return u, err
		}
		select {
		case <-busy:
		case <-ctx.Done():
			return domain.BlockedUser{}, context.Cause(ctx)
		}
	}
	defer e.releaseInflight(id)

	pending, existing, err := e.insertPending(listURI, h)
	if err != nil {
		e.emitError(listURI, err)
		return domain.BlockedUser{}, err
	}
	if existing {
		return pending, nil
	}
	e.emit(domain.Event{Kind: domain.EventUserAdded, ListURI: listURI, Record: &pending})

	created, err := call(ctx, e, "create_record", listURI, func(ctx context.Context) (domain.CreatedRecord, error) {
		return e.remote.CreateBlockRecord(ctx, h, listURI)
	})
	if err != nil {
		if rbErr := e.rollbackPending(pending); rbErr != nil {
			err = multierr.Append(err, rbErr)
		}
		e.logger.Warn(map[string]any{"list": listURI, "handle": h, "error": err}, "add_rollback")
		e.emitError(listURI, err)
		return domain.BlockedUser{}, err
	}
	return e.confirm(ctx, pending, created)
}

// insertPending writes the optimistic record. A record that survived an
// earlier run as pending is reused so its add can be retried.
func (e *Engine) insertPending(listURI, h string) (domain.BlockedUser, bool, error) {
	unlock := e.lists.Lock(listURI)
	defer unlock()

	var (
		u        domain.BlockedUser
		existing bool
	)
	err := e.store.Update(func(tx blocked.Tx) error {
		cur, ok, err := tx.Get(listURI, h)
		if err != nil {
			return err
		}
		if ok {
			u = cur
			existing = !cur.IsPending()
			return nil
		}
		md, err := tx.GetMetadata(listURI)
		if err != nil {
			return err
		}
		u = domain.NewBlockedUser(listURI, h, "", domain.PendingRef(), md.NextOrder())
		if err := insertMember(tx, &md, u); err != nil {
			return err
		}
		md.UpdatedUnix = e.clock.Now().Unix()
		return tx.SetMetadata(listURI, md)
	})
	return u, existing, err
}

// rollbackPending removes the optimistic record if it is still the one this
// add inserted.
func (e *Engine) rollbackPending(pending domain.BlockedUser) error {
	unlock := e.lists.Lock(pending.ListURI)
	defer unlock()

	return e.store.Update(func(tx blocked.Tx) error {
		cur, ok, err := tx.Get(pending.ListURI, pending.Handle)
		if err != nil || !ok || !cur.IsPending() || cur.Order != pending.Order {
			return err
		}
		md, err := tx.GetMetadata(pending.ListURI)
		if err != nil {
			return err
		}
		if _, _, err := removeMember(tx, &md, pending.ListURI, pending.Handle); err != nil {
			return err
		}
		return tx.SetMetadata(pending.ListURI, md)
	})
}

// confirm swaps the pending record for the confirmed one. When the record was
// removed while the create was in flight, the new remote record is deleted
// again and a ConsistencyWarning raised.
func (e *Engine) confirm(ctx context.Context, pending domain.BlockedUser, created domain.CreatedRecord) (domain.BlockedUser, error) {
	listURI := pending.ListURI
	var (
		confirmed domain.BlockedUser
		gone      bool
	)
	unlock := e.lists.Lock(listURI)
	err := e.store.Update(func(tx blocked.Tx) error {
		cur, ok, err := tx.Get(listURI, pending.Handle)
		if err != nil {
			return err
		}
		if !ok {
			gone = true
			return nil
		}
		confirmed = cur.WithRecord(domain.ConfirmedRef(created.RecordURI))
		if created.DID != "" {
			confirmed.DID = created.DID
		}
		return tx.Upsert(confirmed)
	})
	unlock()
	if err != nil {
		e.emitError(listURI, err)
		return domain.BlockedUser{}, err
	}

	if gone {
		w := domain.ConsistencyWarning{ListURI: listURI, Handle: pending.Handle, Reason: "removed before remote confirmation"}
		if _, derr := call(ctx, e, "delete_record", listURI, func(ctx context.Context) (struct{}, error) {
			return struct{}{}, e.remote.DeleteBlockRecord(ctx, created.RecordURI)
		}); derr != nil && !errors.Is(derr, domain.ErrNotFound) {
			w.Reason = "removed before remote confirmation; remote record " + created.RecordURI + " left behind: " + derr.Error()
		}
		e.warn(w)
		return domain.BlockedUser{}, nil
	}
	e.emit(domain.Event{Kind: domain.EventUserAdded, ListURI: listURI, Record: &confirmed})
	return confirmed, nil
}

// claimInflight returns nil once the caller owns id, or the done channel of
// the add that already does.
func (e *Engine) claimInflight(id string) <-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	if done, busy := e.inflight[id]; busy {
		return done
	}
	e.inflight[id] = make(chan struct{})
	return nil
}

func (e *Engine) releaseInflight(id string) {
	e.mu.Lock()
	if done, ok := e.inflight[id]; ok {
		close(done)
		delete(e.inflight, id)
	}
	e.mu.Unlock()
}

// RemoveUser unblocks handle on listURI. The record leaves all three stores in
// one transaction, then the remote record is deleted. If the remote delete
// fails the record is re-inserted with its original order and the error
// returned. Removing a pending record skips the remote call; the add still in
// flight cleans up after itself. Removing a non-member is a no-op.
func (e *Engine) RemoveUser(ctx context.Context, handle, listURI string) error {
	h := domain.NormalizeHandle(handle)
	if h == "" {
		return domain.ValidateHandle(h)
	}
	if err := domain.ValidateListURI(listURI); err != nil {
		return err
	}
	return e.inst.instrument("remove", map[string]any{"list": listURI, "handle": h}, func() error {
		return e.remove(ctx, h, listURI)
	})
}

func (e *Engine) remove(ctx context.Context, h, listURI string) error {
	removed, ok, err := e.removeLocal(listURI, h)
	if err != nil {
		e.emitError(listURI, err)
		return err
	}
	if !ok {
		return nil
	}
	e.emit(domain.Event{Kind: domain.EventUserRemoved, ListURI: listURI, Handle: h})

	uri, confirmed := removed.Record.URI()
	if !confirmed {
		return nil
	}
	_, err = call(ctx, e, "delete_record", listURI, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, e.remote.DeleteBlockRecord(ctx, uri)
	})
	if err == nil || errors.Is(err, domain.ErrNotFound) {
		return nil
	}

	restored, rerr := e.restore(removed)
	if rerr != nil {
		err = multierr.Append(err, rerr)
	}
	e.logger.Warn(map[string]any{"list": listURI, "handle": h, "error": err, "restored": restored}, "remove_rollback")
	if restored {
		e.emit(domain.Event{Kind: domain.EventUserAdded, ListURI: listURI, Record: &removed})
	}
	e.emitError(listURI, err)
	return err
}

func (e *Engine) removeLocal(listURI, h string) (domain.BlockedUser, bool, error) {
	unlock := e.lists.Lock(listURI)
	defer unlock()

	var (
		u  domain.BlockedUser
		ok bool
	)
	err := e.store.Update(func(tx blocked.Tx) error {
		md, err := tx.GetMetadata(listURI)
		if err != nil {
			return err
		}
		u, ok, err = removeMember(tx, &md, listURI, h)
		if err != nil || !ok {
			return err
		}
		md.UpdatedUnix = e.clock.Now().Unix()
		return tx.SetMetadata(listURI, md)
	})
	return u, ok, err
}

// restore re-inserts a removed record unless the handle was re-added meanwhile.
func (e *Engine) restore(u domain.BlockedUser) (bool, error) {
	unlock := e.lists.Lock(u.ListURI)
	defer unlock()

	restored := false
	err := e.store.Update(func(tx blocked.Tx) error {
		if _, ok, err := tx.Get(u.ListURI, u.Handle); err != nil || ok {
			return err
		}
		md, err := tx.GetMetadata(u.ListURI)
		if err != nil {
			return err
		}
		if err := insertMember(tx, &md, u); err != nil {
			return err
		}
		restored = true
		return tx.SetMetadata(u.ListURI, md)
	})
	return restored, err
}

// ClearList drops the local copy of listURI without touching the remote. The
// next LoadList fetches it from scratch.
func (e *Engine) ClearList(ctx context.Context, listURI string) (int, error) {
	if err := domain.ValidateListURI(listURI); err != nil {
		return 0, err
	}
	var n int
	err := e.inst.instrument("clear", map[string]any{"list": listURI}, func() error {
		if err := ctx.Err(); err != nil {
			return err
		}
		unlockFetch := e.fetches.Lock(listURI)
		defer unlockFetch()
		unlock := e.lists.Lock(listURI)
		defer unlock()

		var handles []string
		err := e.store.Update(func(tx blocked.Tx) error {
			if err := tx.Scan(listURI, func(u domain.BlockedUser) bool {
				handles = append(handles, u.Handle)
				return true
			}); err != nil {
				return err
			}
			var err error
			if n, err = tx.ClearByList(listURI); err != nil {
				return err
			}
			for _, h := range handles {
				if err := deindexOrphan(tx, h); err != nil {
					return err
				}
			}
			return tx.SetMetadata(listURI, domain.EmptyMetadata(listURI))
		})
		if err != nil {
			return err
		}
		e.forgetState(listURI)
		return nil
	})
	return n, err
}
