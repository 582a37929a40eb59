package syncer

import (
	"context"
	"fmt"
	"slices"

	"github.com/haukened/blockmirror/internal/mirror/domain"
	"github.com/haukened/blockmirror/internal/mirror/repos/blocked"
)

// ImportResult summarizes what an Import changed.
type ImportResult struct {
	Added   int
	Skipped int
	Lists   int
}

// Export returns the whole local database as one portable document.
func (e *Engine) Export(ctx context.Context) (domain.Snapshot, error) {
	var snap domain.Snapshot
	err := e.inst.instrument("export", nil, func() error {
		if err := ctx.Err(); err != nil {
			return err
		}
		var err error
		snap, err = e.store.Export()
		snap.ExportedAt = e.clock.Now().Unix()
		return err
	})
	return snap, err
}

// Import merges a snapshot into the local database in one transaction.
// Records already present are left alone, so importing the same document
// twice changes nothing the second time. Aggregates are derived from the
// records actually written, and the search index is rebuilt from record
// handles rather than trusted from the document.
func (e *Engine) Import(ctx context.Context, snap domain.Snapshot) (ImportResult, error) {
	var res ImportResult
	err := e.inst.instrument("import", map[string]any{"records": len(snap.BlockedUsers)}, func() error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if snap.Version != domain.SnapshotVersion {
			return fmt.Errorf("unsupported snapshot version %d (want %d)", snap.Version, domain.SnapshotVersion)
		}
		var err error
		res, err = e.importSnapshot(snap)
		return err
	})
	return res, err
}

func (e *Engine) importSnapshot(snap domain.Snapshot) (ImportResult, error) {
	byList := make(map[string][]domain.BlockedUser)
	var order []string
	for _, u := range snap.BlockedUsers {
		if _, ok := byList[u.ListURI]; !ok {
			order = append(order, u.ListURI)
		}
		byList[u.ListURI] = append(byList[u.ListURI], u)
	}
	docMeta := make(map[string]domain.ListMetadata, len(snap.ListMetadata))
	for _, md := range snap.ListMetadata {
		docMeta[md.ListURI] = md
		if _, ok := byList[md.ListURI]; !ok {
			order = append(order, md.ListURI)
			byList[md.ListURI] = nil
		}
	}

	var res ImportResult
	for _, listURI := range order {
		if err := domain.ValidateListURI(listURI); err != nil {
			return res, err
		}
	}
	locked := slices.Clone(order)
	slices.Sort(locked)
	for _, listURI := range locked {
		defer e.lists.Lock(listURI)()
	}
	err := e.store.Update(func(tx blocked.Tx) error {
		for _, listURI := range order {
			md, err := tx.GetMetadata(listURI)
			if err != nil {
				return err
			}
			fresh := md.Count == 0 && !md.IsComplete
			for _, in := range byList[listURI] {
				u := domain.NewBlockedUser(in.ListURI, in.Handle, in.DID, in.Record, in.Order)
				if err := u.Validate(); err != nil {
					return fmt.Errorf("importing %q: %w", in.ID, err)
				}
				_, ok, err := tx.Get(listURI, u.Handle)
				if err != nil {
					return err
				}
				if ok {
					res.Skipped++
					continue
				}
				if err := insertMember(tx, &md, u); err != nil {
					return err
				}
				res.Added++
			}
			if doc, ok := docMeta[listURI]; ok && fresh {
				md.NextCursor = doc.NextCursor
				md.IsComplete = doc.IsComplete
				md.UpdatedUnix = doc.UpdatedUnix
			}
			if err := tx.SetMetadata(listURI, md); err != nil {
				return err
			}
			res.Lists++
		}
		return nil
	})
	if err != nil {
		return ImportResult{}, err
	}
	for _, listURI := range order {
		e.forgetState(listURI)
	}
	e.logger.Info(map[string]any{"added": res.Added, "skipped": res.Skipped, "lists": res.Lists}, "import_finished")
	return res, nil
}
