package query

import (
	"sort"
	"strings"

	"github.com/haukened/blockmirror/internal/mirror/domain"
	"github.com/haukened/blockmirror/internal/mirror/repos/blocked"
)

// SearchResult is one page of matches plus the size of the whole match set.
type SearchResult struct {
	Users []domain.BlockedUser
	Total int
}

// Facade is the read side of the mirror. It holds no state of its own.
type Facade struct {
	store blocked.Store
	repo  blocked.Repository
}

// New builds a Facade. repo may be nil, in which case membership checks read
// the store directly.
func New(store blocked.Store, repo blocked.Repository) *Facade {
	return &Facade{store: store, repo: repo}
}

// GetPage returns the page-th slice of the list, newest first.
func (f *Facade) GetPage(listURI string, page, pageSize int) ([]domain.BlockedUser, error) {
	return f.store.GetPage(listURI, page, pageSize)
}

// GetCount reads the list aggregate; it never scans records.
func (f *Facade) GetCount(listURI string) (int, error) {
	md, err := f.store.GetMetadata(listURI)
	if err != nil {
		return 0, err
	}
	return md.Count, nil
}

func (f *Facade) GetMaxOrder(listURI string) (int64, error) {
	md, err := f.store.GetMetadata(listURI)
	if err != nil {
		return 0, err
	}
	return md.MaxOrder, nil
}

// NextOrder is the order a local add to the list would receive now.
func (f *Facade) NextOrder(listURI string) (int64, error) {
	md, err := f.store.GetMetadata(listURI)
	if err != nil {
		return 0, err
	}
	return md.NextOrder(), nil
}

// IsBlocked reports whether handle is a member of any of the lists, stopping
// at the first match.
func (f *Facade) IsBlocked(handle string, listURIs []string) (bool, error) {
	for _, list := range listURIs {
		ok, err := f.isMember(list, handle)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

func (f *Facade) isMember(listURI, handle string) (bool, error) {
	if f.repo != nil {
		return f.repo.IsMember(listURI, handle)
	}
	_, ok, err := f.store.Get(listURI, handle)
	return ok, err
}

// Search returns list members whose handle contains query, newest first.
// N-gram candidates are verified against the handle, so every result is a
// true substring match. A blank query is no filter and pages the whole list.
func (f *Facade) Search(listURI, query string, page, pageSize int) (SearchResult, error) {
	q := domain.NormalizeHandle(query)
	if q == "" {
		return f.unfiltered(listURI, page, pageSize)
	}
	var matches []domain.BlockedUser
	err := f.store.View(func(tx blocked.Tx) error {
		candidates, err := tx.Search(q)
		if err != nil {
			return err
		}
		for _, h := range candidates {
			if !strings.Contains(h, q) {
				continue
			}
			u, ok, err := tx.Get(listURI, h)
			if err != nil {
				return err
			}
			if ok {
				matches = append(matches, u)
			}
		}
		return nil
	})
	if err != nil {
		return SearchResult{}, err
	}
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Order != matches[j].Order {
			return matches[i].Order > matches[j].Order
		}
		return matches[i].Handle < matches[j].Handle
	})
	return SearchResult{Users: window(matches, page, pageSize), Total: len(matches)}, nil
}

// SearchPrefix returns members whose handle starts with prefix, in handle order.
func (f *Facade) SearchPrefix(listURI, prefix string, page, pageSize int) (SearchResult, error) {
	users, total, err := f.store.SearchByHandlePrefixRange(listURI, prefix, page, pageSize)
	if err != nil {
		return SearchResult{}, err
	}
	return SearchResult{Users: users, Total: total}, nil
}

func (f *Facade) unfiltered(listURI string, page, pageSize int) (SearchResult, error) {
	var res SearchResult
	err := f.store.View(func(tx blocked.Tx) error {
		md, err := tx.GetMetadata(listURI)
		if err != nil {
			return err
		}
		users, err := tx.GetPage(listURI, page, pageSize)
		if err != nil {
			return err
		}
		res = SearchResult{Users: users, Total: md.Count}
		return nil
	})
	return res, err
}

// window slices a sorted result set to a 1-based page.
func window(all []domain.BlockedUser, page, pageSize int) []domain.BlockedUser {
	if pageSize <= 0 {
		return []domain.BlockedUser{}
	}
	if page < 1 {
		page = 1
	}
	start := (page - 1) * pageSize
	if start >= len(all) {
		return []domain.BlockedUser{}
	}
	end := start + pageSize
	if end > len(all) {
		end = len(all)
	}
	return all[start:end]
}
