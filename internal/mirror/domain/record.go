package domain

import (
	"fmt"
)

// PendingRecordURI is the persisted form of a record that has not been
// confirmed by the remote service yet.
const PendingRecordURI = "pending"

// RecordStatus tags the lifecycle state of a membership record.
type RecordStatus uint8

const (
	// RecordPending marks an optimistic local insert awaiting remote confirmation.
	RecordPending RecordStatus = iota
	// RecordConfirmed marks a record backed by a remote record URI.
	RecordConfirmed
)

func (s RecordStatus) String() string {
	switch s {
	case RecordPending:
		return "pending"
	case RecordConfirmed:
		return "confirmed"
	default:
		return fmt.Sprintf("RecordStatus(%d)", s)
	}
}

// RecordRef is either Pending or Confirmed(uri). The zero value is Pending.
type RecordRef struct {
	status RecordStatus
	uri    string
}

// PendingRef returns the optimistic, unconfirmed reference.
func PendingRef() RecordRef { return RecordRef{status: RecordPending} }

// ConfirmedRef returns a reference to a remote record. An empty uri or the
// pending sentinel yields PendingRef.
func ConfirmedRef(uri string) RecordRef {
	if uri == "" || uri == PendingRecordURI {
		return PendingRef()
	}
	return RecordRef{status: RecordConfirmed, uri: uri}
}

// Status reports which variant r holds.
func (r RecordRef) Status() RecordStatus { return r.status }

// IsPending is a convenience accessor.
func (r RecordRef) IsPending() bool { return r.status == RecordPending }

// URI returns the remote record URI and true when r is confirmed.
func (r RecordRef) URI() (string, bool) {
	if r.status != RecordConfirmed {
		return "", false
	}
	return r.uri, true
}

// String returns the persisted form: the record URI or "pending".
func (r RecordRef) String() string {
	if r.status == RecordConfirmed {
		return r.uri
	}
	return PendingRecordURI
}

func (r RecordRef) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

func (r *RecordRef) UnmarshalText(b []byte) error {
	*r = ConfirmedRef(string(b))
	return nil
}

// BlockedUser is one membership of a handle in a block list.
//
// Notes:
// - ID is derived from ListURI and the normalized Handle and never changes.
// - Order is append-only increasing for local inserts; bulk loads hand out
//   decreasing values below every existing order.
type BlockedUser struct {
	ID      string    `json:"id"`
	ListURI string    `json:"listUri"`
	Handle  string    `json:"userHandle"`
	DID     string    `json:"did"`
	Record  RecordRef `json:"recordUri"`
	Order   int64     `json:"order"`
}

// NewBlockedUser constructs a record with a normalized handle and derived id.
func NewBlockedUser(listURI, handle, did string, ref RecordRef, order int64) BlockedUser {
	h := NormalizeHandle(handle)
	return BlockedUser{
		ID:      RecordID(listURI, h),
		ListURI: listURI,
		Handle:  h,
		DID:     did,
		Record:  ref,
		Order:   order,
	}
}

// Validate checks identity fields and the id derivation.
func (u BlockedUser) Validate() error {
	if err := ValidateListURI(u.ListURI); err != nil {
		return err
	}
	if u.Handle == "" || u.Handle != NormalizeHandle(u.Handle) {
		return fmt.Errorf("%w: %q is not normalized", ErrInvalidHandle, u.Handle)
	}
	if u.ID != RecordID(u.ListURI, u.Handle) {
		return fmt.Errorf("record id %q does not match %q", u.ID, RecordID(u.ListURI, u.Handle))
	}
	return nil
}

// IsPending reports whether the record awaits remote confirmation.
func (u BlockedUser) IsPending() bool { return u.Record.IsPending() }

// WithRecord returns a copy carrying ref.
func (u BlockedUser) WithRecord(ref RecordRef) BlockedUser {
	u.Record = ref
	return u
}
