package domain

import (
	"fmt"
	"time"
)

// EventKind enumerates the notifications pushed to the UI layer.
type EventKind uint8

const (
	EventUsersLoaded EventKind = iota
	EventUsersRefreshed
	EventUserAdded
	EventUserRemoved
	EventProgress
	EventError
	EventWarning
)

func (k EventKind) String() string {
	switch k {
	case EventUsersLoaded:
		return "blockedUsersLoaded"
	case EventUsersRefreshed:
		return "blockedUsersRefreshed"
	case EventUserAdded:
		return "blockedUserAdded"
	case EventUserRemoved:
		return "blockedUserRemoved"
	case EventProgress:
		return "blockedUsersProgress"
	case EventError:
		return "error"
	case EventWarning:
		return "warning"
	default:
		return fmt.Sprintf("EventKind(%d)", k)
	}
}

// Event is a single typed notification. Which fields are set depends on Kind:
//
//	UserAdded    Record
//	UserRemoved  Handle
//	Progress     Current, Total (Total is 0 when unknown)
//	Error        Err
//	Warning      Warning
type Event struct {
	Kind    EventKind
	ListURI string
	Record  *BlockedUser
	Handle  string
	Current int
	Total   int
	Err     error
	Warning *ConsistencyWarning
	At      time.Time
}

// Message renders a short human readable description.
func (e Event) Message() string {
	switch e.Kind {
	case EventUserAdded:
		if e.Record != nil {
			return fmt.Sprintf("blocked %s", e.Record.Handle)
		}
	case EventUserRemoved:
		return fmt.Sprintf("unblocked %s", e.Handle)
	case EventProgress:
		if e.Total > 0 {
			return fmt.Sprintf("loaded %d of %d", e.Current, e.Total)
		}
		return fmt.Sprintf("loaded %d", e.Current)
	case EventError:
		if e.Err != nil {
			return e.Err.Error()
		}
	case EventWarning:
		if e.Warning != nil {
			return e.Warning.String()
		}
	}
	return e.Kind.String()
}
