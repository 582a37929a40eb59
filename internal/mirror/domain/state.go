package domain

import "fmt"

// ListState is the sync lifecycle of one list.
type ListState uint8

const (
	ListEmpty ListState = iota
	ListLoading
	ListLoaded
	ListRefreshing
	ListError
)

func (s ListState) String() string {
	switch s {
	case ListEmpty:
		return "empty"
	case ListLoading:
		return "loading"
	case ListLoaded:
		return "loaded"
	case ListRefreshing:
		return "refreshing"
	case ListError:
		return "error"
	default:
		return fmt.Sprintf("ListState(%d)", s)
	}
}

// InFlight reports whether a remote fetch is running in this state.
func (s ListState) InFlight() bool { return s == ListLoading || s == ListRefreshing }

// CanTransition reports whether from → to is a legal lifecycle step.
func CanTransition(from, to ListState) bool {
	switch to {
	case ListLoading:
		return from == ListEmpty || from == ListError
	case ListRefreshing:
		return from == ListLoaded || from == ListEmpty || from == ListError
	case ListLoaded:
		return from == ListLoading || from == ListRefreshing || from == ListEmpty
	case ListError:
		return from.InFlight()
	default:
		return false
	}
}
