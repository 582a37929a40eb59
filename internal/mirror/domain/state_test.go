package domain

import "testing"

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to ListState
		want     bool
	}{
		{ListEmpty, ListLoading, true},
		{ListLoading, ListLoaded, true},
		{ListLoading, ListError, true},
		{ListLoaded, ListRefreshing, true},
		{ListRefreshing, ListLoaded, true},
		{ListRefreshing, ListError, true},
		{ListError, ListLoading, true},
		{ListError, ListRefreshing, true},
		{ListEmpty, ListLoaded, true},
		{ListLoaded, ListLoading, false},
		{ListLoaded, ListError, false},
		{ListEmpty, ListError, false},
		{ListLoading, ListRefreshing, false},
		{ListLoaded, ListEmpty, false},
	}
	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%v, %v) = %v; want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestListState_String(t *testing.T) {
	names := map[ListState]string{
		ListEmpty:      "empty",
		ListLoading:    "loading",
		ListLoaded:     "loaded",
		ListRefreshing: "refreshing",
		ListError:      "error",
		ListState(42):  "ListState(42)",
	}
	for s, want := range names {
		if s.String() != want {
			t.Errorf("%d.String() = %q; want %q", s, s.String(), want)
		}
	}
}
