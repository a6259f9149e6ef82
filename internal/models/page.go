package models

// SortDirection orders a page.
type SortDirection string

const (
	SortAsc  SortDirection = "asc"
	SortDesc SortDirection = "desc"
)

// Desc reports whether the direction is descending. Anything but "desc" is ascending.
func (d SortDirection) Desc() bool {
	return d == SortDesc
}

// Page describes the window requested by a caller.
type Page struct {
	Offset        int           `json:"offset"`
	Size          int           `json:"size"`
	SortBy        string        `json:"sortBy,omitempty"`
	SortDirection SortDirection `json:"sortDirection,omitempty"`
}

// LoadResult is one page of records and the total count of matching records.
type LoadResult[T any] struct {
	Data  []T `json:"data"`
	Total int `json:"total"`
}

// NetworkState tells the synchronization engine whether the remote source
// can be reached.
type NetworkState int

const (
	NetworkOnline NetworkState = iota
	NetworkOffline
)

func (n NetworkState) Offline() bool { return n == NetworkOffline }

func (n NetworkState) String() string {
	if n == NetworkOffline {
		return "offline"
	}
	return "online"
}
