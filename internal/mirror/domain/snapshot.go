package domain

// SnapshotVersion is the current export document version.
const SnapshotVersion = 1

// Snapshot is the portable export of the whole local database, one array per table.
type Snapshot struct {
	Version      int            `json:"version"`
	ExportedAt   int64          `json:"exportedAt"`
	BlockedUsers []BlockedUser  `json:"blockedUsers"`
	ListMetadata []ListMetadata `json:"listMetadata"`
	NgramIndex   []NgramEntry   `json:"ngramIndex"`
}
