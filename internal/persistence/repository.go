package persistence

import (
	"strings"

	"msx-grid-bot-go/internal/models"
)

// LocalIDPrefix marks position ids allocated by this process before the
// exchange has assigned one. A local id is replaced in place once a fill
// carries the exchange's own position id.
const LocalIDPrefix = "local-"

// IsLocalID reports whether a position id was allocated locally.
func IsLocalID(positionID string) bool {
	return strings.HasPrefix(positionID, LocalIDPrefix)
}

// Repository is the durable storage contract for grid instances: one JSON
// snapshot plus one append-only CSV fill ledger per position id.
// It abstracts the on-disk layout from the rest of the application.
type Repository interface {
	// SaveSnapshot atomically replaces the snapshot for state.PositionID.
	SaveSnapshot(state *models.InstanceState) error

	// DeleteSnapshot removes a single snapshot file. A missing file is not
	// an error.
	DeleteSnapshot(positionID string) error

	// AppendFill appends one row to the position's fill ledger.
	AppendFill(positionID string, fill *models.RawFill) error

	// RenameLedger moves a ledger to a new position id after the exchange
	// assigned its own id.
	RenameLedger(oldID, newID string) error

	// LoadAll reconstructs at most one instance per symbol from disk.
	LoadAll() ([]*LoadedInstance, error)

	// DeleteInstance removes snapshot and ledger files for every given id.
	DeleteInstance(positionIDs []string) error

	Close() error
}

// LoadedInstance is one recovered instance: the winning snapshot, the fill
// history rebuilt from its ledgers, and any superseded position ids whose
// files still exist on disk.
type LoadedInstance struct {
	State            *models.InstanceState
	History          []models.OrderInfo
	StalePositionIDs []string
}
