// Package conflict decides which side wins when a remote document and its
// local record have both been seen changing.
package conflict

import (
	"github.com/kimhsiao/actisync/internal/logging"
	"github.com/kimhsiao/actisync/internal/models"
)

// Resolution names the side whose content is kept.
type Resolution string

const (
	ResolutionLocalWins  Resolution = "local_wins"
	ResolutionRemoteWins Resolution = "remote_wins"
)

// Side is one version of a record as seen during reconcile.
type Side struct {
	UpdatedAt int64
	Version   int64
}

// Conflict describes a local record and the remote document it is bound to.
type Conflict struct {
	RecordID string
	RemoteID string
	Local    Side
	Remote   Side

	// LocalDirty is set when the local record has changes not yet confirmed
	// remotely: it is pending, in error, or has queued operations.
	LocalDirty bool
}

// Decision is the outcome of Resolve.
type Decision struct {
	Resolution Resolution

	// Concurrent is set when both sides changed: the remote is newer but the
	// local record carries unpushed edits.
	Concurrent bool
}

// Resolver applies last-write-wins, except that unpushed local edits are
// never overwritten: they are pushed later and become the newest remote state.
type Resolver struct {
	logger *logging.Logger
}

// NewResolver creates a Resolver.
func NewResolver(logger *logging.Logger) *Resolver {
	if logger == nil {
		logger = logging.Get()
	}
	return &Resolver{logger: logger}
}

// Resolve decides c. Ties keep the local side.
func (r *Resolver) Resolve(c Conflict) Decision {
	remoteNewer := c.Remote.UpdatedAt > c.Local.UpdatedAt

	switch {
	case !remoteNewer:
		return Decision{Resolution: ResolutionLocalWins}

	case c.LocalDirty:
		r.logger.Warn("Concurrent edit conflict detected", map[string]interface{}{
			"record_id":        c.RecordID,
			"remote_id":        c.RemoteID,
			"local_timestamp":  c.Local.UpdatedAt,
			"remote_timestamp": c.Remote.UpdatedAt,
			"local_version":    c.Local.Version,
			"remote_version":   c.Remote.Version,
			"resolution":       ResolutionLocalWins,
		})
		return Decision{Resolution: ResolutionLocalWins, Concurrent: true}

	default:
		r.logger.Debug("Remote version is newer", map[string]interface{}{
			"record_id":        c.RecordID,
			"remote_id":        c.RemoteID,
			"local_timestamp":  c.Local.UpdatedAt,
			"remote_timestamp": c.Remote.UpdatedAt,
		})
		return Decision{Resolution: ResolutionRemoteWins}
	}
}

// LocalSide describes rec for Resolve.
func LocalSide(rec *models.Record) Side {
	return Side{UpdatedAt: rec.UpdatedAt, Version: rec.Version}
}

// IsDirty reports whether rec has local changes not yet confirmed remotely,
// given whether operations for it are still queued.
func IsDirty(rec *models.Record, queued bool) bool {
	return queued || rec.SyncState != models.SyncStateSynced
}
