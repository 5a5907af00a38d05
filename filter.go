package realtime

import (
	"github.com/golang/glog"
)

// ShouldApply decides whether a normalized change may touch the store for
// the given session. A change with no tenant metadata at all is global and
// always applies. Otherwise the session must be a member of the change's
// organization. Runs before the store: a rejected change has zero
// observable effect.
func ShouldApply(change *NormalizedChange, session *Session) bool {
	if change == nil {
		return false
	}
	if change.OrganizationId == "" {
		// global event
		return true
	}
	if session == nil {
		return false
	}
	if session.IsMemberOf(change.OrganizationId) {
		return true
	}
	// expected multi-tenant behavior, not an error
	glog.V(2).Infof("[f]reject %s for organization %s\n", change.PatientId, change.OrganizationId)
	return false
}
