package supervisor

import "strings"

// architectOnlyPolicy is the default cross-device RoutePolicy (spec.md §4.7,
// Open Question (a)): cross-device bridging is architect-to-architect only.
// Wired into the Bridge Client at Supervisor.Start rather than hard-coded in
// internal/bridge, so a host embedding this module can supply a different
// policy.
type architectOnlyPolicy struct{}

// ArchitectOnly returns the default RoutePolicy.
func ArchitectOnly() architectOnlyPolicy { return architectOnlyPolicy{} }

// AllowCrossDevice implements bridge.RoutePolicy.
func (architectOnlyPolicy) AllowCrossDevice(fromRole, targetRole string) bool {
	return strings.EqualFold(fromRole, "architect") && strings.EqualFold(targetRole, "architect")
}
