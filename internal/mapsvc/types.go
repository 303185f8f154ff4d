package mapsvc

import "fmt"

// Role identifies which logical controller an event came from. It is a slot
// populated from configuration, not a device identity.
type Role uint8

const (
	RoleStick Role = iota
	RoleThrottle
	RoleRudder
)

// rolePriority orders fan-in selection for axes: the first role with a cached
// value supplies the slot. Mirrored button-to-axis writes go under the last
// entry so any real analog source overrides them.
var rolePriority = [...]Role{RoleStick, RoleThrottle, RoleRudder}

const mirrorRole = RoleRudder

func (r Role) String() string {
	switch r {
	case RoleStick:
		return "stick"
	case RoleThrottle:
		return "throttle"
	case RoleRudder:
		return "rudder"
	}
	return fmt.Sprintf("role(%d)", uint8(r))
}

// ParseRole maps a configuration role name onto a Role.
func ParseRole(s string) (Role, error) {
	switch s {
	case "stick":
		return RoleStick, nil
	case "throttle":
		return RoleThrottle, nil
	case "rudder":
		return RoleRudder, nil
	}
	return 0, fmt.Errorf("unrecognized role %q", s)
}

// SourceKind distinguishes digital button events from absolute-axis events.
type SourceKind uint8

const (
	KindButton SourceKind = iota
	KindAxis
)

func (k SourceKind) String() string {
	if k == KindButton {
		return "button"
	}
	return "axis"
}

// PhysicalInput names one control on one physical device.
type PhysicalInput struct {
	Role Role
	Kind SourceKind
	Code uint16
}

// VirtualSlot names one control of the virtual pad.
type VirtualSlot struct {
	Kind SourceKind
	Code uint16
}
