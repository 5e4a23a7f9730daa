// Package authz holds the clinic's role rules. Every decision is made by
// Authorize from a single table keyed by role and operation, so handlers and
// services never branch on role strings themselves.
package authz

import (
	"errors"

	"github.com/google/uuid"
)

var ErrInsufficientPermissions = errors.New("insufficient permissions")

type Role string

const (
	RoleSupervisor Role = "supervisor"
	RoleTherapist  Role = "terapeuta"
)

func (r Role) Valid() bool {
	return r == RoleSupervisor || r == RoleTherapist
}

// Caller is the identity resolved by authentication for one request.
type Caller struct {
	ID   uuid.UUID
	Role Role
}

func (c Caller) IsSupervisor() bool { return c.Role == RoleSupervisor }
func (c Caller) IsTherapist() bool  { return c.Role == RoleTherapist }

type Operation string

const (
	ManagePatients          Operation = "manage_patients"
	ViewPatients            Operation = "view_patients"
	ManageTherapists        Operation = "manage_therapists"
	ViewTherapists          Operation = "view_therapists"
	CreateAvailability      Operation = "create_availability"
	DeleteAvailability      Operation = "delete_availability"
	CreateAppointment       Operation = "create_appointment"
	UpdateAppointmentStatus Operation = "update_appointment_status"
	ViewSchedule            Operation = "view_schedule"
	ViewStatistics          Operation = "view_statistics"
)

type grant int

const (
	deny grant = iota
	allowAll
	allowOwn
)

var rules = map[Role]map[Operation]grant{
	RoleSupervisor: {
		ManagePatients:          allowAll,
		ViewPatients:            allowAll,
		ManageTherapists:        allowAll,
		ViewTherapists:          allowAll,
		CreateAvailability:      allowAll,
		DeleteAvailability:      allowAll,
		CreateAppointment:       allowAll,
		UpdateAppointmentStatus: allowAll,
		ViewSchedule:            allowAll,
		ViewStatistics:          allowAll,
	},
	RoleTherapist: {
		ViewPatients:            allowAll,
		ViewTherapists:          allowAll,
		CreateAvailability:      allowOwn,
		DeleteAvailability:      allowOwn,
		UpdateAppointmentStatus: allowOwn,
		ViewSchedule:            allowOwn,
		ViewStatistics:          allowOwn,
	},
}

// Authorize decides whether caller may perform op on a resource owned by
// owner. owner is the therapist the resource belongs to and is ignored for
// operations that are not ownership scoped.
func Authorize(caller Caller, op Operation, owner uuid.UUID) error {
	switch rules[caller.Role][op] {
	case allowAll:
		return nil
	case allowOwn:
		if caller.ID != uuid.Nil && caller.ID == owner {
			return nil
		}
	}
	return ErrInsufficientPermissions
}

// Allowed reports whether caller holds op at all, ownership aside. Used for
// list endpoints whose results are scoped afterwards.
func Allowed(caller Caller, op Operation) bool {
	return rules[caller.Role][op] != deny
}

// ScopeTherapist returns the therapist filter a listing must apply. Callers
// with an ownership-scoped grant are pinned to their own id whatever they
// asked for.
func ScopeTherapist(caller Caller, op Operation, requested *uuid.UUID) *uuid.UUID {
	if rules[caller.Role][op] == allowOwn {
		id := caller.ID
		return &id
	}
	return requested
}
