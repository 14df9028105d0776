// Package domain contains core domain types for the orchard service.
package domain

// Role classifies an identity's privilege level.
type Role string

const (
	// RoleDefault is an ordinary respondent.
	RoleDefault Role = "default"
	// RoleElevated may administer grants, tokens and limits, and always
	// bypasses the access gate and quota checks.
	RoleElevated Role = "elevated"
)

// Identity is the externally-addressable principal interacting with the
// service. The key is an opaque stable external identifier; name and handle
// are refreshed on every contact.
type Identity struct {
	Key    string `json:"key"`
	Name   string `json:"name"`
	Handle string `json:"handle"`
	Role   Role   `json:"role"`
}

// Elevated reports whether the identity carries the elevated role.
func (i *Identity) Elevated() bool {
	return i.Role == RoleElevated
}
