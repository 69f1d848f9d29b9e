// Package schema defines the data structures shared by the location engine,
// its transports and its clients.
package schema

import "time"

// Role is the campus role of a tracked individual or an evaluating actor.
type Role string

const (
	RoleStudent Role = "student"
	RoleTeacher Role = "teacher"
	RoleStaff   Role = "staff"
	RoleAdmin   Role = "admin"
)

// Valid reports whether r is one of the known campus roles.
func (r Role) Valid() bool {
	switch r {
	case RoleStudent, RoleTeacher, RoleStaff, RoleAdmin:
		return true
	}
	return false
}

// PrivacyLevel controls who may see a user's location.
type PrivacyLevel string

const (
	PrivacyPublic  PrivacyLevel = "public"
	PrivacyFriends PrivacyLevel = "friends"
	PrivacyPrivate PrivacyLevel = "private"
)

// UserIdentity is a directory entry. The engine only ever reads it.
type UserIdentity struct {
	ID           string       `json:"id" yaml:"id"`
	Name         string       `json:"name" yaml:"name"`
	Role         Role         `json:"role" yaml:"role"`
	Department   string       `json:"department" yaml:"department"`
	PrivacyLevel PrivacyLevel `json:"privacy_level" yaml:"privacy_level"`
	ConsentGiven bool         `json:"consent_given" yaml:"consent_given"`
	LastSeen     time.Time    `json:"last_seen" yaml:"last_seen"`
}

// Actor is the caller on whose behalf a query or mutation is evaluated.
type Actor struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
}
