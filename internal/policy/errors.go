package policy

import "github.com/cockroachdb/errors"

var (
	// ErrPermissionDenied is returned when the rule table denies a capability.
	ErrPermissionDenied = errors.New("permission denied")
	// ErrPolicyImmutable is returned when deactivating a required policy.
	ErrPolicyImmutable = errors.New("policy is required and cannot be deactivated")
	// ErrPolicyNotFound is returned for an unknown policy id.
	ErrPolicyNotFound = errors.New("policy not found")
	// ErrConsentNotWithdrawable is returned when revoking consent that was
	// granted as non-withdrawable.
	ErrConsentNotWithdrawable = errors.New("consent cannot be withdrawn")
	// ErrInvalidPolicy is returned at construction for inconsistent policies.
	ErrInvalidPolicy = errors.New("invalid policy")
)
