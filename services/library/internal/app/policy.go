package app

import "bookloan/pkg/domain"

// Capability is the access class of a caller.
type Capability int

const (
	CapabilityAnonymous Capability = iota
	CapabilityUser
	CapabilityAdmin
)

// Classify maps an identity to its capability.
func Classify(id domain.Identity) Capability {
	switch {
	case id.Anonymous():
		return CapabilityAnonymous
	case id.IsAdmin:
		return CapabilityAdmin
	default:
		return CapabilityUser
	}
}

// RequireAdmin gates catalog writes and the open-borrow listing.
func RequireAdmin(id domain.Identity) error {
	if Classify(id) != CapabilityAdmin {
		return ErrForbidden
	}
	return nil
}

// RequireAuthenticated gates borrow and return.
func RequireAuthenticated(id domain.Identity) error {
	if Classify(id) == CapabilityAnonymous {
		return ErrUnauthenticated
	}
	return nil
}
