package rbac

import "errors"

var (
	// ErrInvalidModule indicates a module identifier that is not recognized
	ErrInvalidModule = errors.New("rbac: invalid module")

	// ErrInvalidLevel indicates a permission level name that is not recognized
	ErrInvalidLevel = errors.New("rbac: invalid permission level")

	// ErrConfiguration indicates a reference that cannot be honoured, such as
	// assigning a role meant for another user type
	ErrConfiguration = errors.New("rbac: configuration error")

	// ErrNotFound indicates an absent user, role or group
	ErrNotFound = errors.New("rbac: not found")

	// ErrConflict indicates a duplicate active assignment. Assignment
	// services absorb it; callers never see it from AssignRole.
	ErrConflict = errors.New("rbac: conflict")

	// ErrTransientStore wraps I/O failures of the persistence collaborator
	ErrTransientStore = errors.New("rbac: store unavailable")
)
