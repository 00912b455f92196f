package lifecycle

// Roles understood by the coordinator. The role string comes from the
// external auth collaborator and is trusted as-is.
const (
	RoleOwner    = "owner"
	RoleVerifier = "verifier"
	RoleOperator = "operator"
)

// Caller is the identity on whose behalf an operation runs
type Caller struct {
	ID   string `json:"id"`
	Role string `json:"role"`
}

// Is reports whether the caller carries role
func (c Caller) Is(role string) bool {
	return c.Role == role
}
