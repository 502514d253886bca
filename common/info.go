package common

// ClientInfo is the identity the auth layer resolves for a connected
// client. Permissions are carried as plain strings so the wire encoding
// stays independent of the auth backend.
type ClientInfo struct {
	ID          ClientID `json:"id"`
	UserID      string   `json:"userId,omitempty"`
	Name        string   `json:"name,omitempty"`
	Avatar      string   `json:"avatar,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
}

// HasPermission reports whether the client carries the named permission
// or the admin permission.
func (ci *ClientInfo) HasPermission(name string) bool {
	if ci == nil {
		return false
	}
	for _, p := range ci.Permissions {
		if p == name || p == "admin" {
			return true
		}
	}
	return false
}
