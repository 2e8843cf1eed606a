// Package model defines the core domain types for SkyLink.
package model

// Status is the reachability of a registered user.
type Status string

const (
	StatusOnline  Status = "online"
	StatusOffline Status = "offline"
)

// User is a presence entry: who is registered, whether they are reachable and where.
type User struct {
	Username string `json:"username"`
	Role     Role   `json:"role"`
	Status   Status `json:"status"`
	ConnID   string `json:"-"`
	Node     string `json:"-"` // server process owning ConnID
}

// Online reports whether the user currently has a live connection.
func (u User) Online() bool {
	return u.Status == StatusOnline
}
