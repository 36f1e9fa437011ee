package domain

import "time"

// RoleAdmin grants access to the admin API.
const RoleAdmin = "admin"

type Role struct {
	ID        string
	Name      string
	CreatedAt time.Time
}

// RoleNames flattens roles for embedding in an access token.
func RoleNames(roles []Role) []string {
	names := make([]string, len(roles))
	for i, r := range roles {
		names[i] = r.Name
	}
	return names
}
