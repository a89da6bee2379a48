package credstore

import "time"

// Pair is the access/refresh credential pair issued by the backend. Both
// values are opaque to the console.
type Pair struct {
	Access  string
	Refresh string
}

// Complete reports whether both halves of the pair are set.
func (p Pair) Complete() bool {
	return p.Access != "" && p.Refresh != ""
}

// Identity is the cached profile of the signed-in principal as returned by
// GET /auth/me. The backend remains the source of truth.
type Identity struct {
	ID          string    `json:"id"`
	Email       string    `json:"email"`
	Username    string    `json:"username"`
	FullName    string    `json:"full_name,omitempty"`
	IsActive    bool      `json:"is_active"`
	IsSuperuser bool      `json:"is_superuser"`
	CreatedAt   time.Time `json:"created_at,omitempty"`
}

// DisplayName returns the full name when set, else the username.
func (i Identity) DisplayName() string {
	if i.FullName != "" {
		return i.FullName
	}
	return i.Username
}
