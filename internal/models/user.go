package models

// UserSummary is the display projection of a user owned by the profile service.
type UserSummary struct {
	ID     string  `json:"id" db:"id"`
	Name   string  `json:"name" db:"name"`
	Handle string  `json:"handle" db:"handle"`
	Avatar *string `json:"avatar,omitempty" db:"avatar"`
}
