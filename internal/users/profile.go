package users

import (
	"strings"
	"time"
)

// Profile is the locally cached projection of a user, used to render authors.
type Profile struct {
	UserID     string    `gorm:"column:user_id;primaryKey;size:190;not null"`
	FullName   string    `gorm:"column:full_name;size:320"`
	Role       string    `gorm:"column:role;size:64"`
	Email      string    `gorm:"column:email;size:320"`
	LastSeenAt time.Time `gorm:"column:last_seen_at"`
	CreatedAt  time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt  time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing user profiles.
func (Profile) TableName() string {
	return "user_profiles"
}

// Author is the public shape of a profile embedded in answers and messages.
type Author struct {
	ID       string `json:"id"`
	FullName string `json:"fullName"`
	Role     string `json:"role"`
}

// Author projects the profile onto its public shape.
func (p Profile) Author() Author {
	return Author{ID: p.UserID, FullName: p.FullName, Role: p.Role}
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}
