package models

import (
	"time"

	"github.com/google/uuid"
)

// MaxMarksCap is the most marks a single user may hold.
const MaxMarksCap = 500

type User struct {
	ID        uuid.UUID `json:"id"`
	Nickname  string    `json:"nickname,omitempty"`
	Marks     int       `json:"marks"`
	IsAdmin   bool      `json:"is_admin"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

