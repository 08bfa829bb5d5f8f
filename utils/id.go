package utils

import "github.com/google/uuid"

// GenerateID returns a random UUID string used to identify persisted bricks.
func GenerateID() string {
	return uuid.NewString()
}
