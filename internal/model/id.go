package model

import "github.com/google/uuid"

// NewID generates a new random identifier for a Task or WorkflowStep,
// following the engine's default "uuid" identity_strategy.
func NewID() string {
	return uuid.NewString()
}
