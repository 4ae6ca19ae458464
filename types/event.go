package types

import "time"

// EventType names a change to the directory.
type EventType string

const (
	EventUserCreated EventType = "user.created"
	EventUserUpdated EventType = "user.updated"
	EventUserDeleted EventType = "user.deleted"
	EventFollowed    EventType = "user.followed"
	EventUnfollowed  EventType = "user.unfollowed"
)

// UserEvent is published after a mutation has been committed to the store.
type UserEvent struct {
	// Type identifies what happened.
	Type EventType `json:"type"`

	// UserID is the subject of the event (the follower for edge events).
	UserID string `json:"user_id"`

	// TargetID is the followed user for edge events, empty otherwise.
	TargetID string `json:"target_id,omitempty"`

	// OccurredAt is when the mutation was committed.
	OccurredAt time.Time `json:"occurred_at"`
}
