// Package idgen generates record identifiers.
//
// Entities (posts, orders, chats, profiles) use random UUIDs. Messages use
// ULIDs so ids sort in creation order within a chat.
package idgen

import (
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// New returns a random UUID string.
func New() string {
	return uuid.NewString()
}

// Message returns a new ULID. Ids generated by one process are strictly
// increasing, even within the same millisecond.
func Message() string {
	return ulid.Make().String()
}

// IsMessageID reports whether s parses as a ULID.
func IsMessageID(s string) bool {
	_, err := ulid.ParseStrict(s)
	return err == nil
}
