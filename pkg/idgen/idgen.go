package idgen

import (
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// requestIDNamespace scopes derived request ids so they cannot collide with
// ids derived for other purposes from the same inputs.
var requestIDNamespace = uuid.MustParse("9a4c8e9e-5b89-4a53-b5d4-1f2f6be1f6d1")

// MustGenerateSortableID returns a lexicographically sortable unique id.
func MustGenerateSortableID() string {
	entropy := rand.New(rand.NewSource(time.Now().UnixNano()))
	ms := ulid.Timestamp(time.Now())
	id, err := ulid.New(ms, entropy)
	if err != nil {
		panic(err)
	}
	return id.String()
}

// DeriveRequestID deterministically derives a request id from the principal,
// operation and payload, so that a retried identical submission collapses
// onto the same record instead of creating a duplicate.
func DeriveRequestID(principalID, operation string, payload []byte) string {
	data := make([]byte, 0, len(principalID)+len(operation)+len(payload)+2)
	data = append(data, principalID...)
	data = append(data, 0)
	data = append(data, operation...)
	data = append(data, 0)
	data = append(data, payload...)
	return uuid.NewSHA1(requestIDNamespace, data).String()
}
