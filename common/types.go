// Package common holds the identifier types, error types and clock
// helpers shared by every layer of the collaboration substrate.
package common

import (
	"fmt"
	"math/rand"
	"regexp"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// DocumentID identifies a shared document.
type DocumentID string

// ClientID identifies a connected client.
type ClientID string

// OperationID identifies a single operation.
type OperationID string

// Version is a per-document counter. It starts at zero for a fresh
// document and increases by one for every applied operation.
type Version int64

var idPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ValidID reports whether s is a well-formed identifier: non-empty and
// containing only letters, digits, underscore and hyphen.
func ValidID(s string) bool {
	return idPattern.MatchString(s)
}

// Valid reports whether the document ID is well-formed.
func (id DocumentID) Valid() bool { return ValidID(string(id)) }

// Valid reports whether the client ID is well-formed.
func (id ClientID) Valid() bool { return ValidID(string(id)) }

// Valid reports whether the operation ID is well-formed.
func (id OperationID) Valid() bool { return ValidID(string(id)) }

// NewOperationID mints a random operation identifier.
func NewOperationID() OperationID {
	return OperationID(uuid.NewString())
}

// NewClientID mints a server-assigned client identifier of the form
// client-<ms>-<rand36>.
func NewClientID() ClientID {
	return ClientID(fmt.Sprintf("client-%d-%s", NowMillis(), strconv.FormatInt(rand.Int63(), 36)))
}

// NowMillis returns the current wall clock in milliseconds since the
// Unix epoch, the timestamp unit used on the wire.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}
