// Package presence tracks which live connections belong to which user.
package presence

import (
	"context"
	"errors"
)

// ErrUnknownConnection is returned by Lookup for a connection id that is not
// registered.
var ErrUnknownConnection = errors.New("unknown connection")

// Registry maps connection ids to user ids. A user is online while at least
// one connection maps to them.
type Registry interface {
	// Add records connID for userID and reports whether it is the user's
	// first live connection. Re-adding a connection id that belongs to
	// another user moves it; the caller is expected to Remove it first when
	// it needs the previous owner's presence transition.
	Add(ctx context.Context, connID, userID string) (first bool, err error)

	// Remove drops connID and reports the user it belonged to and whether it
	// was that user's last live connection. Removing an unknown id returns
	// an empty user id and last=false.
	Remove(ctx context.Context, connID string) (userID string, last bool, err error)

	Lookup(ctx context.Context, connID string) (string, error)
	Online(ctx context.Context, userID string) (bool, error)
	Connections(ctx context.Context, userID string) ([]string, error)
}
