// Package store holds the durable last-token position of each session.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a session has no stored token.
var ErrNotFound = errors.New("store: session not found")

// Store is the durable session position contract. Implementations must be
// safe for concurrent use.
type Store interface {
	// GetLastToken returns the stored token or ErrNotFound.
	GetLastToken(ctx context.Context, sessionKey string) (string, error)
	PutLastToken(ctx context.Context, sessionKey, token string) error
}

// Entry is one stored session position.
type Entry struct {
	SessionKey string    `json:"session"`
	Token      string    `json:"token"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Lister is implemented by stores that can enumerate their sessions.
type Lister interface {
	List(ctx context.Context) ([]Entry, error)
}

// Deleter is implemented by stores that can forget a session.
type Deleter interface {
	DeleteSession(ctx context.Context, sessionKey string) error
}

// Backend is the full surface of the stores in this package.
type Backend interface {
	Store
	Lister
	Deleter
	Close() error
}

// Kinds accepted by Open.
const (
	KindMemory = "memory"
	KindFile   = "file"
)
