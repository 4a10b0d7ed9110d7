// Package history keeps the bounded conversation memory of each device.
package history

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Role identifies the speaker of a Turn
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one utterance in a conversation. Turns are immutable once appended.
type Turn struct {
	Role      Role      `json:"role" msgpack:"role"`
	Text      string    `json:"text" msgpack:"text"`
	Timestamp time.Time `json:"ts" msgpack:"ts"`
}

// NewTurn stamps a turn with the current time
func NewTurn(role Role, text string) Turn {
	return Turn{Role: role, Text: text, Timestamp: time.Now()}
}

// DefaultMaxTurns is the history cap when none is configured
const DefaultMaxTurns = 5

// ErrInvalidTurn is returned for turns with an unknown role
var ErrInvalidTurn = errors.New("invalid turn")

// Store persists conversation history. Append evicts the oldest turns so that
// Load never returns more than the configured cap, oldest first.
type Store interface {
	Append(ctx context.Context, key string, turn Turn) error
	Load(ctx context.Context, key string) ([]Turn, error)
	Clear(ctx context.Context, key string) error
	Close() error
}

// Options configures a Store
type Options struct {
	Backend  string // "memory" or "badger"
	MaxTurns int
	Dir      string // badger data directory
	InMemory bool   // badger without disk persistence
}

// Open creates the Store selected by opts.Backend
func Open(opts Options) (Store, error) {
	if opts.MaxTurns < 1 {
		opts.MaxTurns = DefaultMaxTurns
	}
	switch opts.Backend {
	case "", "memory":
		return NewMemoryStore(opts.MaxTurns), nil
	case "badger":
		return NewBadgerStore(opts.Dir, opts.MaxTurns, opts.InMemory)
	}
	return nil, fmt.Errorf("unsupported history backend %q", opts.Backend)
}

func validate(turn Turn) error {
	if turn.Role != RoleUser && turn.Role != RoleAssistant {
		return fmt.Errorf("%w: role %q", ErrInvalidTurn, turn.Role)
	}
	return nil
}
