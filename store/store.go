package store

import (
	"errors"
	"fmt"

	"ochat/models"
)

var (
	// ErrExists is returned by CreateUser/CreateChat on a name collision.
	ErrExists = errors.New("already exists")
	// ErrNoRows is returned by the by-id lookups when nothing matches.
	ErrNoRows = errors.New("no rows found")
)

// QueryOpt narrows a message query. TS is a watermark: only messages with a
// timestamp strictly greater than TS are returned. MaxCount of 0 means
// unbounded.
type QueryOpt struct {
	TS       uint64
	MaxCount uint64
}

// Conn is one worker's private handle to the backing store. Every call is
// synchronous and individually consistent; sequences of calls are not atomic
// across the pair (see DESIGN.md on cross-call atomicity).
type Conn interface {
	UpdateHeartbit(uid uint64, ts uint64) error

	// CreateUser inserts the user together with their personal chat and
	// membership row. Name collision yields ErrExists.
	CreateUser(name, passHash string) (models.User, error)
	CreateChat(name string, uid uint64) (models.Chat, error)

	// UserByName returns every row matching the name. Uniqueness is an
	// invariant of the store; callers treat len > 1 as a data-integrity bug.
	UserByName(name string) ([]models.User, error)
	UserByID(id uint64) (models.User, error)
	ChatsForUser(uid uint64) ([]models.Chat, error)

	ChatByName(name string) ([]models.Chat, error)
	ChatByID(id uint64) (models.Chat, error)
	UsersForChat(chatID uint64) ([]models.User, error)

	// AddUserToChat is idempotent: adding an existing member is a no-op.
	AddUserToChat(chatID, uid uint64) error

	SaveMessage(msg models.Message) error

	// ChatMessages returns messages addressed to the chat, newest first,
	// honoring the watermark and count limit, and marks returned rows read.
	ChatMessages(chatID uint64, opt QueryOpt) ([]models.Message, error)

	// MessagesFromTo returns messages sent by one user to one chat, newest
	// first, up to opt.MaxCount.
	MessagesFromTo(userFrom, chatTo uint64, opt QueryOpt) ([]models.Message, error)
}

// Store hands out connections to workers. Implementations: in-memory
// (default) and sqlite, selected at construction time.
type Store interface {
	Conn() Conn
	Close() error
}

// Open selects a backend by name.
func Open(backend, path string) (Store, error) {
	switch backend {
	case "", "memory":
		return NewMemory(), nil
	case "sqlite":
		return NewSqlite(path)
	}
	return nil, fmt.Errorf("unknown store backend %q", backend)
}
