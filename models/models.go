package models

// User is a registered account. ChatID is the id of the user's personal
// chat, created together with the user. Heartbit is the unix millisecond
// timestamp of the last idle poll seen from this user.
type User struct {
	ID       uint64
	ChatID   uint64
	Heartbit uint64
	Name     string
	Password string // hashed
}

// Chat is either a user's personal chat or a named group.
type Chat struct {
	ID   uint64
	Name string
}

// ChatUser links a user to a chat they are a member of.
type ChatUser struct {
	ChatID uint64
	UserID uint64
}

// Message flags
const (
	MsgUnread uint8 = 0
	MsgRead   uint8 = 1
)

type Message struct {
	Flags    uint8
	UserFrom uint64
	ChatTo   uint64
	TS       uint64 // unix milliseconds
	Text     string
}
