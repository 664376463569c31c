package store

import (
	"database/sql"
	"errors"

	"ochat/models"

	"github.com/mattn/go-sqlite3"
)

// Sqlite is the relational backend behind the same Conn contract as Memory.
type Sqlite struct {
	conn *sql.DB
}

func NewSqlite(path string) (*Sqlite, error) {
	conn, err := sql.Open("sqlite3", path+"?_foreign_keys=1&_journal_mode=WAL")
	if err != nil {
		return nil, err
	}

	s := &Sqlite{conn: conn}
	if err := s.init(); err != nil {
		conn.Close()
		return nil, err
	}

	return s, nil
}

// Conn returns the store itself; database/sql pools connections internally.
func (s *Sqlite) Conn() Conn { return s }

func (s *Sqlite) Close() error {
	return s.conn.Close()
}

func (s *Sqlite) init() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT UNIQUE NOT NULL,
			password TEXT NOT NULL,
			chat_id INTEGER NOT NULL,
			heartbit INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS chats (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT UNIQUE NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS chatusers (
			chat_id INTEGER NOT NULL,
			user_id INTEGER NOT NULL,
			UNIQUE(chat_id, user_id)
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_from INTEGER NOT NULL,
			chat_to INTEGER NOT NULL,
			ts INTEGER NOT NULL,
			text TEXT NOT NULL,
			flags INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_chat_to ON messages(chat_to, ts)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_user_from ON messages(user_from, chat_to)`,
		`CREATE INDEX IF NOT EXISTS idx_chatusers_user ON chatusers(user_id)`,
	}

	for _, query := range queries {
		if _, err := s.conn.Exec(query); err != nil {
			return err
		}
	}

	return nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrConstraint
	}
	return false
}

func (s *Sqlite) UpdateHeartbit(uid uint64, ts uint64) error {
	_, err := s.conn.Exec("UPDATE users SET heartbit = ? WHERE id = ?", ts, uid)
	return err
}

// CreateUser inserts the chat, the user and the membership row in one
// transaction, so a half-created user can never be observed.
func (s *Sqlite) CreateUser(name, passHash string) (models.User, error) {
	tx, err := s.conn.Begin()
	if err != nil {
		return models.User{}, err
	}
	defer tx.Rollback()

	res, err := tx.Exec("INSERT INTO chats (name) VALUES (?)", name)
	if err != nil {
		if isUniqueViolation(err) {
			return models.User{}, ErrExists
		}
		return models.User{}, err
	}
	chatID, err := res.LastInsertId()
	if err != nil {
		return models.User{}, err
	}

	res, err = tx.Exec(
		"INSERT INTO users (name, password, chat_id) VALUES (?, ?, ?)",
		name, passHash, chatID,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return models.User{}, ErrExists
		}
		return models.User{}, err
	}
	userID, err := res.LastInsertId()
	if err != nil {
		return models.User{}, err
	}

	if _, err := tx.Exec("INSERT INTO chatusers (chat_id, user_id) VALUES (?, ?)", chatID, userID); err != nil {
		return models.User{}, err
	}

	if err := tx.Commit(); err != nil {
		return models.User{}, err
	}

	return models.User{
		ID:       uint64(userID),
		ChatID:   uint64(chatID),
		Name:     name,
		Password: passHash,
	}, nil
}

func (s *Sqlite) CreateChat(name string, uid uint64) (models.Chat, error) {
	tx, err := s.conn.Begin()
	if err != nil {
		return models.Chat{}, err
	}
	defer tx.Rollback()

	res, err := tx.Exec("INSERT INTO chats (name) VALUES (?)", name)
	if err != nil {
		if isUniqueViolation(err) {
			return models.Chat{}, ErrExists
		}
		return models.Chat{}, err
	}
	chatID, err := res.LastInsertId()
	if err != nil {
		return models.Chat{}, err
	}

	if uid > 0 {
		if _, err := tx.Exec("INSERT INTO chatusers (chat_id, user_id) VALUES (?, ?)", chatID, uid); err != nil {
			return models.Chat{}, err
		}
	}

	if err := tx.Commit(); err != nil {
		return models.Chat{}, err
	}

	return models.Chat{ID: uint64(chatID), Name: name}, nil
}

func (s *Sqlite) scanUsers(rows *sql.Rows) ([]models.User, error) {
	defer rows.Close()

	var ret []models.User
	for rows.Next() {
		var u models.User
		if err := rows.Scan(&u.ID, &u.ChatID, &u.Heartbit, &u.Name, &u.Password); err != nil {
			return nil, err
		}
		ret = append(ret, u)
	}
	return ret, rows.Err()
}

func (s *Sqlite) UserByName(name string) ([]models.User, error) {
	rows, err := s.conn.Query(
		"SELECT id, chat_id, heartbit, name, password FROM users WHERE name = ?", name)
	if err != nil {
		return nil, err
	}
	return s.scanUsers(rows)
}

func (s *Sqlite) UserByID(id uint64) (models.User, error) {
	var u models.User
	err := s.conn.QueryRow(
		"SELECT id, chat_id, heartbit, name, password FROM users WHERE id = ?", id,
	).Scan(&u.ID, &u.ChatID, &u.Heartbit, &u.Name, &u.Password)
	if err == sql.ErrNoRows {
		return models.User{}, ErrNoRows
	}
	if err != nil {
		return models.User{}, err
	}
	return u, nil
}

func (s *Sqlite) scanChats(rows *sql.Rows) ([]models.Chat, error) {
	defer rows.Close()

	var ret []models.Chat
	for rows.Next() {
		var c models.Chat
		if err := rows.Scan(&c.ID, &c.Name); err != nil {
			return nil, err
		}
		ret = append(ret, c)
	}
	return ret, rows.Err()
}

func (s *Sqlite) ChatsForUser(uid uint64) ([]models.Chat, error) {
	rows, err := s.conn.Query(
		`SELECT c.id, c.name FROM chats c
		 JOIN chatusers cu ON cu.chat_id = c.id
		 WHERE cu.user_id = ?`, uid)
	if err != nil {
		return nil, err
	}
	return s.scanChats(rows)
}

func (s *Sqlite) ChatByName(name string) ([]models.Chat, error) {
	rows, err := s.conn.Query("SELECT id, name FROM chats WHERE name = ?", name)
	if err != nil {
		return nil, err
	}
	return s.scanChats(rows)
}

func (s *Sqlite) ChatByID(id uint64) (models.Chat, error) {
	var c models.Chat
	err := s.conn.QueryRow("SELECT id, name FROM chats WHERE id = ?", id).Scan(&c.ID, &c.Name)
	if err == sql.ErrNoRows {
		return models.Chat{}, ErrNoRows
	}
	if err != nil {
		return models.Chat{}, err
	}
	return c, nil
}

func (s *Sqlite) UsersForChat(chatID uint64) ([]models.User, error) {
	rows, err := s.conn.Query(
		`SELECT u.id, u.chat_id, u.heartbit, u.name, u.password FROM users u
		 JOIN chatusers cu ON cu.user_id = u.id
		 WHERE cu.chat_id = ?`, chatID)
	if err != nil {
		return nil, err
	}
	return s.scanUsers(rows)
}

func (s *Sqlite) AddUserToChat(chatID, uid uint64) error {
	_, err := s.conn.Exec(
		"INSERT OR IGNORE INTO chatusers (chat_id, user_id) VALUES (?, ?)", chatID, uid)
	return err
}

func (s *Sqlite) SaveMessage(msg models.Message) error {
	_, err := s.conn.Exec(
		"INSERT INTO messages (user_from, chat_to, ts, text, flags) VALUES (?, ?, ?, ?, ?)",
		msg.UserFrom, msg.ChatTo, msg.TS, msg.Text, msg.Flags,
	)
	return err
}

func (s *Sqlite) scanMessages(rows *sql.Rows) ([]models.Message, error) {
	defer rows.Close()

	var ret []models.Message
	for rows.Next() {
		var m models.Message
		if err := rows.Scan(&m.UserFrom, &m.ChatTo, &m.TS, &m.Text, &m.Flags); err != nil {
			return nil, err
		}
		ret = append(ret, m)
	}
	return ret, rows.Err()
}

func (s *Sqlite) ChatMessages(chatID uint64, opt QueryOpt) ([]models.Message, error) {
	query := `SELECT user_from, chat_to, ts, text, flags FROM messages
		 WHERE chat_to = ? AND ts > ? ORDER BY id DESC`
	args := []interface{}{chatID, opt.TS}
	if opt.MaxCount > 0 {
		query += " LIMIT ?"
		args = append(args, opt.MaxCount)
	}

	rows, err := s.conn.Query(query, args...)
	if err != nil {
		return nil, err
	}
	msgs, err := s.scanMessages(rows)
	if err != nil {
		return nil, err
	}

	if len(msgs) > 0 {
		if _, err := s.conn.Exec(
			"UPDATE messages SET flags = ? WHERE chat_to = ? AND ts > ?",
			models.MsgRead, chatID, opt.TS,
		); err != nil {
			return nil, err
		}
	}

	return msgs, nil
}

func (s *Sqlite) MessagesFromTo(userFrom, chatTo uint64, opt QueryOpt) ([]models.Message, error) {
	query := `SELECT user_from, chat_to, ts, text, flags FROM messages
		 WHERE user_from = ? AND chat_to = ? ORDER BY id DESC`
	args := []interface{}{userFrom, chatTo}
	if opt.MaxCount > 0 {
		query += " LIMIT ?"
		args = append(args, opt.MaxCount)
	}

	rows, err := s.conn.Query(query, args...)
	if err != nil {
		return nil, err
	}
	return s.scanMessages(rows)
}
