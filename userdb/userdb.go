// Package userdb stores accounts in SQLite.
package userdb

import (
	"database/sql"
	"time"

	"github.com/golang/glog"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"badc0de.net/pkg/go-larnix/login"
)

// FileName is the default database file in the data directory.
const FileName = "users.sqlite"

// DB is a login.UserStore backed by SQLite.
type DB struct {
	*sql.DB
}

var _ login.UserStore = (*DB)(nil)

// Open opens the database at path and creates the schema if needed.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, errors.Wrapf(err, "opening %s", path)
	}
	// One writer keeps the compare-and-set updates below atomic.
	db.SetMaxOpenConns(1)
	if err := migrate(db); err != nil {
		db.Close()
		return nil, errors.Wrapf(err, "migrating %s", path)
	}
	glog.V(2).Infof("user database %s open", path)
	return &DB{db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS users (
			uid INTEGER PRIMARY KEY AUTOINCREMENT,
			nickname TEXT NOT NULL UNIQUE,
			password_hash TEXT NOT NULL,
			challenge_id INTEGER NOT NULL,
			created_at TEXT NOT NULL
		);
	`)
	return err
}

func (db *DB) User(nickname string) (*login.User, error) {
	var u login.User
	err := db.QueryRow("SELECT uid, nickname, password_hash, challenge_id FROM users WHERE nickname = ?", nickname).
		Scan(&u.UID, &u.Nickname, &u.PasswordHash, &u.ChallengeID)
	if err == sql.ErrNoRows {
		return nil, login.ErrNoUser
	}
	if err != nil {
		return nil, errors.Wrapf(err, "loading user %q", nickname)
	}
	return &u, nil
}

func (db *DB) AddUser(nickname, passwordHash string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := db.Exec("INSERT OR IGNORE INTO users (nickname, password_hash, challenge_id, created_at) VALUES (?, ?, ?, ?)",
		nickname, passwordHash, login.InitialChallengeID, now)
	if err != nil {
		return errors.Wrapf(err, "adding user %q", nickname)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return login.ErrUserExists
	}
	return nil
}

func (db *DB) SetPasswordHash(nickname, oldHash, newHash string) (bool, error) {
	var res sql.Result
	var err error
	if oldHash == "" {
		res, err = db.Exec("UPDATE users SET password_hash = ? WHERE nickname = ?", newHash, nickname)
	} else {
		res, err = db.Exec("UPDATE users SET password_hash = ? WHERE nickname = ? AND password_hash = ?", newHash, nickname, oldHash)
	}
	if err != nil {
		return false, errors.Wrapf(err, "updating password of %q", nickname)
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (db *DB) IncrementChallenge(nickname string, current int64) (bool, error) {
	res, err := db.Exec("UPDATE users SET challenge_id = challenge_id + 1 WHERE nickname = ? AND challenge_id = ?", nickname, current)
	if err != nil {
		return false, errors.Wrapf(err, "incrementing challenge of %q", nickname)
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (db *DB) Nicknames() ([]string, error) {
	rows, err := db.Query("SELECT nickname FROM users ORDER BY nickname")
	if err != nil {
		return nil, errors.Wrap(err, "listing users")
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}
