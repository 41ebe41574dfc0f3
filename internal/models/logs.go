package models

import "time"

type SessionLog struct {
	ID       int64      `db:"id" json:"id"`
	Username string     `db:"username" json:"username"`
	Start    time.Time  `db:"start" json:"start"`
	Finish   *time.Time `db:"finish" json:"finish,omitempty"`
}

type PauseLog struct {
	ID       int64      `db:"id" json:"id"`
	Username string     `db:"username" json:"username"`
	Start    time.Time  `db:"start" json:"start"`
	Finish   *time.Time `db:"finish" json:"finish,omitempty"`
	Reason   string     `db:"reason" json:"reason,omitempty"`
}

// Account is the credential-checked identity of a user.
type Account struct {
	Username string `db:"username"`
	Fullname string `db:"fullname"`
	Level    Level  `db:"level"`
}
