package db

import (
	"database/sql"
	"errors"
	"time"
)

func GetConfig(key string) (string, error) {
	var val string
	err := db.QueryRow(`SELECT value FROM config WHERE key = ?`, key).Scan(&val)
	if err != nil {
		return "", err
	}
	return val, nil
}

// GetConfigOr returns def when the key has never been set.
func GetConfigOr(key, def string) (string, error) {
	val, err := GetConfig(key)
	if errors.Is(err, sql.ErrNoRows) {
		return def, nil
	}
	return val, err
}

func SetConfig(key, value string) error {
	_, err := db.Exec(`
		INSERT INTO config (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().Unix())
	return err
}

// GetNodeID returns the random id generated when the database was created.
func GetNodeID() (string, error) {
	return GetConfig("node_id")
}
