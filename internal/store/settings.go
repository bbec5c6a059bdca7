package store

import (
	"database/sql"
	"time"
)

// Well-known settings keys for scalar process state.
const (
	SettingLastGlobalSync = "last_global_sync_at"
	SettingFirstLoginDone = "first_login_done"
)

// SetSetting writes a scalar settings value.
func (db *DB) SetSetting(key, value string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO settings (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, now)
	return err
}

// GetSetting reads a settings value. Returns "" and false if unset.
func (db *DB) GetSetting(key string) (string, bool, error) {
	var value string
	err := db.QueryRow(`SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}
