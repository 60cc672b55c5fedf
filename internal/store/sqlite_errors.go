package store

import "strings"

// isBusyError reports SQLite contention errors (SQLITE_BUSY or "database
// is locked") that are worth retrying. Both processes write the same file,
// so these are expected under load.
func isBusyError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}
