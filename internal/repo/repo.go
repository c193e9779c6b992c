package repo

import (
	"database/sql"
	"errors"
	"strings"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict reports a lost compare-and-swap on a transaction revision.
	ErrConflict = errors.New("revision conflict")
	// ErrActiveResource reports that a resource already has a non-terminal transaction.
	ErrActiveResource = errors.New("resource already has an active transaction")
)

type Repo struct {
	DB *sql.DB
}

type rowScanner interface {
	Scan(dest ...any) error
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func fromNull(v sql.NullString) string {
	if v.Valid {
		return v.String
	}
	return ""
}

func isUniqueViolation(err error, target string) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") && strings.Contains(msg, target)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
