package sqlite

import (
	"database/sql"
	"strings"
)

// rowScanner abstracts sql.Row and sql.Rows so scan helpers work with both.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// sqlNullString wraps a string as a nullable column value, treating the
// empty string as NULL.
func sqlNullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// repeatPlaceholders returns n copies of ", ?" for building IN clauses.
func repeatPlaceholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat(", ?", n)
}

// int64SliceToInterface converts ids to the interface slice ExecContext wants.
func int64SliceToInterface(ids []int64) []interface{} {
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}
