// Copyright (C) 2025 Haex Labs.
// See LICENSE for copying information.

package syncdb

import (
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

// pg error codes this package branches on.
const (
	pgUniqueViolation = "23505"
	pgDuplicateTable  = "42P07"
	pgDuplicateObject = "42710"
)

// quoteIdentifier quotes a DDL identifier.
func quoteIdentifier(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// quoteLiteral quotes a string literal for statements that cannot take
// bind parameters (partition bounds and other DDL).
func quoteLiteral(value string) string {
	return `'` + strings.ReplaceAll(value, `'`, `''`) + `'`
}

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

func isUniqueViolation(err error) bool { return pgCode(err) == pgUniqueViolation }

func isDuplicateDDL(err error) bool {
	code := pgCode(err)
	return code == pgDuplicateTable || code == pgDuplicateObject
}
