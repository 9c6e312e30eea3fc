package database

import (
	"database/sql"

	"github.com/lib/pq"
	"github.com/pkg/errors"
)

const uniqueViolation = pq.ErrorCode("23505")

// IsUniqueViolation reports whether err is a PostgreSQL unique constraint violation.
func IsUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == uniqueViolation
	}
	return false
}

func IsNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
