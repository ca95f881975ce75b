package repository

import (
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
)

func TestIsUniqueViolation(t *testing.T) {
	err := fmt.Errorf("insert match: %w", &pgconn.PgError{Code: "23505", ConstraintName: "matches_match_code_key"})
	assert.True(t, isUniqueViolation(err, "matches_match_code_key"))
	assert.False(t, isUniqueViolation(err, "match_participants_pkey"))
	assert.False(t, isUniqueViolation(&pgconn.PgError{Code: "23503"}, "matches_match_code_key"))
	assert.False(t, isUniqueViolation(nil, "matches_match_code_key"))
}
