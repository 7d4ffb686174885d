package postgres

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

const uniqueViolation = "23505"

// isUniqueViolation reports whether err is a Postgres unique-constraint error,
// used to map duplicate names/machine ids to ConflictError.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// capsJSON encodes a capabilities map for a JSONB column. A nil map encodes
// as an empty object so JSONB containment filters behave.
func capsJSON(caps map[string]string) ([]byte, error) {
	if caps == nil {
		caps = map[string]string{}
	}
	raw, err := json.Marshal(caps)
	if err != nil {
		return nil, fmt.Errorf("marshal capabilities: %w", err)
	}
	return raw, nil
}
