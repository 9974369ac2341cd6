package pgstore

import (
	"strings"

	"github.com/jackc/pgx/v5"
)

func identifier(name string) pgx.Identifier {
	return pgx.Identifier(strings.Split(name, "."))
}

func lastPart(name string) string {
	parts := strings.Split(name, ".")
	return parts[len(parts)-1]
}
