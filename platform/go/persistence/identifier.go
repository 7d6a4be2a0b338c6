package persistence

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// SchemaPrefix is prepended to every tenant slug when deriving the schema
// that holds the tenant's data.
const SchemaPrefix = "tenant_"

// pgIdentifierLimit is PostgreSQL's NAMEDATALEN-1 byte limit for identifiers.
const pgIdentifierLimit = 63

// MaxSlugLength bounds the slug portion of a derived schema name so the full
// identifier never exceeds the engine limit.
const MaxSlugLength = pgIdentifierLimit - len(SchemaPrefix)

// ErrInvalidIdentifier marks a schema name rejected before any SQL was built.
// It is always a caller bug or malicious input and is never retried.
var ErrInvalidIdentifier = errors.New("invalid schema identifier")

// forbiddenFragments are rejected anywhere in a candidate, case-insensitively:
// statement punctuation that could alter query semantics, the system catalog
// prefix, and the shared schema name.
var forbiddenFragments = []string{";", "--", "/*", "*/", "pg_", "public"}

var schemaNamePattern = regexp.MustCompile(`^[a-z][a-z0-9]*(?:_[a-z0-9]+)*$`)

// ValidateSchemaName checks a candidate schema identifier and returns it
// unchanged when safe to interpolate into DDL. It is called when the name is
// derived from a slug and again, unconditionally, immediately before any
// statement is built from it, so no code path can reach SQL with an
// unchecked name.
func ValidateSchemaName(candidate string) (string, error) {
	if candidate == "" {
		return "", fmt.Errorf("%w: empty name", ErrInvalidIdentifier)
	}
	if len(candidate) > pgIdentifierLimit {
		return "", fmt.Errorf("%w: %q exceeds %d bytes", ErrInvalidIdentifier, candidate, pgIdentifierLimit)
	}

	lowered := strings.ToLower(candidate)
	for _, fragment := range forbiddenFragments {
		if strings.Contains(lowered, fragment) {
			return "", fmt.Errorf("%w: %q contains forbidden fragment %q", ErrInvalidIdentifier, candidate, fragment)
		}
	}

	if !schemaNamePattern.MatchString(candidate) {
		return "", fmt.Errorf("%w: %q must match %s", ErrInvalidIdentifier, candidate, schemaNamePattern.String())
	}

	return candidate, nil
}
