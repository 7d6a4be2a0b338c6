package persistence

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var slugPattern = regexp.MustCompile(`^[a-z0-9]+(?:-[a-z0-9]+)*$`)

// NormalizeSlug trims whitespace, lowercases the value, and ensures it matches
// the canonical URL-safe slug pattern required for public identifiers. The
// length bound keeps the derived schema name within the engine's identifier
// limit.
func NormalizeSlug(input string) (string, error) {
	trimmed := strings.TrimSpace(input)
	if trimmed == "" {
		return "", errors.New("slug is required")
	}

	normalized := strings.ToLower(trimmed)
	if len(normalized) > MaxSlugLength {
		return "", fmt.Errorf("slug %q exceeds %d characters", input, MaxSlugLength)
	}
	if !slugPattern.MatchString(normalized) {
		return "", fmt.Errorf("invalid slug %q: must match ^[a-z0-9]+(?:-[a-z0-9]+)*$", input)
	}

	return normalized, nil
}

// SchemaNameForSlug derives the tenant schema name from a normalized slug and
// runs it through the identifier validator. The schema name is never trusted
// as stored state alone; every point of use re-validates it.
func SchemaNameForSlug(slug string) (string, error) {
	normalized, err := NormalizeSlug(slug)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidIdentifier, err)
	}
	return ValidateSchemaName(SchemaPrefix + strings.ReplaceAll(normalized, "-", "_"))
}
