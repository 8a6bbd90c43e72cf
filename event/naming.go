package event

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var typeNameRegex = regexp.MustCompile(`^[a-z][a-zA-Z0-9]*\.[a-z][a-zA-Z0-9]*\.[a-z][a-zA-Z0-9]*$`)

// ErrInvalidTypeName is returned by ValidateType.
var ErrInvalidTypeName = errors.New("event: invalid type name")

// TypeName builds an Event type name following the
// "<boundedContext>.<entity>.<pastTenseAction>" convention.
func TypeName(boundedContext, entity, action string) string {
	return strings.Join([]string{boundedContext, entity, action}, ".")
}

// ValidateType checks the Event type name follows the
// "<boundedContext>.<entity>.<pastTenseAction>" convention,
// e.g. "community.post.created".
func ValidateType(name string) error {
	if !typeNameRegex.MatchString(name) {
		return fmt.Errorf("%w: %q, expected <boundedContext>.<entity>.<pastTenseAction>", ErrInvalidTypeName, name)
	}

	return nil
}
