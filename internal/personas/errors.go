package personas

import (
	"errors"
	"fmt"
)

var (
	ErrPersonaNotFound = errors.New("persona not found")
	ErrConfigInvalid   = errors.New("invalid persona configuration")
	ErrCatalogClosed   = errors.New("persona catalog is closed")
)

// ConfigError represents a persona definition error
type ConfigError struct {
	File    string
	Persona string
	Field   string
	Cause   error
}

// NewConfigError creates a new configuration error
func NewConfigError(file, persona, field string, cause error) *ConfigError {
	return &ConfigError{File: file, Persona: persona, Field: field, Cause: cause}
}

func (e *ConfigError) Error() string {
	if e.File != "" {
		return fmt.Sprintf("persona config error in %s[%s].%s: %v", e.File, e.Persona, e.Field, e.Cause)
	}
	return fmt.Sprintf("persona config error [%s].%s: %v", e.Persona, e.Field, e.Cause)
}

func (e *ConfigError) Unwrap() error {
	return e.Cause
}
