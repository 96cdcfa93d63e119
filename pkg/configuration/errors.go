package configuration

import "fmt"

// ConfigMissingError reports a required key absent from one of the documents.
type ConfigMissingError struct {
	Source string
	Key    string
}

func (e *ConfigMissingError) Error() string {
	return fmt.Sprintf("config key %q missing from %s", e.Key, e.Source)
}

// ConfigTypeError reports a key whose value has the wrong type or range.
type ConfigTypeError struct {
	Key    string
	Reason string
}

func (e *ConfigTypeError) Error() string {
	return fmt.Sprintf("config key %q invalid: %s", e.Key, e.Reason)
}

func typeErrorf(key, format string, args ...any) error {
	return &ConfigTypeError{Key: key, Reason: fmt.Sprintf(format, args...)}
}
