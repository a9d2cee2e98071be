package engine

import "errors"

var (
	// ErrEngineClosed is returned when operations are performed on a closed engine
	ErrEngineClosed = errors.New("engine is closed")
	// ErrEmptyKey is returned when a key is empty
	ErrEmptyKey = errors.New("key cannot be empty")
	// ErrKeyTooLarge is returned when a key exceeds MaxKeySize
	ErrKeyTooLarge = errors.New("key too large")
	// ErrValueTooLarge is returned when a value exceeds MaxValueSize
	ErrValueTooLarge = errors.New("value too large")
	// ErrDBAlreadyOpen is returned when another engine holds the directory lock
	ErrDBAlreadyOpen = errors.New("database directory is already in use")
)
