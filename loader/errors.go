package loader

import (
	"errors"
	"fmt"
)

var (
	// ErrUnreadableFile is a filesystem failure: missing file, permissions, I/O.
	ErrUnreadableFile = errors.New("unreadable file")
	// ErrUnsupportedFormat is an unknown extension or content the decoder rejects.
	ErrUnsupportedFormat = errors.New("unsupported format")
	// ErrLockContention means the cache lock was held; retry on the next tick.
	ErrLockContention = errors.New("cache lock contended")
	// ErrLoadTimeout means a placeholder waited longer than the resolve timeout.
	ErrLoadTimeout = errors.New("load timed out")
	// ErrPlaceholderDone is returned when resolving a placeholder that is no longer pending.
	ErrPlaceholderDone = errors.New("placeholder already settled")
	// ErrNoNeighbor means navigation stepped past either end of the listing.
	ErrNoNeighbor = errors.New("no neighbor in that direction")
)

// DecodeError is a terminal decode failure for one path.
type DecodeError struct {
	Kind error // ErrUnreadableFile or ErrUnsupportedFormat
	Path string
	Err  error
}

func (e *DecodeError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("decode %s: %v", e.Path, e.Kind)
	}
	return fmt.Sprintf("decode %s: %v: %v", e.Path, e.Kind, e.Err)
}

func (e *DecodeError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func unreadable(path string, err error) error {
	return &DecodeError{Kind: ErrUnreadableFile, Path: path, Err: err}
}

func unsupported(path string, err error) error {
	return &DecodeError{Kind: ErrUnsupportedFormat, Path: path, Err: err}
}

// LoadError explains why a placeholder failed.
type LoadError struct {
	Key Key
	Err error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load %s: %v", e.Key, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }
