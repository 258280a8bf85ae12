package cache

import "errors"

var (
	// ErrNotFound: the key is absent or its entry has expired.
	ErrNotFound = errors.New("cache: key not found")

	// ErrMarshal: the value could not be serialized for storage.
	ErrMarshal = errors.New("cache: marshal failed")

	// ErrUnmarshal: the stored bytes could not be decoded.
	ErrUnmarshal = errors.New("cache: unmarshal failed")
)
