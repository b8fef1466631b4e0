package repository

import (
	"errors"
	"fmt"
)

// TableName is the table holding every persisted reading
const TableName = "device_table"

// ErrNotFound is returned by LatestFor when a device has no stored readings
var ErrNotFound = errors.New("repository: no readings for device")

// StorageError wraps a failed read or write against the durable store
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage: failed to %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

func storageErr(op string, err error) error {
	return &StorageError{Op: op, Err: err}
}
