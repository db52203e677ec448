package store

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrUnavailable means the write could not reach the database.
	ErrUnavailable = errors.New("store unavailable")
	// ErrRejected means the database received the write and declined it.
	ErrRejected = errors.New("store rejected write")
)

// StoreError is returned by Writer.Record. Kind is ErrUnavailable or
// ErrRejected; Code holds the SQLSTATE for rejections.
type StoreError struct {
	Kind error
	Code string
	Err  error
}

func (e *StoreError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%v (sqlstate %s): %v", e.Kind, e.Code, e.Err)
	}
	return fmt.Sprintf("%v: %v", e.Kind, e.Err)
}

func (e *StoreError) Unwrap() []error { return []error{e.Kind, e.Err} }

// ConnectError is returned when the initial connection cannot be established.
type ConnectError struct {
	Addr string
	Err  error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect to database at %s: %v", e.Addr, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

func classify(err error) *StoreError {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return &StoreError{Kind: ErrRejected, Code: pgErr.Code, Err: err}
	}
	return &StoreError{Kind: ErrUnavailable, Err: err}
}
