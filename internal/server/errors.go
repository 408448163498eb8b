package server

import "fmt"

type ErrorKind int

const (
	KindValidation ErrorKind = iota
	KindNotFound
	KindPersistence
)

// Error is the failure taxonomy of the coordination core. Every handler
// failure is converted into a reply to the originating connection only;
// nothing here is fatal to the coordinator.
type Error struct {
	Kind ErrorKind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s", e.Msg, e.Err.Error())
	}

	return e.Msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

func NewValidationError(msg string) *Error {
	return &Error{Kind: KindValidation, Msg: msg}
}

func NewNotFoundError(msg string) *Error {
	return &Error{Kind: KindNotFound, Msg: msg}
}

func NewPersistenceError(msg string, err error) *Error {
	return &Error{Kind: KindPersistence, Msg: msg, Err: err}
}
