package storage

import "github.com/pkg/errors"

// Error codes surfaced by the store. Callers match them with errors.Is;
// wrapping keeps the code while attaching context.
var (
	ErrIDNotFound      = errors.New("id not present in index")
	ErrIDDeleted       = errors.New("id has been deleted")
	ErrTTLExpired      = errors.New("id has expired ttl")
	ErrIndexCreation   = errors.New("index creation failure")
	ErrInitialization  = errors.New("initialization error")
	ErrIO              = errors.New("io error")
	ErrInvalidArgument = errors.New("invalid argument")
)
