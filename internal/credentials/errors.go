package credentials

import "errors"

var (
	// ErrAccountNotFound indicates no record exists for the account
	ErrAccountNotFound = errors.New("account not found")

	// ErrInvalidAccountID indicates an identifier that cannot name a credential file
	ErrInvalidAccountID = errors.New("invalid account id")
)
