package errors

import "errors"

var (
	ErrInvalidInput        = errors.New("invalid input")
	ErrSameAccount         = errors.New("cannot transfer to the same account")
	ErrAccountNotFound     = errors.New("account not found")
	ErrFromAccountNotFound = errors.New("sender account not found")
	ErrToAccountNotFound   = errors.New("receiver account not found")
	ErrInsufficientFunds   = errors.New("insufficient funds")
	ErrRequestInProgress   = errors.New("request is already in progress")
	ErrRequestFailed       = errors.New("request already failed, retry with a new key")
	ErrInternal            = errors.New("internal error")
)
