package core

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound     = errors.New("autonet: not found")
	ErrInvalidInput = errors.New("autonet: invalid input")
	ErrCorrupt      = errors.New("autonet: corrupt data")
	ErrPayment      = errors.New("autonet: payment failed")
	ErrNetwork      = errors.New("autonet: network failure")
	ErrDecryption   = errors.New("autonet: decryption failed")
	ErrClosed       = errors.New("autonet: closed")

	// ErrTooLarge is reported for inputs exceeding a configured bound. It
	// matches ErrInvalidInput under errors.Is.
	ErrTooLarge = fmt.Errorf("%w: too large", ErrInvalidInput)
)
