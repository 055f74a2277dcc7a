package client

import (
	"github.com/agenthands/autonet/pkg/core"
)

var (
	ErrNotFound     = core.ErrNotFound
	ErrInvalidInput = core.ErrInvalidInput
	ErrCorrupt      = core.ErrCorrupt
	ErrTooLarge     = core.ErrTooLarge
	ErrPayment      = core.ErrPayment
	ErrNetwork      = core.ErrNetwork
	ErrDecryption   = core.ErrDecryption
)
