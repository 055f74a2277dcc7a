package client

import (
	"github.com/agenthands/autonet/pkg/core"
)

// Alias core types so callers of the client need not import core.
type Address = core.Address
type Amount = core.Amount
type Config = core.Config
type Network = core.Network
type Payer = core.Payer
