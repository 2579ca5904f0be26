package balance

import "github.com/xraph/balance/types"

// Re-export common types for convenience so users don't have to import types package.

// Amount is re-exported from types package.
type Amount = types.Amount

// ParseOpts is re-exported from types package.
type ParseOpts = types.ParseOpts

// Entity is re-exported from types package.
type Entity = types.Entity

// Re-export Amount constructors
var (
	ParseAmount = types.ParseAmount
	MustParse   = types.MustParse
	FromMinor   = types.FromMinor
	Zero        = types.Zero
	Sum         = types.Sum
)

// Re-export Entity constructor
var NewEntity = types.NewEntity
