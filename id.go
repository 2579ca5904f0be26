package balance

import "github.com/xraph/balance/id"

// ID is the primary identifier type for all balance entities.
type ID = id.ID

// Prefix identifies the entity type encoded in a TypeID.
type Prefix = id.Prefix
