package pyrexis

import "github.com/suriyasureshok/Pyrexis/id"

// ID is the primary identifier type for all Pyrexis entities.
type ID = id.ID

// Prefix identifies the entity type encoded in a TypeID.
type Prefix = id.Prefix
