// Package source defines the capability interface external data providers
// implement and the registry the executor dispatches through.
package source

import (
	"context"
	"time"

	"github.com/ethpandaops/gridfill/pkg/store"
)

// Query is one fetch request against a provider
type Query struct {
	Start       time.Time
	End         time.Time
	Identifiers []string
}

// Record is one observation as returned by a provider
type Record struct {
	Identifier  string
	SourceType  store.SourceType
	PeriodStart time.Time
	PeriodEnd   time.Time
	PeriodType  string
	Value       float64
	Unit        string
	// Revision is the settlement run the value belongs to, 0 when the provider has none
	Revision int64
	Payload  map[string]any
}

// Metadata reports how a fetch went
type Metadata struct {
	Success  bool
	Errors   []string
	APICalls int
}

// Adapter fetches raw records from one external provider
type Adapter interface {
	// Name returns the lower case source key the adapter is registered under
	Name() string
	// Fetch returns records for identifiers within [q.Start, q.End)
	Fetch(ctx context.Context, q Query) ([]Record, Metadata, error)
}
