package catalog

import "context"

// Source yields a full catalog snapshot from the remote accounting service.
type Source interface {
	FetchCatalog(ctx context.Context) (RemoteSnapshot, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context) (RemoteSnapshot, error)

// FetchCatalog calls f.
func (f SourceFunc) FetchCatalog(ctx context.Context) (RemoteSnapshot, error) {
	return f(ctx)
}

// RemoteSnapshot is the catalog as delivered by the remote source.
type RemoteSnapshot struct {
	Articles []RemoteArticle
	Members  []RemoteMember
}

// RemoteArticle is an article as delivered by the remote source.
type RemoteArticle struct {
	ID          string        `json:"id"`
	Designation string        `json:"designation"`
	Prices      []RemotePrice `json:"prices"`
}

// RemotePrice is one entry of a remote price list. Dates are YYYY-MM-DD and
// UnitPrice is a plain decimal string.
type RemotePrice struct {
	ValidFrom string `json:"valid_from"`
	ValidTo   string `json:"valid_to"`
	UnitPrice string `json:"unit_price"`
	Tier      string `json:"tier"`
}

// RemoteMember is a person with zero or more key fobs.
type RemoteMember struct {
	ID        string   `json:"id"`
	Keycodes  []string `json:"keycodes"`
	Firstname string   `json:"firstname"`
	Lastname  string   `json:"lastname"`
	Nickname  string   `json:"nickname"`
	Tier      string   `json:"tier"`
}
