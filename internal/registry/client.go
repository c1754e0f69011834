// Package registry talks to the provider registry API.
package registry

import (
	"context"
	"time"

	"github.com/storagewatch/storagewatch/internal/models"
	"github.com/storagewatch/storagewatch/internal/upstream"
)

// DefaultPageSize is the page size used when walking the provider search endpoint
const DefaultPageSize = 100

// Config for the registry client
type Config struct {
	BaseURL    string
	APIKey     string
	RPS        float64
	MaxRetries int
	Timeout    time.Duration
}

// Client fetches providers and telemetry from the registry
type Client struct {
	api *upstream.Client
}

type searchPayload struct {
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

type providersResponse struct {
	Providers []models.Provider `json:"providers"`
}

type telemetryResponse struct {
	Providers []models.Telemetry `json:"providers"`
}

// NewClient creates a registry client
func NewClient(cfg Config) (*Client, error) {
	api, err := upstream.New(upstream.Config{
		Service:    "registry",
		BaseURL:    cfg.BaseURL,
		Headers:    map[string]string{"Authorization": cfg.APIKey},
		RPS:        cfg.RPS,
		MaxRetries: cfg.MaxRetries,
		Timeout:    cfg.Timeout,
	})
	if err != nil {
		return nil, err
	}
	return &Client{api: api}, nil
}

// Search returns one page of providers. An empty page means the end of the list.
func (c *Client) Search(ctx context.Context, offset, limit int) ([]models.Provider, error) {
	var resp providersResponse
	err := c.api.PostJSON(ctx, "providers.search", "providers/search", searchPayload{Limit: limit, Offset: offset}, &resp)
	if err != nil {
		return nil, err
	}
	return resp.Providers, nil
}

// Telemetry returns the latest telemetry batch for all providers
func (c *Client) Telemetry(ctx context.Context) ([]models.Telemetry, error) {
	var resp telemetryResponse
	if err := c.api.GetJSON(ctx, "providers.telemetry", "providers", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Providers, nil
}

// Searcher is the paginated part of the registry API
type Searcher interface {
	Search(ctx context.Context, offset, limit int) ([]models.Provider, error)
}

// ListAll walks the search endpoint page by page until an empty page.
// Any page failure aborts the walk and nothing collected so far is returned.
func ListAll(ctx context.Context, s Searcher, pageSize int) ([]models.Provider, error) {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	var all []models.Provider
	for offset := 0; ; offset += pageSize {
		page, err := s.Search(ctx, offset, pageSize)
		if err != nil {
			return nil, err
		}
		if len(page) == 0 {
			return all, nil
		}
		all = append(all, page...)
	}
}
