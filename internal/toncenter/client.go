// Package toncenter reads account transactions from the toncenter v3 indexer.
package toncenter

import (
	"context"
	"net/url"
	"strconv"
	"time"

	"github.com/storagewatch/storagewatch/internal/models"
	"github.com/storagewatch/storagewatch/internal/upstream"
)

// PageLimit is the number of transactions requested per call
const PageLimit = 100

// Config for the indexer client
type Config struct {
	BaseURL    string
	APIKey     string
	RPS        float64
	MaxRetries int
	Timeout    time.Duration
}

// TransactionsQuery mirrors the /transactions query parameters used here
type TransactionsQuery struct {
	Account string
	StartLT int64 // zero means from the beginning
	Limit   int
	Sort    string // "asc" or "desc"
}

// Client is a toncenter API client
type Client struct {
	api *upstream.Client
}

type transactionList struct {
	Transactions []models.Transaction `json:"transactions"`
}

// NewClient creates an indexer client
func NewClient(cfg Config) (*Client, error) {
	api, err := upstream.New(upstream.Config{
		Service:    "toncenter",
		BaseURL:    cfg.BaseURL,
		Headers:    map[string]string{"X-API-Key": cfg.APIKey},
		RPS:        cfg.RPS,
		MaxRetries: cfg.MaxRetries,
		RetryBase:  time.Second,
		Timeout:    cfg.Timeout,
	})
	if err != nil {
		return nil, err
	}
	return &Client{api: api}, nil
}

// Transactions returns one page of account transactions
func (c *Client) Transactions(ctx context.Context, q TransactionsQuery) ([]models.Transaction, error) {
	params := url.Values{
		"account": {q.Account},
		"limit":   {strconv.Itoa(q.Limit)},
		"sort":    {q.Sort},
	}
	if q.StartLT > 0 {
		params.Set("start_lt", strconv.FormatInt(q.StartLT, 10))
	}

	var resp transactionList
	if err := c.api.GetJSON(ctx, "transactions", "transactions", params, &resp); err != nil {
		return nil, err
	}
	return resp.Transactions, nil
}

// Lister is the transaction endpoint consumed by CollectSince
type Lister interface {
	Transactions(ctx context.Context, q TransactionsQuery) ([]models.Transaction, error)
}

// CollectSince returns every transaction of account with lt strictly greater than cursor,
// oldest first. A zero cursor collects the full history.
func CollectSince(ctx context.Context, l Lister, account string, cursor int64) ([]models.Transaction, error) {
	var result []models.Transaction
	from := cursor
	for {
		page, err := l.Transactions(ctx, TransactionsQuery{
			Account: account,
			StartLT: from,
			Limit:   PageLimit,
			Sort:    "asc",
		})
		if err != nil {
			return nil, err
		}
		if len(page) == 0 {
			return result, nil
		}

		for _, tx := range page {
			if from == 0 || int64(tx.LT) > from {
				result = append(result, tx)
			}
		}

		next := int64(page[len(page)-1].LT)
		if len(page) < PageLimit || next <= from {
			return result, nil
		}
		from = next
	}
}
