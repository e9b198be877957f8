package chain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"time"

	ethmath "github.com/ethereum/go-ethereum/common/math"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"daily-wager-bot/internal/config"
	"daily-wager-bot/internal/model"
)

const (
	maxRetries    = 3
	baseRetryWait = 500 * time.Millisecond

	// txlist pages are newest first; Etherscan rejects page*offset above 10000
	defaultPageSize = 50
	maxPageSize     = 1000
	maxPages        = 10

	weiExponent = -18
)

// Etherscan errors.
var (
	ErrAPI        = errors.New("etherscan api error")
	ErrInvalidWei = errors.New("invalid wei amount")
)

// Client reads account transactions from the Etherscan API.
type Client struct {
	http    *http.Client
	baseURL string
	apiKey   string
	pageSize int
	limiter  *rate.Limiter
}

// NewClient creates a rate-limited Etherscan client.
func NewClient(cfg *config.EtherscanConfig) *Client {
	perSec := cfg.Rate
	if perSec <= 0 {
		perSec = 4
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	pageSize := cfg.PageSize
	if pageSize <= 0 || pageSize > maxPageSize {
		pageSize = defaultPageSize
	}
	return &Client{
		http:     &http.Client{Timeout: timeout},
		baseURL:  cfg.BaseURL,
		apiKey:   cfg.APIKey,
		pageSize: pageSize,
		limiter:  rate.NewLimiter(rate.Limit(perSec), 1),
	}
}

type txListResponse struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Result  json.RawMessage `json:"result"`
}

type txListItem struct {
	Hash      string `json:"hash"`
	From      string `json:"from"`
	To        string `json:"to"`
	Value     string `json:"value"`
	TimeStamp string `json:"timeStamp"`
	IsError   string `json:"isError"`
}

// Transfers returns the transactions involving address, newest first,
// reaching back at least to since. Pages are fetched until one ends before
// since or comes back short. Failed transactions are skipped.
func (c *Client) Transfers(ctx context.Context, address string, since time.Time) ([]model.Transfer, error) {
	var transfers []model.Transfer
	for page := 1; page <= maxPages; page++ {
		items, err := c.txList(ctx, address, page)
		if err != nil {
			return nil, err
		}

		for _, item := range items {
			if item.IsError == "1" {
				continue
			}
			t, err := item.toTransfer()
			if err != nil {
				log.Warn().Err(err).Str("hash", item.Hash).Msg("Skipping unparseable transaction")
				continue
			}
			transfers = append(transfers, t)
		}

		if len(items) < c.pageSize || items[len(items)-1].blockTime().Before(since) {
			return transfers, nil
		}
	}

	log.Warn().
		Str("address", address).
		Time("since", since).
		Int("transfers", len(transfers)).
		Msg("Transaction history truncated after the last page")
	return transfers, nil
}

// txList fetches one page of the address's transaction list.
func (c *Client) txList(ctx context.Context, address string, page int) ([]txListItem, error) {
	q := url.Values{}
	q.Set("module", "account")
	q.Set("action", "txlist")
	q.Set("address", address)
	q.Set("startblock", "0")
	q.Set("endblock", "99999999")
	q.Set("page", strconv.Itoa(page))
	q.Set("offset", strconv.Itoa(c.pageSize))
	q.Set("sort", "desc")
	if c.apiKey != "" {
		q.Set("apikey", c.apiKey)
	}

	var resp txListResponse
	if err := c.get(ctx, c.baseURL+"?"+q.Encode(), &resp); err != nil {
		return nil, fmt.Errorf("failed to list transactions for %s: %w", address, err)
	}

	// status 0 with an empty result array means "No transactions found";
	// with a string result it carries the error text
	var items []txListItem
	if err := json.Unmarshal(resp.Result, &items); err != nil {
		var reason string
		_ = json.Unmarshal(resp.Result, &reason)
		return nil, fmt.Errorf("%w: %s: %s", ErrAPI, resp.Message, reason)
	}
	return items, nil
}

// blockTime is zero when the timestamp is unreadable.
func (i txListItem) blockTime() time.Time {
	sec, err := strconv.ParseInt(i.TimeStamp, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}

func (i txListItem) toTransfer() (model.Transfer, error) {
	wei, ok := ethmath.ParseBig256(i.Value)
	if !ok {
		return model.Transfer{}, fmt.Errorf("%w: %q", ErrInvalidWei, i.Value)
	}
	return model.Transfer{
		Hash:      i.Hash,
		From:      i.From,
		To:        i.To,
		Amount:    decimal.NewFromBigInt(wei, weiExponent),
		Timestamp: i.blockTime(),
	}, nil
}

// get performs a GET with rate limiting and retries.
func (c *Client) get(ctx context.Context, rawURL string, out any) error {
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limiter: %w", err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return err
		}
		req.Header.Set("Accept", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			if attempt == maxRetries {
				return fmt.Errorf("request failed after %d retries: %w", maxRetries, err)
			}
			c.sleep(ctx, attempt)
			continue
		}

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			resp.Body.Close()
			if attempt == maxRetries {
				return fmt.Errorf("server error %d after %d retries", resp.StatusCode, maxRetries)
			}
			log.Warn().Int("status", resp.StatusCode).Int("attempt", attempt+1).Msg("Etherscan request failed, retrying")
			c.sleep(ctx, attempt)
			continue
		}

		if resp.StatusCode >= 400 {
			body, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			return fmt.Errorf("client error %d: %s", resp.StatusCode, string(body))
		}

		defer resp.Body.Close()
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		return nil
	}
	return fmt.Errorf("exhausted %d retries", maxRetries)
}

// sleep waits with exponential backoff, respecting ctx.
func (c *Client) sleep(ctx context.Context, attempt int) {
	wait := time.Duration(math.Pow(2, float64(attempt))) * baseRetryWait
	select {
	case <-time.After(wait):
	case <-ctx.Done():
	}
}
