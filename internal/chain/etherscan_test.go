package chain

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"daily-wager-bot/internal/config"
)

const sampleTxList = `{
  "status": "1",
  "message": "OK",
  "result": [
    {
      "hash": "0xaaa",
      "from": "0x79289bb6b441cd337e2ad22b8f8202661d7b53f4",
      "to": "0x1111111111111111111111111111111111111111",
      "value": "30000000000000000",
      "timeStamp": "1600000000",
      "isError": "0"
    },
    {
      "hash": "0xbbb",
      "from": "0x79289bb6b441cd337e2ad22b8f8202661d7b53f4",
      "to": "0x1111111111111111111111111111111111111111",
      "value": "30000000000000000",
      "timeStamp": "1600000100",
      "isError": "1"
    }
  ]
}`

func newTestClient(srv *httptest.Server) *Client {
	return NewClient(&config.EtherscanConfig{
		BaseURL: srv.URL,
		APIKey:  "test-key",
		Rate:    100,
		Timeout: time.Second,
	})
}

func TestTransfers_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "account", q.Get("module"))
		assert.Equal(t, "txlist", q.Get("action"))
		assert.Equal(t, "0xwallet", q.Get("address"))
		assert.Equal(t, "test-key", q.Get("apikey"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(sampleTxList))
	}))
	defer srv.Close()

	transfers, err := newTestClient(srv).Transfers(context.Background(), "0xwallet", time.Time{})
	require.NoError(t, err)
	require.Len(t, transfers, 1, "failed transactions are skipped")

	tr := transfers[0]
	assert.Equal(t, "0xaaa", tr.Hash)
	assert.Equal(t, "0.03", tr.Amount.String())
	assert.Equal(t, time.Unix(1600000000, 0).UTC(), tr.Timestamp)
}

func TestTransfers_NoTransactions(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"0","message":"No transactions found","result":[]}`))
	}))
	defer srv.Close()

	transfers, err := newTestClient(srv).Transfers(context.Background(), "0xwallet", time.Time{})
	require.NoError(t, err)
	assert.Empty(t, transfers)
}

func TestTransfers_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"0","message":"NOTOK","result":"Invalid API Key"}`))
	}))
	defer srv.Close()

	_, err := newTestClient(srv).Transfers(context.Background(), "0xwallet", time.Time{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAPI)
	assert.Contains(t, err.Error(), "Invalid API Key")
}

func TestTransfers_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(sampleTxList))
	}))
	defer srv.Close()

	transfers, err := newTestClient(srv).Transfers(context.Background(), "0xwallet", time.Time{})
	require.NoError(t, err)
	assert.Len(t, transfers, 1)
	assert.Equal(t, int32(2), calls.Load())
}

func TestTransfers_ClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "forbidden", http.StatusForbidden)
	}))
	defer srv.Close()

	_, err := newTestClient(srv).Transfers(context.Background(), "0xwallet", time.Time{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "client error 403")
	assert.Equal(t, int32(1), calls.Load())
}

func TestTransfers_CancelledContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(sampleTxList))
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newTestClient(srv).Transfers(ctx, "0xwallet", time.Time{})
	assert.Error(t, err)
}

// pagedServer serves txlist pages over count transfers whose timestamps
// step down by 100s from 1600001000, newest first.
func pagedServer(t *testing.T, count int, calls *atomic.Int32) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		q := r.URL.Query()
		assert.Equal(t, "desc", q.Get("sort"))
		page, _ := strconv.Atoi(q.Get("page"))
		offset, _ := strconv.Atoi(q.Get("offset"))

		items := []map[string]string{}
		for i := (page - 1) * offset; i < page*offset && i < count; i++ {
			items = append(items, map[string]string{
				"hash":      fmt.Sprintf("0x%03d", i),
				"from":      "0xwallet",
				"to":        "0xdest",
				"value":     "30000000000000000",
				"timeStamp": strconv.Itoa(1600001000 - 100*i),
				"isError":   "0",
			})
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "1", "message": "OK", "result": items})
	}))
}

func newPagedClient(srv *httptest.Server, pageSize int) *Client {
	return NewClient(&config.EtherscanConfig{BaseURL: srv.URL, Rate: 1000, Timeout: time.Second, PageSize: pageSize})
}

func TestTransfers_PagesUntilShortPage(t *testing.T) {
	var calls atomic.Int32
	srv := pagedServer(t, 5, &calls)
	defer srv.Close()

	transfers, err := newPagedClient(srv, 2).Transfers(context.Background(), "0xwallet", time.Time{})
	require.NoError(t, err)

	require.Len(t, transfers, 5)
	assert.Equal(t, "0x000", transfers[0].Hash)
	assert.Equal(t, "0x004", transfers[4].Hash)
	assert.Equal(t, int32(3), calls.Load())
}

func TestTransfers_StopsOnceHistoryReachesSince(t *testing.T) {
	var calls atomic.Int32
	srv := pagedServer(t, 50, &calls)
	defer srv.Close()

	// between the second (1600000900) and third (1600000800) transfer
	since := time.Unix(1600000850, 0)
	transfers, err := newPagedClient(srv, 2).Transfers(context.Background(), "0xwallet", since)
	require.NoError(t, err)

	assert.Len(t, transfers, 4, "the page that crosses since is kept whole")
	assert.Equal(t, int32(2), calls.Load())
}

func TestTransfers_PageLimit(t *testing.T) {
	var calls atomic.Int32
	srv := pagedServer(t, 1000, &calls)
	defer srv.Close()

	transfers, err := newPagedClient(srv, 2).Transfers(context.Background(), "0xwallet", time.Time{})
	require.NoError(t, err)

	assert.Len(t, transfers, 2*maxPages)
	assert.Equal(t, int32(maxPages), calls.Load())
}
