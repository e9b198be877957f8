package testutil

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"daily-wager-bot/internal/model"
)

// ErrUnavailable is the scripted failure of the fake sources.
var ErrUnavailable = errors.New("source unavailable")

// FakeMetricSource returns a settable snapshot.
type FakeMetricSource struct {
	mu    sync.Mutex
	snap  model.MetricSnapshot
	err   error
	calls int
}

// NewFakeMetricSource returns a source reporting snap.
func NewFakeMetricSource(snap model.MetricSnapshot) *FakeMetricSource {
	return &FakeMetricSource{snap: snap}
}

// Set replaces the published snapshot.
func (f *FakeMetricSource) Set(snap model.MetricSnapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snap = snap
}

// SetError makes Fetch fail until cleared with nil.
func (f *FakeMetricSource) SetError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

// Calls returns how many times Fetch was called.
func (f *FakeMetricSource) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *FakeMetricSource) Fetch(context.Context) (model.MetricSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return model.MetricSnapshot{}, f.err
	}
	return f.snap, nil
}

// SimulatedSettlement is an in-memory settlement network: transfers are
// added by tests and listed per address.
type SimulatedSettlement struct {
	mu        sync.Mutex
	transfers []model.Transfer
	err       error
	queries   []string
	since     []time.Time
	seq       int
}

// NewSimulatedSettlement creates an empty network.
func NewSimulatedSettlement() *SimulatedSettlement {
	return &SimulatedSettlement{}
}

// Pay records a transfer and returns its hash.
func (s *SimulatedSettlement) Pay(from, to, amount string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	hash := fmt.Sprintf("0xhash%04d", s.seq)
	s.transfers = append(s.transfers, model.Transfer{
		Hash:      hash,
		From:      from,
		To:        to,
		Amount:    decimal.RequireFromString(amount),
		Timestamp: time.Now().UTC(),
	})
	return hash
}

// SetError makes Transfers fail until cleared with nil.
func (s *SimulatedSettlement) SetError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

// Since returns the lower bound passed with each query so far.
func (s *SimulatedSettlement) Since() []time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Time(nil), s.since...)
}

// Queries returns the addresses queried so far.
func (s *SimulatedSettlement) Queries() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.queries...)
}

// Transfers lists every recorded transfer involving address. Like the
// real feed it may return transfers older than since.
func (s *SimulatedSettlement) Transfers(_ context.Context, address string, since time.Time) ([]model.Transfer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queries = append(s.queries, address)
	s.since = append(s.since, since)
	if s.err != nil {
		return nil, s.err
	}
	var out []model.Transfer
	// newest first, like the real feed
	for i := len(s.transfers) - 1; i >= 0; i-- {
		t := s.transfers[i]
		if strings.EqualFold(t.From, address) || strings.EqualFold(t.To, address) {
			out = append(out, t)
		}
	}
	return out, nil
}
