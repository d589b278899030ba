package sync

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"analytics-sync-service/internal/analytics"
	"analytics-sync-service/internal/logger"
	"analytics-sync-service/internal/store"
	"analytics-sync-service/internal/store/storetest"
)

var salesColumns = []string{"Sales[Date]", "Sales[Company]", "Sales[Product]", "Sales[Amount]"}

// fakeClock is a manual time source; Sleep advances it.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(t time.Time) *fakeClock {
	return &fakeClock{now: t}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	c.Advance(d)
	return ctx.Err()
}

type fakeTokens struct {
	mu    sync.Mutex
	err   error
	calls int
}

func (f *fakeTokens) Token(_ context.Context, creds analytics.Credentials) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return "token-" + creds.ClientID, nil
}

// fakeQueries answers "start|end" queries with the rows its generator
// returns for each day in the range.
type fakeQueries struct {
	mu      sync.Mutex
	rows    func(day time.Time) [][]any
	err     error
	queries []string
	onQuery func()
}

func newFakeQueries() *fakeQueries {
	return &fakeQueries{rows: twoCompaniesPerDay}
}

func twoCompaniesPerDay(day time.Time) [][]any {
	d := day.Format(store.DateLayout)
	return [][]any{
		{d, "A", "P1", "10.5"},
		{d, "B", "P1", "3"},
	}
}

func (f *fakeQueries) ExecuteQuery(_ context.Context, _, _, query string) (*analytics.QueryResult, error) {
	f.mu.Lock()
	f.queries = append(f.queries, query)
	hook := f.onQuery
	f.mu.Unlock()

	if hook != nil {
		hook()
	}
	if f.err != nil {
		return nil, f.err
	}

	bounds := strings.SplitN(query, "|", 2)
	if len(bounds) != 2 {
		return nil, fmt.Errorf("fake: unexpected query %q", query)
	}
	start, err := time.Parse(store.DateLayout, bounds[0])
	if err != nil {
		return nil, err
	}
	end, err := time.Parse(store.DateLayout, bounds[1])
	if err != nil {
		return nil, err
	}

	res := &analytics.QueryResult{Columns: salesColumns}
	for day := start; !day.After(end); day = AddDays(day, 1) {
		res.Rows = append(res.Rows, f.rows(day)...)
	}
	return res, nil
}

func (f *fakeQueries) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.queries)
}

// seedSales stores a sales config whose query renders as "start|end".
func seedSales(t *testing.T, s store.Store, mutate func(*store.SyncConfig)) storetest.Fixture {
	t.Helper()
	return storetest.SeedConfig(t, s, func(c *store.SyncConfig) {
		c.QueryTemplate = "{{start_date}}|{{end_date}}"
		if mutate != nil {
			mutate(c)
		}
	})
}

func mustJob(t *testing.T, s store.Store, id string) *store.QueueItem {
	t.Helper()
	job, err := s.GetJob(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, job)
	return job
}

var jan10 = time.Date(2024, time.January, 10, 6, 0, 0, 0, time.UTC)

// useTestLogger routes the process logger to t for the duration of the test.
func useTestLogger(t *testing.T) {
	t.Helper()
	prev := logger.Log
	logger.Log = zaptest.NewLogger(t)
	t.Cleanup(func() { logger.Log = prev })
}
