package sync

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"analytics-sync-service/internal/store"
	"analytics-sync-service/internal/store/storetest"
)

func salesConfig() *store.SyncConfig {
	return &store.SyncConfig{
		FieldMapping: map[string]string{
			"company_code": "Sales[Company]",
			"product_code": "Sales[Product]",
			"amount":       "Sales[Amount]",
		},
		KeyFields:    []string{"company_code", "product_code"},
		CompanyField: "company_code",
		DateField:    "Sales[Date]",
	}
}

func TestMapper_Map(t *testing.T) {
	day := storetest.Date(2024, 1, 5)
	m := NewMapper(salesConfig(), day, day)

	row, err := m.Map(map[string]any{
		"Sales[Date]":    "2024-01-05T00:00:00",
		"Sales[Company]": "ACME",
		"Sales[Product]": json.Number("42"),
		"Sales[Amount]":  json.Number("9.99"),
		"Sales[Ignored]": "x",
	})
	require.NoError(t, err)
	assert.Equal(t, "ACME|42", row.BusinessKey)
	assert.Equal(t, "ACME", row.CompanyCode)
	assert.True(t, row.Date.Equal(day))
	assert.Len(t, row.Fields, 3)
	assert.Equal(t, json.Number("9.99"), row.Fields["amount"])
}

func TestMapper_Failures(t *testing.T) {
	day := storetest.Date(2024, 1, 5)

	tests := []struct {
		name string
		row  map[string]any
	}{
		{"missing column", map[string]any{"Sales[Date]": "2024-01-05", "Sales[Company]": "A", "Sales[Amount]": 1}},
		{"null key", map[string]any{"Sales[Date]": "2024-01-05", "Sales[Company]": "A", "Sales[Product]": nil, "Sales[Amount]": 1}},
		{"blank key", map[string]any{"Sales[Date]": "2024-01-05", "Sales[Company]": " ", "Sales[Product]": "P", "Sales[Amount]": 1}},
		{"bad date", map[string]any{"Sales[Date]": "yesterday", "Sales[Company]": "A", "Sales[Product]": "P", "Sales[Amount]": 1}},
		{"null date", map[string]any{"Sales[Date]": nil, "Sales[Company]": "A", "Sales[Product]": "P", "Sales[Amount]": 1}},
		{"date outside batch", map[string]any{"Sales[Date]": "2024-01-06", "Sales[Company]": "A", "Sales[Product]": "P", "Sales[Amount]": 1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewMapper(salesConfig(), day, day).Map(tt.row)
			assert.True(t, errors.Is(err, ErrMapping), "got %v", err)
		})
	}
}

func TestMapper_DateFallsBackToSingleDayBatch(t *testing.T) {
	day := storetest.Date(2024, 1, 5)
	row := map[string]any{"Sales[Company]": "A", "Sales[Product]": "P", "Sales[Amount]": 1}

	got, err := NewMapper(salesConfig(), day, day).Map(row)
	require.NoError(t, err)
	assert.True(t, got.Date.Equal(day))

	_, err = NewMapper(salesConfig(), day, AddDays(day, 1)).Map(row)
	assert.True(t, errors.Is(err, ErrMapping))
}

func TestParseRowDate(t *testing.T) {
	want := storetest.Date(2024, 3, 1)
	for _, v := range []any{
		"2024-03-01",
		"2024-03-01T00:00:00",
		"2024-03-01T23:59:59.123",
		"2024-03-01 08:00:00",
		"2024-03-01T10:00:00+02:00",
		"03/01/2024",
		time.Date(2024, 3, 1, 22, 0, 0, 0, time.FixedZone("X", -5*3600)),
	} {
		got, err := parseRowDate(v)
		require.NoError(t, err, "%v", v)
		assert.True(t, got.Equal(want), "%v parsed as %s", v, got)
	}
}

func TestBusinessKey(t *testing.T) {
	fields := map[string]any{"a": "x", "b": json.Number("1"), "c": nil}

	key, err := BusinessKey(fields, []string{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, "x|1", key)

	whole1, err := BusinessKey(fields, nil)
	require.NoError(t, err)
	whole2, err := BusinessKey(map[string]any{"c": nil, "b": json.Number("1"), "a": "x"}, nil)
	require.NoError(t, err)
	assert.Equal(t, whole1, whole2, "hash does not depend on insertion order")
	assert.True(t, strings.HasPrefix(whole1, hashedKeyPrefix))

	long, err := BusinessKey(map[string]any{"a": strings.Repeat("z", 300)}, []string{"a"})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(long, hashedKeyPrefix))
	assert.LessOrEqual(t, len(long), maxPlainKey)

	_, err = BusinessKey(fields, []string{"c"})
	assert.True(t, errors.Is(err, ErrMapping))
}

func TestRenderQuery(t *testing.T) {
	tmpl := `EVALUATE FILTER(Sales, Sales[Date] >= {{start_dax}} && Sales[Date] <= {{end_dax}}) -- {{start_date}} {{end_date}} {{date}} {{end_date_exclusive}}`
	got := RenderQuery(tmpl, storetest.Date(2024, 1, 31), storetest.Date(2024, 2, 2))
	assert.Equal(t,
		`EVALUATE FILTER(Sales, Sales[Date] >= DATE(2024, 1, 31) && Sales[Date] <= DATE(2024, 2, 2)) -- 2024-01-31 2024-02-02 2024-01-31 2024-02-03`,
		got)
}

func TestDates(t *testing.T) {
	assert.Equal(t, 10, DayCount(storetest.Date(2024, 1, 1), storetest.Date(2024, 1, 10)))
	assert.Equal(t, 1, DayCount(storetest.Date(2024, 1, 1), storetest.Date(2024, 1, 1)))
	assert.Equal(t, 0, DayCount(storetest.Date(2024, 1, 2), storetest.Date(2024, 1, 1)))
	assert.Equal(t, 366, DayCount(storetest.Date(2024, 1, 1), storetest.Date(2024, 12, 31)))

	east := time.FixedZone("UTC+10", 10*60*60)
	now := time.Date(2024, 1, 10, 20, 0, 0, 0, time.UTC)
	assert.True(t, Today(now, east).Equal(storetest.Date(2024, 1, 11)))
	assert.True(t, Today(now, time.UTC).Equal(storetest.Date(2024, 1, 10)))
}

func TestJobRange(t *testing.T) {
	today := storetest.Date(2024, 1, 10)

	full := &store.SyncConfig{InitialDate: storetest.Date(2024, 1, 1)}
	start, end, typ, err := JobRange(full, today)
	require.NoError(t, err)
	assert.Equal(t, store.SyncFull, typ)
	assert.True(t, start.Equal(storetest.Date(2024, 1, 1)))
	assert.True(t, end.Equal(today))

	inc := &store.SyncConfig{IsIncremental: true, IncrementalDays: 2}
	start, _, typ, err = JobRange(inc, today)
	require.NoError(t, err)
	assert.Equal(t, store.SyncIncremental, typ)
	assert.True(t, start.Equal(storetest.Date(2024, 1, 8)))

	future := &store.SyncConfig{InitialDate: storetest.Date(2024, 2, 1)}
	_, _, _, err = JobRange(future, today)
	assert.True(t, errors.Is(err, ErrInvalidConfig))
}
