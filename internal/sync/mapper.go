package sync

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"analytics-sync-service/internal/store"
)

// dateLayouts are the row date formats the analytics API has been seen to
// return, most specific first.
var dateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	store.DateLayout,
	"01/02/2006",
}

// MappedRow is one source row projected through a config's field mapping.
type MappedRow struct {
	Fields      map[string]any
	Date        time.Time
	CompanyCode string
	BusinessKey string
}

// Mapper projects raw rows of one batch onto destination fields.
type Mapper struct {
	cfg        *store.SyncConfig
	batchStart time.Time
	batchEnd   time.Time
}

func NewMapper(cfg *store.SyncConfig, batchStart, batchEnd time.Time) *Mapper {
	return &Mapper{cfg: cfg, batchStart: batchStart, batchEnd: batchEnd}
}

// Map converts one row. Failures wrap ErrMapping and leave the rest of the
// batch unaffected.
func (m *Mapper) Map(row map[string]any) (*MappedRow, error) {
	fields := make(map[string]any, len(m.cfg.FieldMapping))
	for dest, src := range m.cfg.FieldMapping {
		v, ok := row[src]
		if !ok {
			return nil, fmt.Errorf("%w: column %q missing from row", ErrMapping, src)
		}
		fields[dest] = v
	}

	date, err := m.rowDate(row)
	if err != nil {
		return nil, err
	}

	var company string
	if m.cfg.CompanyField != "" {
		if v := fields[m.cfg.CompanyField]; v != nil {
			company = keyString(v)
		}
	}

	key, err := BusinessKey(fields, m.cfg.KeyFields)
	if err != nil {
		return nil, err
	}

	return &MappedRow{
		Fields:      fields,
		Date:        date,
		CompanyCode: company,
		BusinessKey: key,
	}, nil
}

func (m *Mapper) rowDate(row map[string]any) (time.Time, error) {
	raw, ok := row[m.cfg.DateField]
	if !ok {
		if m.batchStart.Equal(m.batchEnd) {
			return m.batchStart, nil
		}
		return time.Time{}, fmt.Errorf("%w: date column %q missing from row", ErrMapping, m.cfg.DateField)
	}

	date, err := parseRowDate(raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: date column %q: %v", ErrMapping, m.cfg.DateField, err)
	}
	if date.Before(m.batchStart) || date.After(m.batchEnd) {
		return time.Time{}, fmt.Errorf("%w: row date %s outside batch %s..%s", ErrMapping,
			date.Format(store.DateLayout), m.batchStart.Format(store.DateLayout), m.batchEnd.Format(store.DateLayout))
	}
	return date, nil
}

// parseRowDate truncates the value to its calendar date. Timestamps keep the
// calendar date they carry, not the date in UTC.
func parseRowDate(v any) (time.Time, error) {
	var s string
	switch t := v.(type) {
	case nil:
		return time.Time{}, fmt.Errorf("null date")
	case time.Time:
		y, mo, d := t.Date()
		return time.Date(y, mo, d, 0, 0, 0, 0, time.UTC), nil
	case string:
		s = strings.TrimSpace(t)
	case json.Number:
		s = t.String()
	default:
		return time.Time{}, fmt.Errorf("unsupported date value %T", v)
	}

	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			y, mo, d := t.Date()
			return time.Date(y, mo, d, 0, 0, 0, 0, time.UTC), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised date %q", s)
}
