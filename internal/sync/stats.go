package sync

import (
	"context"
	"fmt"
	"sort"
	"time"

	"analytics-sync-service/internal/store"
)

// CompanyStats aggregates one company's ingested records.
type CompanyStats struct {
	CompanyCode string `json:"company_code"`
	Records     int64  `json:"records"`
	FirstDate   string `json:"first_date"`
	LastDate    string `json:"last_date"`
}

// ConfigStats summarises what a config has ingested in its lookback window.
type ConfigStats struct {
	ConfigID   string         `json:"config_id"`
	EntityType string         `json:"entity_type"`
	GroupID    string         `json:"group_id"`
	From       string         `json:"from"`
	To         string         `json:"to"`
	Records    int64          `json:"records"`
	Companies  []CompanyStats `json:"companies"`
}

type companyAgg struct {
	count       int64
	first, last time.Time
}

// Stats scans the destination once for a config's window and aggregates per
// company in memory.
func Stats(ctx context.Context, st store.Store, configID string, today time.Time) (*ConfigStats, error) {
	cfg, err := st.GetSyncConfig(ctx, configID)
	if err != nil {
		return nil, fmt.Errorf("loading config %s: %w", configID, err)
	}
	if cfg == nil {
		return nil, fmt.Errorf("%w: %s", ErrConfigNotFound, configID)
	}
	conn, err := st.GetConnection(ctx, cfg.ConnectionID)
	if err != nil {
		return nil, fmt.Errorf("loading connection %s: %w", cfg.ConnectionID, err)
	}
	if conn == nil {
		return nil, fmt.Errorf("%w: %s: connection %s not found", ErrInvalidConfig, configID, cfg.ConnectionID)
	}

	from, to, _, err := JobRange(cfg, today)
	if err != nil {
		return nil, err
	}

	byCompany := make(map[string]*companyAgg)
	var total int64
	err = st.ScanRecords(ctx, cfg.EntityType, conn.GroupID, from, to, func(ref store.RecordRef) error {
		total++
		agg, ok := byCompany[ref.CompanyCode]
		if !ok {
			byCompany[ref.CompanyCode] = &companyAgg{count: 1, first: ref.RecordDate, last: ref.RecordDate}
			return nil
		}
		agg.count++
		if ref.RecordDate.Before(agg.first) {
			agg.first = ref.RecordDate
		}
		if ref.RecordDate.After(agg.last) {
			agg.last = ref.RecordDate
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scanning %s records: %w", cfg.EntityType, err)
	}

	out := &ConfigStats{
		ConfigID:   cfg.ID,
		EntityType: cfg.EntityType,
		GroupID:    conn.GroupID,
		From:       from.Format(store.DateLayout),
		To:         to.Format(store.DateLayout),
		Records:    total,
		Companies:  make([]CompanyStats, 0, len(byCompany)),
	}
	for code, agg := range byCompany {
		out.Companies = append(out.Companies, CompanyStats{
			CompanyCode: code,
			Records:     agg.count,
			FirstDate:   agg.first.Format(store.DateLayout),
			LastDate:    agg.last.Format(store.DateLayout),
		})
	}
	sort.Slice(out.Companies, func(i, j int) bool {
		return out.Companies[i].CompanyCode < out.Companies[j].CompanyCode
	})
	return out, nil
}
