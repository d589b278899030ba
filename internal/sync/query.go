package sync

import (
	"fmt"
	"strings"
	"time"

	"analytics-sync-service/internal/store"
)

// RenderQuery fills the date placeholders of a config's query template for
// the inclusive batch [start, end].
func RenderQuery(template string, start, end time.Time) string {
	return strings.NewReplacer(
		"{{date}}", start.Format(store.DateLayout),
		"{{start_date}}", start.Format(store.DateLayout),
		"{{end_date}}", end.Format(store.DateLayout),
		"{{end_date_exclusive}}", AddDays(end, 1).Format(store.DateLayout),
		"{{start_dax}}", daxDate(start),
		"{{end_dax}}", daxDate(end),
	).Replace(template)
}

func daxDate(t time.Time) string {
	return fmt.Sprintf("DATE(%d, %d, %d)", t.Year(), int(t.Month()), t.Day())
}
