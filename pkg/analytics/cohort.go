package analytics

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/platinummonkey/pulse/pkg/eventstore"
	"github.com/platinummonkey/pulse/pkg/users"
)

var (
	// ErrInvalidPeriod is returned for cohort periods other than week or month
	ErrInvalidPeriod = errors.New("invalid cohort period")
	// ErrInvalidCohortID is returned when a cohort id is not a bucket key
	ErrInvalidCohortID = errors.New("invalid cohort id")
)

// CohortPeriod is the width of a cohort bucket
type CohortPeriod string

const (
	PeriodWeek  CohortPeriod = "week"
	PeriodMonth CohortPeriod = "month"
)

// CohortKeyLayout is the format of cohort ids
const CohortKeyLayout = "2006-01-02"

// Trend classifications for cohort comparisons
const (
	TrendImproving = "improving"
	TrendDeclining = "declining"
	TrendStable    = "stable"
)

const (
	defaultRetentionPeriods = 6
	improvingFactor         = 1.1
	decliningFactor         = 0.9
)

// ParsePeriod parses a period name. An empty name means month.
func ParsePeriod(s string) (CohortPeriod, error) {
	switch CohortPeriod(s) {
	case "", PeriodMonth:
		return PeriodMonth, nil
	case PeriodWeek:
		return PeriodWeek, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidPeriod, s)
	}
}

// CohortStart returns the start of the bucket containing t, in UTC.
// Weeks start on Sunday.
func CohortStart(t time.Time, period CohortPeriod) time.Time {
	t = t.UTC()
	if period == PeriodWeek {
		day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
		return day.AddDate(0, 0, -int(day.Weekday()))
	}
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// GetCohortKey returns the cohort id of the bucket containing t
func GetCohortKey(t time.Time, period CohortPeriod) string {
	return CohortStart(t, period).Format(CohortKeyLayout)
}

// ParseCohortID returns the bucket start for a cohort id
func ParseCohortID(id string, period CohortPeriod) (time.Time, error) {
	start, err := time.Parse(CohortKeyLayout, id)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidCohortID, id)
	}
	if !CohortStart(start, period).Equal(start) {
		return time.Time{}, fmt.Errorf("%w: %q does not start a %s", ErrInvalidCohortID, id, period)
	}
	return start, nil
}

// AddPeriods advances t by n weeks or months. Month arithmetic keeps the
// day of month, clamped to the length of the target month.
func AddPeriods(t time.Time, n int, period CohortPeriod) time.Time {
	if period == PeriodWeek {
		return t.AddDate(0, 0, 7*n)
	}

	first := time.Date(t.Year(), t.Month(), 1, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
	target := first.AddDate(0, n, 0)
	day := t.Day()
	if last := daysIn(target.Month(), target.Year()); day > last {
		day = last
	}
	return target.AddDate(0, 0, day-1)
}

func daysIn(month time.Month, year int) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// CohortRecord summarizes the users who signed up in one bucket
type CohortRecord struct {
	CohortID            string         `json:"cohortId"`
	Period              CohortPeriod   `json:"period"`
	CohortSize          int            `json:"cohortSize"`
	ActiveSubscriptions int            `json:"activeSubscriptions"`
	RetentionRate       float64        `json:"retentionRate"`
	TierDistribution    map[string]int `json:"tierDistribution"`
	AvgTradesPerUser    float64        `json:"avgTradesPerUser"`
	AvgProfitPerUser    float64        `json:"avgProfitPerUser"`
	TotalRevenue        float64        `json:"totalRevenue"`
}

// CohortAverages are the means across compared cohorts
type CohortAverages struct {
	CohortSize       float64 `json:"cohortSize"`
	RetentionRate    float64 `json:"retentionRate"`
	AvgTradesPerUser float64 `json:"avgTradesPerUser"`
	AvgProfitPerUser float64 `json:"avgProfitPerUser"`
	TotalRevenue     float64 `json:"totalRevenue"`
}

// CohortComparison compares cohorts in chronological order
type CohortComparison struct {
	Cohorts  []*CohortRecord `json:"cohorts"`
	Averages CohortAverages  `json:"averages"`
	Trend    string          `json:"trend"`
}

// RetentionOptions selects the retention table window. Zero values take
// the defaults: End is now, Period is month, Start is six periods before
// End and Metric is login.
type RetentionOptions struct {
	Start  time.Time
	End    time.Time
	Period CohortPeriod
	Metric eventstore.EventType
}

// RetentionCell is the retention of a cohort N periods after signup
type RetentionCell struct {
	Period   int     `json:"period"`
	Retained int     `json:"retained"`
	Rate     float64 `json:"rate"`
}

// RetentionRow is one cohort of the retention table
type RetentionRow struct {
	CohortID   string          `json:"cohortId"`
	CohortSize int             `json:"cohortSize"`
	Retention  []RetentionCell `json:"retention"`
}

// RetentionTable is a cohort by period retention matrix
type RetentionTable struct {
	Period    CohortPeriod         `json:"period"`
	Metric    eventstore.EventType `json:"metric"`
	StartDate time.Time            `json:"startDate"`
	EndDate   time.Time            `json:"endDate"`
	Cohorts   []RetentionRow       `json:"cohorts"`
}

// ComputeCohortRecord summarizes cohort members. It returns nil for an
// empty cohort.
func ComputeCohortRecord(cohortID string, period CohortPeriod, members []*users.User, pricing Pricing) *CohortRecord {
	if len(members) == 0 {
		return nil
	}

	record := &CohortRecord{
		CohortID:         cohortID,
		Period:           period,
		CohortSize:       len(members),
		TierDistribution: make(map[string]int, len(users.Tiers)),
	}
	for _, tier := range users.Tiers {
		record.TierDistribution[string(tier)] = 0
	}

	var trades, profit float64
	for _, u := range members {
		tier := u.Subscription.Tier.Normalize()
		record.TierDistribution[string(tier)]++

		stats := u.TradeStats()
		trades += float64(stats.TotalTrades)
		profit += stats.TotalProfit

		if u.IsActive() {
			record.ActiveSubscriptions++
			record.TotalRevenue += pricing.Price(tier)
		}
	}

	size := float64(record.CohortSize)
	record.RetentionRate = round2(safeDiv(float64(record.ActiveSubscriptions), size) * 100)
	record.AvgTradesPerUser = round2(safeDiv(trades, size))
	record.AvgProfitPerUser = round2(safeDiv(profit, size))
	return record
}

// CompareRecords averages the records and classifies the trend from the
// first to the most recent cohort
func CompareRecords(records []*CohortRecord) *CohortComparison {
	sorted := make([]*CohortRecord, 0, len(records))
	for _, r := range records {
		if r != nil {
			sorted = append(sorted, r)
		}
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].CohortID < sorted[j].CohortID
	})

	comparison := &CohortComparison{Cohorts: sorted, Trend: TrendStable}
	if len(sorted) == 0 {
		return comparison
	}

	var avg CohortAverages
	for _, r := range sorted {
		avg.CohortSize += float64(r.CohortSize)
		avg.RetentionRate += r.RetentionRate
		avg.AvgTradesPerUser += r.AvgTradesPerUser
		avg.AvgProfitPerUser += r.AvgProfitPerUser
		avg.TotalRevenue += r.TotalRevenue
	}
	n := float64(len(sorted))
	comparison.Averages = CohortAverages{
		CohortSize:       round2(avg.CohortSize / n),
		RetentionRate:    round2(avg.RetentionRate / n),
		AvgTradesPerUser: round2(avg.AvgTradesPerUser / n),
		AvgProfitPerUser: round2(avg.AvgProfitPerUser / n),
		TotalRevenue:     round2(avg.TotalRevenue / n),
	}

	first := sorted[0].RetentionRate
	latest := sorted[len(sorted)-1].RetentionRate
	switch {
	case latest > first*improvingFactor:
		comparison.Trend = TrendImproving
	case latest < first*decliningFactor:
		comparison.Trend = TrendDeclining
	}
	return comparison
}

// CohortAnalyzer groups users by signup bucket
type CohortAnalyzer struct {
	users   users.Store
	events  eventstore.Store
	pricing Pricing
	now     func() time.Time
}

// NewCohortAnalyzer creates a cohort analyzer
func NewCohortAnalyzer(userStore users.Store, eventStore eventstore.Store, pricing Pricing) *CohortAnalyzer {
	if pricing == nil {
		pricing = DefaultPricing()
	}
	return &CohortAnalyzer{
		users:   userStore,
		events:  eventStore,
		pricing: pricing,
		now:     time.Now,
	}
}

// AnalyzeCohortBehavior summarizes one cohort. It returns nil, nil when
// the cohort has no members.
func (a *CohortAnalyzer) AnalyzeCohortBehavior(ctx context.Context, cohortID string, period CohortPeriod) (*CohortRecord, error) {
	if _, err := ParsePeriod(string(period)); err != nil {
		return nil, err
	}
	if period == "" {
		period = PeriodMonth
	}

	start, err := ParseCohortID(cohortID, period)
	if err != nil {
		return nil, err
	}

	members, err := a.users.ListCreatedBetween(ctx, start, AddPeriods(start, 1, period))
	if err != nil {
		return nil, fmt.Errorf("failed to load cohort %s: %w", cohortID, err)
	}
	return ComputeCohortRecord(cohortID, period, members, a.pricing), nil
}

// CompareCohorts analyzes each cohort, skipping empty ones, and compares them
func (a *CohortAnalyzer) CompareCohorts(ctx context.Context, cohortIDs []string, period CohortPeriod) (*CohortComparison, error) {
	records := make([]*CohortRecord, 0, len(cohortIDs))
	for _, id := range cohortIDs {
		record, err := a.AnalyzeCohortBehavior(ctx, id, period)
		if err != nil {
			return nil, err
		}
		if record != nil {
			records = append(records, record)
		}
	}
	return CompareRecords(records), nil
}

// GenerateRetentionTable counts, for every cohort in the window, the
// members with a Metric event in each following period
func (a *CohortAnalyzer) GenerateRetentionTable(ctx context.Context, opts RetentionOptions) (*RetentionTable, error) {
	opts, err := a.retentionDefaults(opts)
	if err != nil {
		return nil, err
	}

	table := &RetentionTable{
		Period:    opts.Period,
		Metric:    opts.Metric,
		StartDate: opts.Start,
		EndDate:   opts.End,
		Cohorts:   []RetentionRow{},
	}

	for cohortStart := CohortStart(opts.Start, opts.Period); cohortStart.Before(opts.End); cohortStart = AddPeriods(cohortStart, 1, opts.Period) {
		row, err := a.retentionRow(ctx, cohortStart, opts)
		if err != nil {
			return nil, err
		}
		table.Cohorts = append(table.Cohorts, row)
	}
	return table, nil
}

func (a *CohortAnalyzer) retentionDefaults(opts RetentionOptions) (RetentionOptions, error) {
	period, err := ParsePeriod(string(opts.Period))
	if err != nil {
		return opts, err
	}
	opts.Period = period

	if opts.Metric == "" {
		opts.Metric = eventstore.EventLogin
	}
	if !opts.Metric.Valid() {
		return opts, fmt.Errorf("%w: %q", ErrInvalidEventType, opts.Metric)
	}

	if opts.End.IsZero() {
		opts.End = a.now()
	}
	opts.End = opts.End.UTC()
	if opts.Start.IsZero() {
		opts.Start = AddPeriods(CohortStart(opts.End, opts.Period), -defaultRetentionPeriods, opts.Period)
	}
	opts.Start = opts.Start.UTC()

	if opts.End.Before(opts.Start) {
		return opts, ErrInvalidDateRange
	}
	return opts, nil
}

func (a *CohortAnalyzer) retentionRow(ctx context.Context, cohortStart time.Time, opts RetentionOptions) (RetentionRow, error) {
	cohortID := cohortStart.Format(CohortKeyLayout)
	row := RetentionRow{CohortID: cohortID, Retention: []RetentionCell{}}

	members, err := a.users.ListCreatedBetween(ctx, cohortStart, AddPeriods(cohortStart, 1, opts.Period))
	if err != nil {
		return row, fmt.Errorf("failed to load cohort %s: %w", cohortID, err)
	}
	row.CohortSize = len(members)

	ids := make([]string, len(members))
	for i, u := range members {
		ids[i] = u.ID
	}

	for offset := 1; ; offset++ {
		from := AddPeriods(cohortStart, offset, opts.Period)
		if !from.Before(opts.End) {
			break
		}

		cell := RetentionCell{Period: offset}
		if len(ids) > 0 {
			retained, err := a.events.DistinctUserIDs(ctx, eventstore.Filter{
				Types:   []eventstore.EventType{opts.Metric},
				UserIDs: ids,
				From:    from,
				To:      AddPeriods(cohortStart, offset+1, opts.Period),
			})
			if err != nil {
				return row, fmt.Errorf("failed to count retention for cohort %s: %w", cohortID, err)
			}
			cell.Retained = len(retained)
			cell.Rate = round2(safeDiv(float64(cell.Retained), float64(len(ids))) * 100)
		}
		row.Retention = append(row.Retention, cell)
	}
	return row, nil
}
