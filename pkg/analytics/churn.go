package analytics

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/platinummonkey/pulse/pkg/observability"
	"github.com/platinummonkey/pulse/pkg/users"
)

// ErrInvalidRiskLevel is returned for unknown risk level names
var ErrInvalidRiskLevel = errors.New("invalid risk level")

// RiskLevel is an ordinal churn risk bucket
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// RiskLevels lists the levels from lowest to highest
var RiskLevels = []RiskLevel{RiskLow, RiskMedium, RiskHigh, RiskCritical}

// Rank orders risk levels. Unknown levels rank below low.
func (l RiskLevel) Rank() int {
	for i, level := range RiskLevels {
		if l == level {
			return i
		}
	}
	return -1
}

// ParseRiskLevel parses a risk level name
func ParseRiskLevel(s string) (RiskLevel, error) {
	level := RiskLevel(s)
	if level.Rank() < 0 {
		return "", fmt.Errorf("%w: %q", ErrInvalidRiskLevel, s)
	}
	return level, nil
}

// Severity of a risk factor
const (
	SeverityLow    = "low"
	SeverityMedium = "medium"
	SeverityHigh   = "high"
)

// Risk factor labels
const (
	FactorInactiveTrading = "Inactive trading"
	FactorLowWinRate      = "Low win rate"
	FactorBelowAvgWinRate = "Below-average win rate"
	FactorLowEngagement   = "Low engagement"
	FactorNegativeProfit  = "Negative profit"
	FactorTechnicalIssues = "Technical issues"
)

// Retention recommendations
const (
	RecommendWinBackOffer     = "Offer a win-back discount on the current plan"
	RecommendSuccessCall      = "Schedule a call with customer success"
	RecommendReengagement     = "Send a personalized re-engagement email"
	RecommendSignalHighlights = "Highlight top-performing signals from the last 30 days"
	RecommendPremiumTrial     = "Offer a free premium trial to restart trading"
	RecommendEducation        = "Invite to a trading education webinar"
	RecommendPortfolioReview  = "Offer a portfolio review session"
	RecommendSupportOutreach  = "Reach out proactively to fix broker connection issues"
	RecommendMonitor          = "Continue monitoring"
)

const (
	inactiveTradingDays    = 30
	inactiveLoginDays      = 14
	lowWinRateThreshold    = 30
	midWinRateThreshold    = 50
	severeBrokerIssues     = 2
	criticalScoreThreshold = 70
	highScoreThreshold     = 50
	mediumScoreThreshold   = 30
	maxRiskScore           = 100
	hoursPerDay            = 24
)

// ChurnWeights are the score contributions of each risk signal
type ChurnWeights struct {
	Inactivity     float64 `yaml:"inactivity" json:"inactivity"`
	LowWinRate     float64 `yaml:"low_win_rate" json:"lowWinRate"`
	MidWinRate     float64 `yaml:"mid_win_rate" json:"midWinRate"`
	Engagement     float64 `yaml:"engagement" json:"engagement"`
	NegativeProfit float64 `yaml:"negative_profit" json:"negativeProfit"`
	PerBrokerIssue float64 `yaml:"per_broker_issue" json:"perBrokerIssue"`
	MaxBrokerIssue float64 `yaml:"max_broker_issue" json:"maxBrokerIssue"`
}

// DefaultChurnWeights returns the default scoring weights
func DefaultChurnWeights() ChurnWeights {
	return ChurnWeights{
		Inactivity:     35,
		LowWinRate:     25,
		MidWinRate:     15,
		Engagement:     20,
		NegativeProfit: 5,
		PerBrokerIssue: 10,
		MaxBrokerIssue: 20,
	}
}

// ChurnFeatures are the inputs to the risk score
type ChurnFeatures struct {
	// DaysSinceLastTrade is nil when the user never traded
	DaysSinceLastTrade     *int    `json:"daysSinceLastTrade"`
	DaysSinceLastLogin     int     `json:"daysSinceLastLogin"`
	WinRate                float64 `json:"winRate"`
	TotalProfit            float64 `json:"totalProfit"`
	BrokerConnectionIssues int     `json:"brokerConnectionIssues"`
}

func (f ChurnFeatures) inactive() bool {
	return f.DaysSinceLastTrade == nil || *f.DaysSinceLastTrade > inactiveTradingDays
}

// RiskFactor is one threshold a user crossed
type RiskFactor struct {
	Factor   string  `json:"factor"`
	Severity string  `json:"severity"`
	Impact   float64 `json:"impact"`
}

// ChurnRiskAssessment is the explained churn score of one user
type ChurnRiskAssessment struct {
	UserID          string        `json:"userId"`
	RiskScore       float64       `json:"riskScore"`
	RiskLevel       RiskLevel     `json:"riskLevel"`
	Factors         []RiskFactor  `json:"factors"`
	Recommendations []string      `json:"recommendations"`
	Features        ChurnFeatures `json:"features"`
	AssessedAt      time.Time     `json:"assessedAt"`
}

// ChurnOption configures a ChurnPredictor
type ChurnOption func(*ChurnPredictor)

// WithChurnClock overrides the clock features are computed against
func WithChurnClock(now func() time.Time) ChurnOption {
	return func(p *ChurnPredictor) {
		if now != nil {
			p.now = now
		}
	}
}

// WithChurnMetrics counts assessments by level
func WithChurnMetrics(metrics *observability.Metrics) ChurnOption {
	return func(p *ChurnPredictor) {
		p.metrics = metrics
	}
}

// ChurnPredictor scores churn risk with a deterministic additive model
type ChurnPredictor struct {
	weights ChurnWeights
	now     func() time.Time
	metrics *observability.Metrics
}

// NewChurnPredictor creates a predictor with the given weights
func NewChurnPredictor(weights ChurnWeights, opts ...ChurnOption) *ChurnPredictor {
	p := &ChurnPredictor{weights: weights, now: time.Now}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// ExtractFeatures derives the scoring features of a user. A user who never
// logged in is measured from account creation.
func (p *ChurnPredictor) ExtractFeatures(u *users.User) ChurnFeatures {
	now := p.now()
	stats := u.TradeStats()

	features := ChurnFeatures{
		WinRate:                clamp(stats.WinRate, 0, 100),
		TotalProfit:            stats.TotalProfit,
		BrokerConnectionIssues: u.BrokerIssues(),
	}

	if stats.LastTrade != nil {
		days := daysSince(now, *stats.LastTrade)
		features.DaysSinceLastTrade = &days
	}

	lastSeen := u.CreatedAt
	if u.LastLogin != nil {
		lastSeen = *u.LastLogin
	}
	features.DaysSinceLastLogin = daysSince(now, lastSeen)

	return features
}

// ComputeRiskScore adds up the weights of every crossed threshold, capped at 100
func (p *ChurnPredictor) ComputeRiskScore(f ChurnFeatures) float64 {
	var score float64
	for _, factor := range p.IdentifyRiskFactors(f) {
		score += factor.Impact
	}
	return clamp(score, 0, maxRiskScore)
}

// RiskLevelFor maps a score to its level. Bands are half-open:
// [70,100] critical, [50,70) high, [30,50) medium, below 30 low.
func RiskLevelFor(score float64) RiskLevel {
	switch {
	case score >= criticalScoreThreshold:
		return RiskCritical
	case score >= highScoreThreshold:
		return RiskHigh
	case score >= mediumScoreThreshold:
		return RiskMedium
	default:
		return RiskLow
	}
}

// IdentifyRiskFactors lists each threshold the features cross
func (p *ChurnPredictor) IdentifyRiskFactors(f ChurnFeatures) []RiskFactor {
	factors := []RiskFactor{}

	if f.inactive() {
		factors = append(factors, RiskFactor{Factor: FactorInactiveTrading, Severity: SeverityHigh, Impact: p.weights.Inactivity})
	}

	switch {
	case f.WinRate < lowWinRateThreshold:
		factors = append(factors, RiskFactor{Factor: FactorLowWinRate, Severity: SeverityMedium, Impact: p.weights.LowWinRate})
	case f.WinRate < midWinRateThreshold:
		factors = append(factors, RiskFactor{Factor: FactorBelowAvgWinRate, Severity: SeverityLow, Impact: p.weights.MidWinRate})
	}

	if f.DaysSinceLastLogin > inactiveLoginDays {
		factors = append(factors, RiskFactor{Factor: FactorLowEngagement, Severity: SeverityMedium, Impact: p.weights.Engagement})
	}

	if f.TotalProfit < 0 {
		factors = append(factors, RiskFactor{Factor: FactorNegativeProfit, Severity: SeverityLow, Impact: p.weights.NegativeProfit})
	}

	if f.BrokerConnectionIssues > 0 {
		severity := SeverityMedium
		if f.BrokerConnectionIssues >= severeBrokerIssues {
			severity = SeverityHigh
		}
		impact := min(float64(f.BrokerConnectionIssues)*p.weights.PerBrokerIssue, p.weights.MaxBrokerIssue)
		factors = append(factors, RiskFactor{Factor: FactorTechnicalIssues, Severity: severity, Impact: impact})
	}

	return factors
}

// GetRetentionRecommendations returns ordered retention actions for a score
func (p *ChurnPredictor) GetRetentionRecommendations(score float64, f ChurnFeatures) []string {
	var recs []string

	switch RiskLevelFor(score) {
	case RiskCritical:
		recs = append(recs, RecommendWinBackOffer, RecommendSuccessCall)
	case RiskHigh:
		recs = append(recs, RecommendReengagement)
	}

	if f.inactive() {
		recs = append(recs, RecommendSignalHighlights, RecommendPremiumTrial)
	}
	if f.WinRate < midWinRateThreshold {
		recs = append(recs, RecommendEducation, RecommendPortfolioReview)
	}
	if f.BrokerConnectionIssues > 0 {
		recs = append(recs, RecommendSupportOutreach)
	}

	if len(recs) == 0 {
		recs = append(recs, RecommendMonitor)
	}
	return recs
}

// CalculateChurnRisk scores and explains one user
func (p *ChurnPredictor) CalculateChurnRisk(u *users.User) *ChurnRiskAssessment {
	features := p.ExtractFeatures(u)
	score := p.ComputeRiskScore(features)
	level := RiskLevelFor(score)

	p.metrics.RecordChurnAssessment(string(level))

	return &ChurnRiskAssessment{
		UserID:          u.ID,
		RiskScore:       score,
		RiskLevel:       level,
		Factors:         p.IdentifyRiskFactors(features),
		Recommendations: p.GetRetentionRecommendations(score, features),
		Features:        features,
		AssessedAt:      p.now().UTC(),
	}
}

// BatchCalculateRisk scores every user, preserving order
func (p *ChurnPredictor) BatchCalculateRisk(list []*users.User) []*ChurnRiskAssessment {
	out := make([]*ChurnRiskAssessment, 0, len(list))
	for _, u := range list {
		out = append(out, p.CalculateChurnRisk(u))
	}
	return out
}

// GetHighRiskUsers returns assessments at or above minLevel, highest
// score first
func (p *ChurnPredictor) GetHighRiskUsers(list []*users.User, minLevel RiskLevel) []*ChurnRiskAssessment {
	return FilterByRisk(p.BatchCalculateRisk(list), minLevel)
}

// FilterByRisk keeps assessments at or above minLevel and sorts them by
// descending score. Ties keep their input order. An unknown minLevel is
// treated as critical.
func FilterByRisk(assessments []*ChurnRiskAssessment, minLevel RiskLevel) []*ChurnRiskAssessment {
	minRank := minLevel.Rank()
	if minRank < 0 {
		minRank = RiskCritical.Rank()
	}
	out := make([]*ChurnRiskAssessment, 0, len(assessments))
	for _, a := range assessments {
		if a.RiskLevel.Rank() >= minRank {
			out = append(out, a)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].RiskScore > out[j].RiskScore
	})
	return out
}

// RiskDistribution counts assessments per level
func RiskDistribution(assessments []*ChurnRiskAssessment) map[RiskLevel]int {
	dist := make(map[RiskLevel]int, len(RiskLevels))
	for _, level := range RiskLevels {
		dist[level] = 0
	}
	for _, a := range assessments {
		dist[a.RiskLevel]++
	}
	return dist
}

func daysSince(now, t time.Time) int {
	days := int(now.Sub(t).Hours() / hoursPerDay)
	if days < 0 {
		return 0
	}
	return days
}
