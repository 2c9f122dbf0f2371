package flags

import (
	"math"
	"sort"
	"strings"
	"time"

	"github.com/rewired-gh/tenderwatch/internal/models"
)

// Thresholds holds the fixed cut-offs the heuristics grade severity with.
type Thresholds struct {
	HighValue              float64
	ShortDeadlineDays      float64
	CriticalDeadlineDays   float64
	BidClusteringCV        float64
	PriceNearEstimateRatio float64
	AwardOverrunRatio      float64
	AwardOverrunCritical   float64
	RepeatWinnerMinHistory int
	RepeatWinnerShare      float64
	MissingDocuments       float64
	NonCompetitiveValue    float64
	RoundEstimateUnit      float64
	RapidAward             time.Duration
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		HighValue:              10_000_000,
		ShortDeadlineDays:      10,
		CriticalDeadlineDays:   3,
		BidClusteringCV:        0.02,
		PriceNearEstimateRatio: 0.01,
		AwardOverrunRatio:      0.10,
		AwardOverrunCritical:   0.25,
		RepeatWinnerMinHistory: 5,
		RepeatWinnerShare:      0.5,
		MissingDocuments:       0.5,
		NonCompetitiveValue:    1_000_000,
		RoundEstimateUnit:      100_000,
		RapidAward:             24 * time.Hour,
	}
}

// Catalog returns the heuristics in evaluation order.
func Catalog() []Heuristic {
	return []Heuristic{
		{Type: models.FlagSingleBidder, Since: 1, Check: singleBidder},
		{Type: models.FlagShortDeadline, Since: 1, Check: shortDeadline},
		{Type: models.FlagIdenticalBids, Since: 1, Check: identicalBids},
		{Type: models.FlagBidClustering, Since: 1, Check: bidClustering},
		{Type: models.FlagPriceNearEstimate, Since: 1, Check: priceNearEstimate},
		{Type: models.FlagAwardAboveEstimate, Since: 1, Check: awardAboveEstimate},
		{Type: models.FlagNonLowestWinner, Since: 1, Check: nonLowestWinner},
		{Type: models.FlagLateBid, Since: 1, Check: lateBid},
		{Type: models.FlagRepeatWinner, Since: 1, Check: repeatWinner},
		{Type: models.FlagBidRotation, Since: 1, Check: bidRotation},
		{Type: models.FlagMissingDocuments, Since: 1, Check: missingDocuments},
		{Type: models.FlagNonCompetitiveProcess, Since: 1, Check: nonCompetitiveProcedure},
		{Type: models.FlagRoundEstimate, Since: 1, Check: roundEstimate},
		{Type: models.FlagWeekendPublication, Since: 1, Check: weekendPublication},
		{Type: models.FlagRapidAward, Since: 1, Check: rapidAward},
	}
}

func bidderCount(t *models.Tender, ec *EvalContext) int {
	if t.BidderCount > 0 {
		return t.BidderCount
	}
	seen := make(map[string]bool, len(ec.Bids))
	for _, b := range ec.Bids {
		seen[b.BidderID] = true
	}
	return len(seen)
}

func singleBidder(t *models.Tender, ec *EvalContext, th Thresholds) *Finding {
	if bidderCount(t, ec) != 1 {
		return nil
	}
	sev := models.SeverityMedium
	conf := 0.7
	if t.EstimatedValue >= th.HighValue {
		sev = models.SeverityHigh
		conf = 0.9
	}
	return &Finding{
		Severity:   sev,
		Confidence: conf,
		Evidence: map[string]any{
			"bidder_count":    1,
			"estimated_value": t.EstimatedValue,
			"high_value":      th.HighValue,
		},
	}
}

func shortDeadline(t *models.Tender, _ *EvalContext, th Thresholds) *Finding {
	if t.PublishedAt.IsZero() || t.SubmissionDeadline.IsZero() {
		return nil
	}
	days := t.SubmissionDeadline.Sub(t.PublishedAt).Hours() / 24
	if days >= th.ShortDeadlineDays {
		return nil
	}
	sev := models.SeverityMedium
	if days < th.CriticalDeadlineDays {
		sev = models.SeverityHigh
	}
	return &Finding{
		Severity:   sev,
		Confidence: clamp(1-days/th.ShortDeadlineDays, 0.3, 1),
		Evidence: map[string]any{
			"deadline_days":  round(days, 2),
			"threshold_days": th.ShortDeadlineDays,
		},
	}
}

func identicalBids(_ *models.Tender, ec *EvalContext, _ Thresholds) *Finding {
	counts := make(map[float64]int)
	for _, b := range ec.Bids {
		if b.Amount > 0 {
			counts[b.Amount]++
		}
	}
	var dupAmounts []float64
	dupBids := 0
	for amount, n := range counts {
		if n > 1 {
			dupAmounts = append(dupAmounts, amount)
			dupBids += n
		}
	}
	if len(dupAmounts) == 0 {
		return nil
	}
	sort.Float64s(dupAmounts)
	return &Finding{
		Severity:   models.SeverityHigh,
		Confidence: 0.9,
		Evidence: map[string]any{
			"identical_amounts": dupAmounts,
			"bids_involved":     dupBids,
		},
	}
}

func bidClustering(_ *models.Tender, ec *EvalContext, th Thresholds) *Finding {
	if len(ec.Bids) < 3 {
		return nil
	}
	var sum float64
	for _, b := range ec.Bids {
		sum += b.Amount
	}
	mean := sum / float64(len(ec.Bids))
	if mean <= 0 {
		return nil
	}
	var ss float64
	for _, b := range ec.Bids {
		ss += (b.Amount - mean) * (b.Amount - mean)
	}
	cv := math.Sqrt(ss/float64(len(ec.Bids)-1)) / mean
	if cv >= th.BidClusteringCV {
		return nil
	}
	return &Finding{
		Severity:   models.SeverityMedium,
		Confidence: clamp(1-cv/th.BidClusteringCV, 0.4, 0.9),
		Evidence: map[string]any{
			"coefficient_of_variation": round(cv, 5),
			"bid_count":                len(ec.Bids),
		},
	}
}

func awardedValue(t *models.Tender, ec *EvalContext) float64 {
	if t.AwardedValue > 0 {
		return t.AwardedValue
	}
	if t.WinnerID == "" {
		return 0
	}
	for _, b := range ec.Bids {
		if b.BidderID == t.WinnerID {
			return b.Amount
		}
	}
	return 0
}

func priceNearEstimate(t *models.Tender, ec *EvalContext, th Thresholds) *Finding {
	award := awardedValue(t, ec)
	if award <= 0 || t.EstimatedValue <= 0 {
		return nil
	}
	gap := math.Abs(award/t.EstimatedValue - 1)
	if gap > th.PriceNearEstimateRatio {
		return nil
	}
	return &Finding{
		Severity:   models.SeverityMedium,
		Confidence: clamp(1-gap/th.PriceNearEstimateRatio, 0.5, 0.85),
		Evidence: map[string]any{
			"awarded_value":   award,
			"estimated_value": t.EstimatedValue,
			"relative_gap":    round(gap, 5),
		},
	}
}

func awardAboveEstimate(t *models.Tender, ec *EvalContext, th Thresholds) *Finding {
	award := awardedValue(t, ec)
	if award <= 0 || t.EstimatedValue <= 0 {
		return nil
	}
	overrun := award/t.EstimatedValue - 1
	if overrun <= th.AwardOverrunRatio {
		return nil
	}
	sev := models.SeverityHigh
	if overrun > th.AwardOverrunCritical {
		sev = models.SeverityCritical
	}
	return &Finding{
		Severity:   sev,
		Confidence: clamp(0.6+overrun, 0.6, 0.95),
		Evidence: map[string]any{
			"awarded_value":   award,
			"estimated_value": t.EstimatedValue,
			"overrun":         round(overrun, 4),
		},
	}
}

func nonLowestWinner(t *models.Tender, ec *EvalContext, _ Thresholds) *Finding {
	if t.WinnerID == "" || len(ec.Bids) < 2 {
		return nil
	}
	lowest := math.Inf(1)
	lowestBidder := ""
	winning := -1.0
	for _, b := range ec.Bids {
		if b.Amount <= 0 {
			continue
		}
		if b.Amount < lowest {
			lowest, lowestBidder = b.Amount, b.BidderID
		}
		if b.BidderID == t.WinnerID {
			winning = b.Amount
		}
	}
	if winning <= 0 || math.IsInf(lowest, 1) || winning <= lowest*1.01 {
		return nil
	}
	premium := winning/lowest - 1
	return &Finding{
		Severity:   models.SeverityHigh,
		Confidence: clamp(0.5+premium, 0.5, 0.9),
		Evidence: map[string]any{
			"winning_bid":   winning,
			"lowest_bid":    lowest,
			"lowest_bidder": lowestBidder,
			"premium":       round(premium, 4),
		},
	}
}

func lateBid(t *models.Tender, ec *EvalContext, _ Thresholds) *Finding {
	if t.SubmissionDeadline.IsZero() {
		return nil
	}
	var late []string
	for _, b := range ec.Bids {
		if !b.SubmittedAt.IsZero() && b.SubmittedAt.After(t.SubmissionDeadline) {
			late = append(late, b.BidderID)
		}
	}
	if len(late) == 0 {
		return nil
	}
	sort.Strings(late)
	sev := models.SeverityHigh
	for _, id := range late {
		if id == t.WinnerID {
			sev = models.SeverityCritical
		}
	}
	return &Finding{
		Severity:   sev,
		Confidence: 0.95,
		Evidence: map[string]any{
			"late_bidders": late,
		},
	}
}

func repeatWinner(t *models.Tender, ec *EvalContext, th Thresholds) *Finding {
	if t.WinnerID == "" || len(ec.PastAwards) < th.RepeatWinnerMinHistory {
		return nil
	}
	wins := 0
	for _, a := range ec.PastAwards {
		if a.WinnerID == t.WinnerID {
			wins++
		}
	}
	share := float64(wins) / float64(len(ec.PastAwards))
	if share < th.RepeatWinnerShare {
		return nil
	}
	sev := models.SeverityMedium
	if share >= (1+th.RepeatWinnerShare)/2 {
		sev = models.SeverityHigh
	}
	return &Finding{
		Severity:   sev,
		Confidence: clamp(share, 0.5, 0.9),
		Evidence: map[string]any{
			"winner_id":   t.WinnerID,
			"past_wins":   wins,
			"past_awards": len(ec.PastAwards),
			"win_share":   round(share, 4),
		},
	}
}

func bidderSetKey(ids []string) string {
	uniq := make(map[string]bool, len(ids))
	for _, id := range ids {
		if id != "" {
			uniq[id] = true
		}
	}
	if len(uniq) < 2 {
		return ""
	}
	keys := make([]string, 0, len(uniq))
	for id := range uniq {
		keys = append(keys, id)
	}
	sort.Strings(keys)
	return strings.Join(keys, ",")
}

// bidRotation looks for the same group of bidders meeting repeatedly with the
// win passed around among them.
func bidRotation(t *models.Tender, ec *EvalContext, _ Thresholds) *Finding {
	if t.WinnerID == "" {
		return nil
	}
	ids := make([]string, 0, len(ec.Bids))
	for _, b := range ec.Bids {
		ids = append(ids, b.BidderID)
	}
	key := bidderSetKey(ids)
	if key == "" {
		return nil
	}
	winners := map[string]bool{t.WinnerID: true}
	meetings := 1
	for _, a := range ec.PastAwards {
		if bidderSetKey(a.BidderIDs) == key {
			meetings++
			if a.WinnerID != "" {
				winners[a.WinnerID] = true
			}
		}
	}
	if meetings < 3 || len(winners) < 2 {
		return nil
	}
	setSize := len(strings.Split(key, ","))
	sev := models.SeverityMedium
	if len(winners) == setSize {
		sev = models.SeverityHigh
	}
	return &Finding{
		Severity:   sev,
		Confidence: clamp(0.4+0.1*float64(meetings), 0.5, 0.9),
		Evidence: map[string]any{
			"bidder_set":       key,
			"meetings":         meetings,
			"distinct_winners": len(winners),
		},
	}
}

func missingDocuments(t *models.Tender, _ *EvalContext, th Thresholds) *Finding {
	if t.DocumentCompleteness < 0 || t.DocumentCompleteness >= th.MissingDocuments {
		return nil
	}
	sev := models.SeverityMedium
	if t.DocumentCompleteness < th.MissingDocuments/2 {
		sev = models.SeverityHigh
	}
	return &Finding{
		Severity:   sev,
		Confidence: 0.8,
		Evidence: map[string]any{
			"document_completeness": round(t.DocumentCompleteness, 3),
		},
	}
}

var nonCompetitiveProcedures = map[string]bool{
	"direct":                         true,
	"direct_award":                   true,
	"negotiated":                     true,
	"negotiated_without_publication": true,
	"single_source":                  true,
}

func nonCompetitiveProcedure(t *models.Tender, _ *EvalContext, th Thresholds) *Finding {
	proc := strings.ToLower(strings.TrimSpace(t.ProcedureType))
	if !nonCompetitiveProcedures[proc] || t.EstimatedValue < th.NonCompetitiveValue {
		return nil
	}
	return &Finding{
		Severity:   models.SeverityHigh,
		Confidence: 0.75,
		Evidence: map[string]any{
			"procedure_type":  proc,
			"estimated_value": t.EstimatedValue,
		},
	}
}

func roundEstimate(t *models.Tender, _ *EvalContext, th Thresholds) *Finding {
	if th.RoundEstimateUnit <= 0 || t.EstimatedValue < th.RoundEstimateUnit {
		return nil
	}
	if math.Mod(t.EstimatedValue, th.RoundEstimateUnit) != 0 {
		return nil
	}
	return &Finding{
		Severity:   models.SeverityLow,
		Confidence: 0.4,
		Evidence: map[string]any{
			"estimated_value": t.EstimatedValue,
			"unit":            th.RoundEstimateUnit,
		},
	}
}

func weekendPublication(t *models.Tender, _ *EvalContext, _ Thresholds) *Finding {
	if t.PublishedAt.IsZero() {
		return nil
	}
	wd := t.PublishedAt.Weekday()
	if wd != time.Saturday && wd != time.Sunday {
		return nil
	}
	return &Finding{
		Severity:   models.SeverityLow,
		Confidence: 0.5,
		Evidence: map[string]any{
			"weekday": wd.String(),
		},
	}
}

func rapidAward(t *models.Tender, ec *EvalContext, th Thresholds) *Finding {
	if t.AwardedAt.IsZero() || t.SubmissionDeadline.IsZero() {
		return nil
	}
	gap := t.AwardedAt.Sub(t.SubmissionDeadline)
	if gap < 0 || gap >= th.RapidAward {
		return nil
	}
	sev := models.SeverityMedium
	if len(ec.Bids) >= 5 {
		sev = models.SeverityHigh
	}
	return &Finding{
		Severity:   sev,
		Confidence: 0.6,
		Evidence: map[string]any{
			"hours_to_award": round(gap.Hours(), 2),
			"bid_count":      len(ec.Bids),
		},
	}
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
