// Package flags evaluates tenders against the fixed catalog of red-flag
// heuristics and folds the resulting flags into the raw corruption risk index.
package flags

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rewired-gh/tenderwatch/internal/logger"
	"github.com/rewired-gh/tenderwatch/internal/models"
)

// DetectorRevision versions the heuristic catalog. Adding a heuristic bumps
// it; existing heuristics never change meaning.
const DetectorRevision = 1

var flagNamespace = uuid.MustParse("6f1c7d0e-3b9a-4f51-9d0c-2a7e5b8c4d10")

// EvalContext carries auxiliary data the detector reads but does not own.
type EvalContext struct {
	Bids []models.Bid
	// PastAwards are earlier awarded tenders of the same institution.
	PastAwards []models.PastAward
}

// Finding is what a heuristic reports before it is stamped into a Flag.
type Finding struct {
	Severity   models.Severity
	Confidence float64
	Evidence   map[string]any
}

// Heuristic is a pure function of the tender and its context.
type Heuristic struct {
	Type  models.FlagType
	Since int // detector revision that introduced it
	Check func(t *models.Tender, ec *EvalContext, th Thresholds) *Finding
}

// Detector runs every heuristic of its catalog against a tender.
type Detector struct {
	heuristics []Heuristic
	thresholds Thresholds
}

// NewDetector builds a detector over the full catalog.
func NewDetector(th Thresholds) *Detector {
	return &Detector{heuristics: Catalog(), thresholds: th}
}

// Evaluate returns the flags raised for t, ordered by severity then type.
// now is only used for DetectedAt; the rest of each flag is a pure function
// of its inputs. A heuristic that panics is logged and yields no flag.
func (d *Detector) Evaluate(t *models.Tender, ec *EvalContext, now time.Time) []models.Flag {
	if ec == nil {
		ec = &EvalContext{}
	}
	var out []models.Flag
	for _, h := range d.heuristics {
		finding, err := d.run(h, t, ec)
		if err != nil {
			logger.Warn("Heuristic %s failed on tender %s: %v", h.Type, t.ID, err)
			continue
		}
		if finding == nil {
			continue
		}
		f := models.Flag{
			TenderID:    t.ID,
			Type:        h.Type,
			Severity:    finding.Severity,
			Confidence:  clamp(finding.Confidence, 0, 1),
			Evidence:    finding.Evidence,
			DetectorRev: DetectorRevision,
			DetectedAt:  now,
		}
		f.ID = uuid.NewSHA1(flagNamespace, []byte(f.Fingerprint())).String()
		out = append(out, f)
	}
	SortBySeverity(out)
	return out
}

func (d *Detector) run(h Heuristic, t *models.Tender, ec *EvalContext) (f *Finding, err error) {
	defer func() {
		if r := recover(); r != nil {
			f, err = nil, fmt.Errorf("panic: %v", r)
		}
	}()
	return h.Check(t, ec, d.thresholds), nil
}

// SortBySeverity orders flags by descending severity, then by type.
func SortBySeverity(flags []models.Flag) {
	sort.SliceStable(flags, func(i, j int) bool {
		ri, rj := flags[i].Severity.Rank(), flags[j].Severity.Rank()
		if ri != rj {
			return ri > rj
		}
		return flags[i].Type < flags[j].Type
	})
}

func clamp(value, min, max float64) float64 {
	if value < min {
		return min
	}
	if value > max {
		return max
	}
	return value
}
