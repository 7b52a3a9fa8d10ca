package batch

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/idxr-io/idxr/internal/model"
	"github.com/idxr-io/idxr/internal/normalize"
	"github.com/idxr-io/idxr/internal/quality"
	"github.com/idxr-io/idxr/internal/similarity"
)

// Per-job-type processing defaults.
const (
	defaultMatchThreshold = 0.85
	defaultMinQuality     = 70.0
	defaultDedupeSim      = 0.85
)

// nominalRecordsPerMinute anchors completion estimates; per-type
// multipliers scale it.
const nominalRecordsPerMinute = 1000.0

var typeCostMultiplier = map[model.JobType]float64{
	model.JobIdentityMatching:   1.0,
	model.JobDataValidation:     0.5,
	model.JobDataQuality:        0.6,
	model.JobDeduplication:      1.5,
	model.JobHouseholdDetection: 0.8,
	model.JobBulkExport:         0.4,
}

// estimateCompletion projects a finish time for total records of a
// given type, measured from now.
func estimateCompletion(now time.Time, jobType model.JobType, total int) time.Time {
	mult := typeCostMultiplier[jobType]
	if mult == 0 {
		mult = 1.0
	}
	minutes := float64(total) * mult / nominalRecordsPerMinute
	return now.Add(time.Duration(minutes * float64(time.Minute)))
}

// runner processes a single job's records one at a time, honoring
// pause and cancel at record boundaries.
type runner struct {
	mgr *Manager
	job *jobState
}

// processRecord dispatches one record through the job-type policy and
// returns its outcome. Record failures never abort the runner; the
// manager applies abort_on_error.
func (r *runner) processRecord(ctx context.Context, idx int, rec model.Identity) model.RecordOutcome {
	start := time.Now()
	out := r.dispatch(ctx, idx, rec)
	if out.RecordID == "" {
		out.RecordID = recordID(idx, rec)
	}
	out.ProcessingTimeMS = time.Since(start).Milliseconds()
	return out
}

func (r *runner) dispatch(ctx context.Context, idx int, rec model.Identity) model.RecordOutcome {
	switch r.job.job.Type {
	case model.JobIdentityMatching:
		return r.matchRecord(ctx, rec)
	case model.JobDataValidation:
		return r.validateRecord(rec)
	case model.JobDataQuality:
		return r.qualityRecord(rec)
	case model.JobDeduplication:
		return r.dedupeRecord(idx, rec)
	case model.JobHouseholdDetection:
		return r.householdRecord(rec)
	case model.JobBulkExport:
		return r.exportRecord(rec)
	default:
		return model.RecordOutcome{
			Status: model.RecordError,
			Error:  fmt.Sprintf("unsupported job type %q", r.job.job.Type),
		}
	}
}

func (r *runner) matchRecord(ctx context.Context, rec model.Identity) model.RecordOutcome {
	cfg := r.job.job.Config
	threshold := cfg.MatchThreshold
	if threshold == 0 {
		threshold = defaultMatchThreshold
	}

	res, err := r.mgr.resolver.Resolve(ctx, model.ResolveRequest{
		Demographics: rec,
		SourceSystem: rec.SourceSystem,
		Options: model.ResolveOptions{
			MatchThreshold:        threshold,
			RequireHighConfidence: !cfg.UseHybrid,
		},
	})
	if err != nil {
		return model.RecordOutcome{Status: model.RecordError, Error: err.Error()}
	}
	if len(res.Matches) == 0 {
		return model.RecordOutcome{Status: model.RecordNoMatch}
	}
	best := res.Matches[0]
	conf := best.Confidence
	return model.RecordOutcome{
		IdentityKey: best.IdentityKey,
		Confidence:  &conf,
		MatchType:   best.MatchType,
		Status:      model.RecordSuccess,
		Details: map[string]any{
			"matched_fields": best.MatchedFields,
			"quality_score":  res.QualityScore,
			"total_matches":  len(res.Matches),
		},
	}
}

func (r *runner) validateRecord(rec model.Identity) model.RecordOutcome {
	norm, issues := normalize.Record(rec)
	rep := quality.Assess(norm, depthOf(r.job.job.Config))

	minQ := r.job.job.Config.MinQualityThreshold
	if minQ == 0 {
		minQ = defaultMinQuality
	}

	details := map[string]any{
		"quality_score":   rep.Score,
		"quality_bucket":  rep.Bucket,
		"critical_issues": rep.CriticalIssues,
	}
	if len(issues) > 0 {
		codes := make([]string, 0, len(issues))
		for _, is := range issues {
			codes = append(codes, is.Field+":"+is.Code)
		}
		details["normalization_issues"] = codes
	}

	if rep.Score < minQ || len(rep.CriticalIssues) > 0 {
		return model.RecordOutcome{
			Status:  model.RecordError,
			Error:   fmt.Sprintf("quality %.1f below threshold %.1f", rep.Score, minQ),
			Details: details,
		}
	}
	return model.RecordOutcome{Status: model.RecordSuccess, Details: details}
}

func (r *runner) qualityRecord(rec model.Identity) model.RecordOutcome {
	norm, issues := normalize.Record(rec)
	rep := quality.Assess(norm, depthOf(r.job.job.Config))

	return model.RecordOutcome{
		Status: model.RecordSuccess,
		Details: map[string]any{
			"quality_score":    rep.Score,
			"quality_bucket":   rep.Bucket,
			"recommendations":  rep.Recommendations,
			"normalized_delta": normalizedDelta(rec, norm),
			"issue_count":      len(issues),
		},
	}
}

// dedupeRecord compares the record against earlier records in the same
// batch; the first occurrence of a duplicate cluster is its survivor.
func (r *runner) dedupeRecord(idx int, rec model.Identity) model.RecordOutcome {
	simMin := r.job.job.Config.SimilarityThreshold
	if simMin == 0 {
		simMin = defaultDedupeSim
	}

	norm, _ := normalize.Record(rec)
	r.job.norms[idx] = norm
	for i := 0; i < idx; i++ {
		prior := r.job.norms[i]
		if sim := recordSimilarity(norm, prior); sim >= simMin {
			// Follow the chain to the cluster root so every duplicate
			// points at the same survivor.
			survivor := r.job.survivors[i]
			r.job.survivors[idx] = survivor
			s := sim
			return model.RecordOutcome{
				Status:     model.RecordSuccess,
				Confidence: &s,
				Details: map[string]any{
					"duplicate":   true,
					"survivor_id": recordID(survivor, r.job.records[survivor]),
				},
			}
		}
	}
	r.job.survivors[idx] = idx
	return model.RecordOutcome{
		Status:  model.RecordSuccess,
		Details: map[string]any{"duplicate": false},
	}
}

// recordSimilarity blends the kernel's field comparators for in-batch
// deduplication.
func recordSimilarity(a, b model.Identity) float64 {
	nameSim := similarity.Name(a, b)
	score := nameSim * 0.5
	weight := 0.5
	if a.DOB != "" && b.DOB != "" {
		score += similarity.DOB(a.DOB, b.DOB) * 0.3
		weight += 0.3
	}
	if !a.Address.Empty() && !b.Address.Empty() {
		score += similarity.Address(a.Address, b.Address) * 0.2
		weight += 0.2
	}
	if weight == 0 {
		return 0
	}
	return score / weight
}

func (r *runner) householdRecord(rec model.Identity) model.RecordOutcome {
	norm, _ := normalize.Record(rec)

	fields := 0
	present := 0
	for _, ok := range []bool{
		norm.FullName() != "", norm.DOB != "", !norm.Address.Empty(),
		norm.Phone != "", norm.Email != "",
	} {
		fields++
		if ok {
			present++
		}
	}
	conf := float64(present) / float64(fields)

	details := map[string]any{
		"address_class": addressClass(norm.Address),
		"age_bracket":   ageBracket(norm),
		"life_stage":    lifeStage(norm),
		"address_key":   normalize.Key(norm.Address),
	}
	return model.RecordOutcome{Status: model.RecordSuccess, Confidence: &conf, Details: details}
}

func (r *runner) exportRecord(rec model.Identity) model.RecordOutcome {
	cfg := r.job.job.Config
	norm, _ := normalize.Record(rec)

	out := exportFields(norm, cfg)
	return model.RecordOutcome{
		Status:  model.RecordSuccess,
		Details: map[string]any{"record": out},
	}
}

// exportFields flattens a record for export, applying the job's rename
// map and anonymization rules.
func exportFields(id model.Identity, cfg model.JobConfig) map[string]any {
	out := map[string]any{
		"first_name": id.GivenName,
		"last_name":  id.Surname,
		"dob":        id.DOB,
		"ssn":        id.TaxID,
		"phone":      id.Phone,
		"email":      id.Email,
		"street":     id.Address.Street,
		"city":       id.Address.City,
		"state":      id.Address.State,
		"zip":        id.Address.PostalCode,
	}
	if cfg.IncludeMetadata {
		for k, v := range id.Metadata {
			out["meta_"+k] = v
		}
	}
	if cfg.Anonymize {
		out["ssn"] = maskTaxID(id)
		out["phone"] = areaCode(id.Phone)
		out["email"] = emailDomain(id.Email)
		out["street"] = ""
		out["city_state"] = cityStateToken(id.Address)
	}
	for from, to := range cfg.FieldMapping {
		if v, ok := out[from]; ok {
			delete(out, from)
			out[to] = v
		}
	}
	return out
}

// maskTaxID keeps only the last four digits: ***-**-NNNN.
func maskTaxID(id model.Identity) string {
	last4 := id.TaxIDLast4
	if last4 == "" {
		digits := normalize.PhoneDigits(id.TaxID)
		if len(digits) >= 4 {
			last4 = digits[len(digits)-4:]
		}
	}
	if last4 == "" {
		return ""
	}
	return "***-**-" + last4
}

func areaCode(phone string) string {
	digits := normalize.PhoneDigits(phone)
	if len(digits) == 11 && digits[0] == '1' {
		digits = digits[1:]
	}
	if len(digits) >= 3 {
		return digits[:3]
	}
	return ""
}

func emailDomain(email string) string {
	if i := strings.LastIndex(email, "@"); i >= 0 {
		return email[i+1:]
	}
	return ""
}

func cityStateToken(a model.Address) string {
	switch {
	case a.City != "" && a.State != "":
		return a.City + ", " + a.State
	case a.City != "":
		return a.City
	default:
		return a.State
	}
}

func addressClass(a model.Address) string {
	street := strings.ToLower(a.Street)
	switch {
	case street == "":
		return "unknown"
	case strings.Contains(street, "po box") || strings.Contains(street, "p.o. box"):
		return "po_box"
	case strings.Contains(street, "apt") || strings.Contains(street, "unit") ||
		strings.Contains(street, "suite") || strings.Contains(street, "#"):
		return "apartment"
	case strings.Contains(street, "rural route") || strings.HasPrefix(street, "rr "):
		return "rural"
	default:
		return "residential"
	}
}

func ageBracket(id model.Identity) string {
	age, ok := id.Age(time.Now())
	switch {
	case !ok:
		return "unknown"
	case age < 18:
		return "minor"
	case age < 65:
		return "adult"
	default:
		return "senior"
	}
}

func lifeStage(id model.Identity) string {
	age, ok := id.Age(time.Now())
	switch {
	case !ok:
		return "unknown"
	case age < 13:
		return "child"
	case age < 18:
		return "teenager"
	case age < 30:
		return "young_adult"
	case age < 50:
		return "adult"
	case age < 65:
		return "middle_aged"
	default:
		return "senior"
	}
}

func depthOf(cfg model.JobConfig) quality.Depth {
	depth, err := quality.ParseDepth(cfg.ValidationDepth)
	if err != nil {
		return quality.DepthStandard
	}
	return depth
}

// normalizedDelta counts fields the normalizer changed.
func normalizedDelta(raw, norm model.Identity) int {
	delta := 0
	for _, pair := range [][2]string{
		{raw.GivenName, norm.GivenName},
		{raw.Surname, norm.Surname},
		{raw.DOB, norm.DOB},
		{raw.TaxID, norm.TaxID},
		{raw.Phone, norm.Phone},
		{raw.Email, norm.Email},
		{raw.Address.Street, norm.Address.Street},
		{raw.Address.City, norm.Address.City},
		{raw.Address.State, norm.Address.State},
		{raw.Address.PostalCode, norm.Address.PostalCode},
	} {
		if pair[0] != pair[1] {
			delta++
		}
	}
	return delta
}

func recordID(i int, rec model.Identity) string {
	if v, ok := rec.Metadata["record_id"].(string); ok && v != "" {
		return v
	}
	return fmt.Sprintf("record_%06d", i+1)
}
