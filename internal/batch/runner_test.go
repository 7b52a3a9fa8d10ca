package batch

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/idxr-io/idxr/internal/model"
	"github.com/idxr-io/idxr/internal/quality"
)

func runToCompletion(t *testing.T, m *Manager, req model.SubmitJobRequest) model.BatchJob {
	t.Helper()
	resp, err := m.Submit(context.Background(), req)
	require.NoError(t, err)
	return waitStatus(t, m, resp.JobID, model.JobCompleted)
}

func TestDeduplicationJob(t *testing.T) {
	m := newTestManager(t, nil)

	job := runToCompletion(t, m, model.SubmitJobRequest{
		Type: model.JobDeduplication,
		Records: []model.Identity{
			{GivenName: "John", Surname: "Doe", DOB: "1990-01-15",
				Address: model.Address{Street: "100 Main St", City: "Denver", State: "CO", PostalCode: "80202"},
				Metadata: map[string]any{"record_id": "r1"}},
			{GivenName: "Jon", Surname: "Doe", DOB: "1990-01-15",
				Address: model.Address{Street: "100 Main Street", City: "Denver", State: "CO", PostalCode: "80202"},
				Metadata: map[string]any{"record_id": "r2"}},
			{GivenName: "Alice", Surname: "Zhang", DOB: "1970-05-05",
				Address: model.Address{Street: "9 Pine Rd", City: "Boulder", State: "CO", PostalCode: "80301"},
				Metadata: map[string]any{"record_id": "r3"}},
		},
	})
	assert.Equal(t, 3, job.SuccessfulRecords)

	page, err := m.Results(context.Background(), job.ID, 1, 10, "")
	require.NoError(t, err)
	require.Len(t, page.Results, 3)

	byID := map[string]model.RecordOutcome{}
	for _, out := range page.Results {
		byID[out.RecordID] = out
	}
	assert.Equal(t, false, byID["r1"].Details["duplicate"])
	assert.Equal(t, true, byID["r2"].Details["duplicate"])
	assert.Equal(t, "r1", byID["r2"].Details["survivor_id"])
	assert.Equal(t, false, byID["r3"].Details["duplicate"])
}

func TestHouseholdFeatureJob(t *testing.T) {
	m := newTestManager(t, nil)

	job := runToCompletion(t, m, model.SubmitJobRequest{
		Type: model.JobHouseholdDetection,
		Records: []model.Identity{
			{GivenName: "Pat", Surname: "Lee", DOB: "1950-01-01", Phone: "3035550100",
				Address:  model.Address{Street: "Apt 4B 100 Main St", City: "Denver", State: "CO", PostalCode: "80202"},
				Metadata: map[string]any{"record_id": "r1"}},
			{GivenName: "Kid", Surname: "Lee", DOB: "2015-01-01",
				Address:  model.Address{Street: "PO Box 99", City: "Denver", State: "CO", PostalCode: "80202"},
				Metadata: map[string]any{"record_id": "r2"}},
		},
	})
	assert.Equal(t, 2, job.SuccessfulRecords)

	page, err := m.Results(context.Background(), job.ID, 1, 10, "")
	require.NoError(t, err)
	byID := map[string]model.RecordOutcome{}
	for _, out := range page.Results {
		byID[out.RecordID] = out
	}

	assert.Equal(t, "apartment", byID["r1"].Details["address_class"])
	assert.Equal(t, "senior", byID["r1"].Details["age_bracket"])
	require.NotNil(t, byID["r1"].Confidence)
	assert.Greater(t, *byID["r1"].Confidence, 0.5)

	assert.Equal(t, "po_box", byID["r2"].Details["address_class"])
	assert.Equal(t, "minor", byID["r2"].Details["age_bracket"])
	assert.Equal(t, "child", byID["r2"].Details["life_stage"])
}

func TestExportJobAnonymizes(t *testing.T) {
	m := newTestManager(t, nil)

	job := runToCompletion(t, m, model.SubmitJobRequest{
		Type: model.JobBulkExport,
		Records: []model.Identity{
			{GivenName: "John", Surname: "Doe", DOB: "1990-01-15",
				TaxID: "123-45-6789", Phone: "(303) 555-0199", Email: "john@example.com",
				Address:  model.Address{Street: "100 Main St", City: "Denver", State: "CO", PostalCode: "80202"},
				Metadata: map[string]any{"record_id": "r1"}},
		},
		Config: model.JobConfig{
			Anonymize:    true,
			FieldMapping: map[string]string{"last_name": "surname"},
		},
	})
	require.Equal(t, 1, job.SuccessfulRecords)

	page, err := m.Results(context.Background(), job.ID, 1, 10, "")
	require.NoError(t, err)
	require.Len(t, page.Results, 1)

	rec, ok := page.Results[0].Details["record"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "***-**-6789", rec["ssn"])
	assert.Equal(t, "303", rec["phone"])
	assert.Equal(t, "example.com", rec["email"])
	assert.Equal(t, "Denver, CO", rec["city_state"])
	assert.Equal(t, "", rec["street"])
	_, hasOld := rec["last_name"]
	assert.False(t, hasOld, "field mapping renames the source key")
	assert.Equal(t, "Doe", rec["surname"])
}

func TestQualityJobReportsDelta(t *testing.T) {
	m := newTestManager(t, nil)

	job := runToCompletion(t, m, model.SubmitJobRequest{
		Type: model.JobDataQuality,
		Records: []model.Identity{
			{GivenName: "  JOHN ", Surname: "doe", DOB: "01/15/1990",
				Metadata: map[string]any{"record_id": "r1"}},
		},
	})
	require.Equal(t, 1, job.SuccessfulRecords)

	page, err := m.Results(context.Background(), job.ID, 1, 10, "")
	require.NoError(t, err)
	require.Len(t, page.Results, 1)

	details := page.Results[0].Details
	assert.Greater(t, details["quality_score"], float64(0))
	// Name casing, whitespace, and the DOB format were all rewritten.
	assert.GreaterOrEqual(t, details["normalized_delta"], float64(3))
}

func TestDepthOfFallsBackToStandard(t *testing.T) {
	assert.Equal(t, quality.DepthStandard, depthOf(model.JobConfig{}))
	assert.Equal(t, quality.DepthEnhanced, depthOf(model.JobConfig{ValidationDepth: "enhanced"}))
	assert.Equal(t, quality.DepthStandard, depthOf(model.JobConfig{ValidationDepth: "exhaustive"}))
}

func TestExportFormats(t *testing.T) {
	m := newTestManager(t, nil)

	job := runToCompletion(t, m, model.SubmitJobRequest{
		Type:    model.JobIdentityMatching,
		Records: matchRecords(3),
	})

	t.Run("csv", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, m.Export(context.Background(), job.ID, FormatCSV, &buf))
		rows, err := csv.NewReader(&buf).ReadAll()
		require.NoError(t, err)
		require.Len(t, rows, 4) // header + 3 records
		assert.Equal(t, csvHeader, rows[0])
		assert.Equal(t, "IDX000000001", rows[1][1])
	})

	t.Run("jsonl", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, m.Export(context.Background(), job.ID, FormatJSONL, &buf))
		lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
		require.Len(t, lines, 3)
		var out model.RecordOutcome
		require.NoError(t, json.Unmarshal([]byte(lines[0]), &out))
		assert.Equal(t, model.RecordSuccess, out.Status)
	})

	t.Run("json", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, m.Export(context.Background(), job.ID, FormatJSON, &buf))
		var all []model.RecordOutcome
		require.NoError(t, json.Unmarshal(buf.Bytes(), &all))
		require.Len(t, all, 3)
	})
}

func TestParseFormat(t *testing.T) {
	for _, ok := range []string{"csv", "json", "jsonl"} {
		f, err := ParseFormat(ok)
		require.NoError(t, err)
		assert.Equal(t, Format(ok), f)
	}
	f, err := ParseFormat("")
	require.NoError(t, err)
	assert.Equal(t, FormatJSONL, f)

	_, err = ParseFormat("xml")
	require.Error(t, err)
	assert.Equal(t, model.ErrInvalidInput, model.KindOf(err))
}

func TestResultsPaging(t *testing.T) {
	m := newTestManager(t, nil)
	job := runToCompletion(t, m, model.SubmitJobRequest{
		Type:    model.JobIdentityMatching,
		Records: matchRecords(7),
	})

	p1, err := m.Results(context.Background(), job.ID, 1, 3, "")
	require.NoError(t, err)
	assert.Equal(t, 7, p1.Total)
	assert.Len(t, p1.Results, 3)

	p3, err := m.Results(context.Background(), job.ID, 3, 3, "")
	require.NoError(t, err)
	assert.Len(t, p3.Results, 1)
}
