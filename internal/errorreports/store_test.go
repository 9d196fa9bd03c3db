package errorreports

import (
	"context"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acmg-amp-mcp-server/internal/domain"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)
	s, err := NewStore(t.TempDir(), logger)
	require.NoError(t, err)
	return s
}

func sampleReport() *domain.ErrorReport {
	return &domain.ErrorReport{
		Severity:    domain.SeverityHigh,
		ErrorType:   domain.ErrorTypeWrongDose,
		Description: "vancomycin dose too low for this patient's weight",
		PatientCase: map[string]interface{}{"age": 60, "weight_kg": 90.0},
	}
}

func TestStore_Submit_AssignsIDAndNewStatus(t *testing.T) {
	s := testStore(t)
	r := sampleReport()

	require.NoError(t, s.Submit(context.Background(), r))
	assert.NotEmpty(t, r.ErrorID)
	assert.Equal(t, domain.StatusNew, r.Status)
	assert.False(t, r.CreatedAt.IsZero())
}

func TestStore_Submit_RejectsPHIFields(t *testing.T) {
	s := testStore(t)

	tests := []string{"name", "mrn", "dob", "admission_date"}
	for _, field := range tests {
		t.Run(field, func(t *testing.T) {
			r := sampleReport()
			r.PatientCase = map[string]interface{}{field: "redacted"}

			err := s.Submit(context.Background(), r)
			require.Error(t, err)

			var ee *domain.EngineError
			require.ErrorAs(t, err, &ee)
			assert.Equal(t, domain.ErrPHIField, ee.Code)
		})
	}
}

func TestStore_Submit_RejectsInvalidSeverity(t *testing.T) {
	s := testStore(t)
	r := sampleReport()
	r.Severity = "catastrophic"

	err := s.Submit(context.Background(), r)
	require.Error(t, err)

	var ve *domain.ValidationError
	require.ErrorAs(t, err, &ve)
}

func TestStore_Submit_RejectsInvalidErrorType(t *testing.T) {
	s := testStore(t)
	r := sampleReport()
	r.ErrorType = "not_a_real_type"

	err := s.Submit(context.Background(), r)
	require.Error(t, err)

	var ve *domain.ValidationError
	require.ErrorAs(t, err, &ve)
}

func TestStore_List_RoundTripsAndFilters(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	critical := sampleReport()
	critical.Severity = domain.SeverityCritical
	require.NoError(t, s.Submit(ctx, critical))

	minor := sampleReport()
	minor.Severity = domain.SeverityLow
	require.NoError(t, s.Submit(ctx, minor))

	all, err := s.List(ctx, domain.ErrorReportListFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	onlyNew, err := s.List(ctx, domain.ErrorReportListFilter{Status: domain.StatusNew})
	require.NoError(t, err)
	assert.Len(t, onlyNew, 2)

	onlyClosed, err := s.List(ctx, domain.ErrorReportListFilter{Status: domain.StatusClosed})
	require.NoError(t, err)
	assert.Empty(t, onlyClosed)

	onlyCritical, err := s.List(ctx, domain.ErrorReportListFilter{Severity: domain.SeverityCritical})
	require.NoError(t, err)
	require.Len(t, onlyCritical, 1)
	assert.Equal(t, domain.SeverityCritical, onlyCritical[0].Severity)

	onlyWrongDose, err := s.List(ctx, domain.ErrorReportListFilter{ErrorType: domain.ErrorTypeWrongDose})
	require.NoError(t, err)
	assert.Len(t, onlyWrongDose, 2)

	limited, err := s.List(ctx, domain.ErrorReportListFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestStore_UpdateStatus_AllowedTransition(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	r := sampleReport()
	require.NoError(t, s.Submit(ctx, r))

	require.NoError(t, s.UpdateStatus(ctx, r.ErrorID, domain.StatusVerified))

	all, err := s.List(ctx, domain.ErrorReportListFilter{Status: domain.StatusVerified})
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, r.ErrorID, all[0].ErrorID)
	assert.NotNil(t, all[0].StatusUpdatedAt)
}

func TestStore_UpdateStatus_DisallowedTransitionRejected(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	r := sampleReport()
	require.NoError(t, s.Submit(ctx, r))

	err := s.UpdateStatus(ctx, r.ErrorID, domain.StatusClosed)
	require.Error(t, err)

	var ee *domain.EngineError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, domain.ErrBadStatusTransition, ee.Code)
}

// P8: re-applying the current status is always a no-op, even from a
// terminal status.
func TestStore_UpdateStatus_SameStatusIsIdempotentNoOp(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	r := sampleReport()
	require.NoError(t, s.Submit(ctx, r))
	require.NoError(t, s.UpdateStatus(ctx, r.ErrorID, domain.StatusWontFix))

	require.NoError(t, s.UpdateStatus(ctx, r.ErrorID, domain.StatusWontFix))

	all, err := s.List(ctx, domain.ErrorReportListFilter{Status: domain.StatusWontFix})
	require.NoError(t, err)
	require.Len(t, all, 1)
}

func TestStore_UpdateStatus_UnknownIDErrors(t *testing.T) {
	s := testStore(t)
	err := s.UpdateStatus(context.Background(), "ERR-20260101-deadbeef", domain.StatusVerified)
	require.Error(t, err)
}

func TestIsValidTransition(t *testing.T) {
	tests := []struct {
		name string
		from domain.ReportStatus
		to   domain.ReportStatus
		want bool
	}{
		{"new to verified", domain.StatusNew, domain.StatusVerified, true},
		{"new to closed directly", domain.StatusNew, domain.StatusClosed, false},
		{"verified to in_progress", domain.StatusVerified, domain.StatusInProgress, true},
		{"in_progress to fixed", domain.StatusInProgress, domain.StatusFixed, true},
		{"fixed to closed", domain.StatusFixed, domain.StatusClosed, true},
		{"closed to anything else", domain.StatusClosed, domain.StatusNew, false},
		{"same status always allowed", domain.StatusClosed, domain.StatusClosed, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, domain.IsValidTransition(tt.from, tt.to))
		})
	}
}
