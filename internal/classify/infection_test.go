package classify

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acmg-amp-mcp-server/internal/domain"
)

func TestInfectionClassifier_Classify(t *testing.T) {
	store := testStore(t)
	ic := NewInfectionClassifier(store)

	tests := []struct {
		name string
		c    *domain.PatientCase
		want domain.InfectionCategory
	}{
		{
			name: "UTI with fever promotes to pyelonephritis",
			c:    &domain.PatientCase{InfectionType: "UTI", Fever: true},
			want: domain.Pyelonephritis,
		},
		{
			name: "UTI without fever stays cystitis",
			c:    &domain.PatientCase{InfectionType: "urinary tract infection"},
			want: domain.Cystitis,
		},
		{
			name: "bacteremia with MRSA risk factor promotes",
			c:    &domain.PatientCase{InfectionType: "bacteremia", RiskFactors: []string{"mrsa_colonization"}},
			want: domain.BacteremiaMRSA,
		},
		{
			name: "bacteremia without MRSA risk stays bacteremia",
			c:    &domain.PatientCase{InfectionType: "BSI"},
			want: domain.Bacteremia,
		},
		{
			name: "pneumonia with late onset and ventilation is VAP",
			c:    &domain.PatientCase{InfectionType: "pneumonia", HospitalOnsetHours: 72, MechanicalVentilation: true},
			want: domain.VAP,
		},
		{
			name: "pneumonia with late onset, no ventilation is HAP",
			c:    &domain.PatientCase{InfectionType: "PNA", HospitalOnsetHours: 72},
			want: domain.HAP,
		},
		{
			name: "pneumonia with aspiration symptoms",
			c:    &domain.PatientCase{InfectionType: "pneumonia", SymptomsText: "witnessed aspiration event"},
			want: domain.Aspiration,
		},
		{
			name: "pneumonia with no hospital signal is CAP",
			c:    &domain.PatientCase{InfectionType: "pneumonia"},
			want: domain.CAP,
		},
		{
			name: "direct known category name",
			c:    &domain.PatientCase{InfectionType: "intra_abdominal"},
			want: domain.IntraAbdominal,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ic.Classify(tt.c)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestInfectionClassifier_Unclassified(t *testing.T) {
	store := testStore(t)
	ic := NewInfectionClassifier(store)

	_, err := ic.Classify(&domain.PatientCase{InfectionType: "mystery ailment"})
	require.Error(t, err)

	var ee *domain.EngineError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, domain.ErrUnclassifiedInfection, ee.Code)
}
