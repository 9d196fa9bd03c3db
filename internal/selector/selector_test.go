package selector

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acmg-amp-mcp-server/internal/domain"
	"github.com/acmg-amp-mcp-server/internal/kb"
)

func testStore(t *testing.T) *kb.Store {
	t.Helper()
	store, err := kb.NewStore("../../guidelines", nil)
	require.NoError(t, err)
	return store
}

func TestSelector_Select_NoAllergy(t *testing.T) {
	store := testStore(t)
	s := New()

	regimen, rejections, err := s.Select(store, &domain.PatientCase{}, domain.Pyelonephritis, domain.AllergyNone)
	require.NoError(t, err)
	assert.Empty(t, rejections)
	require.Len(t, regimen.DrugIDs, 1)
	assert.Equal(t, "ceftriaxone", regimen.DrugIDs[0])
}

func TestSelector_Select_SeverePCNAvoidsBetaLactam(t *testing.T) {
	store := testStore(t)
	s := New()

	regimen, _, err := s.Select(store, &domain.PatientCase{}, domain.Pyelonephritis, domain.AllergySeverePCN)
	require.NoError(t, err)
	require.Len(t, regimen.DrugIDs, 1)
	assert.Equal(t, "aztreonam", regimen.DrugIDs[0])
}

func TestSelector_Select_PregnancyFiltersRegimen(t *testing.T) {
	store := testStore(t)
	s := New()

	c := &domain.PatientCase{RiskFactors: []string{"pregnancy_2nd_trimester"}}
	regimen, rejections, err := s.Select(store, c, domain.Pyelonephritis, domain.AllergyNone)
	require.NoError(t, err)
	require.NotNil(t, regimen)

	for _, drugID := range regimen.DrugIDs {
		drug, derr := store.GetDrug(drugID)
		require.NoError(t, derr)
		for _, rej := range rejections {
			assert.NotContains(t, rej.DrugIDs, drug.ID)
		}
	}
}

func TestParsePregnancy(t *testing.T) {
	tests := []struct {
		name          string
		riskFactors   []string
		wantPregnant  bool
		wantTrimester int
	}{
		{"no risk factors", nil, false, 0},
		{"unrelated risk factor", []string{"central_line"}, false, 0},
		{"pregnancy no trimester", []string{"pregnancy"}, true, 0},
		{"pregnancy 1st trimester", []string{"pregnancy_1st_trimester"}, true, 1},
		{"pregnancy 3rd trimester", []string{"pregnancy_3rd_trimester"}, true, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pregnant, trimester := ParsePregnancy(tt.riskFactors)
			assert.Equal(t, tt.wantPregnant, pregnant)
			assert.Equal(t, tt.wantTrimester, trimester)
		})
	}
}
