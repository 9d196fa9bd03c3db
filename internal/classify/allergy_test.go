package classify

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

func TestAllergyClassifier_Classify(t *testing.T) {
	store := testStore(t)

	tests := []struct {
		name string
		text string
		want domain.AllergySeverity
	}{
		{"empty text", "", domain.AllergyNone},
		{"explicit NKDA", "NKDA", domain.AllergyNone},
		{"no known allergies", "Patient has no known drug allergies", domain.AllergyNone},
		{"anaphylaxis", "History of anaphylaxis to amoxicillin", domain.AllergySeverePCN},
		{"hives and swelling", "hives and swelling after penicillin", domain.AllergySeverePCN},
		{"sulfa allergy", "sulfa allergy noted in chart", domain.AllergySulfa},
		{"cephalosporin allergy", "ceftriaxone allergy", domain.AllergyCephalosporin},
		{"fluoroquinolone allergy", "levofloxacin allergy", domain.AllergyFluoroquinolone},
		{"multiple drug allergies", "multiple drug allergies documented", domain.AllergyMultiple},
	}

	c := NewAllergyClassifier(store, true)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := c.Classify(tt.text)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAllergyClassifier_ConservativeDefault(t *testing.T) {
	store := testStore(t)

	conservative := NewAllergyClassifier(store, true)
	assert.Equal(t, domain.AllergyMultiple, conservative.Classify("allergic to some medication, unsure which"))

	permissive := NewAllergyClassifier(store, false)
	assert.Equal(t, domain.AllergyNone, permissive.Classify("allergic to some medication, unsure which"))
}

func TestAllergyClassifier_MatchedExplicitRule(t *testing.T) {
	store := testStore(t)
	c := NewAllergyClassifier(store, true)

	assert.True(t, c.MatchedExplicitRule(""))
	assert.True(t, c.MatchedExplicitRule("sulfa allergy"))
	assert.False(t, c.MatchedExplicitRule("allergic to something, details unclear"))
}
