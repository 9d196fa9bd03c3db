package engine

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acmg-amp-mcp-server/internal/classify"
	"github.com/acmg-amp-mcp-server/internal/domain"
	"github.com/acmg-amp-mcp-server/internal/dosing"
	"github.com/acmg-amp-mcp-server/internal/kb"
	"github.com/acmg-amp-mcp-server/internal/selector"
)

// copyGuidelines copies the real fixture corpus into a fresh temp directory
// so a test can add or break a fixture without disturbing the shared ones.
func copyGuidelines(t *testing.T) string {
	t.Helper()
	dst := t.TempDir()
	err := filepath.WalkDir("../../guidelines", func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel("../../guidelines", path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		b, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		return os.WriteFile(target, b, 0o644)
	})
	require.NoError(t, err)
	return dst
}

// addToLoadingOrder appends id to index.json's loading_order so the loader
// reads an infection fixture added to the copied corpus.
func addToLoadingOrder(t *testing.T, root, id string) {
	t.Helper()
	path := filepath.Join(root, "index.json")
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	var index domain.IndexFile
	require.NoError(t, json.Unmarshal(b, &index))
	index.LoadingOrder = append(index.LoadingOrder, id)
	out, err := json.Marshal(index)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, out, 0o644))
}

func engineWithGuidelines(t *testing.T, guidelinesPath string, cfg domain.EngineConfig) *Engine {
	t.Helper()
	store, err := kb.NewStore(guidelinesPath, nil)
	require.NoError(t, err)

	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)

	cfg.AuditPath = t.TempDir()
	e, err := New(
		store,
		classify.NewAllergyClassifier(store, true),
		classify.NewInfectionClassifier(store),
		selector.New(),
		dosing.New(),
		cfg,
		logger,
	)
	require.NoError(t, err)
	return e
}

func testEngine(t *testing.T) *Engine {
	t.Helper()
	store, err := kb.NewStore("../../guidelines", nil)
	require.NoError(t, err)

	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)

	e, err := New(
		store,
		classify.NewAllergyClassifier(store, true),
		classify.NewInfectionClassifier(store),
		selector.New(),
		dosing.New(),
		domain.EngineConfig{AuditPath: t.TempDir()},
		logger,
	)
	require.NoError(t, err)
	return e
}

func drugIDs(rec *domain.Recommendation) []string {
	ids := make([]string, 0, len(rec.ChosenRegimen.Drugs))
	for _, d := range rec.ChosenRegimen.Drugs {
		ids = append(ids, d.DrugID)
	}
	return ids
}

func drugByID(rec *domain.Recommendation, id string) *domain.RegimenDrug {
	for i, d := range rec.ChosenRegimen.Drugs {
		if d.DrugID == id {
			return &rec.ChosenRegimen.Drugs[i]
		}
	}
	return nil
}

// Scenario 1: uncomplicated pyelonephritis, no allergy, normal renal function.
func TestEngine_Recommend_PyelonephritisNoAllergy(t *testing.T) {
	e := testEngine(t)
	crcl := 85.0

	resp, err := e.Recommend(context.Background(), &domain.PatientCase{
		Age: 45, Sex: "F", WeightKg: 70, CrCl: &crcl,
		InfectionType: "pyelonephritis",
	})
	require.NoError(t, err)
	require.Equal(t, "ok", resp.Status)

	rec := resp.Recommendation
	assert.Equal(t, domain.Pyelonephritis, rec.InfectionCategory)
	assert.Equal(t, []string{"ceftriaxone"}, drugIDs(rec))

	d := drugByID(rec, "ceftriaxone")
	require.NotNil(t, d)
	assert.Equal(t, "1 g", d.Dose)
	assert.Equal(t, "q24h", d.Frequency)
	assert.Equal(t, domain.RouteIV, d.Route)
	assert.Nil(t, d.LoadingDose)
}

// Scenario 2: febrile UTI is promoted to pyelonephritis and treated identically.
func TestEngine_Recommend_FebrileUTIPromotesToPyelonephritis(t *testing.T) {
	e := testEngine(t)
	crcl := 85.0

	resp, err := e.Recommend(context.Background(), &domain.PatientCase{
		Age: 45, Sex: "F", WeightKg: 70, CrCl: &crcl,
		InfectionType: "UTI", Fever: true,
	})
	require.NoError(t, err)
	require.Equal(t, "ok", resp.Status)

	rec := resp.Recommendation
	assert.Equal(t, domain.Pyelonephritis, rec.InfectionCategory)
	assert.Equal(t, []string{"ceftriaxone"}, drugIDs(rec))
}

// Scenario 3: complicated intra-abdominal infection, anaphylaxis history,
// CrCl above 50 (no renal adjustment).
func TestEngine_Recommend_IntraAbdominalSeverePCNAllergy(t *testing.T) {
	e := testEngine(t)
	crcl := 66.0

	resp, err := e.Recommend(context.Background(), &domain.PatientCase{
		Age: 60, Sex: "M", WeightKg: 85, CrCl: &crcl,
		InfectionType: "intra_abdominal",
		AllergiesText: "history of anaphylaxis to penicillin",
	})
	require.NoError(t, err)
	require.Equal(t, "ok", resp.Status)

	rec := resp.Recommendation
	assert.Equal(t, domain.AllergySeverePCN, rec.AllergyClassification)
	assert.ElementsMatch(t, []string{"aztreonam", "metronidazole", "vancomycin"}, drugIDs(rec))

	vanc := drugByID(rec, "vancomycin")
	require.NotNil(t, vanc)
	assert.Contains(t, vanc.Monitoring, "trough levels")
}

// Scenario 4: bacteremia with MRSA risk, anaphylaxis history, CrCl in the
// 30-50 renal band.
func TestEngine_Recommend_BacteremiaMRSASeverePCNAllergyRenalBand(t *testing.T) {
	e := testEngine(t)
	crcl := 44.0

	resp, err := e.Recommend(context.Background(), &domain.PatientCase{
		Age: 80, Sex: "M", WeightKg: 75, CrCl: &crcl,
		InfectionType: "bacteremia",
		RiskFactors:   []string{"mrsa_colonization"},
		AllergiesText: "anaphylaxis to amoxicillin",
	})
	require.NoError(t, err)
	require.Equal(t, "ok", resp.Status)

	rec := resp.Recommendation
	assert.Equal(t, domain.BacteremiaMRSA, rec.InfectionCategory)
	assert.ElementsMatch(t, []string{"aztreonam", "vancomycin"}, drugIDs(rec))

	vanc := drugByID(rec, "vancomycin")
	require.NotNil(t, vanc)
	assert.Equal(t, domain.Renal30To50, vanc.RenalBand)
	assert.Contains(t, rec.Warnings, "elderly")
}

// Scenario 5: bacterial meningitis, no allergy, normal renal function —
// ceftriaxone escalates to the CNS-penetration dose, vancomycin gets a
// loading dose.
func TestEngine_Recommend_MeningitisNoAllergy(t *testing.T) {
	e := testEngine(t)
	crcl := 90.0

	resp, err := e.Recommend(context.Background(), &domain.PatientCase{
		Age: 50, Sex: "M", WeightKg: 80, CrCl: &crcl,
		InfectionType: "meningitis",
	})
	require.NoError(t, err)
	require.Equal(t, "ok", resp.Status)

	rec := resp.Recommendation
	assert.ElementsMatch(t, []string{"ceftriaxone", "vancomycin"}, drugIDs(rec))

	ceftriaxone := drugByID(rec, "ceftriaxone")
	require.NotNil(t, ceftriaxone)
	assert.Equal(t, "2 g", ceftriaxone.Dose)
	assert.Equal(t, "q12h", ceftriaxone.Frequency)

	vanc := drugByID(rec, "vancomycin")
	require.NotNil(t, vanc)
	require.NotNil(t, vanc.LoadingDose)
}

// Scenario 6: pregnant patient with pyelonephritis and anaphylaxis history —
// only the beta-lactam-avoiding agent survives, no fluoroquinolones or
// cephalosporins.
func TestEngine_Recommend_PregnantPyelonephritisSeverePCNAllergy(t *testing.T) {
	e := testEngine(t)
	crcl := 95.0

	resp, err := e.Recommend(context.Background(), &domain.PatientCase{
		Age: 28, Sex: "F", WeightKg: 65, CrCl: &crcl,
		InfectionType: "pyelonephritis",
		AllergiesText: "history of anaphylaxis to penicillin",
		RiskFactors:   []string{"pregnancy_2nd_trimester"},
	})
	require.NoError(t, err)
	require.Equal(t, "ok", resp.Status)

	rec := resp.Recommendation
	assert.Equal(t, []string{"aztreonam"}, drugIDs(rec))
	assert.Equal(t, "pregnant_trimester_2", rec.PregnancyState)
	assert.Contains(t, rec.Warnings, "pregnancy")
}

func TestEngine_Recommend_InvalidCaseReturnsErrorEnvelope(t *testing.T) {
	e := testEngine(t)

	resp, err := e.Recommend(context.Background(), &domain.PatientCase{})
	require.NoError(t, err)
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, domain.ErrBadCase, resp.Error.Code)
}

func TestEngine_Recommend_UnclassifiableInfectionReturnsErrorEnvelope(t *testing.T) {
	e := testEngine(t)
	crcl := 90.0

	resp, err := e.Recommend(context.Background(), &domain.PatientCase{
		Age: 40, Sex: "F", WeightKg: 60, CrCl: &crcl,
		InfectionType: "mystery ailment",
	})
	require.NoError(t, err)
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, domain.ErrUnclassifiedInfection, resp.Error.Code)
}

const noRegimenSurvivesInfection = `{
	"id": "custom_no_regimen",
	"version": "1.0.0",
	"last_updated": "2026-01-01",
	"display_name": "Custom",
	"classification_rules": {"synonyms": ["custom_no_regimen"]},
	"regimens": [
		{"allergy_status": "no_allergy", "drug_ids": ["ceftriaxone"], "rationale": "test"}
	],
	"critical_warnings": [],
	"default_duration": "7 days"
}`

func TestEngine_Recommend_RefuseOnNoRegimenTrueReturnsErrorEnvelope(t *testing.T) {
	root := copyGuidelines(t)
	require.NoError(t, os.WriteFile(filepath.Join(root, "infections", "custom_no_regimen.json"), []byte(noRegimenSurvivesInfection), 0o644))
	addToLoadingOrder(t, root, "custom_no_regimen")

	e := engineWithGuidelines(t, root, domain.EngineConfig{RefuseOnNoRegimen: true})
	crcl := 90.0

	resp, err := e.Recommend(context.Background(), &domain.PatientCase{
		Age: 50, Sex: "F", WeightKg: 70, CrCl: &crcl,
		InfectionType: "custom_no_regimen",
		AllergiesText: "multiple drug allergies documented",
	})
	require.NoError(t, err)
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, domain.ErrNoRegimen, resp.Error.Code)
}

func TestEngine_Recommend_RefuseOnNoRegimenFalseReturnsEmptyRecommendation(t *testing.T) {
	root := copyGuidelines(t)
	require.NoError(t, os.WriteFile(filepath.Join(root, "infections", "custom_no_regimen.json"), []byte(noRegimenSurvivesInfection), 0o644))
	addToLoadingOrder(t, root, "custom_no_regimen")

	e := engineWithGuidelines(t, root, domain.EngineConfig{RefuseOnNoRegimen: false})
	crcl := 90.0

	resp, err := e.Recommend(context.Background(), &domain.PatientCase{
		Age: 50, Sex: "F", WeightKg: 70, CrCl: &crcl,
		InfectionType: "custom_no_regimen",
		AllergiesText: "multiple drug allergies documented",
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Status)
	require.NotNil(t, resp.Recommendation)
	assert.Empty(t, resp.Recommendation.ChosenRegimen.Drugs)
	assert.NotEmpty(t, resp.Recommendation.Warnings)
}

func TestEngine_Recommend_IsDeterministic(t *testing.T) {
	e := testEngine(t)
	crcl := 85.0
	c := &domain.PatientCase{Age: 45, Sex: "F", WeightKg: 70, CrCl: &crcl, InfectionType: "pyelonephritis"}

	first, err := e.Recommend(context.Background(), c)
	require.NoError(t, err)
	second, err := e.Recommend(context.Background(), c)
	require.NoError(t, err)

	assert.Equal(t, drugIDs(first.Recommendation), drugIDs(second.Recommendation))
	assert.Equal(t, first.Recommendation.ChosenRegimen, second.Recommendation.ChosenRegimen)
}
