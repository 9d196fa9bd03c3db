// Package dosing implements the DoseCalculator: per-drug dose computation
// with weight-basis selection, renal adjustment, loading-dose policy, and
// dose-range rounding (spec §4.5).
package dosing

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/acmg-amp-mcp-server/internal/domain"
	"github.com/acmg-amp-mcp-server/internal/selector"
)

// Calculator is the default DoseCalculator implementation.
type Calculator struct{}

// New builds a Calculator.
func New() *Calculator {
	return &Calculator{}
}

// devineHeightOffsetIn is the height, in inches, above which each
// additional inch adds 2.3 kg to ideal body weight (Devine formula).
const devineHeightOffsetIn = 60.0

// Calculate computes doses for every drug in regimen and returns the
// assembled ChosenRegimen. The returned warnings slice is always empty:
// weight source, renal adjustment applied, etc. are recorded on each
// RegimenDrug instead.
func (calc *Calculator) Calculate(kb domain.KnowledgeBase, c *domain.PatientCase, infection domain.InfectionCategory, regimen *domain.Regimen) (domain.ChosenRegimen, []string, error) {
	rec, err := kb.GetInfection(string(infection))
	if err != nil {
		return domain.ChosenRegimen{}, nil, err
	}

	crcl, band, err := resolveRenalBand(c)
	if err != nil {
		return domain.ChosenRegimen{}, nil, err
	}
	_ = crcl

	var warnings []string
	var drugs []domain.RegimenDrug

	for _, drugID := range regimen.DrugIDs {
		drug, err := kb.GetDrug(drugID)
		if err != nil {
			return domain.ChosenRegimen{}, nil, err
		}

		block, indicationTag, err := pickDoseBlock(drug, string(infection))
		if err != nil {
			return domain.ChosenRegimen{}, nil, err
		}

		basis, weightKg := selectWeight(c, drug)

		low, high, perKg, ok := parseDose(block.Dose)
		doseLowMg, doseHighMg := low, high
		if ok && perKg {
			doseLowMg = roundMg(low * weightKg)
			doseHighMg = roundMg(high * weightKg)
		}

		route := block.Route
		if route == "" {
			route = selector.ChosenRoute(drug, regimen)
		}

		renalAdjusted := false
		frequency := block.Frequency
		doseDisplay := block.Dose
		if drug.RenalAdjustment.Required {
			override, ok := drug.RenalAdjustment.ByCrClBand[band]
			if !ok {
				return domain.ChosenRegimen{}, nil, domain.NewEngineError(
					domain.ErrRenalBandMissing,
					fmt.Sprintf("drug %q requires renal adjustment but has no entry for band %q", drug.ID, band),
					"",
					"",
				)
			}
			if !override.NoAdjustment {
				if override.DoseOverride != "" {
					doseDisplay = override.DoseOverride
					if l, h, pk, ok := parseDose(override.DoseOverride); ok {
						doseLowMg, doseHighMg = l, h
						if pk {
							doseLowMg = roundMg(l * weightKg)
							doseHighMg = roundMg(h * weightKg)
						}
					}
					renalAdjusted = true
				}
				if override.FrequencyOverride != "" {
					frequency = override.FrequencyOverride
					renalAdjusted = true
				}
			}
		}

		var loadingDose *domain.LoadingDose
		if block.LoadingDose != nil {
			loadingDose = computeLoadingDose(block.LoadingDose, weightKg)
		}

		rd := domain.RegimenDrug{
			DrugID:        drug.ID,
			Dose:          doseDisplay,
			DoseLowMg:     doseLowMg,
			DoseHighMg:    doseHighMg,
			Frequency:     frequency,
			Route:         route,
			LoadingDose:   loadingDose,
			Monitoring:    drug.Monitoring,
			Rationale:     regimen.Rationale,
			WeightBasis:   basis,
			RenalBand:     band,
			RenalAdjusted: renalAdjusted,
		}
		drugs = append(drugs, rd)
		_ = indicationTag
	}

	return domain.ChosenRegimen{
		Drugs:         drugs,
		TotalDuration: rec.DefaultDuration,
		IndicationTag: string(infection),
	}, warnings, nil
}

func pickDoseBlock(drug *domain.DrugRecord, indicationTag string) (domain.DoseBlock, string, error) {
	if block, ok := drug.Dosing.ByIndication[indicationTag]; ok {
		return block, indicationTag, nil
	}
	if drug.Dosing.Default != nil {
		return *drug.Dosing.Default, indicationTag, nil
	}
	return domain.DoseBlock{}, "", domain.NewEngineError(
		domain.ErrNoDose,
		fmt.Sprintf("drug %q has no dose defined for indication %q and no default", drug.ID, indicationTag),
		"",
		"",
	)
}

func computeLoadingDose(ld *domain.LoadingDose, weightKg float64) *domain.LoadingDose {
	low, high, perKg, ok := parseDose(ld.Dose)
	if !ok || !perKg {
		return &domain.LoadingDose{Dose: ld.Dose, Frequency: ld.Frequency}
	}
	lowMg := roundMg(low * weightKg)
	highMg := roundMg(high * weightKg)
	dose := formatRange(lowMg, highMg, "mg")
	return &domain.LoadingDose{Dose: dose, Frequency: ld.Frequency}
}

// ResolveRenalBand exposes resolveRenalBand for callers outside this
// package (the engine needs the band to decide on a "severe renal
// impairment" warning without recomputing Cockcroft-Gault itself).
func ResolveRenalBand(c *domain.PatientCase) (float64, domain.RenalBand, error) {
	return resolveRenalBand(c)
}

// resolveRenalBand computes CrCl (via Cockcroft-Gault when not supplied
// directly) and the banding used for renal-adjustment lookups. HD/CVVHDF
// flags win over the numeric CrCl value (spec §4.5 step 3).
func resolveRenalBand(c *domain.PatientCase) (float64, domain.RenalBand, error) {
	if c.OnCVVHDF {
		return 0, domain.RenalCVVHDF, nil
	}
	if c.OnHemodialysis {
		return 0, domain.RenalHD, nil
	}

	var crcl float64
	if c.CrCl != nil {
		crcl = *c.CrCl
	} else {
		if c.Creatinine <= 0 {
			return 0, "", domain.NewEngineError(
				domain.ErrBadCase,
				"crcl not supplied and insufficient data (creatinine, age, sex, weight) to compute it",
				"",
				"",
			)
		}
		crcl = cockcroftGault(c)
	}

	switch {
	case crcl > 50:
		return crcl, domain.RenalAbove50, nil
	case crcl >= 30:
		return crcl, domain.Renal30To50, nil
	case crcl >= 10:
		return crcl, domain.Renal10To29, nil
	default:
		return crcl, domain.RenalBelow10, nil
	}
}

// cockcroftGault estimates creatinine clearance using actual body weight
// capped at ideal body weight (the resolved Open Question for this
// engine), with unrounded serum creatinine.
func cockcroftGault(c *domain.PatientCase) float64 {
	weight := c.WeightKg
	if ibw, ok := idealBodyWeight(c); ok && weight > ibw {
		weight = ibw
	}
	crcl := (float64(140-c.Age) * weight) / (72 * c.Creatinine)
	if strings.EqualFold(c.Sex, "F") {
		crcl *= 0.85
	}
	if crcl < 0 {
		crcl = 0
	}
	return crcl
}

func idealBodyWeight(c *domain.PatientCase) (float64, bool) {
	if c.HeightCm <= 0 {
		return 0, false
	}
	heightIn := c.HeightCm / 2.54
	base := 45.5
	if strings.EqualFold(c.Sex, "M") {
		base = 50.0
	}
	ibw := base + 2.3*(heightIn-devineHeightOffsetIn)
	if ibw <= 0 {
		return c.WeightKg, true
	}
	return ibw, true
}

// selectWeight implements the IBW/TBW/AdjBW decision tree from spec §4.5
// step 2, honoring a drug-declared BMI-threshold override.
func selectWeight(c *domain.PatientCase, drug *domain.DrugRecord) (domain.WeightBasis, float64) {
	tbw := c.WeightKg
	ibw, haveHeight := idealBodyWeight(c)
	if !haveHeight {
		return domain.WeightTBW, tbw
	}

	if drug.WeightBasisOverride != nil {
		bmi := bmiOf(c)
		if bmi >= drug.WeightBasisOverride.BMIAtOrAbove {
			switch drug.WeightBasisOverride.UseBasis {
			case domain.WeightAdjBW:
				return domain.WeightAdjBW, ibw + 0.4*(tbw-ibw)
			case domain.WeightTBW:
				return domain.WeightTBW, tbw
			case domain.WeightIBW:
				return domain.WeightIBW, ibw
			}
		}
	}

	switch {
	case tbw < ibw:
		return domain.WeightTBW, tbw
	case tbw > 1.2*ibw:
		return domain.WeightAdjBW, ibw + 0.4*(tbw-ibw)
	default:
		return domain.WeightIBW, ibw
	}
}

func bmiOf(c *domain.PatientCase) float64 {
	if c.HeightCm <= 0 {
		return 0
	}
	heightM := c.HeightCm / 100
	return c.WeightKg / (heightM * heightM)
}

var doseRegexp = regexp.MustCompile(`(?i)^\s*(\d+(?:\.\d+)?)\s*(?:-|–|to)?\s*(\d+(?:\.\d+)?)?\s*(mg|g|mcg)\s*(?:/\s*kg)?\s*`)

// parseDose extracts the numeric low/high endpoints (in mg) and whether
// the dose is weight-based (mg/kg) from a free-text dose string such as
// "1 g", "15-20 mg/kg", or "2 g".
func parseDose(dose string) (lowMg, highMg float64, perKg bool, ok bool) {
	m := doseRegexp.FindStringSubmatch(dose)
	if m == nil {
		return 0, 0, false, false
	}
	low, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, 0, false, false
	}
	high := low
	if m[2] != "" {
		if h, err := strconv.ParseFloat(m[2], 64); err == nil {
			high = h
		}
	}
	unit := strings.ToLower(m[3])
	switch unit {
	case "g":
		low *= 1000
		high *= 1000
	case "mcg":
		low /= 1000
		high /= 1000
	}
	perKg = strings.Contains(strings.ToLower(dose), "/kg")
	return low, high, perKg, true
}

func roundMg(v float64) float64 {
	return math.Round(v)
}

func formatRange(low, high float64, unit string) string {
	if low == high {
		return fmt.Sprintf("%s %s", trimTrailingZero(low), unit)
	}
	return fmt.Sprintf("%s-%s %s", trimTrailingZero(low), trimTrailingZero(high), unit)
}

func trimTrailingZero(v float64) string {
	s := strconv.FormatFloat(v, 'f', -1, 64)
	return s
}

var _ domain.DoseCalculator = (*Calculator)(nil)
