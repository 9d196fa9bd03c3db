package classify

import (
	"regexp"
	"strings"

	"github.com/acmg-amp-mcp-server/internal/domain"
)

// InfectionClassifier maps a PatientCase onto a single InfectionCategory
// following the fixed promotion order from spec §4.3: UTI promotes to
// pyelonephritis or cystitis on fever, bacteremia promotes to
// bacteremia_mrsa on an MRSA risk marker, and pneumonia promotes to
// hap/vap/aspiration/cap depending on hospital-onset and ventilation
// signals. Pregnancy is carried separately via risk_factors and never
// folded into the category.
type InfectionClassifier struct {
	kb domain.KnowledgeBase
}

// NewInfectionClassifier builds an InfectionClassifier.
func NewInfectionClassifier(kb domain.KnowledgeBase) *InfectionClassifier {
	return &InfectionClassifier{kb: kb}
}

// nosocomialOnsetHours is the hospital-onset threshold (spec §4.3) above
// which a pneumonia is hospital-acquired rather than community-acquired.
const nosocomialOnsetHours = 48

var punctuation = regexp.MustCompile(`[^a-z0-9 _-]+`)

var wordSeparator = regexp.MustCompile(`[ -]+`)

var utiSynonyms = map[string]bool{
	"uti": true, "urinary tract infection": true, "urinary tract infxn": true,
}

var pneumoniaSynonyms = map[string]bool{
	"pneumonia": true, "pna": true,
}

var bacteremiaSynonyms = map[string]bool{
	"bacteremia": true, "bsi": true, "bloodstream infection": true,
}

var febrileMarkers = []string{"fever", "febrile", "flank pain"}

var mrsaRiskMarkers = []string{"mrsa_colonization", "mrsa", "central_line"}

var aspirationMarkers = []string{"aspiration", "witnessed aspiration", "altered mental status"}

// normalize lowercases, strips punctuation, and maps known synonyms.
func normalize(infectionType string) string {
	n := punctuation.ReplaceAllString(strings.ToLower(strings.TrimSpace(infectionType)), "")
	n = strings.TrimSpace(n)
	if utiSynonyms[n] {
		return "uti"
	}
	if pneumoniaSynonyms[n] {
		return "pneumonia"
	}
	if bacteremiaSynonyms[n] {
		return "bacteremia"
	}
	return wordSeparator.ReplaceAllString(n, "_")
}

func containsAny(haystack string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(haystack, m) {
			return true
		}
	}
	return false
}

func hasMRSARisk(c *domain.PatientCase) bool {
	for _, rf := range c.RiskFactors {
		if containsAny(strings.ToLower(rf), mrsaRiskMarkers) {
			return true
		}
	}
	for _, pr := range c.PriorResistance {
		if strings.Contains(strings.ToLower(pr), "mrsa") {
			return true
		}
	}
	if strings.EqualFold(c.Location, "icu") && containsAny(strings.ToLower(strings.Join(c.RiskFactors, " ")), []string{"central_line", "central line"}) {
		return true
	}
	return false
}

// Classify returns c's infection category, or ErrUnclassifiedInfection if
// no category's rules match.
func (ic *InfectionClassifier) Classify(c *domain.PatientCase) (domain.InfectionCategory, error) {
	normalized := normalize(c.InfectionType)
	symptoms := strings.ToLower(c.SymptomsText)

	switch {
	case normalized == "uti":
		if c.Fever || containsAny(symptoms, febrileMarkers) {
			return ic.confirm(domain.Pyelonephritis, c.InfectionType)
		}
		return ic.confirm(domain.Cystitis, c.InfectionType)

	case normalized == "bacteremia":
		if hasMRSARisk(c) {
			return ic.confirm(domain.BacteremiaMRSA, c.InfectionType)
		}
		return ic.confirm(domain.Bacteremia, c.InfectionType)

	case normalized == "pneumonia":
		switch {
		case c.HospitalOnsetHours >= nosocomialOnsetHours && c.MechanicalVentilation:
			return ic.confirm(domain.VAP, c.InfectionType)
		case c.HospitalOnsetHours >= nosocomialOnsetHours:
			return ic.confirm(domain.HAP, c.InfectionType)
		case containsAny(symptoms, aspirationMarkers):
			return ic.confirm(domain.Aspiration, c.InfectionType)
		default:
			return ic.confirm(domain.CAP, c.InfectionType)
		}
	}

	if cat := domain.InfectionCategory(normalized); ic.known(cat) {
		return ic.confirm(cat, c.InfectionType)
	}

	return "", domain.NewEngineError(
		domain.ErrUnclassifiedInfection,
		"could not classify infection type from the supplied case",
		normalized,
		"",
	)
}

func (ic *InfectionClassifier) known(cat domain.InfectionCategory) bool {
	rec, err := ic.kb.GetInfection(string(cat))
	return err == nil && rec != nil
}

func (ic *InfectionClassifier) confirm(cat domain.InfectionCategory, original string) (domain.InfectionCategory, error) {
	if !ic.known(cat) {
		return "", domain.NewEngineError(
			domain.ErrUnclassifiedInfection,
			"mapped category is not present in the loaded knowledge base",
			string(cat),
			"",
		)
	}
	return cat, nil
}

var _ domain.InfectionClassifier = (*InfectionClassifier)(nil)
