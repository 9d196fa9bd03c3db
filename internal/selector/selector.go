// Package selector implements the DrugSelector: the ordered, declarative
// filter pipeline that narrows an infection's candidate regimens down to
// the one regimen a recommendation may use (spec §4.4). Each filter is a
// pure function; composition is linear so every rejection can be
// attributed to a specific stage for a human reviewer.
package selector

import (
	"strconv"
	"strings"

	"github.com/acmg-amp-mcp-server/internal/domain"
)

// Selector is the default DrugSelector implementation.
type Selector struct{}

// New builds a Selector.
func New() *Selector {
	return &Selector{}
}

// Select runs the filter pipeline for one classified case and returns the
// surviving regimen, or ErrNoRegimen with the per-stage rejections.
func (s *Selector) Select(kb domain.KnowledgeBase, c *domain.PatientCase, infection domain.InfectionCategory, allergy domain.AllergySeverity) (*domain.Regimen, []domain.FilterRejection, error) {
	rec, err := kb.GetInfection(string(infection))
	if err != nil {
		return nil, nil, err
	}

	candidates := append([]domain.Regimen(nil), rec.Regimens...)
	var rejections []domain.FilterRejection

	// Stage 1: allergy_status match.
	candidates, rej := filterByAllergy(candidates, allergy)
	rejections = append(rejections, rej...)

	// Stage 2: forbidden-class belt-and-braces check (invariant 1; must
	// run even though a consistent KB should make it redundant).
	forbidden := forbiddenClassesFor(kb, allergy)
	candidates, rej = filterByForbiddenClass(kb, candidates, forbidden)
	rejections = append(rejections, rej...)

	// Stage 3: pregnancy contraindication.
	pregnant, trimester := parsePregnancy(c.RiskFactors)
	if pregnant {
		candidates, rej = filterByPregnancy(kb, candidates, trimester)
		rejections = append(rejections, rej...)
	}

	// Stage 4: route requirement.
	if rec.ClassificationRules.RouteRequired != "" {
		candidates, rej = filterByRoute(kb, candidates, rec.ClassificationRules.RouteRequired)
		rejections = append(rejections, rej...)
	}

	if len(candidates) == 0 {
		return nil, rejections, &domain.NoRegimenError{InfectionCategory: infection, RemovedBy: rejections}
	}

	// Stage 5: KB-declared preference order — first survivor among the
	// original ordering wins.
	for i := range rec.Regimens {
		for j := range candidates {
			if sameRegimen(rec.Regimens[i], candidates[j]) {
				chosen := candidates[j]
				return &chosen, nil, nil
			}
		}
	}

	return &candidates[0], nil, nil
}

func sameRegimen(a, b domain.Regimen) bool {
	if len(a.DrugIDs) != len(b.DrugIDs) {
		return false
	}
	for i := range a.DrugIDs {
		if a.DrugIDs[i] != b.DrugIDs[i] {
			return false
		}
	}
	return a.AllergyStatus == b.AllergyStatus && a.PregnancyStatus == b.PregnancyStatus
}

func filterByAllergy(regimens []domain.Regimen, allergy domain.AllergySeverity) ([]domain.Regimen, []domain.FilterRejection) {
	var kept []domain.Regimen
	var rejections []domain.FilterRejection
	for _, r := range regimens {
		if r.AllergyStatus == "any" || r.AllergyStatus == allergy || (allergy == domain.AllergyNone && r.AllergyStatus == "no_allergy") {
			kept = append(kept, r)
			continue
		}
		rejections = append(rejections, domain.FilterRejection{
			Stage:   "allergy",
			DrugIDs: r.DrugIDs,
			Reason:  "regimen allergy_status " + string(r.AllergyStatus) + " does not match classified " + string(allergy),
		})
	}
	return kept, rejections
}

func forbiddenClassesFor(kb domain.KnowledgeBase, allergy domain.AllergySeverity) map[string]bool {
	forbidden := map[string]bool{}
	for _, rule := range kb.AllergyRules() {
		if rule.Severity == allergy {
			for _, class := range rule.ForbiddenClasses {
				forbidden[class] = true
			}
			break
		}
	}
	return forbidden
}

func filterByForbiddenClass(kb domain.KnowledgeBase, regimens []domain.Regimen, forbidden map[string]bool) ([]domain.Regimen, []domain.FilterRejection) {
	if len(forbidden) == 0 {
		return regimens, nil
	}
	var kept []domain.Regimen
	var rejections []domain.FilterRejection
	for _, r := range regimens {
		bad := false
		for _, drugID := range r.DrugIDs {
			drug, err := kb.GetDrug(drugID)
			if err != nil {
				bad = true
				break
			}
			if forbidden[drug.DrugClass] {
				bad = true
				break
			}
		}
		if bad {
			rejections = append(rejections, domain.FilterRejection{
				Stage:   "forbidden_class",
				DrugIDs: r.DrugIDs,
				Reason:  "regimen contains a drug class forbidden for this allergy classification",
			})
			continue
		}
		kept = append(kept, r)
	}
	return kept, rejections
}

func filterByPregnancy(kb domain.KnowledgeBase, regimens []domain.Regimen, trimester int) ([]domain.Regimen, []domain.FilterRejection) {
	rules := kb.PregnancyRules()
	if rules == nil || len(rules.Contraindicated) == 0 {
		return regimens, nil
	}
	var kept []domain.Regimen
	var rejections []domain.FilterRejection
	for _, r := range regimens {
		bad := false
		for _, drugID := range r.DrugIDs {
			drug, err := kb.GetDrug(drugID)
			if err != nil {
				bad = true
				break
			}
			if contraindicatedInPregnancy(rules, drug, trimester) {
				bad = true
				break
			}
		}
		if bad {
			rejections = append(rejections, domain.FilterRejection{
				Stage:   "pregnancy",
				DrugIDs: r.DrugIDs,
				Reason:  "regimen contains a drug contraindicated in pregnancy",
			})
			continue
		}
		kept = append(kept, r)
	}
	return kept, rejections
}

func contraindicatedInPregnancy(rules *domain.PregnancyRuleSet, drug *domain.DrugRecord, trimester int) bool {
	for _, key := range []string{drug.ID, drug.DrugClass} {
		c, ok := rules.Contraindicated[key]
		if !ok {
			continue
		}
		if c.AllTrimesters {
			return true
		}
		if trimester == 0 {
			// Trimester unspecified but pregnancy flagged: treat any
			// trimester-scoped contraindication as applicable.
			return len(c.Trimesters) > 0
		}
		for _, t := range c.Trimesters {
			if t == trimester {
				return true
			}
		}
	}
	return false
}

// ParsePregnancy exposes parsePregnancy for callers outside this package.
func ParsePregnancy(riskFactors []string) (pregnant bool, trimester int) {
	return parsePregnancy(riskFactors)
}

// parsePregnancy scans risk_factors for a "pregnancy" marker and an
// optional trimester suffix, e.g. "pregnancy_2nd_trimester".
func parsePregnancy(riskFactors []string) (pregnant bool, trimester int) {
	for _, rf := range riskFactors {
		lower := strings.ToLower(rf)
		if !strings.HasPrefix(lower, "pregnancy") {
			continue
		}
		pregnant = true
		switch {
		case strings.Contains(lower, "1st"):
			trimester = 1
		case strings.Contains(lower, "2nd"):
			trimester = 2
		case strings.Contains(lower, "3rd"):
			trimester = 3
		default:
			if n, err := strconv.Atoi(extractDigits(lower)); err == nil {
				trimester = n
			}
		}
	}
	return pregnant, trimester
}

func extractDigits(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func filterByRoute(kb domain.KnowledgeBase, regimens []domain.Regimen, required domain.Route) ([]domain.Regimen, []domain.FilterRejection) {
	var kept []domain.Regimen
	var rejections []domain.FilterRejection
	for _, r := range regimens {
		ok := true
		for _, drugID := range r.DrugIDs {
			drug, err := kb.GetDrug(drugID)
			if err != nil {
				ok = false
				break
			}
			if !supportsRoute(drug.Routes, required) {
				ok = false
				break
			}
		}
		if !ok {
			rejections = append(rejections, domain.FilterRejection{
				Stage:   "route",
				DrugIDs: r.DrugIDs,
				Reason:  "regimen cannot satisfy required route " + string(required),
			})
			continue
		}
		kept = append(kept, r)
	}
	return kept, rejections
}

func supportsRoute(routes []domain.Route, required domain.Route) bool {
	for _, r := range routes {
		if r == required {
			return true
		}
	}
	return false
}

// ChosenRoute picks the route to administer a drug under a regimen,
// preferring IV when both the drug and the regimen's preferred route
// allow it (spec §4.4 step 5).
func ChosenRoute(drug *domain.DrugRecord, regimen *domain.Regimen) domain.Route {
	if regimen.PreferredRoute != "" && supportsRoute(drug.Routes, regimen.PreferredRoute) {
		if regimen.PreferredRoute == domain.RouteIV {
			return domain.RouteIV
		}
	}
	if supportsRoute(drug.Routes, domain.RouteIV) {
		return domain.RouteIV
	}
	if regimen.PreferredRoute != "" && supportsRoute(drug.Routes, regimen.PreferredRoute) {
		return regimen.PreferredRoute
	}
	if len(drug.Routes) > 0 {
		return drug.Routes[0]
	}
	return ""
}

var _ domain.DrugSelector = (*Selector)(nil)
