// Package classify implements the allergy and infection classifiers: the
// pure, deterministic mappings from patient-case free text onto the
// canonical enums the rest of the engine operates on.
package classify

import "strings"

import "github.com/acmg-amp-mcp-server/internal/domain"

// AllergyClassifier maps free-text allergy history onto an AllergySeverity
// by scanning the knowledge base's ordered rule list for a keyword match.
// Rule order is significant: severe rules are listed ahead of mild ones in
// modifiers/allergy_rules.json, so the first match wins ties.
type AllergyClassifier struct {
	kb                         domain.KnowledgeBase
	conservativeAllergyDefault bool
}

// NewAllergyClassifier builds an AllergyClassifier. When
// conservativeAllergyDefault is true, ambiguous text mentioning an allergy
// without a recognized keyword classifies as AllergyMultiple rather than
// AllergyNone (spec invariant: never under-call an allergy).
func NewAllergyClassifier(kb domain.KnowledgeBase, conservativeAllergyDefault bool) *AllergyClassifier {
	return &AllergyClassifier{kb: kb, conservativeAllergyDefault: conservativeAllergyDefault}
}

// Classify returns the severity bucket for allergiesText.
func (c *AllergyClassifier) Classify(allergiesText string) domain.AllergySeverity {
	text := strings.ToLower(strings.TrimSpace(allergiesText))
	if text == "" || isExplicitNone(text) {
		return domain.AllergyNone
	}

	for _, rule := range c.kb.AllergyRules() {
		for _, kw := range rule.KeywordList {
			if strings.Contains(text, strings.ToLower(kw)) {
				return rule.Severity
			}
		}
	}

	if c.conservativeAllergyDefault {
		return domain.AllergyMultiple
	}
	return domain.AllergyNone
}

// MatchedExplicitRule reports whether allergiesText matched a named keyword
// rule rather than falling through to the conservative default. The engine
// uses this to decide whether "treated conservatively" belongs in warnings.
func (c *AllergyClassifier) MatchedExplicitRule(allergiesText string) bool {
	text := strings.ToLower(strings.TrimSpace(allergiesText))
	if text == "" || isExplicitNone(text) {
		return true
	}
	for _, rule := range c.kb.AllergyRules() {
		for _, kw := range rule.KeywordList {
			if strings.Contains(text, strings.ToLower(kw)) {
				return true
			}
		}
	}
	return false
}

var noneMarkers = []string{"nkda", "none", "no known", "no allerg", "denies allerg"}

func isExplicitNone(text string) bool {
	for _, m := range noneMarkers {
		if strings.Contains(text, m) {
			return true
		}
	}
	return false
}

var _ domain.AllergyClassifier = (*AllergyClassifier)(nil)
