// Package kb loads and serves the guidelines corpus: infection records, drug
// records, and cross-cutting modifier rule sets (allergy, pregnancy, renal).
// The corpus is immutable once loaded; Reload swaps it in atomically and
// never serves a partially-loaded corpus.
package kb

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/acmg-amp-mcp-server/internal/domain"
)

// corpus is the immutable snapshot of the loaded guidelines directory.
type corpus struct {
	infections map[string]*domain.InfectionRecord
	drugs      map[string]*domain.DrugRecord
	allergy    []domain.AllergyRule
	pregnancy  *domain.PregnancyRuleSet
	renal      *domain.RenalAdjustmentRuleSet
	provenance domain.Provenance
	warnings   []string
}

// Store is the in-process, concurrency-safe knowledge base. Readers never
// block: Load/Reload build a brand new corpus and swap a single atomic
// pointer, so in-flight reads always see one fully-validated snapshot.
type Store struct {
	path    string
	current atomic.Pointer[corpus]
	log     *logrus.Logger
}

// NewStore loads the guidelines corpus at path and returns a ready Store.
// A partially invalid corpus is never served: Load collects every failure
// before returning a *domain.LoadError.
func NewStore(path string, log *logrus.Logger) (*Store, error) {
	s := &Store{path: path, log: log}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload re-reads the guidelines directory from disk and swaps it in only
// if the new corpus passes validation in full. A failed reload leaves the
// previously-served corpus untouched.
func (s *Store) Reload() error {
	c, err := load(s.path)
	if err != nil {
		return err
	}
	s.current.Store(c)
	if s.log != nil {
		s.log.WithFields(logrus.Fields{
			"path":      s.path,
			"infections": len(c.infections),
			"drugs":      len(c.drugs),
		}).Info("guidelines corpus loaded")
		for _, w := range c.warnings {
			s.log.Warn(w)
		}
	}
	return nil
}

// Validate re-runs cross-reference validation against the currently-served
// corpus and returns an aggregated *domain.LoadError if any check fails.
// Orphan drugs are logged as warnings, not reported as failures.
func (s *Store) Validate() error {
	c := s.current.Load()
	failures, warnings := validateCorpus(c)
	if s.log != nil {
		for _, w := range warnings {
			s.log.Warn(w)
		}
	}
	if len(failures) > 0 {
		return &domain.LoadError{Failures: failures}
	}
	return nil
}

func load(root string) (*corpus, error) {
	var failures []domain.LoadFailure

	indexPath := filepath.Join(root, "index.json")
	indexBytes, err := os.ReadFile(indexPath)
	if err != nil {
		return nil, &domain.LoadError{Failures: []domain.LoadFailure{
			{File: "index.json", Issue: err.Error()},
		}}
	}
	var index domain.IndexFile
	if err := json.Unmarshal(indexBytes, &index); err != nil {
		return nil, &domain.LoadError{Failures: []domain.LoadFailure{
			{File: "index.json", Issue: fmt.Sprintf("parse error: %v", err)},
		}}
	}

	infections := map[string]*domain.InfectionRecord{}
	for _, id := range index.LoadingOrder {
		f := filepath.Join(root, "infections", id+".json")
		rec, err := loadInfection(f)
		if err != nil {
			failures = append(failures, domain.LoadFailure{File: relName(root, f), Issue: err.Error()})
			continue
		}
		infections[rec.ID] = rec
	}

	drugs := map[string]*domain.DrugRecord{}
	for _, id := range index.DrugsLoadingOrder {
		f := filepath.Join(root, "drugs", id+".json")
		rec, err := loadDrug(f)
		if err != nil {
			failures = append(failures, domain.LoadFailure{File: relName(root, f), Issue: err.Error()})
			continue
		}
		if _, dup := drugs[rec.ID]; dup {
			failures = append(failures, domain.LoadFailure{
				File:  relName(root, f),
				Field: "id",
				Issue: fmt.Sprintf("duplicate drug id %q", rec.ID),
			})
			continue
		}
		drugs[rec.ID] = rec
	}

	allergySet, err := loadAllergyRules(filepath.Join(root, "modifiers", "allergy_rules.json"))
	if err != nil {
		failures = append(failures, domain.LoadFailure{File: "modifiers/allergy_rules.json", Issue: err.Error()})
	}

	pregnancy, err := loadPregnancyRules(filepath.Join(root, "modifiers", "pregnancy_rules.json"))
	if err != nil {
		failures = append(failures, domain.LoadFailure{File: "modifiers/pregnancy_rules.json", Issue: err.Error()})
	}

	renal, err := loadRenalRules(filepath.Join(root, "modifiers", "renal_adjustment_rules.json"))
	if err != nil {
		failures = append(failures, domain.LoadFailure{File: "modifiers/renal_adjustment_rules.json", Issue: err.Error()})
	}

	c := &corpus{infections: infections, drugs: drugs}

	// Cross-reference: every drug_id named by a regimen must resolve, and
	// every indication tag a drug's by_indication names must resolve to a
	// loaded infection. Orphan drugs (referenced by no regimen) are
	// collected separately as warnings, never as failures.
	refFailures, warnings := validateCorpus(c)
	failures = append(failures, refFailures...)

	if len(failures) > 0 {
		return nil, &domain.LoadError{Failures: failures}
	}

	drugVersions := map[string]string{}
	for id, d := range drugs {
		drugVersions[id] = d.Version
	}
	modifierVersions := map[string]string{
		"allergy_rules":            allergySet.Version,
		"pregnancy_rules":          pregnancy.Version,
		"renal_adjustment_rules":   renal.Version,
	}

	return &corpus{
		infections: infections,
		drugs:      drugs,
		allergy:    allergySet.Rules,
		pregnancy:  pregnancy,
		renal:      renal,
		provenance: domain.Provenance{
			DrugFileVersions: drugVersions,
			ModifierVersions: modifierVersions,
		},
		warnings: warnings,
	}, nil
}

// validateCorpus checks cross-reference integrity between infections and
// drugs (spec §4.1): every drug_id a regimen names must resolve, and every
// indication tag a drug's by_indication names must resolve to a loaded
// infection. Both are load failures. Drugs referenced by no regimen
// anywhere are reported back as warnings only — an unused drug record is
// not itself invalid.
func validateCorpus(c *corpus) (failures []domain.LoadFailure, warnings []string) {
	referenced := map[string]bool{}

	for id, inf := range c.infections {
		for ri, regimen := range inf.Regimens {
			for _, drugID := range regimen.DrugIDs {
				referenced[drugID] = true
				if _, ok := c.drugs[drugID]; !ok {
					failures = append(failures, domain.LoadFailure{
						File:  fmt.Sprintf("infections/%s.json", id),
						Field: fmt.Sprintf("regimens[%d].drug_ids", ri),
						Issue: fmt.Sprintf("references unknown drug %q", drugID),
					})
				}
			}
		}
	}

	for id, drug := range c.drugs {
		for tag := range drug.Dosing.ByIndication {
			if _, ok := c.infections[tag]; !ok {
				failures = append(failures, domain.LoadFailure{
					File:  fmt.Sprintf("drugs/%s.json", id),
					Field: "dosing.by_indication",
					Issue: fmt.Sprintf("references unknown indication %q", tag),
				})
			}
		}
		if !referenced[id] {
			warnings = append(warnings, fmt.Sprintf("drug %q is loaded but not referenced by any infection regimen", id))
		}
	}

	return failures, warnings
}

func relName(root, path string) string {
	r, err := filepath.Rel(root, path)
	if err != nil {
		return path
	}
	return r
}

func loadInfection(path string) (*domain.InfectionRecord, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var rec domain.InfectionRecord
	if err := json.Unmarshal(b, &rec); err != nil {
		return nil, fmt.Errorf("parse error: %w", err)
	}
	if rec.ID == "" {
		return nil, fmt.Errorf("missing required field \"id\"")
	}
	if len(rec.Regimens) == 0 {
		return nil, fmt.Errorf("infection %q has no regimens", rec.ID)
	}
	return &rec, nil
}

func loadDrug(path string) (*domain.DrugRecord, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var rec domain.DrugRecord
	if err := json.Unmarshal(b, &rec); err != nil {
		return nil, fmt.Errorf("parse error: %w", err)
	}
	if rec.ID == "" {
		return nil, fmt.Errorf("missing required field \"id\"")
	}
	if len(rec.Dosing.ByIndication) == 0 && rec.Dosing.Default == nil {
		return nil, fmt.Errorf("drug %q has no dosing information", rec.ID)
	}
	return &rec, nil
}

func loadAllergyRules(path string) (*domain.AllergyRuleSet, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var set domain.AllergyRuleSet
	if err := json.Unmarshal(b, &set); err != nil {
		return nil, fmt.Errorf("parse error: %w", err)
	}
	if len(set.Rules) == 0 {
		return nil, fmt.Errorf("no allergy rules defined")
	}
	return &set, nil
}

func loadPregnancyRules(path string) (*domain.PregnancyRuleSet, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var set domain.PregnancyRuleSet
	if err := json.Unmarshal(b, &set); err != nil {
		return nil, fmt.Errorf("parse error: %w", err)
	}
	return &set, nil
}

func loadRenalRules(path string) (*domain.RenalAdjustmentRuleSet, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var set domain.RenalAdjustmentRuleSet
	if err := json.Unmarshal(b, &set); err != nil {
		return nil, fmt.Errorf("parse error: %w", err)
	}
	return &set, nil
}

// GetInfection returns the infection record for id.
func (s *Store) GetInfection(id string) (*domain.InfectionRecord, error) {
	c := s.current.Load()
	rec, ok := c.infections[id]
	if !ok {
		return nil, domain.NewEngineError(domain.ErrUnknownInfection, fmt.Sprintf("unknown infection category %q", id), "", "")
	}
	return rec, nil
}

// GetDrug returns the drug record for id.
func (s *Store) GetDrug(id string) (*domain.DrugRecord, error) {
	c := s.current.Load()
	rec, ok := c.drugs[id]
	if !ok {
		return nil, domain.NewEngineError(domain.ErrUnknownDrug, fmt.Sprintf("unknown drug %q", id), "", "")
	}
	return rec, nil
}

// AllergyRules returns the ordered allergy classification rules.
func (s *Store) AllergyRules() []domain.AllergyRule {
	return s.current.Load().allergy
}

// PregnancyRules returns the pregnancy contraindication rule set.
func (s *Store) PregnancyRules() *domain.PregnancyRuleSet {
	return s.current.Load().pregnancy
}

// RenalRules returns the centralized renal adjustment rule set.
func (s *Store) RenalRules() *domain.RenalAdjustmentRuleSet {
	return s.current.Load().renal
}

// Provenance returns the file versions backing the currently-served corpus.
func (s *Store) Provenance() domain.Provenance {
	return s.current.Load().provenance
}

var _ domain.KnowledgeBase = (*Store)(nil)
