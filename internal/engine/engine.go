// Package engine implements the RecommendationEngine: it composes
// classification, selection, and dosing into one recommendation, assembles
// warnings and a confidence score, and emits a de-identified audit record
// (spec §4.6).
package engine

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/acmg-amp-mcp-server/internal/domain"
	"github.com/acmg-amp-mcp-server/internal/dosing"
	"github.com/acmg-amp-mcp-server/internal/selector"
)

// EngineVersion is the recommendation engine's own semantic version,
// recorded on every response independent of guidelines corpus versions.
const EngineVersion = "1.0.0"

// Engine is the default RecommendationEngine implementation.
type Engine struct {
	kb        domain.KnowledgeBase
	allergy   domain.AllergyClassifier
	infection domain.InfectionClassifier
	selector  domain.DrugSelector
	dosing    domain.DoseCalculator

	cfg domain.EngineConfig
	log *logrus.Logger

	auditDir      string
	auditMu       sync.Mutex
	auditFileLock map[string]*sync.Mutex

	// repo persists recommendation audit records for later querying, a
	// supplement to the mandatory JSONL log. Nil disables the supplement.
	repo domain.RecommendationRepository

	// narrative composes user-facing prose from a completed
	// recommendation. Nil disables the supplement; a failure here never
	// blocks the response (spec §9, "LLM as formatter only").
	narrative domain.NarrativeFormatter

	// onRecommendation, if set, fires after a successful recommendation
	// is assembled and audited — the hook the websocket audit feed
	// subscribes through, kept out of this package's concerns.
	onRecommendation func(*domain.Recommendation)

	// onReload, if set, fires after a successful KnowledgeBase.Reload —
	// the hook a front-of-selector cache uses to invalidate itself.
	onReload func()
}

// New builds an Engine from its required collaborators. repo and
// narrative may be nil; onRecommendation may be nil.
func New(
	kb domain.KnowledgeBase,
	allergy domain.AllergyClassifier,
	infection domain.InfectionClassifier,
	sel domain.DrugSelector,
	dose domain.DoseCalculator,
	cfg domain.EngineConfig,
	log *logrus.Logger,
) (*Engine, error) {
	if err := os.MkdirAll(cfg.AuditPath, 0o755); err != nil {
		return nil, fmt.Errorf("creating audit directory: %w", err)
	}
	return &Engine{
		kb:            kb,
		allergy:       allergy,
		infection:     infection,
		selector:      sel,
		dosing:        dose,
		cfg:           cfg,
		log:           log,
		auditDir:      cfg.AuditPath,
		auditFileLock: map[string]*sync.Mutex{},
	}, nil
}

// SetRepository attaches the optional recommendation audit-history store.
func (e *Engine) SetRepository(repo domain.RecommendationRepository) { e.repo = repo }

// SetNarrativeFormatter attaches the optional narrative-prose formatter.
func (e *Engine) SetNarrativeFormatter(n domain.NarrativeFormatter) { e.narrative = n }

// OnRecommendation registers a hook invoked with every successfully
// assembled recommendation, after it has been audited.
func (e *Engine) OnRecommendation(fn func(*domain.Recommendation)) { e.onRecommendation = fn }

// OnReload registers a hook invoked after a successful Reload.
func (e *Engine) OnReload(fn func()) { e.onReload = fn }

// Reload re-reads the guidelines corpus from disk and, on success, runs any
// registered cache-invalidation hook. In-flight requests keep using the
// previously-served corpus (spec §5); only new requests see the reload.
func (e *Engine) Reload() error {
	if err := e.kb.Reload(); err != nil {
		return err
	}
	if e.onReload != nil {
		e.onReload()
	}
	return nil
}

// Recommend runs the full pipeline for one patient case (spec §4.6).
func (e *Engine) Recommend(ctx context.Context, c *domain.PatientCase) (*domain.RecommendationResponse, error) {
	start := time.Now()
	requestID := uuid.NewString()
	provenance := e.kb.Provenance()
	var renalBand domain.RenalBand

	if err := validateCase(c); err != nil {
		return e.errorResponse(requestID, provenance, c, renalBand, start, err), nil
	}

	allergyClass := e.allergy.Classify(c.AllergiesText)

	infectionCategory, err := e.infection.Classify(c)
	if err != nil {
		return e.errorResponse(requestID, provenance, c, renalBand, start, err), nil
	}

	pregnant, trimester := selector.ParsePregnancy(c.RiskFactors)
	_, renalBand, err = dosing.ResolveRenalBand(c)
	if err != nil {
		return e.errorResponse(requestID, provenance, c, renalBand, start, err), nil
	}

	regimen, rejections, err := e.selector.Select(e.kb, c, infectionCategory, allergyClass)
	if err != nil {
		nre, ok := err.(*domain.NoRegimenError)
		if !ok {
			return e.errorResponse(requestID, provenance, c, renalBand, start, err), nil
		}
		if e.cfg.RefuseOnNoRegimen {
			return e.noRegimenResponse(requestID, provenance, c, renalBand, start, nre, rejections), nil
		}
		return e.emptyRegimenResponse(requestID, provenance, c, renalBand, start, nre), nil
	}

	chosen, _, err := e.dosing.Calculate(e.kb, c, infectionCategory, regimen)
	if err != nil {
		return e.errorResponse(requestID, provenance, c, renalBand, start, err), nil
	}

	infRec, err := e.kb.GetInfection(string(infectionCategory))
	if err != nil {
		return e.errorResponse(requestID, provenance, c, renalBand, start, err), nil
	}
	provenance.InfectionFileVersion = infRec.Version

	warnings, confidence := e.assembleWarnings(c, infRec, pregnant, trimester, renalBand)

	rec := &domain.Recommendation{
		RequestID:              requestID,
		EngineVersion:           EngineVersion,
		InfectionCategory:       infectionCategory,
		AllergyClassification:   allergyClass,
		ChosenRegimen:           chosen,
		Warnings:                warnings,
		Confidence:              confidence,
		Provenance:              provenance,
		EmittedAt:               time.Now().UTC(),
	}
	if pregnant {
		rec.PregnancyState = pregnancyStateLabel(trimester)
	}

	e.auditRecommendation("ok", rec, c, renalBand, start, nil)

	if e.repo != nil {
		if err := e.repo.Save(ctx, rec); err != nil && e.log != nil {
			e.log.WithError(err).WithField("request_id", requestID).Warn("failed to persist recommendation to audit-history store")
		}
	}
	if e.onRecommendation != nil {
		e.onRecommendation(rec)
	}

	return &domain.RecommendationResponse{
		Status:         "ok",
		RequestID:      requestID,
		EngineVersion:  EngineVersion,
		Provenance:     provenance,
		Recommendation: rec,
	}, nil
}

// Narrate asks the optional narrative formatter for user-facing prose. It
// is never called automatically by Recommend — the narrative layer has no
// authority over clinical content and a caller opts in explicitly.
func (e *Engine) Narrate(ctx context.Context, rec *domain.Recommendation) (string, error) {
	if e.narrative == nil {
		return "", fmt.Errorf("narrative formatter not configured")
	}
	return e.narrative.Format(ctx, rec)
}

func pregnancyStateLabel(trimester int) string {
	switch trimester {
	case 1, 2, 3:
		return fmt.Sprintf("pregnant_trimester_%d", trimester)
	default:
		return "pregnant_trimester_unspecified"
	}
}

// validateCase enforces the minimum shape spec §4.6 step 1 requires.
func validateCase(c *domain.PatientCase) error {
	if c.Age <= 0 {
		return domain.NewEngineError(domain.ErrBadCase, "patient case is missing a valid age", "", "")
	}
	if c.InfectionType == "" {
		return domain.NewEngineError(domain.ErrBadCase, "patient case is missing infection_type", "", "")
	}
	if c.WeightKg <= 0 {
		return domain.NewEngineError(domain.ErrBadCase, "patient case is missing weight_kg", "", "")
	}
	if c.CrCl == nil && !c.OnHemodialysis && !c.OnCVVHDF && c.Creatinine <= 0 {
		return domain.NewEngineError(domain.ErrBadCase, "patient case supplies neither crcl nor the creatinine/age/sex/weight needed to compute it", "", "")
	}
	if c.Sex == "" {
		return domain.NewEngineError(domain.ErrBadCase, "patient case is missing sex", "", "")
	}
	return nil
}

// assembleWarnings implements spec §4.6 steps 4-5.
func (e *Engine) assembleWarnings(c *domain.PatientCase, infRec *domain.InfectionRecord, pregnant bool, trimester int, renalBand domain.RenalBand) ([]string, float64) {
	var warnings []string
	confidence := 0.9

	if c.Age >= 75 {
		warnings = append(warnings, "elderly")
	}
	if isSevereRenalImpairment(renalBand) {
		warnings = append(warnings, "severe renal impairment")
	}
	if hasRiskFactor(c.RiskFactors, "neutropenia") {
		warnings = append(warnings, "neutropenia")
	}
	if pregnant {
		warnings = append(warnings, "pregnancy")
		// Soft preference: the KB carries no trimester-specific regimen
		// variant, so pregnancy is honored only via the contraindication
		// filter, not a tailored preferred choice.
		confidence -= 0.1
	}
	if !e.allergy.MatchedExplicitRule(c.AllergiesText) {
		warnings = append(warnings, "no explicit allergy pattern matched — treated conservatively")
	}

	reducesConfidence := false
	for _, w := range infRec.CriticalWarnings {
		warnings = append(warnings, w.Text)
		if w.ReducesConfidence {
			reducesConfidence = true
		}
	}
	if reducesConfidence {
		confidence -= 0.2
	}

	if confidence < 0.3 {
		confidence = 0.3
	}
	if confidence > 1.0 {
		confidence = 1.0
	}
	return warnings, confidence
}

func isSevereRenalImpairment(band domain.RenalBand) bool {
	switch band {
	case domain.Renal10To29, domain.RenalBelow10, domain.RenalHD, domain.RenalCVVHDF:
		return true
	default:
		return false
	}
}

func hasRiskFactor(riskFactors []string, want string) bool {
	for _, rf := range riskFactors {
		if rf == want {
			return true
		}
	}
	return false
}

func (e *Engine) errorResponse(requestID string, provenance domain.Provenance, c *domain.PatientCase, renalBand domain.RenalBand, start time.Time, err error) *domain.RecommendationResponse {
	ee, ok := err.(*domain.EngineError)
	if !ok {
		ee = domain.NewEngineError(domain.ErrBadCase, err.Error(), "", requestID)
	}
	ee.RequestID = requestID
	if e.log != nil {
		e.log.WithFields(logrus.Fields{"request_id": requestID, "code": ee.Code}).Warn("recommendation request failed")
	}
	e.auditRecommendation("error", nil, c, renalBand, start, ee)
	return &domain.RecommendationResponse{
		Status:        "error",
		RequestID:     requestID,
		EngineVersion: EngineVersion,
		Provenance:    provenance,
		Error:         ee,
	}
}

func (e *Engine) noRegimenResponse(requestID string, provenance domain.Provenance, c *domain.PatientCase, renalBand domain.RenalBand, start time.Time, nre *domain.NoRegimenError, rejections []domain.FilterRejection) *domain.RecommendationResponse {
	details, _ := json.Marshal(rejections)
	ee := domain.NewEngineError(domain.ErrNoRegimen, nre.Error(), string(details), requestID)
	if e.log != nil {
		e.log.WithFields(logrus.Fields{"request_id": requestID, "infection_category": nre.InfectionCategory}).Warn("no regimen survived selection")
	}
	e.auditRecommendation("error", nil, c, renalBand, start, ee)
	return &domain.RecommendationResponse{
		Status:        "error",
		RequestID:     requestID,
		EngineVersion: EngineVersion,
		Provenance:    provenance,
		Error:         ee,
	}
}

// emptyRegimenResponse handles the non-default refuse_on_no_regimen=false
// policy: rather than refusing the request outright, it returns a
// recommendation with no drugs and a warning, leaving the clinical decision
// to the requester.
func (e *Engine) emptyRegimenResponse(requestID string, provenance domain.Provenance, c *domain.PatientCase, renalBand domain.RenalBand, start time.Time, nre *domain.NoRegimenError) *domain.RecommendationResponse {
	if e.log != nil {
		e.log.WithFields(logrus.Fields{"request_id": requestID, "infection_category": nre.InfectionCategory}).Warn("no regimen survived selection, returning empty regimen per configuration")
	}
	rec := &domain.Recommendation{
		RequestID:         requestID,
		EngineVersion:     EngineVersion,
		InfectionCategory: nre.InfectionCategory,
		ChosenRegimen:     domain.ChosenRegimen{IndicationTag: string(nre.InfectionCategory)},
		Warnings:          []string{nre.Error()},
		Confidence:        0.3,
		Provenance:        provenance,
		EmittedAt:         time.Now().UTC(),
	}
	e.auditRecommendation("ok", rec, c, renalBand, start, nil)
	return &domain.RecommendationResponse{
		Status:         "ok",
		RequestID:      requestID,
		EngineVersion:  EngineVersion,
		Provenance:     provenance,
		Recommendation: rec,
	}
}

// auditInput is the de-identified projection of a PatientCase written into
// the audit record. Free-text fields (symptoms_text, allergies_text) carry
// the highest risk of incidental PHI and are deliberately omitted.
type auditInput struct {
	Age                   int      `json:"age"`
	Sex                   string   `json:"sex"`
	WeightKg              float64  `json:"weight_kg"`
	InfectionType         string   `json:"infection_type"`
	Location              string   `json:"location,omitempty"`
	Fever                 bool     `json:"fever,omitempty"`
	RiskFactors           []string `json:"risk_factors,omitempty"`
	PriorResistance       []string `json:"prior_resistance,omitempty"`
	HospitalOnsetHours    int      `json:"hospital_onset_hours,omitempty"`
	MechanicalVentilation bool     `json:"mechanical_ventilation,omitempty"`
}

func deidentifyInput(c *domain.PatientCase) *auditInput {
	if c == nil {
		return nil
	}
	return &auditInput{
		Age:                   c.Age,
		Sex:                   c.Sex,
		WeightKg:              c.WeightKg,
		InfectionType:         c.InfectionType,
		Location:              c.Location,
		Fever:                 c.Fever,
		RiskFactors:           c.RiskFactors,
		PriorResistance:       c.PriorResistance,
		HospitalOnsetHours:    c.HospitalOnsetHours,
		MechanicalVentilation: c.MechanicalVentilation,
	}
}

// auditRecord is the de-identified record written to the append-only audit
// log, one JSON object per recommendation request, success or failure
// (spec §4.6 step 6, §6, P9: no PHI).
type auditRecord struct {
	Timestamp             time.Time                `json:"timestamp"`
	RequestID             string                   `json:"request_id"`
	Status                string                   `json:"status"`
	Input                 *auditInput              `json:"input"`
	InfectionCategory     domain.InfectionCategory `json:"infection_category,omitempty"`
	AllergyClassification domain.AllergySeverity   `json:"allergy_classification,omitempty"`
	PregnancyState        string                   `json:"pregnancy_state,omitempty"`
	RenalBand             domain.RenalBand         `json:"renal_band,omitempty"`
	ChosenDrugIDs         []string                 `json:"chosen_drug_ids,omitempty"`
	Warnings              []string                 `json:"warnings,omitempty"`
	Confidence            float64                  `json:"confidence,omitempty"`
	DurationMs            int64                    `json:"duration_ms"`
	Provenance            domain.Provenance        `json:"provenance"`
	Error                 *domain.EngineError      `json:"error,omitempty"`
}

// auditRecommendation writes one audit record for every response path,
// successful or not. rec is nil on the error paths; engErr is nil on the
// success paths.
func (e *Engine) auditRecommendation(status string, rec *domain.Recommendation, c *domain.PatientCase, renalBand domain.RenalBand, start time.Time, engErr *domain.EngineError) {
	now := time.Now().UTC()
	entry := auditRecord{
		Timestamp:  now,
		Status:     status,
		Input:      deidentifyInput(c),
		RenalBand:  renalBand,
		DurationMs: time.Since(start).Milliseconds(),
		Error:      engErr,
	}

	if rec != nil {
		entry.RequestID = rec.RequestID
		entry.InfectionCategory = rec.InfectionCategory
		entry.AllergyClassification = rec.AllergyClassification
		entry.PregnancyState = rec.PregnancyState
		entry.Warnings = rec.Warnings
		entry.Confidence = rec.Confidence
		entry.Provenance = rec.Provenance
		entry.Timestamp = rec.EmittedAt

		drugIDs := make([]string, 0, len(rec.ChosenRegimen.Drugs))
		for _, d := range rec.ChosenRegimen.Drugs {
			drugIDs = append(drugIDs, d.DrugID)
		}
		entry.ChosenDrugIDs = drugIDs
	}
	if engErr != nil {
		entry.RequestID = engErr.RequestID
	}

	day := entry.Timestamp.Format("2006-01-02")
	if err := e.appendAudit(day, entry); err != nil && e.log != nil {
		e.log.WithError(err).WithField("request_id", entry.RequestID).Error("failed to write audit record")
	}
}

func (e *Engine) lockFor(day string) *sync.Mutex {
	e.auditMu.Lock()
	defer e.auditMu.Unlock()
	l, ok := e.auditFileLock[day]
	if !ok {
		l = &sync.Mutex{}
		e.auditFileLock[day] = l
	}
	return l
}

func (e *Engine) appendAudit(day string, entry auditRecord) error {
	lock := e.lockFor(day)
	lock.Lock()
	defer lock.Unlock()

	path := filepath.Join(e.auditDir, fmt.Sprintf("audit-%s.log", day))
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening audit log: %w", err)
	}
	defer f.Close()

	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshaling audit record: %w", err)
	}
	w := bufio.NewWriter(f)
	if _, err := w.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("writing audit record: %w", err)
	}
	return w.Flush()
}

var _ domain.RecommendationEngine = (*Engine)(nil)
