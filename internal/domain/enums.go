// Package domain contains the core business entities for the antibiotic
// empiric recommendation engine: knowledge-base records, patient cases,
// recommendations, and error reports.
package domain

// AllergySeverity classifies a patient's documented antibiotic allergy.
type AllergySeverity string

const (
	AllergyNone            AllergySeverity = "none"
	AllergyMildPCN         AllergySeverity = "mild_pcn"
	AllergySeverePCN       AllergySeverity = "severe_pcn"
	AllergyCephalosporin   AllergySeverity = "cephalosporin"
	AllergySulfa           AllergySeverity = "sulfa"
	AllergyFluoroquinolone AllergySeverity = "fluoroquinolone"
	AllergyMultiple        AllergySeverity = "multiple"
)

// InfectionCategory is the canonical infection id the classifier resolves to.
type InfectionCategory string

const (
	Pyelonephritis  InfectionCategory = "pyelonephritis"
	Cystitis        InfectionCategory = "cystitis"
	IntraAbdominal  InfectionCategory = "intra_abdominal"
	CAP             InfectionCategory = "cap"
	HAP             InfectionCategory = "hap"
	VAP             InfectionCategory = "vap"
	Aspiration      InfectionCategory = "aspiration"
	Bacteremia      InfectionCategory = "bacteremia"
	BacteremiaMRSA  InfectionCategory = "bacteremia_mrsa"
	Meningitis      InfectionCategory = "meningitis"
	SSTI            InfectionCategory = "ssti"
)

// Route is the administration route of a drug regimen.
type Route string

const (
	RouteIV   Route = "IV"
	RouteOral Route = "PO"
	RouteIM   Route = "IM"
)

// WeightBasis selects which body-weight figure a dose calculation uses.
type WeightBasis string

const (
	WeightTBW   WeightBasis = "tbw"
	WeightIBW   WeightBasis = "ibw"
	WeightAdjBW WeightBasis = "adjbw"
)

// RenalBand is a creatinine-clearance banding used for dose adjustment.
type RenalBand string

const (
	RenalAbove50   RenalBand = ">50"
	Renal30To50    RenalBand = "30-50"
	Renal10To29    RenalBand = "10-29"
	RenalBelow10   RenalBand = "<10_no_hd"
	RenalHD        RenalBand = "hd"
	RenalCVVHDF    RenalBand = "cvvhdf"
)

// ErrorSeverity is the severity of a reviewer-submitted error report.
type ErrorSeverity string

const (
	SeverityLow      ErrorSeverity = "low"
	SeverityMedium   ErrorSeverity = "medium"
	SeverityHigh     ErrorSeverity = "high"
	SeverityCritical ErrorSeverity = "critical"
)

// ErrorType enumerates the kind of mistake a reviewer is reporting.
type ErrorType string

const (
	ErrorTypeContraindicated    ErrorType = "contraindicated"
	ErrorTypeWrongDrug          ErrorType = "wrong_drug"
	ErrorTypeWrongDose          ErrorType = "wrong_dose"
	ErrorTypeMissedAllergy      ErrorType = "missed_allergy"
	ErrorTypeMissedInteraction  ErrorType = "missed_interaction"
	ErrorTypeWrongRoute         ErrorType = "wrong_route"
	ErrorTypeOther              ErrorType = "other"
)

// ReportStatus is the state of an error report in the review workflow.
type ReportStatus string

const (
	StatusNew            ReportStatus = "new"
	StatusVerified       ReportStatus = "verified"
	StatusInProgress     ReportStatus = "in_progress"
	StatusFixed          ReportStatus = "fixed"
	StatusClosed         ReportStatus = "closed"
	StatusWontFix        ReportStatus = "wont_fix"
	StatusNotReproduced  ReportStatus = "not_reproduced"
)

var validSeverities = map[ErrorSeverity]bool{
	SeverityLow: true, SeverityMedium: true, SeverityHigh: true, SeverityCritical: true,
}

var validErrorTypes = map[ErrorType]bool{
	ErrorTypeContraindicated: true, ErrorTypeWrongDrug: true, ErrorTypeWrongDose: true,
	ErrorTypeMissedAllergy: true, ErrorTypeMissedInteraction: true, ErrorTypeWrongRoute: true,
	ErrorTypeOther: true,
}

// IsValidSeverity reports whether s is one of the enumerated severities.
func IsValidSeverity(s ErrorSeverity) bool { return validSeverities[s] }

// IsValidErrorType reports whether t is one of the enumerated error types.
func IsValidErrorType(t ErrorType) bool { return validErrorTypes[t] }

// allowedTransitions encodes the error-report status machine from spec §4.7.
var allowedTransitions = map[ReportStatus]map[ReportStatus]bool{
	StatusNew: {
		StatusVerified:      true,
		StatusNotReproduced: true,
		StatusWontFix:       true,
	},
	StatusVerified: {
		StatusInProgress: true,
		StatusWontFix:    true,
	},
	StatusInProgress: {
		StatusFixed:   true,
		StatusWontFix: true,
	},
	StatusFixed: {
		StatusClosed: true,
	},
}

// terminalStatuses cannot transition to any other status — a dashboard
// cannot "un-close" a report implicitly. Re-applying the same status stays
// allowed as a no-op (see IsValidTransition).
var terminalStatuses = map[ReportStatus]bool{
	StatusClosed:        true,
	StatusWontFix:       true,
	StatusNotReproduced: true,
}

// IsTerminal reports whether status has no further allowed transitions.
func IsTerminal(status ReportStatus) bool {
	return terminalStatuses[status]
}

// IsValidTransition reports whether moving from `from` to `to` is allowed by
// the status machine. Updating a status to itself is always allowed as a
// no-op (P8), even from a terminal status; moving to any other status from
// a terminal one is rejected.
func IsValidTransition(from, to ReportStatus) bool {
	if from == to {
		return true
	}
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	return next[to]
}
