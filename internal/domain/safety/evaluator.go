package safety

import (
	"fmt"
	"strings"
)

// Level is the severity of a finding
type Level string

const (
	LevelOK      Level = "ok"
	LevelWarning Level = "warning"
	LevelDanger  Level = "danger"
)

func (l Level) rank() int {
	switch l {
	case LevelDanger:
		return 2
	case LevelWarning:
		return 1
	default:
		return 0
	}
}

// Kind is the check that produced a finding
type Kind string

const (
	KindInteraction Kind = "interaction"
	KindDose        Kind = "dose"
	KindAllergy     Kind = "allergy"
)

// Finding is a single classified safety observation
type Finding struct {
	Kind          Kind     `json:"kind"`
	Level         Level    `json:"level"`
	Message       string   `json:"message"`
	InvolvedDrugs []string `json:"involved_drugs"`
}

// UnknownDrugPolicy decides what the dose check reports for drugs missing from the tables
type UnknownDrugPolicy string

const (
	// UnknownDrugPassthrough reports nothing for unregistered substances
	UnknownDrugPassthrough UnknownDrugPolicy = "passthrough"
	// UnknownDrugWarn reports a warning for unregistered substances
	UnknownDrugWarn UnknownDrugPolicy = "warn"
)

// DraftItem is one medication line of a draft
type DraftItem struct {
	DrugName      string   `json:"drug_name" validate:"required"`
	DoseAmount    *float64 `json:"dose_amount,omitempty" validate:"omitempty,gt=0"`
	FrequencyCode string   `json:"frequency_code"`
}

// Draft is a prescription being authored
type Draft struct {
	PatientID string      `json:"patient_id" validate:"required"`
	Items     []DraftItem `json:"items" validate:"required,min=1,dive"`
	Notes     string      `json:"notes"`
}

// DrugNames returns the item drug names in draft order
func (d Draft) DrugNames() []string {
	names := make([]string, 0, len(d.Items))
	for _, it := range d.Items {
		names = append(names, it.DrugName)
	}
	return names
}

// Evaluator runs the dose, allergy and interaction checks. It holds no state
// beyond the rule source and is safe for concurrent use.
type Evaluator struct {
	rules   RuleSource
	unknown UnknownDrugPolicy
}

// Option configures an Evaluator
type Option func(*Evaluator)

// WithUnknownDrugPolicy overrides the passthrough default
func WithUnknownDrugPolicy(p UnknownDrugPolicy) Option {
	return func(e *Evaluator) { e.unknown = p }
}

// NewEvaluator creates an evaluator over the given rule source
func NewEvaluator(rules RuleSource, opts ...Option) *Evaluator {
	e := &Evaluator{rules: rules, unknown: UnknownDrugPassthrough}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Evaluate returns every non-ok finding for the draft: dose findings in item
// order, then allergy findings, then at most one interaction finding.
func (e *Evaluator) Evaluate(draft Draft, allergies []string) []Finding {
	var findings []Finding

	for _, item := range draft.Items {
		if f, ok := e.CheckDose(item.DrugName, item.DoseAmount); ok && f.Level != LevelOK {
			findings = append(findings, f)
		}
	}

	findings = append(findings, e.CheckAllergies(draft.DrugNames(), allergies)...)

	if f, ok := e.CheckInteractions(draft.DrugNames()); ok {
		findings = append(findings, f)
	}

	return findings
}

// CheckDose classifies a dose against the registered range. The bool is false
// when the drug is unknown and the policy is passthrough.
func (e *Evaluator) CheckDose(drug string, dose *float64) (Finding, bool) {
	r, known := e.rules.DoseRange(drug)
	if !known {
		if e.unknown == UnknownDrugWarn {
			return Finding{
				Kind:          KindDose,
				Level:         LevelWarning,
				Message:       fmt.Sprintf("%s is not in the formulary; dose could not be verified", drug),
				InvolvedDrugs: []string{drug},
			}, true
		}
		return Finding{}, false
	}

	f := Finding{Kind: KindDose, Level: LevelOK, InvolvedDrugs: []string{drug}}
	switch {
	case dose == nil && r.Required:
		f.Level = LevelWarning
		f.Message = fmt.Sprintf("%s requires a dose (recommended %s)", drug, r.describe())
	case dose == nil:
		f.Message = fmt.Sprintf("no dose given for %s", drug)
	case r.Max > 0 && *dose > r.Max:
		f.Level = LevelDanger
		f.Message = fmt.Sprintf("%s dose %g%s exceeds the maximum of %g%s", drug, *dose, r.Unit, r.Max, r.Unit)
	case *dose < r.Min:
		f.Level = LevelWarning
		f.Message = fmt.Sprintf("%s dose %g%s is below the recommended minimum of %g%s", drug, *dose, r.Unit, r.Min, r.Unit)
	default:
		f.Message = fmt.Sprintf("%s dose %g%s is within %s", drug, *dose, r.Unit, r.describe())
	}
	return f, true
}

// CheckAllergies reports one danger finding per drug covered by a recorded allergen
func (e *Evaluator) CheckAllergies(drugs, allergies []string) []Finding {
	var findings []Finding
	for _, drug := range drugs {
		for _, allergen := range allergies {
			if !e.rules.AllergenMatches(allergen, drug) {
				continue
			}
			findings = append(findings, Finding{
				Kind:          KindAllergy,
				Level:         LevelDanger,
				Message:       fmt.Sprintf("patient is allergic to %s (prescribed %s)", strings.TrimSpace(allergen), drug),
				InvolvedDrugs: []string{drug},
			})
			break
		}
	}
	return findings
}

// CheckInteractions walks unordered pairs in draft order and reports the first
// registered interaction.
func (e *Evaluator) CheckInteractions(drugs []string) (Finding, bool) {
	for i := 0; i < len(drugs); i++ {
		for j := i + 1; j < len(drugs); j++ {
			in, ok := e.rules.Interaction(drugs[i], drugs[j])
			if !ok {
				continue
			}
			return Finding{
				Kind:          KindInteraction,
				Level:         in.Level,
				Message:       fmt.Sprintf("%s interacts with %s: %s", drugs[i], drugs[j], in.Description),
				InvolvedDrugs: []string{drugs[i], drugs[j]},
			}, true
		}
	}
	return Finding{}, false
}

// Summarize returns the highest level among the findings
func Summarize(findings []Finding) Level {
	level := LevelOK
	for _, f := range findings {
		if f.Level.rank() > level.rank() {
			level = f.Level
		}
	}
	return level
}

// HasDanger reports whether any finding requires explicit confirmation
func HasDanger(findings []Finding) bool {
	return Summarize(findings) == LevelDanger
}

func (r DoseRange) describe() string {
	if r.Max > 0 {
		return fmt.Sprintf("%g-%g%s", r.Min, r.Max, r.Unit)
	}
	return fmt.Sprintf("at least %g%s", r.Min, r.Unit)
}
