// Package safety screens prescription drafts for dose, allergy and interaction problems.
package safety

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/spf13/viper"
)

// DoseRange bounds the daily dose of a substance
type DoseRange struct {
	Drug     string  `mapstructure:"drug"`
	Min      float64 `mapstructure:"min"`
	Max      float64 `mapstructure:"max"`
	Unit     string  `mapstructure:"unit"`
	Required bool    `mapstructure:"required"`
}

// Interaction describes a known interacting pair. Pairs are symmetric.
type Interaction struct {
	Drugs       []string `mapstructure:"drugs"`
	Level       Level    `mapstructure:"level"`
	Description string   `mapstructure:"description"`
}

// RuleSource supplies the reference data the evaluator screens against
type RuleSource interface {
	DoseRange(drug string) (DoseRange, bool)
	Interaction(a, b string) (Interaction, bool)
	AllergenMatches(allergen, drug string) bool
}

// TableFile is the on-disk layout of a rule table file
type TableFile struct {
	Doses          []DoseRange         `mapstructure:"doses"`
	Interactions   []Interaction       `mapstructure:"interactions"`
	AllergyClasses map[string][]string `mapstructure:"allergy_classes"`
}

// Tables is an in-memory RuleSource
type Tables struct {
	doses          map[string]DoseRange
	interactions   map[pairKey]Interaction
	allergyClasses map[string]map[string]struct{}
}

type pairKey struct{ a, b string }

func newPairKey(a, b string) pairKey {
	a, b = normalize(a), normalize(b)
	if b < a {
		a, b = b, a
	}
	return pairKey{a: a, b: b}
}

// NewTables builds Tables from a TableFile
func NewTables(f TableFile) (*Tables, error) {
	t := &Tables{
		doses:          make(map[string]DoseRange, len(f.Doses)),
		interactions:   make(map[pairKey]Interaction, len(f.Interactions)),
		allergyClasses: make(map[string]map[string]struct{}, len(f.AllergyClasses)),
	}

	for _, d := range f.Doses {
		name := normalize(d.Drug)
		if name == "" {
			return nil, fmt.Errorf("dose range without drug name")
		}
		if d.Max > 0 && d.Min > d.Max {
			return nil, fmt.Errorf("dose range for %s: min %.2f exceeds max %.2f", name, d.Min, d.Max)
		}
		d.Drug = name
		t.doses[name] = d
	}

	for _, in := range f.Interactions {
		if len(in.Drugs) != 2 {
			return nil, fmt.Errorf("interaction must name exactly two drugs, got %d", len(in.Drugs))
		}
		switch in.Level {
		case LevelDanger, LevelWarning:
		case "":
			in.Level = LevelDanger
		default:
			return nil, fmt.Errorf("interaction %s/%s: unsupported level %q", in.Drugs[0], in.Drugs[1], in.Level)
		}
		in.Drugs = []string{normalize(in.Drugs[0]), normalize(in.Drugs[1])}
		t.interactions[newPairKey(in.Drugs[0], in.Drugs[1])] = in
	}

	for allergen, members := range f.AllergyClasses {
		set := make(map[string]struct{}, len(members))
		for _, m := range members {
			set[normalize(m)] = struct{}{}
		}
		t.allergyClasses[normalize(allergen)] = set
	}

	return t, nil
}

// LoadTables reads a YAML, JSON or TOML rule table file
func LoadTables(path string) (*Tables, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read rule tables: %w", err)
	}

	var f TableFile
	if err := v.Unmarshal(&f); err != nil {
		return nil, fmt.Errorf("decode rule tables: %w", err)
	}
	return NewTables(f)
}

// DoseRange returns the registered range for a drug
func (t *Tables) DoseRange(drug string) (DoseRange, bool) {
	d, ok := t.doses[normalize(drug)]
	return d, ok
}

// Interaction returns the interaction registered for the unordered pair
func (t *Tables) Interaction(a, b string) (Interaction, bool) {
	in, ok := t.interactions[newPairKey(a, b)]
	return in, ok
}

// AllergenMatches reports whether a recorded allergen covers the drug.
// Matches are case-insensitive on the name itself, on the allergen as whole
// words of the name ("penicillin" covers "penicillin v potassium", "pam"
// does not cover "lorazepam"), or through the allergy class cross-reference.
func (t *Tables) AllergenMatches(allergen, drug string) bool {
	allergen, drug = normalize(allergen), normalize(drug)
	if allergen == "" || drug == "" {
		return false
	}
	if allergen == drug || containsWords(drug, allergen) {
		return true
	}
	if members, ok := t.allergyClasses[allergen]; ok {
		_, hit := members[drug]
		return hit
	}
	return false
}

// containsWords reports whether words occurs in s bounded by non-alphanumerics
func containsWords(s, words string) bool {
	for from := 0; from <= len(s)-len(words); {
		i := strings.Index(s[from:], words)
		if i < 0 {
			return false
		}
		start, end := from+i, from+i+len(words)
		before, _ := utf8.DecodeLastRuneInString(s[:start])
		after, _ := utf8.DecodeRuneInString(s[end:])
		if (start == 0 || !isWordRune(before)) && (end == len(s) || !isWordRune(after)) {
			return true
		}
		from = start + 1
	}
	return false
}

func isWordRune(r rune) bool { return unicode.IsLetter(r) || unicode.IsDigit(r) }

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// DefaultTables returns the built-in formulary used when no rule file is configured
func DefaultTables() *Tables {
	t, err := NewTables(TableFile{
		Doses: []DoseRange{
			{Drug: "sertraline", Min: 25, Max: 200, Unit: "mg"},
			{Drug: "fluoxetine", Min: 10, Max: 80, Unit: "mg"},
			{Drug: "escitalopram", Min: 5, Max: 20, Unit: "mg"},
			{Drug: "bupropion", Min: 150, Max: 450, Unit: "mg"},
			{Drug: "venlafaxine", Min: 37.5, Max: 375, Unit: "mg"},
			{Drug: "lithium", Min: 300, Max: 1800, Unit: "mg", Required: true},
			{Drug: "quetiapine", Min: 25, Max: 800, Unit: "mg"},
			{Drug: "lorazepam", Min: 0.5, Max: 10, Unit: "mg"},
			{Drug: "alprazolam", Min: 0.25, Max: 4, Unit: "mg"},
			{Drug: "phenelzine", Min: 15, Max: 90, Unit: "mg", Required: true},
		},
		Interactions: []Interaction{
			{Drugs: []string{"fluoxetine", "phenelzine"}, Level: LevelDanger, Description: "risk of serotonin syndrome"},
			{Drugs: []string{"sertraline", "phenelzine"}, Level: LevelDanger, Description: "risk of serotonin syndrome"},
			{Drugs: []string{"sertraline", "tramadol"}, Level: LevelWarning, Description: "increased serotonergic effect and seizure risk"},
			{Drugs: []string{"lithium", "ibuprofen"}, Level: LevelDanger, Description: "NSAIDs raise lithium levels"},
			{Drugs: []string{"alprazolam", "oxycodone"}, Level: LevelDanger, Description: "additive respiratory depression"},
			{Drugs: []string{"lorazepam", "quetiapine"}, Level: LevelWarning, Description: "additive sedation"},
			{Drugs: []string{"bupropion", "tramadol"}, Level: LevelWarning, Description: "lowered seizure threshold"},
		},
		AllergyClasses: map[string][]string{
			"penicillin":      {"amoxicillin", "ampicillin", "piperacillin"},
			"sulfa":           {"sulfamethoxazole", "sulfasalazine"},
			"benzodiazepines": {"lorazepam", "alprazolam", "diazepam", "clonazepam"},
			"ssri":            {"sertraline", "fluoxetine", "escitalopram", "paroxetine"},
		},
	})
	if err != nil {
		panic(err)
	}
	return t
}
