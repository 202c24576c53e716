package risk

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Classification is the outcome of scanning text for risk keywords. Level is
// empty when nothing matched.
type Classification struct {
	Level    Level    `json:"level,omitempty"`
	Keywords []string `json:"keywords"`
}

// Classifier detects risk keywords in free text
type Classifier interface {
	Classify(ctx context.Context, text string) (Classification, error)
}

// Lexicon lists the phrases that signal each level
type Lexicon struct {
	High   []string `mapstructure:"high"`
	Medium []string `mapstructure:"medium"`
	Low    []string `mapstructure:"low"`
}

// DefaultLexicon returns the built-in phrase list
func DefaultLexicon() Lexicon {
	return Lexicon{
		High:   []string{"suicide", "kill myself", "end my life", "self-harm", "overdose"},
		Medium: []string{"hopeless", "worthless", "can't go on", "panic"},
		Low:    []string{"stressed", "anxious", "sad", "tired"},
	}
}

// LoadLexicon reads a lexicon from a YAML, JSON or TOML file with high,
// medium and low phrase lists
func LoadLexicon(path string) (Lexicon, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return Lexicon{}, fmt.Errorf("read lexicon: %w", err)
	}
	var lex Lexicon
	if err := v.Unmarshal(&lex); err != nil {
		return Lexicon{}, fmt.Errorf("decode lexicon: %w", err)
	}
	if len(lex.High)+len(lex.Medium)+len(lex.Low) == 0 {
		return Lexicon{}, fmt.Errorf("lexicon %s has no phrases", path)
	}
	return lex, nil
}

// KeywordClassifier matches lexicon phrases case-insensitively. The level is
// the highest level with a match; Keywords lists every matched phrase.
type KeywordClassifier struct {
	lex Lexicon
}

// NewKeywordClassifier creates a classifier over lex
func NewKeywordClassifier(lex Lexicon) *KeywordClassifier {
	return &KeywordClassifier{lex: lex}
}

func (c *KeywordClassifier) Classify(_ context.Context, text string) (Classification, error) {
	lower := strings.ToLower(text)
	out := Classification{Keywords: []string{}}

	for _, tier := range []struct {
		level   Level
		phrases []string
	}{
		{LevelHigh, c.lex.High},
		{LevelMedium, c.lex.Medium},
		{LevelLow, c.lex.Low},
	} {
		for _, p := range tier.phrases {
			if p == "" || !strings.Contains(lower, strings.ToLower(p)) {
				continue
			}
			out.Keywords = append(out.Keywords, p)
			if out.Level == "" {
				out.Level = tier.level
			}
		}
	}
	return out, nil
}

// ClassifyAndLog classifies text and logs it when any keyword matched. It
// returns nil when the text is clean.
func (s *Service) ClassifyAndLog(ctx context.Context, c Classifier, subjectID, sessionID, text string) (*Log, error) {
	res, err := c.Classify(ctx, text)
	if err != nil {
		return nil, err
	}
	if res.Level == "" {
		return nil, nil
	}
	return s.LogRisk(ctx, Entry{
		SubjectID: subjectID,
		SessionID: sessionID,
		Level:     res.Level,
		Keywords:  res.Keywords,
		Snippet:   text,
	})
}
