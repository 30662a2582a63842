package medctx

import (
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed specialties.yaml
var defaultTablesYAML []byte

// DefaultSpecialty is reported while no topic has been classified.
const DefaultSpecialty = "primary"

// DefaultCondition is used when a topic has no condition entry.
const DefaultCondition = "medical condition"

// SpecialtyDef is one entry of the specialty table.
type SpecialtyDef struct {
	Name        string   `yaml:"name"`
	Specialty   string   `yaml:"specialty"`
	Condition   string   `yaml:"condition"`
	Description string   `yaml:"description"`
	Keywords    []string `yaml:"keywords"`
}

// UrgencyPatterns holds regular-expression fragments per urgency level.
type UrgencyPatterns struct {
	Emergency []string `yaml:"emergency"`
	Urgent    []string `yaml:"urgent"`
}

// Tables is the immutable configuration of the engine: the specialty registry,
// the topic→specialty and topic→condition mappings, redirection phrases and
// urgency patterns. It is loaded once at startup and shared read-only.
type Tables struct {
	Specialties        []SpecialtyDef  `yaml:"specialties"`
	RedirectionPhrases []string        `yaml:"redirection_phrases"`
	Urgency            UrgencyPatterns `yaml:"urgency"`

	byName      map[string]SpecialtyDef
	emergencyRe *regexp.Regexp
	urgentRe    *regexp.Regexp
}

// LoadTables parses and validates a YAML table definition.
func LoadTables(r io.Reader) (*Tables, error) {
	var t Tables
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&t); err != nil {
		return nil, fmt.Errorf("decode tables: %w", err)
	}
	if err := t.init(); err != nil {
		return nil, err
	}
	return &t, nil
}

// LoadTablesFile loads tables from path, or the embedded defaults when path is empty.
func LoadTablesFile(path string) (*Tables, error) {
	if path == "" {
		return LoadTables(strings.NewReader(string(defaultTablesYAML)))
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open tables: %w", err)
	}
	defer f.Close()
	return LoadTables(f)
}

// DefaultTables returns the embedded specialty tables.
func DefaultTables() *Tables {
	t, err := LoadTablesFile("")
	if err != nil {
		panic("medctx: embedded tables are invalid: " + err.Error())
	}
	return t
}

func (t *Tables) init() error {
	if len(t.Specialties) == 0 {
		return errors.New("tables: no specialties defined")
	}
	t.byName = make(map[string]SpecialtyDef, len(t.Specialties))
	for i, s := range t.Specialties {
		s.Name = strings.TrimSpace(s.Name)
		if s.Name == "" {
			return fmt.Errorf("tables: specialty #%d has no name", i)
		}
		if _, dup := t.byName[s.Name]; dup {
			return fmt.Errorf("tables: duplicate specialty %q", s.Name)
		}
		s.Keywords = normalizeTerms(s.Keywords)
		if len(s.Keywords) == 0 {
			return fmt.Errorf("tables: specialty %q has no keywords", s.Name)
		}
		t.Specialties[i] = s
		t.byName[s.Name] = s
	}
	for i, p := range t.RedirectionPhrases {
		t.RedirectionPhrases[i] = strings.ToLower(strings.TrimSpace(p))
	}

	var err error
	if t.emergencyRe, err = compileAlternation(t.Urgency.Emergency); err != nil {
		return fmt.Errorf("tables: emergency patterns: %w", err)
	}
	if t.urgentRe, err = compileAlternation(t.Urgency.Urgent); err != nil {
		return fmt.Errorf("tables: urgent patterns: %w", err)
	}
	return nil
}

// SpecialtyFor maps a topic to the specialty label, defaulting to "primary".
func (t *Tables) SpecialtyFor(topic string) string {
	if s, ok := t.byName[topic]; ok && s.Specialty != "" {
		return s.Specialty
	}
	return DefaultSpecialty
}

// ConditionFor maps a topic to its default condition string.
func (t *Tables) ConditionFor(topic string) string {
	if s, ok := t.byName[topic]; ok && s.Condition != "" {
		return s.Condition
	}
	return DefaultCondition
}

// UrgencyOf scores text against the urgency patterns.
func (t *Tables) UrgencyOf(text string) Urgency {
	switch {
	case t.emergencyRe != nil && t.emergencyRe.MatchString(text):
		return UrgencyEmergency
	case t.urgentRe != nil && t.urgentRe.MatchString(text):
		return UrgencyUrgent
	default:
		return UrgencyNormal
	}
}

// IsRedirection reports whether text contains one of the redirection phrases.
func (t *Tables) IsRedirection(text string) bool {
	lower := strings.ToLower(text)
	for _, p := range t.RedirectionPhrases {
		if p != "" && strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

func compileAlternation(fragments []string) (*regexp.Regexp, error) {
	if len(fragments) == 0 {
		return nil, nil
	}
	return regexp.Compile(`(?i)(?:` + strings.Join(fragments, `|`) + `)`)
}

// keywordPattern builds a case-insensitive pattern matching any keyword prefix
// ("kidney" also matches "kidneys").
func keywordPattern(keywords []string) *regexp.Regexp {
	if len(keywords) == 0 {
		return nil
	}
	quoted := make([]string, len(keywords))
	for i, k := range keywords {
		quoted[i] = regexp.QuoteMeta(k)
	}
	return regexp.MustCompile(`(?i)\b(?:` + strings.Join(quoted, `|`) + `)`)
}

func normalizeTerms(terms []string) []string {
	out := make([]string, 0, len(terms))
	seen := make(map[string]struct{}, len(terms))
	for _, term := range terms {
		term = strings.ToLower(strings.TrimSpace(term))
		if term == "" {
			continue
		}
		if _, ok := seen[term]; ok {
			continue
		}
		seen[term] = struct{}{}
		out = append(out, term)
	}
	return out
}
