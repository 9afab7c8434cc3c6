package knowledge

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"gopkg.in/yaml.v3"

	"supportdesk/pkg/domain"
)

// SeedFile is the YAML layout read by the seed tool:
//
//	pairs:
//	  - frequent: true
//	    ar: {question: "...", answer: "..."}
//	    en: {question: "...", answer: "..."}
type SeedFile struct {
	Pairs []SeedPair `yaml:"pairs"`
}

// SeedPair is one logical question. Either language may be omitted.
type SeedPair struct {
	Frequent bool      `yaml:"frequent"`
	AR       *SeedText `yaml:"ar"`
	EN       *SeedText `yaml:"en"`
}

type SeedText struct {
	Question string `yaml:"question"`
	Answer   string `yaml:"answer"`
}

// LoadSeed decodes a seed file into entries, Arabic before English within each
// pair so creation order follows the file.
func LoadSeed(r io.Reader) ([]domain.KnowledgeEntry, error) {
	var file SeedFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("parse seed file: %w", err)
	}
	var out []domain.KnowledgeEntry
	for i, pair := range file.Pairs {
		if pair.AR == nil && pair.EN == nil {
			return nil, fmt.Errorf("%w: pair %d has no languages", ErrInvalidInput, i+1)
		}
		for _, t := range []struct {
			lang domain.Language
			text *SeedText
		}{{domain.LanguageArabic, pair.AR}, {domain.LanguageEnglish, pair.EN}} {
			if t.text == nil {
				continue
			}
			q := strings.TrimSpace(t.text.Question)
			a := strings.TrimSpace(t.text.Answer)
			if q == "" || a == "" {
				return nil, fmt.Errorf("%w: pair %d (%s) needs question and answer", ErrInvalidInput, i+1, t.lang)
			}
			out = append(out, domain.KnowledgeEntry{
				Language:   t.lang,
				Question:   q,
				Answer:     a,
				IsFrequent: pair.Frequent,
			})
		}
	}
	return out, nil
}
