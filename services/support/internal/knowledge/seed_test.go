package knowledge

import (
	"errors"
	"strings"
	"testing"

	"supportdesk/pkg/domain"
)

func TestLoadSeed(t *testing.T) {
	input := `
pairs:
  - frequent: true
    ar:
      question: "كيف أعيد تعيين كلمة المرور؟"
      answer: "استخدم رابط إعادة التعيين."
    en:
      question: "How do I reset my password?"
      answer: "Use the reset link."
  - en:
      question: "Opening hours?"
      answer: "Nine to five."
`
	entries, err := LoadSeed(strings.NewReader(input))
	if err != nil {
		t.Fatalf("load seed: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	if entries[0].Language != domain.LanguageArabic || !entries[0].IsFrequent {
		t.Fatalf("unexpected first entry: %+v", entries[0])
	}
	if entries[1].Language != domain.LanguageEnglish || entries[1].Answer != "Use the reset link." {
		t.Fatalf("unexpected second entry: %+v", entries[1])
	}
	if entries[2].IsFrequent {
		t.Fatalf("expected third entry not frequent")
	}
}

func TestLoadSeedRejectsIncompletePairs(t *testing.T) {
	tests := map[string]string{
		"no languages":   "pairs:\n  - frequent: true\n",
		"missing answer": "pairs:\n  - en:\n      question: \"Hi?\"\n",
	}
	for name, input := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := LoadSeed(strings.NewReader(input)); !errors.Is(err, ErrInvalidInput) {
				t.Fatalf("expected ErrInvalidInput, got %v", err)
			}
		})
	}
	if _, err := LoadSeed(strings.NewReader("pairs:\n  - fr: {}\n")); err == nil {
		t.Fatalf("expected unknown field to be rejected")
	}
}

func TestLoadSeedEmpty(t *testing.T) {
	entries, err := LoadSeed(strings.NewReader(""))
	if err != nil || len(entries) != 0 {
		t.Fatalf("expected no entries, got %d err=%v", len(entries), err)
	}
}
