// Package matcher selects a knowledge base answer for a user utterance by
// keyword overlap. It performs no I/O and is safe for concurrent use.
package matcher

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"supportdesk/pkg/domain"
)

const (
	// minKeywordRunes is the exclusive lower bound on keyword length.
	minKeywordRunes = 2

	// An entry qualifies when matched*thresholdDen >= keywords*thresholdNum (30%).
	thresholdNum = 3
	thresholdDen = 10
)

var fallbackAnswers = map[domain.Language]string{
	domain.LanguageArabic:  "عذراً، لم أتمكن من العثور على إجابة دقيقة لسؤالك. يمكنك تجربة إعادة صياغة السؤال أو التواصل مع فريق الدعم الفني.",
	domain.LanguageEnglish: "Sorry, I could not find a precise answer to your question. You can try rephrasing the question or contact technical support.",
}

// Result describes the outcome of a match.
type Result struct {
	Answer string
	// EntryID is empty when Fallback is set.
	EntryID  string
	Fallback bool
	// Matched is the number of keywords found in the chosen entry.
	Matched  int
	Keywords int
}

// Fallback returns the "no precise answer" text for lang. Unsupported
// languages get the English text.
func Fallback(lang domain.Language) string {
	if text, ok := fallbackAnswers[lang]; ok {
		return text
	}
	return fallbackAnswers[domain.LanguageEnglish]
}

// Match returns the answer of the first entry, in slice order, whose question
// or answer contains at least 30% of the utterance keywords (and at least one).
// Entries are expected to belong to lang already.
func Match(utterance string, lang domain.Language, entries []domain.KnowledgeEntry) Result {
	keywords := Keywords(utterance)
	if len(keywords) == 0 {
		return fallbackResult(lang, 0)
	}
	for _, entry := range entries {
		question := strings.ToLower(entry.Question)
		answer := strings.ToLower(entry.Answer)
		matched := 0
		for _, kw := range keywords {
			if strings.Contains(question, kw) || strings.Contains(answer, kw) {
				matched++
			}
		}
		if qualifies(matched, len(keywords)) {
			return Result{
				Answer:   entry.Answer,
				EntryID:  entry.ID,
				Matched:  matched,
				Keywords: len(keywords),
			}
		}
	}
	return fallbackResult(lang, len(keywords))
}

// Answer is Match reduced to the reply text.
func Answer(utterance string, lang domain.Language, entries []domain.KnowledgeEntry) string {
	return Match(utterance, lang, entries).Answer
}

// Keywords lowercases the utterance, splits it on anything that is not a
// letter, digit or combining mark, and keeps tokens longer than two runes.
// Repeated words are kept; each occurrence counts.
func Keywords(utterance string) []string {
	fields := strings.FieldsFunc(strings.ToLower(utterance), isSeparator)
	keywords := fields[:0]
	for _, f := range fields {
		if utf8.RuneCountInString(f) > minKeywordRunes {
			keywords = append(keywords, f)
		}
	}
	return keywords
}

func isSeparator(r rune) bool {
	return !unicode.IsLetter(r) && !unicode.IsDigit(r) && !unicode.IsMark(r)
}

func qualifies(matched, keywords int) bool {
	return matched > 0 && matched*thresholdDen >= keywords*thresholdNum
}

func fallbackResult(lang domain.Language, keywords int) Result {
	return Result{Answer: Fallback(lang), Fallback: true, Keywords: keywords}
}
