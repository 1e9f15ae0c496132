package speech

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// maxSpokenWords is the sentence length above which conversational delivery
// splits at clause boundaries.
const maxSpokenWords = 20

var (
	mdBold       = regexp.MustCompile(`\*\*(.+?)\*\*`)
	mdItalic     = regexp.MustCompile(`\*(.+?)\*`)
	mdBoldU      = regexp.MustCompile(`__(.+?)__`)
	mdItalicU    = regexp.MustCompile(`\b_(.+?)_\b`)
	mdCode       = regexp.MustCompile("`([^`]+)`")
	mdCodeBlock  = regexp.MustCompile("(?s)```[a-zA-Z0-9_+-]*\n?(.*?)```")
	mdHeader     = regexp.MustCompile(`(?m)^#{1,6}\s+`)
	mdBullet     = regexp.MustCompile(`(?m)^\s*[-*+]\s+`)
	mdNumbered   = regexp.MustCompile(`(?m)^\s*\d+[.)]\s+`)
	mdRule       = regexp.MustCompile(`(?m)^\s*---+\s*$`)
	mdLink       = regexp.MustCompile(`\[([^\]]+)\]\([^)]+\)`)
	mdQuote      = regexp.MustCompile(`(?m)^>\s?`)
	lineBreaks   = regexp.MustCompile(`\s*\n+\s*`)
	spaces       = regexp.MustCompile(`[ \t]{2,}`)
	sentenceEnds = regexp.MustCompile(`[.!?]+\s+`)
	clauseBreak  = regexp.MustCompile(`;\s+|,\s+(and|but|so|which|because)\s+`)
)

var connectives = []struct {
	re   *regexp.Regexp
	with string
}{
	{regexp.MustCompile(`\bHowever,\s*`), "But "},
	{regexp.MustCompile(`\bNevertheless,\s*`), "Still, "},
	{regexp.MustCompile(`\bTherefore,\s*`), "So "},
	{regexp.MustCompile(`\bConsequently,\s*`), "So "},
	{regexp.MustCompile(`\bAs a result,\s*`), "So "},
	{regexp.MustCompile(`\bFurthermore,\s*`), "Plus, "},
	{regexp.MustCompile(`\bMoreover,\s*`), "Plus, "},
	{regexp.MustCompile(`\bAdditionally,\s*`), "Also, "},
	{regexp.MustCompile(`\bIn addition,\s*`), "Also, "},
	{regexp.MustCompile(`\bFor example,\s*`), "Like, "},
	{regexp.MustCompile(`\bIn conclusion,\s*`), "Basically, "},
	{regexp.MustCompile(`\bIn order to\b`), "To"},
	{regexp.MustCompile(`\bin order to\b`), "to"},
}

var contractions = []struct {
	from string
	to   string
}{
	{"do not", "don't"},
	{"does not", "doesn't"},
	{"did not", "didn't"},
	{"is not", "isn't"},
	{"are not", "aren't"},
	{"was not", "wasn't"},
	{"cannot", "can't"},
	{"can not", "can't"},
	{"will not", "won't"},
	{"would not", "wouldn't"},
	{"should not", "shouldn't"},
	{"it is", "it's"},
	{"that is", "that's"},
	{"there is", "there's"},
	{"you are", "you're"},
	{"we are", "we're"},
	{"they are", "they're"},
	{"I am", "I'm"},
	{"let us", "let's"},
	{"you will", "you'll"},
	{"we will", "we'll"},
}

var contractionRes = func() []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(contractions))
	for i, c := range contractions {
		out[i] = regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(c.from) + `\b`)
	}
	return out
}()

// Rewrite prepares agent text for synthesis. Detailed mode (and any unknown
// mode) returns text unchanged. Conversational mode strips markdown, swaps
// formal connectives for casual ones, contracts common phrases and breaks
// long sentences at clause boundaries.
func Rewrite(text string, mode DeliveryMode) string {
	if mode != ModeConversational {
		return text
	}

	out := StripMarkdown(text)
	out = lineBreaks.ReplaceAllString(out, " ")

	for _, c := range connectives {
		out = c.re.ReplaceAllString(out, c.with)
	}
	for i, re := range contractionRes {
		to := contractions[i].to
		out = re.ReplaceAllStringFunc(out, func(m string) string {
			return matchCase(m, to)
		})
	}

	out = splitLongSentences(out)
	out = spaces.ReplaceAllString(out, " ")
	return strings.TrimSpace(out)
}

// StripMarkdown removes markdown formatting from text. Fenced code is
// replaced by its content.
func StripMarkdown(text string) string {
	text = mdCodeBlock.ReplaceAllStringFunc(text, func(m string) string {
		inner := mdCodeBlock.FindStringSubmatch(m)
		if len(inner) > 1 {
			return strings.TrimSpace(inner[1])
		}
		return ""
	})
	text = mdHeader.ReplaceAllString(text, "")
	text = mdRule.ReplaceAllString(text, "")
	text = mdBullet.ReplaceAllString(text, "")
	text = mdNumbered.ReplaceAllString(text, "")
	text = mdQuote.ReplaceAllString(text, "")
	text = mdBold.ReplaceAllString(text, "$1")
	text = mdBoldU.ReplaceAllString(text, "$1")
	text = mdItalic.ReplaceAllString(text, "$1")
	text = mdItalicU.ReplaceAllString(text, "$1")
	text = mdCode.ReplaceAllString(text, "$1")
	text = mdLink.ReplaceAllString(text, "$1")
	return text
}

func splitLongSentences(text string) string {
	var b strings.Builder
	write := func(s string) {
		s = strings.TrimSpace(s)
		if s == "" {
			return
		}
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(splitSentence(s))
	}

	start := 0
	for _, loc := range sentenceEnds.FindAllStringIndex(text, -1) {
		write(text[start:loc[1]])
		start = loc[1]
	}
	write(text[start:])
	return b.String()
}

// splitSentence breaks one sentence at its first clause boundary while it is
// longer than maxSpokenWords.
func splitSentence(s string) string {
	if len(strings.Fields(s)) <= maxSpokenWords {
		return s
	}
	loc := clauseBreak.FindStringSubmatchIndex(s)
	if loc == nil {
		return s
	}

	head := strings.TrimSpace(s[:loc[0]])
	var tail string
	if loc[2] >= 0 {
		// keep the conjunction as the opener of the next sentence
		tail = capitalize(s[loc[2]:])
	} else {
		tail = capitalize(strings.TrimSpace(s[loc[1]:]))
	}
	if head == "" || tail == "" {
		return s
	}
	return head + ". " + splitSentence(tail)
}

func capitalize(s string) string {
	r, size := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError {
		return s
	}
	return string(unicode.ToUpper(r)) + s[size:]
}

func matchCase(matched, replacement string) string {
	r, _ := utf8.DecodeRuneInString(matched)
	if unicode.IsUpper(r) {
		return capitalize(replacement)
	}
	return replacement
}
