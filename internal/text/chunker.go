package text

import (
	"regexp"
	"strings"
)

// charsPerToken is the byte-length estimator used across the pipeline.
const charsPerToken = 4

// Draft is a chunk boundary produced by Split, before identifiers and
// embeddings are attached.
type Draft struct {
	SequenceIndex int
	Text          string
	TokenCount    int
}

func EstimateTokens(s string) int {
	if s == "" {
		return 0
	}
	return (len(s) + charsPerToken - 1) / charsPerToken
}

var (
	paragraphRe  = regexp.MustCompile(`\n\s*\n`)
	whitespaceRe = regexp.MustCompile(`\s+`)
	sentenceRe   = regexp.MustCompile(`[^.!?]+[.!?]+["')\]]*\s*|[^.!?]+$`)
)

// Split divides text into overlapping drafts bounded by maxTokens.
// Boundaries prefer paragraphs, then sentences; a single unit larger than
// maxTokens is hard-split. Identical input always produces identical
// boundaries, which the identifier scheme depends on. Empty or
// whitespace-only input yields no drafts.
func Split(text string, maxTokens, overlapTokens int) []Draft {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	if maxTokens <= 0 {
		maxTokens = 512
	}
	if overlapTokens < 0 || overlapTokens >= maxTokens {
		overlapTokens = 0
	}

	maxChars := maxTokens * charsPerToken
	overlapChars := overlapTokens * charsPerToken

	units := splitUnits(text, maxChars)

	var drafts []Draft
	var cur []string
	curLen := 0

	flush := func() {
		if len(cur) == 0 {
			return
		}
		body := strings.Join(cur, " ")
		drafts = append(drafts, Draft{
			SequenceIndex: len(drafts),
			Text:          body,
			TokenCount:    EstimateTokens(body),
		})
	}

	for _, u := range units {
		add := len(u)
		if curLen > 0 {
			add++ // joining space
		}
		if curLen > 0 && curLen+add > maxChars {
			flush()
			cur = overlapTail(cur, overlapChars)
			curLen = joinedLen(cur)
			if curLen > 0 && curLen+1+len(u) > maxChars {
				cur = nil
				curLen = 0
			}
		}
		cur = append(cur, u)
		curLen = joinedLen(cur)
	}
	flush()

	return drafts
}

// splitUnits breaks text into paragraph and sentence units, hard-splitting
// anything that alone exceeds maxChars. Whitespace inside a unit is
// collapsed, matching the fetcher's normalization.
func splitUnits(text string, maxChars int) []string {
	var units []string
	for _, para := range paragraphRe.Split(text, -1) {
		para = strings.TrimSpace(whitespaceRe.ReplaceAllString(para, " "))
		if para == "" {
			continue
		}
		if len(para) <= maxChars {
			units = append(units, para)
			continue
		}
		for _, sent := range sentenceRe.FindAllString(para, -1) {
			sent = strings.TrimSpace(sent)
			if sent == "" {
				continue
			}
			if len(sent) <= maxChars {
				units = append(units, sent)
				continue
			}
			units = append(units, hardSplit(sent, maxChars)...)
		}
	}
	return units
}

func hardSplit(s string, maxChars int) []string {
	runes := []rune(s)
	var parts []string
	for start := 0; start < len(runes); {
		end := start
		size := 0
		for end < len(runes) {
			r := len(string(runes[end]))
			if size+r > maxChars && size > 0 {
				break
			}
			size += r
			end++
		}
		parts = append(parts, string(runes[start:end]))
		start = end
	}
	return parts
}

// overlapTail returns the trailing units fitting the overlap budget. It never
// returns the whole chunk, so packing always makes forward progress.
func overlapTail(units []string, overlapChars int) []string {
	if overlapChars <= 0 || len(units) <= 1 {
		return nil
	}
	size := 0
	start := len(units)
	for start > 1 {
		next := size + len(units[start-1])
		if size > 0 {
			next++
		}
		if next > overlapChars {
			break
		}
		size = next
		start--
	}
	if start == len(units) {
		return nil
	}
	tail := make([]string, len(units)-start)
	copy(tail, units[start:])
	return tail
}

func joinedLen(units []string) int {
	n := 0
	for i, u := range units {
		if i > 0 {
			n++
		}
		n += len(u)
	}
	return n
}
