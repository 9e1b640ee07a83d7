package memory

import (
	"math"
	"sort"
	"strings"
)

// keywordSimilarity scores how well keywords cover text. It blends a
// Jaccard overlap with keyword coverage; substring hits count for less than
// whole-word hits.
func keywordSimilarity(keywords []string, text string) float64 {
	if len(keywords) == 0 {
		return 0
	}

	target := strings.ToLower(text)
	targetSet := make(map[string]bool)
	for _, w := range tokenize(target) {
		targetSet[w] = true
	}

	var matched int
	var weighted float64
	for _, kw := range keywords {
		kw = strings.ToLower(kw)
		if targetSet[kw] {
			matched++
			weighted += 1.0
		} else if strings.Contains(target, kw) {
			matched++
			weighted += 0.7
		}
	}
	if matched == 0 {
		return 0
	}

	jaccard := float64(matched) / math.Max(float64(len(keywords)+len(targetSet)-matched), 1)
	coverage := weighted / float64(len(keywords))
	return 0.4*jaccard + 0.6*coverage
}

// tokenize splits text into lowercase word tokens, dropping single characters.
func tokenize(text string) []string {
	fields := strings.FieldsFunc(text, func(r rune) bool {
		return !((r >= 'a' && r <= 'z') ||
			(r >= 'A' && r <= 'Z') ||
			(r >= '0' && r <= '9') ||
			r == '_' || r == '-' ||
			r > 127)
	})
	result := make([]string, 0, len(fields))
	for _, f := range fields {
		w := strings.ToLower(f)
		if len(w) > 1 {
			result = append(result, w)
		}
	}
	return result
}

// Keywords extracts up to 20 distinct content words from text, skipping
// short words and common stopwords.
func Keywords(text string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, w := range tokenize(text) {
		if len(w) < 3 || stopwords[w] || seen[w] {
			continue
		}
		seen[w] = true
		out = append(out, w)
		if len(out) >= 20 {
			break
		}
	}
	return out
}

var stopwords = map[string]bool{
	"the": true, "and": true, "for": true, "are": true,
	"but": true, "not": true, "you": true, "all": true,
	"can": true, "had": true, "her": true, "was": true,
	"one": true, "our": true, "out": true, "has": true,
	"have": true, "been": true, "this": true, "that": true,
	"with": true, "from": true, "they": true, "will": true,
	"what": true, "when": true, "make": true, "like": true,
	"just": true, "into": true, "than": true, "them": true,
	"some": true, "could": true, "would": true, "there": true,
}

type scored struct {
	entry *Entry
	score float64
}

// rankByRelevance orders entries by keyword similarity, falling back to
// importance on ties, and drops entries that share nothing with keywords.
func rankByRelevance(entries []*Entry, keywords []string) []scored {
	out := make([]scored, 0, len(entries))
	for _, e := range entries {
		if s := keywordSimilarity(keywords, contentText(e.Content)); s > 0 {
			out = append(out, scored{entry: e, score: s})
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].score != out[j].score {
			return out[i].score > out[j].score
		}
		return out[i].entry.Importance > out[j].entry.Importance
	})
	return out
}
