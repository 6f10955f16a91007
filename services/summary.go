package services

import (
	"sort"
	"strings"
	"unicode"

	"github.com/aidol-labs/aidol-api/model"
	"github.com/aidol-labs/aidol-api/shared"
)

// summarizeMessages produces a short digest of user/assistant turns:
// frequency-based topic extraction plus a coarse tone read. It is a cheap
// stand-in for a model-generated summary and is only ever advisory.
func summarizeMessages(messages []model.Message) string {
	var texts []string
	for _, msg := range messages {
		if msg.Role != shared.RoleUser && msg.Role != shared.RoleAssistant {
			continue
		}
		texts = append(texts, msg.Content)
	}
	if len(texts) == 0 {
		return ""
	}

	combined := strings.Join(texts, " ")
	topics := extractTopics(combined, 3)
	tone := detectTone(combined)

	var b strings.Builder
	if len(topics) > 0 {
		b.WriteString("The conversation covered ")
		b.WriteString(strings.Join(topics, ", "))
		b.WriteString(".")
	} else {
		b.WriteString("The conversation continued over several turns.")
	}
	b.WriteString(" The tone was ")
	b.WriteString(tone)
	b.WriteString(".")

	return b.String()
}

var stopWords = map[string]struct{}{
	"the": {}, "and": {}, "that": {}, "have": {}, "this": {}, "with": {},
	"you": {}, "your": {}, "for": {}, "are": {}, "was": {}, "not": {},
	"but": {}, "what": {}, "about": {}, "just": {}, "like": {}, "really": {},
	"they": {}, "them": {}, "then": {}, "than": {}, "there": {}, "here": {},
	"when": {}, "will": {}, "would": {}, "could": {}, "should": {}, "from": {},
	"been": {}, "were": {}, "because": {}, "dont": {}, "don't": {}, "its": {},
	"it's": {}, "i'm": {}, "can": {}, "know": {}, "think": {}, "want": {},
}

func extractTopics(text string, limit int) []string {
	counts := map[string]int{}

	for _, raw := range strings.Fields(strings.ToLower(text)) {
		word := strings.TrimFunc(raw, func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsNumber(r)
		})
		if len(word) < 4 {
			continue
		}
		if _, stop := stopWords[word]; stop {
			continue
		}
		counts[word]++
	}

	type wordCount struct {
		word  string
		count int
	}
	ranked := make([]wordCount, 0, len(counts))
	for w, c := range counts {
		if c < 2 {
			continue
		}
		ranked = append(ranked, wordCount{w, c})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].count != ranked[j].count {
			return ranked[i].count > ranked[j].count
		}
		return ranked[i].word < ranked[j].word
	})

	if len(ranked) > limit {
		ranked = ranked[:limit]
	}
	topics := make([]string, 0, len(ranked))
	for _, wc := range ranked {
		topics = append(topics, wc.word)
	}
	return topics
}

var (
	positiveWords = []string{"love", "great", "happy", "amazing", "fun", "excited", "thank"}
	negativeWords = []string{"sad", "angry", "hate", "upset", "terrible", "sorry", "worried"}
)

func detectTone(text string) string {
	lowered := strings.ToLower(text)

	positive, negative := 0, 0
	for _, w := range positiveWords {
		positive += strings.Count(lowered, w)
	}
	for _, w := range negativeWords {
		negative += strings.Count(lowered, w)
	}

	exclamations := strings.Count(text, "!")

	switch {
	case positive > negative && exclamations >= 3:
		return "enthusiastic"
	case positive > negative:
		return "friendly"
	case negative > positive:
		return "serious"
	default:
		return "casual"
	}
}
