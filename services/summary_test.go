package services

import (
	"strings"
	"testing"

	"github.com/aidol-labs/aidol-api/model"
	"github.com/aidol-labs/aidol-api/shared"
)

func TestSummarizeMessages(t *testing.T) {
	messages := []model.Message{
		{Role: shared.RoleUser, Content: "the concert tonight was amazing, the whole concert really"},
		{Role: shared.RoleAssistant, Content: "so glad you loved the concert! the encore was amazing too"},
		{Role: shared.RoleSystem, Content: "internal note, must not leak into the digest"},
	}

	summary := summarizeMessages(messages)
	if !strings.HasPrefix(summary, "The conversation covered") {
		t.Fatalf("summary = %q", summary)
	}
	if !strings.Contains(summary, "concert") {
		t.Errorf("summary = %q, want the dominant topic", summary)
	}
	if strings.Contains(summary, "internal") {
		t.Errorf("summary = %q, system rows must be excluded", summary)
	}
}

func TestSummarizeMessagesEmpty(t *testing.T) {
	if got := summarizeMessages(nil); got != "" {
		t.Errorf("summary = %q, want empty for no messages", got)
	}
	onlySystem := []model.Message{{Role: shared.RoleSystem, Content: "setup"}}
	if got := summarizeMessages(onlySystem); got != "" {
		t.Errorf("summary = %q, want empty without user turns", got)
	}
}

func TestExtractTopics(t *testing.T) {
	text := "concert concert concert lights lights tour tour once"
	topics := extractTopics(text, 3)

	if len(topics) != 3 {
		t.Fatalf("topics = %v, want 3", topics)
	}
	if topics[0] != "concert" {
		t.Errorf("top topic = %s, want concert", topics[0])
	}
	for _, topic := range topics {
		if topic == "once" {
			t.Error("single-occurrence words must not become topics")
		}
	}
}

func TestDetectTone(t *testing.T) {
	cases := []struct {
		text string
		want string
	}{
		{"I love this, it was great! amazing! so fun!", "enthusiastic"},
		{"that was great, thank you", "friendly"},
		{"I am sad and upset about the terrible news", "serious"},
		{"we met at noon and walked home", "casual"},
	}

	for _, tc := range cases {
		if got := detectTone(tc.text); got != tc.want {
			t.Errorf("detectTone(%q) = %s, want %s", tc.text, got, tc.want)
		}
	}
}
