package services

import (
	"fmt"
	"strings"
	"sync"
	"testing"
	"unicode/utf8"

	"github.com/aidol-labs/aidol-api/dto"
	"github.com/aidol-labs/aidol-api/model"
	"github.com/aidol-labs/aidol-api/shared"
)

type memConversationStore struct {
	mu            sync.Mutex
	conversations map[string]*model.Conversation
	messages      map[string][]model.Message
	nextID        int
}

func newMemConversationStore() *memConversationStore {
	return &memConversationStore{
		conversations: make(map[string]*model.Conversation),
		messages:      make(map[string][]model.Message),
	}
}

func (s *memConversationStore) GetConversation(id string) (*model.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[id]
	if !ok {
		return nil, fmt.Errorf("conversation %s not found", id)
	}
	copied := *conv
	return &copied, nil
}

func (s *memConversationStore) CreateConversation(conv *model.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	conv.ID = fmt.Sprintf("conv-%d", s.nextID)
	stored := *conv
	s.conversations[conv.ID] = &stored
	return nil
}

func (s *memConversationStore) UpdateConversationSummary(id, summary string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[id]
	if !ok {
		return fmt.Errorf("conversation %s not found", id)
	}
	conv.Summary = summary
	return nil
}

func (s *memConversationStore) CreateMessage(msg *model.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	msg.ID = fmt.Sprintf("msg-%d", s.nextID)
	s.messages[msg.ConversationID] = append(s.messages[msg.ConversationID], *msg)
	return nil
}

func (s *memConversationStore) GetConversationMessages(conversationID string, includeHidden bool) ([]model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Message
	for _, msg := range s.messages[conversationID] {
		if msg.Hidden && !includeHidden {
			continue
		}
		out = append(out, msg)
	}
	return out, nil
}

func newTestContextService(store ConversationStore) *ContextService {
	return &ContextService{
		store:     store,
		estimator: heuristicEstimator{},
		limits: ContextLimits{
			MaxContextTokens: 4000,
			MaxMessageTokens: 500,
			ResponseTokens:   500,
		},
	}
}

func TestHeuristicEstimator(t *testing.T) {
	est := heuristicEstimator{}

	cases := []struct {
		content string
		want    int
	}{
		{"", 0},
		{"a", 1},
		{"abcd", 1},
		{"abcde", 2},
		{strings.Repeat("x", 8), 2},
		{strings.Repeat("x", 100), 25},
	}

	for _, tc := range cases {
		if got := est.EstimateTokens(tc.content); got != tc.want {
			t.Errorf("EstimateTokens(%d chars) = %d, want %d", len(tc.content), got, tc.want)
		}
	}
}

func turn(role, content string) model.Message {
	return model.Message{Role: role, Content: content}
}

func TestCreateContextWindowFitsAll(t *testing.T) {
	svc := newTestContextService(newMemConversationStore())

	messages := []model.Message{
		turn(shared.RoleUser, "hello there"),
		turn(shared.RoleAssistant, "hi, good to see you"),
		turn(shared.RoleUser, "how was the show"),
		turn(shared.RoleAssistant, "it went really well"),
	}

	limits := ContextLimits{MaxContextTokens: 4000, MaxMessageTokens: 500, ResponseTokens: 500}
	window := svc.CreateContextWindow(messages, limits, "")

	if window.Truncated {
		t.Fatal("window should not be truncated")
	}
	if window.SummaryUsed {
		t.Fatal("no summary expected when nothing was dropped")
	}
	if len(window.Messages) != len(messages) {
		t.Fatalf("retained %d messages, want %d", len(window.Messages), len(messages))
	}
	for i := range messages {
		if window.Messages[i].Content != messages[i].Content {
			t.Errorf("message %d out of order: %q", i, window.Messages[i].Content)
		}
	}

	wantTokens := 0
	for _, msg := range messages {
		wantTokens += svc.estimator.EstimateTokens(msg.Content)
	}
	if window.TotalTokens != wantTokens {
		t.Errorf("total tokens = %d, want %d", window.TotalTokens, wantTokens)
	}
}

func TestCreateContextWindowKeepsNewest(t *testing.T) {
	svc := newTestContextService(newMemConversationStore())

	var messages []model.Message
	for i := 0; i < 20; i++ {
		role := shared.RoleUser
		if i%2 == 1 {
			role = shared.RoleAssistant
		}
		messages = append(messages, turn(role, fmt.Sprintf("turn %02d %s", i, strings.Repeat("x", 90))))
	}

	// 100 token budget against 25-token messages keeps the 4 newest.
	limits := ContextLimits{MaxContextTokens: 200, MaxMessageTokens: 500, SystemPromptTokens: 50, ResponseTokens: 50}
	window := svc.CreateContextWindow(messages, limits, "")

	if !window.Truncated {
		t.Fatal("window should be truncated")
	}
	if window.SummaryUsed {
		t.Fatal("enough messages retained, no summary expected")
	}
	if len(window.Messages) != 4 {
		t.Fatalf("retained %d messages, want 4", len(window.Messages))
	}
	if window.TotalTokens > 100 {
		t.Errorf("total tokens = %d, exceeds the %d budget", window.TotalTokens, 100)
	}
	for i, msg := range window.Messages {
		want := messages[len(messages)-4+i].Content
		if msg.Content != want {
			t.Errorf("retained message %d = %q, want newest-first tail in order", i, msg.Content)
		}
	}
}

func TestCreateContextWindowSyntheticSummary(t *testing.T) {
	svc := newTestContextService(newMemConversationStore())

	topicSentence := "The concert was amazing and the stage lights were amazing during the concert finale. "
	var messages []model.Message
	for i := 0; i < 5; i++ {
		role := shared.RoleUser
		if i%2 == 1 {
			role = shared.RoleAssistant
		}
		messages = append(messages, turn(role, strings.Repeat(topicSentence, 4)))
	}
	messages = append(messages,
		turn(shared.RoleUser, "thank you!!"),
		turn(shared.RoleAssistant, "see you soon!"),
	)

	limits := ContextLimits{MaxContextTokens: 80, MaxMessageTokens: 500, SystemPromptTokens: 10, ResponseTokens: 10}
	window := svc.CreateContextWindow(messages, limits, "")

	if !window.Truncated {
		t.Fatal("window should be truncated")
	}
	if !window.SummaryUsed {
		t.Fatal("few retained messages should trigger the synthetic summary")
	}
	if window.TotalTokens > 60 {
		t.Errorf("total tokens = %d, exceeds the %d budget", window.TotalTokens, 60)
	}

	first := window.Messages[0]
	if first.Role != shared.RoleSystem {
		t.Fatalf("first message role = %s, want system", first.Role)
	}
	if !strings.HasPrefix(first.Content, "Summary of the earlier conversation:") {
		t.Errorf("summary content = %q", first.Content)
	}
	if !strings.Contains(string(first.Metadata), "is_summary") {
		t.Errorf("summary metadata = %s, want is_summary marker", first.Metadata)
	}

	// The real turns follow the summary in chronological order.
	if len(window.Messages) != 3 {
		t.Fatalf("window has %d messages, want summary plus the 2 newest", len(window.Messages))
	}
	if window.Messages[1].Content != "thank you!!" || window.Messages[2].Content != "see you soon!" {
		t.Errorf("retained tail = %q, %q", window.Messages[1].Content, window.Messages[2].Content)
	}
}

func TestCreateContextWindowFallbackSummary(t *testing.T) {
	svc := newTestContextService(newMemConversationStore())

	// Dropped turns carry no summarizable text, the stored rolling summary
	// steps in.
	var messages []model.Message
	for i := 0; i < 5; i++ {
		messages = append(messages, turn(shared.RoleSystem, strings.Repeat("z", 400)))
	}
	messages = append(messages, turn(shared.RoleUser, "hi again!"))

	limits := ContextLimits{MaxContextTokens: 80, MaxMessageTokens: 500, SystemPromptTokens: 10, ResponseTokens: 10}
	window := svc.CreateContextWindow(messages, limits, "We talked about the spring tour.")

	if !window.SummaryUsed {
		t.Fatal("fallback summary should be used")
	}
	if !strings.Contains(window.Messages[0].Content, "We talked about the spring tour.") {
		t.Errorf("summary content = %q", window.Messages[0].Content)
	}
}

func TestCreateContextWindowClampsOversizedMessage(t *testing.T) {
	svc := newTestContextService(newMemConversationStore())

	messages := []model.Message{turn(shared.RoleUser, strings.Repeat("a", 200))}
	limits := ContextLimits{MaxContextTokens: 100, MaxMessageTokens: 10, ResponseTokens: 10}

	window := svc.CreateContextWindow(messages, limits, "")
	if len(window.Messages) != 1 {
		t.Fatalf("retained %d messages, want 1", len(window.Messages))
	}
	if got := window.Messages[0]; got.Tokens != 10 || len(got.Content) != 40 {
		t.Errorf("clamped message tokens = %d len = %d, want 10 and 40", got.Tokens, len(got.Content))
	}
}

func TestCreateContextWindowClampKeepsRuneBoundary(t *testing.T) {
	svc := newTestContextService(newMemConversationStore())

	// 50 three-byte runes, 150 bytes. The 40-byte cap lands mid-rune and
	// must back off to byte 39.
	messages := []model.Message{turn(shared.RoleUser, strings.Repeat("世", 50))}
	limits := ContextLimits{MaxContextTokens: 100, MaxMessageTokens: 10, ResponseTokens: 10}

	window := svc.CreateContextWindow(messages, limits, "")
	if len(window.Messages) != 1 {
		t.Fatalf("retained %d messages, want 1", len(window.Messages))
	}

	got := window.Messages[0]
	if !utf8.ValidString(got.Content) {
		t.Fatalf("clamped content is not valid UTF-8: %q", got.Content)
	}
	if len(got.Content) != 39 {
		t.Errorf("clamped length = %d, want 39", len(got.Content))
	}
	if got.Tokens != 10 {
		t.Errorf("clamped tokens = %d, want 10", got.Tokens)
	}
}

func TestPrepareAIContext(t *testing.T) {
	store := newMemConversationStore()
	svc := newTestContextService(store)

	conv := &model.Conversation{UserID: "user-1", CharacterID: "char-1"}
	if err := store.CreateConversation(conv); err != nil {
		t.Fatal(err)
	}

	for _, msg := range []model.Message{
		{ConversationID: conv.ID, Role: shared.RoleUser, Content: "hello"},
		{ConversationID: conv.ID, Role: shared.RoleAssistant, Content: "hey there"},
		{ConversationID: conv.ID, Role: shared.RoleUser, Content: "this one is hidden", Hidden: true},
		{ConversationID: conv.ID, Role: shared.RoleSystem, Content: "stored system row"},
		{ConversationID: conv.ID, Role: shared.RoleUser, Content: "still here?"},
	} {
		m := msg
		if err := store.CreateMessage(&m); err != nil {
			t.Fatal(err)
		}
	}

	persona := "You are a cheerful idol."
	out, info, err := svc.PrepareAIContext(conv.ID, persona)
	if err != nil {
		t.Fatalf("PrepareAIContext: %v", err)
	}

	if out[0].Role != shared.RoleSystem || out[0].Content != persona {
		t.Fatalf("first message = %+v, want the persona system prompt", out[0])
	}

	var contents []string
	for _, msg := range out[1:] {
		contents = append(contents, msg.Content)
	}
	want := []string{"hello", "hey there", "still here?"}
	if strings.Join(contents, "|") != strings.Join(want, "|") {
		t.Errorf("window = %v, want %v", contents, want)
	}

	if info.Truncated {
		t.Error("short history must not be truncated")
	}
	if info.MessageCount != 3 {
		t.Errorf("message count = %d, want 3", info.MessageCount)
	}
	if info.TotalTokens <= 0 {
		t.Errorf("total tokens = %d, want > 0", info.TotalTokens)
	}
}

func TestAddMessageToContext(t *testing.T) {
	store := newMemConversationStore()
	svc := newTestContextService(store)

	msg, err := svc.AddMessageToContext("conv-1", shared.RoleUser, "hello world", map[string]interface{}{
		"moderation": shared.ActionFlagged,
	})
	if err != nil {
		t.Fatalf("AddMessageToContext: %v", err)
	}

	if msg.ID == "" {
		t.Error("message must get an id")
	}
	if msg.Tokens != 3 {
		t.Errorf("tokens = %d, want 3 for 11 chars", msg.Tokens)
	}
	if !strings.Contains(string(msg.Metadata), "flagged") {
		t.Errorf("metadata = %s, want moderation marker", msg.Metadata)
	}

	stored, _ := store.GetConversationMessages("conv-1", true)
	if len(stored) != 1 || stored[0].Content != "hello world" {
		t.Errorf("stored = %+v, want the verbatim message", stored)
	}
}

func TestGetOrCreateConversation(t *testing.T) {
	store := newMemConversationStore()
	svc := newTestContextService(store)

	created, err := svc.GetOrCreateConversation(dto.ChatRequest{UserID: "user-1", CharacterID: "char-1"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.ID == "" {
		t.Fatal("new conversation must get an id")
	}

	fetched, err := svc.GetOrCreateConversation(dto.ChatRequest{ConversationID: created.ID, UserID: "user-1", CharacterID: "char-1"})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if fetched.ID != created.ID {
		t.Errorf("fetched %s, want %s", fetched.ID, created.ID)
	}

	_, err = svc.GetOrCreateConversation(dto.ChatRequest{ConversationID: "missing", UserID: "user-1", CharacterID: "char-1"})
	if err == nil {
		t.Fatal("unknown conversation must error")
	}
	if appErr, ok := shared.GetAppError(err); !ok || appErr.StatusCode != 404 {
		t.Errorf("err = %v, want 404 app error", err)
	}
}

func TestUpdateConversationSummaryThreshold(t *testing.T) {
	store := newMemConversationStore()
	svc := newTestContextService(store)

	conv := &model.Conversation{UserID: "user-1", CharacterID: "char-1"}
	if err := store.CreateConversation(conv); err != nil {
		t.Fatal(err)
	}

	addTurns := func(n int, content string) {
		for i := 0; i < n; i++ {
			role := shared.RoleUser
			if i%2 == 1 {
				role = shared.RoleAssistant
			}
			if err := store.CreateMessage(&model.Message{ConversationID: conv.ID, Role: role, Content: content}); err != nil {
				t.Fatal(err)
			}
		}
	}

	addTurns(10, "the concert tickets for the concert were great")
	svc.UpdateConversationSummary(conv.ID)
	if got, _ := store.GetConversation(conv.ID); got.Summary != "" {
		t.Fatalf("summary = %q, want none below the thresholds", got.Summary)
	}

	addTurns(11, "rehearsal went long and the rehearsal playlist grew")
	// Last 5 turns carry a topic that must stay out of the digest.
	addTurns(5, "zebra zebra zebra")
	svc.UpdateConversationSummary(conv.ID)

	got, _ := store.GetConversation(conv.ID)
	if got.Summary == "" {
		t.Fatal("summary expected past the message threshold")
	}
	if !strings.HasPrefix(got.Summary, "The conversation covered") {
		t.Errorf("summary = %q", got.Summary)
	}
	if strings.Contains(got.Summary, "zebra") {
		t.Errorf("summary %q must exclude the most recent turns", got.Summary)
	}
}

func TestGetConversationContextRoundTrip(t *testing.T) {
	store := newMemConversationStore()
	svc := newTestContextService(store)

	conv := &model.Conversation{UserID: "user-1", CharacterID: "char-1"}
	if err := store.CreateConversation(conv); err != nil {
		t.Fatal(err)
	}

	contents := []string{"first", "second", "third"}
	for i, content := range contents {
		role := shared.RoleUser
		if i%2 == 1 {
			role = shared.RoleAssistant
		}
		if _, err := svc.AddMessageToContext(conv.ID, role, content, nil); err != nil {
			t.Fatal(err)
		}
	}

	ctx, err := svc.GetConversationContext(conv.ID)
	if err != nil {
		t.Fatalf("GetConversationContext: %v", err)
	}
	if len(ctx.Messages) != len(contents) {
		t.Fatalf("messages = %d, want %d", len(ctx.Messages), len(contents))
	}
	for i, msg := range ctx.Messages {
		if msg.Content != contents[i] {
			t.Errorf("message %d = %q, want %q verbatim", i, msg.Content, contents[i])
		}
	}
	if ctx.TotalTokens <= 0 {
		t.Error("total tokens should be estimated")
	}
}
