package services

import (
	"net/http"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode"

	appContext "github.com/alphabatem/common/context"
	log "github.com/sirupsen/logrus"

	"github.com/aidol-labs/aidol-api/dto"
	"github.com/aidol-labs/aidol-api/model"
	"github.com/aidol-labs/aidol-api/shared"
)

type ModerationService struct {
	appContext.DefaultService

	rules []compiledRule

	store  ModerationStore
	monSvc *MonitoringService

	sqlSvc *SqlService
}

type compiledRule struct {
	ModerationRule
	regex *regexp.Regexp
}

const MODERATION_SVC = "moderation_svc"

const (
	maxContentLength     = 1000
	hardContentLength    = 4000
	specialCharFlagRatio = 0.5
	specialCharHardRatio = 0.8

	spamIndicatorWeight = 0.3
	spamBlockThreshold  = 0.6
	spamFlagThreshold   = 0.3
)

func (svc ModerationService) Id() string {
	return MODERATION_SVC
}

func (svc *ModerationService) Configure(ctx *appContext.Context) error {
	svc.loadRules(defaultModerationRules)
	return svc.DefaultService.Configure(ctx)
}

func (svc *ModerationService) Start() error {
	svc.sqlSvc = svc.Service(SQL_SVC).(*SqlService)
	svc.monSvc = svc.Service(MONITORING_SVC).(*MonitoringService)
	svc.store = svc.sqlSvc

	go svc.startLogRetentionJob()

	return nil
}

// startLogRetentionJob trims resolved moderation logs past the retention
// window. Appealed rows are kept indefinitely.
func (svc *ModerationService) startLogRetentionJob() {
	retention := 90 * 24 * time.Hour
	if days := os.Getenv("MODERATION_LOG_RETENTION_DAYS"); days != "" {
		if v, err := strconv.Atoi(days); err == nil && v > 0 {
			retention = time.Duration(v) * 24 * time.Hour
		}
	}

	ticker := time.NewTicker(6 * time.Hour)
	defer ticker.Stop()

	for range ticker.C {
		if err := svc.sqlSvc.TrimModerationLogs(retention); err != nil {
			log.Printf("Moderation log retention error: %v", err)
		}
	}
}

// loadRules compiles the rule table. A malformed pattern is logged and
// skipped rather than taking the moderator down.
func (svc *ModerationService) loadRules(rules []ModerationRule) {
	svc.rules = svc.rules[:0]
	for _, rule := range rules {
		cr := compiledRule{ModerationRule: rule}
		if rule.IsRegex {
			re, err := regexp.Compile(rule.Pattern)
			if err != nil {
				log.WithFields(log.Fields{
					"rule":  rule.ID,
					"error": err.Error(),
				}).Error("Skipping malformed moderation rule")
				continue
			}
			cr.regex = re
		}
		svc.rules = append(svc.rules, cr)
	}
}

// ==================== MODERATION PIPELINE ====================

// ModerateContent classifies a single message. Any internal failure
// degrades to allowed with confidence 0 and category "error": moderation
// must never block the pipeline outright.
func (svc *ModerationService) ModerateContent(content, subjectID string) (result dto.ModerationResult) {
	defer func() {
		if r := recover(); r != nil {
			log.WithFields(log.Fields{
				"subject_id": subjectID,
				"panic":      r,
			}).Error("Moderation pipeline panicked, failing open")
			result = dto.ModerationResult{
				Action:     shared.ActionAllowed,
				Confidence: 0,
				Categories: []string{shared.CategoryError},
			}
		}
	}()

	normalized := normalizeContent(content)

	result = combineResults(
		svc.checkRules(normalized),
		checkSpam(normalized),
		checkStructure(content, normalized),
	)

	svc.monSvc.RecordModeration(result.Action)

	if result.Action != shared.ActionAllowed {
		result.LogID = svc.logVerdict(subjectID, result)
	}

	return result
}

// logVerdict persists the non-allowed verdict. A storage failure only
// loses the audit row, never the verdict itself.
func (svc *ModerationService) logVerdict(subjectID string, result dto.ModerationResult) string {
	if svc.store == nil {
		return ""
	}

	logRow := &model.ModerationLog{
		SubjectID:  subjectID,
		Action:     result.Action,
		Reason:     result.Reason,
		Categories: strings.Join(result.Categories, ","),
		Confidence: result.Confidence,
	}
	if err := svc.store.CreateModerationLog(logRow); err != nil {
		log.Printf("Failed to persist moderation log: %v", err)
		return ""
	}
	return logRow.ID
}

// AttachMessage links a persisted message to an earlier verdict so appeals
// can un-hide it.
func (svc *ModerationService) AttachMessage(logID, messageID string) {
	if logID == "" || svc.store == nil {
		return
	}

	logRow, err := svc.store.GetModerationLog(logID)
	if err != nil {
		log.Printf("Failed to load moderation log %s: %v", logID, err)
		return
	}
	logRow.MessageID = &messageID
	if err := svc.store.UpdateModerationLog(logRow); err != nil {
		log.Printf("Failed to attach message to moderation log %s: %v", logID, err)
	}
}

// ProcessAppeal flips the appealed flag exactly once; repeated calls are
// no-ops. An approved appeal un-hides the related message.
func (svc *ModerationService) ProcessAppeal(logID string, approved bool) (*model.ModerationLog, error) {
	logRow, err := svc.store.GetModerationLog(logID)
	if err != nil {
		return nil, shared.NewAppError(http.StatusNotFound, "Moderation log not found", nil)
	}

	if logRow.Appealed {
		return logRow, nil
	}

	logRow.Appealed = true
	if err := svc.store.UpdateModerationLog(logRow); err != nil {
		return nil, err
	}

	if approved && logRow.MessageID != nil {
		if err := svc.store.SetMessageHidden(*logRow.MessageID, false); err != nil {
			log.Printf("Failed to unhide message %s: %v", *logRow.MessageID, err)
		}
	}

	return logRow, nil
}

// ==================== STAGES ====================

var whitespaceRun = regexp.MustCompile(`\s+`)

// normalizeContent trims, collapses whitespace and strips non-printable bytes.
func normalizeContent(content string) string {
	var b strings.Builder
	b.Grow(len(content))
	for _, r := range content {
		if unicode.IsPrint(r) || unicode.IsSpace(r) {
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(whitespaceRun.ReplaceAllString(b.String(), " "))
}

// checkRules evaluates the full rule table. The verdict takes the most
// severe matched action, the max confidence among matches contributing to
// that action and the union of matched categories.
func (svc *ModerationService) checkRules(normalized string) dto.ModerationResult {
	result := dto.ModerationResult{Action: shared.ActionAllowed, Confidence: 1.0}
	lowered := strings.ToLower(normalized)

	var reasons []string
	for _, rule := range svc.rules {
		matched := false
		if rule.regex != nil {
			matched = rule.regex.MatchString(normalized)
		} else {
			matched = strings.Contains(lowered, strings.ToLower(rule.Pattern))
		}
		if !matched {
			continue
		}

		if severity(rule.Action) > severity(result.Action) {
			result.Action = rule.Action
			result.Confidence = rule.Confidence
		} else if rule.Action == result.Action && rule.Confidence > result.Confidence {
			result.Confidence = rule.Confidence
		}
		result.Categories = appendCategory(result.Categories, rule.Category)
		reasons = append(reasons, rule.Description)
	}

	if result.Action != shared.ActionAllowed {
		result.Reason = strings.Join(reasons, "; ")
	}
	return result
}

// checkSpam scores independent spam indicators at 0.3 each.
func checkSpam(normalized string) dto.ModerationResult {
	score := 0.0
	var hits []string

	if hasCharRun(normalized, 10) {
		score += spamIndicatorWeight
		hits = append(hits, "character repetition")
	}
	if hasRepeatedWordRun(normalized, 5) {
		score += spamIndicatorWeight
		hits = append(hits, "repeated words")
	}
	if isShouting(normalized) {
		score += spamIndicatorWeight
		hits = append(hits, "excessive capitalization")
	}
	if containsSpamPhrase(normalized) {
		score += spamIndicatorWeight
		hits = append(hits, "known spam phrase")
	}
	if excessivePunctuation(normalized) {
		score += spamIndicatorWeight
		hits = append(hits, "excessive punctuation")
	}
	if urlPattern.MatchString(normalized) {
		score += spamIndicatorWeight
		hits = append(hits, "bare URL")
	}

	if score >= spamBlockThreshold {
		return dto.ModerationResult{
			Action:     shared.ActionBlocked,
			Confidence: capConfidence(score),
			Categories: []string{shared.CategorySpam},
			Reason:     "Spam indicators: " + strings.Join(hits, ", "),
		}
	}
	if score >= spamFlagThreshold {
		return dto.ModerationResult{
			Action:     shared.ActionFlagged,
			Confidence: capConfidence(score),
			Categories: []string{shared.CategorySpam},
			Reason:     "Spam indicators: " + strings.Join(hits, ", "),
		}
	}
	return dto.ModerationResult{Action: shared.ActionAllowed, Confidence: 1 - score}
}

// checkStructure rejects structurally invalid content: empty input is a
// hard block, oversized or symbol-heavy input is flagged or blocked by
// severity.
func checkStructure(content, normalized string) dto.ModerationResult {
	if normalized == "" {
		return dto.ModerationResult{
			Action:     shared.ActionBlocked,
			Confidence: 1.0,
			Categories: []string{shared.CategoryStructure},
			Reason:     "Empty or whitespace-only content",
		}
	}

	result := dto.ModerationResult{Action: shared.ActionAllowed, Confidence: 1.0}

	if len(content) > hardContentLength {
		result = dto.ModerationResult{
			Action:     shared.ActionBlocked,
			Confidence: 0.9,
			Categories: []string{shared.CategoryStructure},
			Reason:     "Content far exceeds the maximum message length",
		}
	} else if len(content) > maxContentLength {
		result = dto.ModerationResult{
			Action:     shared.ActionFlagged,
			Confidence: 0.6,
			Categories: []string{shared.CategoryStructure},
			Reason:     "Content exceeds the recommended message length",
		}
	}

	ratio := specialCharRatio(normalized)
	if ratio > specialCharHardRatio {
		blocked := dto.ModerationResult{
			Action:     shared.ActionBlocked,
			Confidence: 0.8,
			Categories: []string{shared.CategoryStructure},
			Reason:     "Content is mostly special characters",
		}
		result = combineResults(result, blocked)
	} else if ratio > specialCharFlagRatio {
		flagged := dto.ModerationResult{
			Action:     shared.ActionFlagged,
			Confidence: 0.5,
			Categories: []string{shared.CategoryStructure},
			Reason:     "High special character ratio",
		}
		result = combineResults(result, flagged)
	}

	return result
}

// combineResults folds stage results with blocked > flagged > allowed
// precedence. The fold is associative and order independent for action,
// confidence and categories.
func combineResults(results ...dto.ModerationResult) dto.ModerationResult {
	final := dto.ModerationResult{Action: shared.ActionAllowed}
	categories := map[string]struct{}{}
	var reasons []string

	for _, r := range results {
		if severity(r.Action) > severity(final.Action) {
			final.Action = r.Action
			final.Confidence = r.Confidence
		} else if r.Action == final.Action && r.Confidence > final.Confidence {
			final.Confidence = r.Confidence
		}

		for _, c := range r.Categories {
			categories[c] = struct{}{}
		}
		if r.Reason != "" {
			reasons = append(reasons, r.Reason)
		}
		if r.SuggestedEdit != "" && final.SuggestedEdit == "" {
			final.SuggestedEdit = r.SuggestedEdit
		}
	}

	for c := range categories {
		final.Categories = append(final.Categories, c)
	}
	sort.Strings(final.Categories)
	sort.Strings(reasons)
	final.Reason = strings.Join(reasons, "; ")

	return final
}

func severity(action string) int {
	switch action {
	case shared.ActionBlocked:
		return 2
	case shared.ActionFlagged:
		return 1
	default:
		return 0
	}
}

// ==================== HEURISTIC HELPERS ====================

var urlPattern = regexp.MustCompile(`(?i)\b(https?://|www\.)\S+`)

func hasCharRun(s string, threshold int) bool {
	var prev rune
	run := 0
	for _, r := range s {
		if r == prev {
			run++
			if run >= threshold {
				return true
			}
		} else {
			prev = r
			run = 1
		}
	}
	return false
}

func hasRepeatedWordRun(s string, threshold int) bool {
	words := strings.Fields(strings.ToLower(s))
	run := 1
	for i := 1; i < len(words); i++ {
		if words[i] == words[i-1] && len(words[i]) > 1 {
			run++
			if run >= threshold {
				return true
			}
		} else {
			run = 1
		}
	}
	return false
}

func isShouting(s string) bool {
	letters, uppers := 0, 0
	for _, r := range s {
		if unicode.IsLetter(r) {
			letters++
			if unicode.IsUpper(r) {
				uppers++
			}
		}
	}
	return letters >= 20 && float64(uppers)/float64(letters) > 0.7
}

func containsSpamPhrase(s string) bool {
	lowered := strings.ToLower(s)
	for _, phrase := range spamPhrases {
		if strings.Contains(lowered, phrase) {
			return true
		}
	}
	return false
}

func excessivePunctuation(s string) bool {
	run, total := 0, 0
	for _, r := range s {
		if r == '!' || r == '?' {
			run++
			total++
			if run >= 4 {
				return true
			}
		} else {
			run = 0
		}
	}
	return total >= 8
}

func specialCharRatio(s string) float64 {
	if s == "" {
		return 0
	}
	special, total := 0, 0
	for _, r := range s {
		total++
		if !unicode.IsLetter(r) && !unicode.IsNumber(r) && !unicode.IsSpace(r) {
			special++
		}
	}
	return float64(special) / float64(total)
}

func appendCategory(categories []string, category string) []string {
	for _, c := range categories {
		if c == category {
			return categories
		}
	}
	return append(categories, category)
}

func capConfidence(score float64) float64 {
	if score > 1.0 {
		return 1.0
	}
	return score
}
