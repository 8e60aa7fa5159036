package answer

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/avrora-labs/opskb/internal/normalize"
	"github.com/avrora-labs/opskb/pkg/anthropic"
)

const followUpSystemPrompt = `You decide whether a question depends on the preceding conversation. If it does, rewrite it as a standalone question carrying the missing references; if not, leave it unchanged. Respond with a valid JSON object:
{"is_follow_up": <bool>, "standalone_question": "<the question, rewritten if needed>"}`

// resolveFollowUp rewrites a follow-up question into standalone form using
// recent session turns. Any failure keeps the original question; follow-up
// handling never blocks answering. The session is created on first use.
func (a *Answerer) resolveFollowUp(ctx context.Context, sessionID, question string) string {
	sess, err := a.store.GetSession(ctx, sessionID)
	if err != nil {
		zap.L().Warn("answer: load session", zap.String("session_id", sessionID), zap.Error(err))
		return question
	}
	if sess == nil {
		// First use of this session id. The row must exist before recordTurns
		// appends against it: turns reference sessions by foreign key.
		if _, err := a.store.CreateSession(ctx, sessionID); err != nil {
			zap.L().Warn("answer: create session", zap.String("session_id", sessionID), zap.Error(err))
		}
		return question
	}

	turns, err := a.store.ListRecentTurns(ctx, sessionID, a.cfg.MaxTurns)
	if err != nil {
		zap.L().Warn("answer: load turns", zap.String("session_id", sessionID), zap.Error(err))
		return question
	}
	if len(turns) == 0 {
		return question
	}

	var history strings.Builder
	history.WriteString("Conversation so far:\n")
	for _, turn := range turns {
		fmt.Fprintf(&history, "%s: %s\n", turn.Role, turn.Content)
	}

	resp, err := a.gateway.Complete(ctx, anthropic.MessageRequest{
		Model:     a.cfg.Model,
		MaxTokens: a.cfg.MaxTokens,
		System: []anthropic.SystemBlock{
			{Text: followUpSystemPrompt},
			{Text: history.String()},
		},
		Messages: []anthropic.Message{{Role: "user", Content: question}},
	})
	if err != nil {
		zap.L().Warn("answer: follow-up detection degraded", zap.Error(err))
		return question
	}

	var parsed struct {
		IsFollowUp bool   `json:"is_follow_up"`
		Standalone string `json:"standalone_question"`
	}
	if err := json.Unmarshal([]byte(normalize.Repair(resp.Text())), &parsed); err != nil {
		zap.L().Warn("answer: follow-up response unparseable", zap.Error(err))
		return question
	}

	standalone := strings.TrimSpace(parsed.Standalone)
	if parsed.IsFollowUp && standalone != "" {
		zap.L().Debug("answer: follow-up expanded",
			zap.String("session_id", sessionID),
			zap.String("standalone", standalone),
		)
		return standalone
	}
	return question
}
