package reconcile

import (
	"context"
	"encoding/json"
	"os"
	"time"

	"github.com/workio/workio/internal/store"
	"github.com/workio/workio/pkg/transcript"
)

// processTranscript ingests a session's transcript into the store and
// returns the ids of created or changed messages. Per-unit failures are
// logged and skipped; only store-level failures that would leave the run
// inconsistent propagate.
func processTranscript(ctx context.Context, st store.Store, sessionID, transcriptPath string) ([]int64, error) {
	prompt, err := st.GetLatestPrompt(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if prompt == nil {
		dbLog(ctx, st, "No prompt found for session", map[string]any{"session_id": sessionID})
		return nil, nil
	}

	f, err := os.Open(transcriptPath)
	if err != nil {
		if os.IsNotExist(err) {
			dbLog(ctx, st, "Transcript file not found", map[string]any{
				"session_id": sessionID, "path": transcriptPath,
			})
		} else {
			dbLog(ctx, st, "Error reading transcript file", map[string]any{
				"session_id": sessionID, "error": err.Error(),
			})
		}
		return nil, nil
	}
	entries, err := transcript.Parse(f)
	f.Close()
	if err != nil {
		dbLog(ctx, st, "Error reading transcript file", map[string]any{
			"session_id": sessionID, "error": err.Error(),
		})
		return nil, nil
	}

	run := &transcriptRun{
		st:        st,
		sessionID: sessionID,
		promptID:  prompt.ID,
	}

	run.collectToolUses(entries)
	run.collectToolResults(entries)
	finalTodoIDs := run.dedupeTodoWrites()
	run.ingestToolCalls(ctx, finalTodoIDs)
	run.ingestTextMessages(ctx, entries)
	run.applySessionName(ctx, entries)

	dbLog(ctx, st, "Processed transcript", map[string]any{
		"session_id": sessionID, "messages_added": len(run.messageIDs),
	})

	run.promoteLatestPrompt(ctx)

	return run.messageIDs, nil
}

// transcriptRun is the state of one reconciliation pass over a transcript.
type transcriptRun struct {
	st        store.Store
	sessionID string
	promptID  int64

	toolOrder   []string
	toolUses    map[string]transcript.ToolUse
	toolResults map[string]transcript.ToolResult

	messageIDs    []int64
	firstUserBody string
}

// collectToolUses indexes tool_use content blocks from assistant entries by
// their block id, preserving transcript order.
func (r *transcriptRun) collectToolUses(entries []transcript.Entry) {
	r.toolUses = make(map[string]transcript.ToolUse)
	for _, entry := range entries {
		if entry.Type != transcript.EntryTypeAssistant {
			continue
		}
		blocks, ok := entry.Message.ContentBlocks()
		if !ok {
			continue
		}
		for _, block := range blocks {
			if block.Type != "tool_use" || block.ID == "" {
				continue
			}
			if _, seen := r.toolUses[block.ID]; !seen {
				r.toolOrder = append(r.toolOrder, block.ID)
			}
			r.toolUses[block.ID] = transcript.ToolUse{
				ToolUseID: block.ID,
				Timestamp: entry.Timestamp,
				Name:      block.Name,
				Input:     block.Input,
			}
		}
	}
}

// collectToolResults indexes tool_result content blocks from user entries by
// tool_use_id, capturing AskUserQuestion answers from the entry envelope.
func (r *transcriptRun) collectToolResults(entries []transcript.Entry) {
	r.toolResults = make(map[string]transcript.ToolResult)
	for _, entry := range entries {
		if entry.Type != transcript.EntryTypeUser {
			continue
		}
		blocks, ok := entry.Message.ContentBlocks()
		if !ok {
			continue
		}
		for _, block := range blocks {
			if block.Type != "tool_result" || block.ToolUseID == "" {
				continue
			}
			result := transcript.ToolResult{IsError: block.IsError}
			if len(block.Content) > 0 {
				var content any
				if json.Unmarshal(block.Content, &content) == nil {
					result.Content = content
				}
			}
			if answers, ok := entry.ToolUseResult["answers"]; ok {
				result.Answers = answers
			}
			r.toolResults[block.ToolUseID] = result
		}
	}
}

// dedupeTodoWrites keeps only the final TodoWrite per todo identity within
// this pass, so reprocessing never re-emits intermediate status states.
func (r *transcriptRun) dedupeTodoWrites() map[string]bool {
	finalByHash := make(map[string]string)
	for _, id := range r.toolOrder {
		use := r.toolUses[id]
		if use.Name != transcript.ToolTodoWrite {
			continue
		}
		todos := transcript.TodosFromInput(use.Input["todos"])
		finalByHash[transcript.TodoHash(r.sessionID, todos)] = id
	}
	final := make(map[string]bool, len(finalByHash))
	for _, id := range finalByHash {
		final[id] = true
	}
	return final
}

// ingestToolCalls projects and stores each tool invocation. TodoWrite goes
// through the identity-hash upsert; everything else is created once, keyed
// by tool_use_id.
func (r *transcriptRun) ingestToolCalls(ctx context.Context, finalTodoIDs map[string]bool) {
	for _, toolUseID := range r.toolOrder {
		use := r.toolUses[toolUseID]
		result := r.toolResults[toolUseID]

		summary := transcript.ProjectTool(use, result)
		if summary == nil {
			continue
		}
		toolsJSON, err := json.Marshal(summary)
		if err != nil {
			r.logUnitError(ctx, "Error processing tool call", toolUseID, err)
			continue
		}
		createdAt := parsedTime(use.Timestamp)

		if use.Name == transcript.ToolTodoWrite {
			if !finalTodoIDs[toolUseID] {
				continue
			}
			stateKey, _ := summary["state_key"].(string)
			upsert, err := r.st.UpsertTodoMessage(ctx, store.UpsertTodoMessageParams{
				SessionID: r.sessionID,
				PromptID:  r.promptID,
				UUID:      toolUseID,
				CreatedAt: createdAt,
				Tools:     toolsJSON,
				Todos:     transcript.TodosFromInput(use.Input["todos"]),
				StateKey:  stateKey,
			})
			if err != nil {
				r.logUnitError(ctx, "Error processing tool call", toolUseID, err)
				continue
			}
			if upsert.IsNew || upsert.StateChanged {
				r.messageIDs = append(r.messageIDs, upsert.MessageID)
			}
			continue
		}

		exists, err := r.st.MessageExists(ctx, toolUseID)
		if err != nil {
			r.logUnitError(ctx, "Error processing tool call", toolUseID, err)
			continue
		}
		if exists {
			continue
		}
		id, err := r.st.CreateMessage(ctx, store.CreateMessageParams{
			PromptID:  r.promptID,
			UUID:      toolUseID,
			CreatedAt: createdAt,
			Tools:     toolsJSON,
		})
		if err != nil {
			r.logUnitError(ctx, "Error processing tool call", toolUseID, err)
			continue
		}
		r.messageIDs = append(r.messageIDs, id)
	}
}

// ingestTextMessages stores user and assistant text messages in transcript
// order, skipping already ingested uuids and synthetic command output.
func (r *transcriptRun) ingestTextMessages(ctx context.Context, entries []transcript.Entry) {
	for _, entry := range entries {
		if entry.UUID == "" {
			continue
		}

		exists, err := r.st.MessageExists(ctx, entry.UUID)
		if err != nil || exists {
			continue
		}

		var body *string
		var thinking, isUser bool
		var imagesJSON []byte

		switch {
		case entry.Type == transcript.EntryTypeUser && entry.Message != nil && entry.Message.Role == "user":
			text, images := entry.Message.UserContent()
			if text == "" && len(images) == 0 {
				continue
			}
			if text != "" && transcript.IsSyntheticText(text) {
				continue
			}
			if text != "" {
				body = &text
			}
			isUser = true
			if len(images) > 0 {
				imagesJSON, _ = json.Marshal(images)
			}

		case entry.Type == transcript.EntryTypeAssistant && entry.Message != nil &&
			entry.Message.Role == "assistant" && entry.Message.Type == "message":
			text, isThinking := entry.Message.AssistantBody()
			if text == "" {
				continue
			}
			body = &text
			thinking = isThinking

		default:
			continue
		}

		id, err := r.st.CreateMessage(ctx, store.CreateMessageParams{
			PromptID:  r.promptID,
			UUID:      entry.UUID,
			CreatedAt: parsedTime(entry.Timestamp),
			Body:      body,
			Thinking:  thinking,
			IsUser:    isUser,
			Images:    imagesJSON,
		})
		if err != nil {
			r.logUnitError(ctx, "Error storing message", entry.UUID, err)
			continue
		}
		r.messageIDs = append(r.messageIDs, id)
		if isUser && body != nil && r.firstUserBody == "" {
			r.firstUserBody = *body
		}
	}
}

// applySessionName applies the naming precedence: the transcript's last
// custom-title wins unconditionally, otherwise the first ingested user body
// fills an empty name.
func (r *transcriptRun) applySessionName(ctx context.Context, entries []transcript.Entry) {
	customTitle := ""
	for _, entry := range entries {
		if entry.Type == transcript.EntryTypeCustomTitle && entry.CustomTitle != "" {
			customTitle = entry.CustomTitle
		}
	}
	if customTitle != "" {
		if err := r.st.UpdateSessionName(ctx, r.sessionID, customTitle); err != nil {
			r.logUnitError(ctx, "Error setting session name", r.sessionID, err)
		}
		return
	}
	if r.firstUserBody != "" {
		if err := r.st.UpdateSessionNameIfEmpty(ctx, r.sessionID, r.firstUserBody); err != nil {
			r.logUnitError(ctx, "Error setting session name", r.sessionID, err)
		}
	}
}

// promoteLatestPrompt fills a null-bodied latest prompt with the newest
// user message, so pre-prompt placeholders catch up with the transcript.
func (r *transcriptRun) promoteLatestPrompt(ctx context.Context) {
	latest, err := r.st.GetLatestPrompt(ctx, r.sessionID)
	if err != nil || latest == nil || latest.Prompt != nil {
		return
	}
	body, found, err := r.st.GetLatestUserMessage(ctx, latest.ID)
	if err != nil || !found || body == nil {
		return
	}
	if err := r.st.UpdatePromptText(ctx, latest.ID, body); err != nil {
		return
	}
	dbLog(ctx, r.st, "Set prompt from user message", map[string]any{"session_id": r.sessionID})
}

func (r *transcriptRun) logUnitError(ctx context.Context, message, unitID string, err error) {
	dbLog(ctx, r.st, message, map[string]any{
		"session_id": r.sessionID,
		"tool_id":    unitID,
		"error":      err.Error(),
	})
}

// parsedTime converts a transcript timestamp, nil when unparseable so the
// store falls back to NOW().
func parsedTime(s string) *time.Time {
	t, ok := transcript.ParseTimestamp(s)
	if !ok {
		return nil
	}
	return &t
}

// dbLog writes to the logs table, swallowing failures: logging must never
// fail a reconciliation.
func dbLog(ctx context.Context, st store.Store, message string, fields map[string]any) {
	_ = st.Log(ctx, message, fields)
}
