package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sovereignrag/gateway/pkg/openai"
	"github.com/sovereignrag/gateway/pkg/webhook"
)

// midStreamCheckInterval is how many content chunks pass between running
// budget consultations.
const midStreamCheckInterval = 5

// FrameFunc receives one encoded SSE frame, terminator included. The API
// layer writes and flushes it to the client.
type FrameFunc func(frame []byte) error

var doneFrame = []byte("data: [DONE]\n\n")

// sseFrame encodes a payload as one SSE data frame.
func sseFrame(payload interface{}) []byte {
	data, err := json.Marshal(payload)
	if err != nil {
		data = []byte("{}")
	}
	out := make([]byte, 0, len(data)+8)
	out = append(out, "data: "...)
	out = append(out, data...)
	out = append(out, "\n\n"...)
	return out
}

// streamState accumulates everything the finalizer needs to account and
// audit the stream, whatever way it ended.
type streamState struct {
	reqCtx           RequestContext
	started          time.Time
	prep             *chatPrep
	providerName     string
	attempts         int
	fallbackChain    []string
	completionParts  []string
	usagePrompt      int
	usageCompletion  int
	outputRedactions int
	chunkID          string
	chunkCreated     int64
	sawFinish        bool
	sawCitations     bool
	streamErr        error
	statusCode       int
	budgetTerminated bool
}

// ChatStream runs the streaming pipeline for POST /v1/chat/completions with
// stream=true. Pre-flight failures return a typed error before any frame is
// written; once frames flow, the deferred finalizer guarantees exactly one
// streaming=true audit event and a budget record regardless of how the
// stream ends.
func (s *Service) ChatStream(ctx context.Context, reqCtx RequestContext, req *openai.ChatCompletionRequest, write FrameFunc) error {
	prep, err := s.prepareChat(ctx, reqCtx, req, true)
	if err != nil {
		return err
	}

	callSpan := s.span(reqCtx.RequestID, "provider.call", spanID(prep.rootSpan), map[string]interface{}{
		"provider": s.cfg.ProviderName, "model": prep.selectedModel, "streaming": true,
	})
	route, perr := s.router.ChatStream(ctx, s.cfg.ProviderName, prep.selectedModel, prep.transformed.Messages, prep.maxTokens, prep.allowed)
	endSpan(callSpan, perr)
	if perr != nil {
		routedProvider := routedProviderName(route.Route, s.cfg.ProviderName)
		s.queueProviderError(ctx, reqCtx, routedProvider, prep.selectedModel, perr, true, &prep.webhookEvents)
		s.writeProviderErrorAudit(auditParams{
			reqCtx:              reqCtx,
			requestedModel:      req.Model,
			selectedModel:       prep.selectedModel,
			providerName:        routedProvider,
			decision:            prep.decision,
			label:               prep.label,
			redactionCount:      prep.inputRedactions,
			inputRedactionCount: prep.inputRedactions,
			requestPayloadHash:  prep.requestPayloadHash,
			redactedPayloadHash: prep.redactedPayloadHash,
			providerRequestHash: prep.providerRequestHash,
			citations:           prep.citations,
			streaming:           true,
			providerAttempts:    route.Attempts,
			fallbackChain:       route.FallbackChain,
			budget:              prep.budgetSummary,
			webhookEvents:       prep.webhookEvents,
		}, perr)
		endSpan(prep.rootSpan, perr)
		return errorFromProvider(perr)
	}
	defer route.Stream.Close()

	st := &streamState{
		reqCtx:        reqCtx,
		started:       s.clock(),
		prep:          prep,
		providerName:  route.ProviderName,
		attempts:      route.Attempts,
		fallbackChain: route.FallbackChain,
		usagePrompt:   promptTokenEstimate(prep.transformed.Messages),
		chunkCreated:  s.clock().Unix(),
		statusCode:    200,
	}
	defer s.finalizeStream(ctx, st, req.Model)

	contentChunks := 0
	emit := func(chunk *openai.ChatCompletionChunk) error {
		if st.chunkID == "" && chunk.ID != "" {
			st.chunkID = chunk.ID
		}
		if chunk.Created != 0 {
			st.chunkCreated = chunk.Created
		}
		hadContent := false
		for i := range chunk.Choices {
			choice := &chunk.Choices[i]
			if content := choice.Delta.Content; content != "" {
				if s.sensitive(reqCtx.Classification) {
					result := s.redactor.RedactText(content)
					if result.Count > 0 {
						st.outputRedactions += result.Count
						content = result.Text
						choice.Delta.Content = content
					}
				}
				st.completionParts = append(st.completionParts, content)
				hadContent = true
			}
			if len(choice.Delta.Citations) > 0 {
				st.sawCitations = true
			}
			if choice.FinishReason != nil && *choice.FinishReason != "" {
				st.sawFinish = true
			}
		}
		if chunk.Usage != nil {
			if chunk.Usage.PromptTokens > 0 {
				st.usagePrompt = chunk.Usage.PromptTokens
			}
			if chunk.Usage.CompletionTokens > 0 {
				st.usageCompletion = chunk.Usage.CompletionTokens
			}
		}
		if hadContent {
			contentChunks++
		}
		return write(sseFrame(chunk))
	}

	abort := func(err error) error {
		st.streamErr = err
		st.statusCode = 499
		return err
	}

	if route.FirstChunk != nil {
		if werr := emit(route.FirstChunk); werr != nil {
			return abort(werr)
		}
	}

	for {
		if cerr := ctx.Err(); cerr != nil {
			return abort(cerr)
		}
		chunk, rerr := route.Stream.Recv()
		if errors.Is(rerr, io.EOF) {
			break
		}
		if rerr != nil {
			return abort(rerr)
		}
		if werr := emit(chunk); werr != nil {
			return abort(werr)
		}

		if s.budget != nil && contentChunks > 0 && contentChunks%midStreamCheckInterval == 0 {
			accrued := wordCount(strings.Join(st.completionParts, ""))
			ok, berr := s.budget.CheckRunning(ctx, reqCtx.TenantID, accrued)
			if berr != nil {
				s.logger.Warn("budget_mid_stream_check_failed",
					"request_id", reqCtx.RequestID, "tenant_id", reqCtx.TenantID, "error", berr)
			} else if !ok {
				st.budgetTerminated = true
				break
			}
		}
	}

	if st.chunkID == "" {
		st.chunkID = "chatcmpl-" + strings.ReplaceAll(uuid.NewString(), "-", "")
	}

	if st.budgetTerminated {
		if werr := write(sseFrame(s.syntheticChunk(st, []openai.ChunkChoice{{
			Index:        0,
			Delta:        openai.ChunkDelta{},
			FinishReason: openai.StringPtr("length"),
		}}))); werr != nil {
			return abort(werr)
		}
		if werr := write(doneFrame); werr != nil {
			return abort(werr)
		}
		return nil
	}

	if len(st.prep.citations) > 0 && !st.sawCitations {
		if werr := write(sseFrame(s.syntheticChunk(st, []openai.ChunkChoice{{
			Index:        0,
			Delta:        openai.ChunkDelta{Citations: st.prep.citations},
			FinishReason: nil,
		}}))); werr != nil {
			return abort(werr)
		}
	}

	if !st.sawFinish {
		if werr := write(sseFrame(s.syntheticChunk(st, []openai.ChunkChoice{{
			Index:        0,
			Delta:        openai.ChunkDelta{},
			FinishReason: openai.StringPtr("stop"),
		}}))); werr != nil {
			return abort(werr)
		}
	}

	if werr := write(doneFrame); werr != nil {
		return abort(werr)
	}
	return nil
}

// syntheticChunk shapes a gateway-generated chunk with the stream's id and
// model so clients cannot tell it from a provider chunk.
func (s *Service) syntheticChunk(st *streamState, choices []openai.ChunkChoice) *openai.ChatCompletionChunk {
	return &openai.ChatCompletionChunk{
		ID:      st.chunkID,
		Object:  openai.ObjectChatCompletionChunk,
		Created: st.chunkCreated,
		Model:   st.prep.selectedModel,
		Choices: choices,
	}
}

// finalizeStream is the streaming path's finally block: it estimates any
// unreported completion tokens, records budget usage, queues trailing
// webhooks, and writes the single streaming audit event. Audit failures
// here are logged, never raised, because the response bytes are already
// with the client.
func (s *Service) finalizeStream(ctx context.Context, st *streamState, requestedModel string) {
	bg := withoutCancel(ctx)
	prep := st.prep
	reqCtx := st.reqCtx

	if st.usageCompletion == 0 {
		st.usageCompletion = wordCount(strings.Join(st.completionParts, ""))
	}
	completionText := strings.Join(st.completionParts, "")
	redactionCount := prep.inputRedactions + st.outputRedactions

	providerResponseHash := hashValue(map[string]interface{}{
		"completion_text":   completionText,
		"prompt_tokens":     st.usagePrompt,
		"completion_tokens": st.usageCompletion,
		"chunk_id":          st.chunkID,
		"model":             prep.selectedModel,
	})
	costUSD := chatCost(st.usagePrompt, st.usageCompletion)

	prep.budgetSummary = s.recordBudgetUsage(bg, reqCtx.TenantID, st.usagePrompt+st.usageCompletion, prep.budgetSummary)

	if st.attempts > 1 {
		s.queueWebhook(bg, webhook.EventProviderFallback, map[string]interface{}{
			"request_id":        reqCtx.RequestID,
			"tenant_id":         reqCtx.TenantID,
			"provider_attempts": st.attempts,
			"fallback_chain":    st.fallbackChain,
			"streaming":         true,
		}, &prep.webhookEvents)
	}
	if redactionCount > 0 {
		s.queueWebhook(bg, webhook.EventRedactionHit, map[string]interface{}{
			"request_id":             reqCtx.RequestID,
			"tenant_id":              reqCtx.TenantID,
			"input_redaction_count":  prep.inputRedactions,
			"output_redaction_count": st.outputRedactions,
			"redaction_count":        redactionCount,
			"streaming":              true,
		}, &prep.webhookEvents)
	}
	if st.streamErr != nil {
		s.queueWebhook(bg, webhook.EventProviderError, map[string]interface{}{
			"request_id": reqCtx.RequestID,
			"tenant_id":  reqCtx.TenantID,
			"provider":   st.providerName,
			"model":      prep.selectedModel,
			"streaming":  true,
			"error":      errorTypeName(st.streamErr),
		}, &prep.webhookEvents)
	}

	event := s.buildAuditEvent(auditParams{
		reqCtx:               reqCtx,
		requestedModel:       requestedModel,
		selectedModel:        prep.selectedModel,
		providerName:         st.providerName,
		decision:             prep.decision,
		label:                prep.label,
		redactionCount:       redactionCount,
		inputRedactionCount:  prep.inputRedactions,
		outputRedactionCount: st.outputRedactions,
		requestPayloadHash:   prep.requestPayloadHash,
		redactedPayloadHash:  prep.redactedPayloadHash,
		providerRequestHash:  prep.providerRequestHash,
		providerResponseHash: providerResponseHash,
		citations:            prep.citations,
		streaming:            true,
		tokensIn:             st.usagePrompt,
		tokensOut:            st.usageCompletion,
		costUSD:              costUSD,
		providerAttempts:     st.attempts,
		fallbackChain:        st.fallbackChain,
		budget:               prep.budgetSummary,
		webhookEvents:        prep.webhookEvents,
	})
	if st.streamErr != nil {
		event["stream_error"] = errorTypeName(st.streamErr)
	}
	if st.budgetTerminated {
		event["budget_mid_stream_terminated"] = true
	}

	auditSpan := s.span(reqCtx.RequestID, "audit.persist", spanID(prep.rootSpan), map[string]interface{}{
		"streaming": true, "provider": st.providerName,
	})
	_, werr := s.audit.WriteEvent(event)
	endSpan(auditSpan, werr)
	if werr != nil {
		s.logger.Warn("audit_write_failed_stream",
			"request_id", reqCtx.RequestID, "provider", st.providerName, "error", werr)
	}
	endSpan(prep.rootSpan, st.streamErr)

	latencyMS := s.latencyMS(st.started)
	logStreamError := ""
	if st.streamErr != nil {
		logStreamError = errorTypeName(st.streamErr)
	}
	s.logger.Info("chat_stream_completed",
		"request_id", reqCtx.RequestID,
		"tenant_id", reqCtx.TenantID,
		"user_id", reqCtx.UserID,
		"model", prep.selectedModel,
		"policy_decision", prep.label,
		"redaction_count", redactionCount,
		"provider", st.providerName,
		"latency_ms", latencyMS,
		"tokens_in", st.usagePrompt,
		"tokens_out", st.usageCompletion,
		"cost_usd", costUSD,
		"provider_attempts", st.attempts,
		"stream_error", logStreamError,
	)
	s.recordMetrics(reqCtx.Endpoint, st.providerName, prep.selectedModel, prep.label, st.statusCode,
		latencyMS, st.usagePrompt, st.usageCompletion, costUSD, redactionCount, st.attempts)
}
