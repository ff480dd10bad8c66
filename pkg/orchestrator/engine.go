// Package orchestrator composes classification, query intelligence,
// retrieval, and generation into the per-request pipeline, and owns the
// pipeline's invariants: one metrics record per query, one usage record
// per LLM call, ordered session writes.
package orchestrator

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/propengine/kbengine/pkg/accounting"
	"github.com/propengine/kbengine/pkg/classify"
	"github.com/propengine/kbengine/pkg/config"
	"github.com/propengine/kbengine/pkg/generate"
	"github.com/propengine/kbengine/pkg/intelligence"
	"github.com/propengine/kbengine/pkg/llm"
	"github.com/propengine/kbengine/pkg/masking"
	"github.com/propengine/kbengine/pkg/metrics"
	"github.com/propengine/kbengine/pkg/models"
	"github.com/propengine/kbengine/pkg/retrieval"
)

// Analyzer is the query-intelligence boundary.
type Analyzer interface {
	Analyze(ctx context.Context, in intelligence.Input) (models.Verdict, llm.Usage, error)
}

// Retriever is the retrieval boundary.
type Retriever interface {
	Retrieve(ctx context.Context, in retrieval.Input) (retrieval.Output, error)
}

// Generator is the response-generation boundary.
type Generator interface {
	Grounded(ctx context.Context, query, contextText string, chunks []models.ScoredChunk) (generate.Result, error)
	Fallback(ctx context.Context, query, contextText string) (generate.Result, error)
	FromContext(ctx context.Context, query, contextText string) (generate.Result, error)
}

// SessionStore is the slice of the session store the engine drives.
type SessionStore interface {
	Lock(sessionID string)
	Unlock(sessionID string)
	Ensure(ctx context.Context, sessionID, identity string) (models.SessionHeader, bool, error)
	Append(ctx context.Context, sessionID string, msg models.Message) (count int, degraded bool, err error)
	ReadContext(ctx context.Context, sessionID string) models.SessionContext
	MaybeSummarize(ctx context.Context, sessionID string, messageCount int)
}

// Collector receives exactly one finalised record per query.
type Collector interface {
	Emit(record models.QueryMetrics)
}

// Request is one incoming query.
type Request struct {
	Profile   models.AgentProfile
	SessionID string
	Message   string
	Identity  string
}

// ContextSnapshot is the debug view of the formatted context.
type ContextSnapshot struct {
	Formatted    string `json:"formatted"`
	RecentCount  int    `json:"recent_count"`
	HasSummary   bool   `json:"has_summary"`
	PriorSources int    `json:"prior_sources"`
}

// Result is the engine's answer plus everything the transport needs to
// shape the per-flavour response.
type Result struct {
	Text                     string
	SessionID                string
	RequiresEscalation       bool
	Sources                  []models.ScoredChunk
	QueryType                models.QueryType
	ClassificationConfidence float64
	Confidence               float64
	Metrics                  models.QueryMetrics
	Context                  ContextSnapshot
}

// Engine is the per-request pipeline.
type Engine struct {
	sessions   SessionStore
	analyzer   Analyzer
	retriever  Retriever
	generator  Generator
	accountant *accounting.Accountant
	collector  Collector
	masker     *masking.Service // nil until set
	cfg        EngineConfig
}

// SetMasker installs credential masking for telemetry query text.
func (e *Engine) SetMasker(m *masking.Service) {
	e.masker = m
}

// EngineConfig is the slice of configuration the engine reads.
type EngineConfig struct {
	SimilarityThreshold    float64
	LowConfidenceThreshold float64
	EscalationPhrases      []string
}

// EngineConfigFrom extracts the engine settings from the app config.
func EngineConfigFrom(cfg *config.Config) EngineConfig {
	return EngineConfig{
		SimilarityThreshold:    cfg.Retrieval.SimilarityThreshold,
		LowConfidenceThreshold: cfg.Escalation.LowConfidenceThreshold,
		EscalationPhrases:      cfg.Escalation.UserPhrases,
	}
}

// NewEngine wires the pipeline.
func NewEngine(sessions SessionStore, analyzer Analyzer, retriever Retriever, generator Generator, accountant *accounting.Accountant, collector Collector, cfg EngineConfig) *Engine {
	return &Engine{
		sessions:   sessions,
		analyzer:   analyzer,
		retriever:  retriever,
		generator:  generator,
		accountant: accountant,
		collector:  collector,
		cfg:        cfg,
	}
}

// Handle runs one query through the state machine:
//
//	CLASSIFY → (GREETING_SHORTCUT | INTELLIGENCE) →
//	(CONTEXT_ANSWER | RETRIEVE → GENERATE | GENERATE_FALLBACK) →
//	WRITE_BACK → FINALISE
//
// Upstream failures degrade (escalation, fallback text) rather than
// surface as errors; a non-nil error means the request could not be
// attributed to a session at all.
func (e *Engine) Handle(ctx context.Context, req Request) (Result, error) {
	header, created, err := e.sessions.Ensure(ctx, req.SessionID, req.Identity)
	if err != nil {
		return Result{}, err
	}
	sessionID := header.ID
	if created {
		slog.Debug("Session created", "session_id", sessionID, "identity", req.Identity)
	}

	recordedQuery := req.Message
	if e.masker != nil {
		recordedQuery = e.masker.Mask(recordedQuery)
	}
	rec := metrics.NewRecorder(sessionID, recordedQuery)
	mark := e.accountant.Mark(sessionID)

	// CLASSIFY
	cls, clsMs := metrics.Time(func() classify.Result { return classify.Classify(req.Message) })
	rec.SetClassification(cls.Type, cls.Confidence, clsMs)

	// GREETING_SHORTCUT: canned reply, no LLM, no retrieval.
	if cls.Type == models.QueryGreeting {
		rec.SetRouting(models.RouteAnswerFromContext)
		return e.finish(ctx, req, rec, sessionID, mark, greetingReply(req.Message), nil, 0, ContextSnapshot{})
	}

	// Explicit requests for a human short-circuit the intelligence call.
	if userRequestedEscalation(req.Message, e.cfg.EscalationPhrases) {
		rec.SetRouting(models.RouteAnswerFromContext)
		rec.Escalate(models.EscalationUserRequested)
		return e.finish(ctx, req, rec, sessionID, mark, promptUserRequested, nil, 0, ContextSnapshot{})
	}

	sc := e.sessions.ReadContext(ctx, sessionID)
	if sc.Degraded {
		rec.SetSessionDegraded()
	}
	formatted := FormatContext(sc)
	priorTitles := PriorSourceTitles(sc)
	snapshot := ContextSnapshot{
		Formatted:    formatted,
		RecentCount:  len(sc.Recent),
		HasSummary:   sc.Summary != nil,
		PriorSources: len(priorTitles),
	}

	// INTELLIGENCE: one LLM call for routing + enhancement.
	intelStart := time.Now()
	verdict, intelUsage, intelErr := e.analyzer.Analyze(ctx, intelligence.Input{
		Query:             req.Message,
		ClassifiedType:    cls.Type,
		FormattedContext:  formatted,
		PriorSourceTitles: priorTitles,
		ContextErrorOnly:  ContextErrorOnly(sc),
	})
	e.accountant.Record(sessionID, models.OpQueryIntelligence, intelUsage.ModelID, intelUsage.InputTokens, intelUsage.OutputTokens)
	rec.SetVerdict(verdict, time.Since(intelStart).Milliseconds())
	if intelErr != nil {
		slog.Warn("Query intelligence failed, continuing with fallback verdict",
			"session_id", sessionID, "error", intelErr)
	}

	var text string
	var sources []models.ScoredChunk
	confidence := 0.0

	if verdict.Routing == models.RouteAnswerFromContext {
		// CONTEXT_ANSWER: zeroed search execution by construction.
		genStart := time.Now()
		res, genErr := e.generator.FromContext(ctx, req.Message, formatted)
		e.recordGeneration(sessionID, res, genStart, rec)
		text = e.textOrDegrade(res, genErr, rec, sessionID)
	} else {
		text, sources, confidence = e.retrieveAndGenerate(ctx, req, rec, sessionID, cls, verdict, formatted)
	}

	if escalated, reason := rec.Escalated(); escalated {
		if prompt := escalationPrompt(reason); prompt != "" {
			if text == "" {
				text = prompt
			} else {
				text = strings.TrimRight(text, " \n") + "\n\n" + prompt
			}
		}
	}

	return e.finish(ctx, req, rec, sessionID, mark, text, sources, confidence, snapshot)
}

// retrieveAndGenerate covers the RETRIEVE → (GENERATE | GENERATE_FALLBACK)
// branch.
func (e *Engine) retrieveAndGenerate(ctx context.Context, req Request, rec *metrics.Recorder, sessionID string, cls classify.Result, verdict models.Verdict, formatted string) (string, []models.ScoredChunk, float64) {
	in := retrieval.Input{
		EnhancedQuery:  verdict.EnhancedQuery,
		OriginalQuery:  req.Message,
		ClassifiedType: cls.Type,
		UserType:       req.Profile.UserType,
		Category:       verdict.Category,
	}
	if verdict.Routing == models.RouteSearchKBTargeted {
		in.TargetTitle = verdict.MatchedRelatedDoc
	}

	out, retErr := e.retriever.Retrieve(ctx, in)
	if out.EmbeddingUsage.ModelID != "" {
		// Cache hits carry the model id with zero tokens and are still
		// recorded; a retrieval failure before the embedder returned has
		// no call to bill.
		e.accountant.Record(sessionID, models.OpEmbedding, out.EmbeddingUsage.ModelID, out.EmbeddingUsage.InputTokens, out.EmbeddingUsage.OutputTokens)
	}
	if retErr != nil {
		slog.Warn("Retrieval failed, proceeding without sources",
			"session_id", sessionID, "error", retErr)
	}

	best := out.Result.BestConfidence()
	rec.SetSearch(out.Execution, len(out.Result.Chunks), best)

	if len(out.Result.Chunks) == 0 {
		// GENERATE_FALLBACK
		genStart := time.Now()
		res, genErr := e.generator.Fallback(ctx, req.Message, formatted)
		e.recordGeneration(sessionID, res, genStart, rec)
		rec.Escalate(models.EscalationNoResults)
		return e.textOrDegrade(res, genErr, rec, sessionID), nil, 0
	}

	// GENERATE (grounded)
	genStart := time.Now()
	res, genErr := e.generator.Grounded(ctx, req.Message, formatted, out.Result.Chunks)
	e.recordGeneration(sessionID, res, genStart, rec)
	rec.SetSourcesUsed(len(out.Result.Chunks))
	if best < e.cfg.LowConfidenceThreshold {
		rec.Escalate(models.EscalationLowConfidence)
	}
	return e.textOrDegrade(res, genErr, rec, sessionID), out.Result.Chunks, best
}

// recordGeneration bills the generation call (even partial failures carry
// usage) and stamps its latency.
func (e *Engine) recordGeneration(sessionID string, res generate.Result, start time.Time, rec *metrics.Recorder) {
	e.accountant.Record(sessionID, models.OpResponseGeneration, res.Usage.ModelID, res.Usage.InputTokens, res.Usage.OutputTokens)
	rec.SetGeneration(time.Since(start).Milliseconds())
}

// textOrDegrade turns a generation failure into the degraded answer path:
// an apology plus escalation, never a client-facing error.
func (e *Engine) textOrDegrade(res generate.Result, genErr error, rec *metrics.Recorder, sessionID string) string {
	if genErr == nil {
		return res.Text
	}
	slog.Error("Response generation failed", "session_id", sessionID, "error", genErr)
	if escalated, _ := rec.Escalated(); !escalated {
		rec.Escalate(models.EscalationNoResults)
	}
	return "I'm sorry - something went wrong while preparing your answer."
}

// finish runs WRITE_BACK and FINALISE and assembles the transport result.
// The per-session lock is held across the user/assistant append pair so
// concurrent requests on one session serialise in real-time order.
func (e *Engine) finish(ctx context.Context, req Request, rec *metrics.Recorder, sessionID string, mark int, text string, sources []models.ScoredChunk, confidence float64, snapshot ContextSnapshot) (Result, error) {
	window, _ := e.accountant.Window(sessionID, mark)
	breakdown := accounting.Breakdown(window)

	titles := make([]string, 0, len(sources))
	seen := make(map[string]struct{})
	for _, s := range sources {
		if _, ok := seen[s.ParentTitle]; ok {
			continue
		}
		seen[s.ParentTitle] = struct{}{}
		titles = append(titles, s.ParentTitle)
	}

	e.sessions.Lock(sessionID)
	_, userDegraded, userErr := e.sessions.Append(ctx, sessionID, models.Message{
		Role:      models.RoleUser,
		Content:   req.Message,
		Timestamp: time.Now(),
	})
	count, asstDegraded, asstErr := e.sessions.Append(ctx, sessionID, models.Message{
		Role:      models.RoleAssistant,
		Content:   text,
		Timestamp: time.Now(),
		Metadata: &models.MessageMetadata{
			SourceTitles: titles,
			Confidence:   confidence,
			Cost:         &breakdown,
		},
	})
	e.sessions.Unlock(sessionID)

	if userErr != nil || asstErr != nil {
		slog.Error("Session write-back failed",
			"session_id", sessionID, "user_err", userErr, "assistant_err", asstErr)
		rec.FlagInvariantViolation()
	}
	if userDegraded || asstDegraded {
		rec.SetSessionDegraded()
	}
	e.sessions.MaybeSummarize(ctx, sessionID, count)

	record := rec.Finalize(breakdown, e.cfg.SimilarityThreshold)
	e.collector.Emit(record)

	escalated := record.Escalated
	return Result{
		Text:                     text,
		SessionID:                sessionID,
		RequiresEscalation:       escalated,
		Sources:                  sources,
		QueryType:                record.ClassifiedType,
		ClassificationConfidence: record.ClassificationConfidence,
		Confidence:               confidence,
		Metrics:                  record,
		Context:                  snapshot,
	}, nil
}
