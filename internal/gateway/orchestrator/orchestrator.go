package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mrmushfiq/langroute/internal/gateway/credentials"
	"github.com/mrmushfiq/langroute/internal/gateway/normalize"
	"github.com/mrmushfiq/langroute/internal/gateway/providers"
	"github.com/mrmushfiq/langroute/internal/gateway/usage"
	"github.com/mrmushfiq/langroute/internal/shared/metrics"
	"github.com/mrmushfiq/langroute/internal/shared/models"
	"github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Client-visible error messages.
const (
	msgMissingBearer    = "Unauthorized: Missing or invalid Bearer token."
	msgMissingKey       = "Unauthorized: Missing virtual key."
	msgInvalidKey       = "Unauthorized: Invalid virtual key."
	msgInvalidBody      = "Invalid JSON body."
	msgRateRequests     = "Rate limit exceeded (requests)."
	msgRateTokens       = "Rate limit exceeded (tokens)."
	msgUnsupported      = "Unsupported response format from provider."
	msgAllFailed        = "All providers failed."
	msgInternal         = "Internal Server Error"
	logAllFailed        = "All providers failed"
	tracerName          = "github.com/mrmushfiq/langroute/internal/gateway/orchestrator"
	spanRequest         = "chat.completions"
	spanUpstreamAttempt = "upstream.dispatch"
)

// Callers authenticates virtual keys and accounts cost against them.
type Callers interface {
	ResolveCaller(ctx context.Context, virtualKey string) (*models.Caller, error)
	DecryptCredentials(c *models.Caller) (map[string]string, error)
	AddCost(ctx context.Context, virtualKey string, delta float64) error
}

// Catalog resolves model names.
type Catalog interface {
	GetModel(ctx context.Context, name string) (*models.Model, error)
	Resolve(ctx context.Context, model string) (*providers.Route, error)
}

// Limiter is per-caller admission control.
type Limiter interface {
	AdmitRequest(id string, limit int) bool
	AdmitTokens(id string, limit, tokens int) bool
	RecordRequest(id string)
	RecordTokens(id string, tokens int)
}

// Estimator counts tokens.
type Estimator interface {
	Estimate(model, text string) int
}

// Pricer prices token counts for a model.
type Pricer interface {
	Calculate(ctx context.Context, model string, inputTokens, outputTokens int) (usage.Breakdown, error)
}

// UsageSink persists usage log entries.
type UsageSink interface {
	LogUsage(ctx context.Context, e *models.UsageLogEntry) error
}

// Deps are the collaborators an Orchestrator composes.
type Deps struct {
	Callers    Callers
	Catalog    Catalog
	Limiter    Limiter
	Estimator  Estimator
	Pricer     Pricer
	Dispatcher providers.Dispatcher
	Usage      UsageSink
}

// Orchestrator runs the chat completion pipeline: authenticate, admit,
// dispatch with fallback, normalize, account, log.
type Orchestrator struct {
	Deps
	now    func() time.Time
	tracer trace.Tracer
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithClock replaces time.Now for log timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// New creates an Orchestrator.
func New(deps Deps, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		Deps:   deps,
		now:    time.Now,
		tracer: otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Request is an inbound chat completion call.
type Request struct {
	Authorization string
	Method        string
	Path          string
	Body          []byte
}

// Result is what goes back to the client. Body is JSON-encodable.
type Result struct {
	Status   int
	Body     any
	Outcome  string
	Model    string
	Provider string
	Attempts []providers.Attempt
}

func errorResult(status int, outcome, msg string) *Result {
	return &Result{Status: status, Outcome: outcome, Body: map[string]string{"error": msg}}
}

// pipeline carries per-request state across stages.
type pipeline struct {
	start     time.Time
	caller    *models.Caller
	creds     map[string]string
	payload   map[string]any
	fields    map[string]json.RawMessage
	model     *models.Model
	attempts  []providers.Attempt
	usedModel string
	usedProv  string
	upstream  *providers.Response
	inputToks int
	req       Request
}

// Handle runs one request through the pipeline. It never returns an error:
// every failure is mapped to a Result.
func (o *Orchestrator) Handle(ctx context.Context, req Request) (res *Result) {
	p := &pipeline{start: o.now(), req: req}
	ctx, span := o.tracer.Start(ctx, spanRequest, trace.WithSpanKind(trace.SpanKindServer))
	defer func() {
		if rec := recover(); rec != nil {
			log.Printf("ERROR: /chat/completions panic: %v", rec)
			res = o.result(p, errorResult(http.StatusInternalServerError, metrics.OutcomeInternalError, msgInternal))
		}
		res.Attempts = p.attempts
		metrics.RequestsTotal.WithLabelValues(res.Outcome).Inc()
		metrics.RequestDurationSeconds.WithLabelValues(res.Outcome).Observe(o.now().Sub(p.start).Seconds())
		span.SetAttributes(
			attribute.String("gateway.outcome", res.Outcome),
			attribute.Int("http.status_code", res.Status),
			attribute.String("llm.model", res.Model),
			attribute.String("llm.provider", res.Provider),
			attribute.Int("gateway.attempts", len(p.attempts)),
		)
		if res.Status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, res.Outcome)
		}
		span.End()
	}()

	if r := o.authenticate(ctx, p); r != nil {
		return r
	}
	span.SetAttributes(attribute.String("gateway.virtual_key", credentials.RedactKey(p.caller.VirtualKey)))

	if err := decodePayload(p); err != nil {
		return errorResult(http.StatusBadRequest, metrics.OutcomeBadRequest, msgInvalidBody)
	}
	requested, _ := p.payload["model"].(string)

	m, err := o.Catalog.GetModel(ctx, requested)
	if errors.Is(err, providers.ErrModelNotConfigured) {
		log.Printf("ERROR: Model not found: %s", requested)
		return errorResult(http.StatusBadRequest, metrics.OutcomeBadRequest, fmt.Sprintf("Model %s not found.", requested))
	}
	if err != nil {
		return o.internal(ctx, p, err, false)
	}
	p.model = m

	if r := o.admit(p); r != nil {
		return r
	}

	o.dispatch(ctx, p)
	if p.upstream == nil {
		return o.allFailed(ctx, p)
	}
	if p.upstream.Status < 200 || p.upstream.Status >= 300 {
		return o.forward(ctx, p)
	}
	return o.complete(ctx, p)
}

func (o *Orchestrator) authenticate(ctx context.Context, p *pipeline) *Result {
	header := p.req.Authorization
	if !strings.HasPrefix(header, "Bearer ") {
		return errorResult(http.StatusUnauthorized, metrics.OutcomeUnauthorized, msgMissingBearer)
	}
	virtualKey := strings.Split(header, " ")[1]
	if virtualKey == "" {
		return errorResult(http.StatusUnauthorized, metrics.OutcomeUnauthorized, msgMissingKey)
	}

	caller, err := o.Callers.ResolveCaller(ctx, virtualKey)
	if errors.Is(err, credentials.ErrCallerNotFound) {
		return errorResult(http.StatusUnauthorized, metrics.OutcomeUnauthorized, msgInvalidKey)
	}
	if err != nil {
		return o.internal(ctx, p, err, false)
	}
	p.caller = caller

	creds, err := o.Callers.DecryptCredentials(caller)
	if err != nil {
		return o.internal(ctx, p, fmt.Errorf("decrypt credentials: %w", err), false)
	}
	p.creds = creds
	return nil
}

// admit checks the request window first and only then pays for token
// estimation of the full payload.
func (o *Orchestrator) admit(p *pipeline) *Result {
	vk := p.caller.VirtualKey
	if !o.Limiter.AdmitRequest(vk, p.caller.RequestsPerMinute) {
		log.Printf("WARN: Rate limit exceeded (requests) for caller %s", credentials.RedactKey(vk))
		return errorResult(http.StatusTooManyRequests, metrics.OutcomeRateLimited, msgRateRequests)
	}

	p.inputToks = o.Estimator.Estimate(p.model.Name, string(compact(p.req.Body)))
	if !o.Limiter.AdmitTokens(vk, p.caller.TokensPerMinute, p.inputToks) {
		log.Printf("WARN: Rate limit exceeded (tokens) for caller %s", credentials.RedactKey(vk))
		return errorResult(http.StatusTooManyRequests, metrics.OutcomeRateLimited, msgRateTokens)
	}
	return nil
}

// dispatch tries the requested model and then each fallback in order,
// stopping at the first upstream reply below 400.
func (o *Orchestrator) dispatch(ctx context.Context, p *pipeline) {
	candidates := append([]string{p.model.Name}, p.model.Fallback...)
	for i, name := range candidates {
		if err := ctx.Err(); err != nil {
			log.Printf("ERROR: Request cancelled before trying %s: %v", name, err)
			return
		}

		body := p.req.Body
		if i > 0 {
			var err error
			if body, err = rewriteModel(p.fields, name); err != nil {
				p.attempts = append(p.attempts, providers.Attempt{Model: name, Err: err})
				continue
			}
		}

		resp, attempt := o.attempt(ctx, p, name, body)
		p.attempts = append(p.attempts, attempt)
		if attempt.Err != nil {
			if i == 0 {
				log.Printf("ERROR: Primary request failed: %v", attempt.Err)
			} else {
				log.Printf("ERROR: Fallback failed for %s: %v", name, attempt.Err)
			}
			continue
		}

		if i > 0 {
			log.Printf("INFO: Fallback successful for %s", name)
		}
		p.upstream = resp
		p.usedModel = attempt.Model
		p.usedProv = attempt.Provider
		return
	}

	if len(p.model.Fallback) == 0 {
		log.Printf("ERROR: Primary provider failed and no fallbacks configured for %s", p.model.Name)
	}
}

// attempt resolves model afresh and performs one upstream call.
func (o *Orchestrator) attempt(ctx context.Context, p *pipeline, model string, body []byte) (*providers.Response, providers.Attempt) {
	ctx, span := o.tracer.Start(ctx, spanUpstreamAttempt, trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(attribute.String("llm.model", model))

	started := o.now()
	a := providers.Attempt{Model: model}
	done := func(resp *providers.Response, err error, result string) (*providers.Response, providers.Attempt) {
		a.Err = err
		a.Duration = o.now().Sub(started)
		metrics.UpstreamAttemptsTotal.WithLabelValues(a.Provider, model, result).Inc()
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return resp, a
	}

	route, err := o.Catalog.Resolve(ctx, model)
	if err != nil {
		return done(nil, err, metrics.AttemptResultSkipped)
	}
	a.Provider = route.Provider.Name
	span.SetAttributes(attribute.String("llm.provider", a.Provider))

	credential, err := providers.ResolveCredential(p.creds, route.Provider.Name)
	if err != nil {
		return done(nil, err, metrics.AttemptResultSkipped)
	}

	resp, err := o.Dispatcher.Dispatch(ctx, providers.Request{
		Provider:   route.Provider.Name,
		Model:      model,
		Method:     p.req.Method,
		Path:       p.req.Path,
		BaseURL:    route.Provider.BaseURL,
		APIVersion: route.Provider.APIVersion,
		Credential: credential,
		Body:       body,
	})
	if err != nil {
		return done(nil, err, metrics.AttemptResultFailure)
	}
	span.SetAttributes(attribute.Int("http.status_code", resp.Status))
	return done(resp, nil, metrics.AttemptResultSuccess)
}

// complete normalizes and accounts a 2xx reply. The upstream has already
// served the request, so cancellation no longer applies from here on.
func (o *Orchestrator) complete(ctx context.Context, p *pipeline) *Result {
	ctx = context.WithoutCancel(ctx)
	var body map[string]any
	var completion map[string]any
	err := json.Unmarshal(p.upstream.Body, &body)
	if err == nil {
		completion, err = normalize.Normalize(body)
	}
	if err != nil {
		log.Printf("ERROR: Unsupported response format from %s (%s): %v", p.usedProv, p.usedModel, err)
		entry := o.entry(p, p.usedModel, p.usedProv, usage.Breakdown{})
		entry.Response = map[string]any{"error": msgUnsupported, "status": http.StatusInternalServerError}
		if err := o.log(ctx, entry); err != nil {
			return o.internal(ctx, p, err, false)
		}
		return o.result(p, errorResult(http.StatusInternalServerError, metrics.OutcomeUnsupported, msgUnsupported))
	}

	outputToks := o.Estimator.Estimate(p.usedModel, normalize.Content(completion))
	cost, err := o.Pricer.Calculate(ctx, p.usedModel, p.inputToks, outputToks)
	if err != nil {
		return o.internal(ctx, p, fmt.Errorf("calculate cost: %w", err), true)
	}

	vk := p.caller.VirtualKey
	o.Limiter.RecordRequest(vk)
	o.Limiter.RecordTokens(vk, p.inputToks+outputToks)
	if err := o.Callers.AddCost(ctx, vk, cost.TotalCost); err != nil {
		return o.internal(ctx, p, fmt.Errorf("add cost: %w", err), true)
	}
	metrics.TokensTotal.WithLabelValues(p.usedModel, metrics.TokenDirectionInput).Add(float64(p.inputToks))
	metrics.TokensTotal.WithLabelValues(p.usedModel, metrics.TokenDirectionOutput).Add(float64(outputToks))
	metrics.CostUSDTotal.WithLabelValues(p.usedModel).Add(cost.TotalCost)

	completion["usage"] = openai.Usage{
		PromptTokens:     cost.InputTokens,
		CompletionTokens: cost.OutputTokens,
		TotalTokens:      cost.InputTokens + cost.OutputTokens,
	}
	completion["cost"] = cost

	entry := o.entry(p, p.usedModel, p.usedProv, cost)
	if id, ok := completion["id"].(string); ok && id != "" {
		entry.RequestID = id
	}
	entry.Response = withStatus(completion, p.upstream.Status)
	if err := o.log(ctx, entry); err != nil {
		return o.internal(ctx, p, err, false)
	}

	return o.result(p, &Result{Status: p.upstream.Status, Outcome: metrics.OutcomeSuccess, Body: completion})
}

// forward passes a non-2xx upstream reply below 400 through unchanged.
func (o *Orchestrator) forward(ctx context.Context, p *pipeline) *Result {
	log.Printf("ERROR: Forwarding status %d from %s", p.upstream.Status, p.usedProv)

	var body any = string(p.upstream.Body)
	logged := map[string]any{"body": string(p.upstream.Body)}
	var obj map[string]any
	if json.Unmarshal(p.upstream.Body, &obj) == nil && obj != nil {
		body = json.RawMessage(p.upstream.Body)
		logged = obj
	}

	entry := o.entry(p, p.usedModel, p.usedProv, usage.Breakdown{})
	entry.Response = withStatus(logged, p.upstream.Status)
	if err := o.log(ctx, entry); err != nil {
		return o.internal(ctx, p, err, false)
	}
	return o.result(p, &Result{Status: p.upstream.Status, Outcome: metrics.OutcomeUpstreamError, Body: body})
}

func (o *Orchestrator) allFailed(ctx context.Context, p *pipeline) *Result {
	log.Printf("ERROR: All providers failed for %s after %d attempts", p.model.Name, len(p.attempts))

	entry := o.entry(p, p.model.Name, p.model.Provider, usage.Breakdown{})
	entry.Response = map[string]any{"error": logAllFailed, "status": http.StatusInternalServerError}
	if err := o.log(ctx, entry); err != nil {
		return o.internal(ctx, p, err, false)
	}
	res := errorResult(http.StatusInternalServerError, metrics.OutcomeAllFailed, msgAllFailed)
	res.Model = p.model.Name
	res.Provider = p.model.Provider
	return res
}

// internal maps an unexpected error to a generic 500. When logEntry is set a
// zeroed usage entry is still written for the dispatched request.
func (o *Orchestrator) internal(ctx context.Context, p *pipeline, err error, logEntry bool) *Result {
	log.Printf("ERROR: /chat/completions error: %v", err)
	if logEntry {
		entry := o.entry(p, p.usedModel, p.usedProv, usage.Breakdown{})
		entry.Response = map[string]any{"error": msgInternal, "status": http.StatusInternalServerError}
		if lerr := o.log(ctx, entry); lerr != nil {
			log.Printf("ERROR: failed to write usage log: %v", lerr)
		}
	}
	return o.result(p, errorResult(http.StatusInternalServerError, metrics.OutcomeInternalError, msgInternal))
}

func (o *Orchestrator) result(p *pipeline, r *Result) *Result {
	r.Model = p.usedModel
	r.Provider = p.usedProv
	return r
}

func (o *Orchestrator) entry(p *pipeline, model, provider string, cost usage.Breakdown) *models.UsageLogEntry {
	request := make(map[string]any, len(p.payload)+2)
	for k, v := range p.payload {
		request[k] = v
	}
	request["method"] = p.req.Method
	request["path"] = p.req.Path

	return &models.UsageLogEntry{
		VirtualKey:   p.caller.VirtualKey,
		RequestID:    uuid.NewString(),
		Model:        model,
		Provider:     provider,
		InputTokens:  cost.InputTokens,
		OutputTokens: cost.OutputTokens,
		InputCost:    cost.InputCost,
		OutputCost:   cost.OutputCost,
		TotalCost:    cost.TotalCost,
		Request:      request,
		CreatedAt:    p.start,
	}
}

// log writes the entry even if the client has gone away.
func (o *Orchestrator) log(ctx context.Context, e *models.UsageLogEntry) error {
	e.CompletedAt = o.now()
	if err := o.Usage.LogUsage(context.WithoutCancel(ctx), e); err != nil {
		return fmt.Errorf("write usage log: %w", err)
	}
	return nil
}

func withStatus(m map[string]any, status int) map[string]any {
	out := make(map[string]any, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	out["status"] = status
	return out
}

// decodePayload keeps the body's fields as raw JSON for forwarding and a
// decoded copy, numbers intact, for the usage log.
func decodePayload(p *pipeline) error {
	if err := json.Unmarshal(p.req.Body, &p.fields); err != nil {
		return err
	}
	if p.fields == nil {
		return errors.New("body is not a JSON object")
	}
	dec := json.NewDecoder(bytes.NewReader(p.req.Body))
	dec.UseNumber()
	return dec.Decode(&p.payload)
}

// rewriteModel replaces the "model" field and leaves every other value as
// the caller sent it.
func rewriteModel(fields map[string]json.RawMessage, model string) ([]byte, error) {
	out := make(map[string]json.RawMessage, len(fields)+1)
	for k, v := range fields {
		out[k] = v
	}
	name, err := json.Marshal(model)
	if err != nil {
		return nil, err
	}
	out["model"] = name

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(out); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

func compact(body []byte) []byte {
	var buf bytes.Buffer
	if err := json.Compact(&buf, body); err != nil {
		return body
	}
	return buf.Bytes()
}

