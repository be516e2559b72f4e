package worker

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"planforge/internal/domain"
	"planforge/internal/domain/model"
	"planforge/internal/domain/ports/adapter"
	"planforge/internal/domain/ports/repository"
	"planforge/internal/infra/admission"
	"planforge/internal/infra/redis"
)

// ClientResolver resolves the model client serving a job's api type.
type ClientResolver interface {
	ClientFor(apiType string) (adapter.ModelClient, error)
}

// CallLimiter caps outbound provider calls; nil disables the check.
type CallLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// LLMRunner is the shared execution path of every model-calling processor:
// transition the job to running, account prompt tokens, execute the provider
// call inside a tracked admission slot, and stream chunks into the store
// when asked to.
type LLMRunner struct {
	store         repository.JobStore
	adm           *admission.Controller
	clients       ClientResolver
	limiter       CallLimiter
	ratePerMinute int
	log           *zerolog.Logger
}

func NewLLMRunner(store repository.JobStore, adm *admission.Controller, clients ClientResolver,
	limiter CallLimiter, ratePerMinute int, logger *zerolog.Logger) *LLMRunner {
	l := logger.With().Str("component", "LLMRunner").Logger()
	return &LLMRunner{
		store:         store,
		adm:           adm,
		clients:       clients,
		limiter:       limiter,
		ratePerMinute: ratePerMinute,
		log:           &l,
	}
}

// Run executes one model call for the job in p. Cancellation of the request
// (admission controller) or of the job (scheduler timeout) arrives through
// the derived context at the provider call's suspension points.
func (r *LLMRunner) Run(ctx context.Context, p Payload, streaming bool) (*adapter.Response, error) {
	client, err := r.clients.ClientFor(p.APIType)
	if err != nil {
		return nil, err
	}

	if r.limiter != nil && r.ratePerMinute > 0 {
		ok, lerr := r.limiter.Allow(ctx, redis.ProviderCallKey(client.Provider()), r.ratePerMinute, time.Minute)
		if lerr != nil {
			// The limiter being down must not take job processing with it.
			r.log.Warn().Err(lerr).Str("provider", client.Provider()).Msg("rate limiter unavailable, allowing call")
		} else if !ok {
			return nil, domain.NewFailure(domain.FailureRateLimited,
				"provider rate limit reached, retry later", nil)
		}
	}

	promptTokens, err := client.CountTokens(ctx, p.Model, p.Prompt)
	if err != nil {
		promptTokens = 0
	}

	if err := r.store.UpdateStatus(ctx, nil, repository.StatusUpdate{
		ID:            p.JobID,
		Status:        model.JobStatusRunning,
		StatusMessage: "calling " + client.Provider(),
		ModelUsed:     p.Model,
		TokensSent:    promptTokens,
	}); err != nil {
		return nil, err
	}

	req := adapter.Request{
		Model:           p.Model,
		SystemPrompt:    p.SystemPrompt,
		Prompt:          p.Prompt,
		Temperature:     p.Temperature,
		MaxOutputTokens: p.MaxOutputTokens,
	}

	reqID := p.RequestID
	var resp *adapter.Response
	call := func(reqCtx context.Context) error {
		var callErr error
		if streaming {
			r.adm.RegisterStreamingJob(reqID, p.JobID)
			defer r.adm.CleanupStreamingJob(reqID)
			resp, callErr = client.SendStreaming(reqCtx, req, func(chunk string, tokens int) {
				r.adm.HandleStreamChunk(reqCtx, reqID, chunk, tokens)
			})
		} else {
			resp, callErr = client.Send(reqCtx, req)
		}
		return callErr
	}
	if reqID == "" {
		// No slot reserved upstream: acquire one for the duration of the call.
		reqID = admission.NewRequestID()
		err = r.adm.Do(ctx, reqID, p.SessionID, p.TaskType, call)
	} else {
		// The scheduler reserved the slot at dispatch; ctx already carries
		// its cancellation handle.
		err = call(ctx)
	}
	if err != nil {
		return nil, err
	}
	if resp.Usage.PromptTokens == 0 {
		resp.Usage.PromptTokens = promptTokens
	}
	return resp, nil
}

// PersistResponse writes a non-streamed response as one durable append.
// Streaming calls never need this; their chunks land through the admission
// controller as they arrive.
func (r *LLMRunner) PersistResponse(ctx context.Context, jobID, text string, tokens int) error {
	return r.store.AppendToResponse(ctx, jobID, text, tokens, len(text))
}
