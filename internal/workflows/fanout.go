package workflows

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Kocoro-lab/Shannon/go/research/internal/metrics"
	"github.com/Kocoro-lab/Shannon/go/research/internal/models"
	"github.com/Kocoro-lab/Shannon/go/research/internal/streaming"
	"github.com/cenkalti/backoff/v4"
	"github.com/samber/lo"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// subCall is one provider invocation within a stage fan-out.
type subCall struct {
	provider string
	req      models.ProviderRequest
}

type subResult struct {
	calls    []models.ProviderCall
	resp     *models.ProviderResponse
	err      error
	attempts int
}

func (o *Orchestrator) runProviderStage(ctx context.Context, e *entry, snap *models.WorkflowRun, stage StageSpec) stageOutcome {
	res := newResult(stage, o.now())
	cfg, _ := o.config()

	available := lo.Filter(stage.Providers, func(id string, _ int) bool {
		if o.providers == nil {
			return false
		}
		_, ok := o.providers.Get(id)
		return ok
	})
	if len(available) == 0 {
		return o.settle(ctx, res, stage, models.NewStageError(models.KindProviderUnavailable, stage.ID, "",
			fmt.Errorf("none of %v is registered", stage.Providers)), nil)
	}

	var subs []subCall
	var expected float64
	switch stage.Capability {
	case models.CapabilitySearch:
		for _, id := range available {
			subs = append(subs, subCall{provider: id, req: models.ProviderRequest{
				Capability: stage.Capability,
				Query:      snap.Request.Query,
				MaxResults: cfg.SearchResults,
				Params:     stage.Params,
			}})
		}
		expected = float64(snap.Request.MaxSources)
	case models.CapabilityContentExtraction:
		urls := candidateURLs(snap.StageResults, cfg.ExtractionLimit)
		for i, u := range urls {
			subs = append(subs, subCall{provider: available[i%len(available)], req: models.ProviderRequest{
				Capability: stage.Capability,
				URLs:       []string{u},
				Params:     stage.Params,
			}})
		}
		expected = float64(len(urls))
	case models.CapabilitySemanticMatch:
		sources := candidateSources(snap.StageResults, snap.Request.MaxSources*2)
		if len(sources) > 0 {
			req := models.ProviderRequest{Capability: stage.Capability, Query: snap.Request.Query, Params: stage.Params}
			for _, s := range sources {
				req.URLs = append(req.URLs, s.URL)
				req.Documents = append(req.Documents, documentText(s, snap.StageResults))
			}
			subs = append(subs, subCall{provider: available[0], req: req})
		}
		expected = float64(len(sources))
	default:
		return o.settle(ctx, res, stage, models.NewStageError(models.KindInternal, stage.ID, "",
			fmt.Errorf("unsupported capability %q", stage.Capability)), nil)
	}

	if len(subs) == 0 {
		if !stage.Mandatory {
			res.EndedAt = o.now()
			res.Skipped = true
			res.ErrorKind = models.KindInsufficientData
			res.Error = "no candidate sources from earlier stages"
			return stageOutcome{result: &res}
		}
		return o.settle(ctx, res, stage, models.NewStageError(models.KindInsufficientData, stage.ID, "",
			errors.New("no candidate sources from earlier stages")), nil)
	}

	estimate := lo.SumBy(subs, func(s subCall) float64 { return o.providers.Estimate(s.provider, s.req) })
	if !o.budget.Authorize(snap, estimate) {
		return o.refuse(res, stage, estimate, snap)
	}
	defer o.budget.Release(snap, estimate)

	results := o.fanOut(ctx, e, snap.ID, stage, subs)

	var calls []models.ProviderCall
	var firstErr error
	ok := 0
	artifact := &models.Artifact{}
	for i, r := range results {
		calls = append(calls, r.calls...)
		res.Attempts = max(res.Attempts, r.attempts)
		if r.err != nil {
			if firstErr == nil {
				firstErr = r.err
			}
			continue
		}
		if r.resp == nil {
			continue
		}
		ok++
		mergeResponse(artifact, subs[i].provider, r.resp)
	}
	res.Calls = calls
	var overrun error
	res.Cost, overrun = o.commitCalls(ctx, snap, stage, calls)

	if ok == 0 {
		if firstErr == nil {
			firstErr = models.NewStageError(models.KindCancelled, stage.ID, "", nil)
		}
		out := o.settle(ctx, res, stage, firstErr, overrun)
		out.calls, out.cost = calls, res.Cost
		return out
	}

	var produced float64
	switch stage.Capability {
	case models.CapabilitySearch:
		produced = float64(len(artifact.Sources))
	case models.CapabilityContentExtraction:
		produced = float64(len(artifact.Documents))
	case models.CapabilitySemanticMatch:
		produced = float64(len(artifact.Scores))
	}
	res.Output = artifact
	res.Confidence = float64(ok) / float64(len(subs)) * clampRatio(produced, expected)
	if firstErr != nil {
		o.logger.Warn("Stage completed with partial provider failures",
			zap.String("workflow_id", snap.ID),
			zap.String("stage", stage.ID),
			zap.Int("succeeded", ok),
			zap.Int("total", len(subs)),
			zap.Error(firstErr),
		)
	}
	out := o.settle(ctx, res, stage, nil, overrun)
	out.calls, out.cost = calls, res.Cost
	return out
}

// fanOut runs sub-calls concurrently under the shared worker pool. Results
// keep sub-call order regardless of completion order.
func (o *Orchestrator) fanOut(ctx context.Context, e *entry, id string, stage StageSpec, subs []subCall) []subResult {
	_, sem := o.config()
	results := make([]subResult, len(subs))
	var g errgroup.Group
	for i, sc := range subs {
		g.Go(func() error {
			if err := sem.Acquire(ctx, 1); err != nil {
				results[i] = subResult{err: models.NewStageError(models.KindTimeExceeded, stage.ID, sc.provider, err)}
				return nil
			}
			defer sem.Release(1)
			results[i] = o.invokeWithRetry(ctx, e, id, stage, sc)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// invokeWithRetry retries rate-limit and timeout failures with exponential
// backoff. Every attempt is returned so it can be charged.
func (o *Orchestrator) invokeWithRetry(ctx context.Context, e *entry, id string, stage StageSpec, sc subCall) subResult {
	cfg, _ := o.config()
	var out subResult
	var lastErr error

	op := func() error {
		if o.cancelRequested(e) {
			lastErr = models.NewStageError(models.KindCancelled, stage.ID, sc.provider, nil)
			return backoff.Permanent(lastErr)
		}
		out.attempts++
		call, err := o.providers.Invoke(ctx, sc.provider, sc.req)
		call.Attempt = out.attempts
		out.calls = append(out.calls, *call)
		if err != nil {
			lastErr = err
			if !models.KindOf(err).Retryable() || ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}
		out.resp = call.Output
		lastErr = nil
		return nil
	}

	b := backoff.NewExponentialBackOff()
	if cfg.BackoffInitial > 0 {
		b.InitialInterval = cfg.BackoffInitial
	}
	if cfg.BackoffMax > 0 {
		b.MaxInterval = cfg.BackoffMax
	}
	b.MaxElapsedTime = 0
	b.Reset()

	notify := func(err error, wait time.Duration) {
		kind := models.KindOf(err)
		metrics.StageRetries.WithLabelValues(stage.ID, string(kind)).Inc()
		o.emit(ctx, id, streaming.EventStageRetry, stage.ID, err.Error(), map[string]any{
			"provider": sc.provider,
			"attempt":  out.attempts,
			"wait_ms":  wait.Milliseconds(),
		})
		o.logger.Debug("Retrying provider call",
			zap.String("workflow_id", id),
			zap.String("stage", stage.ID),
			zap.String("provider", sc.provider),
			zap.Int("attempt", out.attempts),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	}

	err := backoff.RetryNotify(op, backoff.WithContext(backoff.WithMaxRetries(b, uint64(cfg.MaxRetries)), ctx), notify)
	if err != nil {
		if lastErr != nil {
			err = lastErr
		}
		out.err = err
		out.resp = nil
	}
	return out
}

// candidateURLs returns up to limit unique URLs from discovery stages in
// the order they were found.
func candidateURLs(results []models.StageResult, limit int) []string {
	urls := lo.Map(candidateSources(results, limit), func(s models.Source, _ int) string { return s.URL })
	return urls
}

// candidateSources collects discovered sources, first occurrence wins.
func candidateSources(results []models.StageResult, limit int) []models.Source {
	seen := make(map[string]bool)
	var out []models.Source
	for _, r := range results {
		if !r.Succeeded() {
			continue
		}
		for _, s := range r.Output.Sources {
			if s.URL == "" || seen[s.URL] {
				continue
			}
			seen[s.URL] = true
			out = append(out, s)
			if limit > 0 && len(out) >= limit {
				return out
			}
		}
	}
	return out
}

// documentText prefers extracted content over the search snippet.
func documentText(s models.Source, results []models.StageResult) string {
	for _, r := range results {
		if !r.Succeeded() {
			continue
		}
		for _, d := range r.Output.Documents {
			if d.URL == s.URL && d.Content != "" {
				return d.Content
			}
		}
	}
	if s.Snippet != "" {
		return s.Title + "\n" + s.Snippet
	}
	return s.Title
}

func mergeResponse(a *models.Artifact, provider string, resp *models.ProviderResponse) {
	for i, s := range resp.Sources {
		if s.Provider == "" {
			s.Provider = provider
		}
		if s.Rank == 0 {
			s.Rank = i + 1
		}
		a.Sources = append(a.Sources, s)
	}
	a.Documents = append(a.Documents, resp.Documents...)
	a.Scores = append(a.Scores, resp.Scores...)
}
