// Package policy evaluates OPA admission rules before a workflow starts.
package policy

import (
	"context"
	"crypto/md5"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Kocoro-lab/Shannon/go/research/internal/config"
	"github.com/Kocoro-lab/Shannon/go/research/internal/metrics"
	"github.com/Kocoro-lab/Shannon/go/research/internal/models"
	"github.com/open-policy-agent/opa/rego"
	"go.uber.org/zap"
)

// Mode controls whether denials are enforced.
type Mode string

const (
	ModeEnforce Mode = "enforce"
	ModeDryRun  Mode = "dry-run"
)

// DefaultQuery is the decision document evaluated for admission.
const DefaultQuery = "data.research.admission.decision"

// Input is the document handed to the policy as `input`.
type Input struct {
	Query              string   `json:"query"`
	Subject            string   `json:"subject,omitempty"`
	Methodology        string   `json:"methodology"`
	ExecutionMode      string   `json:"execution_mode"`
	MaxSources         int      `json:"max_sources"`
	QualityThreshold   float64  `json:"quality_threshold"`
	BudgetCeiling      float64  `json:"budget_ceiling"`
	TimeCeilingSeconds float64  `json:"time_ceiling_seconds"`
	Stages             []string `json:"stages,omitempty"`
	Principal          string   `json:"principal,omitempty"`
	Environment        string   `json:"environment"`
}

// Decision is the parsed policy result.
type Decision struct {
	Allow         bool     `json:"allow"`
	Reason        string   `json:"reason,omitempty"`
	Deny          []string `json:"deny,omitempty"`
	PolicyVersion string   `json:"policy_version,omitempty"`
}

type principalKey struct{}

// WithPrincipal attaches the authenticated caller to ctx.
func WithPrincipal(ctx context.Context, subject string) context.Context {
	return context.WithValue(ctx, principalKey{}, subject)
}

// PrincipalFrom returns the caller attached by WithPrincipal.
func PrincipalFrom(ctx context.Context) string {
	s, _ := ctx.Value(principalKey{}).(string)
	return s
}

// InputFor builds the policy input of a request.
func InputFor(ctx context.Context, req models.ResearchRequest, environment string) Input {
	in := Input{
		Query:              req.Query,
		Subject:            req.Subject,
		Methodology:        string(req.Methodology),
		ExecutionMode:      string(req.ExecutionMode),
		MaxSources:         req.MaxSources,
		QualityThreshold:   req.QualityThreshold,
		BudgetCeiling:      req.BudgetCeiling,
		TimeCeilingSeconds: req.TimeCeiling.Seconds(),
		Principal:          PrincipalFrom(ctx),
		Environment:        environment,
	}
	for _, s := range req.CustomStages {
		in.Stages = append(in.Stages, s.Name)
	}
	return in
}

// Engine compiles rego modules from a file or directory and answers
// admission queries. Safe for concurrent use; Load may run while
// evaluations are in flight.
type Engine struct {
	cfg    config.PolicyConfig
	mode   Mode
	logger *zap.Logger

	mu       sync.RWMutex
	compiled *rego.PreparedEvalQuery
	version  string
	cache    *decisionCache
}

// NewEngine creates an engine and loads its policies when enabled. A load
// failure is fatal only when FailClosed is set; otherwise the engine
// admits everything until a later Load succeeds.
func NewEngine(cfg config.PolicyConfig, logger *zap.Logger) (*Engine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Query == "" {
		cfg.Query = DefaultQuery
	}
	mode := Mode(cfg.Mode)
	if mode == "" {
		mode = ModeEnforce
	}
	e := &Engine{
		cfg:    cfg,
		mode:   mode,
		logger: logger,
		cache:  newDecisionCache(1000, 5*time.Minute),
	}
	if !cfg.Enabled {
		logger.Info("Admission policy disabled")
		return e, nil
	}
	if err := e.Load(context.Background()); err != nil {
		if cfg.FailClosed {
			return nil, fmt.Errorf("failed to load policies in fail-closed mode: %w", err)
		}
		logger.Warn("Failed to load policies, admitting all requests", zap.Error(err))
	}
	return e, nil
}

// Enabled reports whether compiled policies are in effect.
func (e *Engine) Enabled() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cfg.Enabled && e.compiled != nil
}

// Version is a short content hash of the loaded modules.
func (e *Engine) Version() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.version
}

// Load (re)compiles every .rego file under the configured path. The
// previous policy set stays active when compilation fails.
func (e *Engine) Load(ctx context.Context) error {
	modules, err := readModules(e.cfg.Path)
	if err != nil {
		policyErrors.WithLabelValues("load").Inc()
		return err
	}
	if len(modules) == 0 {
		policyErrors.WithLabelValues("load").Inc()
		return fmt.Errorf("no .rego files found under %s", e.cfg.Path)
	}

	opts := []func(*rego.Rego){rego.Query(e.cfg.Query)}
	for name, src := range modules {
		opts = append(opts, rego.Module(name, src))
	}
	compiled, err := rego.New(opts...).PrepareForEval(ctx)
	if err != nil {
		policyErrors.WithLabelValues("compile").Inc()
		return fmt.Errorf("failed to compile policies: %w", err)
	}

	version := moduleVersion(modules)
	e.mu.Lock()
	e.compiled = &compiled
	e.version = version
	e.cache.clear()
	e.mu.Unlock()

	policyModules.Set(float64(len(modules)))
	policyLoadTime.SetToCurrentTime()
	e.logger.Info("Policies loaded",
		zap.String("path", e.cfg.Path),
		zap.Int("module_count", len(modules)),
		zap.String("version", version),
		zap.String("query", e.cfg.Query),
	)
	return nil
}

func readModules(path string) (map[string]string, error) {
	modules := make(map[string]string)
	err := filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), ".rego") {
			return nil
		}
		content, err := os.ReadFile(p)
		if err != nil {
			return fmt.Errorf("failed to read policy file %s: %w", p, err)
		}
		name, _ := filepath.Rel(path, p)
		if name == "." {
			name = filepath.Base(p)
		}
		modules[name] = string(content)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk policy path: %w", err)
	}
	return modules, nil
}

// moduleVersion hashes module names and contents in name order.
func moduleVersion(modules map[string]string) string {
	names := make([]string, 0, len(modules))
	for name := range modules {
		names = append(names, name)
	}
	sort.Strings(names)
	h := md5.New()
	for _, name := range names {
		h.Write([]byte(name))
		h.Write([]byte(modules[name]))
	}
	return fmt.Sprintf("%x", h.Sum(nil)[:4])
}

// Evaluate runs the decision query against in. In dry-run mode denials are
// logged and reported as allowed.
func (e *Engine) Evaluate(ctx context.Context, in Input) (*Decision, error) {
	start := time.Now()

	e.mu.RLock()
	compiled, version, enabled := e.compiled, e.version, e.cfg.Enabled
	e.mu.RUnlock()

	if !enabled {
		return &Decision{Allow: true, Reason: "policy disabled"}, nil
	}
	if compiled == nil {
		if e.cfg.FailClosed {
			return &Decision{Allow: false, Reason: "no policies loaded"}, nil
		}
		return &Decision{Allow: true, Reason: "no policies loaded"}, nil
	}

	key, err := cacheKey(in)
	if err == nil {
		if d, ok := e.cache.get(key); ok {
			policyCacheHits.Inc()
			return d, nil
		}
	}
	policyCacheMisses.Inc()

	raw, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("encode policy input: %w", err)
	}
	var input map[string]any
	if err := json.Unmarshal(raw, &input); err != nil {
		return nil, fmt.Errorf("encode policy input: %w", err)
	}

	results, err := compiled.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		policyErrors.WithLabelValues("evaluation").Inc()
		e.logger.Error("Policy evaluation failed", zap.Error(err))
		if e.cfg.FailClosed {
			return &Decision{Allow: false, Reason: "policy evaluation error"}, err
		}
		return &Decision{Allow: true, Reason: "policy evaluation error"}, nil
	}

	d := parseResults(results)
	d.PolicyVersion = version
	if !d.Allow && e.mode == ModeDryRun {
		e.logger.Info("Dry-run policy denial",
			zap.String("reason", d.Reason),
			zap.Strings("deny", d.Deny),
		)
		policyDryRunDivergence.Inc()
		d.Allow = true
		d.Reason = "DRY-RUN: would have been denied - " + d.Reason
	}

	label := "allow"
	if !d.Allow {
		label = "deny"
	}
	policyEvaluations.WithLabelValues(label, string(e.mode)).Inc()
	policyEvaluationDuration.Observe(time.Since(start).Seconds())

	if key != "" {
		e.cache.set(key, d)
	}
	return d, nil
}

func parseResults(results rego.ResultSet) *Decision {
	d := &Decision{Allow: false, Reason: "no matching policy rules"}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return d
	}
	switch v := results[0].Expressions[0].Value.(type) {
	case map[string]any:
		if allow, ok := v["allow"].(bool); ok {
			d.Allow = allow
		}
		if reason, ok := v["reason"].(string); ok {
			d.Reason = reason
		}
		if deny, ok := v["deny"].([]any); ok {
			for _, m := range deny {
				if s, ok := m.(string); ok {
					d.Deny = append(d.Deny, s)
				}
			}
			sort.Strings(d.Deny)
		}
	case bool:
		d.Allow = v
		if v {
			d.Reason = "allowed by policy"
		} else {
			d.Reason = "denied by policy"
		}
	}
	return d
}

// Admit evaluates req and returns a PolicyDenied StageError on denial.
func (e *Engine) Admit(ctx context.Context, req models.ResearchRequest) error {
	d, err := e.Evaluate(ctx, InputFor(ctx, req, e.cfg.Environment))
	if err != nil && (d == nil || !d.Allow) {
		metrics.AdmissionDecisions.WithLabelValues("error").Inc()
		return models.NewStageError(models.KindPolicyDenied, "", "", fmt.Errorf("%w: %v", models.ErrPolicyDenied, err))
	}
	if !d.Allow {
		metrics.AdmissionDecisions.WithLabelValues("deny").Inc()
		e.logger.Info("Request denied by admission policy",
			zap.String("reason", d.Reason),
			zap.String("policy_version", d.PolicyVersion),
		)
		return models.NewStageError(models.KindPolicyDenied, "", "", errors.New(d.Reason))
	}
	metrics.AdmissionDecisions.WithLabelValues("allow").Inc()
	return nil
}

func cacheKey(in Input) (string, error) {
	raw, err := json.Marshal(in)
	if err != nil {
		return "", err
	}
	h := fnv.New64a()
	_, _ = h.Write(raw)
	return fmt.Sprintf("%x", h.Sum64()), nil
}
