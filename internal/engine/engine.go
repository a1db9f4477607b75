// Package engine drives tutoring workflow instances through their state
// machine: one committed transition per turn, arbitrated by the store's
// compare-and-swap, with capability failures recovered locally so the
// learner always receives a response.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/rvidal/preceptor/internal/capability"
	"github.com/rvidal/preceptor/internal/definition"
	"github.com/rvidal/preceptor/internal/logging"
	"github.com/rvidal/preceptor/internal/store"
	"github.com/rvidal/preceptor/internal/validation"
	"github.com/rvidal/preceptor/pkg/schema"
)

// Config tunes engine behavior. Zero values are replaced with defaults.
type Config struct {
	// CapabilityTimeout bounds a single capability invocation.
	CapabilityTimeout time.Duration
	// CapabilityRetries is the number of extra attempts with the same role
	// after a retryable capability failure.
	CapabilityRetries int
	// CASRetries is how many times a lost compare-and-swap is retried
	// (reload + re-merge) before surfacing CONCURRENT_MODIFICATION.
	CASRetries int
	// RetryBackoff is the delay between capability retry attempts.
	RetryBackoff time.Duration
	// IdleTTL is how long an idle instance stays reclaimable by the sweeper.
	IdleTTL time.Duration
	// Breaker configures the per-role circuit breaker.
	Breaker BreakerConfig
}

func (c Config) withDefaults() Config {
	if c.CapabilityTimeout <= 0 {
		c.CapabilityTimeout = 30 * time.Second
	}
	if c.CapabilityRetries <= 0 {
		c.CapabilityRetries = 2
	}
	if c.CASRetries <= 0 {
		c.CASRetries = 3
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 100 * time.Millisecond
	}
	if c.IdleTTL <= 0 {
		c.IdleTTL = 24 * time.Hour
	}
	if c.Breaker.FailureThreshold == 0 {
		c.Breaker = DefaultBreakerConfig()
	}
	return c
}

// Engine drives workflow instances. Safe for concurrent use; distinct
// instances proceed fully in parallel, same-instance turns are linearized
// by the store's compare-and-swap.
type Engine struct {
	store     store.Store
	caps      *capability.Registry
	defs      *definition.Registry
	handoff   *HandoffController
	breakers  *BreakerRegistry
	validator *validation.VariablesValidator
	logger    *slog.Logger
	cfg       Config
	now       func() time.Time
}

// New creates an Engine over the given store, capability registry and
// workflow-type definitions.
func New(s store.Store, caps *capability.Registry, defs *definition.Registry, logger *slog.Logger, cfg Config) *Engine {
	cfg = cfg.withDefaults()
	return &Engine{
		store:     s,
		caps:      caps,
		defs:      defs,
		handoff:   NewHandoffController(),
		breakers:  NewBreakerRegistry(cfg.Breaker),
		validator: validation.NewVariablesValidator(),
		logger:    logger,
		cfg:       cfg,
		now:       time.Now,
	}
}

// Start creates a new Active instance at version 0 with the initial input
// in history, persists it, and immediately executes the first step with the
// orchestrator capability.
func (e *Engine) Start(ctx context.Context, workflowType, initialInput string) (*schema.TurnResult, error) {
	if _, err := e.defs.Get(workflowType); err != nil {
		return nil, err
	}

	now := e.now().UTC()
	snap := &schema.WorkflowSnapshot{
		InstanceID:   uuid.NewString(),
		WorkflowType: workflowType,
		ActiveRole:   schema.RoleOrchestrator,
		Variables:    map[string]any{},
		History: []schema.Message{
			{Role: schema.RoleLearner, Content: initialInput, Timestamp: now},
		},
		HopCount:  0,
		Version:   0,
		Status:    schema.StatusActive,
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: now.Add(e.cfg.IdleTTL),
	}
	if err := e.store.CreateSnapshot(ctx, snap); err != nil {
		return nil, err
	}

	ctx = logging.WithInstanceID(ctx, snap.InstanceID)
	e.logger.InfoContext(ctx, "workflow started", slog.String("workflow_type", workflowType))

	// The initial input is already in history; the first step appends nothing.
	return e.advance(ctx, snap.InstanceID, "")
}

// Advance processes one learner turn for an existing instance.
func (e *Engine) Advance(ctx context.Context, instanceID, userInput string) (*schema.TurnResult, error) {
	if userInput == "" {
		return nil, schema.NewError(schema.ErrCodeInvalidInput, "user input is empty").WithInstance(instanceID)
	}
	ctx = logging.WithInstanceID(ctx, instanceID)
	return e.advance(ctx, instanceID, userInput)
}

// advance runs the load / invoke / merge / compare-and-swap loop. A lost
// CAS discards the speculative transition entirely and replays the turn
// against the reloaded snapshot, up to the configured retry ceiling.
func (e *Engine) advance(ctx context.Context, instanceID, userInput string) (*schema.TurnResult, error) {
	var lastErr error
	for attempt := 0; attempt <= e.cfg.CASRetries; attempt++ {
		snap, err := e.store.LoadSnapshot(ctx, instanceID)
		if err != nil {
			return nil, err
		}
		if snap.Status.Terminal() {
			return nil, schema.NewErrorf(schema.ErrCodeInvalidState,
				"instance is %s", snap.Status).WithInstance(instanceID)
		}
		def, err := e.defs.Get(snap.WorkflowType)
		if err != nil {
			return nil, err
		}

		now := e.now().UTC()
		work := snap.Clone()
		if userInput != "" {
			work.History = append(work.History, schema.Message{
				Role: schema.RoleLearner, Content: userInput, Timestamp: now,
			})
		}

		reply, err := e.applyTurn(ctx, work, def, now)
		if err != nil {
			return nil, err
		}

		err = e.store.CompareAndSwap(ctx, instanceID, snap.Version, work)
		if err == nil {
			e.logger.InfoContext(ctx, "turn committed",
				slog.Int64("version", work.Version),
				slog.String("active_role", string(work.ActiveRole)),
				slog.Int("hop_count", work.HopCount),
			)
			return &schema.TurnResult{Message: reply, Snapshot: work}, nil
		}
		if !schema.IsCode(err, schema.ErrCodeConcurrentModify) {
			return nil, err
		}
		lastErr = err
		e.logger.WarnContext(ctx, "compare-and-swap lost, replaying turn",
			slog.Int("attempt", attempt+1))
	}
	return nil, lastErr
}

// applyTurn invokes the active role's capability and folds its delta into
// work: merge variables, append the reply, choose the next role, bump hop
// count and version. Capability failures are recovered by rerouting to the
// orchestrator with an annotation so the turn still produces a response.
func (e *Engine) applyTurn(ctx context.Context, work *schema.WorkflowSnapshot, def *definition.WorkflowType, now time.Time) (string, error) {
	role := work.ActiveRole
	ctx = logging.WithRole(ctx, string(role))

	delta, invokeErr := e.invokeCapability(ctx, work)
	if invokeErr != nil {
		e.logger.ErrorContext(ctx, "capability failed, rerouting to orchestrator",
			slog.String("error", invokeErr.Error()))
		delta = &schema.Delta{
			NextRole: schema.RoleOrchestrator,
			Message:  fmt.Sprintf("The %s step could not complete (%s); returning to the orchestrator.", role, errCode(invokeErr)),
		}
	}

	if work.Variables == nil {
		work.Variables = map[string]any{}
	}
	for k, v := range delta.NewVariables {
		work.Variables[k] = v
	}

	next, annotation := e.handoff.Decide(role, delta, work, def)

	// Loop prevention: past the hop ceiling the orchestrator takes over,
	// overriding whatever the capability proposed.
	if next != schema.RoleTerminal && work.HopCount+1 > def.EffectiveHopLimit() {
		next = schema.RoleOrchestrator
		work.Variables[schema.VarEmergencyIntervention] = true
		annotation = "Emergency intervention: transition limit reached; control returned to the orchestrator."
		e.logger.WarnContext(ctx, "hop ceiling reached, forcing orchestrator",
			slog.Int("hop_count", work.HopCount),
			slog.Int("hop_limit", def.EffectiveHopLimit()))
	}

	reply := delta.Message
	if reply == "" {
		reply = annotation
	}
	work.History = append(work.History, schema.Message{Role: role, Content: reply, Timestamp: now})

	if err := e.validator.Validate(def.Name, def.VariablesSchema, work.Variables); err != nil {
		return "", err
	}

	work.ActiveRole = next
	work.HopCount++
	work.Version++
	work.UpdatedAt = now
	work.ExpiresAt = now.Add(e.cfg.IdleTTL)
	if next == schema.RoleTerminal {
		work.Status = schema.StatusCompleted
	}
	return reply, nil
}

// invokeCapability resolves and calls the capability for the snapshot's
// active role, with per-attempt timeout, bounded retries for retryable
// errors, and the role's circuit breaker around the whole exchange.
func (e *Engine) invokeCapability(ctx context.Context, snap *schema.WorkflowSnapshot) (*schema.Delta, error) {
	role := snap.ActiveRole
	c, err := e.caps.Get(role)
	if err != nil {
		return nil, err
	}
	if err := e.breakers.AllowRequest(role); err != nil {
		return nil, err
	}

	req := capability.Request{
		InstanceID:   snap.InstanceID,
		WorkflowType: snap.WorkflowType,
		Variables:    copyVariables(snap.Variables),
		History:      copyHistory(snap.History),
	}

	var lastErr error
	for attempt := 0; attempt <= e.cfg.CapabilityRetries; attempt++ {
		if attempt > 0 {
			if err := WaitForBackoff(ctx, e.cfg.RetryBackoff); err != nil {
				break
			}
		}

		ictx, cancel := context.WithTimeout(ctx, e.cfg.CapabilityTimeout)
		delta, err := c.Invoke(ictx, req)
		cancel()

		if err == nil && delta == nil {
			err = schema.NewErrorf(schema.ErrCodeCapability, "capability for role %q returned no delta", role)
		}
		if err == nil {
			e.breakers.RecordSuccess(role)
			return delta, nil
		}

		lastErr = err
		e.logger.WarnContext(ctx, "capability attempt failed",
			slog.Int("attempt", attempt+1),
			slog.String("error", err.Error()))
		if !IsRetryableError(err) {
			break
		}
	}

	e.breakers.RecordFailure(role)
	return nil, schema.NewErrorf(schema.ErrCodeCapability,
		"capability for role %q failed: %v", role, lastErr).WithCause(lastErr)
}

// Cancel marks an Active instance as Cancelled. It takes effect between
// turns: the status change goes through compare-and-swap, so an in-flight
// turn that commits after the cancel loses its race.
func (e *Engine) Cancel(ctx context.Context, instanceID string) (*schema.WorkflowSnapshot, error) {
	ctx = logging.WithInstanceID(ctx, instanceID)

	var lastErr error
	for attempt := 0; attempt <= e.cfg.CASRetries; attempt++ {
		snap, err := e.store.LoadSnapshot(ctx, instanceID)
		if err != nil {
			return nil, err
		}
		if snap.Status.Terminal() {
			return nil, schema.NewErrorf(schema.ErrCodeInvalidState,
				"instance is already %s", snap.Status).WithInstance(instanceID)
		}

		work := snap.Clone()
		work.Status = schema.StatusCancelled
		work.Version++
		work.UpdatedAt = e.now().UTC()

		err = e.store.CompareAndSwap(ctx, instanceID, snap.Version, work)
		if err == nil {
			e.logger.InfoContext(ctx, "workflow cancelled", slog.Int64("version", work.Version))
			return work, nil
		}
		if !schema.IsCode(err, schema.ErrCodeConcurrentModify) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

// GetState returns the latest committed snapshot for an instance.
func (e *Engine) GetState(ctx context.Context, instanceID string) (*schema.WorkflowSnapshot, error) {
	return e.store.LoadSnapshot(ctx, instanceID)
}

func errCode(err error) string {
	var pe *schema.PreceptorError
	if errors.As(err, &pe) {
		return pe.Code
	}
	return "error"
}

func copyVariables(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func copyHistory(in []schema.Message) []schema.Message {
	out := make([]schema.Message, len(in))
	copy(out, in)
	return out
}
