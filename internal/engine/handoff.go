package engine

import (
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/rvidal/preceptor/internal/definition"
	"github.com/rvidal/preceptor/pkg/schema"
)

// HandoffController computes the outgoing edge from a node beyond what the
// capability itself proposes. It trusts the capability's proposed next role
// when it is valid for the workflow type and passes the definition's guard;
// otherwise it falls back to the orchestrator.
type HandoffController struct {
	mu    sync.RWMutex
	cache map[string]*vm.Program
}

// NewHandoffController creates a HandoffController with an empty guard cache.
func NewHandoffController() *HandoffController {
	return &HandoffController{cache: make(map[string]*vm.Program)}
}

// Decide returns the next role for the instance and a human-readable
// transition annotation. The annotation is data for history, never control
// flow: it describes whatever Decide chose, it does not influence it.
func (h *HandoffController) Decide(current schema.Role, delta *schema.Delta, snap *schema.WorkflowSnapshot, def *definition.WorkflowType) (schema.Role, string) {
	if delta.Terminal {
		return schema.RoleTerminal, "Session complete."
	}

	if delta.ReturnToPrevious {
		if prev, ok := previousRole(snap.History, current); ok {
			return prev, fmt.Sprintf("Returning to %s.", prev)
		}
		return schema.RoleOrchestrator, "No previous role to return to; handing off to orchestrator."
	}

	next := delta.NextRole
	if next == "" || !next.Valid() || next == schema.RoleLearner || !def.RoleAllowed(next) {
		return schema.RoleOrchestrator, fmt.Sprintf("Proposed role %q is not valid here; handing off to orchestrator.", string(next))
	}

	if vetoed := h.guardVetoes(def, snap, current, next); vetoed {
		return schema.RoleOrchestrator, fmt.Sprintf("Handoff to %s vetoed by guard; handing off to orchestrator.", next)
	}

	if next == current {
		return next, fmt.Sprintf("Staying with %s.", next)
	}
	return next, fmt.Sprintf("Handing off to %s.", next)
}

// previousRole scans history backwards for the most recent specialist role
// distinct from current. Learner entries and terminal are skipped.
func previousRole(history []schema.Message, current schema.Role) (schema.Role, bool) {
	for i := len(history) - 1; i >= 0; i-- {
		r := history[i].Role
		if r == current || r == schema.RoleLearner || r == schema.RoleTerminal || !r.Valid() {
			continue
		}
		return r, true
	}
	return "", false
}

// guardVetoes evaluates the definition's guard expression, if any.
// The guard sees {variables, from, to} and vetoes unless it yields true.
// Guard evaluation errors count as a veto: a broken guard must not open
// routes it was written to close.
func (h *HandoffController) guardVetoes(def *definition.WorkflowType, snap *schema.WorkflowSnapshot, from, to schema.Role) bool {
	if def.Guard == "" || to == schema.RoleOrchestrator || to == schema.RoleTerminal {
		return false
	}

	prg, err := h.getOrCompile(def.Guard)
	if err != nil {
		return true
	}

	vars := snap.Variables
	if vars == nil {
		vars = map[string]any{}
	}
	env := map[string]any{
		"variables": vars,
		"from":      string(from),
		"to":        string(to),
	}
	out, err := vm.Run(prg, env)
	if err != nil {
		return true
	}
	allowed, ok := out.(bool)
	return !ok || !allowed
}

func (h *HandoffController) getOrCompile(guard string) (*vm.Program, error) {
	h.mu.RLock()
	if prg, ok := h.cache[guard]; ok {
		h.mu.RUnlock()
		return prg, nil
	}
	h.mu.RUnlock()

	prg, err := expr.Compile(guard, expr.AllowUndefinedVariables())
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"compile handoff guard %q: %s", guard, err.Error()).WithCause(err)
	}

	h.mu.Lock()
	h.cache[guard] = prg
	h.mu.Unlock()
	return prg, nil
}
