// Copyright © 2025 jackelyj <dreamerlyj@gmail.com>
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.
//

// Package planner turns an unordered set of domain operations with declared
// dependencies into an ordered sequence of execution phases.
package planner

import (
	"fmt"
	"sort"
	"time"

	"github.com/innovationmech/txcoord/pkg/saga"
)

// Defaults are the plan-wide values used when no override is supplied.
type Defaults struct {
	CompensationStrategy saga.CompensationStrategy
	Timeout              time.Duration
	MaxRetries           int
	EventSourcingEnabled bool
}

// DefaultDefaults returns the built-in plan defaults.
func DefaultDefaults() Defaults {
	return Defaults{
		CompensationStrategy: saga.CompensationSequential,
		Timeout:              5 * time.Minute,
		MaxRetries:           3,
		EventSourcingEnabled: true,
	}
}

// BuildPlan validates ops, layers them into phases and applies plan-wide overrides.
func BuildPlan(ops []saga.DomainOperation, defaults Defaults, overrides *saga.PlanOverrides) (*saga.ExecutionPlan, error) {
	phases, err := Plan(ops, overrides)
	if err != nil {
		return nil, err
	}

	plan := &saga.ExecutionPlan{
		Phases:               phases,
		CompensationStrategy: defaults.CompensationStrategy,
		Timeout:              defaults.Timeout,
		MaxRetries:           defaults.MaxRetries,
		EventSourcingEnabled: defaults.EventSourcingEnabled,
	}
	if plan.CompensationStrategy == "" {
		plan.CompensationStrategy = saga.CompensationSequential
	}
	if overrides == nil {
		return plan, nil
	}

	if overrides.CompensationStrategy != "" {
		switch overrides.CompensationStrategy {
		case saga.CompensationImmediate, saga.CompensationDeferred, saga.CompensationParallel, saga.CompensationSequential:
			plan.CompensationStrategy = overrides.CompensationStrategy
		default:
			return nil, saga.NewValidationError(fmt.Sprintf("unknown compensation strategy %q", overrides.CompensationStrategy))
		}
	}
	if overrides.Timeout < 0 {
		return nil, saga.NewValidationError("plan timeout must not be negative")
	}
	if overrides.Timeout > 0 {
		plan.Timeout = overrides.Timeout
	}
	if overrides.MaxRetries != nil {
		if *overrides.MaxRetries < 0 {
			return nil, saga.NewValidationError("maxRetries must not be negative")
		}
		plan.MaxRetries = *overrides.MaxRetries
	}
	if overrides.EventSourcingEnabled != nil {
		plan.EventSourcingEnabled = *overrides.EventSourcingEnabled
	}
	return plan, nil
}

// Plan layers ops into phases. Each phase holds every operation whose
// dependencies were all placed in earlier phases. A cycle yields
// CIRCULAR_DEPENDENCY and no phases.
func Plan(ops []saga.DomainOperation, overrides *saga.PlanOverrides) ([]saga.ExecutionPhase, error) {
	if len(ops) == 0 {
		return nil, saga.NewValidationError("operation set is empty")
	}

	index := make(map[string]int, len(ops))
	for i, op := range ops {
		if err := op.Validate(); err != nil {
			return nil, err
		}
		id := op.ID()
		if _, dup := index[id]; dup {
			return nil, saga.NewError(saga.ErrCodeDuplicateOperation,
				fmt.Sprintf("operation %s appears more than once", id)).
				WithDetail("operation_id", id)
		}
		index[id] = i
	}
	for _, op := range ops {
		for _, dep := range op.Dependencies {
			if _, ok := index[dep]; !ok {
				return nil, saga.NewError(saga.ErrCodeUnknownDependency,
					fmt.Sprintf("operation %s depends on unknown operation %s", op.ID(), dep)).
					WithDetail("operation_id", op.ID()).
					WithDetail("dependency", dep)
			}
		}
	}

	placed := make(map[string]bool, len(ops))
	var phases []saga.ExecutionPhase

	for len(placed) < len(ops) {
		var ready []saga.DomainOperation
		for _, op := range ops {
			if placed[op.ID()] {
				continue
			}
			if dependenciesPlaced(op, placed) {
				ready = append(ready, op)
			}
		}

		if len(ready) == 0 {
			return nil, saga.NewCircularDependencyError(unplacedIDs(ops, placed))
		}

		for _, op := range ready {
			placed[op.ID()] = true
		}
		phases = append(phases, newPhase(len(phases)+1, ready, overrides))
	}

	return phases, nil
}

func dependenciesPlaced(op saga.DomainOperation, placed map[string]bool) bool {
	for _, dep := range op.Dependencies {
		if !placed[dep] {
			return false
		}
	}
	return true
}

func unplacedIDs(ops []saga.DomainOperation, placed map[string]bool) []string {
	var ids []string
	for _, op := range ops {
		if !placed[op.ID()] {
			ids = append(ids, op.ID())
		}
	}
	sort.Strings(ids)
	return ids
}

// newPhase groups ready operations by domain in first-appearance order,
// keeping caller order inside each domain.
func newPhase(number int, ready []saga.DomainOperation, overrides *saga.PlanOverrides) saga.ExecutionPhase {
	var domains []string
	byDomain := make(map[string][]saga.DomainOperation)
	for _, op := range ready {
		if _, seen := byDomain[op.Domain]; !seen {
			domains = append(domains, op.Domain)
		}
		byDomain[op.Domain] = append(byDomain[op.Domain], op)
	}

	operations := make([]saga.DomainOperation, 0, len(ready))
	for _, d := range domains {
		operations = append(operations, byDomain[d]...)
	}

	phase := saga.ExecutionPhase{
		Name:       fmt.Sprintf("phase-%d", number),
		Operations: operations,
		// Single-domain phases run sequentially to keep per-domain ordering.
		Parallel:                 len(domains) > 1,
		ContinueOnPartialFailure: false,
		RollbackOnFailure:        true,
	}

	if overrides != nil {
		applyPhaseOverride(&phase, overrides.PhaseOverride)
		if po, ok := overrides.Phases[phase.Name]; ok {
			applyPhaseOverride(&phase, po)
		}
	}
	return phase
}

func applyPhaseOverride(phase *saga.ExecutionPhase, o saga.PhaseOverride) {
	if o.Parallel != nil {
		phase.Parallel = *o.Parallel
	}
	if o.ContinueOnPartialFailure != nil {
		phase.ContinueOnPartialFailure = *o.ContinueOnPartialFailure
	}
	if o.RollbackOnFailure != nil {
		phase.RollbackOnFailure = *o.RollbackOnFailure
	}
}

// PhaseIndex maps each operation id to the index of the phase containing it.
func PhaseIndex(phases []saga.ExecutionPhase) map[string]int {
	idx := make(map[string]int)
	for i, ph := range phases {
		for _, op := range ph.Operations {
			idx[op.ID()] = i
		}
	}
	return idx
}
