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

package planner

import (
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/innovationmech/txcoord/pkg/saga"
)

func op(domain, operation string, deps ...string) saga.DomainOperation {
	return saga.DomainOperation{Domain: domain, Operation: operation, Dependencies: deps}
}

func boolPtr(b bool) *bool { return &b }

func TestPlan_SingleDomainSecondPhaseIsSequential(t *testing.T) {
	phases, err := Plan([]saga.DomainOperation{
		op("x", "A"),
		op("y", "B", "x:A"),
		op("y", "C", "x:A"),
	}, nil)
	require.NoError(t, err)
	require.Len(t, phases, 2)

	assert.Equal(t, []string{"x:A"}, phases[0].OperationIDs())
	assert.Equal(t, []string{"y:B", "y:C"}, phases[1].OperationIDs())
	assert.False(t, phases[1].Parallel)
	assert.True(t, phases[1].RollbackOnFailure)
	assert.False(t, phases[1].ContinueOnPartialFailure)
	assert.Equal(t, "phase-2", phases[1].Name)
}

func TestPlan_SplitDomainsRunInParallel(t *testing.T) {
	phases, err := Plan([]saga.DomainOperation{
		op("x", "A"),
		op("y", "B", "x:A"),
		op("z", "C", "x:A"),
	}, nil)
	require.NoError(t, err)
	require.Len(t, phases, 2)
	assert.False(t, phases[0].Parallel)
	assert.True(t, phases[1].Parallel)
}

func TestPlan_GroupsByDomainKeepingCallerOrder(t *testing.T) {
	phases, err := Plan([]saga.DomainOperation{
		op("votes", "cast"),
		op("users", "create"),
		op("votes", "tally"),
		op("users", "notify"),
	}, nil)
	require.NoError(t, err)
	require.Len(t, phases, 1)
	assert.Equal(t, []string{"votes:cast", "votes:tally", "users:create", "users:notify"}, phases[0].OperationIDs())
}

func TestPlan_CircularDependency(t *testing.T) {
	tests := []struct {
		name string
		ops  []saga.DomainOperation
	}{
		{"self", []saga.DomainOperation{op("a", "x", "a:x")}},
		{"pair", []saga.DomainOperation{op("a", "x", "b:y"), op("b", "y", "a:x")}},
		{"behind acyclic prefix", []saga.DomainOperation{
			op("a", "root"),
			op("b", "p", "a:root", "c:q"),
			op("c", "q", "b:p"),
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			phases, err := Plan(tt.ops, nil)
			assert.ErrorIs(t, err, saga.ErrCircularDependency)
			assert.Nil(t, phases)
		})
	}
}

func TestPlan_ValidationErrors(t *testing.T) {
	_, err := Plan(nil, nil)
	assert.ErrorIs(t, err, saga.ErrValidation)

	_, err = Plan([]saga.DomainOperation{op("a", "x"), op("a", "x")}, nil)
	assert.ErrorIs(t, err, saga.ErrDuplicateOperation)

	_, err = Plan([]saga.DomainOperation{op("a", "x", "missing:op")}, nil)
	assert.ErrorIs(t, err, saga.ErrUnknownDependency)

	_, err = Plan([]saga.DomainOperation{{Domain: "a"}}, nil)
	assert.ErrorIs(t, err, saga.ErrValidation)
}

func TestPlan_Overrides(t *testing.T) {
	ops := []saga.DomainOperation{op("x", "A"), op("y", "B", "x:A"), op("y", "C", "x:A")}
	overrides := &saga.PlanOverrides{
		PhaseOverride: saga.PhaseOverride{
			ContinueOnPartialFailure: boolPtr(true),
			RollbackOnFailure:        boolPtr(false),
		},
		Phases: map[string]saga.PhaseOverride{
			"phase-2": {Parallel: boolPtr(true), RollbackOnFailure: boolPtr(true)},
		},
	}
	phases, err := Plan(ops, overrides)
	require.NoError(t, err)

	assert.True(t, phases[0].ContinueOnPartialFailure)
	assert.False(t, phases[0].RollbackOnFailure)
	assert.False(t, phases[0].Parallel)

	assert.True(t, phases[1].Parallel)
	assert.True(t, phases[1].RollbackOnFailure)
	assert.True(t, phases[1].ContinueOnPartialFailure)
}

// Every dependency lands in a strictly earlier phase and phases partition the set.
func TestPlan_RandomAcyclicSets(t *testing.T) {
	rnd := rand.New(rand.NewSource(2024))
	domains := []string{"users", "documents", "votes", "compliance"}

	for round := 0; round < 200; round++ {
		n := 1 + rnd.Intn(15)
		ops := make([]saga.DomainOperation, n)
		for i := 0; i < n; i++ {
			ops[i] = op(domains[rnd.Intn(len(domains))], fmt.Sprintf("op%d", i))
			// depend only on lower indexes to stay acyclic
			for j := 0; j < i; j++ {
				if rnd.Intn(4) == 0 {
					ops[i].Dependencies = append(ops[i].Dependencies, ops[j].ID())
				}
			}
		}
		rnd.Shuffle(len(ops), func(i, j int) { ops[i], ops[j] = ops[j], ops[i] })

		phases, err := Plan(ops, nil)
		require.NoError(t, err)

		idx := PhaseIndex(phases)
		require.Len(t, idx, n)
		total := 0
		for _, ph := range phases {
			total += len(ph.Operations)
			domainsInPhase := map[string]bool{}
			for _, o := range ph.Operations {
				domainsInPhase[o.Domain] = true
			}
			assert.Equal(t, len(domainsInPhase) > 1, ph.Parallel)
		}
		assert.Equal(t, n, total)

		for _, o := range ops {
			for _, dep := range o.Dependencies {
				assert.Less(t, idx[dep], idx[o.ID()], "%s depends on %s", o.ID(), dep)
			}
		}
	}
}

func TestPlan_RandomCyclicSetsAlwaysFail(t *testing.T) {
	rnd := rand.New(rand.NewSource(7))
	for round := 0; round < 100; round++ {
		n := 2 + rnd.Intn(10)
		ops := make([]saga.DomainOperation, n)
		for i := 0; i < n; i++ {
			ops[i] = op("d", fmt.Sprintf("op%d", i))
		}
		// a ring through a random subset of length >= 2
		start := rnd.Intn(n - 1)
		end := start + 1 + rnd.Intn(n-start-1)
		for i := start; i < end; i++ {
			ops[i+1].Dependencies = append(ops[i+1].Dependencies, ops[i].ID())
		}
		ops[start].Dependencies = append(ops[start].Dependencies, ops[end].ID())

		phases, err := Plan(ops, nil)
		require.ErrorIs(t, err, saga.ErrCircularDependency)
		assert.Nil(t, phases)
	}
}

func TestBuildPlan(t *testing.T) {
	ops := []saga.DomainOperation{op("x", "A")}

	plan, err := BuildPlan(ops, DefaultDefaults(), nil)
	require.NoError(t, err)
	assert.Equal(t, saga.CompensationSequential, plan.CompensationStrategy)
	assert.Equal(t, 5*time.Minute, plan.Timeout)
	assert.Equal(t, 3, plan.MaxRetries)
	assert.True(t, plan.EventSourcingEnabled)

	retries := 7
	plan, err = BuildPlan(ops, DefaultDefaults(), &saga.PlanOverrides{
		CompensationStrategy: saga.CompensationParallel,
		Timeout:              time.Second,
		MaxRetries:           &retries,
		EventSourcingEnabled: boolPtr(false),
	})
	require.NoError(t, err)
	assert.Equal(t, saga.CompensationParallel, plan.CompensationStrategy)
	assert.Equal(t, time.Second, plan.Timeout)
	assert.Equal(t, 7, plan.MaxRetries)
	assert.False(t, plan.EventSourcingEnabled)

	_, err = BuildPlan(ops, DefaultDefaults(), &saga.PlanOverrides{CompensationStrategy: "EVENTUALLY"})
	assert.ErrorIs(t, err, saga.ErrValidation)

	negative := -1
	_, err = BuildPlan(ops, DefaultDefaults(), &saga.PlanOverrides{MaxRetries: &negative})
	assert.ErrorIs(t, err, saga.ErrValidation)

	_, err = BuildPlan([]saga.DomainOperation{op("a", "x", "a:x")}, DefaultDefaults(), nil)
	assert.ErrorIs(t, err, saga.ErrCircularDependency)
}
