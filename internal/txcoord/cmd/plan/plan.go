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

// Package plan implements the plan command, which prints the phase layering
// of an operation set without executing it.
package plan

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/innovationmech/txcoord/pkg/saga"
	"github.com/innovationmech/txcoord/pkg/saga/planner"
)

// File is the YAML document the plan command reads.
type File struct {
	Operations []saga.DomainOperation `yaml:"operations"`
	Overrides  *saga.PlanOverrides    `yaml:"overrides,omitempty"`
}

type options struct {
	file    string
	output  string
	noColor bool
}

// NewPlanCommand creates the plan command.
func NewPlanCommand() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Show the execution phases of an operation set",
		Long: `Read a YAML operation set and print the phases the coordinator would run,
without dispatching anything. Circular or unknown dependencies are reported.

Example file:

  operations:
    - domain: inventory
      operation: reserve_stock
    - domain: billing
      operation: charge
      dependencies: [inventory:reserve_stock]
  overrides:
    parallel: false`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, opts)
		},
	}
	cmd.Flags().StringVarP(&opts.file, "file", "f", "", "operation set file, - for stdin")
	cmd.Flags().StringVarP(&opts.output, "output", "o", "text", "output format: text or json")
	cmd.Flags().BoolVar(&opts.noColor, "no-color", false, "disable colored output")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func run(cmd *cobra.Command, opts *options) error {
	if opts.noColor {
		color.NoColor = true
	}

	var in io.Reader = cmd.InOrStdin()
	if opts.file != "-" {
		f, err := os.Open(opts.file)
		if err != nil {
			return fmt.Errorf("failed to open operation set: %w", err)
		}
		defer f.Close()
		in = f
	}

	file, err := Load(in)
	if err != nil {
		return err
	}

	p, err := planner.BuildPlan(file.Operations, planner.DefaultDefaults(), file.Overrides)
	if err != nil {
		return err
	}

	switch opts.output {
	case "json":
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(p)
	case "text", "":
		Render(cmd.OutOrStdout(), p)
		return nil
	default:
		return fmt.Errorf("unknown output format %q", opts.output)
	}
}

// Load decodes an operation set.
func Load(r io.Reader) (*File, error) {
	var file File
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("operation set is empty")
		}
		return nil, fmt.Errorf("failed to parse operation set: %w", err)
	}
	if len(file.Operations) == 0 {
		return nil, errors.New("operation set has no operations")
	}
	return &file, nil
}

// Render prints p as an indented phase list.
func Render(w io.Writer, p *saga.ExecutionPlan) {
	header := color.New(color.FgCyan, color.Bold)
	phase := color.New(color.FgGreen, color.Bold)
	dim := color.New(color.FgBlue)
	highlight := color.New(color.FgMagenta)

	fmt.Fprintln(w, header.Sprintf("Execution plan: %d phase(s), %d operation(s)", len(p.Phases), p.OperationCount()))
	fmt.Fprintln(w, dim.Sprintf("  compensation=%s timeout=%s maxRetries=%d eventSourcing=%t",
		p.CompensationStrategy, p.Timeout, p.MaxRetries, p.EventSourcingEnabled))

	for _, ph := range p.Phases {
		mode := "sequential"
		if ph.Parallel {
			mode = "parallel"
		}
		var flags []string
		if ph.ContinueOnPartialFailure {
			flags = append(flags, "continue-on-partial-failure")
		}
		if !ph.RollbackOnFailure {
			flags = append(flags, "no-rollback")
		}
		line := fmt.Sprintf("%s (%s)", phase.Sprint(ph.Name), mode)
		if len(flags) > 0 {
			line += " " + dim.Sprint("["+strings.Join(flags, ", ")+"]")
		}
		fmt.Fprintln(w, line)

		for _, op := range ph.Operations {
			entry := "  - " + highlight.Sprint(op.ID())
			if len(op.Dependencies) > 0 {
				entry += dim.Sprint(" <- " + strings.Join(op.Dependencies, ", "))
			}
			fmt.Fprintln(w, entry)
		}
	}
}
