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

// Package cmd holds the txcoord command tree.
package cmd

import (
	"github.com/spf13/cobra"

	"github.com/innovationmech/txcoord/internal/txcoord/cmd/plan"
	"github.com/innovationmech/txcoord/internal/txcoord/cmd/serve"
	"github.com/innovationmech/txcoord/internal/txcoord/cmd/version"
)

// NewRootCommand creates the txcoord root command.
func NewRootCommand() *cobra.Command {
	cmds := &cobra.Command{
		Use:           "txcoord",
		Short:         "Cross-domain transaction coordinator",
		Version:       version.Version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	cmds.AddCommand(serve.NewServeCmd())
	cmds.AddCommand(plan.NewPlanCommand())
	cmds.AddCommand(version.NewVersionCommand())
	return cmds
}
