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

package plan

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/innovationmech/txcoord/pkg/saga"
)

const checkout = `
operations:
  - domain: inventory
    operation: reserve_stock
  - domain: billing
    operation: charge
    dependencies: [inventory:reserve_stock]
  - domain: shipping
    operation: create_shipment
    timeout: 2s
    dependencies: [inventory:reserve_stock]
`

func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	color.NoColor = true
	cmd := NewPlanCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestPlanCommand_Text(t *testing.T) {
	out, err := execute(t, checkout, "-f", "-", "--no-color")
	require.NoError(t, err)

	assert.Contains(t, out, "Execution plan: 2 phase(s), 3 operation(s)")
	assert.Contains(t, out, "phase-1 (sequential)")
	assert.Contains(t, out, "phase-2 (parallel)")
	assert.Contains(t, out, "  - billing:charge <- inventory:reserve_stock")
	assert.Less(t, strings.Index(out, "inventory:reserve_stock"), strings.Index(out, "phase-2"))
}

func TestPlanCommand_JSONFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ops.yaml")
	require.NoError(t, os.WriteFile(path, []byte(checkout+"overrides:\n  parallel: false\n"), 0o644))

	out, err := execute(t, "", "--file", path, "-o", "json")
	require.NoError(t, err)
	assert.Contains(t, out, `"name": "phase-2"`)
	assert.Contains(t, out, `"parallel": false`)
	assert.NotContains(t, out, `"parallel": true`)
}

func TestPlanCommand_Cycle(t *testing.T) {
	_, err := execute(t, `
operations:
  - {domain: a, operation: x, dependencies: ["b:y"]}
  - {domain: b, operation: y, dependencies: ["a:x"]}
`, "-f", "-")
	require.Error(t, err)
	assert.True(t, errors.Is(err, saga.ErrCircularDependency))
}

func TestPlanCommand_Errors(t *testing.T) {
	_, err := execute(t, "", "-f", "-")
	assert.Error(t, err, "empty input")

	_, err = execute(t, "operations: []\n", "-f", "-")
	assert.Error(t, err, "no operations")

	_, err = execute(t, "operatons: []\n", "-f", "-")
	assert.Error(t, err, "unknown field")

	_, err = execute(t, checkout, "-f", "-", "-o", "xml")
	assert.Error(t, err)

	_, err = execute(t, "", "-f", filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = execute(t, checkout)
	assert.Error(t, err, "file flag is required")
}

func TestLoad_Durations(t *testing.T) {
	f, err := Load(strings.NewReader(checkout))
	require.NoError(t, err)
	require.Len(t, f.Operations, 3)
	assert.Equal(t, "2s", f.Operations[2].Timeout.String())
}
