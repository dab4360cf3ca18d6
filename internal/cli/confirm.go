// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-keylifecycle.
//
// go-keylifecycle is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

package cli

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
)

// Confirmer answers the prompt guarding destructive operations.
type Confirmer interface {
	Confirm(prompt string) bool
}

// confirmer is swapped for alwaysYes/alwaysNo in tests.
var confirmer Confirmer = &interactiveConfirmer{in: os.Stdin, out: os.Stderr}

// interactiveConfirmer asks on the terminal and accepts y/yes.
type interactiveConfirmer struct {
	in  io.Reader
	out io.Writer
}

func (c *interactiveConfirmer) Confirm(prompt string) bool {
	fmt.Fprintf(c.out, "%s [y/N]: ", prompt)
	scanner := bufio.NewScanner(c.in)
	if !scanner.Scan() {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(scanner.Text()))
	return answer == "y" || answer == "yes"
}

// alwaysYes confirms everything. Used by --force.
type alwaysYes struct{}

func (alwaysYes) Confirm(string) bool { return true }

// alwaysNo refuses everything. Used by tests.
type alwaysNo struct{}

func (alwaysNo) Confirm(string) bool { return false }

// confirmOrAbort gates a destructive operation: --force skips the
// prompt, otherwise the active confirmer decides.
func confirmOrAbort(force bool, prompt string) bool {
	if force {
		return true
	}
	return confirmer.Confirm(prompt)
}
