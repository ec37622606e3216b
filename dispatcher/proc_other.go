//go:build !unix

package dispatcher

import "os/exec"

// setProcessGroup keeps the default behaviour: cancellation kills the
// direct child only.
func setProcessGroup(*exec.Cmd) {}
