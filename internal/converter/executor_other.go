//go:build !unix

package converter

import "os/exec"

// Without process groups only the direct child is killed on cancel.
func killGroupOnCancel(*exec.Cmd) {}
