package util

import (
	"fmt"
	"os/exec"
)

// RequireBinary verifies the binary is on PATH (or is an existing path).
func RequireBinary(name string) error {
	if _, err := exec.LookPath(name); err != nil {
		return fmt.Errorf("required binary not found: %s", name)
	}
	return nil
}
