package repair

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
)

// CLIPar2 verifies and repairs files by shelling out to par2cmdline.
type CLIPar2 struct {
	BinaryPath string
}

// NewCLIPar2 locates the par2 binary on PATH.
func NewCLIPar2() (*CLIPar2, error) {
	path, err := exec.LookPath("par2")
	if err != nil {
		return nil, fmt.Errorf("repair: par2 binary not found in PATH: %w", err)
	}
	return &CLIPar2{BinaryPath: path}, nil
}

// Verify runs 'par2 v' against path, which may be the .par2 index file
// or one of the files it protects. par2's exit codes distinguish a
// clean file (0) from one that's damaged but repairable (1); anything
// else is a hard failure.
func (c *CLIPar2) Verify(path string) (bool, error) {
	cmd := exec.Command(c.BinaryPath, "v", "-q", path)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err == nil {
		return true, nil
	}

	if exitErr, ok := err.(*exec.ExitError); ok && exitErr.ExitCode() == 1 {
		return false, nil
	}
	return false, fmt.Errorf("repair: par2 verify %s: %w: %s", path, err, stderr.String())
}

// Repair runs 'par2 r' against path, reconstructing any damaged or
// missing data from the available parity volumes.
func (c *CLIPar2) Repair(path string) error {
	cmd := exec.Command(c.BinaryPath, "r", path)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("repair: par2 repair %s: %w: %s", path, err, stderr.String())
	}
	return nil
}

// VerifyAndRepair verifies path and, if it's damaged but repairable,
// attempts the repair in one call. It returns true if the file ends up
// healthy, whether or not a repair was needed.
func (c *CLIPar2) VerifyAndRepair(ctx context.Context, path string) (bool, error) {
	healthy, err := c.Verify(path)
	if err != nil {
		return false, err
	}
	if healthy {
		return true, nil
	}

	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if err := c.Repair(path); err != nil {
		return false, err
	}
	return c.Verify(path)
}
