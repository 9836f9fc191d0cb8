package archive

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// rarSignatures are the magic bytes at the start of a RAR container.
var rarSignatures = [][]byte{
	{0x52, 0x61, 0x72, 0x21, 0x1A, 0x07, 0x00},       // RAR 1.5+
	{0x52, 0x61, 0x72, 0x21, 0x1A, 0x07, 0x01, 0x00}, // RAR 5.0+
}

// CLIUnrar extracts RAR archives by shelling out to the unrar binary.
type CLIUnrar struct {
	BinaryPath string
	Password   string
}

// NewCLIUnrar locates the unrar binary on PATH. password is used for
// any archive that requires one; it may be empty.
func NewCLIUnrar(password string) (*CLIUnrar, error) {
	path, err := exec.LookPath("unrar")
	if err != nil {
		return nil, fmt.Errorf("archive: unrar binary not found in PATH: %w", err)
	}
	return &CLIUnrar{BinaryPath: path, Password: password}, nil
}

// Name returns the extractor name.
func (u *CLIUnrar) Name() string {
	return "RAR"
}

// CanExtract checks the file extension, multi-part position, and magic
// bytes before committing to an extraction attempt.
func (u *CLIUnrar) CanExtract(filePath string) (bool, error) {
	lower := strings.ToLower(filepath.Base(filePath))

	if !strings.HasSuffix(lower, ".rar") {
		return false, nil
	}

	if strings.Contains(lower, ".part") {
		if !(strings.Contains(lower, ".part01.rar") ||
			strings.Contains(lower, ".part001.rar") ||
			strings.Contains(lower, ".part1.rar")) {
			return false, nil
		}
	}

	isRar, err := hasRarSignature(filePath)
	if err != nil {
		return false, fmt.Errorf("archive: verify RAR signature: %w", err)
	}
	return isRar, nil
}

// Extract unpacks archivePath into destDir and returns the paths of the
// files it produced.
func (u *CLIUnrar) Extract(ctx context.Context, archivePath, destDir string) ([]string, error) {
	if err := os.MkdirAll(destDir, 0755); err != nil {
		return nil, fmt.Errorf("archive: create destination %s: %w", destDir, err)
	}

	// x = extract with full paths, -o+ = overwrite existing files,
	// -y = assume yes on all queries, -kb = keep broken files (partial
	// volumes still yield what they can).
	args := []string{"x", "-o+", "-y", "-kb"}
	if u.Password != "" {
		args = append(args, "-p"+u.Password)
	} else {
		args = append(args, "-p-")
	}
	args = append(args, archivePath, destDir+string(filepath.Separator))

	before := snapshotDir(destDir)

	cmd := exec.CommandContext(ctx, u.BinaryPath, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("archive: unrar %s: %w: %s", filepath.Base(archivePath), err, stderr.String())
	}

	return newFilesSince(destDir, before), nil
}

// snapshotDir records the set of regular file paths under dir before an
// extraction, so newFilesSince can report just what unrar produced.
func snapshotDir(dir string) map[string]struct{} {
	seen := make(map[string]struct{})
	filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err == nil && !info.IsDir() {
			seen[path] = struct{}{}
		}
		return nil
	})
	return seen
}

func newFilesSince(dir string, before map[string]struct{}) []string {
	var out []string
	filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return nil
		}
		if _, existed := before[path]; !existed {
			out = append(out, path)
		}
		return nil
	})
	return out
}

// hasRarSignature checks the first bytes of the file against the known
// RAR magic sequences.
func hasRarSignature(filePath string) (bool, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return false, err
	}
	defer file.Close()

	header := make([]byte, 8)
	n, err := file.Read(header)
	if err != nil {
		return false, err
	}
	if n < 7 {
		return false, nil
	}

	for _, sig := range rarSignatures {
		if bytes.Equal(header[:len(sig)], sig) {
			return true, nil
		}
	}
	return false, nil
}
