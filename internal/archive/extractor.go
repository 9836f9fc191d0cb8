// Package archive unpacks the RAR containers a completed fetch often
// leaves behind, via the system unrar binary.
package archive

import "context"

// Extractor unpacks a compressed archive into a destination directory.
type Extractor interface {
	// Extract unpacks archivePath into destDir and returns the paths of
	// the files it produced.
	Extract(ctx context.Context, archivePath, destDir string) ([]string, error)

	// CanExtract reports whether this extractor handles filename.
	CanExtract(filename string) (bool, error)

	// Name is the extractor's human-readable label, e.g. "RAR".
	Name() string
}
