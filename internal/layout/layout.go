// Package layout turns an NZB file's subject line into a safe on-disk
// path. It is a small collaborator used by the scheduler when it
// creates each output file, not part of the core protocol/assembly
// logic itself.
package layout

import (
	"html"
	"path/filepath"
	"regexp"
	"strings"
)

var (
	// reQuoted captures the first double-quoted run in a subject --
	// the dominant posting convention puts the real filename there:
	// `[1/9] - "filename.ext" yEnc (1/5202)`.
	reQuoted = regexp.MustCompile(`"([^"]+)"`)
	// reCounter matches a part counter token like (1/14) or [01/14].
	reCounter = regexp.MustCompile(`^[\[(]\d+/\d+[\])]$`)
	reIllegal = regexp.MustCompile(`[\\/:*?"<>|]`)
)

// maxNameBytes keeps the result under common filesystem name limits.
const maxNameBytes = 255

// SanitizeFileName extracts a usable filename from a raw NZB subject
// line. The quoted run wins when present; otherwise the subject is
// tokenized and the Usenet metadata (part counters, separators, the
// yEnc marker and everything after it) is dropped.
func SanitizeFileName(subject string) string {
	subj := html.UnescapeString(subject)

	var name string
	if m := reQuoted.FindStringSubmatch(subj); m != nil {
		name = m[1]
	} else {
		name = stripMetadata(subj)
	}

	name = reIllegal.ReplaceAllString(name, "_")
	// Trailing dots and spaces are dropped rather than replaced: they
	// are legal mid-name but produce unusable names at the end.
	name = strings.Trim(name, " .")
	if name == "" {
		return "download.bin"
	}
	if len(name) > maxNameBytes {
		ext := filepath.Ext(name)
		if len(ext) >= maxNameBytes {
			ext = ""
		}
		name = name[:maxNameBytes-len(ext)] + ext
	}
	return name
}

// stripMetadata handles unquoted subjects token by token: everything
// from the yEnc marker on is encoder metadata, and part counters or
// bare separators carry no name information either.
func stripMetadata(subj string) string {
	var kept []string
	for _, tok := range strings.Fields(subj) {
		if strings.EqualFold(tok, "yenc") {
			break
		}
		if tok == "-" || reCounter.MatchString(tok) {
			continue
		}
		kept = append(kept, tok)
	}
	return strings.Join(kept, " ")
}

// OutputPath joins outDir and an already-sanitized filename. There is no
// temp-file rename dance here: the scatter writer pre-allocates this
// exact path to its final size and writes into it in place, relying on
// PAR2 to catch any damage rather than a separate completion marker.
func OutputPath(outDir, cleanName string) string {
	return filepath.Join(outDir, cleanName)
}
