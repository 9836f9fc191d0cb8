package nzb

import "errors"

// ErrEmptyManifest is returned when an NZB document contains no files
// (a file with no segments is reported as ErrNoSegments). The facade treats this as a fatal,
// top-level error rather than an empty FileResult list.
var ErrEmptyManifest = errors.New("nzb: manifest has no files")

// ErrNoSegments is returned for a file element with an empty segment
// list -- it cannot be assembled into anything.
var ErrNoSegments = errors.New("nzb: file has no segments")
