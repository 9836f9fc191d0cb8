// Package nzb parses an NZB XML manifest into the ordered file/segment
// list the fetch scheduler consumes. Manifest parsing is an external
// collaborator to the core fetch engine -- this package owns the data
// model both sides share.
package nzb

// Segment is one article composing part of a File.
type Segment struct {
	Number        int
	MessageID     string
	ExpectedBytes int64
}

// File is one manifest entry: one assembled output file built from an
// ordered, contiguous sequence of Segments posted to Group.
type File struct {
	Subject  string
	Group    string
	Segments []Segment
}

// TotalSize is the sum of every segment's ExpectedBytes -- the
// pre-allocation size for the assembled output file.
func (f File) TotalSize() int64 {
	var total int64
	for _, s := range f.Segments {
		total += s.ExpectedBytes
	}
	return total
}

// Offset returns the byte position where the i-th segment (0-based,
// in File.Segments order) belongs in the assembled file: the sum of
// every preceding segment's ExpectedBytes.
func (f File) Offset(i int) int64 {
	var offset int64
	for _, s := range f.Segments[:i] {
		offset += s.ExpectedBytes
	}
	return offset
}

// Manifest is the ordered set of Files parsed from one NZB document.
// Ordering is significant: FileResults are returned to the caller in
// this order, not completion order.
type Manifest struct {
	Files []File
}
