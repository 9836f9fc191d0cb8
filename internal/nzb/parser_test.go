package nzb

import (
	"strings"
	"testing"
)

const sampleNZB = `<?xml version="1.0" encoding="iso-8859-1"?>
<nzb xmlns="http://www.newzbin.com/DTD/2003/nzb">
  <file subject="&quot;example.mkv&quot; yEnc (1/2)" poster="poster@example.com">
    <groups>
      <group>alt.binaries.test</group>
    </groups>
    <segments>
      <segment bytes="500" number="2">&lt;part2@example&gt;</segment>
      <segment bytes="500" number="1">&lt;part1@example&gt;</segment>
    </segments>
  </file>
</nzb>`

func TestParseOrdersSegmentsByNumber(t *testing.T) {
	m, err := NewParser().Parse(strings.NewReader(sampleNZB))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(m.Files) != 1 {
		t.Fatalf("expected 1 file, got %d", len(m.Files))
	}

	f := m.Files[0]
	if f.Group != "alt.binaries.test" {
		t.Errorf("group = %q", f.Group)
	}
	if len(f.Segments) != 2 {
		t.Fatalf("expected 2 segments, got %d", len(f.Segments))
	}
	if f.Segments[0].MessageID != "part1@example" {
		t.Errorf("segments not sorted: first is %q", f.Segments[0].MessageID)
	}
	if f.Segments[1].MessageID != "part2@example" {
		t.Errorf("segments not sorted: second is %q", f.Segments[1].MessageID)
	}
}

func TestParseComputesOffsets(t *testing.T) {
	m, err := NewParser().Parse(strings.NewReader(sampleNZB))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	f := m.Files[0]
	if got := f.Offset(0); got != 0 {
		t.Errorf("Offset(0) = %d, want 0", got)
	}
	if got := f.Offset(1); got != 500 {
		t.Errorf("Offset(1) = %d, want 500", got)
	}
	if got := f.TotalSize(); got != 1000 {
		t.Errorf("TotalSize = %d, want 1000", got)
	}
}

func TestParseEmptyManifest(t *testing.T) {
	_, err := NewParser().Parse(strings.NewReader(`<nzb></nzb>`))
	if err != ErrEmptyManifest {
		t.Fatalf("expected ErrEmptyManifest, got %v", err)
	}
}

func TestParseFileWithNoSegments(t *testing.T) {
	doc := `<nzb><file subject="x"><groups><group>a</group></groups><segments></segments></file></nzb>`
	_, err := NewParser().Parse(strings.NewReader(doc))
	if err == nil {
		t.Fatalf("expected error for file with no segments")
	}
}
