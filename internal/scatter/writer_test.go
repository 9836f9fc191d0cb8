package scatter

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestWriteAtOutOfOrder(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.bin")

	w, err := Create(path, 9)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := w.WriteAt([]byte("ghi"), 6); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	if err := w.WriteAt([]byte("abc"), 0); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	if err := w.WriteAt([]byte("def"), 3); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}

	if err := w.Finalize(9); err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !bytes.Equal(got, []byte("abcdefghi")) {
		t.Fatalf("got %q, want %q", got, "abcdefghi")
	}
}

func TestFinalizeTrimsPreallocationSlack(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.bin")

	w, err := Create(path, 100)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := w.WriteAt([]byte("hello"), 0); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	if err := w.Finalize(5); err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	fi, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if fi.Size() != 5 {
		t.Fatalf("size = %d, want 5", fi.Size())
	}
}

func TestStatsTracksSuccessAndFailure(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.bin")

	w, err := Create(path, 6)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer w.Abort()

	if err := w.WriteAt([]byte("abc"), 0); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	w.MarkFailed()

	stats := w.Stats()
	if stats.SegmentsOK != 1 {
		t.Errorf("SegmentsOK = %d, want 1", stats.SegmentsOK)
	}
	if stats.SegmentsFailed != 1 {
		t.Errorf("SegmentsFailed = %d, want 1", stats.SegmentsFailed)
	}
	if stats.BytesWritten != 3 {
		t.Errorf("BytesWritten = %d, want 3", stats.BytesWritten)
	}
}

func TestCheckResumableSizeMismatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.bin")
	if err := os.WriteFile(path, []byte("short"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	ok, err := CheckResumable(path, 100)
	if err != nil {
		t.Fatalf("CheckResumable: %v", err)
	}
	if ok {
		t.Fatalf("expected not resumable on size mismatch")
	}
}

func TestCheckResumableAllZeroIsNotResumable(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.bin")

	w, err := Create(path, 4096)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := w.Abort(); err != nil {
		t.Fatalf("Abort: %v", err)
	}

	ok, err := CheckResumable(path, 4096)
	if err != nil {
		t.Fatalf("CheckResumable: %v", err)
	}
	if ok {
		t.Fatalf("expected all-zero sparse file to be reported as not resumable")
	}
}

func TestCheckResumableCompleteFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.bin")

	payload := bytes.Repeat([]byte("x"), 4096)
	if err := os.WriteFile(path, payload, 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	ok, err := CheckResumable(path, int64(len(payload)))
	if err != nil {
		t.Fatalf("CheckResumable: %v", err)
	}
	if !ok {
		t.Fatalf("expected complete file to be resumable")
	}
}

func TestCheckResumableMissingFile(t *testing.T) {
	dir := t.TempDir()
	ok, err := CheckResumable(filepath.Join(dir, "missing.bin"), 10)
	if err != nil {
		t.Fatalf("CheckResumable: %v", err)
	}
	if ok {
		t.Fatalf("expected missing file to be not resumable")
	}
}
