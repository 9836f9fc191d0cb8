package store

import (
	"context"
	"path/filepath"
	"testing"
)

func TestRecordAndLookupRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	ctx := context.Background()
	results := map[string]bool{
		"seg1@example": true,
		"seg2@example": false,
	}
	if err := s.Record(ctx, "manifest-a", results, 1000); err != nil {
		t.Fatalf("Record: %v", err)
	}

	available, found, err := s.Lookup(ctx, "manifest-a", "seg1@example")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if !found || !available {
		t.Fatalf("seg1: found=%v available=%v, want true/true", found, available)
	}

	available, found, err = s.Lookup(ctx, "manifest-a", "seg2@example")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if !found || available {
		t.Fatalf("seg2: found=%v available=%v, want true/false", found, available)
	}
}

func TestLookupMissReturnsNotFound(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	_, found, err := s.Lookup(context.Background(), "manifest-a", "never-seen@example")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if found {
		t.Fatalf("expected found=false for unrecorded segment")
	}
}

func TestRecordOverwritesPriorResult(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	ctx := context.Background()
	if err := s.Record(ctx, "manifest-a", map[string]bool{"seg1@example": false}, 1000); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := s.Record(ctx, "manifest-a", map[string]bool{"seg1@example": true}, 2000); err != nil {
		t.Fatalf("Record: %v", err)
	}

	available, found, err := s.Lookup(ctx, "manifest-a", "seg1@example")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if !found || !available {
		t.Fatalf("expected updated result available=true, got found=%v available=%v", found, available)
	}
}

func TestManifestsAreIsolated(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	ctx := context.Background()
	if err := s.Record(ctx, "manifest-a", map[string]bool{"shared@example": true}, 1000); err != nil {
		t.Fatalf("Record: %v", err)
	}

	_, found, err := s.Lookup(ctx, "manifest-b", "shared@example")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if found {
		t.Fatalf("expected manifest-b to have no record for a message-id only recorded under manifest-a")
	}
}

func TestRecordEmptyResultsIsNoop(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	if err := s.Record(context.Background(), "manifest-a", map[string]bool{}, 1000); err != nil {
		t.Fatalf("Record: %v", err)
	}
}
