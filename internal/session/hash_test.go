package session

import (
	"testing"
	"time"
)

func TestSnapshot_RoundTrip(t *testing.T) {
	want := Snapshot{
		SourceLang:         "en",
		TargetLang:         "vi",
		TranslationEnabled: true,
		SegmentSeq:         42,
		Epoch:              3,
		State:              StateCooldown,
		UpdatedTS:          time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC).UnixMilli(),
	}

	got, err := SnapshotFromFields(want.Fields())
	if err != nil {
		t.Fatalf("SnapshotFromFields: %v", err)
	}
	if got != want {
		t.Errorf("round-trip mismatch:\ngot  %+v\nwant %+v", got, want)
	}
}

func TestSnapshotFromFields_MissingLanguages(t *testing.T) {
	if _, err := SnapshotFromFields(map[string]string{"segment_seq": "1"}); err == nil {
		t.Fatal("expected error for missing languages")
	}
	if _, err := SnapshotFromFields(map[string]string{"source_lang": "en"}); err == nil {
		t.Fatal("expected error when target_lang is absent")
	}
}

func TestSnapshotFromFields_DefaultsForAbsentCounters(t *testing.T) {
	got, err := SnapshotFromFields(map[string]string{
		"source_lang": "en",
		"target_lang": "en",
	})
	if err != nil {
		t.Fatalf("SnapshotFromFields: %v", err)
	}
	if got.SegmentSeq != 0 || got.Epoch != 0 || got.State != StateInactive || got.TranslationEnabled {
		t.Errorf("absent fields should decode to zero values, got %+v", got)
	}
}

func TestSnapshotFromFields_InvalidNumeric(t *testing.T) {
	fields := map[string]string{
		"source_lang": "en",
		"target_lang": "vi",
		"segment_seq": "not-a-number",
	}
	if _, err := SnapshotFromFields(fields); err == nil {
		t.Fatal("expected error for invalid segment_seq")
	}
}

func TestParseState_RoundTrip(t *testing.T) {
	for _, s := range []State{StateInactive, StateActive, StateCooldown} {
		got, err := ParseState(s.String())
		if err != nil {
			t.Fatalf("ParseState(%q): %v", s.String(), err)
		}
		if got != s {
			t.Errorf("ParseState(%q) = %v, want %v", s.String(), got, s)
		}
	}
	if _, err := ParseState("bogus"); err == nil {
		t.Error("expected error for unknown state name")
	}
}
