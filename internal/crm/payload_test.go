package crm

import (
	"testing"
	"time"
)

func TestExtract(t *testing.T) {
	tests := []struct {
		name    string
		payload map[string]any
		wantID  string
		wantErr bool
	}{
		{
			name: "standard fields",
			payload: map[string]any{
				"id":            "4876876000000123456",
				"Modified_Time": "2026-03-01T10:00:00Z",
				"Owner":         map[string]any{"email": "a@b.co", "name": "A B"},
			},
			wantID: "4876876000000123456",
		},
		{
			name: "capitalized Id and camelCase modified",
			payload: map[string]any{
				"Id":           "42",
				"modifiedTime": "2026-03-01T10:00:00",
			},
			wantID: "42",
		},
		{
			name:    "missing id",
			payload: map[string]any{"Modified_Time": "2026-03-01T10:00:00Z"},
			wantErr: true,
		},
		{
			name:    "non-numeric id",
			payload: map[string]any{"id": "abc", "Modified_Time": "2026-03-01T10:00:00Z"},
			wantErr: true,
		},
		{
			name:    "missing modified time",
			payload: map[string]any{"id": "42"},
			wantErr: true,
		},
		{
			name:    "unparseable modified time",
			payload: map[string]any{"id": "42", "Modified_Time": "March first"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Extract(tt.payload)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("Extract: %v", err)
			}
			if got.ExternalID != tt.wantID {
				t.Errorf("ExternalID = %q, want %q", got.ExternalID, tt.wantID)
			}
			if got.ModifiedAt.IsZero() {
				t.Error("ModifiedAt is zero")
			}
		})
	}
}

func TestExtractKeepsIDOnModifiedTimeError(t *testing.T) {
	// The worker relies on the partial result to record a missing_record
	// conflict keyed by id even when the envelope is otherwise broken.
	got, err := Extract(map[string]any{"id": "42"})
	if err == nil {
		t.Fatal("expected error for missing Modified_Time")
	}
	if got.ExternalID != "42" {
		t.Errorf("ExternalID = %q, want partial extraction to keep the id", got.ExternalID)
	}
}

func TestExtractCreatedDefaultsToModified(t *testing.T) {
	got, err := Extract(map[string]any{"id": "42", "Modified_Time": "2026-03-01T10:00:00Z"})
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if !got.CreatedAt.Equal(got.ModifiedAt) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, got.ModifiedAt)
	}
}

func TestTombstone(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	original := map[string]any{"id": "42", "Full_Name": "Dana"}

	tomb := Tombstone(original, at)

	if deleted, _ := tomb["deleted"].(bool); !deleted {
		t.Error("tombstone not marked deleted")
	}
	if tomb["Modified_Time"] != "2026-03-01T12:00:00Z" {
		t.Errorf("Modified_Time = %v", tomb["Modified_Time"])
	}
	if _, ok := original["deleted"]; ok {
		t.Error("Tombstone mutated its input")
	}
}

func TestParseTime(t *testing.T) {
	tests := []struct {
		in string
		ok bool
	}{
		{"2026-03-01T10:00:00Z", true},
		{"2026-03-01T10:00:00.123456789Z", true},
		{"2026-03-01T10:00:00+05:30", true},
		{"2026-03-01T10:00:00", true},
		{"", false},
		{"not a time", false},
	}
	for _, tt := range tests {
		if _, ok := ParseTime(tt.in); ok != tt.ok {
			t.Errorf("ParseTime(%q) ok = %v, want %v", tt.in, ok, tt.ok)
		}
	}
}
