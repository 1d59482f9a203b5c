package crm

import (
	"testing"
)

func TestCanonicalJSONSortsKeysAtEveryDepth(t *testing.T) {
	payload := map[string]any{
		"zeta": 1,
		"alpha": map[string]any{
			"c": []any{map[string]any{"y": 2, "x": 1}},
			"a": "v",
		},
	}

	got, err := CanonicalJSON(payload)
	if err != nil {
		t.Fatalf("CanonicalJSON: %v", err)
	}

	want := `{"alpha":{"a":"v","c":[{"x":1,"y":2}]},"zeta":1}`
	if string(got) != want {
		t.Errorf("canonical form = %s, want %s", got, want)
	}
}

func TestFingerprintStableAcrossKeyOrder(t *testing.T) {
	a := map[string]any{"id": "42", "Full_Name": "Dana", "City": "Chicago"}
	b := map[string]any{"City": "Chicago", "id": "42", "Full_Name": "Dana"}

	fpA, err := Fingerprint(a)
	if err != nil {
		t.Fatalf("Fingerprint(a): %v", err)
	}
	fpB, err := Fingerprint(b)
	if err != nil {
		t.Fatalf("Fingerprint(b): %v", err)
	}

	if fpA != fpB {
		t.Errorf("fingerprints differ for identical content: %s vs %s", fpA, fpB)
	}
	if len(fpA) != 64 {
		t.Errorf("fingerprint length = %d, want 64 hex chars", len(fpA))
	}
}

func TestFingerprintChangesWithContent(t *testing.T) {
	a := map[string]any{"id": "42", "City": "Chicago"}
	b := map[string]any{"id": "42", "City": "Dallas"}

	fpA, _ := Fingerprint(a)
	fpB, _ := Fingerprint(b)
	if fpA == fpB {
		t.Error("different payloads produced the same fingerprint")
	}
}
