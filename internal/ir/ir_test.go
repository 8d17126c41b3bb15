package ir

import (
	"encoding/json"
	"errors"
	"math"
	"testing"
)

func TestCanonicalIDString(t *testing.T) {
	tests := []struct {
		id   CanonicalID
		want string
	}{
		{FunctionID("python", "app/db", "execute_query"), "python:app/db#function:execute_query"},
		{FileID("python", "app/routes"), "python:app/routes#file"},
		{ClassID("go", "internal/store", "Store"), "go:internal/store#class:Store"},
		{FunctionID("go", "internal/store", "Store.Get"), "go:internal/store#function:Store.Get"},
	}
	for _, tt := range tests {
		if got := tt.id.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
	}
}

func TestParseIDRoundTrip(t *testing.T) {
	ids := []CanonicalID{
		FunctionID("python", "app/db", "execute_query"),
		FileID("javascript", "src/routes"),
		CallSiteID(FunctionID("python", "app", "h"), 12, "cursor.execute"),
	}
	for _, id := range ids {
		got, err := ParseID(id.String())
		if err != nil {
			t.Fatalf("ParseID(%q): %v", id, err)
		}
		if got != id {
			t.Errorf("ParseID(%q) = %+v, want %+v", id, got, id)
		}
	}
}

func TestCanonicalIDJSON(t *testing.T) {
	type rec struct {
		ID   CanonicalID            `json:"id"`
		Zero CanonicalID            `json:"zero"`
		ByID map[CanonicalID]string `json:"by_id"`
	}
	in := rec{
		ID:   CallSiteID(FunctionID("python", "app", "h"), 3, "os.system"),
		ByID: map[CanonicalID]string{FileID("go", "cmd/app"): "main"},
	}
	b, err := json.Marshal(in)
	if err != nil {
		t.Fatal(err)
	}
	want := `{"id":"python:app#callsite:h@3:os.system","zero":"","by_id":{"go:cmd/app#file":"main"}}`
	if string(b) != want {
		t.Errorf("Marshal = %s, want %s", b, want)
	}
	var out rec
	if err := json.Unmarshal(b, &out); err != nil {
		t.Fatal(err)
	}
	if out.ID != in.ID || !out.Zero.IsZero() || out.ByID[FileID("go", "cmd/app")] != "main" {
		t.Errorf("Unmarshal = %+v, want %+v", out, in)
	}
	if err := json.Unmarshal([]byte(`{"id":"nonsense"}`), &out); err == nil {
		t.Error("Unmarshal of a malformed id: expected error")
	}
}

func TestParseIDErrors(t *testing.T) {
	for _, s := range []string{"", "noprefix", "py:mod", "py:mod#bogus:x"} {
		if _, err := ParseID(s); err == nil {
			t.Errorf("ParseID(%q): expected error", s)
		}
	}
}

func TestCallSiteIDStable(t *testing.T) {
	fn := FunctionID("python", "app/db", "run")
	a := CallSiteID(fn, 7, "cursor.execute")
	b := CallSiteID(fn, 7, "cursor.execute")
	if a != b {
		t.Errorf("same location gave different IDs: %v vs %v", a, b)
	}
	if c := CallSiteID(fn, 8, "cursor.execute"); c == a {
		t.Errorf("different lines gave the same ID %v", c)
	}
}

func TestModulePathFor(t *testing.T) {
	tests := []struct {
		lang, rel, want string
	}{
		{"python", "app/db.py", "app/db"},
		{"python", "app/__init__.py", "app"},
		{"python", "__init__.py", "."},
		{"python", "./routes.py", "routes"},
		{"javascript", "src/lib/index.js", "src/lib"},
		{"javascript", "src/db.js", "src/db"},
		{"go", "internal/store/store.go", "internal/store"},
		{"go", "main.go", "."},
		{"python", `app\views.py`, "app/views"},
	}
	for _, tt := range tests {
		if got := ModulePathFor(tt.lang, tt.rel); got != tt.want {
			t.Errorf("ModulePathFor(%q, %q) = %q, want %q", tt.lang, tt.rel, got, tt.want)
		}
	}
}

func TestLess(t *testing.T) {
	a := FunctionID("python", "a", "f")
	b := FunctionID("python", "b", "a")
	if !a.Less(b) || b.Less(a) {
		t.Error("expected a < b by module path")
	}
	if a.Less(a) {
		t.Error("Less must be irreflexive")
	}
}

func TestCheckConfidence(t *testing.T) {
	for _, c := range []float64{0, 0.5, 1} {
		if err := CheckConfidence(c, "test"); err != nil {
			t.Errorf("CheckConfidence(%v) = %v, want nil", c, err)
		}
	}
	for _, c := range []float64{-0.01, 1.01, math.NaN()} {
		err := CheckConfidence(c, "test")
		if !errors.Is(err, ErrInvariant) {
			t.Errorf("CheckConfidence(%v) = %v, want ErrInvariant", c, err)
		}
	}
}
