package model

import (
	"encoding/json"
	"regexp"
	"testing"
)

// crockfordBase32 matches valid ULID strings (26 chars, Crockford Base32 alphabet).
var crockfordBase32 = regexp.MustCompile(`^[0123456789ABCDEFGHJKMNPQRSTVWXYZ]{26}$`)

func TestNewIDFormat(t *testing.T) {
	id := NewID()
	if !crockfordBase32.MatchString(id) {
		t.Errorf("NewID() = %q, does not match Crockford Base32 ULID format", id)
	}
}

func TestNewIDUniqueness(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := NewID()
		if seen[id] {
			t.Fatalf("NewID() produced duplicate: %s", id)
		}
		seen[id] = true
	}
}

func TestValidTransition(t *testing.T) {
	tests := []struct {
		from, to string
		want     bool
	}{
		{StatusPending, StatusRunning, true},
		{StatusPending, StatusFailed, true},
		{StatusPending, StatusSucceeded, false},
		{StatusRunning, StatusSucceeded, true},
		{StatusRunning, StatusFailed, true},
		{StatusSucceeded, StatusRunning, false},
		{StatusFailed, StatusPending, false},
	}
	for _, tt := range tests {
		if got := ValidTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("ValidTransition(%q, %q) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestEffectiveCacheKey(t *testing.T) {
	r := ExecutionRequest{}
	if got := r.EffectiveCacheKey(); got != SharedCacheKey {
		t.Errorf("EffectiveCacheKey() = %q, want %q", got, SharedCacheKey)
	}
	r.CacheKey = "wf-1"
	if got := r.EffectiveCacheKey(); got != "wf-1" {
		t.Errorf("EffectiveCacheKey() = %q, want wf-1", got)
	}
}

func TestInputs(t *testing.T) {
	tests := []struct {
		name  string
		items string
		mode  string
		want  []string
	}{
		{"batch absent", "", "", []string{"[]"}},
		{"batch array", "[1,2,3]", ModeBatch, []string{"[1,2,3]"}},
		{"batch scalar", `{"a":1}`, "", []string{`{"a":1}`}},
		{"per item array", "[1, 2, 3]", ModePerItem, []string{"1", "2", "3"}},
		{"per item scalar", "7", ModePerItem, []string{"7"}},
		{"per item empty", "[]", ModePerItem, []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := ExecutionRequest{Items: json.RawMessage(tt.items), Options: Options{Mode: tt.mode}}
			got, err := r.Inputs()
			if err != nil {
				t.Fatalf("Inputs() error: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("Inputs() returned %d inputs, want %d", len(got), len(tt.want))
			}
			for i := range got {
				if string(got[i]) != tt.want[i] {
					t.Errorf("input[%d] = %s, want %s", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestInputsRejectsInvalidJSON(t *testing.T) {
	r := ExecutionRequest{Items: json.RawMessage("{not json")}
	if _, err := r.Inputs(); err == nil {
		t.Fatal("Inputs() expected error for invalid JSON")
	}
}

func TestDependencySetSpecs(t *testing.T) {
	deps := DependencySet{"moment": "latest", "lodash": "^4.17.0"}
	specs := deps.Specs()
	if len(specs) != 2 || specs[0].Name != "lodash" || specs[1].Name != "moment" {
		t.Fatalf("Specs() = %+v, want lodash then moment", specs)
	}
	if got := specs[0].String(); got != "lodash@^4.17.0" {
		t.Errorf("String() = %q, want lodash@^4.17.0", got)
	}
	if got := (PackageSpec{Name: "dayjs"}).String(); got != "dayjs@latest" {
		t.Errorf("String() = %q, want dayjs@latest", got)
	}
}

func TestCodeHash(t *testing.T) {
	a := CodeHash("module.exports = () => 1;")
	if a != CodeHash("module.exports = () => 1;") {
		t.Error("CodeHash is not deterministic")
	}
	if a == CodeHash("module.exports = () => 2;") {
		t.Error("different code produced the same hash")
	}
	if CodeHash("") != "ef46db3751d8e999" {
		t.Errorf("CodeHash(\"\") = %s", CodeHash(""))
	}
}
