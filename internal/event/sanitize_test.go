package event_test

import (
	"math"
	"testing"

	"github.com/gyaneshwarpardhi/anonsdk/internal/event"
)

func TestIsPII(t *testing.T) {
	cases := []struct {
		key  string
		want bool
	}{
		{"email", true},
		{"Email", true},
		{"E-Mail", true},
		{"e_mail", true},
		{"first_name", true},
		{"FirstName", true},
		{"phone number", true},
		{"SSN", true},
		{"ｅｍａｉｌ", true}, // fullwidth, folded by NFKC
		{"ip_address", true},
		{"page", false},
		{"category", false},
		{"button_id", false},
	}
	for _, tc := range cases {
		t.Run(tc.key, func(t *testing.T) {
			if got := event.IsPII(tc.key); got != tc.want {
				t.Errorf("IsPII(%q) = %v, want %v", tc.key, got, tc.want)
			}
		})
	}
}

func TestSanitize_TopLevel(t *testing.T) {
	in := map[string]any{
		"email":    "a@b.c",
		"Phone":    "555",
		"page":     "/home",
		"duration": 12.5,
	}
	out, removed := event.Sanitize(in)
	if removed != 2 {
		t.Errorf("removed = %d, want 2", removed)
	}
	if _, ok := out["email"]; ok {
		t.Errorf("email survived sanitization")
	}
	if _, ok := out["Phone"]; ok {
		t.Errorf("Phone survived sanitization")
	}
	if out["page"] != "/home" || out["duration"] != 12.5 {
		t.Errorf("non-PII keys altered: %v", out)
	}
	if _, ok := in["email"]; !ok {
		t.Errorf("input map was mutated")
	}
}

func TestSanitize_Nested(t *testing.T) {
	in := map[string]any{
		"form": map[string]any{
			"field":     "newsletter",
			"full_name": "Jane",
			"items": []any{
				map[string]any{"sku": "x1", "address": "1 Main St"},
				"plain",
			},
		},
	}
	out, removed := event.Sanitize(in)
	if removed != 2 {
		t.Errorf("removed = %d, want 2", removed)
	}
	form := out["form"].(map[string]any)
	if _, ok := form["full_name"]; ok {
		t.Errorf("nested full_name survived")
	}
	items := form["items"].([]any)
	first := items[0].(map[string]any)
	if _, ok := first["address"]; ok {
		t.Errorf("address inside array survived")
	}
	if first["sku"] != "x1" || items[1] != "plain" {
		t.Errorf("unexpected items: %v", items)
	}
}

func TestSanitize_DropsUnencodable(t *testing.T) {
	in := map[string]any{
		"ch":   make(chan int),
		"fn":   func() {},
		"nan":  math.NaN(),
		"inf":  math.Inf(1),
		"ok":   "yes",
		"list": []int{1, 2},
	}
	out, _ := event.Sanitize(in)
	for _, k := range []string{"ch", "fn", "nan", "inf"} {
		if _, ok := out[k]; ok {
			t.Errorf("%s should have been dropped", k)
		}
	}
	if out["ok"] != "yes" {
		t.Errorf("ok = %v", out["ok"])
	}
	if l, ok := out["list"].([]any); !ok || len(l) != 2 {
		t.Errorf("list = %#v, want generic slice of 2", out["list"])
	}
}

func TestSanitize_StructValues(t *testing.T) {
	type contact struct {
		Email string `json:"email"`
		Topic string `json:"topic"`
	}
	out, removed := event.Sanitize(map[string]any{"contact": contact{Email: "x@y.z", Topic: "billing"}})
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
	c := out["contact"].(map[string]any)
	if _, ok := c["email"]; ok {
		t.Errorf("email inside struct survived")
	}
	if c["topic"] != "billing" {
		t.Errorf("topic = %v", c["topic"])
	}
}

func TestSanitize_Nil(t *testing.T) {
	out, removed := event.Sanitize(nil)
	if out == nil || len(out) != 0 || removed != 0 {
		t.Errorf("Sanitize(nil) = %v, %d", out, removed)
	}
}

func TestSanitize_SelfReferencingMap(t *testing.T) {
	m := map[string]any{"k": 1}
	m["self"] = m

	out, removed := event.Sanitize(m)
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
	if out["k"] != 1 {
		t.Errorf("k = %v", out["k"])
	}
	levels := 0
	for cur := out; ; levels++ {
		next, ok := cur["self"].(map[string]any)
		if !ok {
			break
		}
		cur = next
	}
	if levels != event.MaxDepth-1 {
		t.Errorf("kept %d nested levels, want %d", levels, event.MaxDepth-1)
	}
}

func TestSanitize_SelfReferencingSlice(t *testing.T) {
	s := make([]any, 1)
	s[0] = s

	out, removed := event.Sanitize(map[string]any{"list": s, "ok": "yes"})
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
	if out["ok"] != "yes" {
		t.Errorf("ok = %v", out["ok"])
	}
}

func TestSanitize_DepthLimit(t *testing.T) {
	build := func(depth int) map[string]any {
		root := map[string]any{}
		cur := root
		for i := 0; i < depth; i++ {
			next := map[string]any{}
			cur["child"] = next
			cur = next
		}
		cur["leaf"] = "v"
		return root
	}

	cases := []struct {
		name    string
		depth   int
		removed int
	}{
		{"shallow", 3, 0},
		{"at limit", event.MaxDepth - 1, 0},
		{"too deep", event.MaxDepth, 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, removed := event.Sanitize(build(tc.depth)); removed != tc.removed {
				t.Errorf("removed = %d, want %d", removed, tc.removed)
			}
		})
	}
}
