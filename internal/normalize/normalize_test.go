package normalize

import "testing"

func TestCanonical(t *testing.T) {
	cases := map[string]string{
		"/users?id=1":                     "/users?id=1",
		"%27%20OR%20%271%27=%271":         "' or '1'='1",
		"..%2f..%2fetc/passwd":            "../../etc/passwd",
		"%3CScRipT%3E":                    "<script>",
		"a+b":                             "a b",
		"%2527":                           "'",
		"%252e%252e%252f":                 "../",
		"100%":                            "100%",
		"%zz":                             "%zz",
		"%2":                              "%2",
		"UNION%20SELECT":                  "union select",
		"jAvAsCrIpT:alert(1)":             "javascript:alert(1)",
		"":                                "",
	}

	for input, expected := range cases {
		if got := Canonical(input); got != expected {
			t.Fatalf("Canonical(%q) expected %q, got %q", input, expected, got)
		}
	}
}

func TestCanonicalIdempotent(t *testing.T) {
	inputs := []string{
		"/users?id=1%27%20OR%20%271%27=%271",
		"%252e%252e%252f",
		"a+b%20c",
		"%3cScript%3e",
		"plain text, no escapes",
		"%zz%2",
	}

	for _, input := range inputs {
		once := Canonical(input)
		twice := Canonical(once)
		if once != twice {
			t.Fatalf("Canonical not idempotent for %q: %q != %q", input, once, twice)
		}
	}
}

func TestCanonicalDecodeDepth(t *testing.T) {
	// Three nesting levels resolve within the pass bound.
	if got := Canonical("%25252527"); got != "'" {
		t.Fatalf("expected full collapse, got %q", got)
	}
}
