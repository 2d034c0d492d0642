package util

import "testing"

func TestNormalizePhoneNumber(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"whatsapp:+14155550100", "+14155550100"},
		{"+14155550100", "+14155550100"},
		{" whatsapp:+44 20 7946 0958 ", "+442079460958"},
		{"", ""},
		{"not-a-number", "not-a-number"},
	}
	for _, c := range cases {
		if got := NormalizePhoneNumber(c.in); got != c.want {
			t.Errorf("NormalizePhoneNumber(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestInferTimezone(t *testing.T) {
	// A UK number maps to Europe/London.
	if got := InferTimezone("+442079460958"); got != "Europe/London" {
		t.Errorf("InferTimezone(+442079460958) = %q", got)
	}
	if got := InferTimezone(""); got != "" {
		t.Errorf("InferTimezone(\"\") = %q, want empty", got)
	}
	if got := InferTimezone("garbage"); got != "" {
		t.Errorf("InferTimezone(garbage) = %q, want empty", got)
	}
}

func TestParseIntEnv(t *testing.T) {
	t.Setenv("WHATSY_TEST_INT", "42")
	if got := ParseIntEnv("WHATSY_TEST_INT", 7); got != 42 {
		t.Errorf("ParseIntEnv = %d, want 42", got)
	}
	t.Setenv("WHATSY_TEST_INT", "nope")
	if got := ParseIntEnv("WHATSY_TEST_INT", 7); got != 7 {
		t.Errorf("ParseIntEnv invalid = %d, want default 7", got)
	}
}
