package logredact

import "testing"

func TestEmail(t *testing.T) {
	cases := map[string]string{
		"alice@example.com": "*****@example.com",
		"a@example.com":     "*@example.com",
		"not-an-email":      "***",
		"":                  "***",
	}
	for in, want := range cases {
		if got := Email(in); got != want {
			t.Errorf("Email(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestIPv4(t *testing.T) {
	got, err := IPv4("203.0.113.42", 1)
	if err != nil {
		t.Fatalf("IPv4: %v", err)
	}
	if got != "203.0.113.0" {
		t.Errorf("IPv4 = %q, want 203.0.113.0", got)
	}

	if _, err := IPv4("not-an-ip", 1); err != ErrInvalidIPv4 {
		t.Errorf("expected ErrInvalidIPv4, got %v", err)
	}

	same, err := IPv4("10.0.0.1", 0)
	if err != nil || same != "10.0.0.1" {
		t.Errorf("IPv4 with n=0 should be identity, got %q, %v", same, err)
	}
}
