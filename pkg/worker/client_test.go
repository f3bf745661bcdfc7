package worker

import "testing"

func TestTrimTrailingSlash(t *testing.T) {
	cases := map[string]string{
		"https://authority.internal:8444/": "https://authority.internal:8444",
		"https://authority.internal:8444":  "https://authority.internal:8444",
		"":                                 "",
	}
	for in, want := range cases {
		if got := trimTrailingSlash(in); got != want {
			t.Fatalf("trimTrailingSlash(%q) = %q, want %q", in, got, want)
		}
	}
}
