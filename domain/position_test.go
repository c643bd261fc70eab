package domain

import "testing"

func TestPositionBetween(t *testing.T) {
	cases := []struct {
		prev, next string
	}{
		{"", ""},
		{"", "i"},
		{"i", ""},
		{"i", "j"},
		{"iz", "j"},
		{"a", "a1"},
		{"az", "b"},
		{"zz", ""},
	}
	for _, tc := range cases {
		got := PositionBetween(tc.prev, tc.next)
		if got == "" {
			t.Fatalf("PositionBetween(%q, %q) returned empty key", tc.prev, tc.next)
		}
		if tc.prev != "" && got <= tc.prev {
			t.Fatalf("PositionBetween(%q, %q) = %q, not above prev", tc.prev, tc.next, got)
		}
		if tc.next != "" && got >= tc.next {
			t.Fatalf("PositionBetween(%q, %q) = %q, not below next", tc.prev, tc.next, got)
		}
	}
}

func TestPositionBetweenRepeatedAppend(t *testing.T) {
	prev := ""
	for i := 0; i < 200; i++ {
		next := PositionBetween(prev, "")
		if prev != "" && next <= prev {
			t.Fatalf("append %d: %q not above %q", i, next, prev)
		}
		prev = next
	}
}

func TestPositionBetweenRepeatedInsertAtFront(t *testing.T) {
	next := ""
	for i := 0; i < 200; i++ {
		prev := PositionBetween("", next)
		if next != "" && prev >= next {
			t.Fatalf("prepend %d: %q not below %q", i, prev, next)
		}
		next = prev
	}
}
