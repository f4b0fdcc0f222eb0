package verdict

import "testing"

func TestNormalize(t *testing.T) {
	cases := []struct {
		name   string
		output string
		want   string
	}{
		{name: "empty", output: "", want: ""},
		{name: "only blank lines", output: "\n \r\n\t\n", want: ""},
		{name: "line endings", output: "1\r\n2\r3\n", want: "1\n2\n3"},
		{name: "per line trim", output: "  a \t\n\tb  ", want: "a\nb"},
		{name: "leading and trailing blank lines", output: "\n\n1\n2\n\n", want: "1\n2"},
		{name: "interior blank lines dropped", output: "1\n\n2", want: "1\n2"},
		{name: "interior whitespace-only lines dropped", output: "1\n   \n\n2", want: "1\n2"},
		{name: "inner spaces kept", output: "1  2", want: "1  2"},
	}
	for _, tc := range cases {
		if got := Normalize(tc.output); got != tc.want {
			t.Fatalf("%s: expected %q, got %q", tc.name, tc.want, got)
		}
	}
	if ok, _ := Compare("1\n\n2", "1\n2"); !ok {
		t.Fatalf("expected interior blank line to be ignored")
	}
}

func TestCompare(t *testing.T) {
	cases := []struct {
		name     string
		actual   string
		expected string
		want     bool
	}{
		{name: "exact", actual: "5", expected: "5", want: true},
		{name: "crlf", actual: "1\r\n2\r\n", expected: "1\n2", want: true},
		{name: "bare cr", actual: "1\r2", expected: "1\n2", want: true},
		{name: "trailing spaces per line", actual: "a  \n  b", expected: "a\nb", want: true},
		{name: "surrounding blank lines", actual: "\n\nx\n\n", expected: "x", want: true},
		{name: "interior blank lines", actual: "x\n\ny", expected: "x\ny", want: true},
		{name: "inner whitespace matters", actual: "1 2", expected: "1  2", want: false},
		{name: "case matters", actual: "YES", expected: "yes", want: false},
		{name: "extra line", actual: "1\n2", expected: "1", want: false},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			ok, diff := Compare(tc.actual, tc.expected)
			if ok != tc.want {
				t.Fatalf("expected %v, got %v", tc.want, ok)
			}
			if ok && diff != nil {
				t.Fatalf("expected no difference on match")
			}
			if !ok && diff == nil {
				t.Fatalf("expected difference on mismatch")
			}
		})
	}
}

func TestCompareDifferenceLines(t *testing.T) {
	_, diff := Compare("1\r\n3\r\n", "1\n2\n")
	if diff.Expected != "1\n2" || diff.Actual != "1\n3" {
		t.Fatalf("unexpected difference: %+v", diff)
	}
	if len(diff.ExpectedLines) != 2 || diff.ActualLines[1] != "3" {
		t.Fatalf("unexpected lines: %+v", diff)
	}
}
