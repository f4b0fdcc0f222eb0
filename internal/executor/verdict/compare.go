package verdict

import (
	"strings"

	"ojexec/internal/executor/model"
)

var lineEndings = strings.NewReplacer("\r\n", "\n", "\r", "\n")

// Normalize canonicalizes program output for comparison: line endings become LF,
// every line is trimmed and blank lines are dropped.
func Normalize(output string) string {
	lines := strings.Split(lineEndings.Replace(strings.TrimSpace(output)), "\n")
	kept := lines[:0]
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line != "" {
			kept = append(kept, line)
		}
	}
	return strings.Join(kept, "\n")
}

// Compare reports whether actual matches expected after normalization, and
// the normalized difference when it does not.
func Compare(actual, expected string) (bool, *model.OutputDifference) {
	a := Normalize(actual)
	e := Normalize(expected)
	if a == e {
		return true, nil
	}
	return false, &model.OutputDifference{
		Expected:      e,
		Actual:        a,
		ExpectedLines: strings.Split(e, "\n"),
		ActualLines:   strings.Split(a, "\n"),
	}
}
