package verdict

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"ojexec/internal/executor/model"
	"ojexec/internal/executor/sandbox"
	appErr "ojexec/pkg/errors"
)

// ApplyDefaults fills zero limits with the package defaults.
func ApplyDefaults(sub model.Submission) model.Submission {
	if sub.TimeLimitMs == 0 {
		sub.TimeLimitMs = model.DefaultTimeLimitMs
	}
	if sub.MemoryLimitMb == 0 {
		sub.MemoryLimitMb = model.DefaultMemoryLimitMb
	}
	return sub
}

// Validate checks a submission before anything is executed.
// A zero limit means "use the default" and is accepted.
func Validate(sub model.Submission, langs *sandbox.LanguageTable) error {
	if strings.TrimSpace(sub.Code) == "" {
		return appErr.New(appErr.RequiredFieldEmpty).WithMessage("code is required").WithDetail("field", "code")
	}
	if strings.TrimSpace(sub.Language) == "" {
		return appErr.New(appErr.RequiredFieldEmpty).WithMessage("language is required").WithDetail("field", "language")
	}
	if len(sub.TestCases) == 0 {
		return appErr.New(appErr.TestCasesMissing).WithMessage("test cases are required and must be non-empty")
	}
	for i, tc := range sub.TestCases {
		if tc.Input == nil || tc.ExpectedOutput == nil {
			return appErr.Newf(appErr.ValidationFailed, "test case %d must have input and expected output", i+1)
		}
	}
	if sub.TimeLimitMs < 0 || sub.TimeLimitMs > model.MaxTimeLimitMs {
		return appErr.Newf(appErr.InvalidValue, "time limit must be a positive number <= %dms", model.MaxTimeLimitMs)
	}
	if sub.MemoryLimitMb < 0 || sub.MemoryLimitMb > model.MaxMemoryLimitMb {
		return appErr.Newf(appErr.InvalidValue, "memory limit must be a positive number <= %dMB", model.MaxMemoryLimitMb)
	}
	if utf8.RuneCountInString(sub.Code) > model.MaxCodeLength {
		return appErr.Newf(appErr.CodeTooLarge, "code length cannot exceed %d characters", model.MaxCodeLength)
	}
	if langs != nil {
		if _, ok := langs.Lookup(sub.Language); !ok {
			return appErr.Newf(appErr.LanguageNotSupported, "unsupported language: %s. Supported: %s",
				sub.Language, strings.Join(langs.Names(), ", "))
		}
	}
	return nil
}

func describeExit(code int) string {
	return fmt.Sprintf("Process exited with code %d", code)
}
