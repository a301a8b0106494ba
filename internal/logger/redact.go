package logger

import (
	"regexp"
	"strings"

	"github.com/sirupsen/logrus"
)

// Card and account numbers in TDDF lines are 13 or more digits.
var longDigits = regexp.MustCompile(`\d{13,}`)

// MaskDigits replaces every run of 13 or more digits with asterisks, keeping
// the last four.
func MaskDigits(s string) string {
	if len(s) < 13 {
		return s
	}
	return longDigits.ReplaceAllStringFunc(s, func(m string) string {
		return strings.Repeat("*", len(m)-4) + m[len(m)-4:]
	})
}

// redactHook masks account numbers in the message and in string or error
// fields before any formatter sees them. Hooks fire on a copy of the entry.
type redactHook struct{}

func (redactHook) Levels() []logrus.Level { return logrus.AllLevels }

func (redactHook) Fire(e *logrus.Entry) error {
	e.Message = MaskDigits(e.Message)
	for k, v := range e.Data {
		switch val := v.(type) {
		case string:
			e.Data[k] = MaskDigits(val)
		case error:
			if masked := MaskDigits(val.Error()); masked != val.Error() {
				e.Data[k] = masked
			}
		}
	}
	return nil
}
