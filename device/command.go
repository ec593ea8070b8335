package device

import (
	"regexp"
	"strings"
	"time"

	"github.com/arloliu/go-termcom/errs"
)

// CommandTemplate is a reusable command bound to a device.
//
// Template may reference variables as {{name}}; Render substitutes them.
// ResponsePattern, when set, is a regular expression the response must match.
type CommandTemplate struct {
	Name            string
	Description     string
	Template        string
	ResponsePattern string
	Timeout         time.Duration
}

// Validate checks the template name and compiles the response pattern.
func (c CommandTemplate) Validate() error {
	const op = "device.command.validate"

	if c.Name == "" {
		return errs.New(errs.KindInvalidInput, op, "command name is empty")
	}
	if c.Template == "" {
		return errs.New(errs.KindInvalidInput, op, "command %q has an empty template", c.Name)
	}
	if c.Timeout < 0 {
		return errs.New(errs.KindInvalidInput, op, "command %q has a negative timeout", c.Name)
	}
	if c.ResponsePattern != "" {
		if _, err := regexp.Compile(c.ResponsePattern); err != nil {
			return errs.Wrap(errs.KindInvalidInput, op, err)
		}
	}

	return nil
}

// Render substitutes {{key}} placeholders with vars. Unknown placeholders are left as is.
func (c CommandTemplate) Render(vars map[string]string) string {
	if len(vars) == 0 {
		return c.Template
	}

	pairs := make([]string, 0, len(vars)*2)
	for k, v := range vars {
		pairs = append(pairs, "{{"+k+"}}", v)
	}

	return strings.NewReplacer(pairs...).Replace(c.Template)
}

// Response compiles ResponsePattern. It returns nil when no pattern is set.
func (c CommandTemplate) Response() (*regexp.Regexp, error) {
	if c.ResponsePattern == "" {
		return nil, nil //nolint:nilnil
	}

	re, err := regexp.Compile(c.ResponsePattern)
	if err != nil {
		return nil, errs.Wrap(errs.KindInvalidInput, "device.command.response", err)
	}

	return re, nil
}

// EffectiveTimeout returns Timeout, or DefaultCommandTimeout when unset.
func (c CommandTemplate) EffectiveTimeout() time.Duration {
	if c.Timeout <= 0 {
		return DefaultCommandTimeout
	}

	return c.Timeout
}
