package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/robfig/cron/v3"
)

// ValidationError is one invalid setting
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return e.Field + ": " + e.Message
}

// ValidationErrors is every invalid setting found by Validate
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 1 {
		return e[0].Error()
	}
	var b strings.Builder
	b.WriteString("configuration validation failed:")
	for _, err := range e {
		b.WriteString("\n  - ")
		b.WriteString(err.Error())
	}
	return b.String()
}

// checker accumulates problems so startup reports them all at once
type checker struct {
	errs ValidationErrors
}

func (c *checker) fail(field, format string, args ...interface{}) {
	c.errs = append(c.errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
}

func (c *checker) nonEmpty(field, value string) {
	if strings.TrimSpace(value) == "" {
		c.fail(field, "is required")
	}
}

func (c *checker) minLength(field, value string, n int) {
	if len(value) < n {
		c.fail(field, "must be at least %d characters, got %d", n, len(value))
	}
}

func (c *checker) positive(field string, value int) {
	if value <= 0 {
		c.fail(field, "must be positive, got %d", value)
	}
}

func (c *checker) nonNegative(field string, value int) {
	if value < 0 {
		c.fail(field, "must be non-negative, got %d", value)
	}
}

func (c *checker) absoluteURL(field, value string) {
	u, err := url.Parse(value)
	switch {
	case value == "":
		c.fail(field, "is required")
	case err != nil:
		c.fail(field, "invalid URL: %v", err)
	case u.Scheme == "" || u.Host == "":
		c.fail(field, "must be an absolute URL, got %q", value)
	}
}

func (c *checker) oneOf(field, value string, allowed ...string) {
	for _, a := range allowed {
		if value == a {
			return
		}
	}
	c.fail(field, "must be one of %s, got %q", strings.Join(allowed, "|"), value)
}

// schedule accepts the same specs the sweeper hands to cron
func (c *checker) schedule(field, spec string) {
	if _, err := cron.ParseStandard(spec); err != nil {
		c.fail(field, "invalid cron schedule %q: %v", spec, err)
	}
}

func (c *checker) err() error {
	if len(c.errs) == 0 {
		return nil
	}
	return c.errs
}
