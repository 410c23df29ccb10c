// Package environment reads typed configuration values from environment
// variables that share a common prefix (for example "AIBOU_").
//
// Every accessor takes the unprefixed name and a default. Values that are
// present but malformed are recorded and reported by Err, so a typo in a
// duration does not silently fall back to the default.
package environment

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Reader resolves prefixed environment variables.
type Reader struct {
	prefix string
	lookup func(string) (string, bool)
	errs   []error
}

// New returns a Reader for variables named prefix+name.
func New(prefix string) *Reader {
	return &Reader{prefix: prefix, lookup: os.LookupEnv}
}

// Name returns the full variable name for key.
func (r *Reader) Name(key string) string {
	return r.prefix + key
}

func (r *Reader) raw(key string) (string, bool) {
	v, ok := r.lookup(r.Name(key))
	if !ok || strings.TrimSpace(v) == "" {
		return "", false
	}
	return strings.TrimSpace(v), true
}

func (r *Reader) invalid(key, value string, err error) {
	r.errs = append(r.errs, fmt.Errorf("%s=%q: %w", r.Name(key), value, err))
}

// String returns the value of key or def when unset or blank.
func (r *Reader) String(key, def string) string {
	if v, ok := r.raw(key); ok {
		return v
	}
	return def
}

// Required returns the value of key and records an error when it is unset.
func (r *Reader) Required(key string) string {
	v, ok := r.raw(key)
	if !ok {
		r.errs = append(r.errs, fmt.Errorf("required environment variable %q is not set", r.Name(key)))
	}
	return v
}

// Bool parses key with strconv.ParseBool.
func (r *Reader) Bool(key string, def bool) bool {
	v, ok := r.raw(key)
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		r.invalid(key, v, err)
		return def
	}
	return b
}

// Int parses key as a decimal integer.
func (r *Reader) Int(key string, def int) int {
	v, ok := r.raw(key)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		r.invalid(key, v, err)
		return def
	}
	return n
}

// Int64 parses key as a 64-bit decimal integer.
func (r *Reader) Int64(key string, def int64) int64 {
	v, ok := r.raw(key)
	if !ok {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		r.invalid(key, v, err)
		return def
	}
	return n
}

// Float parses key as a float64.
func (r *Reader) Float(key string, def float64) float64 {
	v, ok := r.raw(key)
	if !ok {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		r.invalid(key, v, err)
		return def
	}
	return f
}

// Duration parses key with time.ParseDuration ("30s", "10m", "1h").
func (r *Reader) Duration(key string, def time.Duration) time.Duration {
	v, ok := r.raw(key)
	if !ok {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		r.invalid(key, v, err)
		return def
	}
	return d
}

// List splits key on commas, trimming blanks. Returns def when unset.
func (r *Reader) List(key string, def []string) []string {
	v, ok := r.raw(key)
	if !ok {
		return def
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Err returns every parse failure recorded so far, joined.
func (r *Reader) Err() error {
	return errors.Join(r.errs...)
}
