// Copyright 2024 The FlakeGuard Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package platform

import (
	"encoding/json"
	"net/http"
	"regexp"
	"strings"

	"go.chromium.org/luci/common/data/stringset"
)

// defaultSensitiveFields are always redacted, whatever the
// configuration adds.
var defaultSensitiveFields = []string{
	"authorization",
	"token",
	"access_token",
	"refresh_token",
	"secret",
	"client_secret",
	"password",
	"api_key",
	"private_key",
	"x-hub-signature",
	"x-hub-signature-256",
	"cookie",
	"set-cookie",
}

// tokenRunRE matches long alphanumeric runs in free text that are
// likely credentials or signatures.
var tokenRunRE = regexp.MustCompile(`[A-Za-z0-9_\-]{20,}`)

// Redactor sanitizes request material before it reaches logs or audit
// records.
type Redactor struct {
	sensitive stringset.Set
}

// NewRedactor returns a Redactor covering the default sensitive field
// names plus extra.
func NewRedactor(extra []string) *Redactor {
	s := stringset.NewFromSlice(defaultSensitiveFields...)
	for _, f := range extra {
		s.Add(strings.ToLower(f))
	}
	return &Redactor{sensitive: s}
}

// Sensitive reports whether the field name is in the redaction set.
func (r *Redactor) Sensitive(field string) bool {
	return r.sensitive.Has(strings.ToLower(field))
}

// MaskValue redacts a sensitive value, preserving the first and last
// two characters when the value is long enough to stay unidentifiable.
func MaskValue(v string) string {
	if len(v) <= 6 {
		return strings.Repeat("*", len(v))
	}
	return v[:2] + strings.Repeat("*", len(v)-4) + v[len(v)-2:]
}

// Text replaces long alphanumeric runs in free text with [TOKEN].
func (r *Redactor) Text(s string) string {
	return tokenRunRE.ReplaceAllString(s, "[TOKEN]")
}

// Headers returns a copy of h with sensitive header values masked.
func (r *Redactor) Headers(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for name, values := range h {
		if r.Sensitive(name) {
			masked := make([]string, len(values))
			for i, v := range values {
				masked[i] = MaskValue(v)
			}
			out[name] = masked
			continue
		}
		out[name] = append([]string(nil), values...)
	}
	return out
}

// Body sanitizes a JSON request/response body: sensitive fields are
// masked at any nesting depth, free-text strings get token runs
// replaced. Non-JSON bodies are reduced to their sanitized text.
func (r *Redactor) Body(body []byte) string {
	var decoded interface{}
	if err := json.Unmarshal(body, &decoded); err != nil {
		return r.Text(string(body))
	}
	sanitized := r.sanitizeValue(decoded)
	out, err := json.Marshal(sanitized)
	if err != nil {
		return r.Text(string(body))
	}
	return string(out)
}

func (r *Redactor) sanitizeValue(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, inner := range val {
			if r.Sensitive(k) {
				if s, ok := inner.(string); ok {
					out[k] = MaskValue(s)
				} else {
					out[k] = "[REDACTED]"
				}
				continue
			}
			out[k] = r.sanitizeValue(inner)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, inner := range val {
			out[i] = r.sanitizeValue(inner)
		}
		return out
	case string:
		return r.Text(val)
	default:
		return v
	}
}
