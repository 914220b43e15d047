// Copyright 2024 The FlakeGuard Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package platform

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"

	"go.chromium.org/luci/common/errors"
)

// WebhookVerificationFailedTag marks webhook deliveries whose signature
// did not verify.
var WebhookVerificationFailedTag = errors.BoolTag{Key: errors.NewTagKey("the webhook signature did not verify")}

// VerifySignature checks an X-Signature-SHA256 header of the form
// "sha256=<hex>" against the HMAC-SHA256 of body under secret. The
// comparison is constant time; a signature of the wrong length fails
// before any comparison.
func VerifySignature(secret, body []byte, header string) bool {
	const prefix = "sha256="
	if !strings.HasPrefix(header, prefix) {
		return false
	}
	sig, err := hex.DecodeString(header[len(prefix):])
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	expected := mac.Sum(nil)
	if len(sig) != len(expected) {
		return false
	}
	return hmac.Equal(sig, expected)
}

// SignBody computes the signature header value for body under secret.
// Used by tests and by the local delivery tool.
func SignBody(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// ParseWorkflowRunEvent decodes a workflow_run webhook payload.
func ParseWorkflowRunEvent(body []byte) (*WorkflowRunEvent, error) {
	event := &WorkflowRunEvent{}
	if err := json.Unmarshal(body, event); err != nil {
		return nil, errors.Annotate(err, "decode workflow_run event").Err()
	}
	return event, nil
}
