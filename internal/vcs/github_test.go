package vcs

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func signBody(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func TestVerifyWebhook(t *testing.T) {
	provider := NewProvider(nil)
	body := []byte(`{"action":"opened"}`)
	secret := "webhook-secret"

	headers := http.Header{}
	headers.Set("X-Hub-Signature-256", signBody(body, secret))
	assert.True(t, provider.VerifyWebhook(headers, body, secret))

	// Wrong secret fails.
	assert.False(t, provider.VerifyWebhook(headers, body, "other-secret"))

	// Tampered body fails.
	assert.False(t, provider.VerifyWebhook(headers, []byte(`{"action":"closed"}`), secret))

	// Missing signature fails.
	assert.False(t, provider.VerifyWebhook(http.Header{}, body, secret))
}

func TestSplitRepo(t *testing.T) {
	owner, name, err := splitRepo("acme/widgets")
	assert.NoError(t, err)
	assert.Equal(t, "acme", owner)
	assert.Equal(t, "widgets", name)

	_, _, err = splitRepo("just-a-name")
	assert.Error(t, err)

	_, _, err = splitRepo("/missing-owner")
	assert.Error(t, err)
}

func TestCommentTag(t *testing.T) {
	tag := CommentTag("run-1")
	assert.Equal(t, "<!-- exec-engine:run-1 -->", tag)
}
