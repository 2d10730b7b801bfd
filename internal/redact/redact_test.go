package redact

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLineMasksKeyValuePairs(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{`api_key=abc123def`, `api_key=` + Placeholder},
		{`"password": "hunter2"`, `"password": "` + Placeholder + `"`},
		{`ACCESS_TOKEN: xyz`, `ACCESS_TOKEN: ` + Placeholder},
		{`curl -H "Authorization: Bearer eyJhbGciOi"`, `curl -H "Authorization: Bearer ` + Placeholder + `"`},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Line(tc.in), "input %q", tc.in)
	}
}

func TestLineMasksProviderTokens(t *testing.T) {
	in := "exported ANTHROPIC key sk-ant-REDACTED and ghp_0123456789abcdef00 to the env"
	out := Line(in)
	assert.NotContains(t, out, "sk-ant")
	assert.NotContains(t, out, "ghp_")
	assert.Contains(t, out, Placeholder)
	assert.Contains(t, out, "to the env")
}

func TestLineLeavesOrdinaryTextAlone(t *testing.T) {
	for _, in := range []string{
		"",
		"dequeued 3 jobs for instance inst-0199",
		"input_tokens=1200 output_tokens=340",
		"node plan completed in 4.2s",
	} {
		assert.Equal(t, in, Line(in))
	}
}

func TestSensitiveKey(t *testing.T) {
	for _, key := range []string{"api_key", "APIKey", "webhook_secret", "password", "session_cookie", "auth_token", "key"} {
		assert.True(t, SensitiveKey(key), "%q should be sensitive", key)
	}
	for _, key := range []string{"", "cwd", "pauseReason", "total_tokens", "max_tokens", "retry_count", "title"} {
		assert.False(t, SensitiveKey(key), "%q should not be sensitive", key)
	}
}

func TestMapMasksOnlySensitiveEntries(t *testing.T) {
	in := map[string]string{
		"cwd":       "/srv/app",
		"api_token": "abcd1234",
	}
	out := Map(in)
	assert.Equal(t, "/srv/app", out["cwd"])
	assert.Equal(t, Placeholder, out["api_token"])
	// The input map is left untouched.
	assert.Equal(t, "abcd1234", in["api_token"])
	assert.Nil(t, Map(nil))
}

func TestURLKeepsHostOnly(t *testing.T) {
	assert.Equal(t, "https://hooks.slack.com/"+Placeholder,
		URL("https://hooks.slack.com/services/T000/B000/supersecret"))
	assert.Equal(t, "https://example.com", URL("https://example.com"))
	assert.Equal(t, "", URL(""))
	assert.Equal(t, Placeholder, URL("::not a url::"))
}
