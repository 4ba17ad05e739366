package shared

import (
	"regexp"
	"strings"
)

const redactedPlaceholder = "[REDACTED]"

// secretPatterns matches the shapes of secret this control plane actually
// handles: webhook HMAC signatures, platform bot tokens/keys, push
// notification auth headers and worker model credentials. Patterns with a
// leading prefix group (a "sha256=" marker, a header name, a "Bearer"
// scheme, an assignment's key name) keep that group so the redacted output
// still shows what kind of secret was there, just not its value; the bot
// token patterns have no prefix group and are replaced whole.
var secretPatterns = []*regexp.Regexp{
	// X-Signature-256: sha256=<hex> (channels.WebhookChannel.Verify).
	regexp.MustCompile(`(sha256=)[a-f0-9]{64}`),
	// X-Signature-Ed25519 (channels.DiscordChannel.Verify).
	regexp.MustCompile(`(?i)(X-Signature-Ed25519:\s*)[a-f0-9]{128}`),
	// Telegram bot API tokens: <bot_id>:<35-char secret>.
	regexp.MustCompile(`\b\d{6,10}:[A-Za-z0-9_-]{35}\b`),
	// Discord bot tokens (three dot-separated base64url segments).
	regexp.MustCompile(`\b[MNO][A-Za-z0-9_-]{23,25}\.[A-Za-z0-9_-]{6}\.[A-Za-z0-9_-]{27,}\b`),
	// Bearer/Authorization header values, e.g. a push notification's
	// configured AuthHeader (store.PushNotification.AuthHeader).
	regexp.MustCompile(`(?i)(Bearer\s+)[A-Za-z0-9_\-./+=]{16,}`),
	regexp.MustCompile(`(?i)(Authorization:\s*)\S+(?:[ \t]+\S+)?`),
	// AGENTPLANE_WORKER_ENV_* credentials and generic api_key/secret/token
	// assignments (config.Config.WorkerEnv, config values logged in error
	// paths).
	regexp.MustCompile(`(?i)(api[_-]?key|secret[_-]?key|auth[_-]?token)\s*[:=]\s*"?([A-Za-z0-9_\-./+=]{16,})"?`),
}

// Redact replaces secret-bearing substrings in the input with [REDACTED],
// keeping any leading identifying prefix the pattern captured.
func Redact(input string) string {
	if input == "" {
		return input
	}
	result := input
	for _, pat := range secretPatterns {
		result = pat.ReplaceAllStringFunc(result, func(match string) string {
			submatch := pat.FindStringSubmatch(match)
			if len(submatch) >= 2 && submatch[1] != "" {
				return submatch[1] + redactedPlaceholder
			}
			return redactedPlaceholder
		})
	}
	return result
}

// RedactEnvValue returns value unchanged unless key looks like it names a
// secret (worker model credentials passed through AGENTPLANE_WORKER_ENV_*,
// platform bot tokens, webhook signing secrets), in which case it returns
// the placeholder instead.
func RedactEnvValue(key, value string) string {
	keyLower := strings.ToLower(key)
	sensitiveKeys := []string{"api_key", "apikey", "secret", "token", "password", "credential", "auth"}
	for _, sensitive := range sensitiveKeys {
		if strings.Contains(keyLower, sensitive) {
			return redactedPlaceholder
		}
	}
	return value
}
