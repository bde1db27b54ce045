package query

import "strings"

// classifyBlocker looks for pages that stand between the session and the
// notebook UI. It returns a machine code and a short description, or empty
// strings for an ordinary page.
func classifyBlocker(url, title string) (string, string) {
	haystack := strings.ToLower(strings.Join([]string{
		strings.TrimSpace(url),
		strings.TrimSpace(title),
	}, " "))

	if strings.TrimSpace(haystack) == "" {
		return "", ""
	}

	signInSignals := []string{
		"accounts.google.com",
		"servicelogin",
		"sign in",
		"signin",
		"log in",
	}
	for _, signal := range signInSignals {
		if strings.Contains(haystack, signal) {
			return "sign_in_required", "page redirected to a sign-in wall; the profile template may have expired credentials"
		}
	}

	humanSignals := []string{
		"captcha",
		"verify you are human",
		"are you a robot",
		"unusual traffic",
		"security check",
	}
	for _, signal := range humanSignals {
		if strings.Contains(haystack, signal) {
			return "human_verification_required", "human verification challenge detected"
		}
	}

	if strings.Contains(haystack, "access denied") || strings.Contains(haystack, "403 forbidden") {
		return "access_denied", "target denied access to the notebook"
	}

	return "", ""
}
