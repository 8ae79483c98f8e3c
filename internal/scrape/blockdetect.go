package scrape

import (
	"net/http"
	"strings"
)

// BlockType describes the kind of block detected.
type BlockType string

const (
	BlockNone       BlockType = ""
	BlockCloudflare BlockType = "cloudflare"
	BlockCaptcha    BlockType = "captcha"
	BlockJSShell    BlockType = "js_shell"
)

// challengePageMaxBytes bounds the body size at which captcha markers are
// taken as a challenge page. Real venue pages embed reCAPTCHA in contact
// and newsletter forms.
const challengePageMaxBytes = 20000

// DetectBlock checks an HTTP response for signs of anti-bot protection.
func DetectBlock(resp *http.Response, body []byte) (bool, BlockType) {
	if resp == nil {
		return false, BlockNone
	}

	if resp.StatusCode == 403 || resp.StatusCode == 503 {
		if resp.Header.Get("cf-ray") != "" || resp.Header.Get("cf-cache-status") != "" {
			return true, BlockCloudflare
		}
		if strings.EqualFold(resp.Header.Get("server"), "cloudflare") {
			return true, BlockCloudflare
		}
	}

	return DetectBlockBody(string(body))
}

// DetectBlockBody inspects page markup alone. It is also applied to pages
// rendered by a remote browser, where no response headers are available.
func DetectBlockBody(body string) (bool, BlockType) {
	lower := strings.ToLower(body)

	if strings.Contains(lower, "checking your browser") ||
		strings.Contains(lower, "cf-browser-verification") ||
		strings.Contains(lower, "cf-challenge") ||
		(strings.Contains(lower, "cloudflare") && strings.Contains(lower, "challenge")) {
		return true, BlockCloudflare
	}

	if strings.Contains(lower, "verify you are human") {
		return true, BlockCaptcha
	}
	if len(body) < challengePageMaxBytes &&
		(strings.Contains(lower, "captcha") || strings.Contains(lower, "recaptcha") || strings.Contains(lower, "hcaptcha")) {
		return true, BlockCaptcha
	}

	if len(body) < 2000 {
		if strings.Contains(lower, "<noscript") && strings.Contains(lower, "javascript") {
			return true, BlockJSShell
		}
		if strings.Contains(lower, `meta http-equiv="refresh"`) {
			return true, BlockJSShell
		}
	}

	return false, BlockNone
}
