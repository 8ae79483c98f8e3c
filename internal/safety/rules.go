package safety

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

type rule struct {
	code     string
	message  string
	patterns []*regexp.Regexp
}

func compile(exprs ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(exprs))
	for i, e := range exprs {
		out[i] = regexp.MustCompile(e)
	}
	return out
}

// deniedRules lists capabilities generated code must never touch. The
// browser handle is the only sanctioned way to reach the network.
// Go regexp has no lookbehind, so "not a method call" is spelled
// (?:^|[^.\w$]).
var deniedRules = []rule{
	{
		code:    CodeDynamicEval,
		message: "dynamic code evaluation is not allowed",
		patterns: compile(
			`(?:^|[^.\w$])eval\s*\(`,
			`\bnew\s+Function\s*\(`,
			`(?:^|[^.\w$])Function\s*\(\s*['"\x60]`,
			`\bset(?:Timeout|Interval)\s*\(\s*['"\x60]`,
		),
	},
	{
		code:    CodeProcess,
		message: "process access is not allowed",
		patterns: compile(
			`(?:^|[^.\w$])process\s*(?:\.|\[)`,
			`\bglobalThis\s*\.\s*process\b`,
		),
	},
	{
		code:    CodeFilesystem,
		message: "filesystem access is not allowed",
		patterns: compile(
			`\brequire\s*\(\s*['"\x60](?:node:)?fs(?:/promises)?['"\x60]\s*\)`,
			`\bfrom\s+['"](?:node:)?fs(?:/promises)?['"]`,
			`(?:^|[^.\w$])fs\s*\.\s*\w+`,
			`\b(?:readFileSync|writeFileSync|appendFileSync|unlinkSync|mkdirSync)\b`,
			`\b__(?:dirname|filename)\b`,
		),
	},
	{
		code:    CodeChildProcess,
		message: "spawning child processes is not allowed",
		patterns: compile(
			`\bchild_process\b`,
			`\b(?:execSync|execFileSync|spawnSync|execFile)\s*\(`,
			`(?:^|[^.\w$])(?:exec|spawn|fork)\s*\(`,
		),
	},
	{
		code:    CodeNetworkClient,
		message: "direct network clients are not allowed; use the browser handle",
		patterns: compile(
			`(?:^|[^.\w$])fetch\s*\(`,
			`\bXMLHttpRequest\b`,
			`\bWebSocket\b`,
			`\baxios\b`,
			`\brequire\s*\(\s*['"\x60](?:node:)?(?:https?|http2|net|tls|dgram|dns|undici|node-fetch|got|request)['"\x60]\s*\)`,
			`(?:^|[^.\w$])https?\s*\.\s*(?:get|request)\s*\(`,
		),
	},
	{
		code:    CodeStorage,
		message: "direct access to the storage layer is not allowed",
		patterns: compile(
			`\b(?:prisma|PrismaClient)\b`,
			`\brequire\s*\(\s*['"\x60](?:pg|postgres|mysql2?|mongodb|mongoose|redis|ioredis|sqlite3|better-sqlite3|knex|sequelize|typeorm)['"\x60]\s*\)`,
			`(?:^|[^.\w$])(?:db|pool|knex)\s*\.\s*(?:query|execute|raw|insert|select|transaction)\s*\(`,
			`\b(?:localStorage|sessionStorage|indexedDB)\b`,
		),
	},
	{
		code:    CodeModuleImport,
		message: "module loading is not allowed; only the injected capabilities are available",
		patterns: compile(
			`(?:^|[^.\w$])require\s*\(`,
			`(?m)^\s*import\s+[\w{*'"]`,
			`(?:^|[^.\w$])import\s*\(`,
			`(?m)^\s*export\s+`,
		),
	},
}

// scanDenied reports at most one issue per rule, at its first match.
func scanDenied(src string) []Issue {
	var issues []Issue
	for _, r := range deniedRules {
		pos := -1
		var match string
		for _, p := range r.patterns {
			loc := p.FindStringIndex(src)
			if loc != nil && (pos < 0 || loc[0] < pos) {
				pos = loc[0]
				match = strings.TrimSpace(strings.TrimLeft(src[loc[0]:loc[1]], "(;,=:{}[ \t\r\n!&|+-*/"))
			}
		}
		if pos >= 0 {
			issues = append(issues, Issue{
				Code:    r.code,
				Message: fmt.Sprintf("%s (found %q)", r.message, match),
				Line:    lineOf(src, pos),
			})
		}
	}
	return issues
}

var (
	debugPatterns = compile(
		`\bconsole\s*\.\s*(?:log|debug|info|warn|error|trace|dir|table)\s*\(`,
		`\bdebugger\b`,
	)
	waitPattern          = regexp.MustCompile(`\b(?:waitForTimeout|sleep|delay)\s*\(\s*(\d+)`)
	setTimeoutPattern    = regexp.MustCompile(`\bsetTimeout\s*\([^;]*?,\s*(\d+)\s*\)`)
	timeoutOptionPattern = regexp.MustCompile(`\btimeout\s*:\s*(\d+)`)
)

func (v *Validator) scanWarnings(src string) []Issue {
	var issues []Issue

	for _, p := range debugPatterns {
		if loc := p.FindStringIndex(src); loc != nil {
			issues = append(issues, Issue{
				Code:    CodeDebugStatement,
				Message: "debug statement left in code",
				Line:    lineOf(src, loc[0]),
			})
			break
		}
	}

	for _, p := range []*regexp.Regexp{waitPattern, setTimeoutPattern} {
		for _, m := range p.FindAllStringSubmatchIndex(src, -1) {
			ms, _ := strconv.Atoi(src[m[2]:m[3]])
			if ms > v.cfg.MaxWaitMs {
				issues = append(issues, Issue{
					Code:    CodeLongWait,
					Message: fmt.Sprintf("wait of %dms exceeds %dms", ms, v.cfg.MaxWaitMs),
					Line:    lineOf(src, m[0]),
				})
			}
		}
	}

	for _, m := range timeoutOptionPattern.FindAllStringSubmatchIndex(src, -1) {
		ms, _ := strconv.Atoi(src[m[2]:m[3]])
		if ms > v.cfg.MaxTimeoutOptionMs {
			issues = append(issues, Issue{
				Code:    CodeLongWait,
				Message: fmt.Sprintf("timeout option of %dms exceeds %dms", ms, v.cfg.MaxTimeoutOptionMs),
				Line:    lineOf(src, m[0]),
			})
		}
	}
	return issues
}

func lineOf(src string, offset int) int {
	if offset < 0 || offset > len(src) {
		return 0
	}
	return strings.Count(src[:offset], "\n") + 1
}
