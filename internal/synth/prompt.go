package synth

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/sells-group/scrapegen/internal/model"
	"github.com/sells-group/scrapegen/internal/schema"
)

const systemPrompt = `You write JavaScript data extractors that run in a restricted sandbox.

The sandbox provides exactly these capabilities and nothing else:
- browser: the first argument of your function. Use browser.newPage() to open a page and
  page.goto(url) to load it. Pages expose content(), title(), url(), waitForSelector(selector),
  waitForTimeout(ms), evaluate(fn, ...args), $eval(selector, fn), $$eval(selector, fn),
  click(selector), type(selector, text) and close(). Values passed to and returned from page
  functions must be JSON-serializable. page.$, page.$$ and screenshot are NOT available.
  Some runs have no script-capable browser and reject evaluate, click and type, so prefer
  reading content() with cheerio and use page functions only for content that scripts render.
- cheerio: call cheerio.load(await page.content()) and query the HTML with $(selector), .find,
  .each, .text(), .attr(name) and the other usual cheerio traversal methods.
- toUTC(localDateTime, timezone): converts a local date/time string such as "Sat, Jun 14 7:30 PM"
  into an ISO-8601 UTC string. Always pass the timezone argument you were given.

Rules:
- Output a single async function declaration with the exact name and parameters requested.
- Do not use require, import, fetch, XMLHttpRequest, eval, new Function, process or the filesystem.
- Open pages with browser.newPage() and close every page in a finally block.
- Return plain JSON-serializable data. Omit fields you cannot find instead of inventing values.
- Keep waits short. Do not log with console.
- Reply with the code only, in one fenced javascript block.`

// DocumentChars is the default budget for page text included in a prompt.
const DocumentChars = 60000

// detailChars is the budget for the enrichment page.
const detailChars = 15000

type promptInput struct {
	Session  *model.Session
	Schema   *schema.FieldSchema
	Document *model.Document
	Detail   *model.Document
	Feedback Feedback
	Budget   int
}

func buildUserPrompt(in promptInput) string {
	kind := in.Session.TaskKind
	var b strings.Builder

	fmt.Fprintf(&b, "Target URL: %s\n", in.Session.TargetURL)
	if kind == model.TaskEventListing {
		fmt.Fprintf(&b, "Venue timezone: %s\n\n", in.Session.Timezone)
		fmt.Fprintf(&b, "Write `async function %s(browser, url, timezone)` that loads url and returns an ARRAY of upcoming events, one object per event.\n", kind.FunctionName())
		b.WriteString("Convert every date and time with toUTC(local, timezone). Titles must hold only the event name: no dates, times or venue names.\n")
		b.WriteString("Prices are strings such as \"$15\", \"$20-$35\" or \"Free\".\n\n")
	} else {
		fmt.Fprintf(&b, "\nWrite `async function %s(browser, url)` that loads url and returns ONE object describing the venue.\n\n", kind.FunctionName())
	}

	b.WriteString("Fields:\n")
	for _, f := range in.Schema.Required {
		fmt.Fprintf(&b, "- %s (%s, required)\n", f.Name, f.Type)
	}
	for _, f := range in.Schema.Optional {
		fmt.Fprintf(&b, "- %s (%s)\n", f.Name, f.Type)
	}

	b.WriteString("\nPage content")
	if in.Document.Title != "" {
		fmt.Fprintf(&b, " (title: %q)", in.Document.Title)
	}
	b.WriteString(":\n<document>\n")
	b.WriteString(documentText(in.Document, in.Budget))
	b.WriteString("\n</document>\n")

	if in.Detail != nil {
		fmt.Fprintf(&b, "\nA linked event detail page (%s) looks like this. Use it to see which fields are only on detail pages:\n<detail>\n", in.Detail.URL)
		b.WriteString(documentText(in.Detail, detailChars))
		b.WriteString("\n</detail>\n")
	}

	switch fb := in.Feedback.(type) {
	case ErrorFeedback:
		b.WriteString("\nYour previous code failed with this error:\n")
		b.WriteString(fb.Text)
		b.WriteString("\n\nPrevious code:\n```javascript\n")
		b.WriteString(fb.Code)
		b.WriteString("\n```\nFix that specific defect and return the complete corrected function.\n")
	case ImprovementFeedback:
		b.WriteString("\nYour best code so far ran, and its output was evaluated:\n")
		b.WriteString(fb.Text)
		b.WriteString("\n\nBest code so far:\n```javascript\n")
		b.WriteString(fb.Code)
		b.WriteString("\n```\nImprove it to extract the missing fields and fix the issues above. Return the complete function.\n")
	case NoFeedback, nil:
	}
	return b.String()
}

// documentText prefers raw HTML so generated selectors match what the
// sandbox sees, falling back to reader text.
func documentText(doc *model.Document, budget int) string {
	text := doc.HTML
	if text == "" {
		text = doc.Markdown
	}
	text = compactHTML(text)
	if budget > 0 && len(text) > budget {
		text = cutUTF8(text, budget) + "\n[truncated]"
	}
	return text
}

var (
	scriptBlockRe = regexp.MustCompile(`(?is)<(script|style|noscript|svg)\b[^>]*>.*?</(script|style|noscript|svg)>`)
	commentRe     = regexp.MustCompile(`(?s)<!--.*?-->`)
	blankLinesRe  = regexp.MustCompile(`\n\s*\n+`)
)

// compactHTML drops markup that never holds extractable data. JSON-LD
// blocks are kept since they often carry the cleanest event data.
func compactHTML(s string) string {
	s = scriptBlockRe.ReplaceAllStringFunc(s, func(m string) string {
		if strings.Contains(strings.ToLower(m[:min(len(m), 80)]), "application/ld+json") {
			return m
		}
		return ""
	})
	s = commentRe.ReplaceAllString(s, "")
	return strings.TrimSpace(blankLinesRe.ReplaceAllString(s, "\n"))
}

var fenceRe = regexp.MustCompile("(?s)```[ \t]*([A-Za-z0-9_+-]*)[ \t]*\r?\n(.*?)```")

// ExtractCode strips markdown fences and language tags from a completion.
// With several fenced blocks, the one declaring fnName wins, then the
// longest.
func ExtractCode(text, fnName string) string {
	matches := fenceRe.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return stripOpenFence(strings.TrimSpace(text))
	}
	best := ""
	for _, m := range matches {
		body := strings.TrimSpace(m[2])
		if best == "" {
			best = body
			continue
		}
		bodyHas, bestHas := strings.Contains(body, fnName), strings.Contains(best, fnName)
		if (bodyHas && !bestHas) || (bodyHas == bestHas && len(body) > len(best)) {
			best = body
		}
	}
	return best
}

// stripOpenFence handles a completion truncated before its closing fence.
func stripOpenFence(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[i+1:])
	}
	return ""
}
