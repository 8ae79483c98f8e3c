// Package safety statically checks generated extractor code before it is
// allowed anywhere near the sandbox.
package safety

import (
	"fmt"
	"strings"

	"github.com/sells-group/scrapegen/internal/model"
)

// Issue codes. Each denied capability has its own code so feedback to the
// model names the exact defect.
const (
	CodeSyntax          = "SYNTAX_ERROR"
	CodeDynamicEval     = "DYNAMIC_EVAL"
	CodeProcess         = "PROCESS_ACCESS"
	CodeFilesystem      = "FILESYSTEM_ACCESS"
	CodeChildProcess    = "CHILD_PROCESS"
	CodeNetworkClient   = "NETWORK_CLIENT"
	CodeStorage         = "STORAGE_ACCESS"
	CodeModuleImport    = "MODULE_IMPORT"
	CodeMissingFunction = "MISSING_FUNCTION"
	CodeWrongName       = "WRONG_FUNCTION_NAME"
	CodeWrongParams     = "WRONG_PARAMETERS"
	CodeMissingCleanup  = "MISSING_RESOURCE_CLEANUP"
	CodeMissingReturn   = "MISSING_RETURN"

	CodeDebugStatement = "DEBUG_STATEMENT"
	CodeLongWait       = "LONG_WAIT"
)

// Issue is one finding. Line is 1-based, 0 when unknown.
type Issue struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Line    int    `json:"line,omitempty"`
}

func (i Issue) String() string {
	if i.Line > 0 {
		return fmt.Sprintf("%s (line %d): %s", i.Code, i.Line, i.Message)
	}
	return fmt.Sprintf("%s: %s", i.Code, i.Message)
}

// Result is the outcome of validating one code sample. OK is true iff
// Errors is empty; Warnings never affect OK.
type Result struct {
	OK       bool    `json:"ok"`
	Errors   []Issue `json:"errors"`
	Warnings []Issue `json:"warnings"`
}

// HasError reports whether an error with the given code was found.
func (r Result) HasError(code string) bool {
	for _, e := range r.Errors {
		if e.Code == code {
			return true
		}
	}
	return false
}

// ErrorText renders the errors one per line, suitable as model feedback.
func (r Result) ErrorText() string {
	lines := make([]string, len(r.Errors))
	for i, e := range r.Errors {
		lines[i] = "- " + e.String()
	}
	return strings.Join(lines, "\n")
}

// Config tunes the warning thresholds.
type Config struct {
	// MaxWaitMs is the longest sleep/waitForTimeout not flagged. Default 10000.
	MaxWaitMs int
	// MaxTimeoutOptionMs is the largest `timeout:` option not flagged. Default 30000.
	MaxTimeoutOptionMs int
}

// Validator checks generated code against the deny-list and the structural
// contract for a task kind.
type Validator struct {
	cfg Config
}

// New creates a Validator, filling zero thresholds with defaults.
func New(cfg Config) *Validator {
	if cfg.MaxWaitMs <= 0 {
		cfg.MaxWaitMs = 10000
	}
	if cfg.MaxTimeoutOptionMs <= 0 {
		cfg.MaxTimeoutOptionMs = 30000
	}
	return &Validator{cfg: cfg}
}

// Validate runs the default validator.
func Validate(code string, kind model.TaskKind) Result {
	return New(Config{}).Validate(code, kind)
}

// Validate parses code, then applies the deny-list, the structural contract
// and the warning rules. A parse failure short-circuits with one error.
func (v *Validator) Validate(code string, kind model.TaskKind) Result {
	res := Result{Errors: []Issue{}, Warnings: []Issue{}}

	prog, err := parse(code)
	if err != nil {
		res.Errors = append(res.Errors, *err)
		return res
	}

	src := maskComments(code)
	res.Errors = append(res.Errors, scanDenied(src)...)
	res.Errors = append(res.Errors, checkStructure(prog, src, kind)...)
	res.Warnings = append(res.Warnings, v.scanWarnings(src)...)
	res.OK = len(res.Errors) == 0
	return res
}
