package safety

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/dop251/goja/ast"
	"github.com/dop251/goja/parser"

	"github.com/sells-group/scrapegen/internal/model"
)

// parse is the syntax-only check. Only the first parser error is reported.
func parse(code string) (*ast.Program, *Issue) {
	if strings.TrimSpace(code) == "" {
		return nil, &Issue{Code: CodeSyntax, Message: "code is empty"}
	}
	prog, err := parser.ParseFile(nil, "extractor.js", code, 0)
	if err == nil {
		return prog, nil
	}

	issue := &Issue{Code: CodeSyntax, Message: err.Error()}
	var list parser.ErrorList
	if errors.As(err, &list) && len(list) > 0 {
		issue.Message = list[0].Message
		issue.Line = list[0].Position.Line
	}
	return nil, issue
}

type function struct {
	name    string
	params  []string
	returns bool
}

// topLevelFunctions lists function declarations and function-valued
// const/let/var bindings at program scope.
func topLevelFunctions(prog *ast.Program) []function {
	var out []function
	for _, stmt := range prog.Body {
		switch s := stmt.(type) {
		case *ast.FunctionDeclaration:
			if s.Function != nil && s.Function.Name != nil {
				out = append(out, function{
					name:    string(s.Function.Name.Name),
					params:  paramNames(s.Function.ParameterList),
					returns: hasReturn(s.Function.Body),
				})
			}
		case *ast.VariableStatement:
			out = append(out, boundFunctions(s.List)...)
		case *ast.LexicalDeclaration:
			out = append(out, boundFunctions(s.List)...)
		}
	}
	return out
}

func boundFunctions(list []*ast.Binding) []function {
	var out []function
	for _, b := range list {
		id, ok := b.Target.(*ast.Identifier)
		if !ok {
			continue
		}
		switch fn := b.Initializer.(type) {
		case *ast.FunctionLiteral:
			out = append(out, function{
				name:    string(id.Name),
				params:  paramNames(fn.ParameterList),
				returns: hasReturn(fn.Body),
			})
		case *ast.ArrowFunctionLiteral:
			returns := true
			if body, ok := fn.Body.(*ast.BlockStatement); ok {
				returns = hasReturn(body)
			}
			out = append(out, function{
				name:    string(id.Name),
				params:  paramNames(fn.ParameterList),
				returns: returns,
			})
		}
	}
	return out
}

// hasReturn reports whether stmt contains a return statement of its own.
// Nested functions are not entered, so a helper's return does not count.
func hasReturn(stmt ast.Statement) bool {
	switch s := stmt.(type) {
	case *ast.ReturnStatement:
		return true
	case *ast.BlockStatement:
		if s == nil {
			return false
		}
		for _, child := range s.List {
			if hasReturn(child) {
				return true
			}
		}
	case *ast.IfStatement:
		return hasReturn(s.Consequent) || hasReturn(s.Alternate)
	case *ast.TryStatement:
		if hasReturn(s.Body) || hasReturn(s.Finally) {
			return true
		}
		return s.Catch != nil && hasReturn(s.Catch.Body)
	case *ast.ForStatement:
		return hasReturn(s.Body)
	case *ast.ForInStatement:
		return hasReturn(s.Body)
	case *ast.ForOfStatement:
		return hasReturn(s.Body)
	case *ast.WhileStatement:
		return hasReturn(s.Body)
	case *ast.DoWhileStatement:
		return hasReturn(s.Body)
	case *ast.LabelledStatement:
		return hasReturn(s.Statement)
	case *ast.WithStatement:
		return hasReturn(s.Body)
	case *ast.SwitchStatement:
		for _, c := range s.Body {
			for _, child := range c.Consequent {
				if hasReturn(child) {
					return true
				}
			}
		}
	}
	return false
}

func paramNames(pl *ast.ParameterList) []string {
	if pl == nil {
		return nil
	}
	names := make([]string, 0, len(pl.List)+1)
	for _, b := range pl.List {
		if id, ok := b.Target.(*ast.Identifier); ok {
			names = append(names, string(id.Name))
		} else {
			names = append(names, "<pattern>")
		}
	}
	if pl.Rest != nil {
		names = append(names, "<rest>")
	}
	return names
}

var (
	newPagePattern = regexp.MustCompile(`\.\s*newPage\s*\(`)
	finallyPattern = regexp.MustCompile(`\bfinally\s*\{`)
	closePattern   = regexp.MustCompile(`\.\s*close\s*\(`)
)

// checkStructure enforces the naming, signature, cleanup and return rules
// for the task kind. src is the comment-masked source.
func checkStructure(prog *ast.Program, src string, kind model.TaskKind) []Issue {
	var issues []Issue
	wantName := kind.FunctionName()
	wantParams := kind.Parameters()

	fns := topLevelFunctions(prog)
	var target *function
	for i := range fns {
		if fns[i].name == wantName {
			target = &fns[i]
			break
		}
	}

	switch {
	case target == nil && len(fns) > 0:
		found := make([]string, len(fns))
		for i, f := range fns {
			found[i] = f.name
		}
		issues = append(issues, Issue{
			Code:    CodeWrongName,
			Message: fmt.Sprintf("function must be named %s, found %s", wantName, strings.Join(found, ", ")),
		})
	case target == nil:
		issues = append(issues, Issue{
			Code:    CodeMissingFunction,
			Message: fmt.Sprintf("no top-level function named %s", wantName),
		})
	case !equalStrings(target.params, wantParams):
		issues = append(issues, Issue{
			Code: CodeWrongParams,
			Message: fmt.Sprintf("%s must take (%s), found (%s)",
				wantName, strings.Join(wantParams, ", "), strings.Join(target.params, ", ")),
		})
	}

	if newPagePattern.MatchString(src) && !closesInFinally(src) {
		issues = append(issues, Issue{
			Code:    CodeMissingCleanup,
			Message: "pages opened with browser.newPage() must be closed in a finally block",
			Line:    lineOf(src, newPagePattern.FindStringIndex(src)[0]),
		})
	}

	if target != nil && !target.returns {
		issues = append(issues, Issue{
			Code:    CodeMissingReturn,
			Message: "the function must return the extracted data",
		})
	}
	return issues
}

// closesInFinally reports whether any finally block calls .close().
func closesInFinally(src string) bool {
	for _, loc := range finallyPattern.FindAllStringIndex(src, -1) {
		body := braceBlock(src, loc[1]-1)
		if closePattern.MatchString(body) {
			return true
		}
	}
	return false
}

// braceBlock returns the text of the brace-balanced block whose opening
// brace is at src[open]. Strings are skipped.
func braceBlock(src string, open int) string {
	depth := 0
	var quote byte
	for i := open; i < len(src); i++ {
		c := src[i]
		if quote != 0 {
			if c == '\\' {
				i++
			} else if c == quote {
				quote = 0
			}
			continue
		}
		switch c {
		case '\'', '"', '`':
			quote = c
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return src[open : i+1]
			}
		}
	}
	return src[open:]
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
