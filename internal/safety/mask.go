package safety

// maskComments blanks out // and /* */ comments while keeping byte offsets
// and newlines intact, so pattern matches map back to source lines and
// commented-out code is not flagged. String and template literals are left
// alone. Regex literals are not recognised; a quote inside one can throw
// the scanner off until the next matching quote.
func maskComments(src string) string {
	out := []byte(src)
	const (
		code = iota
		lineComment
		blockComment
		quoted
	)
	state := code
	var quote byte
	for i := 0; i < len(out); i++ {
		c := out[i]
		switch state {
		case code:
			switch {
			case c == '\'' || c == '"' || c == '`':
				state, quote = quoted, c
			case c == '/' && i+1 < len(out) && out[i+1] == '/':
				state = lineComment
				out[i], out[i+1] = ' ', ' '
				i++
			case c == '/' && i+1 < len(out) && out[i+1] == '*':
				state = blockComment
				out[i], out[i+1] = ' ', ' '
				i++
			}
		case quoted:
			if c == '\\' {
				i++
			} else if c == quote {
				state = code
			}
		case lineComment:
			if c == '\n' {
				state = code
			} else {
				out[i] = ' '
			}
		case blockComment:
			if c == '*' && i+1 < len(out) && out[i+1] == '/' {
				out[i], out[i+1] = ' ', ' '
				i++
				state = code
			} else if c != '\n' {
				out[i] = ' '
			}
		}
	}
	return string(out)
}
