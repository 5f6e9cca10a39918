package traceparse

import (
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"
)

// ---------------------------------------------------------------------------
// Lexer: tokenizer for the textual trace format
// ---------------------------------------------------------------------------

// Lexer tokenizes trace text. Newlines are significant and reported as
// TokenNewline; '#' starts a comment running to the end of the line.
type Lexer struct {
	input   string
	pos     int  // current position in input
	readPos int  // reading position (after current char)
	ch      rune // current character
	line    int  // current line (1-based)
	col     int  // current column (1-based)
}

// NewLexer creates a new lexer for the given input.
func NewLexer(input string) *Lexer {
	l := &Lexer{input: input, line: 1}
	l.readChar()
	return l
}

func (l *Lexer) readChar() {
	if l.readPos >= len(l.input) {
		l.ch = 0
		l.pos = l.readPos
		return
	}
	r, size := utf8.DecodeRuneInString(l.input[l.readPos:])
	if l.ch == '\n' {
		l.line++
		l.col = 0
	}
	l.ch = r
	l.pos = l.readPos
	l.readPos += size
	l.col++
}

func (l *Lexer) peekChar() rune {
	if l.readPos >= len(l.input) {
		return 0
	}
	r, _ := utf8.DecodeRuneInString(l.input[l.readPos:])
	return r
}

func (l *Lexer) position() Position {
	return Position{Line: l.line, Column: l.col}
}

func (l *Lexer) skipBlanks() {
	for {
		switch {
		case l.ch == ' ' || l.ch == '\t' || l.ch == '\r':
			l.readChar()
		case l.ch == '#':
			for l.ch != '\n' && l.ch != 0 {
				l.readChar()
			}
		default:
			return
		}
	}
}

// NextToken returns the next token.
func (l *Lexer) NextToken() Token {
	l.skipBlanks()
	pos := l.position()

	single := func(t TokenType) Token {
		lit := string(l.ch)
		l.readChar()
		return Token{Type: t, Literal: lit, Pos: pos}
	}

	switch {
	case l.ch == 0:
		return Token{Type: TokenEOF, Pos: pos}
	case l.ch == '\n':
		return single(TokenNewline)
	case l.ch == '(':
		return single(TokenLParen)
	case l.ch == ')':
		return single(TokenRParen)
	case l.ch == '[':
		return single(TokenLBracket)
	case l.ch == ']':
		return single(TokenRBracket)
	case l.ch == '{':
		return single(TokenLBrace)
	case l.ch == '}':
		return single(TokenRBrace)
	case l.ch == ',':
		return single(TokenComma)
	case l.ch == '=':
		return single(TokenAssign)
	case l.ch == ':':
		return single(TokenColon)
	case l.ch == '|':
		return single(TokenBar)
	case l.ch == '-' && l.peekChar() == '>':
		l.readChar()
		l.readChar()
		return Token{Type: TokenArrow, Literal: "->", Pos: pos}
	case (l.ch == 's' || l.ch == 'u') && l.peekChar() == '"':
		return l.readString(pos)
	case (l.ch == '-' || l.ch == '+') && l.peekChar() == 'I':
		sign := string(l.ch)
		l.readChar()
		id := l.readIdentifier()
		if id != "Inf" {
			return Token{Type: TokenError, Literal: sign + id, Pos: pos}
		}
		return Token{Type: TokenFloat, Literal: sign + id, Pos: pos}
	case unicode.IsDigit(l.ch) || (l.ch == '-' && unicode.IsDigit(l.peekChar())):
		return l.readNumber(pos)
	case isIdentStart(l.ch):
		id := l.readIdentifier()
		if id == "NaN" || id == "Inf" {
			return Token{Type: TokenFloat, Literal: id, Pos: pos}
		}
		return Token{Type: TokenIdentifier, Literal: id, Pos: pos}
	}
	return single(TokenError)
}

func isIdentStart(r rune) bool { return r == '_' || unicode.IsLetter(r) }

func isIdentPart(r rune) bool {
	return r == '_' || r == '.' || unicode.IsLetter(r) || unicode.IsDigit(r)
}

func (l *Lexer) readIdentifier() string {
	start := l.pos
	for isIdentPart(l.ch) || (l.ch == '-' && unicode.IsLetter(l.peekChar())) {
		l.readChar()
	}
	return l.input[start:l.pos]
}

func (l *Lexer) readNumber(pos Position) Token {
	start := l.pos
	if l.ch == '-' {
		l.readChar()
	}
	if l.ch == '0' && (l.peekChar() == 'x' || l.peekChar() == 'X') {
		l.readChar()
		l.readChar()
		for unicode.Is(unicode.ASCII_Hex_Digit, l.ch) {
			l.readChar()
		}
		return Token{Type: TokenInteger, Literal: l.input[start:l.pos], Pos: pos}
	}
	typ := TokenInteger
	for unicode.IsDigit(l.ch) {
		l.readChar()
	}
	if l.ch == '.' && unicode.IsDigit(l.peekChar()) {
		typ = TokenFloat
		l.readChar()
		for unicode.IsDigit(l.ch) {
			l.readChar()
		}
	}
	if l.ch == 'e' || l.ch == 'E' {
		next := l.peekChar()
		if unicode.IsDigit(next) || next == '+' || next == '-' {
			typ = TokenFloat
			l.readChar()
			l.readChar()
			for unicode.IsDigit(l.ch) {
				l.readChar()
			}
		}
	}
	return Token{Type: typ, Literal: l.input[start:l.pos], Pos: pos}
}

// readString reads a prefixed Go-quoted string literal; the token literal
// is the unquoted text.
func (l *Lexer) readString(pos Position) Token {
	typ := TokenStr
	if l.ch == 'u' {
		typ = TokenUnicode
	}
	l.readChar()
	start := l.pos
	l.readChar()
	for l.ch != '"' {
		if l.ch == 0 || l.ch == '\n' {
			return Token{Type: TokenError, Literal: "unterminated string", Pos: pos}
		}
		if l.ch == '\\' {
			l.readChar()
		}
		l.readChar()
	}
	l.readChar()
	quoted := l.input[start:l.pos]
	s, err := strconv.Unquote(quoted)
	if err != nil {
		return Token{Type: TokenError, Literal: "bad string " + quoted, Pos: pos}
	}
	return Token{Type: typ, Literal: s, Pos: pos}
}

// Tokenize returns every token of input up to and including EOF.
func Tokenize(input string) []Token {
	l := NewLexer(input)
	var toks []Token
	for {
		t := l.NextToken()
		toks = append(toks, t)
		if t.Type == TokenEOF {
			return toks
		}
	}
}

// isBoxName reports whether name looks like a box: a kind prefix followed
// by a digit or nothing else.
func isBoxName(name string) bool {
	if name == "" || !strings.ContainsRune("iprf", rune(name[0])) {
		return false
	}
	for _, r := range name[1:] {
		if !unicode.IsDigit(r) && r != '_' {
			return false
		}
	}
	return len(name) > 1
}
