package traceparse

import "fmt"

// ---------------------------------------------------------------------------
// Token types for the trace lexer
// ---------------------------------------------------------------------------

// TokenType represents the type of a token.
type TokenType int

const (
	// Special tokens
	TokenEOF TokenType = iota
	TokenError
	TokenNewline

	// Literals
	TokenInteger    // 42, -7, 0xff
	TokenFloat      // 1.5, -2.0, 1e+20, NaN, -Inf
	TokenStr        // s"abc"
	TokenUnicode    // u"abc"
	TokenIdentifier // i0, int_add, Node.value, elidable-or-memoryerror

	// Delimiters
	TokenLParen   // (
	TokenRParen   // )
	TokenLBracket // [
	TokenRBracket // ]
	TokenLBrace   // {
	TokenRBrace   // }
	TokenComma    // ,
	TokenAssign   // =
	TokenColon    // :
	TokenArrow    // ->
	TokenBar      // |
)

var tokenNames = map[TokenType]string{
	TokenEOF:        "EOF",
	TokenError:      "ERROR",
	TokenNewline:    "NEWLINE",
	TokenInteger:    "INTEGER",
	TokenFloat:      "FLOAT",
	TokenStr:        "STR",
	TokenUnicode:    "UNICODE",
	TokenIdentifier: "IDENTIFIER",
	TokenLParen:     "(",
	TokenRParen:     ")",
	TokenLBracket:   "[",
	TokenRBracket:   "]",
	TokenLBrace:     "{",
	TokenRBrace:     "}",
	TokenComma:      ",",
	TokenAssign:     "=",
	TokenColon:      ":",
	TokenArrow:      "->",
	TokenBar:        "|",
}

func (t TokenType) String() string {
	if name, ok := tokenNames[t]; ok {
		return name
	}
	return fmt.Sprintf("TokenType(%d)", t)
}

// Position is a location in the source text.
type Position struct {
	Line   int
	Column int
}

func (p Position) String() string {
	return fmt.Sprintf("%d:%d", p.Line, p.Column)
}

// Token is a lexical token.
type Token struct {
	Type    TokenType
	Literal string
	Pos     Position
}

func (t Token) String() string {
	if t.Literal == "" {
		return t.Type.String()
	}
	return fmt.Sprintf("%s(%q)", t.Type, t.Literal)
}
