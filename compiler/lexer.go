package compiler

import (
	"strconv"
	"unicode"
	"unicode/utf8"
)

// ---------------------------------------------------------------------------
// Lexer: Tokenizer for assembler listings
// ---------------------------------------------------------------------------

// Lexer tokenizes assembler source. Newlines are significant: every
// instruction, label and directive ends at one.
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
	l := &Lexer{
		input: input,
		line:  1,
	}
	l.readChar()
	return l
}

// readChar reads the next character.
func (l *Lexer) readChar() {
	if l.ch == '\n' {
		l.line++
		l.col = 0
	}
	if l.readPos >= len(l.input) {
		l.ch = 0 // EOF
		l.pos = l.readPos
		l.col++
		return
	}
	r, size := utf8.DecodeRuneInString(l.input[l.readPos:])
	l.ch = r
	l.pos = l.readPos
	l.readPos += size
	l.col++
}

// peekChar returns the next character without consuming it.
func (l *Lexer) peekChar() rune {
	if l.readPos >= len(l.input) {
		return 0
	}
	r, _ := utf8.DecodeRuneInString(l.input[l.readPos:])
	return r
}

func (l *Lexer) position() Position {
	return Position{Offset: l.pos, Line: l.line, Column: l.col}
}

// NextToken returns the next token.
func (l *Lexer) NextToken() Token {
	l.skipBlanksAndComments()

	pos := l.position()

	switch {
	case l.ch == 0:
		return Token{Type: TokenEOF, Pos: pos}

	case l.ch == '\n':
		l.readChar()
		return Token{Type: TokenNewline, Literal: "\n", Pos: pos}

	case l.ch == '(':
		l.readChar()
		return Token{Type: TokenLParen, Literal: "(", Pos: pos}

	case l.ch == ')':
		l.readChar()
		return Token{Type: TokenRParen, Literal: ")", Pos: pos}

	case l.ch == ',':
		l.readChar()
		return Token{Type: TokenComma, Literal: ",", Pos: pos}

	case l.ch == ':':
		l.readChar()
		return Token{Type: TokenColon, Literal: ":", Pos: pos}

	case l.ch == '"':
		return l.readString(pos)

	case isDigit(l.ch):
		return l.readNumber(pos)

	case (l.ch == '-' || l.ch == '+') && (isDigit(l.peekChar()) || l.peekChar() == '.'):
		return l.readNumber(pos)

	case isLetter(l.ch) || l.ch == '_' || l.ch == '$':
		return l.readIdentifier(pos)
	}

	ch := l.ch
	l.readChar()
	return Token{Type: TokenError, Literal: "unexpected character " + strconv.QuoteRune(ch), Pos: pos}
}

// skipBlanksAndComments skips spaces, tabs, carriage returns and
// comments. A comment runs from ';' or '#' to the end of the line.
func (l *Lexer) skipBlanksAndComments() {
	for {
		switch l.ch {
		case ' ', '\t', '\r':
			l.readChar()
		case ';', '#':
			for l.ch != '\n' && l.ch != 0 {
				l.readChar()
			}
		default:
			return
		}
	}
}

// readString reads a double-quoted string with Go escapes.
func (l *Lexer) readString(pos Position) Token {
	start := l.pos
	l.readChar() // consume opening "
	for l.ch != '"' {
		switch l.ch {
		case 0, '\n':
			return Token{Type: TokenError, Literal: "unterminated string", Pos: pos}
		case '\\':
			l.readChar()
		}
		l.readChar()
	}
	l.readChar() // consume closing "

	s, err := strconv.Unquote(l.input[start:l.pos])
	if err != nil {
		return Token{Type: TokenError, Literal: "bad string literal: " + err.Error(), Pos: pos}
	}
	return Token{Type: TokenString, Literal: s, Pos: pos}
}

// readNumber reads a number literal. Validation is left to the assembler,
// which parses it with strconv.
func (l *Lexer) readNumber(pos Position) Token {
	start := l.pos
	if l.ch == '-' || l.ch == '+' {
		l.readChar()
	}
	for isDigit(l.ch) || isLetter(l.ch) || l.ch == '.' || l.ch == '_' ||
		((l.ch == '-' || l.ch == '+') && (l.input[l.pos-1] == 'e' || l.input[l.pos-1] == 'E')) {
		l.readChar()
	}
	return Token{Type: TokenNumber, Literal: l.input[start:l.pos], Pos: pos}
}

func (l *Lexer) readIdentifier(pos Position) Token {
	start := l.pos
	for isLetter(l.ch) || isDigit(l.ch) || l.ch == '_' || l.ch == '$' || l.ch == '.' {
		l.readChar()
	}
	return Token{Type: TokenIdentifier, Literal: l.input[start:l.pos], Pos: pos}
}

// Helper functions

func isLetter(r rune) bool {
	return unicode.IsLetter(r)
}

func isDigit(r rune) bool {
	return r >= '0' && r <= '9'
}

// Tokenize returns all tokens from the input.
func Tokenize(input string) []Token {
	l := NewLexer(input)
	var tokens []Token
	for {
		tok := l.NextToken()
		tokens = append(tokens, tok)
		if tok.Type == TokenEOF || tok.Type == TokenError {
			break
		}
	}
	return tokens
}
