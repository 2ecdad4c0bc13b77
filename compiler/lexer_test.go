package compiler

import (
	"testing"
)

func TestLexerBasicTokens(t *testing.T) {
	input := "( ) , :\n"
	expected := []struct {
		typ TokenType
		lit string
	}{
		{TokenLParen, "("},
		{TokenRParen, ")"},
		{TokenComma, ","},
		{TokenColon, ":"},
		{TokenNewline, "\n"},
		{TokenEOF, ""},
	}

	l := NewLexer(input)
	for i, exp := range expected {
		tok := l.NextToken()
		if tok.Type != exp.typ {
			t.Errorf("token[%d] type = %v, want %v", i, tok.Type, exp.typ)
		}
		if tok.Literal != exp.lit {
			t.Errorf("token[%d] literal = %q, want %q", i, tok.Literal, exp.lit)
		}
	}
}

func TestLexerNumbers(t *testing.T) {
	tests := []string{"42", "0", "-123", "3.14", "-2.5", "1e10", "1.5e-3", "2.0E+5", "0x1F", "+7"}

	for _, input := range tests {
		l := NewLexer(input)
		tok := l.NextToken()
		if tok.Type != TokenNumber {
			t.Errorf("Lexer(%q): type = %v, want NUMBER", input, tok.Type)
		}
		if tok.Literal != input {
			t.Errorf("Lexer(%q): literal = %q", input, tok.Literal)
		}
		if next := l.NextToken(); next.Type != TokenEOF {
			t.Errorf("Lexer(%q): trailing %s", input, next)
		}
	}
}

func TestLexerStrings(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{`"hello"`, "hello"},
		{`"hello world"`, "hello world"},
		{`""`, ""},
		{`"say \"hi\""`, `say "hi"`},
		{`"tab\there"`, "tab\there"},
		{`"4294967296"`, "4294967296"},
	}

	for _, tc := range tests {
		l := NewLexer(tc.input)
		tok := l.NextToken()
		if tok.Type != TokenString {
			t.Errorf("Lexer(%q): type = %v, want STRING", tc.input, tok.Type)
		}
		if tok.Literal != tc.want {
			t.Errorf("Lexer(%q): literal = %q, want %q", tc.input, tok.Literal, tc.want)
		}
	}
}

func TestLexerBadStrings(t *testing.T) {
	for _, input := range []string{`"open`, "\"line\nbreak\"", `"\q"`} {
		tok := NewLexer(input).NextToken()
		if tok.Type != TokenError {
			t.Errorf("Lexer(%q): type = %v, want ERROR", input, tok.Type)
		}
	}
}

func TestLexerIdentifiers(t *testing.T) {
	tests := []string{"load_arg", "x", "_tmp", "loop2", "$result", "Math.sqrt"}

	for _, input := range tests {
		tok := NewLexer(input).NextToken()
		if tok.Type != TokenIdentifier || tok.Literal != input {
			t.Errorf("Lexer(%q) = %s, want IDENTIFIER", input, tok)
		}
	}
}

func TestLexerComments(t *testing.T) {
	input := "; leading comment\npop # trailing\n"
	want := []TokenType{TokenNewline, TokenIdentifier, TokenNewline, TokenEOF}

	l := NewLexer(input)
	for i, typ := range want {
		if tok := l.NextToken(); tok.Type != typ {
			t.Errorf("token[%d] = %s, want %v", i, tok, typ)
		}
	}
}

func TestLexerUnexpectedCharacter(t *testing.T) {
	tok := NewLexer("@").NextToken()
	if tok.Type != TokenError {
		t.Errorf("type = %v, want ERROR", tok.Type)
	}
}

func TestLexerLineTracking(t *testing.T) {
	input := "func f()\n    push 1\n"
	tokens := Tokenize(input)

	// func f ( ) NEWLINE push 1 NEWLINE EOF
	if len(tokens) != 9 {
		t.Fatalf("got %d tokens: %v", len(tokens), tokens)
	}
	push := tokens[5]
	if push.Literal != "push" || push.Pos.Line != 2 || push.Pos.Column != 5 {
		t.Errorf("push at %s, want 2:5", push.Pos)
	}
	if one := tokens[6]; one.Pos.Line != 2 || one.Pos.Column != 10 {
		t.Errorf("1 at %s, want 2:10", one.Pos)
	}
	if tokens[0].Pos.Line != 1 || tokens[0].Pos.Column != 1 {
		t.Errorf("func at %s, want 1:1", tokens[0].Pos)
	}
}

func TestTokenizeStopsAtError(t *testing.T) {
	tokens := Tokenize("push @ 1")
	last := tokens[len(tokens)-1]
	if last.Type != TokenError || len(tokens) != 2 {
		t.Errorf("Tokenize = %v", tokens)
	}
}
