package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMatches(t *testing.T) {
	tests := []struct {
		name string
		text string
		term string
		want bool
	}{
		{"exact containment", "quero COMPRAR agora", "comprar", true},
		{"case insensitive term", "quero comprar agora", "COMPRAR", true},
		{"substring of longer word", "ofertando tudo", "oferta", true},
		{"no occurrence", "bom dia", "comprar", false},
		{"empty term never matches", "qualquer coisa", "", false},
		{"whitespace-only term never matches", "qualquer coisa", "   ", false},
		{"fuzzy accent substitution", "quero pagar a promocão", "promoção", true},
		{"fuzzy single typo", "ativar_descomto", "ativar_desconto", true},
		{"too different", "abcdefghij", "zzzzzzzzzz", false},
		{"text shorter than term", "oi", "palavra-gatilho", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Matches(tt.text, tt.term))
		})
	}
}

func TestFirstMatch(t *testing.T) {
	terms := []string{"pix_pagamento", "quero_oferta", "suporte"}

	assert.Equal(t, "quero_oferta", FirstMatch("cliente disse quero_oferta hoje", terms))
	assert.Equal(t, "", FirstMatch("mensagem neutra", terms))

	// order decides when several terms occur
	assert.Equal(t, "pix_pagamento", FirstMatch("pix_pagamento e suporte", terms))
}

func TestShouldReplace(t *testing.T) {
	tests := []struct {
		name string
		text string
		term string
		want bool
	}{
		{"bare mention", "Curso Premium", "Curso Premium", true},
		{"mention with punctuation", "Curso Premium!", "Curso Premium", true},
		{"mention dominates short reply", "O Curso Premium", "Curso Premium", true},
		{"mention is a small part", "Temos o Curso Premium ideal para voce", "Curso Premium", false},
		{"long reply never replaced", "Esse e o Curso Premium, perfeito para quem esta comecando agora", "Curso Premium", false},
		{"empty reply", "", "Curso Premium", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ShouldReplace(tt.text, tt.term))
		})
	}
}

func TestStripTerm(t *testing.T) {
	tests := []struct {
		name string
		text string
		term string
		want string
	}{
		{"single occurrence", "oi ativar_oferta tudo bem", "ativar_oferta", "oi tudo bem"},
		{"multiple occurrences", "x TERM y term z", "term", "x y z"},
		{"case preserved elsewhere", "Oi COMPRAR Tchau", "comprar", "Oi Tchau"},
		{"term absent", "mensagem limpa", "gatilho", "mensagem limpa"},
		{"empty term is a no-op", "mensagem limpa", "", "mensagem limpa"},
		{"collapses leftover whitespace", "a  b   gatilho   c", "gatilho", "a b c"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, StripTerm(tt.text, tt.term))
		})
	}
}
