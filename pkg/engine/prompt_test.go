package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vkultra/mitski/pkg/llm"
	"github.com/vkultra/mitski/pkg/store"
)

func TestBuildMessages(t *testing.T) {
	phase := &store.Phase{Prompt: "Você está na fase de abertura."}
	actions := []*store.Action{
		{ID: 1, Name: "enviar_preview", TrackUsage: true},
		{ID: 2, Name: "sem_rastreio", TrackUsage: false},
		{ID: 3, Name: "liberar_bonus", TrackUsage: true},
	}
	statuses := map[int64]string{3: store.ActionStatusActivated}
	history := []store.HistoryEntry{
		{Role: "user", Content: "oi"},
		{Role: "assistant", Content: "olá!"},
	}

	msgs := BuildMessages("Prompt geral.", phase, actions, statuses, history, "quanto custa?")

	require.Len(t, msgs, 4)
	assert.Equal(t, "system", msgs[0].Role)
	assert.Contains(t, msgs[0].Content, "Prompt geral.")
	assert.Contains(t, msgs[0].Content, "fase de abertura")
	assert.Contains(t, msgs[0].Content, "enviar_preview: INACTIVE")
	assert.Contains(t, msgs[0].Content, "liberar_bonus: ACTIVATED")
	assert.NotContains(t, msgs[0].Content, "sem_rastreio")

	assert.Equal(t, llm.Message{Role: "user", Content: "oi"}, msgs[1])
	assert.Equal(t, llm.Message{Role: "assistant", Content: "olá!"}, msgs[2])
	assert.Equal(t, llm.Message{Role: "user", Content: "quanto custa?"}, msgs[3])
}

func TestBuildMessagesWithoutPhaseOrActions(t *testing.T) {
	msgs := BuildMessages("Prompt geral.", nil, nil, nil, nil, "oi")
	require.Len(t, msgs, 2)
	assert.Equal(t, "Prompt geral.", msgs[0].Content)
	assert.Equal(t, "oi", msgs[1].Content)
}

func TestPromptChars(t *testing.T) {
	msgs := []llm.Message{
		{Role: "system", Content: "abcd"},
		{Role: "user", Content: "ef"},
	}
	assert.Equal(t, 6, PromptChars(msgs))
	assert.Equal(t, 0, PromptChars(nil))
}

func TestSplitReply(t *testing.T) {
	tests := []struct {
		name  string
		reply string
		want  []string
	}{
		{"no separator", "uma mensagem só", []string{"uma mensagem só"}},
		{"two fragments", "primeira | segunda", []string{"primeira", "segunda"}},
		{"empty fragments dropped", "a || b |", []string{"a", "b"}},
		{"only separators", "|||", []string{}},
		{"whitespace trimmed", "  a  |  b  ", []string{"a", "b"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SplitReply(tt.reply))
		})
	}
}
