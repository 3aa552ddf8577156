package whisper

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vkultra/mitski/pkg/faults"
)

func testClient(url string) *Client {
	return New(Config{
		APIKey:       "wk-test",
		BaseURL:      url,
		Model:        "whisper-1",
		Timeout:      2 * time.Second,
		FailMax:      100,
		BreakerReset: time.Minute,
	})
}

func TestTranscribe(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/audio/transcriptions", r.URL.Path)
		require.Equal(t, "Bearer wk-test", r.Header.Get("Authorization"))

		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "whisper-1", r.FormValue("model"))
		assert.Equal(t, "json", r.FormValue("response_format"))

		file, header, err := r.FormFile("file")
		require.NoError(t, err)
		defer file.Close()
		assert.Equal(t, "voice.ogg", header.Filename)
		data, err := io.ReadAll(file)
		require.NoError(t, err)
		assert.Equal(t, []byte("fake-ogg-bytes"), data)

		_ = json.NewEncoder(w).Encode(map[string]string{"text": "oi, quero comprar"})
	}))
	defer server.Close()

	text, err := testClient(server.URL).Transcribe(context.Background(), []byte("fake-ogg-bytes"), "voice.ogg")
	require.NoError(t, err)
	assert.Equal(t, "oi, quero comprar", text)
}

func TestTranscribeClassifiesFailures(t *testing.T) {
	tests := []struct {
		name     string
		code     int
		wantKind faults.Kind
	}{
		{"bad key", http.StatusUnauthorized, faults.KindAuth},
		{"rate limited", http.StatusTooManyRequests, faults.KindRateLimited},
		{"server error", http.StatusInternalServerError, faults.KindTransient},
		{"unsupported media", http.StatusUnsupportedMediaType, faults.KindPermanent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.code)
			}))
			defer server.Close()

			_, err := testClient(server.URL).Transcribe(context.Background(), []byte("x"), "voice.ogg")
			require.Error(t, err)
			assert.Equal(t, tt.wantKind, faults.KindOf(err))
		})
	}
}

func TestTranscribeRejectsBadJSON(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("not json"))
	}))
	defer server.Close()

	_, err := testClient(server.URL).Transcribe(context.Background(), []byte("x"), "voice.ogg")
	assert.Error(t, err)
}
