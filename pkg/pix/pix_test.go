package pix

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vkultra/mitski/pkg/faults"
	"github.com/vkultra/mitski/pkg/store"
)

func testClient(url string) *Client {
	return New(url, 2*time.Second, 100, time.Minute)
}

func TestCreateCharge(t *testing.T) {
	var gotAuth string
	var gotBody map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/pix/cashIn", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":             "9C1A2B3C-0000",
			"qr_code":        "00020126pix-copy-paste",
			"qr_code_base64": "aW1n",
			"status":         "created",
		})
	}))
	defer server.Close()

	charge, err := testClient(server.URL).CreateCharge(context.Background(), "tok-123", 2500, "https://x/webhook/pix")
	require.NoError(t, err)

	assert.Equal(t, "Bearer tok-123", gotAuth)
	assert.EqualValues(t, 2500, gotBody["value"])
	assert.Equal(t, "https://x/webhook/pix", gotBody["webhook_url"])

	assert.Equal(t, "9C1A2B3C-0000", charge.ExternalID)
	assert.Equal(t, "00020126pix-copy-paste", charge.QRCode)
	assert.Equal(t, store.PixPending, charge.Status)
}

func TestCreateChargeIncompleteResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "created"})
	}))
	defer server.Close()

	_, err := testClient(server.URL).CreateCharge(context.Background(), "tok", 100, "https://x")
	require.Error(t, err)
	assert.Equal(t, faults.KindPermanent, faults.KindOf(err))
}

func TestGetStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/transactions/ext-1", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "approved"})
	}))
	defer server.Close()

	status, err := testClient(server.URL).GetStatus(context.Background(), "tok", "ext-1")
	require.NoError(t, err)
	assert.Equal(t, store.PixPaid, status)
}

func TestDoClassifiesHTTPFailures(t *testing.T) {
	tests := []struct {
		name     string
		code     int
		wantKind faults.Kind
	}{
		{"unauthorized", http.StatusUnauthorized, faults.KindAuth},
		{"forbidden", http.StatusForbidden, faults.KindAuth},
		{"rate limited", http.StatusTooManyRequests, faults.KindRateLimited},
		{"server error", http.StatusBadGateway, faults.KindTransient},
		{"other 4xx", http.StatusUnprocessableEntity, faults.KindPermanent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.code)
			}))
			defer server.Close()

			_, err := testClient(server.URL).GetStatus(context.Background(), "tok", "x")
			require.Error(t, err)
			assert.Equal(t, tt.wantKind, faults.KindOf(err))
		})
	}
}

func TestNormalizeStatus(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"paid", store.PixPaid},
		{"APPROVED", store.PixPaid},
		{"completed", store.PixPaid},
		{"created", store.PixPending},
		{"pending", store.PixPending},
		{"waiting_payment", store.PixPending},
		{"expired", store.PixExpired},
		{"canceled", store.PixExpired},
		{"cancelled", store.PixExpired},
		{"weird", store.PixFailed},
		{"", store.PixFailed},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizeStatus(tt.in), tt.in)
	}
}

func TestParseWebhook(t *testing.T) {
	ev, err := ParseWebhook([]byte(`{"id":"abc","status":"paid"}`))
	require.NoError(t, err)
	assert.Equal(t, "abc", ev.ID)

	_, err = ParseWebhook([]byte(`{"status":"paid"}`))
	assert.Equal(t, faults.KindValidation, faults.KindOf(err))

	_, err = ParseWebhook([]byte(`not json`))
	assert.Equal(t, faults.KindValidation, faults.KindOf(err))
}
