package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAdminRoutesRequireIdentity(t *testing.T) {
	srv, _ := testServer(t)
	router := srv.Router()

	routes := []struct {
		method string
		path   string
	}{
		{http.MethodGet, "/admin/ledger"},
		{http.MethodPost, "/admin/balance/recompute"},
		{http.MethodPut, "/admin/bots/1/ai-config"},
		{http.MethodPut, "/admin/bots/1/active"},
		{http.MethodPost, "/admin/bots/1/offers"},
		{http.MethodGet, "/admin/bots/1/offers/2"},
		{http.MethodPost, "/admin/bots/1/actions"},
		{http.MethodPut, "/admin/bots/1/upsells"},
		{http.MethodPut, "/admin/bots/1/phases"},
		{http.MethodDelete, "/admin/bots/1/phases/3"},
		{http.MethodPost, "/admin/bots/1/blocks"},
		{http.MethodGet, "/admin/bots/1/blocks"},
		{http.MethodPut, "/admin/bots/1/blocks/4"},
		{http.MethodDelete, "/admin/bots/1/blocks/4"},
		{http.MethodPost, "/admin/bots/1/start-template/bump"},
		{http.MethodPut, "/admin/bots/1/recovery"},
		{http.MethodPut, "/admin/bots/1/antispam"},
		{http.MethodGet, "/admin/bots/1/sessions/42"},
	}
	for _, rt := range routes {
		t.Run(rt.method+" "+rt.path, func(t *testing.T) {
			req := httptest.NewRequest(rt.method, rt.path, strings.NewReader("{}"))
			req.Header.Set("Content-Type", "application/json")
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)
			assert.Equal(t, http.StatusUnauthorized, w.Code)
		})
	}
}

func TestAdminRejectsMalformedIdentity(t *testing.T) {
	srv, _ := testServer(t)
	router := srv.Router()

	for _, id := range []string{"", "abc", "0"} {
		req := httptest.NewRequest(http.MethodGet, "/admin/ledger", nil)
		if id != "" {
			req.Header.Set(adminHeader, id)
		}
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		assert.Equal(t, http.StatusUnauthorized, w.Code, "id %q", id)
	}
}

func TestBlockRequestValidate(t *testing.T) {
	text := "oi"
	media := "file-id"
	kind := "photo"

	tests := []struct {
		name    string
		req     blockRequest
		wantErr string
	}{
		{
			name: "text only is fine",
			req:  blockRequest{Text: &text},
		},
		{
			name: "media with kind is fine",
			req:  blockRequest{MediaRef: &media, MediaKind: &kind},
		},
		{
			name:    "empty block",
			req:     blockRequest{},
			wantErr: "block needs text or media_ref",
		},
		{
			name:    "media without kind",
			req:     blockRequest{MediaRef: &media},
			wantErr: "media_ref needs media_kind",
		},
		{
			name:    "delay out of range",
			req:     blockRequest{Text: &text, DelaySeconds: 301},
			wantErr: "delay_seconds must be 0..300",
		},
		{
			name:    "auto delete out of range",
			req:     blockRequest{Text: &text, AutoDeleteSeconds: 90000},
			wantErr: "auto_delete_seconds must be 0..86400",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.wantErr, tt.req.validate())
		})
	}
}
