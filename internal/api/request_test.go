package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type licenseBody struct {
	UserID       string `json:"userId"`
	DurationDays int    `json:"durationDays"`
	Note         string `json:"note"`
}

func TestDecode(t *testing.T) {
	tests := []struct {
		name        string
		body        string
		contentType string
		want        licenseBody
		wantErr     bool
	}{
		{
			name: "json numbers",
			body: `{"userId":"u1","durationDays":30}`,
			want: licenseBody{UserID: "u1", DurationDays: 30},
		},
		{
			name: "json numeric string",
			body: `{"userId":"u1","durationDays":"45"}`,
			want: licenseBody{UserID: "u1", DurationDays: 45},
		},
		{
			name:        "form body",
			body:        "userId=u2&durationDays=90&note=renewal",
			contentType: "application/x-www-form-urlencoded",
			want:        licenseBody{UserID: "u2", DurationDays: 90, Note: "renewal"},
		},
		{
			name:        "json with charset",
			body:        `{"userId":"u3"}`,
			contentType: "application/json; charset=utf-8",
			want:        licenseBody{UserID: "u3"},
		},
		{
			name: "empty body",
			body: "",
			want: licenseBody{},
		},
		{
			name:    "malformed json",
			body:    `{"userId":`,
			wantErr: true,
		},
		{
			name:    "two json values",
			body:    `{"userId":"a"}{"userId":"b"}`,
			wantErr: true,
		},
		{
			name:    "non numeric days",
			body:    `{"durationDays":"forever"}`,
			wantErr: true,
		},
		{
			name:        "unsupported type",
			body:        "<xml/>",
			contentType: "application/xml",
			wantErr:     true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(tt.body))
			if tt.contentType != "" {
				req.Header.Set("Content-Type", tt.contentType)
			}

			var got licenseBody
			err := Decode(req, &got)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		remote  string
		want    string
	}{
		{name: "forwarded chain", headers: map[string]string{"X-Forwarded-For": "203.0.113.7, 10.0.0.1"}, remote: "10.0.0.2:5000", want: "203.0.113.7"},
		{name: "real ip", headers: map[string]string{"X-Real-Ip": "198.51.100.4"}, remote: "10.0.0.2:5000", want: "198.51.100.4"},
		{name: "socket address", remote: "192.0.2.10:41234", want: "192.0.2.10"},
		{name: "ipv6 socket address", remote: "[2001:db8::1]:443", want: "2001:db8::1"},
		{name: "garbage forwarded hop", headers: map[string]string{"X-Forwarded-For": "not-an-ip, 10.0.0.1"}, remote: "192.0.2.10:41234", want: "192.0.2.10"},
		{name: "oversized forwarded hop", headers: map[string]string{"X-Forwarded-For": strings.Repeat("9", 65)}, remote: "192.0.2.10:41234", want: "192.0.2.10"},
		{name: "garbage forwarded hop falls to real ip", headers: map[string]string{"X-Forwarded-For": "unknown", "X-Real-Ip": "198.51.100.4"}, remote: "10.0.0.2:5000", want: "198.51.100.4"},
		{name: "garbage real ip", headers: map[string]string{"X-Real-Ip": "<script>"}, remote: "192.0.2.10:41234", want: "192.0.2.10"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remote
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, ClientIP(req))
		})
	}
}

func TestBearerToken(t *testing.T) {
	token, ok := BearerToken("Bearer abc.def")
	assert.True(t, ok)
	assert.Equal(t, "abc.def", token)

	_, ok = BearerToken("Basic dXNlcjpwYXNz")
	assert.False(t, ok)

	_, ok = BearerToken("Bearer   ")
	assert.False(t, ok)
}

func TestWriteError(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteError(rec, http.StatusForbidden, CodeForbidden, "administrator access required")

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"status":"error","code":"FORBIDDEN","message":"administrator access required"}`, rec.Body.String())
}
