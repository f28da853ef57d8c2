package vies

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheck_ValidNumber(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/check-vat-number", r.URL.Path)

		var req checkRequest
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &req))
		assert.Equal(t, "IT", req.CountryCode)
		assert.Equal(t, "00743110157", req.VATNumber)

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(Result{
			CountryCode: "IT",
			VATNumber:   "00743110157",
			Valid:       true,
			Name:        "TERMOIDRAULICA ROSSI SNC",
			Address:     "VIA ROMA 12 20121 MILANO MI",
			RequestDate: "2026-08-25T10:00:00Z",
		})
	}))
	defer srv.Close()

	client := NewClient(WithBaseURL(srv.URL))
	got, err := client.Check(context.Background(), "00743110157")

	require.NoError(t, err)
	assert.True(t, got.Valid)
	assert.Equal(t, "TERMOIDRAULICA ROSSI SNC", got.Name)
}

func TestCheck_PrefixedFormAccepted(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req checkRequest
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &req))
		assert.Equal(t, "00743110157", req.VATNumber, "IT prefix stripped before the call")

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(Result{VATNumber: "00743110157", Valid: true})
	}))
	defer srv.Close()

	client := NewClient(WithBaseURL(srv.URL))
	got, err := client.Check(context.Background(), "IT 00743110157")

	require.NoError(t, err)
	assert.True(t, got.Valid)
}

func TestCheck_UnregisteredNumberIsNotAnError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(Result{CountryCode: "IT", VATNumber: "12345678903", Valid: false})
	}))
	defer srv.Close()

	client := NewClient(WithBaseURL(srv.URL))
	got, err := client.Check(context.Background(), "12345678903")

	require.NoError(t, err)
	assert.False(t, got.Valid)
}

func TestCheck_InvalidFormatSkipsCall(t *testing.T) {
	t.Parallel()

	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	client := NewClient(WithBaseURL(srv.URL))

	for _, vat := range []string{"", "123", "0074311015A", "001234567890123"} {
		_, err := client.Check(context.Background(), vat)
		require.Error(t, err, "vat %q", vat)
		assert.True(t, errors.Is(err, ErrInvalidFormat))
	}
	assert.False(t, called, "malformed numbers never reach the service")
}

func TestCheck_ServiceError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"errorWrappers":[{"error":"MS_UNAVAILABLE"}]}`))
	}))
	defer srv.Close()

	client := NewClient(WithBaseURL(srv.URL))
	_, err := client.Check(context.Background(), "00743110157")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "500")
}

func TestCheck_MissingEchoRejected(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"valid":true}`))
	}))
	defer srv.Close()

	client := NewClient(WithBaseURL(srv.URL))
	_, err := client.Check(context.Background(), "00743110157")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "vatNumber echo")
}

func TestNormalizeVAT(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "00743110157", want: "00743110157"},
		{in: "IT00743110157", want: "00743110157"},
		{in: "it 00743 110 157", want: "00743110157"},
		{in: "0074311015", wantErr: true},
		{in: "IT0074311015X", wantErr: true},
	}

	for _, tt := range tests {
		got, err := NormalizeVAT(tt.in)
		if tt.wantErr {
			assert.ErrorIs(t, err, ErrInvalidFormat, "in %q", tt.in)
			continue
		}
		require.NoError(t, err, "in %q", tt.in)
		assert.Equal(t, tt.want, got)
	}
}
