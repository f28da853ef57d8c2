package inipec

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLookupPEC_Success(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/pec/00743110157", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(Entry{
			TaxID:   "00743110157",
			Company: "TERMOIDRAULICA ROSSI SNC",
			PECs:    []string{"rossi@pec.rossisnc.it", "amministrazione@pec.rossisnc.it"},
		})
	}))
	defer srv.Close()

	client := NewClient("test-key", WithBaseURL(srv.URL))
	got, err := client.LookupPEC(context.Background(), "00743110157")

	require.NoError(t, err)
	assert.Equal(t, "rossi@pec.rossisnc.it", got.Primary())
	assert.Len(t, got.PECs, 2)
}

func TestLookupPEC_NotFound(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	client := NewClient("test-key", WithBaseURL(srv.URL))
	_, err := client.LookupPEC(context.Background(), "99999999999")

	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestLookupPEC_EmptyAddressList(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"tax_id":"00743110157","pec_addresses":[]}`))
	}))
	defer srv.Close()

	client := NewClient("test-key", WithBaseURL(srv.URL))
	got, err := client.LookupPEC(context.Background(), "00743110157")

	require.NoError(t, err)
	assert.Empty(t, got.Primary())
}

func TestLookupPEC_MissingEchoRejected(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"pec_addresses":["x@pec.it"]}`))
	}))
	defer srv.Close()

	client := NewClient("test-key", WithBaseURL(srv.URL))
	_, err := client.LookupPEC(context.Background(), "00743110157")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "tax_id echo")
}

func TestLookupPEC_ServiceError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`rate limit`))
	}))
	defer srv.Close()

	client := NewClient("test-key", WithBaseURL(srv.URL))
	_, err := client.LookupPEC(context.Background(), "00743110157")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
}
