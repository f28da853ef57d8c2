package search

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const resultsPage = `<!DOCTYPE html>
<html><body>
<div class="results">
  <div class="result">
    <h2><a class="result__a" href="//duckduckgo.com/l/?uddg=https%3A%2F%2Fwww.termoidraulicarossi.it%2F&rut=abc123">Termoidraulica Rossi SNC</a></h2>
    <a class="result__snippet" href="#">Impianti termoidraulici a Milano dal 1985. Assistenza caldaie.</a>
  </div>
  <div class="result">
    <h2><a class="result__a" href="https://www.paginegialle.it/milano/rossi-snc">Rossi SNC - Pagine Gialle</a></h2>
    <a class="result__snippet" href="#">Telefono, indirizzo e orari di apertura.</a>
  </div>
  <div class="result">
    <h2><span>no anchor here</span></h2>
  </div>
</div>
</body></html>`

func TestEngineSearch_ParsesResults(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "termoidraulica rossi milano", r.URL.Query().Get("q"))
		assert.Contains(t, r.Header.Get("User-Agent"), "EnrichBot")
		w.Write([]byte(resultsPage))
	}))
	defer srv.Close()

	client := NewEngineClient(WithBaseURL(srv.URL))
	got, err := client.Search(context.Background(), "termoidraulica rossi milano")

	require.NoError(t, err)
	require.Len(t, got, 2, "result blocks without an anchor are skipped")
	assert.Equal(t, "Termoidraulica Rossi SNC", got[0].Title)
	assert.Equal(t, "https://www.termoidraulicarossi.it/", got[0].URL, "redirect link unwrapped")
	assert.Contains(t, got[0].Snippet, "Impianti termoidraulici")
	assert.Equal(t, "https://www.paginegialle.it/milano/rossi-snc", got[1].URL, "direct link kept as-is")
}

func TestEngineSearch_SiteFilterJoinsQuery(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "rossi snc site:registroimprese.it", r.URL.Query().Get("q"))
		w.Write([]byte(`<html><body></body></html>`))
	}))
	defer srv.Close()

	client := NewEngineClient(WithBaseURL(srv.URL))
	got, err := client.Search(context.Background(), "rossi snc", WithSiteFilter("registroimprese.it"))

	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestEngineSearch_ErrorStatus(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	client := NewEngineClient(WithBaseURL(srv.URL))
	_, err := client.Search(context.Background(), "rossi snc")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "403")
}

func TestResolveRedirect(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		href string
		want string
	}{
		{
			name: "protocol-relative redirect",
			href: "//duckduckgo.com/l/?uddg=https%3A%2F%2Fexample.it%2Fchi-siamo&rut=xyz",
			want: "https://example.it/chi-siamo",
		},
		{
			name: "direct link untouched",
			href: "https://example.it",
			want: "https://example.it",
		},
		{
			name: "uddg missing falls back to raw href",
			href: "https://duckduckgo.com/l/?other=1&uddg=",
			want: "https://duckduckgo.com/l/?other=1&uddg=",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, resolveRedirect(tt.href))
		})
	}
}
