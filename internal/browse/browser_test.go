package browse

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFetch_ReturnsPage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.Header.Get("User-Agent"), "EnrichBot")
		w.Write([]byte(`<html><head><title>Rossi SNC - Impianti</title></head>
			<body><nav>menu</nav><p>Impianti termoidraulici a Milano.</p>
			<footer>P.IVA 00743110157</footer></body></html>`))
	}))
	defer srv.Close()

	b := New()
	page, err := b.Fetch(context.Background(), srv.URL)
	require.NoError(t, err)

	assert.True(t, page.OK())
	assert.Equal(t, "Rossi SNC - Impianti", page.Title)
	assert.Contains(t, page.Text, "Impianti termoidraulici a Milano.")
	assert.NotContains(t, page.Text, "menu", "nav content stripped")
	assert.NotContains(t, page.Text, "P.IVA", "footer stripped from text")
	assert.Contains(t, string(page.Body), "P.IVA", "raw body keeps everything")
}

func TestFetch_ErrorStatusIsDataNotError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte("<html>Access denied - verify you are human (captcha)</html>"))
	}))
	defer srv.Close()

	b := New()
	page, err := b.Fetch(context.Background(), srv.URL)
	require.NoError(t, err, "a 403 is a classification input, not a fetch failure")
	assert.Equal(t, http.StatusForbidden, page.StatusCode)
	assert.False(t, page.OK())
	assert.Contains(t, string(page.Body), "captcha")
}

func TestFetch_FollowsRedirects(t *testing.T) {
	final := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html><title>Landed</title></html>"))
	}))
	defer final.Close()

	src := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, final.URL+"/home", http.StatusMovedPermanently)
	}))
	defer src.Close()

	b := New()
	page, err := b.Fetch(context.Background(), src.URL)
	require.NoError(t, err)
	assert.Equal(t, src.URL, page.URL)
	assert.Equal(t, final.URL+"/home", page.FinalURL)
	assert.Equal(t, "Landed", page.Title)
}

func TestFetch_BodyCapped(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(strings.Repeat("x", maxBodyBytes+5000)))
	}))
	defer srv.Close()

	b := New()
	page, err := b.Fetch(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Len(t, page.Body, maxBodyBytes)
}

func TestFetch_TransportErrorIsError(t *testing.T) {
	b := New(WithTimeout(200 * time.Millisecond))
	_, err := b.Fetch(context.Background(), "http://127.0.0.1:1/nope")
	assert.Error(t, err)
}

func TestFetch_ContextCancel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(2 * time.Second)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	b := New()
	_, err := b.Fetch(ctx, srv.URL)
	assert.Error(t, err)
}

func TestStripHTML_Entities(t *testing.T) {
	t.Parallel()

	in := `<p>Societ&agrave; &amp; Figli &lt;dal 1950&gt;</p>`
	assert.Equal(t, `Società & Figli <dal 1950>`, StripHTML(in))
}

func TestExtractTitle_Missing(t *testing.T) {
	t.Parallel()

	assert.Empty(t, ExtractTitle([]byte("<html><body>no title</body></html>")))
}
