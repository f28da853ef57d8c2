package load

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/jlaffaye/ftp"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/lanterna-data/enrich-cli/internal/resilience"
)

// localize makes the input available as a local file. Local paths pass
// through; http(s) and ftp URLs are downloaded to a temp file that the
// returned cleanup removes.
func localize(ctx context.Context, input string, opts Options) (string, func(), error) {
	noop := func() {}

	switch {
	case strings.HasPrefix(input, "http://"), strings.HasPrefix(input, "https://"):
		return download(ctx, input, opts, downloadHTTP)
	case strings.HasPrefix(input, "ftp://"):
		return download(ctx, input, opts, downloadFTP)
	default:
		if _, err := os.Stat(input); err != nil {
			return "", noop, eris.Wrapf(err, "load: input %q", input)
		}
		return input, noop, nil
	}
}

// download fetches a URL into a temp file whose extension matches the
// URL path, so readFile picks the right parser.
func download(ctx context.Context, rawURL string, opts Options, fetch func(context.Context, string, Options, io.Writer) error) (string, func(), error) {
	noop := func() {}

	ext := ".csv"
	if u, err := url.Parse(rawURL); err == nil {
		if e := strings.ToLower(filepath.Ext(u.Path)); e != "" {
			ext = e
		}
	}

	tmp, err := os.CreateTemp("", "enrich-input-*"+ext)
	if err != nil {
		return "", noop, eris.Wrap(err, "load: temp file")
	}
	cleanup := func() { os.Remove(tmp.Name()) } //nolint:errcheck

	zap.L().Info("load: fetching input", zap.String("url", rawURL))

	if err := fetch(ctx, rawURL, opts, tmp); err != nil {
		tmp.Close() //nolint:errcheck
		cleanup()
		return "", noop, err
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return "", noop, eris.Wrap(err, "load: close temp file")
	}
	return tmp.Name(), cleanup, nil
}

func downloadHTTP(ctx context.Context, rawURL string, opts Options, w io.Writer) error {
	client := &http.Client{Timeout: opts.Timeout}

	target := rawURL
	if u, err := url.Parse(rawURL); err == nil && u.Host != "" {
		target = u.Host
	}

	retry := resilience.DefaultRetryConfig()
	retry.OnRetry = resilience.RetryLogger("load", "fetch")

	// Retries re-issue the request; the body streams into w exactly once,
	// after a good response.
	resp, err := resilience.DoVal(ctx, retry, func(ctx context.Context) (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return nil, eris.Wrap(err, "load: build request")
		}
		req.Header.Set("User-Agent", opts.UserAgent)

		resp, err := client.Do(req)
		if err != nil {
			return nil, eris.Wrapf(err, "load: fetch %s", rawURL)
		}
		if resp.StatusCode == http.StatusOK {
			return resp, nil
		}
		resp.Body.Close() //nolint:errcheck
		statusErr := eris.Errorf("load: fetch %s: status %d", rawURL, resp.StatusCode)
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return nil, resilience.NewNetworkError(statusErr, target)
		}
		return nil, statusErr
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close() //nolint:errcheck

	if _, err := io.Copy(w, resp.Body); err != nil {
		return eris.Wrap(err, "load: read response body")
	}
	return nil
}

func downloadFTP(ctx context.Context, rawURL string, opts Options, w io.Writer) error {
	host, path, user, pass, err := parseFTPURL(rawURL)
	if err != nil {
		return err
	}

	conn, err := ftp.Dial(host, ftp.DialWithTimeout(opts.Timeout), ftp.DialWithContext(ctx))
	if err != nil {
		return eris.Wrap(err, "load: ftp dial")
	}
	defer conn.Quit() //nolint:errcheck

	if err := conn.Login(user, pass); err != nil {
		return eris.Wrap(err, "load: ftp login")
	}

	resp, err := conn.Retr(path)
	if err != nil {
		return eris.Wrap(err, "load: ftp retrieve")
	}
	defer resp.Close() //nolint:errcheck

	if _, err := io.Copy(w, resp); err != nil {
		return eris.Wrap(err, "load: ftp read")
	}
	return nil
}

// parseFTPURL extracts host (with port), path, and credentials from an
// FTP URL. Anonymous login is used when the URL carries no user info.
func parseFTPURL(rawURL string) (host, path, user, pass string, err error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", "", "", "", eris.Wrap(err, "load: parse ftp url")
	}
	if u.Scheme != "ftp" {
		return "", "", "", "", eris.Errorf("load: expected ftp scheme, got %q", u.Scheme)
	}

	host = u.Host
	if _, _, splitErr := net.SplitHostPort(host); splitErr != nil {
		host = net.JoinHostPort(host, "21")
	}

	path = u.Path
	if path == "" {
		return "", "", "", "", eris.New("load: empty path in ftp url")
	}

	user, pass = "anonymous", "anonymous@"
	if u.User != nil {
		user = u.User.Username()
		if p, ok := u.User.Password(); ok {
			pass = p
		}
	}
	return host, path, user, pass, nil
}
