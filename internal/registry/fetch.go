package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/coreplane/coreplane/pkg/plugin"
)

// TokenIssuer mints short-lived service tokens for plugin-to-plugin
// calls. Implemented by the access plugin's authenticator.
type TokenIssuer interface {
	IssueServiceToken(ctx context.Context, pluginID string) (string, error)
}

const defaultFetchTimeout = 30 * time.Second

// Fetcher is the plugin.FetchClient implementation handed to plugins.
// Each instance is bound to the calling plugin so requests carry a
// service token naming the caller.
type Fetcher struct {
	caller  string
	baseURL string // internal base URL, no trailing slash
	issuer  TokenIssuer
	client  *http.Client
}

var _ plugin.FetchClient = (*Fetcher)(nil)

// NewFetcher builds the fetch client for one plugin.
func NewFetcher(caller, baseURL string, issuer TokenIssuer) *Fetcher {
	return &Fetcher{
		caller:  caller,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		issuer:  issuer,
		client:  &http.Client{},
	}
}

// Fetch POSTs a JSON body to another plugin's API surface. The target
// URL is <base>/api/<pluginID><path>; path must start with "/".
func (f *Fetcher) Fetch(ctx context.Context, pluginID, path string, body any, timeout time.Duration) (*http.Response, error) {
	if timeout <= 0 {
		timeout = defaultFetchTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)

	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("marshal fetch body: %w", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	url := fmt.Sprintf("%s/api/%s%s", f.baseURL, pluginID, path)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, reader)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("build fetch request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	token, err := f.issuer.IssueServiceToken(ctx, f.caller)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("issue service token for %q: %w", f.caller, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := f.client.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("fetch %s: %w", url, err)
	}
	// The timeout must outlive this call so the caller can read the body;
	// it is released when the body is closed.
	resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}
