// Package httpstore is an HTTP-backed capcache.RemoteStore: GetInfo fetches
// a JSON-encoded node description, GetContent issues a ranged GET. Both
// retry transient failures with an exponential backoff before giving up,
// the same pattern drive/amazon/endpoint.go uses around its own endpoint
// lookup (backoff.Retry(ep.GetEndpoint, backoff.NewExponentialBackOff())).
package httpstore

import (
	"encoding/json"
	"expvar"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/cenk/backoff"

	"github.com/asjoyner/capcache"
)

var (
	httpstoreGetInfoReq        = expvar.NewInt("httpstoreGetInfoReq")
	httpstoreGetInfoRetries    = expvar.NewInt("httpstoreGetInfoRetries")
	httpstoreGetContentReq     = expvar.NewInt("httpstoreGetContentReq")
	httpstoreGetContentRetries = expvar.NewInt("httpstoreGetContentRetries")
)

// Store issues GetInfo/GetContent requests against an HTTP object-store
// frontend rooted at baseURL.
type Store struct {
	baseURL    string
	client     *http.Client
	newBackoff func() backoff.BackOff
}

// New returns a Store that talks to baseURL using client. A nil client
// uses http.DefaultClient.
func New(baseURL string, client *http.Client) *Store {
	if client == nil {
		client = http.DefaultClient
	}
	return &Store{
		baseURL: baseURL,
		client:  client,
		newBackoff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.MaxElapsedTime = 30 * time.Second
			return b
		},
	}
}

// GetInfo requests {baseURL}/info/{upath} and decodes the response body as
// a capcache.Node, retrying transient failures. A 404 is terminal: it is
// recorded and returned directly without exhausting the retry budget.
func (s *Store) GetInfo(upath string) (capcache.Node, error) {
	u := fmt.Sprintf("%s/info/%s", s.baseURL, url.PathEscape(upath))

	httpstoreGetInfoReq.Add(1)
	var node capcache.Node
	var notFound bool
	attempt := 0
	op := func() error {
		if attempt > 0 {
			httpstoreGetInfoRetries.Add(1)
		}
		attempt++
		resp, err := s.client.Get(u)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode == http.StatusNotFound {
			notFound = true
			return nil
		}
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("GET %s: status %s", u, resp.Status)
		}
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		return json.Unmarshal(body, &node)
	}

	if err := backoff.Retry(op, s.newBackoff()); err != nil {
		return capcache.Node{}, &capcache.FetchError{Upath: upath, Err: err}
	}
	if notFound {
		return capcache.Node{}, &capcache.NotFoundError{Upath: upath}
	}
	return node, nil
}

// GetContent requests a byte range of cap's content via a ranged GET,
// retrying transient failures to obtain the response before handing the
// body stream back to the caller. Once a response is successfully opened,
// read errors on the returned ReadCloser are not retried here; the CachedFile
// read loop is responsible for reopening a stream after a failure.
func (s *Store) GetContent(cap string, offset, length int64) (io.ReadCloser, error) {
	u := fmt.Sprintf("%s/content/%s", s.baseURL, url.PathEscape(cap))

	httpstoreGetContentReq.Add(1)
	var body io.ReadCloser
	var notFound bool
	attempt := 0
	op := func() error {
		if attempt > 0 {
			httpstoreGetContentRetries.Add(1)
		}
		attempt++
		req, err := http.NewRequest(http.MethodGet, u, nil)
		if err != nil {
			return err
		}
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", offset, offset+length-1))

		resp, err := s.client.Do(req)
		if err != nil {
			return err
		}
		if resp.StatusCode == http.StatusNotFound {
			resp.Body.Close()
			notFound = true
			return nil
		}
		if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
			resp.Body.Close()
			return fmt.Errorf("GET %s: status %s", u, resp.Status)
		}
		body = resp.Body
		return nil
	}

	if err := backoff.Retry(op, s.newBackoff()); err != nil {
		return nil, &capcache.FetchError{Upath: cap, Err: err}
	}
	if notFound {
		return nil, &capcache.FetchError{Upath: cap, Err: fmt.Errorf("no content at this capability")}
	}
	return body, nil
}
