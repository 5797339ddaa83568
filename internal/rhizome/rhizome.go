// Package rhizome is the HTTP store-mirror client: it
// long-polls the bundle listing endpoint, fetches manifest/payload
// pairs, and imports completed reassemblies back into the store.
//
// Outbound requests use valyala/fasthttp's Client (the same dependency
// internal/submitsrv uses server-side) rather than net/http, keeping
// one HTTP stack for the whole binary. Bundle-list rows are decoded
// with json-iterator/go. FetchBundle, which the engine calls to cache a
// bundle it is about to send as fragments, runs the manifest and
// payload fetches concurrently, bounded by golang.org/x/sync/errgroup —
// one of the few deliberate goroutine pairs outside the single-threaded
// main loop.
package rhizome

import (
	"bytes"
	"context"
	"encoding/base64"
	"mime/multipart"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/valyala/fasthttp"
	"golang.org/x/sync/errgroup"

	"github.com/servalproject/lbard-go/internal/ecode"
)

// DefaultTimeout is the per-request timeout.
const DefaultTimeout = 5 * time.Second

// ListPollIntervalDefault and the load_timeout clamp bounds.
const (
	ListPollIntervalDefault = 3 * time.Second
	LoadTimeoutMin          = 500 * time.Millisecond
	LoadTimeoutMax          = 1500 * time.Millisecond
)

// ClampLoadTimeout enforces the [500ms, 1500ms] bound so a slow store
// poll never starves inbound radio packet processing.
func ClampLoadTimeout(d time.Duration) time.Duration {
	if d < LoadTimeoutMin {
		return LoadTimeoutMin
	}
	if d > LoadTimeoutMax {
		return LoadTimeoutMax
	}
	return d
}

// Row is one bundle-listing row: exactly 14 fields, the first of
// which is the continuation token for the next poll.
type Row struct {
	ContinuationToken string `json:"token"`
	BID               string `json:"id"`
	Version           uint64 `json:"version"`
	FileHash          string `json:"filehash"`
	FileSize          uint64 `json:"filesize"`
	Sender            string `json:"sender"`
	Recipient         string `json:"recipient"`
	Service           string `json:"service"`
	Date              uint64 `json:"date"`
	Name              string `json:"name"`
	Author            string `json:"author"`
	Secret            string `json:"secret"`
	ManifestLen       uint64 `json:"manifestlen"`
	Tail              string `json:"tail"`
}

// Client talks to one Rhizome HTTP daemon instance.
type Client struct {
	BaseURL  string // e.g. "http://127.0.0.1:4110"
	AuthUser string
	AuthPass string

	hc *fasthttp.Client
}

// New constructs a client with the spec-mandated default timeout.
func New(baseURL, user, pass string) *Client {
	return &Client{
		BaseURL:  baseURL,
		AuthUser: user,
		AuthPass: pass,
		hc:       &fasthttp.Client{ReadTimeout: DefaultTimeout, WriteTimeout: DefaultTimeout},
	}
}

func (c *Client) basicAuthHeader() string {
	raw := c.AuthUser + ":" + c.AuthPass
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(raw))
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, contentType string) (status int, respBody []byte, err error) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(c.BaseURL + path)
	req.Header.SetMethod(method)
	req.Header.Set("Authorization", c.basicAuthHeader())
	if body != nil {
		req.SetBody(body)
	}
	if contentType != "" {
		req.Header.SetContentType(contentType)
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(DefaultTimeout)
	}
	if err := c.hc.DoDeadline(req, resp, deadline); err != nil {
		return 0, nil, ecode.Wrap(ecode.ErrHTTPFailure, "rhizome: %s %s: %v", method, path, err)
	}
	return resp.StatusCode(), append([]byte{}, resp.Body()...), nil
}

func successStatus(code int) bool { return code == 200 || code == 201 || code == 202 }

// ListBundles polls bundlelist.json, optionally continuing from a
// previous token, and decodes each of the 14-field rows.
func (c *Client) ListBundles(ctx context.Context, since string) ([]Row, error) {
	path := "/restful/rhizome/bundlelist.json"
	if since != "" {
		path += "?since=" + since
	}
	status, body, err := c.do(ctx, fasthttp.MethodGet, path, nil, "")
	if err != nil {
		return nil, err
	}
	if !successStatus(status) {
		return nil, ecode.Wrap(ecode.ErrHTTPFailure, "rhizome: bundlelist returned status %d", status)
	}

	var rows []Row
	if err := jsoniter.Unmarshal(body, &rows); err != nil {
		return nil, ecode.Wrap(ecode.ErrHTTPFailure, "rhizome: decoding bundlelist: %v", err)
	}
	return rows, nil
}

// FetchManifest / FetchPayload retrieve one side of a bundle.
func (c *Client) FetchManifest(ctx context.Context, bid string) ([]byte, error) {
	status, body, err := c.do(ctx, fasthttp.MethodGet, "/restful/rhizome/"+bid+".rhm", nil, "")
	if err != nil {
		return nil, err
	}
	if !successStatus(status) {
		return nil, ecode.Wrap(ecode.ErrHTTPFailure, "rhizome: manifest fetch for %s returned status %d", bid, status)
	}
	return body, nil
}

func (c *Client) FetchPayload(ctx context.Context, bid string) ([]byte, error) {
	status, body, err := c.do(ctx, fasthttp.MethodGet, "/restful/rhizome/"+bid+"/raw.bin", nil, "")
	if err != nil {
		return nil, err
	}
	if !successStatus(status) {
		return nil, ecode.Wrap(ecode.ErrHTTPFailure, "rhizome: payload fetch for %s returned status %d", bid, status)
	}
	return body, nil
}

// FetchBundle retrieves a bundle's manifest and payload concurrently,
// bounded by an errgroup. Besides the main loop, goroutines are started
// only here, by the radio-autodetect probe, and for the submission
// server in cmd/lbard.
func (c *Client) FetchBundle(ctx context.Context, bid string) (manifest, payload []byte, err error) {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		m, err := c.FetchManifest(gctx, bid)
		if err != nil {
			return err
		}
		manifest = m
		return nil
	})
	g.Go(func() error {
		p, err := c.FetchPayload(gctx, bid)
		if err != nil {
			return err
		}
		payload = p
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return manifest, payload, nil
}

// Import posts a completed (manifest, body) pair to the store.
func (c *Client) Import(ctx context.Context, manifest, body []byte) error {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	mw, err := w.CreateFormField("manifest")
	if err != nil {
		return ecode.Wrap(err, "rhizome: building import request")
	}
	if _, err := mw.Write(manifest); err != nil {
		return ecode.Wrap(err, "rhizome: writing manifest part")
	}
	pw, err := w.CreateFormField("payload")
	if err != nil {
		return ecode.Wrap(err, "rhizome: building import request")
	}
	if _, err := pw.Write(body); err != nil {
		return ecode.Wrap(err, "rhizome: writing payload part")
	}
	if err := w.Close(); err != nil {
		return ecode.Wrap(err, "rhizome: closing multipart writer")
	}

	status, respBody, err := c.do(ctx, fasthttp.MethodPost, "/rhizome/import", buf.Bytes(), w.FormDataContentType())
	if err != nil {
		return err
	}
	if !successStatus(status) {
		return ecode.Wrap(ecode.ErrHTTPFailure, "rhizome: import returned status %d: %s", status, respBody)
	}
	return nil
}

// IsJournalService reports whether a row's service marks it as a
// journal bundle exempt from the min_version age filter.
func IsJournalService(service string) bool {
	return service == "MeshMS2"
}
