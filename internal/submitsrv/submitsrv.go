// Package submitsrv implements the tiny MeshMS submission HTTP server:
// a single GET /submitmessage?location=...&message=... endpoint that
// composes a MeshMS bundle for every configured recipient SID and
// imports it via the Rhizome HTTP API, returning a plain HTML
// success/error string.
//
// Built on valyala/fasthttp, the same client-side library internal/rhizome
// uses, so the binary has one HTTP implementation rather than two.
package submitsrv

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/servalproject/lbard-go/internal/ecode"
	"github.com/servalproject/lbard-go/internal/nlog"
)

// Importer is the subset of internal/rhizome.Client this server needs;
// an interface keeps the server testable without a live Rhizome daemon.
type Importer interface {
	Import(ctx context.Context, manifest, body []byte) error
}

// Server holds the submission endpoint's configuration.
type Server struct {
	Addr            string // listen address, e.g. "127.0.0.1:4114"
	RecipientsFile  string // one SID (hex) per line
	OurSID          string
	Rhizome         Importer
	RequestTimeout  time.Duration
}

// New constructs a submission server with the spec-mandated defaults.
func New(addr, recipientsFile, ourSID string, rz Importer) *Server {
	return &Server{Addr: addr, RecipientsFile: recipientsFile, OurSID: ourSID, Rhizome: rz, RequestTimeout: 5 * time.Second}
}

// ListenAndServe blocks serving the submission endpoint. Call it from
// its own goroutine — it is the one long-lived listener in the binary
// besides the main cooperative loop, following the same "declared
// exception" pattern as internal/rhizome's bounded fetch pair.
func (s *Server) ListenAndServe() error {
	return fasthttp.ListenAndServe(s.Addr, s.handle)
}

func (s *Server) handle(ctx *fasthttp.RequestCtx) {
	if string(ctx.Path()) != "/submitmessage" {
		ctx.SetStatusCode(fasthttp.StatusNotFound)
		ctx.SetBodyString("not found")
		return
	}
	location := string(ctx.QueryArgs().Peek("location"))
	message := string(ctx.QueryArgs().Peek("message"))
	if message == "" {
		ctx.SetContentType("text/html")
		ctx.SetBodyString(htmlError("message parameter required"))
		return
	}

	recipients, err := s.readRecipients()
	if err != nil {
		ctx.SetContentType("text/html")
		ctx.SetBodyString(htmlError(err.Error()))
		return
	}
	if len(recipients) == 0 {
		ctx.SetContentType("text/html")
		ctx.SetBodyString(htmlError("no recipients configured"))
		return
	}

	reqCtx, cancel := context.WithTimeout(context.Background(), s.RequestTimeout)
	defer cancel()

	var failed []string
	for _, recipient := range recipients {
		manifest, body := ComposeMeshMS(s.OurSID, recipient, location, message)
		if err := s.Rhizome.Import(reqCtx, manifest, body); err != nil {
			nlog.Warningf("submitsrv: import to %s failed: %v", recipient, err)
			failed = append(failed, recipient)
		}
	}

	ctx.SetContentType("text/html")
	if len(failed) == 0 {
		ctx.SetBodyString(htmlSuccess(len(recipients)))
		return
	}
	ctx.SetStatusCode(fasthttp.StatusInternalServerError)
	ctx.SetBodyString(htmlError(fmt.Sprintf("failed for %d of %d recipients: %s", len(failed), len(recipients), strings.Join(failed, ","))))
}

func (s *Server) readRecipients() ([]string, error) {
	f, err := os.Open(s.RecipientsFile)
	if err != nil {
		return nil, ecode.Wrap(err, "submitsrv: opening recipients file %s", s.RecipientsFile)
	}
	defer f.Close()

	var out []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, line)
	}
	if err := sc.Err(); err != nil {
		return nil, ecode.Wrap(err, "submitsrv: reading recipients file")
	}
	return out, nil
}

// ComposeMeshMS builds a minimal MeshMS2 manifest/body pair for one
// recipient. The manifest text uses the same key=value line shape
// internal/manifestcodec compresses; the body is the plain message
// text, optionally prefixed with the sender-supplied location tag.
func ComposeMeshMS(ourSID, recipient, location, message string) (manifest, body []byte) {
	var b strings.Builder
	if location != "" {
		fmt.Fprintf(&b, "[%s] ", location)
	}
	b.WriteString(message)
	body = []byte(b.String())

	var m strings.Builder
	fmt.Fprintf(&m, "service=MeshMS2\n")
	fmt.Fprintf(&m, "sender=%s\n", ourSID)
	fmt.Fprintf(&m, "recipient=%s\n", recipient)
	fmt.Fprintf(&m, "date=%d\n", time.Now().UnixMilli())
	manifest = []byte(m.String())
	return manifest, body
}

func htmlSuccess(n int) string {
	return fmt.Sprintf("<html><body>OK: message submitted to %d recipient(s)</body></html>", n)
}

func htmlError(msg string) string {
	return fmt.Sprintf("<html><body>ERROR: %s</body></html>", msg)
}
