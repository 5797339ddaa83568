package submitsrv

import (
	"context"
	"os"
	"strings"
	"testing"

	"github.com/valyala/fasthttp"
)

type fakeImporter struct {
	calls [][2][]byte
	err   error
}

func (f *fakeImporter) Import(ctx context.Context, manifest, body []byte) error {
	f.calls = append(f.calls, [2][]byte{manifest, body})
	return f.err
}

func writeRecipientsFile(t *testing.T, lines ...string) string {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "recipients")
	if err != nil {
		t.Fatalf("CreateTemp: %v", err)
	}
	defer f.Close()
	for _, l := range lines {
		f.WriteString(l + "\n")
	}
	return f.Name()
}

func TestComposeMeshMSIncludesLocationAndRecipient(t *testing.T) {
	manifest, body := ComposeMeshMS("mysid", "theirsid", "field-hq", "hello world")
	if !strings.Contains(string(body), "[field-hq] hello world") {
		t.Fatalf("unexpected body: %s", body)
	}
	if !strings.Contains(string(manifest), "recipient=theirsid") || !strings.Contains(string(manifest), "sender=mysid") {
		t.Fatalf("unexpected manifest: %s", manifest)
	}
}

func TestHandleSubmitsToEveryRecipient(t *testing.T) {
	recipFile := writeRecipientsFile(t, "sidA", "sidB", "# comment", "")
	imp := &fakeImporter{}
	srv := New("127.0.0.1:0", recipFile, "mysid", imp)

	var ctx fasthttp.RequestCtx
	ctx.Request.SetRequestURI("/submitmessage?location=hq&message=hi+there")
	ctx.Request.Header.SetMethod("GET")

	srv.handle(&ctx)

	if len(imp.calls) != 2 {
		t.Fatalf("expected 2 import calls, got %d", len(imp.calls))
	}
	if ctx.Response.StatusCode() != fasthttp.StatusOK && ctx.Response.StatusCode() != 0 {
		t.Fatalf("unexpected status code %d", ctx.Response.StatusCode())
	}
	if !strings.Contains(string(ctx.Response.Body()), "OK") {
		t.Fatalf("expected success body, got %s", ctx.Response.Body())
	}
}

func TestHandleMissingMessageParam(t *testing.T) {
	recipFile := writeRecipientsFile(t, "sidA")
	srv := New("127.0.0.1:0", recipFile, "mysid", &fakeImporter{})

	var ctx fasthttp.RequestCtx
	ctx.Request.SetRequestURI("/submitmessage?location=hq")
	ctx.Request.Header.SetMethod("GET")
	srv.handle(&ctx)

	if !strings.Contains(string(ctx.Response.Body()), "ERROR") {
		t.Fatalf("expected error body, got %s", ctx.Response.Body())
	}
}

func TestHandleUnknownPath(t *testing.T) {
	srv := New("127.0.0.1:0", "/nonexistent", "mysid", &fakeImporter{})
	var ctx fasthttp.RequestCtx
	ctx.Request.SetRequestURI("/other")
	srv.handle(&ctx)
	if ctx.Response.StatusCode() != fasthttp.StatusNotFound {
		t.Fatalf("expected 404, got %d", ctx.Response.StatusCode())
	}
}

func TestHandlePartialFailureReportsError(t *testing.T) {
	recipFile := writeRecipientsFile(t, "sidA")
	imp := &fakeImporter{err: context.DeadlineExceeded}
	srv := New("127.0.0.1:0", recipFile, "mysid", imp)

	var ctx fasthttp.RequestCtx
	ctx.Request.SetRequestURI("/submitmessage?message=hi")
	srv.handle(&ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", ctx.Response.StatusCode())
	}
}
