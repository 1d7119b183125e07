package server

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestStatusRecorderSatisfiesHTTPFlusher(t *testing.T) {
	rec := &statusRecorder{ResponseWriter: httptest.NewRecorder(), status: http.StatusOK}
	var _ http.Flusher = rec // must compile: logMiddleware relies on this.
	rec.Flush()              // must not panic; the no-Flush case is covered below.
}

type nonFlushingWriter struct {
	http.ResponseWriter
}

func TestStatusRecorderFlushIsANoOpWithoutAFlusher(t *testing.T) {
	rec := &statusRecorder{ResponseWriter: nonFlushingWriter{httptest.NewRecorder()}, status: http.StatusOK}
	rec.Flush()
}

func TestStatusRecorderFlushForwardsToEmbeddedFlusher(t *testing.T) {
	inner := httptest.NewRecorder()
	rec := &statusRecorder{ResponseWriter: inner, status: http.StatusOK}

	if _, err := rec.Write([]byte("data: x\n\n")); err != nil {
		t.Fatal(err)
	}
	rec.Flush()

	if inner.Flushed != true {
		t.Fatal("expected the embedded httptest.ResponseRecorder to observe a Flush call")
	}
}
