package inline

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatloom/chatloom/internal/platform"
)

func TestInlineTextAttachment(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("log line one\nlog line two"))
	}))
	defer srv.Close()

	i := New(nil, srv.Client(), 1024, time.Second)
	content, images := i.Inline(context.Background(), "see attached", []platform.RawAttachment{
		{URL: srv.URL, Filename: "run.log", ContentType: "text/plain", Size: 25},
	})

	assert.Equal(t, "see attached\n[Attachment: run.log]\nlog line one\nlog line two", content)
	assert.Empty(t, images)
}

func TestInlineSkipsFailures(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/missing":
			w.WriteHeader(http.StatusNotFound)
		case "/big":
			w.Header().Set("Content-Type", "text/plain")
			_, _ = w.Write([]byte(strings.Repeat("x", 2048)))
		case "/binary":
			w.Header().Set("Content-Type", "text/plain")
			_, _ = w.Write([]byte{0xff, 0xfe, 0x00, 0x41})
		}
	}))
	defer srv.Close()

	i := New(nil, srv.Client(), 1024, time.Second)

	tests := []struct {
		name string
		att  platform.RawAttachment
	}{
		{"non-2xx", platform.RawAttachment{URL: srv.URL + "/missing", Filename: "a.txt", ContentType: "text/plain"}},
		{"oversized body", platform.RawAttachment{URL: srv.URL + "/big", Filename: "b.txt", ContentType: "text/plain"}},
		{"invalid utf-8", platform.RawAttachment{URL: srv.URL + "/binary", Filename: "c.txt", ContentType: "text/plain"}},
		{"declared size too big", platform.RawAttachment{URL: srv.URL, Filename: "d.txt", ContentType: "text/plain", Size: 4096}},
		{"non-text mime", platform.RawAttachment{URL: srv.URL, Filename: "e.bin", ContentType: "application/octet-stream"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			content, _ := i.Inline(context.Background(), "original", []platform.RawAttachment{tt.att})
			assert.Equal(t, "original", content, "failed attachment must leave content untouched")
		})
	}
}

func TestInlineCollectsImageURLs(t *testing.T) {
	t.Parallel()

	i := New(nil, &http.Client{}, 1024, time.Second)
	content, images := i.Inline(context.Background(), "look", []platform.RawAttachment{
		{URL: "https://cdn.example/shot.png", Filename: "shot.png", ContentType: "image/png", Size: 999999},
		{URL: "https://cdn.example/pic.jpg", Filename: "pic.jpg", ContentType: "image/jpeg"},
	})

	assert.Equal(t, "look", content, "images are never inlined")
	require.Len(t, images, 2)
	assert.Equal(t, "https://cdn.example/shot.png", images[0])
	assert.Equal(t, "https://cdn.example/pic.jpg", images[1])
}

func TestInlineTimeout(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	i := New(nil, srv.Client(), 1024, 10*time.Millisecond)
	content, _ := i.Inline(context.Background(), "slow", []platform.RawAttachment{
		{URL: srv.URL, Filename: "slow.txt", ContentType: "text/plain"},
	})
	assert.Equal(t, "slow", content)
}
