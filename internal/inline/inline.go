// Package inline fetches supported text attachments and splices their
// contents into stored message text. Binary, oversized, or unfetchable
// attachments are skipped silently; image attachments are never inlined.
package inline

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"

	"github.com/chatloom/chatloom/internal/platform"
)

const (
	DefaultMaxBytes = 128 * 1024
	DefaultTimeout  = 15 * time.Second
)

// Inliner appends eligible text attachment bodies to message content.
type Inliner struct {
	logger   *slog.Logger
	client   *http.Client
	maxBytes int64
	timeout  time.Duration
}

// New builds an Inliner. Zero maxBytes or timeout fall back to the
// defaults; a nil client gets a fresh one.
func New(log *slog.Logger, client *http.Client, maxBytes int64, timeout time.Duration) *Inliner {
	if log == nil {
		log = slog.Default()
	}
	if client == nil {
		client = &http.Client{}
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Inliner{
		logger:   log.With(slog.String("component", "inline")),
		client:   client,
		maxBytes: maxBytes,
		timeout:  timeout,
	}
}

// Inline returns content with every eligible text attachment appended as
//
//	[Attachment: <filename>]
//	<body>
//
// and the URLs of image attachments, which ride alongside the message for
// context building instead of being inlined.
func (i *Inliner) Inline(ctx context.Context, content string, attachments []platform.RawAttachment) (string, []string) {
	if len(attachments) == 0 {
		return content, nil
	}

	var images []string
	var b strings.Builder
	b.WriteString(content)

	for _, att := range attachments {
		if att.IsImage() {
			if att.URL != "" {
				images = append(images, att.URL)
			}
			continue
		}
		if !strings.HasPrefix(att.ContentType, "text/") {
			continue
		}
		if int64(att.Size) > i.maxBytes {
			i.logger.Debug("attachment over size limit",
				slog.String("filename", att.Filename),
				slog.Int("size", att.Size))
			continue
		}

		body, err := i.fetch(ctx, att)
		if err != nil {
			i.logger.Debug("attachment fetch skipped",
				slog.String("filename", att.Filename),
				slog.Any("error", err))
			continue
		}

		if strings.HasPrefix(att.ContentType, "text/html") {
			if md, err := htmltomarkdown.ConvertString(body); err == nil {
				body = md
			}
		}

		b.WriteString("\n[Attachment: ")
		b.WriteString(att.Filename)
		b.WriteString("]\n")
		b.WriteString(body)
	}

	return b.String(), images
}

func (i *Inliner) fetch(ctx context.Context, att platform.RawAttachment) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, att.URL, nil)
	if err != nil {
		return "", err
	}
	resp, err := i.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	// One byte past the limit distinguishes "exactly at limit" from over.
	data, err := io.ReadAll(io.LimitReader(resp.Body, i.maxBytes+1))
	if err != nil {
		return "", err
	}
	if int64(len(data)) > i.maxBytes {
		return "", fmt.Errorf("body exceeds %d bytes", i.maxBytes)
	}
	if !utf8.Valid(data) {
		return "", fmt.Errorf("body is not valid utf-8")
	}
	return string(data), nil
}
