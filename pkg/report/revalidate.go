package report

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"
)

// Revalidator tells the presentation tier to drop its cached page for a
// report. Metadata mutations succeed regardless of whether this call does.
type Revalidator struct {
	URL    string
	Secret string
	client *http.Client
}

// NewRevalidator builds a revalidator; a 3s timeout keeps status mutations
// snappy even when the presentation tier is down.
func NewRevalidator(url, secret string) *Revalidator {
	return &Revalidator{
		URL:    url,
		Secret: secret,
		client: &http.Client{Timeout: 3 * time.Second},
	}
}

// NewRevalidatorFromEnv reads REVALIDATE_URL and REVALIDATE_SECRET.
func NewRevalidatorFromEnv() *Revalidator {
	return NewRevalidator(os.Getenv("REVALIDATE_URL"), os.Getenv("REVALIDATE_SECRET"))
}

// Invalidate fires the cache-invalidation hook for one report. Failures are
// logged, never returned.
func (r *Revalidator) Invalidate(slug string) {
	if r == nil || r.URL == "" {
		return
	}

	payload, err := json.Marshal(map[string]string{
		"tag":    fmt.Sprintf("report-%s", slug),
		"secret": r.Secret,
	})
	if err != nil {
		slog.Error("failed to encode revalidate payload", "slug", slug, "error", err)
		return
	}

	resp, err := r.client.Post(r.URL, "application/json", bytes.NewReader(payload))
	if err != nil {
		slog.Error("revalidate request failed", "slug", slug, "error", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		slog.Info("revalidated report cache", "slug", slug)
	} else {
		slog.Error("revalidate rejected", "slug", slug, "status", resp.StatusCode)
	}
}
