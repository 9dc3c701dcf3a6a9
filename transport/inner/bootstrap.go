package inner

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"regexp"

	"chatpipe/transport"
)

const (
	chatPageURL    = "https://www.youtube.com/live_chat?is_popout=1&v=%s"
	userAgent      = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
	fallbackClientVersion = "2.20251201.01.00"
	minContinuationLength = 50
)

var (
	invalidationContinuationRe = regexp.MustCompile(`"invalidationContinuationData"\s*:\s*\{[^}]*"continuation"\s*:\s*"([^"]+)"`)
	timedContinuationRe        = regexp.MustCompile(`"timedContinuationData"\s*:\s*\{[^}]*"continuation"\s*:\s*"([^"]+)"`)
	reloadContinuationRe       = regexp.MustCompile(`"reloadContinuationData"\s*:\s*\{[^}]*"continuation"\s*:\s*"([^"]+)"`)
	genericContinuationRe      = regexp.MustCompile(`"continuation"\s*:\s*"([^"]+)"`)

	apiKeyRe1 = regexp.MustCompile(`"INNERTUBE_API_KEY"\s*:\s*"([^"]+)"`)
	apiKeyRe2 = regexp.MustCompile(`"innertubeApiKey"\s*:\s*"([^"]+)"`)
	apiKeyRe3 = regexp.MustCompile(`INNERTUBE_API_KEY\s*[":]\s*"([^"]+)"`)

	clientVersionRe = regexp.MustCompile(`"clientVersion"\s*:\s*"(\d+\.\d{8}\.\d{2}\.\d{2})"`)
)

// continuationKind records which pacing rule governs the next poll,
// derived from which regex matched during bootstrap or from the most
// recent response.
type continuationKind int

const (
	continuationInvalidation continuationKind = iota
	continuationTimed
	continuationReload
)

// bootstrapResult carries the three artifacts extracted from the chat's
// HTML page.
type bootstrapResult struct {
	continuation   string
	continuationOf continuationKind
	apiKey         string
	clientVersion  string
}

// bootstrap fetches the chat's HTML page and extracts the continuation
// token, API key, and client version by regular expression, in the
// documented priority order. Only the continuation token is required;
// failure to extract one is terminal for the transport.
func bootstrap(ctx context.Context, client *http.Client, videoID string) (*bootstrapResult, *transport.Error) {
	url := fmt.Sprintf(chatPageURL, videoID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, transport.NewError(transport.ErrParseError, err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := client.Do(req)
	if err != nil {
		return nil, transport.NewError(transport.ErrNetwork, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, transport.NewError(transport.ErrNetwork, fmt.Errorf("live_chat page: %s", resp.Status))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, transport.NewError(transport.ErrNetwork, err)
	}
	html := string(body)

	cont, kind, ok := extractContinuation(html)
	if !ok {
		return nil, transport.NewError(transport.ErrNotInitialized, fmt.Errorf("no continuation token found in chat page"))
	}

	return &bootstrapResult{
		continuation:   cont,
		continuationOf: kind,
		apiKey:         extractAPIKey(html),
		clientVersion:  extractClientVersion(html),
	}, nil
}

// extractContinuation tries each continuation pattern in priority order,
// accepting only candidates at least minContinuationLength long.
func extractContinuation(html string) (string, continuationKind, bool) {
	if m := invalidationContinuationRe.FindStringSubmatch(html); m != nil && len(m[1]) >= minContinuationLength {
		return m[1], continuationInvalidation, true
	}
	if m := timedContinuationRe.FindStringSubmatch(html); m != nil && len(m[1]) >= minContinuationLength {
		return m[1], continuationTimed, true
	}
	if m := reloadContinuationRe.FindStringSubmatch(html); m != nil && len(m[1]) >= minContinuationLength {
		return m[1], continuationReload, true
	}
	if m := genericContinuationRe.FindStringSubmatch(html); m != nil && len(m[1]) >= minContinuationLength {
		return m[1], continuationInvalidation, true
	}
	return "", 0, false
}

func extractAPIKey(html string) string {
	if m := apiKeyRe1.FindStringSubmatch(html); m != nil {
		return m[1]
	}
	if m := apiKeyRe2.FindStringSubmatch(html); m != nil {
		return m[1]
	}
	if m := apiKeyRe3.FindStringSubmatch(html); m != nil {
		return m[1]
	}
	return ""
}

func extractClientVersion(html string) string {
	if m := clientVersionRe.FindStringSubmatch(html); m != nil {
		return m[1]
	}
	return fallbackClientVersion
}
