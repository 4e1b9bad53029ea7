package singbox

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/marzneshin/marznode/backend"
)

// httpAPI is an HTTP client talking to sing-box's Clash-compatible admin
// listener injected by Config.Enrich.
type httpAPI struct {
	baseURL    string
	secret     string
	httpClient *http.Client
}

func newHTTPAPI(port int, secret string) *httpAPI {
	return &httpAPI{
		baseURL:    fmt.Sprintf("http://127.0.0.1:%d", port),
		secret:     secret,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

func (a *httpAPI) authorize(req *http.Request) {
	if a.secret != "" {
		req.Header.Set("Authorization", "Bearer "+a.secret)
	}
}

// ping makes a single request to check that the admin listener is
// reachable; retrying while the child binds its listeners is left to
// the caller (waitForAPI).
func (a *httpAPI) ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/traffic", nil)
	if err != nil {
		return err
	}
	a.authorize(req)
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return nil
}

// getUsages queries the /stats endpoint (optionally resetting counters)
// and keeps only the per-user "user>>><id>>>>traffic>>>uplink|downlink"
// counters, summed per user id.
func (a *httpAPI) getUsages(ctx context.Context, reset bool) []backend.ClientTraffic {
	url := a.baseURL + "/stats"
	if reset {
		url += "?reset=true"
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil
	}
	a.authorize(req)
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil
	}

	var stats map[string]int64
	if err := json.Unmarshal(body, &stats); err != nil {
		return nil
	}

	byUser := make(map[string]*backend.ClientTraffic)
	for key, value := range stats {
		parts := strings.Split(key, ">>>")
		if len(parts) != 4 || parts[0] != "user" || parts[2] != "traffic" {
			continue
		}
		email := parts[1]
		ct, ok := byUser[email]
		if !ok {
			ct = &backend.ClientTraffic{Identifier: email}
			byUser[email] = ct
		}
		if parts[3] == "downlink" {
			ct.Down = value
		} else {
			ct.Up = value
		}
	}

	out := make([]backend.ClientTraffic, 0, len(byUser))
	for _, ct := range byUser {
		out = append(out, *ct)
	}
	return out
}
