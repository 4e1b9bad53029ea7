package hysteria2

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/marzneshin/marznode/backend"
)

// statsAPI is an HTTP client for Hysteria2's own built-in traffic-stats
// listener, injected via Config.Enrich.
type statsAPI struct {
	baseURL    string
	secret     string
	httpClient *http.Client
}

func newStatsAPI(port int, secret string) *statsAPI {
	return &statsAPI{
		baseURL:    fmt.Sprintf("http://127.0.0.1:%d", port),
		secret:     secret,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

type trafficEntry struct {
	Tx int64 `json:"tx"`
	Rx int64 `json:"rx"`
}

// getUsages queries /traffic?clear=1 and returns one ClientTraffic entry
// per user identifier. Hysteria2's traffic secret goes in the raw
// Authorization header, without sing-box's "Bearer " prefix.
func (s *statsAPI) getUsages(ctx context.Context) []backend.ClientTraffic {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/traffic?clear=1", nil)
	if err != nil {
		return nil
	}
	req.Header.Set("Authorization", s.secret)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil
	}

	var byIdentifier map[string]trafficEntry
	if err := json.NewDecoder(resp.Body).Decode(&byIdentifier); err != nil {
		return nil
	}

	out := make([]backend.ClientTraffic, 0, len(byIdentifier))
	for identifier, t := range byIdentifier {
		out = append(out, backend.ClientTraffic{Identifier: identifier, Up: t.Tx, Down: t.Rx})
	}
	return out
}

// kick asks the engine to drop any live connections for the given
// identifiers, used after remove_user so a removed credential can't
// keep riding an already-authenticated session.
func (s *statsAPI) kick(ctx context.Context, identifiers []string) error {
	payload, err := json.Marshal(identifiers)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/kick", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", s.secret)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return nil
}

func (s *statsAPI) ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/traffic", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", s.secret)
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return nil
}
