package beacon

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
)

// DefaultBaseURL is the public drand HTTP relay scoped to quicknet.
const DefaultBaseURL = "https://api.drand.sh/" + QuicknetChainHash

// HTTPDoer is the subset of http.Client the beacon client needs. It exists so
// tests can inject canned responses.
type HTTPDoer interface {
	Do(*http.Request) (*http.Response, error)
}

// ChainInfo describes the beacon network as reported by the relay's /info
// endpoint.
type ChainInfo struct {
	Period      int64  `json:"period"`
	GenesisTime int64  `json:"genesis_time"`
	Hash        string `json:"hash"`
	SchemeID    string `json:"schemeID"`
	BeaconID    string `json:"beaconID"`
}

type publicRound struct {
	Round      uint64 `json:"round"`
	Randomness string `json:"randomness"`
}

// Client fetches round progress from a drand HTTP relay. It never mutates
// market state; callers use it to decide when a timelocked key has become
// recoverable.
type Client struct {
	baseURL string
	http    HTTPDoer

	mu   sync.Mutex
	info *ChainInfo
}

// NewClient builds a relay client. An empty baseURL selects the public
// quicknet relay and a nil doer selects http.DefaultClient.
func NewClient(baseURL string, doer HTTPDoer) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if doer == nil {
		doer = http.DefaultClient
	}
	return &Client{baseURL: baseURL, http: doer}
}

// Info returns the relay's chain description, cached after the first fetch.
// Safe for concurrent use.
func (c *Client) Info(ctx context.Context) (*ChainInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.info != nil {
		return c.info, nil
	}
	var info ChainInfo
	if err := c.getJSON(ctx, c.baseURL+"/info", &info); err != nil {
		return nil, fmt.Errorf("beacon: fetch chain info: %w", err)
	}
	c.info = &info
	return c.info, nil
}

// LatestRound returns the most recent published round number.
func (c *Client) LatestRound(ctx context.Context) (uint64, error) {
	var latest publicRound
	if err := c.getJSON(ctx, c.baseURL+"/public/latest", &latest); err != nil {
		return 0, fmt.Errorf("beacon: fetch latest round: %w", err)
	}
	return latest.Round, nil
}

// Schedule returns the round Config advertised by the relay.
func (c *Client) Schedule(ctx context.Context) (Config, error) {
	info, err := c.Info(ctx)
	if err != nil {
		return Config{}, err
	}
	if info.Period <= 0 {
		return Config{}, fmt.Errorf("beacon: relay reported non-positive period %d", info.Period)
	}
	return Config{Genesis: info.GenesisTime, Period: info.Period}, nil
}

func (c *Client) getJSON(ctx context.Context, url string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d from %s", resp.StatusCode, url)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	return json.Unmarshal(body, out)
}
