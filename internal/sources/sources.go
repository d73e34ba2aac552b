// Package sources rotates through market-data providers and turns their
// newest pools into launch candidates.
package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/nexus-trading/cloudlaunch/internal/config"
	"github.com/nexus-trading/cloudlaunch/internal/fetch"
	"github.com/nexus-trading/cloudlaunch/internal/instance"
)

const (
	KindGecko = "gecko"
	KindDex   = "dex"

	defaultMaxPerBatch = 15
)

// Batch is the result of one rotation step.
type Batch struct {
	Tokens []instance.Candidate
	Next   int
	Label  string
}

// Provider is one entry of the rotation list.
type Provider struct {
	Kind    string
	Network string
	Query   string
	Label   string
}

// Fetcher issues one provider request per call and advances the cursor
// whether or not the request succeeded.
type Fetcher struct {
	client      *fetch.Client
	providers   []Provider
	geckoURL    string
	dexURL      string
	timeout     time.Duration
	maxPerBatch int
	observe     func(label string, ok bool, n int)
}

// Option customises a Fetcher.
type Option func(*Fetcher)

// WithObserver registers a callback invoked after every fetch.
func WithObserver(fn func(label string, ok bool, n int)) Option {
	return func(f *Fetcher) { f.observe = fn }
}

// NewFetcher builds a fetcher from the sources section of the config.
func NewFetcher(client *fetch.Client, cfg config.SourcesConfig, opts ...Option) *Fetcher {
	providers := make([]Provider, 0, len(cfg.Rotation))
	for _, s := range cfg.Rotation {
		providers = append(providers, Provider{Kind: s.Kind, Network: s.Network, Query: s.Query, Label: s.Label})
	}
	f := &Fetcher{
		client:      client,
		providers:   providers,
		geckoURL:    strings.TrimRight(cfg.GeckoTerminalURL, "/"),
		dexURL:      strings.TrimRight(cfg.DexScreenerURL, "/"),
		timeout:     cfg.Timeout,
		maxPerBatch: cfg.MaxPerBatch,
	}
	if f.maxPerBatch <= 0 {
		f.maxPerBatch = defaultMaxPerBatch
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

// Len returns the size of the rotation list.
func (f *Fetcher) Len() int { return len(f.providers) }

// Fetch queries providers[cursor mod n]. Failures yield an empty batch with
// the cursor still advanced.
func (f *Fetcher) Fetch(ctx context.Context, cursor int) Batch {
	n := len(f.providers)
	if n == 0 {
		return Batch{}
	}
	idx := ((cursor % n) + n) % n
	p := f.providers[idx]
	batch := Batch{Next: (idx + 1) % n, Label: p.Label, Tokens: []instance.Candidate{}}

	if f.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.timeout)
		defer cancel()
	}

	var (
		tokens []instance.Candidate
		err    error
	)
	switch p.Kind {
	case KindGecko:
		tokens, err = f.fetchGecko(ctx, p)
	case KindDex:
		tokens, err = f.fetchDex(ctx, p)
	default:
		err = fmt.Errorf("unknown source kind %q", p.Kind)
	}
	if err != nil {
		log.Warn().Err(err).Str("source", p.Label).Msg("sources: fetch failed")
	} else {
		batch.Tokens = tokens
	}
	if f.observe != nil {
		f.observe(p.Label, err == nil, len(batch.Tokens))
	}
	return batch
}

// ---------------------------------------------------------------------------
// GeckoTerminal new pools
// ---------------------------------------------------------------------------

type geckoResponse struct {
	Data []struct {
		Attributes struct {
			Name string `json:"name"`
		} `json:"attributes"`
		Relationships struct {
			BaseToken struct {
				Data struct {
					ID string `json:"id"`
				} `json:"data"`
			} `json:"base_token"`
		} `json:"relationships"`
	} `json:"data"`
	Included []struct {
		ID         string          `json:"id"`
		Attributes geckoTokenAttrs `json:"attributes"`
	} `json:"included"`
}

type geckoTokenAttrs struct {
	Name      string          `json:"name"`
	Symbol    string          `json:"symbol"`
	ImageURL  string          `json:"image_url"`
	Websites  []string        `json:"websites"`
	TokenInfo json.RawMessage `json:"token_info"`
}

func (f *Fetcher) fetchGecko(ctx context.Context, p Provider) ([]instance.Candidate, error) {
	u := fmt.Sprintf("%s/networks/%s/new_pools?page=1&include=base_token", f.geckoURL, url.PathEscape(p.Network))
	var resp geckoResponse
	if err := f.client.GetJSON(ctx, u, &resp); err != nil {
		return nil, err
	}
	return parseGecko(resp, p.Network, f.maxPerBatch), nil
}

func parseGecko(resp geckoResponse, network string, limit int) []instance.Candidate {
	included := make(map[string]geckoTokenAttrs, len(resp.Included))
	for _, inc := range resp.Included {
		included[inc.ID] = inc.Attributes
	}

	pools := resp.Data
	if len(pools) > limit {
		pools = pools[:limit]
	}

	out := make([]instance.Candidate, 0, len(pools))
	for _, pool := range pools {
		ta := included[pool.Relationships.BaseToken.Data.ID]

		name := ta.Name
		if name == "" {
			name = strings.TrimSpace(strings.SplitN(pool.Attributes.Name, " / ", 2)[0])
		}
		if len(name) < 2 {
			continue
		}
		symbol := ta.Symbol
		if symbol == "" {
			words := strings.Fields(name)
			if len(words) > 0 {
				symbol = words[len(words)-1]
			}
		}

		img := ""
		if isHTTP(ta.ImageURL) {
			img = ta.ImageURL
		}
		if img == "" {
			img = tokenInfoImage(ta.TokenInfo)
		}
		if img == "" {
			continue
		}

		c := instance.Candidate{Name: name, Symbol: symbol, Image: img, Chain: network}
		if len(ta.Websites) > 0 {
			c.Website = ta.Websites[0]
		}
		out = append(out, c)
	}
	return out
}

func tokenInfoImage(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var ti struct {
		ImageURL string `json:"image_url"`
	}
	if err := json.Unmarshal(raw, &ti); err != nil {
		return ""
	}
	if isHTTP(ti.ImageURL) {
		return ti.ImageURL
	}
	return ""
}

// ---------------------------------------------------------------------------
// DexScreener search
// ---------------------------------------------------------------------------

type dexSearchResponse struct {
	Pairs []dexPair `json:"pairs"`
}

type dexPair struct {
	ChainID   string `json:"chainId"`
	BaseToken *struct {
		Name   string `json:"name"`
		Symbol string `json:"symbol"`
		Icon   string `json:"icon"`
	} `json:"baseToken"`
	Info struct {
		ImageURL string `json:"imageUrl"`
		Header   string `json:"header"`
		Websites []struct {
			URL string `json:"url"`
		} `json:"websites"`
	} `json:"info"`
}

func (f *Fetcher) fetchDex(ctx context.Context, p Provider) ([]instance.Candidate, error) {
	u := fmt.Sprintf("%s/latest/dex/search?q=%s", f.dexURL, url.QueryEscape(p.Query))
	var resp dexSearchResponse
	if err := f.client.GetJSON(ctx, u, &resp); err != nil {
		return nil, err
	}
	return parseDex(resp, f.maxPerBatch), nil
}

func parseDex(resp dexSearchResponse, limit int) []instance.Candidate {
	pairs := resp.Pairs
	if len(pairs) > limit {
		pairs = pairs[:limit]
	}

	out := make([]instance.Candidate, 0, len(pairs))
	for _, pair := range pairs {
		bt := pair.BaseToken
		if bt == nil || len(bt.Name) < 2 {
			continue
		}
		img := firstNonEmpty(pair.Info.ImageURL, pair.Info.Header, bt.Icon)
		if !isHTTP(img) {
			continue
		}
		chain := pair.ChainID
		if chain == "" {
			chain = instance.DefaultChain
		}
		c := instance.Candidate{Name: bt.Name, Symbol: bt.Symbol, Image: img, Chain: chain}
		if len(pair.Info.Websites) > 0 {
			c.Website = pair.Info.Websites[0].URL
		}
		out = append(out, c)
	}
	return out
}

func isHTTP(s string) bool {
	return strings.HasPrefix(s, "http")
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
