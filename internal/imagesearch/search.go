// Package imagesearch finds a logo for a token by name, trying a paid image
// search first and falling back to free sources.
package imagesearch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/nexus-trading/cloudlaunch/internal/config"
	"github.com/nexus-trading/cloudlaunch/internal/fetch"
)

var (
	ErrNoName   = errors.New("imagesearch: token name required")
	ErrNotFound = errors.New("imagesearch: no image found")
)

const (
	SourceGoogle        = "google"
	SourceDuckDuckGo    = "duckduckgo"
	SourceGeckoTerminal = "geckoterminal"
	SourceCoinGecko     = "coingecko"
)

// defaultTimeout bounds the GeckoTerminal lookups when none is configured.
const defaultTimeout = 5 * time.Second

var (
	imageExt  = regexp.MustCompile(`(?i)\.(png|jpg|jpeg|webp)$`)
	imageLink = regexp.MustCompile(`(?i)https?://[^\s"'<>]+\.(?:png|jpg|jpeg|webp)`)
)

// Hit is a found image and the source that produced it.
type Hit struct {
	URL    string `json:"url"`
	Source string `json:"source"`
}

// Searcher runs the fallback chain.
type Searcher struct {
	client *fetch.Client
	cfg    config.ImagesConfig
}

// New creates a searcher.
func New(client *fetch.Client, cfg config.ImagesConfig) *Searcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	return &Searcher{client: client, cfg: cfg}
}

type step struct {
	source string
	run    func(ctx context.Context, name, symbol string) (string, error)
}

// Search returns the first hit of the chain. Individual source failures are
// logged and skipped.
func (s *Searcher) Search(ctx context.Context, name, symbol string) (Hit, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Hit{}, ErrNoName
	}

	steps := []step{
		{SourceGoogle, s.serper},
		{SourceDuckDuckGo, s.duckDuckGo},
		{SourceGeckoTerminal, s.geckoTerminal},
		{SourceCoinGecko, s.coinGecko},
	}
	for _, st := range steps {
		u, err := st.run(ctx, name, symbol)
		if err != nil {
			log.Debug().Err(err).Str("source", st.source).Str("name", name).Msg("imagesearch: source failed")
			continue
		}
		if u != "" {
			return Hit{URL: u, Source: st.source}, nil
		}
	}
	return Hit{}, ErrNotFound
}

func query(name, symbol string) string {
	return fmt.Sprintf("%s %s crypto token logo png", name, symbol)
}

// -----------------------------------------------------------------------
// Sources
// -----------------------------------------------------------------------

type serperResponse struct {
	Images []struct {
		ImageURL string `json:"imageUrl"`
	} `json:"images"`
}

func (s *Searcher) serper(ctx context.Context, name, symbol string) (string, error) {
	if s.cfg.SerperAPIKey == "" {
		return "", nil
	}
	h := http.Header{}
	h.Set("X-API-KEY", s.cfg.SerperAPIKey)

	var resp serperResponse
	payload := map[string]any{"q": query(name, symbol), "num": 5}
	if err := s.client.PostJSON(ctx, strings.TrimRight(s.cfg.SerperURL, "/")+"/images", h, payload, &resp); err != nil {
		return "", err
	}
	for _, img := range resp.Images {
		if imageExt.MatchString(img.ImageURL) {
			return img.ImageURL, nil
		}
	}
	if len(resp.Images) > 0 {
		return resp.Images[0].ImageURL, nil
	}
	return "", nil
}

func (s *Searcher) duckDuckGo(ctx context.Context, name, symbol string) (string, error) {
	q := url.Values{}
	q.Set("q", query(name, symbol))
	q.Set("kp", "-2")
	q.Set("kl", "us-en")
	h := http.Header{}
	h.Set("User-Agent", "Mozilla/5.0")

	body, err := s.client.Do(ctx, http.MethodGet, strings.TrimRight(s.cfg.DuckDuckGoURL, "/")+"/lite?"+q.Encode(), h, nil)
	if err != nil {
		return "", err
	}
	links := imageLink.FindAllString(string(body), -1)
	for _, l := range links {
		if strings.HasSuffix(l, ".png") {
			return l, nil
		}
	}
	if len(links) > 0 {
		return links[0], nil
	}
	return "", nil
}

type geckoPools struct {
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
}

type geckoToken struct {
	Data struct {
		Attributes struct {
			ImageURL string `json:"image_url"`
		} `json:"attributes"`
	} `json:"data"`
}

// geckoTerminal looks the name up in pool search and reads the base token's
// image from its token record.
func (s *Searcher) geckoTerminal(ctx context.Context, name, _ string) (string, error) {
	base := strings.TrimRight(s.cfg.GeckoTerminalURL, "/")
	lname := strings.ToLower(name)
	prefix := lname
	if r := []rune(lname); len(r) > 4 {
		prefix = string(r[:4])
	}

	pctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()
	var pools geckoPools
	q := url.Values{}
	q.Set("query", name)
	q.Set("page", "1")
	if err := s.client.GetJSON(pctx, base+"/search/pools?"+q.Encode(), &pools); err != nil {
		return "", err
	}

	for i, p := range pools.Data {
		if i == 5 {
			break
		}
		baseName, _, _ := strings.Cut(p.Attributes.Name, "/")
		baseName = strings.ToLower(strings.TrimSpace(baseName))
		if baseName == "" || (baseName != lname && !strings.Contains(baseName, prefix)) {
			continue
		}
		parts := strings.Split(p.Relationships.BaseToken.Data.ID, "_")
		if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
			continue
		}
		img, err := s.geckoTokenImage(ctx, base, parts[0], parts[1])
		if err != nil {
			log.Debug().Err(err).Str("token", p.Relationships.BaseToken.Data.ID).Msg("imagesearch: token info failed")
			continue
		}
		if img != "" {
			return img, nil
		}
	}
	return "", nil
}

func (s *Searcher) geckoTokenImage(ctx context.Context, base, network, addr string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout*4/5)
	defer cancel()
	var tok geckoToken
	if err := s.client.GetJSON(ctx, fmt.Sprintf("%s/networks/%s/tokens/%s", base, url.PathEscape(network), url.PathEscape(addr)), &tok); err != nil {
		return "", err
	}
	img := tok.Data.Attributes.ImageURL
	switch {
	case strings.HasSuffix(img, ".png"), strings.HasSuffix(img, ".jpg"), strings.HasSuffix(img, ".jpeg"),
		strings.Contains(img, "assets.geckoterminal.com"):
		return img, nil
	}
	return "", nil
}

type coinGeckoSearch struct {
	Coins []struct {
		Name   string `json:"name"`
		Symbol string `json:"symbol"`
		Large  string `json:"large"`
	} `json:"coins"`
}

func (s *Searcher) coinGecko(ctx context.Context, name, symbol string) (string, error) {
	q := url.Values{}
	q.Set("query", name)
	var resp coinGeckoSearch
	if err := s.client.GetJSON(ctx, strings.TrimRight(s.cfg.CoinGeckoURL, "/")+"/search?"+q.Encode(), &resp); err != nil {
		return "", err
	}
	for _, c := range resp.Coins {
		if strings.EqualFold(c.Symbol, symbol) || strings.EqualFold(c.Name, name) {
			if c.Large != "" {
				return c.Large, nil
			}
			break
		}
	}
	if len(resp.Coins) > 0 {
		return resp.Coins[0].Large, nil
	}
	return "", nil
}
