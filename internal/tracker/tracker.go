// Package tracker reports the market state of tokens whose fees flow to the
// configured admin address: Clanker listings enriched with DexScreener data,
// with milestone detection and a short-lived cache.
package tracker

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/nexus-trading/cloudlaunch/internal/config"
	"github.com/nexus-trading/cloudlaunch/internal/fetch"
	"github.com/nexus-trading/cloudlaunch/internal/kvstore"
)

// TokenStatus is the coarse market state of a tracked token.
type TokenStatus string

const (
	StatusActive  TokenStatus = "active"
	StatusDead    TokenStatus = "dead"
	StatusMooning TokenStatus = "mooning"
)

const (
	pageSize     = 50
	dexChunkSize = 30
	defaultShare = 80.0
)

// Milestones are the market-cap thresholds announced once per token.
var Milestones = []float64{25_000, 30_000, 50_000, 100_000, 500_000, 1_000_000}

// Token is one tracked token.
type Token struct {
	Name             string      `json:"name"`
	Symbol           string      `json:"symbol"`
	ContractAddress  string      `json:"contractAddress"`
	ImageURL         string      `json:"imageUrl"`
	CreatedAt        string      `json:"createdAt"`
	Age              string      `json:"age"`
	Mcap             float64     `json:"mcap"`
	McapFormatted    string      `json:"mcapFormatted"`
	Volume24h        float64     `json:"volume24h"`
	VolumeFormatted  string      `json:"volumeFormatted"`
	Txns24h          int         `json:"txns24h"`
	PriceChange24h   float64     `json:"priceChangePercent24h"`
	AdminShare       float64     `json:"adminShare"`
	ClankerURL       string      `json:"clankerUrl"`
	Status           TokenStatus `json:"status"`
	MilestoneReached *string     `json:"milestoneReached"`
}

// Summary aggregates a token list.
type Summary struct {
	TotalTokens  int     `json:"totalTokens"`
	TotalMcap    float64 `json:"totalMcap"`
	TotalVolume  float64 `json:"totalVolume"`
	ActiveCount  int     `json:"activeCount"`
	MooningCount int     `json:"mooningCount"`
}

// Payload is the tracker answer, cached as a whole.
type Payload struct {
	Tokens    []Token `json:"tokens"`
	Summary   Summary `json:"summary"`
	UpdatedAt int64   `json:"updatedAt"`
}

// Tracker builds payloads on demand.
type Tracker struct {
	client *fetch.Client
	store  kvstore.Store
	cfg    config.TrackerConfig
	now    func() time.Time
}

// Option customises a Tracker.
type Option func(*Tracker)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option { return func(t *Tracker) { t.now = now } }

// New creates a tracker.
func New(client *fetch.Client, store kvstore.Store, cfg config.TrackerConfig, opts ...Option) *Tracker {
	t := &Tracker{client: client, store: store, cfg: cfg, now: time.Now}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Snapshot returns the cached payload when it is fresh and rebuilds it
// otherwise. Upstream failures shrink the answer; only store writes fail it.
func (t *Tracker) Snapshot(ctx context.Context) (Payload, error) {
	now := t.now()

	var cached Payload
	ok, err := t.store.GetJSON(ctx, kvstore.TrackerCacheKey, &cached)
	if err != nil {
		log.Warn().Err(err).Msg("tracker: cache read failed")
	}
	if ok && now.UnixMilli()-cached.UpdatedAt < t.cfg.CacheTTL.Milliseconds() {
		return cached, nil
	}

	listed := t.fetchClanker(ctx)
	if len(listed) == 0 {
		return Payload{Tokens: []Token{}, UpdatedAt: now.UnixMilli()}, nil
	}

	addrs := make([]string, len(listed))
	for i, l := range listed {
		addrs[i] = l.ContractAddress
	}
	market := t.fetchMarket(ctx, addrs)

	tokens := make([]Token, len(listed))
	for i, l := range listed {
		m := market[strings.ToLower(l.ContractAddress)]
		tokens[i] = Token{
			Name:            l.Name,
			Symbol:          l.Symbol,
			ContractAddress: l.ContractAddress,
			ImageURL:        l.ImageURL,
			CreatedAt:       l.CreatedAt,
			Age:             l.age(now),
			Mcap:            m.Mcap,
			McapFormatted:   FormatUSD(m.Mcap),
			Volume24h:       m.Volume24h,
			VolumeFormatted: FormatUSD(m.Volume24h),
			Txns24h:         m.Txns24h,
			PriceChange24h:  m.Change24h,
			AdminShare:      l.AdminShare,
			ClankerURL:      "https://clanker.world/clanker/" + l.ContractAddress,
			Status:          Status(m.Volume24h, m.Txns24h, m.Change24h),
		}
	}
	sort.SliceStable(tokens, func(i, j int) bool { return tokens[i].Mcap > tokens[j].Mcap })

	if err := t.markMilestones(ctx, tokens); err != nil {
		return Payload{}, err
	}

	payload := Payload{Tokens: tokens, Summary: Summarize(tokens), UpdatedAt: now.UnixMilli()}
	if err := t.store.SetJSON(ctx, kvstore.TrackerCacheKey, payload, t.cfg.CacheTTL); err != nil {
		log.Warn().Err(err).Msg("tracker: cache write failed")
	}
	log.Debug().Int("tokens", len(tokens)).Msg("tracker: snapshot rebuilt")
	return payload, nil
}

// Summarize totals a token list.
func Summarize(tokens []Token) Summary {
	s := Summary{TotalTokens: len(tokens)}
	mcap, vol := decimal.Zero, decimal.Zero
	for _, t := range tokens {
		mcap = mcap.Add(decimal.NewFromFloat(t.Mcap))
		vol = vol.Add(decimal.NewFromFloat(t.Volume24h))
		switch t.Status {
		case StatusActive:
			s.ActiveCount++
		case StatusMooning:
			s.MooningCount++
		}
	}
	s.TotalMcap = mcap.InexactFloat64()
	s.TotalVolume = vol.InexactFloat64()
	return s
}

// markMilestones sets MilestoneReached on tokens that crossed a threshold
// for the first time and persists the reached set per contract.
func (t *Tracker) markMilestones(ctx context.Context, tokens []Token) error {
	reached := map[string][]string{}
	if _, err := t.store.GetJSON(ctx, kvstore.TrackerMilestonesKey, &reached); err != nil {
		return fmt.Errorf("load milestones: %w", err)
	}

	for i := range tokens {
		key := strings.ToLower(tokens[i].ContractAddress)
		seen := reached[key]
		for _, m := range Milestones {
			label := MilestoneLabel(m)
			if tokens[i].Mcap >= m && !contains(seen, label) {
				seen = append(seen, label)
				tokens[i].MilestoneReached = &label
			}
		}
		if seen == nil {
			seen = []string{}
		}
		reached[key] = seen
	}

	if err := t.store.SetJSON(ctx, kvstore.TrackerMilestonesKey, reached, 0); err != nil {
		return fmt.Errorf("save milestones: %w", err)
	}
	return nil
}

// -----------------------------------------------------------------------
// Clanker
// -----------------------------------------------------------------------

type listing struct {
	ContractAddress string
	Name            string
	Symbol          string
	ImageURL        string
	CreatedAt       string
	AdminShare      float64
}

func (l listing) age(now time.Time) string {
	created, ok := parseTime(l.CreatedAt)
	if !ok {
		return "unknown"
	}
	return Age(created, now)
}

type clankerPage struct {
	Data    []clankerToken `json:"data"`
	Tokens  []clankerToken `json:"tokens"`
	HasMore bool           `json:"hasMore"`
}

type clankerToken struct {
	ContractAddress string          `json:"contract_address"`
	Name            string          `json:"name"`
	Symbol          string          `json:"symbol"`
	ImgURL          string          `json:"img_url"`
	Metadata        json.RawMessage `json:"metadata"`
	CreatedAt       string          `json:"created_at"`
	DeployedAt      string          `json:"deployed_at"`
	Admin           string          `json:"admin"`
	Extensions      struct {
		Fees struct {
			Recipients []feeRecipient `json:"recipients"`
		} `json:"fees"`
	} `json:"extensions"`
}

type feeRecipient struct {
	Admin     string  `json:"admin"`
	Recipient string  `json:"recipient"`
	Bps       float64 `json:"bps"`
}

// fetchClanker pages through listings that mention the admin address and
// keeps those where it is a fee recipient or the admin. Any page failure
// ends the walk with what was collected.
func (t *Tracker) fetchClanker(ctx context.Context) []listing {
	admin := strings.ToLower(t.cfg.AdminAddress)
	var out []listing
	cursor := ""

	for page := 0; page < t.cfg.MaxPages; page++ {
		q := url.Values{}
		q.Set("search", t.cfg.AdminAddress)
		q.Set("limit", fmt.Sprint(pageSize))
		q.Set("sort", "desc")
		if cursor != "" {
			q.Set("cursor", cursor)
		}

		var resp clankerPage
		if err := t.client.GetJSON(ctx, strings.TrimRight(t.cfg.ClankerURL, "/")+"/api/tokens?"+q.Encode(), &resp); err != nil {
			log.Warn().Err(err).Int("page", page).Msg("tracker: clanker page failed")
			break
		}
		items := resp.Data
		if len(items) == 0 {
			items = resp.Tokens
		}

		for _, it := range items {
			if l, ok := matchAdmin(it, admin, t.now()); ok {
				out = append(out, l)
			}
		}

		if !resp.HasMore || len(items) == 0 || items[len(items)-1].CreatedAt == "" {
			break
		}
		cursor = PageCursor(items[len(items)-1].CreatedAt)
	}
	return out
}

func matchAdmin(it clankerToken, admin string, now time.Time) (listing, bool) {
	share := -1.0
	for _, r := range it.Extensions.Fees.Recipients {
		if strings.ToLower(r.Admin) == admin || strings.ToLower(r.Recipient) == admin {
			share = defaultShare
			if r.Bps > 0 {
				share = r.Bps / 100
			}
			break
		}
	}
	if share < 0 {
		if strings.ToLower(it.Admin) != admin {
			return listing{}, false
		}
		share = defaultShare
	}

	name := it.Name
	if name == "" {
		name = "Unknown"
	}
	symbol := strings.TrimPrefix(it.Symbol, "$")
	if it.Symbol == "" {
		symbol = "???"
	}
	image := it.ImgURL
	if image == "" {
		image = metadataImage(it.Metadata)
	}
	created := it.CreatedAt
	if created == "" {
		created = it.DeployedAt
	}
	if created == "" {
		created = now.UTC().Format(time.RFC3339Nano)
	}
	return listing{
		ContractAddress: it.ContractAddress,
		Name:            name,
		Symbol:          symbol,
		ImageURL:        image,
		CreatedAt:       created,
		AdminShare:      share,
	}, true
}

func metadataImage(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var m struct {
		ImgURL string `json:"img_url"`
	}
	if err := json.Unmarshal(raw, &m); err != nil {
		return ""
	}
	return m.ImgURL
}

// PageCursor encodes the Clanker pagination cursor for the item created at
// createdAt.
func PageCursor(createdAt string) string {
	b, _ := json.Marshal(map[string]string{"id": createdAt})
	return base64.StdEncoding.EncodeToString(b)
}

// -----------------------------------------------------------------------
// DexScreener
// -----------------------------------------------------------------------

type marketData struct {
	Mcap      float64
	Volume24h float64
	Txns24h   int
	Change24h float64
}

type dexPair struct {
	BaseToken struct {
		Address string `json:"address"`
	} `json:"baseToken"`
	MarketCap float64 `json:"marketCap"`
	FDV       float64 `json:"fdv"`
	Volume    struct {
		H24 float64 `json:"h24"`
	} `json:"volume"`
	Txns struct {
		H24 struct {
			Buys  int `json:"buys"`
			Sells int `json:"sells"`
		} `json:"h24"`
	} `json:"txns"`
	PriceChange struct {
		H24 float64 `json:"h24"`
	} `json:"priceChange"`
}

// fetchMarket looks addresses up in chunks and keeps the highest-volume pair
// per token. A failed chunk is skipped.
func (t *Tracker) fetchMarket(ctx context.Context, addrs []string) map[string]marketData {
	out := make(map[string]marketData, len(addrs))
	base := strings.TrimRight(t.cfg.DexScreenerURL, "/") + "/tokens/v1/base/"

	for start := 0; start < len(addrs); start += dexChunkSize {
		end := min(start+dexChunkSize, len(addrs))
		var pairs []dexPair
		if err := t.client.GetJSON(ctx, base+strings.Join(addrs[start:end], ","), &pairs); err != nil {
			log.Warn().Err(err).Int("chunk", start/dexChunkSize).Msg("tracker: dexscreener lookup failed")
			continue
		}
		for _, p := range pairs {
			addr := strings.ToLower(p.BaseToken.Address)
			if addr == "" {
				continue
			}
			if cur, ok := out[addr]; ok && p.Volume.H24 <= cur.Volume24h {
				continue
			}
			mcap := p.MarketCap
			if mcap == 0 {
				mcap = p.FDV
			}
			out[addr] = marketData{
				Mcap:      mcap,
				Volume24h: p.Volume.H24,
				Txns24h:   p.Txns.H24.Buys + p.Txns.H24.Sells,
				Change24h: p.PriceChange.H24,
			}
		}
	}
	return out
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
