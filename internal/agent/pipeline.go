// Package agent submits launch commands through social agent APIs: it
// registers a throwaway agent, links a throwaway wallet, engages the feed and
// posts the command.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog/log"

	"github.com/nexus-trading/cloudlaunch/internal/config"
	"github.com/nexus-trading/cloudlaunch/internal/fetch"
	"github.com/nexus-trading/cloudlaunch/internal/instance"
)

const (
	StepRegister = "register"
	StepWallet   = "wallet"
	StepFeed     = "feed"
	StepPost     = "post"

	reasonMax = 100
)

// Result is the outcome of one launch attempt. Reason is set when OK is
// false and is meant for the operator log.
type Result struct {
	OK     bool
	PostID string
	Reason string
}

// Message renders the operator-facing detail of a successful launch.
func (r Result) Message(symbol string) string {
	return fmt.Sprintf("Posted $%s (%s)", symbol, r.PostID)
}

// Launcher is what the driver needs from a pipeline.
type Launcher interface {
	Launch(ctx context.Context, cfg *instance.Config, c instance.Candidate) Result
}

// Pipeline runs the four-step agent flow. No step is retried.
type Pipeline struct {
	client       *fetch.Client
	apis         map[string]string
	defaultAgent string
	skipFeed     bool
	now          func() time.Time
	newWallet    func() (*Wallet, error)
	observe      func(step string, err error)
}

var _ Launcher = (*Pipeline)(nil)

// Option customises a Pipeline.
type Option func(*Pipeline)

// WithObserver registers a callback invoked after every agent call.
func WithObserver(fn func(step string, err error)) Option {
	return func(p *Pipeline) { p.observe = fn }
}

// WithSkipFeed disables the feed engagement step.
func WithSkipFeed(skip bool) Option {
	return func(p *Pipeline) { p.skipFeed = skip }
}

// NewPipeline builds a pipeline over the agents section of the config.
func NewPipeline(client *fetch.Client, cfg config.AgentsConfig, opts ...Option) *Pipeline {
	apis := make(map[string]string, len(cfg.APIs))
	for k, v := range cfg.APIs {
		apis[k] = strings.TrimRight(v, "/")
	}
	p := &Pipeline{
		client:       client,
		apis:         apis,
		defaultAgent: cfg.Default,
		now:          time.Now,
		newWallet:    NewWallet,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// BaseURL resolves an agent id, falling back to the default agent.
func (p *Pipeline) BaseURL(agentID string) string {
	if u, ok := p.apis[agentID]; ok {
		return u
	}
	return p.apis[p.defaultAgent]
}

// ChainID maps a candidate chain to the EVM chain id sent with the wallet
// challenge.
func ChainID(chain string) int {
	switch chain {
	case "base":
		return 8453
	case "solana":
		return 1
	default:
		return 56
	}
}

// Launch runs register, wallet link, feed engagement and post for c.
func (p *Pipeline) Launch(ctx context.Context, cfg *instance.Config, c instance.Candidate) Result {
	base := p.BaseURL(cfg.Agent)
	content := BuildCommand(cfg, c)

	apiKey, res := p.register(ctx, base, c)
	if apiKey == "" {
		return res
	}
	auth := http.Header{}
	auth.Set("Authorization", "Bearer "+apiKey)

	p.linkWallet(ctx, base, auth, c.Chain)
	if !p.skipFeed {
		p.engageFeed(ctx, base, auth)
	}
	return p.post(ctx, base, auth, content)
}

func (p *Pipeline) register(ctx context.Context, base string, c instance.Candidate) (string, Result) {
	body := map[string]string{
		"name":         "cloud_" + strings.ToLower(c.Symbol) + "_" + strconv.FormatInt(p.now().UnixMilli(), 36),
		"display_name": c.Name,
		"description":  "Cloud launcher for $" + c.Symbol,
		"avatar_emoji": "🚀",
	}
	var resp struct {
		APIKey string `json:"api_key"`
		Data   struct {
			APIKey string `json:"api_key"`
		} `json:"data"`
	}
	err := p.client.PostJSON(ctx, base+"/agents/register", nil, body, &resp)
	p.record(StepRegister, err)
	if err != nil {
		var se *fetch.StatusError
		if errors.As(err, &se) {
			return "", Result{Reason: fmt.Sprintf("Agent register failed: %d", se.Code)}
		}
		return "", Result{Reason: truncate(err.Error(), reasonMax)}
	}
	key := resp.Data.APIKey
	if key == "" {
		key = resp.APIKey
	}
	if key == "" {
		return "", Result{Reason: "No API key from agent"}
	}
	return key, Result{}
}

// linkWallet is best effort; every failure is logged and ignored.
func (p *Pipeline) linkWallet(ctx context.Context, base string, auth http.Header, chain string) {
	w, err := p.newWallet()
	if err != nil {
		log.Debug().Err(err).Msg("agent: wallet generation failed")
		return
	}

	var chal struct {
		Data struct {
			Nonce     string          `json:"nonce"`
			TypedData json.RawMessage `json:"typed_data"`
		} `json:"data"`
	}
	err = p.client.PostJSON(ctx, base+"/agents/me/evm/challenge", auth,
		map[string]any{"address": w.Address.Hex(), "chain_id": ChainID(chain)}, &chal)
	p.record(StepWallet, err)
	if err != nil {
		log.Debug().Err(err).Msg("agent: wallet challenge failed")
		return
	}
	if chal.Data.Nonce == "" || len(chal.Data.TypedData) == 0 || string(chal.Data.TypedData) == "null" {
		return
	}

	sig, err := w.SignTypedData(chal.Data.TypedData)
	if err != nil {
		log.Debug().Err(err).Msg("agent: typed data signing failed")
		return
	}
	err = p.client.PostJSON(ctx, base+"/agents/me/evm/verify", auth,
		map[string]string{"nonce": chal.Data.Nonce, "signature": sig}, nil)
	p.record(StepWallet, err)
	if err != nil {
		log.Debug().Err(err).Msg("agent: wallet verify failed")
	}
}

// engageFeed likes the newest global post. Best effort.
func (p *Pipeline) engageFeed(ctx context.Context, base string, auth http.Header) {
	data, err := p.client.Do(ctx, http.MethodGet, base+"/feed/global?limit=3", auth, nil)
	p.record(StepFeed, err)
	if err != nil {
		return
	}
	postID := firstPostID(data)
	if postID == "" {
		return
	}
	h := auth.Clone()
	h.Set("Content-Type", "application/json")
	_, err = p.client.Do(ctx, http.MethodPost, base+"/posts/"+url.PathEscape(postID)+"/like", h, nil)
	p.record(StepFeed, err)
}

func (p *Pipeline) post(ctx context.Context, base string, auth http.Header, content string) Result {
	var resp struct {
		Data struct {
			ID     json.RawMessage `json:"id"`
			PostID json.RawMessage `json:"post_id"`
		} `json:"data"`
	}
	err := p.client.PostJSON(ctx, base+"/posts", auth, map[string]string{"content": content}, &resp)
	p.record(StepPost, err)
	if err != nil {
		var se *fetch.StatusError
		if errors.As(err, &se) {
			return Result{Reason: fmt.Sprintf("Post failed: %d %s", se.Code, truncate(string(se.Body), reasonMax))}
		}
		return Result{Reason: truncate(err.Error(), reasonMax)}
	}
	id := rawID(resp.Data.ID)
	if id == "" {
		id = rawID(resp.Data.PostID)
	}
	return Result{OK: true, PostID: id}
}

func (p *Pipeline) record(step string, err error) {
	if p.observe != nil {
		p.observe(step, err)
	}
}

// firstPostID accepts {data:{posts:[...]}} and {data:[...]} feeds.
func firstPostID(data []byte) string {
	var env struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(data, &env); err != nil || len(env.Data) == 0 {
		return ""
	}
	type post struct {
		ID     json.RawMessage `json:"id"`
		PostID json.RawMessage `json:"post_id"`
	}
	var posts []post
	if err := json.Unmarshal(env.Data, &posts); err != nil {
		var wrapped struct {
			Posts []post `json:"posts"`
		}
		if err := json.Unmarshal(env.Data, &wrapped); err != nil {
			return ""
		}
		posts = wrapped.Posts
	}
	if len(posts) == 0 {
		return ""
	}
	if id := rawID(posts[0].ID); id != "" {
		return id
	}
	return rawID(posts[0].PostID)
}

// rawID renders a JSON string or number id.
func rawID(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return strings.Trim(string(raw), `"`)
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
