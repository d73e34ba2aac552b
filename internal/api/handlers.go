package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/nexus-trading/cloudlaunch/internal/imagesearch"
	"github.com/nexus-trading/cloudlaunch/internal/instance"
	"github.com/nexus-trading/cloudlaunch/internal/ledger"
)

// -----------------------------------------------------------------------
// Cloud launch control
// -----------------------------------------------------------------------

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id, err := s.queryInstance(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	st, err := s.svc.Status(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

type controlRequest struct {
	Action       string     `json:"action"`
	InstanceID   instanceID `json:"instanceId"`
	Mode         string     `json:"mode"`
	Launchpad    string     `json:"launchpad"`
	Agent        string     `json:"agent"`
	Chain        string     `json:"chain"`
	Wallet       string     `json:"wallet"`
	Source       string     `json:"source"`
	Platform     string     `json:"kibuPlatform"`
	DelaySeconds int        `json:"delaySeconds"`
	MaxLaunches  int        `json:"maxLaunches"`
}

func (c controlRequest) startRequest() (instance.StartRequest, error) {
	mode := instance.Mode(c.Mode)
	if mode == "" {
		mode = instance.ModeCron
	}
	if !mode.Valid() {
		return instance.StartRequest{}, fmt.Errorf("invalid mode %q", c.Mode)
	}
	return instance.StartRequest{
		Mode:         mode,
		Launchpad:    c.Launchpad,
		Agent:        c.Agent,
		Chain:        c.Chain,
		Wallet:       c.Wallet,
		Source:       c.Source,
		Platform:     c.Platform,
		DelaySeconds: c.DelaySeconds,
		MaxLaunches:  c.MaxLaunches,
	}, nil
}

func (s *Server) handleControl(w http.ResponseWriter, r *http.Request) {
	var req controlRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	id := req.InstanceID.orDefault()
	ctx := r.Context()

	switch req.Action {
	case "start":
		sr, err := req.startRequest()
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		cfg, err := s.svc.Start(ctx, id, sr)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "config": cfg})
	case "stop":
		if err := s.svc.Stop(ctx, id); err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true})
	case "clear":
		if err := s.svc.Clear(ctx, id); err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true})
	default:
		log.Debug().Str("action", req.Action).Err(ErrInvalidAction).Msg("api: control rejected")
		writeError(w, http.StatusBadRequest, "Invalid action")
	}
}

type runRequest struct {
	Action      string     `json:"action"`
	InstanceID  instanceID `json:"instanceId"`
	Msg         string     `json:"msg"`
	Type        string     `json:"type"`
	Symbol      string     `json:"symbol"`
	Name        string     `json:"name"`
	SourceIndex *int       `json:"sourceIndex"`
}

// launchKey is the dedup key of a reported launch. Older drivers only send
// the symbol.
func (r runRequest) launchKey() string {
	if r.Name != "" {
		return instance.DedupKey(r.Symbol, r.Name)
	}
	return strings.ToLower(r.Symbol)
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	id := req.InstanceID.orDefault()
	ctx := r.Context()

	switch req.Action {
	case "log":
		if err := s.svc.AppendLog(ctx, id, req.Msg, instance.ParseSeverity(req.Type)); err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	case "deployed":
		res, err := s.svc.Deployed(ctx, id, req.launchKey(), req.SourceIndex)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	case "update_source":
		idx := 0
		if req.SourceIndex != nil {
			idx = *req.SourceIndex
		}
		if err := s.svc.UpdateSource(ctx, id, idx); err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	default:
		writeError(w, http.StatusBadRequest, "unknown action")
	}
}

type cronResult struct {
	InstanceID    int    `json:"instanceId"`
	Deployed      bool   `json:"deployed"`
	TotalLaunched int    `json:"totalLaunched"`
	Symbol        string `json:"symbol,omitempty"`
}

type cronResponse struct {
	Cron    bool         `json:"cron"`
	TS      int64        `json:"ts"`
	Results []cronResult `json:"results"`
}

func (s *Server) handleCron(w http.ResponseWriter, r *http.Request) {
	ticks := s.svc.Engine().RunScheduled(r.Context())
	resp := cronResponse{Cron: true, TS: s.now().UnixMilli(), Results: make([]cronResult, 0, len(ticks))}
	for _, t := range ticks {
		resp.Results = append(resp.Results, cronResult{
			InstanceID:    t.InstanceID,
			Deployed:      t.Deployed,
			TotalLaunched: t.TotalLaunched,
			Symbol:        t.Symbol,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// -----------------------------------------------------------------------
// Tracker, images, activity, launches
// -----------------------------------------------------------------------

func (s *Server) handleTracker(w http.ResponseWriter, r *http.Request) {
	p, err := s.tracker.Snapshot(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("api: tracker snapshot failed")
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, p)
}

type imageRequest struct {
	Name   string `json:"name"`
	Symbol string `json:"symbol"`
}

func (s *Server) handleSearchImage(w http.ResponseWriter, r *http.Request) {
	var req imageRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	hit, err := s.images.Search(r.Context(), req.Name, req.Symbol)
	switch {
	case errors.Is(err, imagesearch.ErrNoName):
		writeError(w, http.StatusBadRequest, "Token name required")
	case errors.Is(err, imagesearch.ErrNotFound):
		writeError(w, http.StatusNotFound, "No image found. Try AI Generate instead.")
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusOK, hit)
	}
}

func (s *Server) handleActivity(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"entries": s.hub.Snapshot()})
}

func (s *Server) handleActivityClear(w http.ResponseWriter, _ *http.Request) {
	s.hub.Clear()
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleLaunches(w http.ResponseWriter, r *http.Request) {
	id, err := s.queryInstance(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !s.svc.Known(id) {
		writeError(w, http.StatusBadRequest, ErrBadInstance.Error())
		return
	}
	limit := defaultLaunchLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = min(n, maxLaunchLimit)
	}
	entries, err := s.launches.Recent(r.Context(), id, limit)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if entries == nil {
		entries = []ledger.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"launches": entries})
}
