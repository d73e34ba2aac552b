package driver

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexus-trading/cloudlaunch/internal/instance"
)

// advancingWait moves the fake clock instead of sleeping.
func advancingWait(c *fakeClock) WaitFunc {
	return func(ctx context.Context, d time.Duration) bool {
		if ctx.Err() != nil {
			return false
		}
		c.Advance(d)
		return true
	}
}

// blockingWait parks the loop until it is cancelled.
func blockingWait(ctx context.Context, _ time.Duration) bool {
	<-ctx.Done()
	return false
}

func uniqueTokens(call int) []instance.Candidate {
	return []instance.Candidate{cand(fmt.Sprintf("T%d", call), fmt.Sprintf("Token %d", call), "bsc")}
}

// -----------------------------------------------------------------------
// Runners
// -----------------------------------------------------------------------

func TestRunners_StopAtCap(t *testing.T) {
	h := newHarness()
	h.fetcher.produce = uniqueTokens
	svc := NewService(h.engine, NewRunners(context.Background(), h.engine, WithWait(advancingWait(h.clock))))

	_, err := svc.Start(context.Background(), 1, instance.StartRequest{Mode: instance.ModeCron, MaxLaunches: 3})
	require.NoError(t, err)
	svc.runners.Wait()

	cfg := h.config(t, 1)
	assert.False(t, cfg.Running)
	assert.Equal(t, 3, cfg.TotalLaunched)
	assert.Equal(t, []string{"T1", "T2", "T3"}, h.launcher.Attempts())
	assert.False(t, svc.runners.Running(1))

	msgs := h.messages(t, 1)
	assert.Equal(t, "Cloud #1 started (cron mode)", msgs[0])
	assert.Equal(t, 2, count(msgs, "Waiting 60s before next cycle..."))
	assert.Equal(t, 1, count(msgs, "Max launches reached (3). Auto-stopped."))
}

func TestRunners_StopByUser(t *testing.T) {
	h := newHarness()
	h.fetcher.produce = uniqueTokens
	svc := NewService(h.engine, NewRunners(context.Background(), h.engine, WithWait(blockingWait)))

	_, err := svc.Start(context.Background(), 1, instance.StartRequest{Mode: instance.ModeEdge, DelaySeconds: 5})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		logs, err := h.store.Logs(context.Background(), 1)
		return err == nil && len(logs) > 0 && logs[0].Msg == "Waiting 15s before next cycle..."
	}, time.Second, 5*time.Millisecond)
	assert.Len(t, h.launcher.Attempts(), 1)
	assert.True(t, svc.runners.Running(1))

	require.NoError(t, svc.Stop(context.Background(), 1))
	svc.runners.Wait()

	assert.False(t, svc.runners.Running(1))
	cfg := h.config(t, 1)
	assert.False(t, cfg.Running)
	assert.Equal(t, instance.PhaseStoppedByUser, cfg.Phase())
	assert.Equal(t, 15, cfg.DelaySeconds, "edge delay is clamped")
	msgs := h.messages(t, 1)
	assert.Equal(t, "Waiting 15s before next cycle...", msgs[len(msgs)-2])
	assert.Equal(t, "Stopped by user", msgs[len(msgs)-1])
}

func TestRunners_StopAllOnShutdown(t *testing.T) {
	h := newHarness()
	h.fetcher.produce = uniqueTokens
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runners := NewRunners(ctx, h.engine, WithWait(blockingWait))
	svc := NewService(h.engine, runners)

	for _, id := range []int{1, 2} {
		_, err := svc.Start(context.Background(), id, instance.StartRequest{Mode: instance.ModeCron})
		require.NoError(t, err)
	}
	require.Eventually(t, func() bool {
		return len(h.launcher.Attempts()) == 2
	}, time.Second, 5*time.Millisecond)

	runners.StopAll()
	assert.False(t, runners.Running(1))
	assert.False(t, runners.Running(2))
	assert.True(t, h.config(t, 1).Running, "shutdown leaves records running for resume")
}

func TestRunners_ServerCronHasNoLoop(t *testing.T) {
	h := newHarness()
	svc := NewService(h.engine, NewRunners(context.Background(), h.engine, WithWait(blockingWait)))

	_, err := svc.Start(context.Background(), 1, serverCron)
	require.NoError(t, err)
	assert.False(t, svc.runners.Running(1))
	assert.Empty(t, h.fetcher.Calls())
}

// -----------------------------------------------------------------------
// Service
// -----------------------------------------------------------------------

func TestService_StartResetsState(t *testing.T) {
	h := newHarness()
	svc := NewService(h.engine, nil, WithDefaultWallet("0xfee"))
	ctx := context.Background()

	require.NoError(t, svc.AppendLog(ctx, 1, "old line", instance.SeverityInfo))
	cfg, err := svc.Start(ctx, 1, instance.StartRequest{Mode: instance.ModeServerCron})
	require.NoError(t, err)
	assert.True(t, cfg.Running)
	assert.Equal(t, "kibu", cfg.Launchpad)
	assert.Equal(t, 50, cfg.MaxLaunches)
	assert.Equal(t, "0xfee", cfg.Wallet)
	assert.Equal(t, h.clock.Now().UnixMilli(), cfg.StartedAt)

	st, err := svc.Status(ctx, 1)
	require.NoError(t, err)
	require.NotNil(t, st.Config)
	require.Len(t, st.Logs, 1)
	assert.Equal(t, "Cloud #1 started (server_cron mode)", st.Logs[0].Msg)
	assert.Equal(t, instance.SeveritySuccess, st.Logs[0].Type)
}

func TestService_StatusChronological(t *testing.T) {
	h := newHarness()
	svc := NewService(h.engine, nil)
	ctx := context.Background()

	st, err := svc.Status(ctx, 2)
	require.NoError(t, err)
	assert.Nil(t, st.Config)
	assert.NotNil(t, st.Logs)
	assert.Empty(t, st.Logs)

	for _, m := range []string{"a", "b", "c"} {
		require.NoError(t, svc.AppendLog(ctx, 2, m, ""))
	}
	st, err = svc.Status(ctx, 2)
	require.NoError(t, err)
	require.Len(t, st.Logs, 3)
	assert.Equal(t, "a", st.Logs[0].Msg)
	assert.Equal(t, "c", st.Logs[2].Msg)
	assert.Equal(t, instance.SeverityInfo, st.Logs[0].Type)
}

func TestService_UnknownInstance(t *testing.T) {
	svc := NewService(newHarness().engine, nil)
	ctx := context.Background()

	_, err := svc.Status(ctx, 4)
	assert.ErrorIs(t, err, ErrUnknownInstance)
	_, err = svc.Start(ctx, 0, serverCron)
	assert.ErrorIs(t, err, ErrUnknownInstance)
	assert.ErrorIs(t, svc.Stop(ctx, 9), ErrUnknownInstance)
	assert.ErrorIs(t, svc.Clear(ctx, -1), ErrUnknownInstance)
}

func TestService_StopAndClear(t *testing.T) {
	h := newHarness()
	svc := NewService(h.engine, nil)
	ctx := context.Background()

	require.NoError(t, svc.Stop(ctx, 1), "stopping a missing record is a no-op")
	assert.Nil(t, h.config(t, 1))

	_, err := svc.Start(ctx, 1, serverCron)
	require.NoError(t, err)
	require.NoError(t, svc.Stop(ctx, 1))
	cfg := h.config(t, 1)
	require.NotNil(t, cfg)
	assert.False(t, cfg.Running)
	assert.Contains(t, h.messages(t, 1), "Stopped by user")

	require.NoError(t, svc.Clear(ctx, 1))
	st, err := svc.Status(ctx, 1)
	require.NoError(t, err)
	assert.Nil(t, st.Config)
	assert.Empty(t, st.Logs)
}

func TestService_Deployed(t *testing.T) {
	h := newHarness()
	svc := NewService(h.engine, nil)
	ctx := context.Background()

	_, err := svc.Deployed(ctx, 1, "x_y", nil)
	assert.ErrorIs(t, err, ErrNoRecord)

	req := serverCron
	req.MaxLaunches = 2
	_, err = svc.Start(ctx, 1, req)
	require.NoError(t, err)

	idx := 4
	res, err := svc.Deployed(ctx, 1, "mdog_moon dog", &idx)
	require.NoError(t, err)
	assert.Equal(t, DeployedResult{OK: true, TotalLaunched: 1, Stopped: false}, res)
	cfg := h.config(t, 1)
	assert.Equal(t, 4, cfg.SourceIndex)
	assert.Equal(t, []string{"mdog_moon dog"}, cfg.LaunchedKeys)

	res, err = svc.Deployed(ctx, 1, "mdog_moon dog", nil)
	require.NoError(t, err)
	assert.Equal(t, DeployedResult{OK: true, TotalLaunched: 2, Stopped: true}, res)
	cfg = h.config(t, 1)
	assert.Equal(t, []string{"mdog_moon dog"}, cfg.LaunchedKeys, "keys are not duplicated")
	assert.Equal(t, 4, cfg.SourceIndex)
	assert.Equal(t, 1, count(h.messages(t, 1), "Auto-stopped"))
}

func TestService_DeployedAfterCapDoesNotCount(t *testing.T) {
	h := newHarness()
	svc := NewService(h.engine, nil)
	ctx := context.Background()

	req := serverCron
	req.MaxLaunches = 1
	_, err := svc.Start(ctx, 1, req)
	require.NoError(t, err)

	res, err := svc.Deployed(ctx, 1, "a", nil)
	require.NoError(t, err)
	assert.Equal(t, DeployedResult{OK: true, TotalLaunched: 1, Stopped: true}, res)

	for _, key := range []string{"b", "c"} {
		res, err = svc.Deployed(ctx, 1, key, nil)
		require.NoError(t, err)
		assert.Equal(t, DeployedResult{OK: true, TotalLaunched: 1, Stopped: true}, res)
	}

	cfg := h.config(t, 1)
	assert.Equal(t, 1, cfg.TotalLaunched)
	assert.False(t, cfg.Running)
	assert.Equal(t, []string{"a", "b", "c"}, cfg.LaunchedKeys, "late keys are still deduped")
	assert.Equal(t, 1, count(h.messages(t, 1), "Auto-stopped"))
}

func TestService_DeployedAfterUserStop(t *testing.T) {
	h := newHarness()
	svc := NewService(h.engine, nil)
	ctx := context.Background()

	_, err := svc.Start(ctx, 1, serverCron)
	require.NoError(t, err)
	require.NoError(t, svc.Stop(ctx, 1))

	res, err := svc.Deployed(ctx, 1, "late_token", nil)
	require.NoError(t, err)
	assert.Equal(t, DeployedResult{OK: true, TotalLaunched: 0, Stopped: true}, res)
	assert.Equal(t, []string{"late_token"}, h.config(t, 1).LaunchedKeys)
}

func TestService_UpdateSource(t *testing.T) {
	h := newHarness()
	svc := NewService(h.engine, nil)
	ctx := context.Background()

	require.NoError(t, svc.UpdateSource(ctx, 1, 3))
	assert.Nil(t, h.config(t, 1))

	_, err := svc.Start(ctx, 1, serverCron)
	require.NoError(t, err)
	h.clock.Advance(time.Minute)
	require.NoError(t, svc.UpdateSource(ctx, 1, 3))
	cfg := h.config(t, 1)
	assert.Equal(t, 3, cfg.SourceIndex)
	assert.Equal(t, h.clock.Now().UnixMilli(), cfg.LastRunAt)
}

func TestResume(t *testing.T) {
	now := time.Now()
	running := func(mode instance.Mode, total int) *instance.Config {
		cfg := instance.NewConfig(instance.StartRequest{Mode: mode, MaxLaunches: 5}, now)
		cfg.TotalLaunched = total
		return cfg
	}
	stopped := running(instance.ModeCron, 0)
	stopped.Stop(now)

	tests := []struct {
		name string
		cfg  *instance.Config
		want ResumeAction
	}{
		{"absent", nil, ResumeIdle},
		{"stopped", stopped, ResumeIdle},
		{"cap reached", running(instance.ModeEdge, 5), ResumeIdle},
		{"cron", running(instance.ModeCron, 2), ResumeLoop},
		{"edge", running(instance.ModeEdge, 0), ResumeLoop},
		{"server cron", running(instance.ModeServerCron, 1), ResumePoll},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Resume(tt.cfg))
		})
	}
}

func TestService_ResumeAll(t *testing.T) {
	h := newHarness()
	h.fetcher.produce = uniqueTokens
	runners := NewRunners(context.Background(), h.engine, WithWait(blockingWait))
	svc := NewService(h.engine, runners)

	cron := h.seed(t, 1, instance.StartRequest{Mode: instance.ModeCron, MaxLaunches: 4})
	cron.TotalLaunched = 2
	require.NoError(t, h.store.SaveConfig(context.Background(), 1, cron))
	h.seed(t, 2, serverCron)

	resumed, err := svc.ResumeAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int{1}, resumed)
	assert.Contains(t, h.messages(t, 1), "Auto-resuming cron mode (2/4 launched)...")
	assert.Empty(t, h.messages(t, 2))

	require.Eventually(t, func() bool {
		return len(h.launcher.Attempts()) == 1
	}, time.Second, 5*time.Millisecond)
	runners.StopAll()
	assert.Equal(t, 3, h.config(t, 1).TotalLaunched)
}
