package app

import (
	"context"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stockbot/internal/config"
	"stockbot/internal/delivery"
	"stockbot/internal/observability/httpd"
	"stockbot/internal/sweeper"
	"stockbot/internal/transport"
)

func baseConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Telegram.Token = "123:abc"
	cfg.Telegram.SourceChannelID = -100
	cfg.Telegram.RequiredGroupID = -200
	cfg.Storage.Driver = "memory"
	return cfg
}

func TestRouteUpdates(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	in := make(chan transport.Update, 8)
	posts := make(chan *transport.Message, 8)
	cmds := make(chan *transport.Message, 8)

	post := &transport.Message{ID: 1, ChatID: -100, Text: "stock:"}
	dm := &transport.Message{ID: 2, ChatID: 42, FromID: 42, Text: "/start", IsPrivate: true}
	group := &transport.Message{ID: 3, ChatID: -200, FromID: 42, Text: "/start"}

	in <- transport.Update{Kind: transport.UpdateChannelPost, Message: post}
	in <- transport.Update{Kind: transport.UpdateMessage, Message: group}
	in <- transport.Update{Kind: transport.UpdateMessage}
	in <- transport.Update{Kind: transport.UpdateMessage, Message: dm}
	close(in)

	routeUpdates(ctx, in, posts, cmds)

	require.Len(t, posts, 1)
	assert.Same(t, post, <-posts)
	require.Len(t, cmds, 1)
	assert.Same(t, dm, <-cmds)
}

func TestRouteUpdatesStopsOnCancel(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	in := make(chan transport.Update, 1)
	posts := make(chan *transport.Message) // nobody reads
	in <- transport.Update{Kind: transport.UpdateChannelPost, Message: &transport.Message{}}

	done := make(chan struct{})
	go func() {
		routeUpdates(ctx, in, posts, nil)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("routeUpdates did not return after cancel")
	}
}

func TestMapDefaults(t *testing.T) {
	t.Parallel()
	cfg := baseConfig()

	sc, err := mapStorageConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, "memory", sc.Driver)

	cfg.Storage.Driver = ""
	sc, err = mapStorageConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, "./data/stockbot.db", sc.Path)
	assert.Equal(t, time.Second, sc.BusyTimeout)

	opts, err := mapDeliveryOptions(cfg)
	require.NoError(t, err)
	assert.Equal(t, delivery.DefaultRetryAfter, opts.DefaultRetryAfter)
	assert.Equal(t, 15*time.Second, opts.SendTimeout)

	hc, err := mapHTTPConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, httpd.DefaultAddr, hc.Addr)
	assert.False(t, hc.Enabled)

	swc, err := mapSweeperConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, sweeper.DefaultSchedule, swc.Schedule)
	assert.Equal(t, int64(-200), swc.GroupID)
	assert.Equal(t, sweeper.DefaultCheckDelay, swc.CheckDelay)

	pc := mapParserConfig(cfg)
	assert.Empty(t, pc.RestockMarkers)

	lc := mapLogConfig(cfg)
	assert.Zero(t, lc.Telegram.ChatID)
}

func TestValidateRejectsBadSections(t *testing.T) {
	t.Parallel()
	require.NoError(t, validate(context.Background(), baseConfig()))

	cfg := baseConfig()
	cfg.Delivery.SendTimeout = "soon"
	assert.Error(t, validate(context.Background(), cfg))

	cfg = baseConfig()
	cfg.Sweeper.Enabled = true
	cfg.Sweeper.Schedule = "cron:not a cron"
	assert.Error(t, validate(context.Background(), cfg))

	cfg.Sweeper.Enabled = false
	assert.NoError(t, validate(context.Background(), cfg))
}

func TestReasonFromSignal(t *testing.T) {
	t.Parallel()
	assert.Equal(t, StopSIGTERM, ReasonFromSignal(syscall.SIGTERM))
	assert.Equal(t, StopUnknown, ReasonFromSignal(syscall.SIGHUP))
}
