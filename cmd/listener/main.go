// Command listener is a headless client. With -room it joins a room and keeps its
// playback cursor in sync; otherwise it runs the solo queue, seeded by -query.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"silent-disco/internal/analytics"
	"silent-disco/internal/cache"
	"silent-disco/internal/config"
	"silent-disco/internal/domain"
	"silent-disco/internal/localqueue"
	"silent-disco/internal/provider"
	"silent-disco/internal/smartqueue"
	"silent-disco/internal/syncagent"
)

const defaultTrackLength = 3 * time.Minute

func main() {
	var (
		configPath = flag.String("config", "", "path to a TOML config file")
		roomCode   = flag.String("room", "", "join code of the room to listen to")
		query      = flag.String("query", "", "solo mode: search used to start playback")
		userID     = flag.String("user", "", "solo mode: user id attached to listening events")
	)
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(*configPath)
	if err != nil {
		bootLog := zerolog.New(os.Stderr)
		bootLog.Fatal().Err(err).Msg("failed to load configuration")
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Str("service", "listener").Logger()
	if lvl, err := zerolog.ParseLevel(cfg.Log.Level); err == nil && cfg.Log.Level != "" {
		log = log.Level(lvl)
	}

	if *roomCode != "" {
		err = runRoom(ctx, cfg, strings.ToUpper(*roomCode), log, logPlayback(log))
	} else {
		s := solo{cfg: cfg, query: *query, userID: *userID, length: trackLength, log: log}
		err = s.run(ctx)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal().Err(err).Msg("listener stopped")
	}
}

func logPlayback(log zerolog.Logger) func(syncagent.State) {
	return func(s syncagent.State) {
		ev := log.Info().Bool("playing", s.IsPlaying).Float64("position", s.Position).Int("queued", len(s.Queue))
		if s.Track != nil {
			ev = ev.Str("track", s.Track.ID).Str("title", s.Track.Title)
		}
		ev.Msg("playback")
	}
}

// runRoom joins code and applies room traffic until ctx ends.
func runRoom(ctx context.Context, cfg *config.Config, code string, log zerolog.Logger, observe func(syncagent.State)) error {
	conn, err := syncagent.Dial(ctx, cfg.Listener.ServerURL, cfg.Listener.Token)
	if err != nil {
		return fmt.Errorf("dial %s: %w", cfg.Listener.ServerURL, err)
	}

	agent := syncagent.New(code, conn, syncagent.Config{
		Heartbeat:      cfg.Sync.Heartbeat,
		DriftThreshold: cfg.Sync.DriftThreshold,
		SuppressWindow: cfg.Sync.SuppressWindow,
	}, log)
	if observe != nil {
		agent.Observe(observe)
	}
	if err := agent.Join(ctx, cfg.Listener.Token); err != nil {
		_ = conn.Close()
		return fmt.Errorf("join %s: %w", code, err)
	}
	log.Info().Str("room", code).Msg("joined")
	return agent.Run(ctx)
}

// httpBaseURL derives the service base URL from the websocket endpoint.
func httpBaseURL(wsURL string) (string, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	case "http", "https":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(strings.TrimRight(u.Path, "/"), "/ws")
	u.RawQuery, u.Fragment = "", ""
	return strings.TrimRight(u.String(), "/"), nil
}

func trackLength(t domain.Track) time.Duration {
	if t.DurationMs > 0 {
		return time.Duration(t.DurationMs) * time.Millisecond
	}
	return defaultTrackLength
}

// solo plays through the local queue without a room.
type solo struct {
	cfg    *config.Config
	query  string
	userID string
	length func(domain.Track) time.Duration
	log    zerolog.Logger
}

func (s solo) run(ctx context.Context) error {
	base, err := httpBaseURL(s.cfg.Listener.ServerURL)
	if err != nil {
		return err
	}
	token := s.cfg.Listener.Token

	catalog := provider.NewHTTPClient(base, token, s.cfg.Provider.Timeout)
	rep := smartqueue.New(catalog, cache.NewMemoryCache(), smartqueue.Config{
		Threshold:  s.cfg.SmartQueue.SoloThreshold,
		Cap:        s.cfg.SmartQueue.Cap,
		FetchLimit: s.cfg.SmartQueue.FetchLimit,
		CacheTTL:   s.cfg.SmartQueue.CacheTTL,
	}, s.log)
	sink := analytics.NewBatchSink(base, token, s.log)

	st, err := localqueue.OpenSQLite(ctx, s.cfg.Listener.StateDB)
	if err != nil {
		return err
	}
	defer st.Close()

	eng := localqueue.New(rep, sink, st, localqueue.Options{
		UserID:              s.userID,
		HistorySize:         s.cfg.SmartQueue.History,
		ClearExplicitOnPlay: s.cfg.Listener.ClearExplicitOnPlay,
	}, s.log)
	if err := eng.Restore(ctx); err != nil {
		return fmt.Errorf("restore local queue: %w", err)
	}

	if s.query != "" {
		tracks, err := catalog.SearchTracks(ctx, s.query, provider.DefaultLimit)
		if err != nil {
			return fmt.Errorf("search %q: %w", s.query, err)
		}
		if len(tracks) == 0 {
			return fmt.Errorf("search %q: no results", s.query)
		}
		if err := eng.PlayPlaylist(ctx, tracks, 0, "search:"+s.query); err != nil {
			return err
		}
	}
	if eng.Current() == nil {
		return errors.New("nothing to play: pass -query")
	}

	sinkCtx, stopSink := context.WithCancel(context.WithoutCancel(ctx))
	g := new(errgroup.Group)
	g.Go(func() error { return sink.Run(sinkCtx) })
	g.Go(func() error {
		defer stopSink()
		return s.play(ctx, eng)
	})
	return g.Wait()
}

// play advances through the queue as each track runs out.
func (s solo) play(ctx context.Context, eng *localqueue.Engine) error {
	cur := eng.Current()
	for cur != nil {
		s.log.Info().Str("track", cur.ID).Str("title", cur.Title).Msg("now playing")
		timer := time.NewTimer(s.length(*cur))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
		cur = eng.PlayNext(ctx)
	}
	s.log.Info().Msg("queue finished")
	return nil
}
