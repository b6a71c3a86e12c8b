// Package poller drives the recurring poll-fetch-diff-announce cycle. It
// owns the runtime cache of per-guild, per-streamer live state and is the
// only writer of the persisted lastStartedAt markers.
package poller

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Sunkwii/DiscordTwitchAnnouncer/internal/announce"
	"github.com/Sunkwii/DiscordTwitchAnnouncer/internal/i18n"
	"github.com/Sunkwii/DiscordTwitchAnnouncer/internal/metrics"
	"github.com/Sunkwii/DiscordTwitchAnnouncer/internal/store"
	"github.com/Sunkwii/DiscordTwitchAnnouncer/internal/twitch"
)

// Store is the persistence surface the engine needs.
type Store interface {
	Load() (*store.Data, error)
	Apply(ops []store.Op) error
}

// StreamSource fetches live streams, game metadata and thumbnails.
type StreamSource interface {
	LiveStreams(ctx context.Context, names []string) ([]twitch.Stream, error)
	Games(ctx context.Context, ids []string) (map[string]twitch.Game, error)
	Thumbnail(ctx context.Context, url string) ([]byte, error)
}

// TokenSource guarantees a valid upstream credential before the fetch phase.
type TokenSource interface {
	Ensure(ctx context.Context) error
}

// Announcer delivers one decided announcement. It must not return errors;
// delivery failures are its own concern.
type Announcer interface {
	Announce(ctx context.Context, job announce.Job)
}

// Directory answers membership and connection questions about the Discord
// session.
type Directory interface {
	HasGuild(guildID string) bool
	Connected() bool
}

// Engine runs poll cycles and reconciles fetch results against the runtime
// cache and the persisted session markers.
type Engine struct {
	store     Store
	source    StreamSource
	tokens    TokenSource
	announcer Announcer
	directory Directory
	catalog   *i18n.Catalog
	policy    *Policy

	mu    sync.Mutex
	cache map[string]map[string]*entry // guild id -> lower(name) -> state

	stopChan chan struct{}
	wg       sync.WaitGroup
}

// entry mirrors one tracked streamer's live state between cycles.
type entry struct {
	streaming bool
	stream    twitch.Stream
	game      *twitch.Game
}

// New creates an engine polling at the given base interval.
func New(st Store, source StreamSource, tokens TokenSource, a Announcer, dir Directory, catalog *i18n.Catalog, interval time.Duration) *Engine {
	return &Engine{
		store:     st,
		source:    source,
		tokens:    tokens,
		announcer: a,
		directory: dir,
		catalog:   catalog,
		policy:    NewPolicy(interval),
		cache:     make(map[string]map[string]*entry),
		stopChan:  make(chan struct{}),
	}
}

// Start begins the polling loop. Cycles never overlap: each one finishes
// (or defers) before the next delay is armed.
func (e *Engine) Start(ctx context.Context) {
	slog.Info("Starting poller", "interval", e.policy.Base())

	e.wg.Add(1)
	defer e.wg.Done()

	delay := e.policy.Base()
	for {
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			slog.Info("Poller stopped (context cancelled)")
			return
		case <-e.stopChan:
			timer.Stop()
			slog.Info("Poller stopped")
			return
		case <-timer.C:
		}

		start := time.Now()
		outcome := e.Cycle(ctx)
		metrics.ObserveCycle(outcome.String(), time.Since(start))
		delay = e.policy.Next(outcome)
		slog.Debug("Cycle finished", "outcome", outcome.String(), "nextDelay", delay)
	}
}

// Stop signals the poller to stop and waits for the current cycle.
func (e *Engine) Stop() {
	close(e.stopChan)
	e.wg.Wait()
}

// Cycle performs one full poll-fetch-diff-announce iteration and reports
// its outcome for the delay policy.
func (e *Engine) Cycle(ctx context.Context) Outcome {
	data, err := e.store.Load()
	if err != nil {
		slog.Error("Failed to load data, retrying later", "error", err)
		return OutcomeStoreError
	}

	if !e.directory.Connected() {
		slog.Info("Discord session down, deferring cycle")
		return OutcomeDisconnected
	}

	if err := e.tokens.Ensure(ctx); err != nil {
		slog.Error("No valid Twitch token, deferring cycle", "error", err)
		return OutcomeAuthError
	}

	e.syncCache(data)

	names := e.trackedNames(data)
	metrics.SetTrackedNames(len(names))
	if len(names) == 0 {
		slog.Debug("No streamers tracked")
		return OutcomeIdle
	}

	streams, err := e.source.LiveStreams(ctx, names)
	if err != nil {
		if twitch.IsRateLimited(err) {
			slog.Warn("Throttled by Twitch", "error", err)
			return OutcomeRateLimited
		}
		slog.Error("Failed to fetch streams", "error", err)
		return OutcomeFetchError
	}
	metrics.SetLiveStreams(len(streams))

	games, thumbs, gamesErr := e.fetchMetadata(ctx, streams)
	if gamesErr != nil {
		// Best effort: announcements go out with no game info attached.
		slog.Warn("Game metadata lookup failed", "error", gamesErr)
	}

	jobs, ops := e.reconcile(data, streams, games, thumbs)

	if len(ops) > 0 {
		if err := e.store.Apply(ops); err != nil {
			// The cache already marks these sessions as announced, so the
			// cycle carries on; a crash before the next successful write
			// may re-announce them.
			slog.Error("Failed to persist session markers", "error", err)
		}
	}

	e.dispatch(ctx, jobs)
	if len(jobs) > 0 {
		slog.Info("Announced streams", "count", len(jobs))
	}

	if twitch.IsRateLimited(gamesErr) {
		return OutcomeRateLimited
	}
	return OutcomeOK
}

// trackedNames collects the distinct lowercased streamer names across every
// guild the bot is a member of. One upstream query serves all guilds
// tracking the same name, whether or not they have a destination set.
func (e *Engine) trackedNames(data *store.Data) []string {
	seen := make(map[string]struct{})
	var names []string
	for gid, g := range data.Guilds {
		if !e.directory.HasGuild(gid) {
			continue
		}
		for _, s := range g.Streamers {
			name := strings.ToLower(s.Name)
			if _, ok := seen[name]; ok {
				continue
			}
			seen[name] = struct{}{}
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// fetchMetadata resolves game ids and downloads one thumbnail per distinct
// URL, concurrently. Both lookups are best-effort: a failure yields missing
// metadata, never a failed cycle.
func (e *Engine) fetchMetadata(ctx context.Context, streams []twitch.Stream) (map[string]twitch.Game, map[string][]byte, error) {
	games := map[string]twitch.Game{}
	thumbs := map[string][]byte{}
	if len(streams) == 0 {
		return games, thumbs, nil
	}

	idSet := make(map[string]struct{})
	urlSet := make(map[string]struct{})
	for _, s := range streams {
		if s.GameID != "" {
			idSet[s.GameID] = struct{}{}
		}
		if s.ThumbnailURL != "" {
			urlSet[s.ThumbnailURL] = struct{}{}
		}
	}

	var (
		g        errgroup.Group
		mu       sync.Mutex
		gamesErr error
	)
	if len(idSet) > 0 {
		ids := make([]string, 0, len(idSet))
		for id := range idSet {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		g.Go(func() error {
			resolved, err := e.source.Games(ctx, ids)
			if err != nil {
				gamesErr = err
				return nil
			}
			mu.Lock()
			games = resolved
			mu.Unlock()
			return nil
		})
	}
	for url := range urlSet {
		url := url
		g.Go(func() error {
			img, err := e.source.Thumbnail(ctx, url)
			if err != nil {
				slog.Warn("Failed to fetch thumbnail", "url", url, "error", err)
				return nil
			}
			mu.Lock()
			thumbs[url] = img
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return games, thumbs, gamesErr
}

// reconcile diffs the live snapshot set against the cache and persisted
// markers and decides which sessions are newly live. A session is announced
// exactly once: only when the cached state is not streaming and the
// snapshot's start time is strictly past the persisted marker.
func (e *Engine) reconcile(data *store.Data, streams []twitch.Stream, games map[string]twitch.Game, thumbs map[string][]byte) ([]announce.Job, []store.Op) {
	e.mu.Lock()
	defer e.mu.Unlock()

	liveByName := make(map[string]twitch.Stream, len(streams))
	for _, s := range streams {
		liveByName[strings.ToLower(s.Name)] = s
	}

	var jobs []announce.Job
	var ops []store.Op
	for gid, g := range data.Guilds {
		if g.AnnouncementChannel == "" || !e.directory.HasGuild(gid) {
			continue
		}
		guildCache := e.cache[gid]
		changed := false
		for i := range g.Streamers {
			key := strings.ToLower(g.Streamers[i].Name)
			ce := guildCache[key]
			if ce == nil {
				ce = &entry{}
				guildCache[key] = ce
			}

			s, live := liveByName[key]
			if !live {
				ce.streaming = false
				continue
			}
			var game *twitch.Game
			if resolved, ok := games[s.GameID]; ok {
				game = &resolved
			}
			// The cache mirrors the latest snapshot even while the
			// session is already announced; a failed game lookup keeps
			// the last resolved metadata.
			ce.stream = s
			if game != nil {
				ce.game = game
			}
			if ce.streaming || !s.StartedAt.After(g.Streamers[i].LastStartedAt) {
				continue
			}
			ce.streaming = true
			g.Streamers[i].LastStartedAt = s.StartedAt
			changed = true

			t := e.catalog.For(g.Language)
			jobs = append(jobs, announce.Job{
				GuildID:     gid,
				ChannelID:   g.AnnouncementChannel,
				Stream:      s,
				Game:        game,
				Image:       thumbs[s.ThumbnailURL],
				Template:    g.Message,
				Reactions:   g.Reactions,
				Locale:      g.Time.Locale,
				TimeZone:    g.Time.TimeZone,
				UnknownGame: t.UnknownGame,
				Footer:      t.StreamStarted,
			})
		}
		if changed {
			updated := make([]store.Streamer, len(g.Streamers))
			copy(updated, g.Streamers)
			ops = append(ops, store.Op{Guild: gid, Field: "streamers", Action: store.ActionReplace, Value: updated})
		}
	}
	return jobs, ops
}

// dispatch fires all announcement jobs concurrently and waits for them.
// Individual failures are the announcer's business and never abort
// siblings.
func (e *Engine) dispatch(ctx context.Context, jobs []announce.Job) {
	var wg sync.WaitGroup
	for _, job := range jobs {
		job := job
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.announcer.Announce(ctx, job)
		}()
	}
	wg.Wait()
}

// syncCache realigns the runtime cache with the stored document: an entry
// exists for every tracked streamer of every known guild, and nothing else.
// Existing entries keep their state.
func (e *Engine) syncCache(data *store.Data) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for gid := range e.cache {
		if _, ok := data.Guilds[gid]; !ok {
			delete(e.cache, gid)
		}
	}
	for gid, g := range data.Guilds {
		guildCache := e.cache[gid]
		if guildCache == nil {
			guildCache = make(map[string]*entry)
			e.cache[gid] = guildCache
		}
		names := make(map[string]struct{}, len(g.Streamers))
		for _, s := range g.Streamers {
			key := strings.ToLower(s.Name)
			names[key] = struct{}{}
			if _, ok := guildCache[key]; !ok {
				guildCache[key] = &entry{}
			}
		}
		for key := range guildCache {
			if _, ok := names[key]; !ok {
				delete(guildCache, key)
			}
		}
	}
}

// AddGuild creates an empty cache bucket for a newly joined guild.
func (e *Engine) AddGuild(guildID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.cache[guildID]; !ok {
		e.cache[guildID] = make(map[string]*entry)
	}
}

// RemoveGuild drops a guild's cache bucket when the bot leaves.
func (e *Engine) RemoveGuild(guildID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.cache, guildID)
}

// Track adds a streamer to a guild's cache. It reports false when the name
// is already tracked there.
func (e *Engine) Track(guildID, name string) bool {
	key := strings.ToLower(name)
	e.mu.Lock()
	defer e.mu.Unlock()
	guildCache := e.cache[guildID]
	if guildCache == nil {
		guildCache = make(map[string]*entry)
		e.cache[guildID] = guildCache
	}
	if _, ok := guildCache[key]; ok {
		return false
	}
	guildCache[key] = &entry{}
	return true
}

// Untrack removes a streamer from a guild's cache. It reports false when
// the name was not tracked.
func (e *Engine) Untrack(guildID, name string) bool {
	key := strings.ToLower(name)
	e.mu.Lock()
	defer e.mu.Unlock()
	guildCache := e.cache[guildID]
	if guildCache == nil {
		return false
	}
	if _, ok := guildCache[key]; !ok {
		return false
	}
	delete(guildCache, key)
	return true
}
