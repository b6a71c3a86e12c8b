// Package bot wires the Discord session to the store, the Twitch client
// and the poll engine, and dispatches chat commands.
package bot

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/Sunkwii/DiscordTwitchAnnouncer/internal/announce"
	"github.com/Sunkwii/DiscordTwitchAnnouncer/internal/config"
	"github.com/Sunkwii/DiscordTwitchAnnouncer/internal/i18n"
	"github.com/Sunkwii/DiscordTwitchAnnouncer/internal/poller"
	"github.com/Sunkwii/DiscordTwitchAnnouncer/internal/store"
	"github.com/Sunkwii/DiscordTwitchAnnouncer/internal/twitch"
)

// Bot represents the Discord bot instance
type Bot struct {
	config    *config.Config
	session   *discordgo.Session
	store     *store.Store
	catalog   *i18n.Catalog
	announcer *announce.Dispatcher
	engine    *poller.Engine

	connected atomic.Bool
	started   time.Time

	registry *registry
}

// New creates a new Bot instance
func New(cfg *config.Config) (*Bot, error) {
	// Create Discord session
	session, err := discordgo.New("Bot " + cfg.DiscordToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create Discord session: %w", err)
	}

	// Guild, message and content intents are enough: announcements are
	// plain channel sends and commands are prefix messages.
	session.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildMessages | discordgo.IntentMessageContent

	// Translation tables
	catalog, err := i18n.NewCatalog()
	if err != nil {
		return nil, fmt.Errorf("failed to load translations: %w", err)
	}
	if cfg.TranslationsDir != "" {
		if err := catalog.LoadDir(cfg.TranslationsDir); err != nil {
			return nil, fmt.Errorf("failed to load extra translations: %w", err)
		}
	}

	// Initialize storage
	st, err := store.New(cfg.DataPath, func() *store.Guild {
		return store.DefaultGuild(cfg.DefaultPrefix, cfg.DefaultLanguage)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	// Twitch API access
	tokens := &twitch.TokenManager{
		ClientID:     cfg.TwitchClientID,
		ClientSecret: cfg.TwitchClientSecret,
		Path:         cfg.TokenPath,
	}
	client := twitch.NewClient(tokens)

	b := &Bot{
		config:   cfg,
		session:  session,
		store:    st,
		catalog:  catalog,
		started:  time.Now(),
		registry: newRegistry(),
	}
	b.announcer = announce.New(session)
	b.engine = poller.New(st, client, tokens, b.announcer, b, catalog,
		time.Duration(cfg.PollIntervalSeconds)*time.Second)

	// Register event handlers
	b.registerHandlers()

	return b, nil
}

// Start opens the Discord connection and starts the poll loop
func (b *Bot) Start(ctx context.Context) error {
	if err := b.session.Open(); err != nil {
		return fmt.Errorf("failed to open Discord connection: %w", err)
	}

	slog.Info("Connected to Discord", "user", b.session.State.User.Username)

	go b.engine.Start(ctx)

	return nil
}

// Stop gracefully shuts down the bot
func (b *Bot) Stop() error {
	if b.engine != nil {
		b.engine.Stop()
	}

	if b.session != nil {
		return b.session.Close()
	}

	return nil
}

// HasGuild reports whether the bot is currently a member of the guild.
// Part of the poller.Directory contract.
func (b *Bot) HasGuild(guildID string) bool {
	g, err := b.session.State.Guild(guildID)
	return err == nil && g != nil
}

// Connected reports whether the Discord gateway session is up. Part of the
// poller.Directory contract.
func (b *Bot) Connected() bool {
	return b.connected.Load()
}

// registerHandlers sets up Discord event handlers
func (b *Bot) registerHandlers() {
	b.session.AddHandler(b.handleReady)
	b.session.AddHandler(b.handleGuildCreate)
	b.session.AddHandler(b.handleGuildDelete)
	b.session.AddHandler(b.handleMessage)
	b.session.AddHandler(func(s *discordgo.Session, _ *discordgo.Connect) {
		b.connected.Store(true)
	})
	b.session.AddHandler(func(s *discordgo.Session, _ *discordgo.Resumed) {
		b.connected.Store(true)
		slog.Info("Reconnected to Discord")
	})
	b.session.AddHandler(func(s *discordgo.Session, _ *discordgo.Disconnect) {
		b.connected.Store(false)
		slog.Warn("Disconnected from Discord")
	})
}

// handleReady backfills guild records and defaults and sets the activity.
func (b *Bot) handleReady(s *discordgo.Session, r *discordgo.Ready) {
	b.connected.Store(true)
	slog.Info("Bot is ready", "guilds", len(r.Guilds))

	b.setActivity()

	data, err := b.store.Load()
	if err != nil {
		slog.Error("Failed to load data on ready", "error", err)
		return
	}

	var ops []store.Op
	for _, guild := range r.Guilds {
		g, known := data.Guilds[guild.ID]
		if !known {
			ops = append(ops, store.Op{Guild: guild.ID, Action: store.ActionAddGuild})
			continue
		}
		ops = append(ops, store.FillDefaults(guild.ID, g, b.config.DefaultPrefix, b.config.DefaultLanguage)...)
	}
	if len(ops) > 0 {
		if err := b.store.Apply(ops); err != nil {
			slog.Error("Failed to backfill guild records", "error", err)
		}
	}
}

// setActivity applies the configured presence, if any.
func (b *Bot) setActivity() {
	name := b.config.ActivityName
	if name == "" {
		return
	}
	var err error
	switch strings.ToLower(b.config.ActivityType) {
	case "streaming":
		err = b.session.UpdateStreamingStatus(0, name, "")
	case "listening":
		err = b.session.UpdateListeningStatus(name)
	case "watching":
		err = b.session.UpdateWatchStatus(0, name)
	default:
		err = b.session.UpdateGameStatus(0, name)
	}
	if err != nil {
		slog.Error("Failed to set activity", "error", err)
	} else {
		slog.Info("Activity set", "type", b.config.ActivityType, "name", name)
	}
}

// handleGuildCreate creates a record for guilds the bot newly joins.
func (b *Bot) handleGuildCreate(s *discordgo.Session, g *discordgo.GuildCreate) {
	data, err := b.store.Load()
	if err != nil {
		slog.Error("Failed to load data on guild create", "error", err)
		return
	}
	if _, known := data.Guilds[g.ID]; known {
		return
	}
	if err := b.store.Apply([]store.Op{{Guild: g.ID, Action: store.ActionAddGuild}}); err != nil {
		slog.Error("Failed to add guild record", "guild", g.ID, "error", err)
		return
	}
	b.engine.AddGuild(g.ID)
	slog.Info("Added guild", "guild", g.ID, "name", g.Name)
}

// handleGuildDelete removes the record when the bot leaves a guild. A
// temporary outage (unavailable guild) keeps the record.
func (b *Bot) handleGuildDelete(s *discordgo.Session, g *discordgo.GuildDelete) {
	if g.Unavailable {
		return
	}
	if err := b.store.Apply([]store.Op{{Guild: g.ID, Action: store.ActionRemoveGuild}}); err != nil {
		slog.Error("Failed to remove guild record", "guild", g.ID, "error", err)
		return
	}
	b.engine.RemoveGuild(g.ID)
	slog.Info("Removed guild", "guild", g.ID)
}
