package bot

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"golang.org/x/text/language"

	"github.com/Sunkwii/DiscordTwitchAnnouncer/internal/announce"
	"github.com/Sunkwii/DiscordTwitchAnnouncer/internal/i18n"
	"github.com/Sunkwii/DiscordTwitchAnnouncer/internal/store"
	"github.com/Sunkwii/DiscordTwitchAnnouncer/internal/twitch"
)

// customEmojiPattern matches Discord custom emoji markup like <:name:id>
// or <a:name:id>; only the numeric id is persisted.
var customEmojiPattern = regexp.MustCompile(`^<a?:\w+:(\d+)>$`)

// demoBoxArtURL is the box art shown in the sample announcement after a
// streamer is added.
const demoBoxArtURL = "https://static-cdn.jtvnw.net/ttv-boxart/Science%20&%20Technology-{width}x{height}.jpg"

// Command is one chat command: its localized triggers, a help line and a
// handler. Handle reports false when the arguments were unusable, which
// makes the dispatcher reply with the help line instead.
type Command struct {
	Name     string
	Triggers []string
	Help     func(c *Context) string
	Handle   func(c *Context) (bool, error)
}

// Context carries everything a command handler needs for one invocation.
type Context struct {
	Bot     *Bot
	Session *discordgo.Session
	Message *discordgo.MessageCreate
	Guild   *store.Guild
	GuildID string
	Args    []string
	Prefix  string
	T       i18n.Table
}

// Reply sends text as a reply to the invoking message.
func (c *Context) Reply(text string) {
	if _, err := c.Session.ChannelMessageSendReply(c.Message.ChannelID, text, c.Message.Reference()); err != nil {
		slog.Warn("Failed to reply", "channel", c.Message.ChannelID, "error", err)
	}
}

// registry caches the command table per language. Building the table binds
// localized triggers and help text to handlers, so it happens once per
// language instead of on every message.
type registry struct {
	mu     sync.Mutex
	lists  map[string][]*Command
	lookup map[string]map[string]*Command
}

func newRegistry() *registry {
	return &registry{
		lists:  make(map[string][]*Command),
		lookup: make(map[string]map[string]*Command),
	}
}

// resolve returns the cached command table for lang, building it on first
// use.
func (r *registry) resolve(lang string, build func() []*Command) ([]*Command, map[string]*Command) {
	key := strings.ToLower(lang)
	r.mu.Lock()
	defer r.mu.Unlock()
	if cmds, ok := r.lists[key]; ok {
		return cmds, r.lookup[key]
	}
	cmds := build()
	lookup := make(map[string]*Command)
	for _, cmd := range cmds {
		for _, trigger := range cmd.Triggers {
			lookup[strings.ToLower(trigger)] = cmd
		}
	}
	r.lists[key] = cmds
	r.lookup[key] = lookup
	return cmds, lookup
}

func (b *Bot) commandsFor(lang string, t i18n.Table) ([]*Command, map[string]*Command) {
	return b.registry.resolve(lang, func() []*Command {
		return b.buildCommands(t)
	})
}

// handleMessage dispatches prefix commands. A guild that has never been
// seen before gets a record created on first contact.
func (b *Bot) handleMessage(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot || m.GuildID == "" {
		return
	}

	data, err := b.store.Load()
	if err != nil {
		slog.Error("Failed to load data on message", "error", err)
		return
	}
	g, known := data.Guilds[m.GuildID]
	if !known {
		if err := b.store.Apply([]store.Op{{Guild: m.GuildID, Action: store.ActionAddGuild}}); err != nil {
			slog.Error("Failed to add guild record", "guild", m.GuildID, "error", err)
			return
		}
		b.engine.AddGuild(m.GuildID)
		g = store.DefaultGuild(b.config.DefaultPrefix, b.config.DefaultLanguage)
	}

	prefix := g.Prefix
	if prefix == "" {
		prefix = b.config.DefaultPrefix
	}

	// Mentioning the bot works as an alternative to the prefix.
	content := m.Content
	if s.State.User != nil {
		for _, mention := range []string{"<@" + s.State.User.ID + "> ", "<@!" + s.State.User.ID + "> "} {
			if strings.HasPrefix(content, mention) {
				content = prefix + strings.TrimPrefix(content, mention)
				break
			}
		}
	}
	if !strings.HasPrefix(content, prefix) {
		return
	}
	args := strings.Fields(content[len(prefix):])
	if len(args) == 0 {
		return
	}

	t := b.catalog.For(g.Language)
	_, lookup := b.commandsFor(g.Language, t)
	cmd, ok := lookup[strings.ToLower(args[0])]
	if !ok {
		return
	}

	c := &Context{
		Bot:     b,
		Session: s,
		Message: m,
		Guild:   g,
		GuildID: m.GuildID,
		Args:    args,
		Prefix:  prefix,
		T:       t,
	}

	if !b.allowed(s, m, g) {
		c.Reply(t.NoPermission)
		return
	}

	handled, err := cmd.Handle(c)
	if err != nil {
		slog.Error("Command failed", "command", cmd.Name, "guild", m.GuildID, "error", err)
		c.Reply(t.CommandError)
		return
	}
	if !handled {
		c.Reply(cmd.Help(c))
	}
}

// allowed gates commands: when a guild has operators configured, only
// operators and the owner may use commands; otherwise anyone who can manage
// roles (or the owner) may.
func (b *Bot) allowed(s *discordgo.Session, m *discordgo.MessageCreate, g *store.Guild) bool {
	guild, err := s.State.Guild(m.GuildID)
	if err != nil {
		return false
	}
	if m.Author.ID == guild.OwnerID {
		return true
	}
	if len(g.Operators) > 0 {
		for _, op := range g.Operators {
			if op == m.Author.ID {
				return true
			}
		}
		return false
	}
	perms, err := s.State.MessagePermissions(m.Message)
	if err != nil {
		return false
	}
	return perms&discordgo.PermissionManageRoles != 0
}

// renderHelp expands the placeholders in a localized help line: %1 is the
// example streamer URL, %2 the guild prefix, %3 the language list.
func renderHelp(help string, c *Context) string {
	out := strings.ReplaceAll(help, "%1", c.T.Example)
	out = strings.ReplaceAll(out, "%2", c.Prefix)
	return strings.ReplaceAll(out, "%3", strings.Join(c.Bot.catalog.Languages(), ", "))
}

// buildCommands binds the localized strings in t to handlers.
func (b *Bot) buildCommands(t i18n.Table) []*Command {
	var cmds []*Command
	add := func(name string, handle func(c *Context) (bool, error)) {
		tc := t.Commands[name]
		triggers := tc.Triggers
		if len(triggers) == 0 {
			triggers = []string{name}
		}
		cmds = append(cmds, &Command{
			Name:     name,
			Triggers: triggers,
			Help: func(c *Context) string {
				return renderHelp(tc.Help, c)
			},
			Handle: handle,
		})
	}
	add("help", b.cmdHelp)
	add("uptime", b.cmdUptime)
	add("add", b.cmdAdd)
	add("remove", b.cmdRemove)
	add("channel", b.cmdChannel)
	add("operator", b.cmdOperator)
	add("reaction", b.cmdReaction)
	add("timezone", b.cmdTimezone)
	add("message", b.cmdMessage)
	add("prefix", b.cmdPrefix)
	add("language", b.cmdLanguage)
	return cmds
}

func (b *Bot) cmdHelp(c *Context) (bool, error) {
	tc := c.T.Commands["help"]
	cmds, lookup := b.commandsFor(c.Guild.Language, c.T)

	if len(c.Args) > 1 {
		cmd, ok := lookup[strings.ToLower(c.Args[1])]
		if !ok {
			c.Reply(tc.Extra["doesNotExist"])
			return true, nil
		}
		c.Reply(cmd.Help(c))
		return true, nil
	}

	embed := &discordgo.MessageEmbed{
		Title: tc.Extra["availableCommands"],
		Color: 0x6441A4,
	}
	for _, cmd := range cmds {
		embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{
			Name:  strings.Join(cmd.Triggers, ", "),
			Value: cmd.Help(c),
		})
	}
	if _, err := c.Session.ChannelMessageSendEmbed(c.Message.ChannelID, embed); err != nil {
		// Probably missing embed permissions; fall back to plain text.
		var sb strings.Builder
		sb.WriteString(tc.Message)
		for _, cmd := range cmds {
			sb.WriteString("\n")
			sb.WriteString(cmd.Help(c))
		}
		c.Reply(sb.String())
	}
	return true, nil
}

func (b *Bot) cmdUptime(c *Context) (bool, error) {
	tc := c.T.Commands["uptime"]
	elapsed := time.Since(b.started)
	hours := int(elapsed.Hours())
	minutes := int(elapsed.Minutes()) % 60
	seconds := int(elapsed.Seconds()) % 60
	c.Reply(fmt.Sprintf("%s %d %s %d %s %d %s.\n(%s %s.)",
		tc.Message,
		hours, tc.Extra["hoursComma"],
		minutes, tc.Extra["minutesAnd"],
		seconds, tc.Extra["seconds"],
		tc.Extra["onlineSince"],
		announce.LocalTime(b.started, c.Guild.Time.Locale, c.Guild.Time.TimeZone)))
	return true, nil
}

// streamerName extracts the login from an argument that may be a bare name
// or a full twitch.tv URL. Logins are stored lowercased.
func streamerName(arg string) string {
	parts := strings.Split(strings.ToLower(arg), "/")
	return strings.TrimSpace(parts[len(parts)-1])
}

func (b *Bot) cmdAdd(c *Context) (bool, error) {
	if len(c.Args) < 2 {
		return false, nil
	}
	name := streamerName(c.Args[1])
	if name == "" {
		return false, nil
	}
	tc := c.T.Commands["add"]

	added, err := b.addStreamer(c.GuildID, c.Guild, name)
	if err != nil {
		return true, err
	}
	if !added {
		c.Reply(tc.Extra["alreadyExists"])
		return true, nil
	}

	b.sendDemoAnnouncement(c, name)

	reply := tc.Message
	if c.Guild.AnnouncementChannel == "" {
		reply += "\n" + tc.Extra["addAnnouncementChannel"]
	}
	c.Reply(reply)
	return true, nil
}

// sendDemoAnnouncement posts a sample announcement to the invoking channel
// so the user can see what the configured template produces.
func (b *Bot) sendDemoAnnouncement(c *Context, name string) {
	tc := c.T.Commands["add"]
	template := c.Guild.Message
	if template == "" {
		template = store.DefaultMessage
	}
	job := announce.Job{
		GuildID:   c.GuildID,
		ChannelID: c.Message.ChannelID,
		Stream: twitch.Stream{
			Name:      name,
			Type:      "live",
			Title:     tc.Extra["demoTitle"],
			StartedAt: time.Now(),
		},
		Game: &twitch.Game{
			Name:      tc.Extra["demoGameName"],
			BoxArtURL: demoBoxArtURL,
		},
		Template:    template,
		Reactions:   c.Guild.Reactions,
		Locale:      c.Guild.Time.Locale,
		TimeZone:    c.Guild.Time.TimeZone,
		UnknownGame: c.T.UnknownGame,
		Footer:      c.T.StreamStarted,
	}
	b.announcer.Announce(context.Background(), job)
}

func (b *Bot) cmdRemove(c *Context) (bool, error) {
	if len(c.Args) < 2 {
		return false, nil
	}
	name := streamerName(c.Args[1])
	if name == "" {
		return false, nil
	}
	tc := c.T.Commands["remove"]

	removed, err := b.removeStreamer(c.GuildID, c.Guild, name)
	if err != nil {
		return true, err
	}
	if !removed {
		c.Reply(tc.Extra["doesNotExist"])
		return true, nil
	}
	c.Reply(tc.Message)
	return true, nil
}

// guildTracks reports whether the stored guild record already tracks name.
// The store is the source of truth here, not the poll cache: the cache is
// empty until the first cycle after a restart.
func guildTracks(g *store.Guild, name string) bool {
	for _, s := range g.Streamers {
		if strings.EqualFold(s.Name, name) {
			return true
		}
	}
	return false
}

// addStreamer persists a newly tracked name. It reports false when the
// guild already tracks it.
func (b *Bot) addStreamer(gid string, g *store.Guild, name string) (bool, error) {
	if guildTracks(g, name) {
		return false, nil
	}
	b.engine.Track(gid, name)
	op := store.Op{Guild: gid, Field: "streamers", Action: store.ActionAppend, Value: store.Streamer{Name: name}}
	if err := b.store.Apply([]store.Op{op}); err != nil {
		b.engine.Untrack(gid, name)
		return false, err
	}
	return true, nil
}

// removeStreamer drops a tracked name. It reports false when the guild
// does not track it.
func (b *Bot) removeStreamer(gid string, g *store.Guild, name string) (bool, error) {
	if !guildTracks(g, name) {
		return false, nil
	}
	b.engine.Untrack(gid, name)
	kept := make([]store.Streamer, 0, len(g.Streamers))
	for _, s := range g.Streamers {
		if !strings.EqualFold(s.Name, name) {
			kept = append(kept, s)
		}
	}
	op := store.Op{Guild: gid, Field: "streamers", Action: store.ActionReplace, Value: kept}
	if err := b.store.Apply([]store.Op{op}); err != nil {
		return false, err
	}
	return true, nil
}

// digits strips everything but digits, turning mentions like <#id> or
// <@id> into a bare snowflake.
func digits(s string) string {
	var sb strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			sb.WriteRune(r)
		}
	}
	return sb.String()
}

func (b *Bot) cmdChannel(c *Context) (bool, error) {
	if len(c.Args) < 2 {
		return false, nil
	}
	id := digits(c.Args[1])
	if id == "" {
		return false, nil
	}
	tc := c.T.Commands["channel"]

	ch, err := c.Session.State.Channel(id)
	if err != nil || ch.GuildID != c.GuildID || ch.Type != discordgo.ChannelTypeGuildText {
		c.Reply(tc.Extra["noPermissionsForChannel"])
		return true, nil
	}
	perms, err := c.Session.State.UserChannelPermissions(c.Session.State.User.ID, id)
	if err != nil || perms&discordgo.PermissionSendMessages == 0 {
		c.Reply(tc.Extra["noPermissionsForChannel"])
		return true, nil
	}

	op := store.Op{Guild: c.GuildID, Field: "announcementChannel", Action: store.ActionReplace, Value: id}
	if err := b.store.Apply([]store.Op{op}); err != nil {
		return true, err
	}
	c.Reply(tc.Message)
	return true, nil
}

func (b *Bot) cmdOperator(c *Context) (bool, error) {
	tc := c.T.Commands["operator"]
	guild, err := c.Session.State.Guild(c.GuildID)
	if err != nil {
		return true, err
	}
	if c.Message.Author.ID != guild.OwnerID {
		c.Reply(tc.Extra["noPermission"])
		return true, nil
	}
	if len(c.Args) < 2 {
		return false, nil
	}
	id := digits(c.Args[1])
	if id == "" {
		return false, nil
	}

	word := c.T.Added
	op := store.Op{Guild: c.GuildID, Field: "operator", Action: store.ActionAppend, Value: id}
	for i, existing := range c.Guild.Operators {
		if existing == id {
			word = c.T.Removed
			op = store.Op{Guild: c.GuildID, Field: "operator", Action: store.ActionRemoveRange, Value: store.Range{Start: i, Count: 1}}
			break
		}
	}
	if err := b.store.Apply([]store.Op{op}); err != nil {
		return true, err
	}
	c.Reply(strings.ReplaceAll(tc.Message, "%1", word))
	return true, nil
}

func (b *Bot) cmdReaction(c *Context) (bool, error) {
	if len(c.Args) < 2 {
		return false, nil
	}
	tc := c.T.Commands["reaction"]

	emoji := c.Args[1]
	if m := customEmojiPattern.FindStringSubmatch(emoji); m != nil {
		emoji = m[1]
	}

	word := c.T.Added
	op := store.Op{Guild: c.GuildID, Field: "reactions", Action: store.ActionAppend, Value: emoji}
	for i, existing := range c.Guild.Reactions {
		if existing == emoji {
			word = c.T.Removed
			op = store.Op{Guild: c.GuildID, Field: "reactions", Action: store.ActionRemoveRange, Value: store.Range{Start: i, Count: 1}}
			break
		}
	}
	if err := b.store.Apply([]store.Op{op}); err != nil {
		return true, err
	}
	c.Reply(strings.ReplaceAll(tc.Message, "%1", word))
	return true, nil
}

func (b *Bot) cmdTimezone(c *Context) (bool, error) {
	if len(c.Args) < 2 {
		return false, nil
	}
	tc := c.T.Commands["timezone"]

	locale := c.Args[1]
	if _, err := language.Parse(locale); err != nil {
		c.Reply(tc.Extra["invalidLocale"])
		return true, nil
	}
	clock := store.Clock{Locale: locale, TimeZone: c.Guild.Time.TimeZone}
	if len(c.Args) > 2 {
		if _, err := time.LoadLocation(c.Args[2]); err != nil {
			c.Reply(tc.Extra["invalidTimeZone"])
			return true, nil
		}
		clock.TimeZone = c.Args[2]
	}

	op := store.Op{Guild: c.GuildID, Field: "time", Action: store.ActionReplace, Value: clock}
	if err := b.store.Apply([]store.Op{op}); err != nil {
		return true, err
	}
	c.Reply(strings.ReplaceAll(tc.Message, "%1", announce.LocalTime(time.Now(), clock.Locale, clock.TimeZone)))
	return true, nil
}

func (b *Bot) cmdMessage(c *Context) (bool, error) {
	if len(c.Args) < 2 {
		return false, nil
	}
	tc := c.T.Commands["message"]

	text := strings.Join(c.Args[1:], " ")
	op := store.Op{Guild: c.GuildID, Field: "message", Action: store.ActionReplace, Value: text}
	if err := b.store.Apply([]store.Op{op}); err != nil {
		return true, err
	}
	c.Reply(tc.Message)
	return true, nil
}

func (b *Bot) cmdPrefix(c *Context) (bool, error) {
	if len(c.Args) < 2 {
		return false, nil
	}
	tc := c.T.Commands["prefix"]

	prefix := c.Args[1]
	op := store.Op{Guild: c.GuildID, Field: "prefix", Action: store.ActionReplace, Value: prefix}
	if err := b.store.Apply([]store.Op{op}); err != nil {
		return true, err
	}
	c.Reply(strings.ReplaceAll(tc.Message, "%1", prefix))
	return true, nil
}

func (b *Bot) cmdLanguage(c *Context) (bool, error) {
	if len(c.Args) < 2 {
		return false, nil
	}
	tc := c.T.Commands["language"]

	lang := strings.ToLower(c.Args[1])
	if !b.catalog.Has(lang) {
		c.Reply(strings.ReplaceAll(tc.Extra["doesNotExist"], "%1", strings.Join(b.catalog.Languages(), ", ")))
		return true, nil
	}
	op := store.Op{Guild: c.GuildID, Field: "language", Action: store.ActionReplace, Value: lang}
	if err := b.store.Apply([]store.Op{op}); err != nil {
		return true, err
	}
	c.Reply(strings.ReplaceAll(tc.Message, "%1", lang))
	return true, nil
}
