// Package announce turns decided announcement jobs into Discord messages:
// a templated text line, a rich embed with the stream thumbnail attached,
// and the guild's configured reactions on the sent message.
package announce

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/goodsign/monday"

	"github.com/Sunkwii/DiscordTwitchAnnouncer/internal/metrics"
	"github.com/Sunkwii/DiscordTwitchAnnouncer/internal/twitch"
)

// embedColor is the Twitch brand purple used for all announcement embeds.
const embedColor = 0x6441A4

// Messenger is the slice of the Discord session the dispatcher needs.
// *discordgo.Session satisfies it.
type Messenger interface {
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageSend(channelID string, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	MessageReactionAdd(channelID, messageID, emojiID string, options ...discordgo.RequestOption) error
	GuildEmojis(guildID string, options ...discordgo.RequestOption) ([]*discordgo.Emoji, error)
}

// Job is one decided announcement together with the guild settings needed
// to render and deliver it.
type Job struct {
	GuildID   string
	ChannelID string
	Stream    twitch.Stream
	Game      *twitch.Game // nil when metadata lookup failed or was missing
	Image     []byte       // thumbnail bytes, nil to announce without one

	Template    string
	Reactions   []string
	Locale      string
	TimeZone    string
	UnknownGame string // localized placeholder for %game% when Game is nil
	Footer      string // localized "stream started" prefix
}

// Dispatcher delivers announcement jobs. Announce never lets an error
// escape; every failure is logged and the cycle carries on.
type Dispatcher struct {
	messenger Messenger
}

// New builds a dispatcher over the given messenger.
func New(m Messenger) *Dispatcher {
	return &Dispatcher{messenger: m}
}

// RenderMessage substitutes the template placeholders %name%, %status%,
// %game% and %title% from the snapshot.
func RenderMessage(template string, s twitch.Stream, g *twitch.Game, unknownGame string) string {
	game := unknownGame
	if g != nil {
		game = g.Name
	}
	return strings.NewReplacer(
		"%name%", s.Name,
		"%status%", strings.ToUpper(s.Type),
		"%game%", game,
		"%title%", s.Title,
	).Replace(template)
}

// channelURL is the link appended to every announcement.
func channelURL(name string) string {
	return "http://www.twitch.tv/" + name
}

// Embed builds the rich preview for a job. imageFileName attaches the
// thumbnail by reference; pass "" to leave the image out.
func Embed(job Job, imageFileName string) *discordgo.MessageEmbed {
	description := "**" + job.Stream.Title + "**\n"
	var footerIcon string
	if job.Game != nil {
		description += job.Game.Name
		footerIcon = strings.Replace(job.Game.BoxArtURL, "{width}x{height}", "32x64", 1)
	}
	embed := &discordgo.MessageEmbed{
		Color:       embedColor,
		Title:       fmt.Sprintf("[%s] %s", strings.ToUpper(job.Stream.Type), job.Stream.Name),
		Description: description,
		URL:         channelURL(job.Stream.Name),
		Footer: &discordgo.MessageEmbedFooter{
			Text:    job.Footer + LocalTime(job.Stream.StartedAt, job.Locale, job.TimeZone),
			IconURL: footerIcon,
		},
	}
	if imageFileName != "" {
		embed.Image = &discordgo.MessageEmbedImage{URL: "attachment://" + imageFileName}
	}
	return embed
}

// LocalTime renders t in the guild's locale and timezone. Unknown locales
// render English and a bad timezone falls back to UTC rather than failing
// the caller.
func LocalTime(t time.Time, locale, timeZone string) string {
	loc, err := time.LoadLocation(timeZone)
	if err != nil {
		loc = time.UTC
	}
	return monday.Format(t.In(loc), "Mon, 02 Jan 2006 15:04:05 MST", mondayLocale(locale))
}

// mondayLocale maps a stored BCP 47 tag like "fr-FR" onto monday's "fr_FR"
// locale set.
func mondayLocale(locale string) monday.Locale {
	want := monday.Locale(strings.Replace(locale, "-", "_", 1))
	for _, known := range monday.ListLocales() {
		if known == want {
			return known
		}
	}
	return monday.LocaleEnUS
}

// Announce delivers one job: rich send with attachment, text-only fallback
// when the channel denies the rich send, then the configured reactions.
func (d *Dispatcher) Announce(ctx context.Context, job Job) {
	content := RenderMessage(job.Template, job.Stream, job.Game, job.UnknownGame) + " " + channelURL(job.Stream.Name)

	imageFileName := ""
	if job.Image != nil {
		imageFileName = fmt.Sprintf("%s_%d.jpg", job.Stream.Name, time.Now().UnixMilli())
	}
	send := &discordgo.MessageSend{
		Content: content,
		Embeds:  []*discordgo.MessageEmbed{Embed(job, imageFileName)},
	}
	if job.Image != nil {
		send.Files = []*discordgo.File{{
			Name:        imageFileName,
			ContentType: "image/jpeg",
			Reader:      bytes.NewReader(job.Image),
		}}
	}

	msg, err := d.messenger.ChannelMessageSendComplex(job.ChannelID, send)
	if err != nil {
		slog.Error("Rich announcement failed", "guild", job.GuildID, "channel", job.ChannelID, "streamer", job.Stream.Name, "error", err)
		if !isMissingPermissions(err) {
			metrics.IncAnnounceFail()
			return
		}
		msg, err = d.messenger.ChannelMessageSend(job.ChannelID, content)
		if err != nil {
			slog.Error("Fallback announcement failed", "guild", job.GuildID, "channel", job.ChannelID, "streamer", job.Stream.Name, "error", err)
			metrics.IncAnnounceFail()
			return
		}
	}

	d.react(job, msg)
	metrics.IncAnnouncement()
	slog.Info("Announced stream", "streamer", job.Stream.Name, "guild", job.GuildID, "channel", job.ChannelID)
}

// react applies each configured reaction. One failing reaction must not
// prevent the others.
func (d *Dispatcher) react(job Job, msg *discordgo.Message) {
	if msg == nil || len(job.Reactions) == 0 {
		return
	}
	for _, emoji := range job.Reactions {
		id, err := d.resolveEmoji(job.GuildID, emoji)
		if err != nil {
			slog.Warn("Skipping unknown reaction", "guild", job.GuildID, "emoji", emoji, "error", err)
			continue
		}
		if err := d.messenger.MessageReactionAdd(job.ChannelID, msg.ID, id); err != nil {
			slog.Warn("Reaction failed", "guild", job.GuildID, "emoji", emoji, "error", err)
		}
	}
}

// resolveEmoji maps a stored reaction to the API form: custom emoji are
// stored as bare numeric ids and need their current name prepended; literal
// unicode emoji pass through.
func (d *Dispatcher) resolveEmoji(guildID, emoji string) (string, error) {
	if !isDigits(emoji) {
		return emoji, nil
	}
	emojis, err := d.messenger.GuildEmojis(guildID)
	if err != nil {
		return "", fmt.Errorf("failed to list guild emojis: %w", err)
	}
	for _, e := range emojis {
		if e.ID == emoji {
			return e.Name + ":" + e.ID, nil
		}
	}
	return "", fmt.Errorf("emoji %s not found in guild", emoji)
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// isMissingPermissions detects the Discord error that should trigger the
// text-only fallback.
func isMissingPermissions(err error) bool {
	var rest *discordgo.RESTError
	if !errors.As(err, &rest) {
		return false
	}
	return rest.Message != nil && rest.Message.Code == discordgo.ErrCodeMissingPermissions
}
