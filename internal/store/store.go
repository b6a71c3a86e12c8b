// Package store persists per-guild configuration and last-announced session
// markers in a single JSON document. The document is the source of truth:
// it is re-read in full at the start of every poll cycle and mutated through
// read-modify-write batches of ops. The process is the only writer.
package store

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Streamer is one tracked Twitch login within a guild. Names are stored
// lowercased. LastStartedAt marks the start timestamp of the last session
// that was announced; the zero value means nothing has been announced yet.
type Streamer struct {
	Name          string    `json:"name"`
	LastStartedAt time.Time `json:"lastStartedAt,omitempty"`
}

// Clock is a guild's locale and timezone pair used to format timestamps.
type Clock struct {
	Locale   string `json:"locale"`
	TimeZone string `json:"timeZone"`
}

// Guild is the persisted record for one Discord server.
type Guild struct {
	Streamers           []Streamer `json:"streamers"`
	AnnouncementChannel string     `json:"announcementChannel,omitempty"`
	Reactions           []string   `json:"reactions"`
	Message             string     `json:"message"`
	Time                Clock      `json:"time"`
	Prefix              string     `json:"prefix"`
	Language            string     `json:"language"`
	Operators           []string   `json:"operator,omitempty"`
}

// Data is the root document.
type Data struct {
	Guilds map[string]*Guild `json:"guilds"`
}

// Action selects how an Op mutates the document.
type Action int

const (
	// ActionReplace sets a guild field to Value.
	ActionReplace Action = iota
	// ActionAppend appends Value to a list field.
	ActionAppend
	// ActionRemoveRange removes Value.(Range) elements from a list field.
	ActionRemoveRange
	// ActionAddGuild creates the guild record with defaults.
	ActionAddGuild
	// ActionRemoveGuild deletes the guild record.
	ActionRemoveGuild
)

// Range identifies a span of list elements for ActionRemoveRange.
type Range struct {
	Start int
	Count int
}

// Op is a single mutation applied to the document. Guild is always required;
// Field names the guild entry for replace/append/removeRange.
type Op struct {
	Guild  string
	Field  string
	Action Action
	Value  any
}

// Store reads and writes the data file. Apply serializes writers internally,
// but the single-process assumption still holds: a second process writing
// the same file would race on the read-modify-write.
type Store struct {
	path     string
	defaults func() *Guild

	// mu serializes the read-modify-write in Apply against concurrent
	// Apply and Load calls from the poll loop and the event handlers.
	mu sync.Mutex
}

// New opens the store at path, creating an empty document if none exists.
// defaults produces the record for newly added guilds.
func New(path string, defaults func() *Guild) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		empty := Data{Guilds: map[string]*Guild{}}
		if err := writeFile(path, &empty); err != nil {
			return nil, fmt.Errorf("failed to create data file: %w", err)
		}
		slog.Info("Created data file", "path", path)
	} else if err != nil {
		return nil, fmt.Errorf("failed to stat data file: %w", err)
	}
	return &Store{path: path, defaults: defaults}, nil
}

// Load reads and parses the whole document.
func (s *Store) Load() (*Data, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

func (s *Store) load() (*Data, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read data file: %w", err)
	}
	var d Data
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, fmt.Errorf("failed to parse data file: %w", err)
	}
	if d.Guilds == nil {
		d.Guilds = map[string]*Guild{}
	}
	return &d, nil
}

// Apply reads the document, applies each op in order and writes the result
// back. A failing op is logged and skipped; it never aborts the batch.
func (s *Store) Apply(ops []Op) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, err := s.load()
	if err != nil {
		return err
	}
	for _, op := range ops {
		if err := applyOp(d, op, s.defaults); err != nil {
			slog.Error("Skipping bad store op", "guild", op.Guild, "field", op.Field, "error", err)
		}
	}
	if err := writeFile(s.path, d); err != nil {
		return fmt.Errorf("failed to write data file: %w", err)
	}
	return nil
}

func writeFile(path string, d *Data) error {
	raw, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, raw, 0o644)
}

func applyOp(d *Data, op Op, defaults func() *Guild) error {
	switch op.Action {
	case ActionAddGuild:
		d.Guilds[op.Guild] = defaults()
		return nil
	case ActionRemoveGuild:
		delete(d.Guilds, op.Guild)
		return nil
	}

	g, ok := d.Guilds[op.Guild]
	if !ok {
		return fmt.Errorf("unknown guild %q", op.Guild)
	}

	switch op.Action {
	case ActionAppend:
		return appendField(g, op)
	case ActionRemoveRange:
		return removeRange(g, op)
	case ActionReplace:
		return replaceField(g, op)
	default:
		return fmt.Errorf("unknown action %d", op.Action)
	}
}

func appendField(g *Guild, op Op) error {
	switch op.Field {
	case "streamers":
		v, ok := op.Value.(Streamer)
		if !ok {
			return fmt.Errorf("append streamers: want Streamer, got %T", op.Value)
		}
		g.Streamers = append(g.Streamers, v)
	case "reactions":
		v, ok := op.Value.(string)
		if !ok {
			return fmt.Errorf("append reactions: want string, got %T", op.Value)
		}
		g.Reactions = append(g.Reactions, v)
	case "operator":
		v, ok := op.Value.(string)
		if !ok {
			return fmt.Errorf("append operator: want string, got %T", op.Value)
		}
		g.Operators = append(g.Operators, v)
	default:
		return fmt.Errorf("cannot append to field %q", op.Field)
	}
	return nil
}

func removeRange(g *Guild, op Op) error {
	r, ok := op.Value.(Range)
	if !ok {
		return fmt.Errorf("removeRange: want Range, got %T", op.Value)
	}
	switch op.Field {
	case "streamers":
		out, err := cut(len(g.Streamers), r)
		if err != nil {
			return err
		}
		g.Streamers = append(g.Streamers[:r.Start:r.Start], g.Streamers[out:]...)
	case "reactions":
		out, err := cut(len(g.Reactions), r)
		if err != nil {
			return err
		}
		g.Reactions = append(g.Reactions[:r.Start:r.Start], g.Reactions[out:]...)
	case "operator":
		out, err := cut(len(g.Operators), r)
		if err != nil {
			return err
		}
		g.Operators = append(g.Operators[:r.Start:r.Start], g.Operators[out:]...)
	default:
		return fmt.Errorf("cannot removeRange from field %q", op.Field)
	}
	return nil
}

// cut validates the range against a list of length n and returns the index
// just past the removed span.
func cut(n int, r Range) (int, error) {
	if r.Start < 0 || r.Count < 0 || r.Start+r.Count > n {
		return 0, fmt.Errorf("range [%d,%d) out of bounds for length %d", r.Start, r.Start+r.Count, n)
	}
	return r.Start + r.Count, nil
}

func replaceField(g *Guild, op Op) error {
	switch op.Field {
	case "streamers":
		v, ok := op.Value.([]Streamer)
		if !ok {
			return fmt.Errorf("replace streamers: want []Streamer, got %T", op.Value)
		}
		g.Streamers = v
	case "announcementChannel":
		v, ok := op.Value.(string)
		if !ok {
			return fmt.Errorf("replace announcementChannel: want string, got %T", op.Value)
		}
		g.AnnouncementChannel = v
	case "reactions":
		v, ok := op.Value.([]string)
		if !ok {
			return fmt.Errorf("replace reactions: want []string, got %T", op.Value)
		}
		g.Reactions = v
	case "message":
		v, ok := op.Value.(string)
		if !ok {
			return fmt.Errorf("replace message: want string, got %T", op.Value)
		}
		g.Message = v
	case "time":
		v, ok := op.Value.(Clock)
		if !ok {
			return fmt.Errorf("replace time: want Clock, got %T", op.Value)
		}
		g.Time = v
	case "prefix":
		v, ok := op.Value.(string)
		if !ok {
			return fmt.Errorf("replace prefix: want string, got %T", op.Value)
		}
		g.Prefix = v
	case "language":
		v, ok := op.Value.(string)
		if !ok {
			return fmt.Errorf("replace language: want string, got %T", op.Value)
		}
		g.Language = v
	case "operator":
		v, ok := op.Value.([]string)
		if !ok {
			return fmt.Errorf("replace operator: want []string, got %T", op.Value)
		}
		g.Operators = v
	default:
		return fmt.Errorf("cannot replace field %q", op.Field)
	}
	return nil
}

// DefaultGuild builds the record new guilds start with.
func DefaultGuild(prefix, language string) *Guild {
	return &Guild{
		Streamers: []Streamer{},
		Reactions: []string{},
		Message:   DefaultMessage,
		Time:      Clock{Locale: "en-US", TimeZone: localTimeZone()},
		Prefix:    prefix,
		Language:  language,
	}
}

// DefaultMessage is the announcement template guilds start with.
const DefaultMessage = "@everyone %name% **%status%**!"

func localTimeZone() string {
	name := time.Now().Location().String()
	if name == "" || name == "Local" {
		return "UTC"
	}
	return name
}

// FillDefaults returns the ops needed to populate fields that older records
// or partial writes may be missing. An empty slice means the record is whole.
func FillDefaults(gid string, g *Guild, prefix, language string) []Op {
	var ops []Op
	if g.Streamers == nil {
		ops = append(ops, Op{Guild: gid, Field: "streamers", Action: ActionReplace, Value: []Streamer{}})
	}
	if g.Reactions == nil {
		ops = append(ops, Op{Guild: gid, Field: "reactions", Action: ActionReplace, Value: []string{}})
	}
	if g.Message == "" {
		ops = append(ops, Op{Guild: gid, Field: "message", Action: ActionReplace, Value: DefaultMessage})
	}
	if g.Time.TimeZone == "" {
		ops = append(ops, Op{Guild: gid, Field: "time", Action: ActionReplace, Value: Clock{Locale: "en-US", TimeZone: localTimeZone()}})
	}
	if g.Prefix == "" {
		ops = append(ops, Op{Guild: gid, Field: "prefix", Action: ActionReplace, Value: prefix})
	}
	if g.Language == "" {
		ops = append(ops, Op{Guild: gid, Field: "language", Action: ActionReplace, Value: language})
	}
	return ops
}
