// Package config layers this process's configuration the way the rest of
// the retrieved corpus's operator-facing services do it: compiled-in
// defaults, then an optional YAML file, then environment variables, then
// command-line flags, each layer overriding the last. Built on
// github.com/knadh/koanf/v2, present in the wider corpus's go.mod but never
// itself exercised there — DESIGN.md records this as a named-not-grounded
// ecosystem choice.
package config

import (
	"fmt"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"

	"muruntime/internal/directory"
	"muruntime/internal/domain"
	"muruntime/internal/httpapi"
	"muruntime/internal/mapserver"
	"muruntime/internal/messagehub"
	"muruntime/internal/persistence"
	"muruntime/internal/protocol"
	"muruntime/internal/session"
	"muruntime/internal/transport"
	"muruntime/internal/wal"
)

const envPrefix = "MU_"

// MapKind names one launchable map inside an EntryPoint, mirroring
// directory.MapKindConfig's field names for a 1:1 file-to-struct mapping.
type MapKind struct {
	SoftPlayerCap int `koanf:"soft_player_cap"`
	HardPlayerCap int `koanf:"hard_player_cap"`
}

// EntryPoint names the map kinds reachable from one login entry point.
type EntryPoint struct {
	MapKinds map[string]MapKind `koanf:"map_kinds"`
}

// World names the entry points reachable inside one world.
type World struct {
	EntryPoints map[string]EntryPoint `koanf:"entry_points"`
}

// Route names where a freshly selected character enters.
type Route struct {
	World      string `koanf:"world"`
	EntryPoint string `koanf:"entry_point"`
	MapKind    string `koanf:"map_kind"`
}

// Config is the full process configuration: CoreRuntime's ambient stack
// plus every component Config it wires together (spec.md §6).
type Config struct {
	ListenAddr string `koanf:"listen_addr"`

	AuthSecret     string `koanf:"auth_secret"`
	RouteSignerKey string `koanf:"route_signer_key"`

	PostgresDSN string `koanf:"postgres_dsn"`
	WALDir      string `koanf:"wal_dir"`

	StartingRoute Route            `koanf:"starting_route"`
	Topology      map[string]World `koanf:"topology"`

	Session     SessionConfig      `koanf:"session"`
	Protocol    ProtocolConfig     `koanf:"protocol"`
	Directory   DirectoryConfig    `koanf:"directory"`
	MapServer   MapServerConfig    `koanf:"map_server"`
	Persistence PersistenceConfig  `koanf:"persistence"`
	WAL         WALConfig          `koanf:"wal"`
	MessageHub  MessageHubConfig   `koanf:"message_hub"`
	Transport   TransportConfig    `koanf:"transport"`
	HTTPAPI     HTTPAPIConfig      `koanf:"http_api"`
}

// SessionConfig mirrors session.Config's fields for file/env/flag binding.
type SessionConfig struct {
	IdleTimeout         time.Duration `koanf:"idle_timeout"`
	HeartbeatIntervalMs uint32        `koanf:"heartbeat_interval_ms"`
	DuplicatePolicy     string        `koanf:"duplicate_policy"`
}

// ProtocolConfig mirrors protocol.Config.
type ProtocolConfig struct {
	MOTD                string `koanf:"motd"`
	HeartbeatIntervalMs uint32 `koanf:"heartbeat_interval_ms"`
}

// DirectoryConfig mirrors directory.Config.
type DirectoryConfig struct {
	RouteTokenTTL time.Duration `koanf:"route_token_ttl"`
	ScaleWait     time.Duration `koanf:"scale_wait"`
}

// MapServerConfig mirrors mapserver.Config.
type MapServerConfig struct {
	PlayerTick             time.Duration `koanf:"player_tick"`
	MonsterTickPeriod      time.Duration `koanf:"monster_tick_period"`
	MonsterMinBudget       time.Duration `koanf:"monster_min_budget"`
	DegradeStreakThreshold int           `koanf:"degrade_streak_threshold"`
	LoadSampleWindow       int           `koanf:"load_sample_window"`
}

// PersistenceConfig mirrors persistence.Config.
type PersistenceConfig struct {
	FlushTick   time.Duration `koanf:"flush_tick"`
	BatchSize   int           `koanf:"batch_size"`
	MaxFlushLag time.Duration `koanf:"max_flush_lag"`
}

// WALConfig mirrors wal.Config.
type WALConfig struct {
	MaxSegmentSize int64         `koanf:"max_segment_size"`
	FsyncTimeout   time.Duration `koanf:"fsync_timeout"`
}

// MessageHubConfig mirrors messagehub.Config.
type MessageHubConfig struct {
	Host string `koanf:"host"`
	Port int    `koanf:"port"`
}

// TransportConfig mirrors transport.Config.
type TransportConfig struct {
	ReadBufferSize  int           `koanf:"read_buffer_size"`
	WriteBufferSize int           `koanf:"write_buffer_size"`
	WriteWait       time.Duration `koanf:"write_wait"`
}

// HTTPAPIConfig mirrors httpapi.Config.
type HTTPAPIConfig struct {
	AuthTokenTTL time.Duration `koanf:"auth_token_ttl"`
	LoginEnabled bool          `koanf:"login_enabled"`
}

// Defaults returns every layer's floor value before a file, environment, or
// flag overrides anything, matching each component's own DefaultConfig.
func Defaults() Config {
	return Config{
		ListenAddr: ":8080",
		WALDir:     "./data/wal",
		StartingRoute: Route{
			World:      "azuria",
			EntryPoint: "newbie",
			MapKind:    "town",
		},
		Session: SessionConfig{
			IdleTimeout:         session.DefaultConfig().IdleTimeout,
			HeartbeatIntervalMs: session.DefaultConfig().HeartbeatIntervalMs,
			DuplicatePolicy:     string(session.PolicyRejectNew),
		},
		Protocol: ProtocolConfig{
			MOTD:                protocol.DefaultConfig().MOTD,
			HeartbeatIntervalMs: protocol.DefaultConfig().HeartbeatIntervalMs,
		},
		Directory: DirectoryConfig{
			RouteTokenTTL: directory.DefaultConfig().RouteTokenTTL,
			ScaleWait:     directory.DefaultConfig().ScaleWait,
		},
		MapServer: MapServerConfig{
			PlayerTick:             mapserver.DefaultConfig().PlayerTick,
			MonsterTickPeriod:      mapserver.DefaultConfig().MonsterTickPeriod,
			MonsterMinBudget:       mapserver.DefaultConfig().MonsterMinBudget,
			DegradeStreakThreshold: mapserver.DefaultConfig().DegradeStreakThreshold,
			LoadSampleWindow:       mapserver.DefaultConfig().LoadSampleWindow,
		},
		Persistence: PersistenceConfig{
			FlushTick:   persistence.DefaultConfig().FlushTick,
			BatchSize:   persistence.DefaultConfig().BatchSize,
			MaxFlushLag: persistence.DefaultConfig().MaxFlushLag,
		},
		WAL: WALConfig{
			MaxSegmentSize: wal.DefaultConfig("./data/wal").MaxSegmentSize,
			FsyncTimeout:   wal.DefaultConfig("./data/wal").FsyncTimeout,
		},
		MessageHub: MessageHubConfig{
			Host: messagehub.DefaultConfig().Host,
			Port: messagehub.DefaultConfig().Port,
		},
		Transport: TransportConfig{
			ReadBufferSize:  transport.DefaultConfig().ReadBufferSize,
			WriteBufferSize: transport.DefaultConfig().WriteBufferSize,
			WriteWait:       transport.DefaultConfig().WriteWait,
		},
		HTTPAPI: HTTPAPIConfig{
			AuthTokenTTL: httpapi.DefaultConfig().AuthTokenTTL,
			LoginEnabled: httpapi.DefaultConfig().LoginEnabled,
		},
	}
}

// Load layers Defaults(), an optional YAML file at path, MU_-prefixed
// environment variables, then flags, in that order — each layer
// overriding the last. koanf.Unmarshal only sets fields present in a
// loaded layer's key set, so seeding out with Defaults() before
// unmarshaling the override layers on top leaves any key none of the
// three layers name at its default. flags may be nil when the caller has
// none to bind.
func Load(path string, flags *pflag.FlagSet) (Config, error) {
	out := Defaults()
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("config: load file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKeyTransform), nil); err != nil {
		return Config{}, fmt.Errorf("config: load environment: %w", err)
	}

	if flags != nil {
		if err := k.Load(posflag.Provider(flags, ".", k), nil); err != nil {
			return Config{}, fmt.Errorf("config: load flags: %w", err)
		}
	}

	if err := k.UnmarshalWithConf("", &out, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}

	if err := out.validate(); err != nil {
		return Config{}, err
	}
	return out, nil
}

// Resolved holds every component Config, constructed with its own
// package's types, ready to hand to that package's constructor. internal/app
// calls Resolve once at startup rather than every wiring call site
// re-deriving these conversions itself.
type Resolved struct {
	ListenAddr     string
	AuthSecret     []byte
	RouteSignerKey []byte
	PostgresDSN    string
	WALBaseDir     string
	StartingRoute  domain.Route
	Topology       directory.Topology

	Session     session.Config
	Protocol    protocol.Config
	Directory   directory.Config
	MapServer   mapserver.Config
	Persistence persistence.Config
	WAL         wal.Config
	MessageHub  messagehub.Config
	Transport   transport.Config
	HTTPAPI     httpapi.Config
}

// Resolve converts the file/env/flag-friendly Config into the concrete
// types each package's constructor expects.
func (c Config) Resolve() Resolved {
	topology := make(directory.Topology, len(c.Topology))
	for worldName, world := range c.Topology {
		entryPoints := make(map[string]directory.EntryPointConfig, len(world.EntryPoints))
		for entryName, entry := range world.EntryPoints {
			mapKinds := make(map[string]directory.MapKindConfig, len(entry.MapKinds))
			for mapKindName, mk := range entry.MapKinds {
				mapKinds[mapKindName] = directory.MapKindConfig{
					SoftPlayerCap: mk.SoftPlayerCap,
					HardPlayerCap: mk.HardPlayerCap,
				}
			}
			entryPoints[entryName] = directory.EntryPointConfig{MapKinds: mapKinds}
		}
		topology[worldName] = directory.WorldConfig{EntryPoints: entryPoints}
	}

	return Resolved{
		ListenAddr:     c.ListenAddr,
		AuthSecret:     []byte(c.AuthSecret),
		RouteSignerKey: []byte(c.RouteSignerKey),
		PostgresDSN:    c.PostgresDSN,
		WALBaseDir:     c.WALDir,
		StartingRoute: domain.Route{
			World:      c.StartingRoute.World,
			EntryPoint: c.StartingRoute.EntryPoint,
			MapKind:    c.StartingRoute.MapKind,
		},
		Topology: topology,

		Session: session.Config{
			IdleTimeout:         c.Session.IdleTimeout,
			HeartbeatIntervalMs: c.Session.HeartbeatIntervalMs,
			DuplicatePolicy:     session.DuplicatePolicy(c.Session.DuplicatePolicy),
		},
		Protocol: protocol.Config{
			MOTD:                c.Protocol.MOTD,
			HeartbeatIntervalMs: c.Protocol.HeartbeatIntervalMs,
			RateLimit:           protocol.DefaultRateLimitConfig(),
		},
		Directory: directory.Config{
			RouteTokenTTL: c.Directory.RouteTokenTTL,
			ScaleWait:     c.Directory.ScaleWait,
		},
		MapServer: mapserver.Config{
			PlayerTick:             c.MapServer.PlayerTick,
			MonsterTickPeriod:      c.MapServer.MonsterTickPeriod,
			MonsterMinBudget:       c.MapServer.MonsterMinBudget,
			DegradeStreakThreshold: c.MapServer.DegradeStreakThreshold,
			LoadSampleWindow:       c.MapServer.LoadSampleWindow,
		},
		Persistence: persistence.Config{
			FlushTick:   c.Persistence.FlushTick,
			BatchSize:   c.Persistence.BatchSize,
			MaxFlushLag: c.Persistence.MaxFlushLag,
		},
		WAL: wal.Config{
			SegmentDir:     c.WALDir + "/segments",
			IndexDir:       c.WALDir + "/index",
			MaxSegmentSize: c.WAL.MaxSegmentSize,
			FsyncTimeout:   c.WAL.FsyncTimeout,
		},
		MessageHub: messagehub.Config{
			Host: c.MessageHub.Host,
			Port: c.MessageHub.Port,
		},
		Transport: transport.Config{
			ReadBufferSize:  c.Transport.ReadBufferSize,
			WriteBufferSize: c.Transport.WriteBufferSize,
			WriteWait:       c.Transport.WriteWait,
		},
		HTTPAPI: httpapi.Config{
			AuthSecret:   []byte(c.AuthSecret),
			AuthTokenTTL: c.HTTPAPI.AuthTokenTTL,
			LoginEnabled: c.HTTPAPI.LoginEnabled,
		},
	}
}

func (c Config) validate() error {
	if c.AuthSecret == "" {
		return fmt.Errorf("config: auth_secret is required")
	}
	if c.RouteSignerKey == "" {
		return fmt.Errorf("config: route_signer_key is required")
	}
	if len(c.Topology) == 0 {
		return fmt.Errorf("config: topology must name at least one world")
	}
	return nil
}

// envKeyTransform turns MU_SESSION_IDLE_TIMEOUT into session.idle_timeout,
// matching the dotted key path Load's file/flag layers already use.
func envKeyTransform(raw string) string {
	trimmed := raw[len(envPrefix):]
	out := make([]byte, 0, len(trimmed))
	for _, r := range trimmed {
		switch {
		case r == '_':
			out = append(out, '.')
		case r >= 'A' && r <= 'Z':
			out = append(out, byte(r-'A'+'a'))
		default:
			out = append(out, byte(r))
		}
	}
	return string(out)
}
