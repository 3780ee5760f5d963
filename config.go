package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	email            string
	handshakeTimeout time.Duration
	host             string
	multiRoom        bool
	path             string
	room             string
	secure           bool
	username         string

	bind        string
	defaultRoom string
	prefix      string
	profile     bool
	roomTimeout time.Duration
	rooms       []string
	tlsCert     string
	tlsKey      string

	port    int
	verbose bool
	version bool
}

func (c *Config) validatePort() error {
	if c.port < 1 || c.port > 65535 {
		return fmt.Errorf("invalid port (must be between 1-65535 inclusive): %d", c.port)
	}
	return nil
}

func (c *Config) validate() error {
	if err := c.validatePort(); err != nil {
		return err
	}
	if c.host == "" {
		return errors.New("--host must not be empty")
	}
	if c.username == "" {
		return errors.New("--username must not be empty")
	}
	if c.handshakeTimeout <= 0 {
		return fmt.Errorf("invalid handshake timeout: %s", c.handshakeTimeout)
	}
	return nil
}

func (c *Config) validateServe() error {
	if err := c.validatePort(); err != nil {
		return err
	}
	if (c.tlsCert == "") != (c.tlsKey == "") {
		return errors.New("both --tls-cert and --tls-key must be provided together")
	}
	if c.defaultRoom == "" {
		return errors.New("--default-room must not be empty")
	}
	return nil
}

func (c *Config) scheme() string {
	if c.tlsCert != "" && c.tlsKey != "" {
		return "https"
	}
	return "http"
}

// bindEnv lets every flag in fs be set from a CHATBOX_ environment variable.
func bindEnv(v *viper.Viper, fs *pflag.FlagSet) {
	fs.SetNormalizeFunc(func(_ *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})

	fs.VisitAll(func(f *pflag.Flag) {
		_ = v.BindPFlag(f.Name, f)
		_ = v.BindEnv(f.Name)
		if !f.Changed && v.IsSet(f.Name) {
			_ = fs.Set(f.Name, fmt.Sprintf("%v", v.Get(f.Name)))
		}
	})
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("CHATBOX")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	return v
}

func newCmd(cfg *Config) *cobra.Command {
	v := newViper()

	cmd := &cobra.Command{
		Use:           "chatbox",
		Short:         "A terminal chat client for room-scoped websocket chat servers.",
		Args:          cobra.ExactArgs(0),
		SilenceErrors: true,
		Version:       releaseVersion,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			log.Logger = newLogger(cfg, os.Stderr)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg.room != "" {
				cfg.multiRoom = true
			}
			if err := cfg.validate(); err != nil {
				return err
			}
			return newConsole(cfg, os.Stdin, os.Stdout).Run(cmd.Context())
		},
	}

	pfs := cmd.PersistentFlags()
	pfs.BoolVarP(&cfg.verbose, "verbose", "v", false, "display additional output (env: CHATBOX_VERBOSE)")

	fs := cmd.Flags()
	fs.StringVar(&cfg.email, "email", "test@example.com", "email sent with every message (env: CHATBOX_EMAIL)")
	fs.DurationVar(&cfg.handshakeTimeout, "handshake-timeout", 10*time.Second, "time allowed for the websocket handshake (env: CHATBOX_HANDSHAKE_TIMEOUT)")
	fs.StringVar(&cfg.host, "host", "localhost", "chat server host (env: CHATBOX_HOST)")
	fs.BoolVarP(&cfg.multiRoom, "multi-room", "m", false, "enable room selection and /join (env: CHATBOX_MULTI_ROOM)")
	fs.StringVar(&cfg.path, "path", "/ws", "websocket path on the chat server (env: CHATBOX_PATH)")
	fs.IntVarP(&cfg.port, "port", "p", 8080, "chat server port (env: CHATBOX_PORT)")
	fs.StringVarP(&cfg.room, "room", "r", "", "room to join at start, implies --multi-room (env: CHATBOX_ROOM)")
	fs.BoolVar(&cfg.secure, "secure", false, "connect with wss:// (env: CHATBOX_SECURE)")
	fs.StringVarP(&cfg.username, "username", "u", "user1", "username sent with every message (env: CHATBOX_USERNAME)")
	fs.BoolVarP(&cfg.version, "version", "V", false, "display version and exit (env: CHATBOX_VERSION)")

	bindEnv(v, pfs)
	bindEnv(v, fs)

	cmd.AddCommand(newServeCmd(cfg, v))

	cmd.CompletionOptions.HiddenDefaultCmd = true
	cmd.SetHelpCommand(&cobra.Command{Hidden: true})
	cmd.SetVersionTemplate("chatbox v{{.Version}}\n")

	cmd.SilenceErrors = true
	cmd.SilenceUsage = true

	return cmd
}

func newServeCmd(cfg *Config, v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a room-scoped chat server.",
		Args:  cobra.ExactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.validateServe(); err != nil {
				return err
			}
			return ServeRooms(cmd.Context(), cfg)
		},
	}

	fs := cmd.Flags()
	fs.StringVarP(&cfg.bind, "bind", "b", "0.0.0.0", "address to bind to (env: CHATBOX_BIND)")
	fs.StringVar(&cfg.defaultRoom, "default-room", "general", "room for connections without an id (env: CHATBOX_DEFAULT_ROOM)")
	fs.IntVarP(&cfg.port, "port", "p", 8080, "port to listen on (env: CHATBOX_PORT)")
	fs.StringVar(&cfg.prefix, "prefix", "", "path to prepend to all URLs, for use behind reverse proxy (env: CHATBOX_PREFIX)")
	fs.BoolVar(&cfg.profile, "profile", false, "register net/http/pprof handlers (env: CHATBOX_PROFILE)")
	fs.DurationVar(&cfg.roomTimeout, "room-timeout", 60*time.Minute, "time before empty idle rooms are closed (env: CHATBOX_ROOM_TIMEOUT)")
	fs.StringSliceVar(&cfg.rooms, "rooms", nil, "rooms that may be joined, comma-separated; empty allows any (env: CHATBOX_ROOMS)")
	fs.StringVar(&cfg.tlsCert, "tls-cert", "", "path to tls certificate (env: CHATBOX_TLS_CERT)")
	fs.StringVar(&cfg.tlsKey, "tls-key", "", "path to tls keyfile (env: CHATBOX_TLS_KEY)")

	bindEnv(v, fs)

	return cmd
}
