package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/jimmylaw21/CS209-Assignment2/pkg/datastore"
	"github.com/jimmylaw21/CS209-Assignment2/pkg/logging"
	"github.com/jimmylaw21/CS209-Assignment2/pkg/server"
	"github.com/jimmylaw21/CS209-Assignment2/pkg/version"
)

func main() {
	cfg := server.DefaultConfig()

	configFile := flag.String("config", "", "YAML config file (flags override it, CHATTING_* env overrides the file)")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.StringVar(&cfg.ListenAddr, "listen", cfg.ListenAddr, "TCP bind address (empty to disable)")
	flag.StringVar(&cfg.WebSocketAddr, "websocket", cfg.WebSocketAddr, "HTTP bind address for WebSocket clients at /ws (empty to disable)")
	flag.StringVar(&cfg.MetricsAddr, "metrics", cfg.MetricsAddr, "HTTP bind address for Prometheus /metrics (empty to disable)")
	flag.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite database file path")
	flag.StringVar(&cfg.GroupsFile, "groups-file", cfg.GroupsFile, "YAML file defining groups to create on startup")
	flag.StringVar(&cfg.PasswordHash, "password-hash", cfg.PasswordHash, "Password storage scheme: argon2id or plain")
	flag.DurationVar(&cfg.IdleTimeout, "idle-timeout", cfg.IdleTimeout, "Drop connections idle this long (0 = never)")
	flag.DurationVar(&cfg.WriteTimeout, "write-timeout", cfg.WriteTimeout, "Deadline for writing one frame to a client")
	flag.IntVar(&cfg.OutboundQueueSize, "outbound-queue", cfg.OutboundQueueSize, "Envelopes buffered per client before drops")
	flag.IntVar(&cfg.MaxFrameSize, "max-frame", cfg.MaxFrameSize, "Largest accepted frame payload in bytes")
	flag.BoolVar(&cfg.BroadcastClientCount, "broadcast-count", cfg.BroadcastClientCount, "Announce the connection count on every connect and disconnect")
	flag.DurationVar(&cfg.MetricsLogInterval, "metrics-log-interval", cfg.MetricsLogInterval, "Interval of the metrics summary log (0 disables)")
	flag.DurationVar(&cfg.ShutdownGrace, "shutdown-grace", cfg.ShutdownGrace, "Time allowed to flush the shutdown notice")
	flag.BoolVar(&cfg.ExportUsers, "export-users", false, "Export all usernames as YAML and exit")
	flag.BoolVar(&cfg.ExportGroups, "export-groups", false, "Export all groups as YAML and exit")

	flag.StringVar(&cfg.Log.Level, "log-level", cfg.Log.Level, "Log level: "+logging.LevelNames())
	flag.StringVar(&cfg.Log.Format, "log-format", cfg.Log.Format, "Log format: text or json")
	flag.StringVar(&cfg.Log.File, "log-file", cfg.Log.File, "Also write logs to this file, rotated by size")
	flag.Parse()

	if *showVersion {
		fmt.Println("chatting-server", version.Full())
		return
	}

	// Defaults, then file, then environment; flags given on the command line
	// are applied again last so they win.
	base := server.DefaultConfig()
	if *configFile != "" {
		if err := server.LoadConfigFile(*configFile, &base); err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			os.Exit(1)
		}
	}
	if err := server.ApplyEnv(&base); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	cfg = base
	_ = flag.CommandLine.Parse(os.Args[1:])

	// Configure structured logging
	logCloser, err := logging.Setup(cfg.Log.Options())
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid logging config: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logCloser.Close() }()

	st, err := datastore.Open(cfg.DBPath)
	if err != nil {
		slog.Error("open database", "err", err)
		os.Exit(1)
	}

	srv, err := server.New(cfg, server.Dependencies{Store: st})
	if err != nil {
		_ = st.Close()
		slog.Error("start server", "err", err)
		os.Exit(1)
	}

	// Handle export commands (run and exit)
	if cfg.ExportUsers || cfg.ExportGroups {
		defer func() { _ = st.Close() }()
		if cfg.ExportUsers {
			data, err := server.ExportUsersYAML(srv.Credentials())
			if err != nil {
				slog.Error("export users", "err", err)
				os.Exit(1)
			}
			fmt.Print(string(data))
		}
		if cfg.ExportGroups {
			data, err := server.ExportGroupsYAML(srv.Groups())
			if err != nil {
				slog.Error("export groups", "err", err)
				os.Exit(1)
			}
			fmt.Print(string(data))
		}
		return
	}

	slog.Info("starting chatting-server", "version", version.String(), "db", cfg.DBPath)
	if err := srv.Run(); err != nil {
		slog.Error("server error", "err", err)
		os.Exit(1)
	}
}
