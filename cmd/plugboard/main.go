// Command plugboard runs the plug-in framework daemon, or, invoked as
// "plugboard ctl ...", acts as a thin HTTP client against a running
// daemon's control API. Structure mirrors the teacher's dual
// daemon/ctl entrypoint.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"net/http"
	"os"
	"strconv"
	"strings"
	"syscall"

	"github.com/ipsix/plugboard/internal/api"
	"github.com/ipsix/plugboard/internal/archiveloader"
	"github.com/ipsix/plugboard/internal/cli"
	"github.com/ipsix/plugboard/internal/config"
	"github.com/ipsix/plugboard/internal/daemon"
	"github.com/ipsix/plugboard/internal/hostregistry"
	"github.com/ipsix/plugboard/internal/localloader"
	"github.com/ipsix/plugboard/internal/logging"
	"github.com/ipsix/plugboard/internal/notify"
	"github.com/ipsix/plugboard/internal/rescan"
	"github.com/ipsix/plugboard/internal/scanengine"
	"github.com/ipsix/plugboard/internal/storage"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "ctl" {
		runCLI(os.Args[2:])
		return
	}

	configPath := flag.String("config", config.DefaultConfigPath, "Path to config file")
	reload := flag.Bool("reload", false, "Send SIGHUP to a running plugboard process and exit")
	pidValue := flag.String("pid", "", "PID to signal for -reload (or set PLUGBOARD_PID)")
	flag.Parse()

	if *reload {
		pid := *pidValue
		if pid == "" {
			pid = os.Getenv("PLUGBOARD_PID")
		}
		if pid == "" {
			_, _ = os.Stderr.WriteString("reload error: pid is required (use -pid or PLUGBOARD_PID)\n")
			os.Exit(1)
		}
		parsed, err := strconv.Atoi(pid)
		if err != nil || parsed <= 0 {
			_, _ = os.Stderr.WriteString("reload error: pid must be a positive integer\n")
			os.Exit(1)
		}
		proc, err := os.FindProcess(parsed)
		if err != nil {
			_, _ = os.Stderr.WriteString("reload error: " + err.Error() + "\n")
			os.Exit(1)
		}
		if err := proc.Signal(syscall.SIGHUP); err != nil {
			_, _ = os.Stderr.WriteString("reload error: " + err.Error() + "\n")
			os.Exit(1)
		}
		_, _ = os.Stdout.WriteString("reload signal sent\n")
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		_, _ = os.Stderr.WriteString("config error: " + err.Error() + "\n")
		os.Exit(1)
	}

	logger := logging.New(cfg.Daemon.LogFormat)
	logger.SetDebug(cfg.Daemon.LogLevel == "debug")
	logger.Info("plugboard starting", logging.Field{Key: "config", Value: cfg.Redacted()})

	runner, closeFn, err := build(cfg, logger)
	if err != nil {
		logger.Error("startup failed", logging.Field{Key: "error", Value: err.Error()})
		os.Exit(1)
	}
	defer closeFn()

	if err := runner.Run(context.Background()); err != nil {
		logger.Error("daemon exited with error", logging.Field{Key: "error", Value: err.Error()})
		os.Exit(1)
	}
}

func build(cfg config.Config, logger *logging.Logger) (*daemon.Runner, func(), error) {
	store, err := storage.NewBadgerStoreWithKey(cfg.Storage.DBPath, cfg.Storage.EncryptionKeyBase64)
	if err != nil {
		return nil, nil, err
	}

	registry := hostregistry.New(store, logger)

	var notifier scanengine.Notifier
	if cfg.Notify.Enabled {
		channels, err := notify.BuildChannels(convertChannels(cfg.Notify.Channels), logger)
		if err != nil {
			store.Close()
			return nil, nil, err
		}
		engine := notify.New(logger, cfg.Notify.DedupWindowDuration())
		for _, ch := range channels {
			engine.Register(ch)
		}
		notifier = engine
	}

	scanEngine := scanengine.New(registry, logger, notifier, store)

	for i, dir := range cfg.Loaders.LocalDirs {
		l := localloader.New("local-"+strconv.Itoa(i), logger)
		l.RegisterDir(dir)
		scanEngine.RegisterLoader(l)
	}
	for i, dir := range cfg.Loaders.ArchiveDirs {
		l := archiveloader.New("archive-"+strconv.Itoa(i), logger)
		l.RegisterDir(dir)
		scanEngine.RegisterLoader(l)
	}

	var flags scanengine.Flags
	if cfg.Rescan.Upgrade {
		flags |= scanengine.Upgrade
	}
	if cfg.Rescan.StopAllOnInstall {
		flags |= scanengine.StopAllOnInstall
	}
	if cfg.Rescan.StopAllOnUpgrade {
		flags |= scanengine.StopAllOnUpgrade
	}
	if cfg.Rescan.RestartActive {
		flags |= scanengine.RestartActive
	}

	rescanDaemon := rescan.New(logger, scanEngine, flags)
	if cfg.Rescan.Enabled {
		if err := rescanDaemon.AddSchedule(context.Background(), cfg.Rescan.Schedule); err != nil {
			store.Close()
			return nil, nil, err
		}
		if cfg.Rescan.WatchFilesystem {
			if err := rescanDaemon.WatchDirectories(context.Background(), cfg.Loaders.LocalDirs); err != nil {
				logger.Error("filesystem watch setup failed", logging.Field{Key: "error", Value: err.Error()})
			}
		}
	}

	apiServer := api.New(cfg.API, logger, registry, rescanDaemon, store)

	runner := daemon.New(cfg, logger, rescanDaemon, apiServer)
	return runner, func() { store.Close() }, nil
}

func convertChannels(cfgs []config.NotifyChannelConfig) []notify.ChannelConfig {
	out := make([]notify.ChannelConfig, 0, len(cfgs))
	for _, c := range cfgs {
		levels := make([]notify.Level, 0, len(c.Levels))
		for _, l := range c.Levels {
			levels = append(levels, notify.Level(l))
		}
		out = append(out, notify.ChannelConfig{
			Type:          c.Type,
			Enabled:       c.Enabled,
			Levels:        levels,
			URL:           c.URL,
			SyslogNetwork: c.SyslogNetwork,
			SyslogAddress: c.SyslogAddress,
			SyslogTag:     c.SyslogTag,
			SMTPServer:    c.SMTPServer,
			SMTPUser:      c.SMTPUser,
			SMTPPass:      c.SMTPPass,
			From:          c.From,
			To:            c.To,
			Subject:       c.Subject,
		})
	}
	return out
}

func runCLI(args []string) {
	fs := flag.NewFlagSet("ctl", flag.ExitOnError)
	addr := fs.String("addr", "http://127.0.0.1:8089", "API base URL")
	token := fs.String("token", "", "API token (or set PLUGBOARD_TOKEN)")
	pretty := fs.Bool("pretty", false, "Pretty-print JSON responses")
	configPath := fs.String("config", config.DefaultConfigPath, "Config path for validate/storage-check")
	envFile := fs.String("env-file", "", "Env file to load before validate/storage-check")
	fs.Parse(args)

	if *token == "" {
		*token = os.Getenv("PLUGBOARD_TOKEN")
	}
	if *token == "" {
		_, _ = os.Stderr.WriteString("ctl error: token is required (use -token or PLUGBOARD_TOKEN)\n")
		os.Exit(1)
	}

	if fs.NArg() < 1 {
		usageCLI()
		os.Exit(2)
	}

	client := cli.NewClient(*addr, *token)
	cmd := fs.Arg(0)

	ctx := context.Background()
	var (
		raw []byte
		err error
	)

	switch cmd {
	case "status":
		raw, err = client.DoJSON(ctx, http.MethodGet, "/status", nil)
	case "health":
		raw, err = client.DoJSON(ctx, http.MethodGet, "/health", nil)
	case "plugins":
		raw, err = client.DoJSON(ctx, http.MethodGet, "/plugins", nil)
	case "scan":
		raw, err = client.DoJSON(ctx, http.MethodPost, "/scan", nil)
	case "scan-last":
		raw, err = client.DoJSON(ctx, http.MethodGet, "/scan/last", nil)
	case "validate":
		err = runValidate(*configPath, *envFile)
		raw = []byte(`{"status":"ok"}`)
	case "storage-check":
		err = runStorageCheck(*configPath, *envFile)
		raw = []byte(`{"status":"ok"}`)
	default:
		usageCLI()
		os.Exit(2)
	}

	if err != nil {
		_, _ = os.Stderr.WriteString("ctl error: " + err.Error() + "\n")
		os.Exit(1)
	}
	raw = maybePrettyJSON(raw, *pretty)
	_, _ = os.Stdout.Write(raw)
	if len(raw) > 0 && raw[len(raw)-1] != '\n' {
		_, _ = os.Stdout.Write([]byte("\n"))
	}
}

func usageCLI() {
	usage := []string{
		"Usage: plugboard ctl [flags] <command>",
		"",
		"Commands:",
		"  status",
		"  health",
		"  plugins",
		"  scan",
		"  scan-last",
		"  validate",
		"  storage-check",
		"",
		"Flags:",
		"  -addr http://127.0.0.1:8089",
		"  -token <token> (or PLUGBOARD_TOKEN)",
		"  -pretty (pretty-print JSON)",
		"  -config <path> (for validate/storage-check)",
		"  -env-file <path> (optional env file for validate/storage-check)",
	}
	_, _ = os.Stderr.WriteString(strings.Join(usage, "\n") + "\n")
}

func maybePrettyJSON(raw []byte, pretty bool) []byte {
	if !pretty {
		return raw
	}
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" {
		return raw
	}
	if trimmed[0] != '{' && trimmed[0] != '[' {
		return raw
	}
	var out bytes.Buffer
	if err := json.Indent(&out, []byte(trimmed), "", "  "); err != nil {
		return raw
	}
	out.WriteByte('\n')
	return out.Bytes()
}

func runValidate(configPath, envFile string) error {
	restore, err := loadEnvFile(envFile)
	if err != nil {
		return err
	}
	defer restore()

	_, err = config.Load(configPath)
	return err
}

func runStorageCheck(configPath, envFile string) error {
	restore, err := loadEnvFile(envFile)
	if err != nil {
		return err
	}
	defer restore()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	store, err := storage.NewBadgerStoreWithKey(cfg.Storage.DBPath, cfg.Storage.EncryptionKeyBase64)
	if err != nil {
		return err
	}
	return store.Close()
}

func loadEnvFile(path string) (func(), error) {
	if path == "" {
		return func() {}, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	lines := strings.Split(string(raw), "\n")
	previous := map[string]*string{}
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])
		if key == "" {
			continue
		}
		if existing, ok := os.LookupEnv(key); ok {
			copy := existing
			previous[key] = &copy
		} else {
			previous[key] = nil
		}
		_ = os.Setenv(key, value)
	}
	return func() {
		for key, value := range previous {
			if value == nil {
				_ = os.Unsetenv(key)
				continue
			}
			_ = os.Setenv(key, *value)
		}
	}, nil
}
