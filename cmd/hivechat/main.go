package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/Avicted/hivechat/internal/auth"
	"github.com/Avicted/hivechat/internal/chat"
	"github.com/Avicted/hivechat/internal/config"
	"github.com/Avicted/hivechat/internal/metrics"
	"github.com/Avicted/hivechat/internal/securelog"
	"github.com/Avicted/hivechat/internal/transport"
)

const dialTimeout = 5 * time.Second

type programRunner interface {
	Run() (tea.Model, error)
}

type programFactory func(tea.Model, ...tea.ProgramOption) programRunner

type options struct {
	envFile     string
	logFile     string
	serverURL   string
	token       string
	userID      string
	username    string
	hive        string
	logLevel    string
	metricsAddr string
}

func run(args []string, stdin io.Reader, stdout, stderr io.Writer, newProgram programFactory) error {
	var opts options
	cmd := &cobra.Command{
		Use:           "hivechat",
		Short:         "Terminal chat client for a hive",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, opts)
			if err != nil {
				return err
			}
			return start(cmd.Context(), cfg, opts.logFile, stdin, stdout, newProgram)
		},
	}
	cmd.CompletionOptions.DisableDefaultCmd = true
	cmd.SetArgs(args)
	cmd.SetIn(stdin)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	flags := cmd.Flags()
	flags.StringVar(&opts.envFile, "env-file", ".env", "dotenv file to load before reading HIVECHAT_* variables")
	flags.StringVar(&opts.logFile, "log-file", "", "write logs to this file (logs are discarded when empty)")
	flags.StringVar(&opts.serverURL, "server", "", "chat service base URL")
	flags.StringVar(&opts.token, "token", "", "access token")
	flags.StringVar(&opts.userID, "user", "", "your user ID")
	flags.StringVar(&opts.username, "name", "", "your display name")
	flags.StringVar(&opts.hive, "hive", "", "hive to open")
	flags.StringVar(&opts.logLevel, "log-level", "", "log level")
	flags.StringVar(&opts.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on host:port")

	return cmd.ExecuteContext(context.Background())
}

// loadConfig resolves settings from flags, then the environment, then the
// dotenv file.
func loadConfig(cmd *cobra.Command, opts options) (config.Config, error) {
	if err := godotenv.Load(opts.envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return config.Config{}, fmt.Errorf("load %s: %w", opts.envFile, err)
	}
	cfg, err := config.LoadFromEnv()
	if err != nil {
		return config.Config{}, err
	}

	flags := cmd.Flags()
	override := func(name string, dst *string, value string) {
		if flags.Changed(name) {
			*dst = value
		}
	}
	override("server", &cfg.ServerURL, opts.serverURL)
	override("token", &cfg.Token, opts.token)
	override("user", &cfg.UserID, opts.userID)
	override("name", &cfg.Username, opts.username)
	override("hive", &cfg.Conversation, opts.hive)
	override("log-level", &cfg.LogLevel, opts.logLevel)
	override("metrics-addr", &cfg.MetricsAddr, opts.metricsAddr)

	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	if cfg.Conversation == "" {
		return config.Config{}, errors.New("no hive selected: pass --hive or set HIVECHAT_CONVERSATION")
	}
	return cfg, nil
}

func start(ctx context.Context, cfg config.Config, logFile string, stdin io.Reader, stdout io.Writer, newProgram programFactory) error {
	logOut := io.Discard
	if logFile != "" {
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		defer f.Close()
		logOut = f
	}
	if err := securelog.Setup(cfg.LogLevel, logOut); err != nil {
		return err
	}
	log := logrus.WithField("app", "hivechat")

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	if cfg.MetricsAddr != "" {
		srv := serveMetrics(cfg.MetricsAddr, reg, log)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	api := transport.NewHTTPClient(cfg.ServerURL, cfg.RequestTimeout, rate.NewLimiter(limit, cfg.Burst))

	var push transport.PubSub = transport.Offline{}
	connected := false
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	ws, err := transport.DialWS(dialCtx, cfg.ServerURL, cfg.Token, log)
	cancel()
	if err != nil {
		securelog.Error(log, "push channel dial", err)
	} else {
		defer ws.Close()
		push = ws
		connected = true
	}

	session := auth.Session{Token: cfg.Token, UserID: cfg.UserID, Username: cfg.Username}
	client := chat.New(transport.Join(api, push), auth.NewStatic(session), chat.Options{
		CacheTimeout: cfg.CacheTimeout,
		TypingDecay:  cfg.TypingDecay,
		Logger:       log,
		Metrics:      m,
	})
	defer func() {
		client.Cleanup()
		client.Wait()
	}()

	if newProgram == nil {
		newProgram = func(model tea.Model, options ...tea.ProgramOption) programRunner {
			return tea.NewProgram(model, options...)
		}
	}
	root := newRootModel(newChatModel(client, session, cfg.Conversation, connected, 80, 24))
	p := newProgram(root, tea.WithAltScreen(), tea.WithInput(stdin), tea.WithOutput(stdout))
	_, err = p.Run()
	return err
}

func serveMetrics(addr string, reg *prometheus.Registry, log *logrus.Entry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			securelog.Error(log, "metrics server", err)
		}
	}()
	return srv
}

func main() {
	if err := run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr, nil); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
