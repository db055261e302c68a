// Command chat-magnifier serves the live chat magnifier API.
// It:
//   - Loads configuration and initializes structured logging.
//   - Opens the configured storage backend (file, postgres or redis).
//   - Builds the chat engine with the optional language-model classifier and
//     speech synthesis.
//   - Starts the YouTube token refresher and the HTTP server.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"log/slog"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // G108: pprof endpoints enabled only when ENABLE_PPROF=1
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"google.golang.org/api/option"

	"github.com/onnwee/chat-magnifier/chat"
	"github.com/onnwee/chat-magnifier/config"
	"github.com/onnwee/chat-magnifier/crypto"
	"github.com/onnwee/chat-magnifier/db"
	"github.com/onnwee/chat-magnifier/llm"
	"github.com/onnwee/chat-magnifier/oauth"
	"github.com/onnwee/chat-magnifier/redisstore"
	"github.com/onnwee/chat-magnifier/server"
	"github.com/onnwee/chat-magnifier/telemetry"
	"github.com/onnwee/chat-magnifier/tts"
	"github.com/onnwee/chat-magnifier/twitchapi"
	"github.com/onnwee/chat-magnifier/twitchchat"
	"github.com/onnwee/chat-magnifier/youtubeapi"
)

var version = "dev"

func main() {
	// Local dev convenience only; production relies on real env.
	_ = godotenv.Load()
	setupLogger()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("config invalid", slog.Any("err", err))
		os.Exit(1)
	}

	telemetry.Init()
	shutdown, err := telemetry.InitTracing("chat-magnifier", version)
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdown()
	slog.Info("tracing", slog.Bool("enabled", telemetry.IsTracingEnabled()))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	box, err := crypto.NewBox(cfg.EncryptionKey)
	if err != nil {
		slog.Error("invalid ENCRYPTION_KEY", slog.Any("err", err))
		os.Exit(1)
	}
	if !box.Enabled() {
		slog.Warn("ENCRYPTION_KEY not set - OAuth tokens are stored in plaintext")
	}

	st, err := openStorage(ctx, cfg, box)
	if err != nil {
		slog.Error("storage init failed", slog.String("backend", cfg.StoreBackend), slog.Any("err", err))
		os.Exit(1)
	}
	defer st.close()

	var classifier chat.Classifier
	if cfg.AIRequired() {
		reg := llm.DefaultRegistry(llm.Settings{
			BaseURL:         cfg.AIBaseURL,
			APIKey:          cfg.AIAPIKey,
			Model:           cfg.AIModel,
			ModerationModel: cfg.AIModerationModel,
			AppName:         "chat-magnifier",
		})
		p, err := reg.Get(ctx, cfg.AIProvider, "")
		if err != nil {
			slog.Error("ai provider init failed", slog.Any("err", err))
			os.Exit(1)
		}
		classifier = llm.NewClassifier(p, cfg.AITimeout).WithRequestsPerMinute(cfg.AIRequestsPerMin)
		slog.Info("ai classifier enabled", slog.String("provider", cfg.AIProvider), slog.String("model", cfg.AIModel))
	}

	engine := chat.NewEngine(
		chat.NewMessageStore(ctx, st.persister),
		chat.NewHiddenStore(ctx, st.persister),
		classifier,
		cfg.ChatOptions(),
	)

	deps := server.Deps{
		Config:  cfg,
		Engine:  engine,
		KV:      st.kv,
		Limiter: st.limiter,
		Checks:  st.checks,
	}

	switch cfg.ChatPlatform {
	case config.PlatformTwitch:
		helix := &twitchapi.HelixClient{
			AppTokenSource: &twitchapi.TokenSource{ClientID: cfg.TwitchClientID, ClientSecret: cfg.TwitchClientSecret},
			ClientID:       cfg.TwitchClientID,
		}
		// Best-effort: confirms the app credentials and the channel name early.
		lookupCtx, cancel := context.WithTimeout(ctx, 8*time.Second)
		if uid, err := helix.GetUserID(lookupCtx, cfg.TwitchChannel); err != nil {
			slog.Warn("twitch channel lookup failed", slog.String("channel", cfg.TwitchChannel), slog.Any("err", err))
		} else {
			slog.Info("twitch channel resolved", slog.String("channel", cfg.TwitchChannel), slog.String("user_id", uid))
		}
		cancel()
		deps.Connector = twitchchat.NewConnector(ctx, twitchchat.Config{
			Channel:    cfg.TwitchChannel,
			Username:   cfg.TwitchBotUsername,
			OAuthToken: cfg.TwitchOAuthToken,
		}, helix)
	default:
		svc := youtubeapi.New(cfg, st.tokens).WithClientOptions(option.WithUserAgent("chat-magnifier/" + version))
		deps.Connector = svc
		oauth.StartRefresher(ctx, st.tokens, youtubeapi.Provider, 10*time.Minute, 20*time.Minute, svc.Refresh)
	}

	if cfg.TTSEnabled() {
		speech, err := tts.New(ctx, tts.Options{
			APIKey:      cfg.GoogleAPIKey,
			MaleVoice:   cfg.TTSMaleVoice,
			FemaleVoice: cfg.TTSFemaleVoice,
			Language:    cfg.TTSLanguage,
			Dir:         cfg.TTSAudioDir,
		})
		if err != nil {
			slog.Error("tts init failed", slog.Any("err", err))
			os.Exit(1)
		}
		engine.OnReset(speech.Clear)
		deps.Speech = speech
		slog.Info("tts enabled", slog.String("dir", speech.Dir()))
	}

	if os.Getenv("ENABLE_PPROF") == "1" {
		startPprof()
	}

	if err := server.Start(ctx, deps, cfg.HTTPAddr); err != nil {
		slog.Error("http server exited with error", slog.Any("err", err))
		os.Exit(1)
	}
	slog.Info("shutting down")
}

// setupLogger configures slog from LOG_LEVEL (debug|info|warn|error) and
// LOG_FORMAT (text|json).
func setupLogger() {
	lvl := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
	default:
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", os.Getenv("LOG_LEVEL")))
	}
	format := strings.ToLower(os.Getenv("LOG_FORMAT"))
	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	default:
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", slog.String("level", lvl.String()), slog.String("format", map[bool]string{true: "json", false: "text"}[format == "json"]))
}

// storage is the backend-specific half of the wiring.
type storage struct {
	persister chat.Persister
	tokens    oauth.Store
	kv        server.KV
	limiter   server.RateLimiter
	checks    []server.Check
	close     func()
}

func openStorage(ctx context.Context, cfg *config.Config, box *crypto.Box) (*storage, error) {
	switch cfg.StoreBackend {
	case config.StorePostgres:
		database, err := db.Connect(ctx, cfg.DBDsn)
		if err != nil {
			return nil, err
		}
		slog.Info("running database migrations", slog.String("component", "db_migrate"))
		if err := db.Migrate(ctx, database); err != nil {
			_ = database.Close()
			return nil, err
		}
		return &storage{
			persister: &db.ChatPersister{DB: database},
			tokens:    &db.TokenStore{DB: database, Box: box},
			kv:        db.KVStore{DB: database},
			checks:    []server.Check{{Name: "database", Fn: database.PingContext}},
			close: func() {
				if err := database.Close(); err != nil {
					slog.Error("failed to close database", slog.Any("err", err))
				}
			},
		}, nil

	case config.StoreMemory:
		slog.Warn("memory store backend: messages and tokens are lost on restart")
		return &storage{
			persister: &chat.MemoryPersister{},
			tokens:    oauth.NewMemoryStore(),
			close:     func() {},
		}, nil

	case config.StoreRedis:
		rs, err := redisstore.New(ctx, redisstore.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Prefix:   cfg.RedisPrefix,
			Box:      box,
		})
		if err != nil {
			return nil, err
		}
		slog.Info("initializing redis-backed rate limiter", slog.String("backend", "redis"))
		return &storage{
			persister: rs.Persister(),
			tokens:    rs.Tokens(),
			kv:        rs,
			limiter:   server.NewSharedRateLimiter(rs),
			checks:    []server.Check{{Name: "redis", Fn: rs.Ping}},
			close: func() {
				if err := rs.Close(); err != nil {
					slog.Error("failed to close redis", slog.Any("err", err))
				}
			},
		}, nil

	default:
		fp, err := chat.NewFilePersister(cfg.DataDir)
		if err != nil {
			return nil, err
		}
		tokens, err := oauth.NewFileStore(cfg.DataDir, box)
		if err != nil {
			return nil, err
		}
		return &storage{
			persister: fp,
			tokens:    tokens,
			checks: []server.Check{{Name: "data_dir", Fn: func(context.Context) error {
				_, err := os.Stat(cfg.DataDir)
				return err
			}}},
			close: func() {},
		}, nil
	}
}

func startPprof() {
	pprofAddr := os.Getenv("PPROF_ADDR")
	if pprofAddr == "" {
		pprofAddr = "localhost:6060"
	}
	go func() {
		slog.Info("pprof profiling enabled", slog.String("addr", pprofAddr))
		srv := &http.Server{
			Addr:              pprofAddr,
			Handler:           nil, // default mux exposes /debug/pprof
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       10 * time.Second,
			WriteTimeout:      10 * time.Second,
			IdleTimeout:       60 * time.Second,
		}
		if err := srv.ListenAndServe(); err != nil {
			slog.Error("pprof server error", slog.Any("err", err))
		}
	}()
}
