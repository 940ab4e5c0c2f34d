package cmd

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/hashicorp/go-multierror"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"gmauleon.org/agecheck/pkg/age"
	"gmauleon.org/agecheck/pkg/api"
	"gmauleon.org/agecheck/pkg/cache"
	"gmauleon.org/agecheck/pkg/discord"
	"gmauleon.org/agecheck/pkg/recaptcha"
	"gmauleon.org/agecheck/pkg/resolver"
	"go.uber.org/zap"
)

const (
	environmentVariablePrefix = "AGECHECK"
	version                   = "1.0.0"
	redisKeyPrefix            = "agecheck:"
)

const (
	cacheBackendFile   = "file"
	cacheBackendMemory = "memory"
	cacheBackendRedis  = "redis"
	cacheBackendNone   = "none"
)

var (
	port           int
	requestTimeout time.Duration
	corsOrigins    []string
	envFile        string

	discordToken   string
	discordGateway bool

	recaptchaSecret   string
	recaptchaEndpoint string

	cacheBackend  string
	cachePath     string
	cacheTTL      time.Duration
	cacheSize     int
	redisAddr     string
	redisPassword string
	redisDB       int

	agePolicyName string
	agePolicy     age.Policy

	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:          "agecheck",
	Short:        "agecheck estimates the age of Discord accounts and servers",
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return launch(cmd.PersistentFlags())
	},
}

func Execute() {
	statusCode := 0
	if err := rootCmd.Execute(); err != nil {
		statusCode = 1
	}

	_ = logger.Sync()
	os.Exit(statusCode)
}

func init() {
	logger = zap.Must(zap.NewProduction())

	flags := rootCmd.PersistentFlags()
	flags.IntVar(&port, "port", 3000, "HTTP listen port")
	flags.DurationVar(&requestTimeout, "request-timeout", 5*time.Second, "Timeout applied to every Discord and reCAPTCHA call")
	flags.StringSliceVar(&corsOrigins, "cors-origins", []string{"*"}, "Allowed CORS origins")
	flags.StringVar(&envFile, "env-file", ".env", "Optional dotenv file to load before reading the environment")
	flags.StringVar(&discordToken, "discord-token", "", "Discord bot token, lookups fall back to snowflake decoding without it")
	flags.BoolVar(&discordGateway, "discord-gateway", true, "Open a gateway session to report bot readiness")
	flags.StringVar(&recaptchaSecret, "recaptcha-secret", "", "reCAPTCHA secret, enables the verification gate when set")
	flags.StringVar(&recaptchaEndpoint, "recaptcha-endpoint", recaptcha.DefaultEndpoint, "reCAPTCHA siteverify endpoint")
	flags.StringVar(&cacheBackend, "cache-backend", cacheBackendFile, "Response cache backend: file, memory, redis or none")
	flags.StringVar(&cachePath, "cache-path", "./cache", "Directory of the file cache")
	flags.DurationVar(&cacheTTL, "cache-ttl", cache.DefaultTTL, "Response cache time to live")
	flags.IntVar(&cacheSize, "cache-size", 10000, "Maximum entries of the memory cache, 0 for unbounded")
	flags.StringVar(&redisAddr, "redis-addr", "localhost:6379", "Redis address")
	flags.StringVar(&redisPassword, "redis-password", "", "Redis password")
	flags.IntVar(&redisDB, "redis-db", 0, "Redis database")
	flags.StringVar(&agePolicyName, "age-policy", string(age.DayBucket), "Age breakdown policy: day-bucket or calendar")
}

func launch(flags *pflag.FlagSet) error {
	if err := verifyFlags(flags); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Create Discord bot
	var source resolver.Source
	ready := func() bool { return false }

	if discordToken != "" {
		bot, err := discord.NewBot(logger, discordToken, requestTimeout)
		if err != nil {
			return fmt.Errorf("failed to create discord bot: %w", err)
		}
		source = bot
		ready = bot.Ready

		if discordGateway {
			if err := bot.Start(); err != nil {
				return fmt.Errorf("failed to start bot: %w", err)
			}
			defer func() {
				if err := bot.Shutdown(); err != nil {
					logger.Error("failed to shutdown bot", zap.Error(err))
				}
			}()
		}
	} else {
		logger.Warn("no discord token configured, lookups fall back to snowflake decoding")
	}

	responseCache, closeCache, err := newCache(ctx)
	if err != nil {
		return err
	}
	defer closeCache()

	// A nil *recaptcha.Client must not end up in the interface.
	var verifier api.Verifier
	if recaptchaSecret != "" {
		verifier = recaptcha.NewClient(recaptchaEndpoint, recaptchaSecret, requestTimeout)
	} else {
		logger.Info("recaptcha secret not set, verification gate disabled")
	}

	gin.SetMode(gin.ReleaseMode)
	router := api.NewRouter(logger, api.Config{
		Resolver:       resolver.New(logger, source),
		Cache:          responseCache,
		Estimator:      age.Estimator{Policy: agePolicy},
		Verifier:       verifier,
		Ready:          ready,
		Version:        version,
		AllowedOrigins: corsOrigins,
	})

	return api.NewServer(logger, port, router).Run(ctx)
}

func newCache(ctx context.Context) (cache.Cache, func(), error) {
	noop := func() {}

	switch cacheBackend {
	case cacheBackendNone:
		return cache.Nop{}, noop, nil
	case cacheBackendMemory:
		return cache.New(cache.NewMemoryStore(cacheSize, cacheTTL), cacheTTL), noop, nil
	case cacheBackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     redisAddr,
			Password: redisPassword,
			DB:       redisDB,
		})

		store := cache.NewRedisStore(client, redisKeyPrefix, cacheTTL)
		if err := store.Ping(ctx); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("failed to connect to redis: %w", err)
		}

		return cache.New(store, cacheTTL), func() { _ = client.Close() }, nil
	default:
		return cache.New(cache.NewFileStore(cachePath), cacheTTL), noop, nil
	}
}

func verifyFlags(flags *pflag.FlagSet) error {
	var flagErrors error

	// The dotenv file location is the one setting read before the dotenv file
	if value, ok := os.LookupEnv(environmentVariableName("env-file")); ok && !flags.Changed("env-file") {
		envFile = value
	}

	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		flagErrors = multierror.Append(flagErrors, fmt.Errorf("failed to load %s: %w", envFile, err))
	}

	// Environment variables fill in every flag not given on the command line
	flags.VisitAll(func(f *pflag.Flag) {
		if f.Changed {
			return
		}

		name := environmentVariableName(f.Name)
		value, ok := os.LookupEnv(name)
		if !ok {
			return
		}

		if err := f.Value.Set(value); err != nil {
			flagErrors = multierror.Append(flagErrors, fmt.Errorf("%s: %w", name, err))
		}
	})

	if port <= 0 || port > 65535 {
		flagErrors = multierror.Append(flagErrors, fmt.Errorf("port %d is out of range", port))
	}

	if requestTimeout <= 0 {
		flagErrors = multierror.Append(flagErrors, errors.New("request-timeout must be positive"))
	}

	if cacheTTL <= 0 {
		flagErrors = multierror.Append(flagErrors, errors.New("cache-ttl must be positive"))
	}

	if cacheSize < 0 {
		flagErrors = multierror.Append(flagErrors, errors.New("cache-size must not be negative"))
	}

	switch cacheBackend {
	case cacheBackendFile:
		if cachePath == "" {
			flagErrors = multierror.Append(flagErrors, errors.New("cache-path is required with the file cache"))
		}
	case cacheBackendRedis:
		if redisAddr == "" {
			flagErrors = multierror.Append(flagErrors, errors.New("redis-addr is required with the redis cache"))
		}
	case cacheBackendMemory, cacheBackendNone:
	default:
		flagErrors = multierror.Append(flagErrors, fmt.Errorf("unknown cache-backend %q", cacheBackend))
	}

	policy, err := age.ParsePolicy(agePolicyName)
	if err != nil {
		flagErrors = multierror.Append(flagErrors, err)
	}
	agePolicy = policy

	return flagErrors
}

func environmentVariableName(flag string) string {
	return environmentVariablePrefix + "_" + strings.ToUpper(strings.ReplaceAll(flag, "-", "_"))
}
