package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/viper"

	"github.com/PlagueHO/voicepilot-realtime/internal/auth"
	"github.com/PlagueHO/voicepilot-realtime/internal/config"
	"github.com/PlagueHO/voicepilot-realtime/internal/logging"
	"github.com/PlagueHO/voicepilot-realtime/internal/metrics"
	"github.com/PlagueHO/voicepilot-realtime/internal/session"
	"github.com/PlagueHO/voicepilot-realtime/internal/tasks"
)

var configFile = flag.String("config", "", "config file")

func main() {
	flag.Parse()

	cfg, err := loadConfig(*configFile)
	if err != nil {
		panic(err)
	}
	if err := cfg.Validate(); err != nil {
		panic(err)
	}

	var printable config.Config
	if err := config.Clone(&printable, cfg); err != nil {
		printable = cfg
	}
	if printable.KeyService.APIKey != "" {
		printable.KeyService.APIKey = "***"
	}
	data, _ := json.MarshalIndent(printable, "", "  ")

	fmt.Printf("config:\n%s\n", data)

	logger := logging.NewLogger("main")

	registry := prometheus.NewRegistry()
	service := session.New(
		cfg,
		auth.NewKeyServiceClient(cfg.KeyService),
		tasks.NewRegistry(logging.NewLogr("tasks")),
		logging.NewLogr("session"),
		metrics.NewWith(registry),
		// silence keeps the uplink alive until a capture pipeline is
		// plugged in
		session.Options{Source: session.NewSilenceSource()},
	)

	server := NewServer(cfg, service, registry)

	go func() {
		if err := server.Run(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigs
	logger.Info().Str("signal", sig.String()).Msg("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Err(err).Msg("http server shutdown")
	}
	if err := service.Close(); err != nil {
		logger.Err(err).Msg("closing session service")
	}
}

// loadConfig layers the built-in defaults, an optional config file and
// VOICEPILOT_* environment variables, in that order. A missing file is
// only an error when one was named explicitly.
func loadConfig(path string) (config.Config, error) {
	cfg := config.Default()

	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("voicepilot")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/voicepilot")
	}
	v.SetEnvPrefix("VOICEPILOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// environment overrides only resolve for keys viper already knows, so
	// seed every default through the json view of the config
	defaults := map[string]interface{}{}
	data, _ := json.Marshal(cfg)
	_ = json.Unmarshal(data, &defaults)
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	// keys whose default is empty are invisible above; bind them by hand
	// so secrets can come from the environment alone
	for _, key := range []string{
		"keyService.url",
		"keyService.apiKey",
		"connection.endpoint.baseUrl",
		"connection.session.instructions",
		"connection.audio.deviceId",
		"connection.policy.jitter",
		"http.allowedOrigins",
	} {
		_ = v.BindEnv(key)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return cfg, errors.Wrap(err, "reading config file")
		}
	}

	// field names follow the json tags so files and structs stay in sync;
	// weak typing turns the string values the environment delivers into
	// ports, durations and booleans
	err := v.Unmarshal(&cfg, func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "json"
		dc.WeaklyTypedInput = true
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	})
	if err != nil {
		return cfg, errors.Wrap(err, "unmarshalling config")
	}

	return cfg, nil
}
