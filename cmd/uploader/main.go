package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/timmy/tddf/internal/logger"
	"github.com/timmy/tddf/internal/uploader"
)

var Version = "dev"

// settings are resolved from flags, TDDF_UPLOADER_* variables and an optional
// config file, in that order.
type settings struct {
	URL          string        `mapstructure:"url"`
	APIKey       string        `mapstructure:"api_key"`
	Folder       string        `mapstructure:"folder"`
	ChunkSize    int64         `mapstructure:"chunk_size"`
	Timeout      time.Duration `mapstructure:"timeout"`
	MaxAttempts  int           `mapstructure:"max_attempts"`
	WakeAttempts int           `mapstructure:"wake_attempts"`
	WakeInterval time.Duration `mapstructure:"wake_interval"`
	Interval     time.Duration `mapstructure:"interval"`
	LogLevel     string        `mapstructure:"log_level"`
}

func main() {
	v := viper.New()
	var configFile string

	rootCmd := &cobra.Command{
		Use:          "tddf-uploader",
		Short:        "Send TDDF files from a local inbox to the intake API",
		Version:      Version,
		SilenceUsage: true,
	}
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configFile, "config", "", "Config file (default ./uploader.yaml)")
	flags.String("url", "http://localhost:8080", "Intake API base URL")
	flags.String("key", "", "Uploader API key")
	flags.String("folder", "./tddf-uploader", "Base folder holding inbox, processed and logs")
	flags.Int64("chunk-size", uploader.DefaultChunkSize, "Bytes per request; larger files are chunked")
	flags.String("log-level", "info", "debug, info, warn or error")
	_ = v.BindPFlag("url", flags.Lookup("url"))
	_ = v.BindPFlag("api_key", flags.Lookup("key"))
	_ = v.BindPFlag("folder", flags.Lookup("folder"))
	_ = v.BindPFlag("chunk_size", flags.Lookup("chunk-size"))
	_ = v.BindPFlag("log_level", flags.Lookup("log-level"))

	v.SetDefault("timeout", 5*time.Minute)
	v.SetDefault("max_attempts", 3)
	v.SetDefault("wake_attempts", 30)
	v.SetDefault("wake_interval", 5*time.Second)
	v.SetDefault("interval", 5*time.Minute)
	v.SetEnvPrefix("TDDF_UPLOADER")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	var s settings
	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		if configFile != "" {
			v.SetConfigFile(configFile)
		} else {
			v.SetConfigName("uploader")
			v.SetConfigType("yaml")
			v.AddConfigPath(".")
		}
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if configFile != "" || !errors.As(err, &notFound) {
				return fmt.Errorf("failed to read config file: %w", err)
			}
		}
		if err := v.Unmarshal(&s); err != nil {
			return fmt.Errorf("failed to unmarshal config: %w", err)
		}
		setupLogger(s)
		return nil
	}
	rootCmd.PersistentPostRun = func(cmd *cobra.Command, args []string) {
		_ = logger.Sync()
	}

	rootCmd.AddCommand(pingCmd(&s), statusCmd(&s), runCmd(&s), watchCmd(&s))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// setupLogger writes text logs to the console and a rotated file in the
// logs folder.
func setupLogger(s settings) {
	logger.SetDefaultLogger(logger.NewFromEnv(&logger.EnvConfig{
		Level:       s.LogLevel,
		Format:      "text",
		ServiceName: "tddf-uploader",
		Environment: "client",
		LogFile:     filepath.Join(s.Folder, "logs", "uploader.log"),
		MaxSize:     10,
		MaxBackups:  5,
		MaxAge:      30,
		Compress:    true,
	}))
}

func newClient(s *settings) *uploader.Client {
	return uploader.NewClient(uploader.ClientConfig{
		BaseURL:   s.URL,
		APIKey:    s.APIKey,
		UserAgent: "tddf-uploader/" + Version,
		Timeout:   s.Timeout,
		ChunkSize: s.ChunkSize,
	})
}

func newUploader(s *settings) (*uploader.Uploader, error) {
	if s.APIKey == "" {
		return nil, errors.New("an API key is required (--key or TDDF_UPLOADER_API_KEY)")
	}
	return uploader.New(newClient(s), uploader.Config{
		Folder:       s.Folder,
		MaxAttempts:  s.MaxAttempts,
		WakeAttempts: s.WakeAttempts,
		WakeInterval: s.WakeInterval,
	})
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func pingCmd(s *settings) *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Check the server and the API key",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()
			ping, err := newClient(s).Ping(ctx)
			if err != nil {
				return err
			}
			if err := printJSON(ping); err != nil {
				return err
			}
			if !ping.Ready() {
				return fmt.Errorf("server %s, key %s", ping.ServiceStatus, ping.KeyStatus)
			}
			return nil
		},
	}
}

func statusCmd(s *settings) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the server's upload queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()
			st, err := newClient(s).Status(ctx)
			if err != nil {
				return err
			}
			return printJSON(st)
		},
	}
}

func runCmd(s *settings) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Upload every file in the inbox once",
		RunE: func(cmd *cobra.Command, args []string) error {
			u, err := newUploader(s)
			if err != nil {
				return err
			}
			ctx, cancel := signalContext()
			defer cancel()
			report, err := u.RunBatch(ctx)
			if errors.Is(err, uploader.ErrLocked) {
				logger.CtxWarn(ctx, "Another uploader is running: %v", err)
				return nil
			}
			if report == nil && err == nil {
				fmt.Println("Inbox is empty:", u.Folders().Inbox)
				return nil
			}
			if report != nil {
				if perr := printJSON(report); perr != nil {
					return perr
				}
			}
			if err != nil {
				return err
			}
			if report.Failed > 0 {
				return fmt.Errorf("%d file(s) failed; see %s", report.Failed, report.Path)
			}
			return nil
		},
	}
}

func watchCmd(s *settings) *cobra.Command {
	var settle time.Duration
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Upload files as they arrive in the inbox",
		RunE: func(cmd *cobra.Command, args []string) error {
			u, err := newUploader(s)
			if err != nil {
				return err
			}
			ctx, cancel := signalContext()
			defer cancel()
			return u.Watch(ctx, s.Interval, settle)
		},
	}
	cmd.Flags().DurationVar(&settle, "settle", 2*time.Second, "Quiet period after a file lands before uploading")
	return cmd
}
