package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/fatih/color"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"deployline/internal/app"
	"deployline/internal/config"
)

var rootCmd = &cobra.Command{
	Use:   "deployline",
	Short: "Deployline pipeline registry",
	Long: `Deployline keeps a registry of CI/CD pipelines that deploy applications to a remote host.
- Registry: a JSON document (.deployline/pipelines.json) backed up before every change.
- Discovery: walks the apps directory on the host over SSH and matches each app to a GitHub deploy workflow.
- Lifecycle: provision registers a pipeline by hand; teardown marks it inactive and never deletes anything.
- Health: recent workflow runs become a success rate and a 0-100 score.
- Journal: every change is written to .deployline/journal.db; view it with 'deployline log tail'.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if err := godotenv.Load(filepath.Join(workspace, ".env")); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("load .env: %w", err)
		}
		level, err := parseLevel(viper.GetString("log-level"))
		if err != nil {
			return err
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("error:"), err)
		stop()
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("DEPLOYLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("log-level", "warn", "log level (debug, info, warn, error)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(pipelineCmd())
	rootCmd.AddCommand(checkCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("invalid --log-level %q", s)
	}
	return level, nil
}

// loadConfig reads deployline.yml (defaults when absent) and layers the
// environment on top. Secrets only ever come from the environment.
func loadConfig() (*config.Config, error) {
	workspace := viper.GetString("workspace")
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	cfg.Resolve(workspace)
	cfg.GitHub.Token = viper.GetString("github-token")
	if cfg.GitHub.Token == "" {
		cfg.GitHub.Token = os.Getenv("GHT")
	}
	if v := viper.GetString("github-owner"); v != "" {
		cfg.GitHub.Owner = v
	}
	if v := viper.GetString("ssh-host"); v != "" {
		cfg.Remote.Host = v
	}
	if v := viper.GetString("ssh-user"); v != "" {
		cfg.Remote.User = v
	}
	if v := viper.GetString("ssh-key"); v != "" {
		cfg.Remote.KeyPath = v
	}
	if v := viper.GetString("ssh-auth-sock"); v != "" {
		cfg.Remote.AgentSocket = v
	} else if cfg.Remote.AgentSocket == "" {
		cfg.Remote.AgentSocket = os.Getenv("SSH_AUTH_SOCK")
	}
	cfg.Server.JWTSecret = viper.GetString("jwt-secret")
	return cfg, cfg.Validate()
}

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := app.Open(ctx, cfg, slog.Default())
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

// confirm asks a yes/no question on in; anything but y/yes declines.
func confirm(in io.Reader, out io.Writer, question string) bool {
	fmt.Fprintf(out, "%s [y/N]: ", question)
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && line == "" {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true
	}
	return false
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
