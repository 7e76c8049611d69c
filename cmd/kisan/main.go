package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/krishisetu/krishisetu/internal/session"
	"github.com/krishisetu/krishisetu/pkg/client"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/term"
)

// version is overridden via -ldflags "-X main.version=...".
var version = "dev"

var (
	gatewayURL string
	cfgFile    string
	verbose    bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "kisan",
	Short: "KrishiSetu account CLI",
	Long: `kisan signs you in to KrishiSetu, walks you through the farm profile,
and tells you which features your account can open.

The session token is kept in ~/.kisan/config.yaml, so a sign-in survives
between commands until you run kisan signout.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if cfgFile != "" {
			viper.SetConfigFile(cfgFile)
		} else {
			viper.AddConfigPath(configDir())
			viper.SetConfigName("config")
			viper.SetConfigType("yaml")
		}
		viper.SetEnvPrefix("kisan")
		viper.AutomaticEnv()
		viper.SetDefault("phone_prefix", "+91")
		viper.SetDefault("resume_timeout", "10s")
		_ = viper.ReadInConfig()

		if gatewayURL == "" {
			gatewayURL = viper.GetString("gateway_url")
		}
		if gatewayURL == "" {
			gatewayURL = "http://localhost:8080"
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.kisan/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&gatewayURL, "gateway", "", "identity gateway URL (default http://localhost:8080)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log session transitions to stderr")

	rootCmd.AddCommand(signupCmd)
	rootCmd.AddCommand(signinCmd)
	rootCmd.AddCommand(phoneCmd)
	rootCmd.AddCommand(confirmCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(onboardCmd)
	rootCmd.AddCommand(accessCmd)
	rootCmd.AddCommand(rewardCmd)
	rootCmd.AddCommand(signoutCmd)
	rootCmd.AddCommand(versionCmd)
}

// ── session wiring ───────────────────────────────────────────────────────────

// app is the per-command client state: gateway client plus resumed store.
type app struct {
	gw     *client.Client
	store  *session.Store
	logger *zap.Logger
	in     *bufio.Reader
}

// openApp builds the client from config and resumes the saved session. A
// failed resume is reported and the command continues signed out.
func openApp(ctx context.Context) (*app, error) {
	logger := zap.NewNop()
	if verbose {
		l, err := zap.NewDevelopment()
		if err != nil {
			return nil, fmt.Errorf("build logger: %w", err)
		}
		logger = l
	}

	gw, err := client.New(gatewayURL,
		client.WithAccessToken(viper.GetString("access_token")),
		client.WithLogger(logger),
	)
	if err != nil {
		return nil, err
	}
	store := session.New(gw, session.Config{
		DevMode:       viper.GetBool("dev_mode"),
		ResumeTimeout: viper.GetDuration("resume_timeout"),
	}, logger)

	if err := store.Resume(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "warning: could not reach %s, continuing signed out (%v)\n", gatewayURL, err)
	}
	return &app{gw: gw, store: store, logger: logger, in: bufio.NewReader(os.Stdin)}, nil
}

// close persists whatever token the client now holds and detaches the store.
func (a *app) close() error {
	defer a.logger.Sync() //nolint:errcheck
	a.store.Close()
	return saveToken(a.gw.AccessToken())
}

// withApp runs fn against a resumed app and saves the token afterwards,
// whether or not fn failed.
func withApp(fn func(ctx context.Context, a *app) error) error {
	ctx := context.Background()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	runErr := fn(ctx, a)
	if err := a.close(); err != nil {
		return errors.Join(runErr, fmt.Errorf("save session: %w", err))
	}
	return runErr
}

func configDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".kisan")
}

func saveToken(token string) error {
	if viper.GetString("access_token") == token {
		return nil
	}
	viper.Set("access_token", token)

	path := viper.ConfigFileUsed()
	if path == "" {
		path = filepath.Join(configDir(), "config.yaml")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	if err := viper.WriteConfigAs(path); err != nil {
		return err
	}
	return os.Chmod(path, 0o600)
}

// ── prompts ──────────────────────────────────────────────────────────────────

func (a *app) prompt(label, def string) string {
	if def != "" {
		fmt.Printf("%s [%s]: ", label, def)
	} else {
		fmt.Printf("%s: ", label)
	}
	line, _ := a.in.ReadString('\n')
	line = strings.TrimSpace(line)
	if line == "" {
		return def
	}
	return line
}

// promptSecret reads without echo when stdin is a terminal.
func (a *app) promptSecret(label string) string {
	fmt.Printf("%s: ", label)
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		b, err := term.ReadPassword(fd)
		fmt.Println()
		if err == nil {
			return string(b)
		}
	}
	line, _ := a.in.ReadString('\n')
	return strings.TrimRight(line, "\r\n")
}

// ── version ──────────────────────────────────────────────────────────────────

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the kisan version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("kisan %s\n", version)
	},
}
