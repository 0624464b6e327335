// chatrelay - multi-provider chat relay.
package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/matiasleandrokruk/chatrelay/internal/infra/config"
	"github.com/matiasleandrokruk/chatrelay/internal/infra/llm"
	"github.com/matiasleandrokruk/chatrelay/internal/version"
	pkgauth "github.com/matiasleandrokruk/chatrelay/pkg/auth"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout))
}

// run executes the CLI and returns the process exit code.
func run(args []string, out io.Writer) int {
	root := newRootCmd(out)
	root.SetArgs(args)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(root.ErrOrStderr(), "error:", err) //nolint:errcheck
		return 1
	}
	return 0
}

type rootOptions struct {
	configPath string
	logFormat  string
}

func newRootCmd(out io.Writer) *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "chatrelay",
		Short:         "Relay chat turns to Ollama, OpenAI-compatible and Anthropic backends",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), version.String()) //nolint:errcheck
			return nil
		},
	}
	root.SetOut(out)
	root.SetErr(out)
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", config.PathFromEnv(), "path to the YAML config (RELAY_CONFIG)")
	root.PersistentFlags().StringVar(&opts.logFormat, "log-format", "json", "log output: json or console")

	root.AddCommand(
		newServeCmd(opts),
		newModelsCmd(opts),
		newTokenCmd(),
		newHashKeyCmd(),
		newVersionCmd(),
	)
	return root
}

// setupLogging configures the global zerolog logger.
func setupLogging(w io.Writer, level, format string) error {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		return fmt.Errorf("log level %q: %w", level, err)
	}
	zerolog.SetGlobalLevel(lvl)
	zerolog.TimeFieldFormat = time.RFC3339Nano

	switch format {
	case "json":
		log.Logger = zerolog.New(w).With().Timestamp().Logger()
	case "console":
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: w, TimeFormat: time.Kitchen}).With().Timestamp().Logger()
	default:
		return fmt.Errorf("log format %q is not json or console", format)
	}
	return nil
}

// ===== serve =====

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP relay",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			if err := setupLogging(os.Stderr, cfg.Log.Level, opts.logFormat); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg, nil)
			if err != nil {
				return err
			}
			log.Info().
				Str("component", "app").
				Str("version", version.Version).
				Strs("models", a.registry.ListModels()).
				Bool("ledger", a.recorder != nil).
				Str("ratelimit", cfg.RateLimit.Backend).
				Msg("starting chatrelay")
			return a.run(ctx)
		},
	}
}

// ===== models =====

func newModelsCmd(opts *rootOptions) *cobra.Command {
	var check bool
	cmd := &cobra.Command{
		Use:   "models",
		Short: "List configured models and their providers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			reg, err := llm.NewRegistry(cfg.Bindings(), llm.DefaultFactory(cfg.Limits.UpstreamTimeout))
			if err != nil {
				return err
			}

			var failures map[string]error
			if check {
				ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
				defer cancel()
				failures = reg.HealthCheck(ctx)
			}
			return printModels(cmd.OutOrStdout(), reg, check, failures)
		},
	}
	cmd.Flags().BoolVar(&check, "check", false, "probe every provider")
	return cmd
}

func printModels(out io.Writer, reg *llm.Registry, check bool, failures map[string]error) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	header := "MODEL\tPROVIDER\tKIND"
	if check {
		header += "\tSTATUS"
	}
	fmt.Fprintln(tw, header) //nolint:errcheck
	for _, m := range reg.ListModels() {
		b, _, err := reg.Resolve(m)
		if err != nil {
			return err
		}
		line := m + "\t" + b.ProviderName + "\t" + b.Kind
		if check {
			status := "ok"
			if ferr, bad := failures[b.ProviderName]; bad {
				status = "down: " + ferr.Error()
			}
			line += "\t" + status
		}
		fmt.Fprintln(tw, line) //nolint:errcheck
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if len(failures) > 0 {
		return fmt.Errorf("%d provider(s) unhealthy", len(failures))
	}
	return nil
}

// ===== token =====

func newTokenCmd() *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token <identity>",
		Short: "Issue an HS256 JWT for identity, signed with JWT_SECRET",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := pkgauth.JWTSecretFromEnv()
			if secret == nil {
				return fmt.Errorf("JWT_SECRET is not set")
			}
			token, err := pkgauth.GenerateJWT(secret, args[0], ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token) //nolint:errcheck
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", pkgauth.JWTExpiryFromEnv(), "token lifetime (JWT_EXPIRY hours by default)")
	return cmd
}

// ===== hash-key =====

func newHashKeyCmd() *cobra.Command {
	var id, identity, secret string
	cmd := &cobra.Command{
		Use:   "hash-key",
		Short: "Create an API key and print its config entry",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if id == "" || strings.Contains(id, ".") {
				return fmt.Errorf("--id is required and must not contain a dot")
			}
			if identity == "" {
				return fmt.Errorf("--identity is required")
			}
			if secret == "" {
				generated, err := randomSecret()
				if err != nil {
					return err
				}
				secret = generated
			}
			hash, err := pkgauth.HashAPIKey(secret)
			if err != nil {
				return err
			}

			entry, err := yaml.Marshal([]pkgauth.APIKey{{ID: id, Identity: identity, Hash: hash}})
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "key: %s.%s\n\n# add under auth.api_keys:\n%s", id, secret, entry) //nolint:errcheck
			return nil
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "key id (public half)")
	cmd.Flags().StringVar(&identity, "identity", "", "identity the key authenticates as")
	cmd.Flags().StringVar(&secret, "secret", "", "secret half; generated when empty")
	return cmd
}

func randomSecret() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// ===== version =====

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), version.String()) //nolint:errcheck
			return nil
		},
	}
}
