// Command codeloop is an interactive coding assistant: it asks a model for
// help, runs the tools the model proposes after checking permission, and
// feeds the results back until the model answers.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/martinemde/codeloop/agentloop"
	"github.com/martinemde/codeloop/config"
	"github.com/martinemde/codeloop/logging"
	"github.com/martinemde/codeloop/permission"
	"github.com/martinemde/codeloop/unifiedllm"
)

func main() {
	if err := newRootCmd(os.Stdin, os.Stdout, os.Stderr).Execute(); err != nil {
		os.Exit(1)
	}
}

type rootFlags struct {
	configPath  string
	provider    string
	model       string
	maxTokens   int
	approveAll  bool
	logLevel    string
	print       bool
	verbose     bool
	dir         string
	sessionFile string
}

// streams are the process's standard streams, swapped out in tests.
type streams struct {
	in          io.Reader
	out         io.Writer
	errOut      io.Writer
	interactive bool
	// notify scopes SIGINT handling to one phase of the loop.
	notify func(ctx context.Context) (context.Context, context.CancelFunc)
}

func newRootCmd(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	return newCommand(&streams{
		in:          stdin,
		out:         stdout,
		errOut:      stderr,
		interactive: isTerminal(stdin),
		notify: func(ctx context.Context) (context.Context, context.CancelFunc) {
			return signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
		},
	})
}

func newCommand(std *streams) *cobra.Command {
	flags := &rootFlags{}
	cmd := &cobra.Command{
		Use:   "codeloop [flags] [prompt]",
		Short: "Coding assistant that runs model-proposed tools under a permission policy",
		Long: `codeloop drives a language model through a tool-calling loop in the current
directory. Reads run automatically; writes, commands and network access ask first,
and destructive shell commands are refused.

Without a prompt it starts an interactive session. Press Ctrl-C to cancel a turn,
and Ctrl-C again at the prompt to exit.`,
		Example: `  codeloop
  codeloop "why does go test fail in ./internal/foo?"
  codeloop --provider openai --model gpt-4.1 --print "summarize README.md"
  git diff | codeloop --print "review this diff"`,
		Args:          cobra.ArbitraryArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			err := run(cmd, args, flags, std)
			if err != nil {
				fmt.Fprintf(std.errOut, "codeloop: %v\n", err)
			}
			return err
		},
	}

	registerFlags(cmd, flags)
	return cmd
}

func registerFlags(cmd *cobra.Command, flags *rootFlags) {
	f := cmd.Flags()
	f.StringVar(&flags.configPath, "config", "", "Config file (default $XDG_CONFIG_HOME/codeloop/config.yaml)")
	f.StringVar(&flags.provider, "provider", "", "Provider to use: anthropic, openai, gemini, or any configured gollm provider")
	f.StringVar(&flags.model, "model", "", "Model for the selected provider")
	f.IntVar(&flags.maxTokens, "max-tokens", 0, "Maximum output tokens per response")
	f.BoolVar(&flags.approveAll, "dangerously-approve-all", false, "Approve every tool call without asking, including destructive commands")
	f.StringVar(&flags.logLevel, "log-level", "", "Log level: debug, info, warn, error")
	f.BoolVarP(&flags.print, "print", "p", false, "Run one prompt, print the answer and exit")
	f.BoolVarP(&flags.verbose, "verbose", "v", false, "Show full tool output and per-turn usage")
	f.StringVar(&flags.dir, "dir", "", "Working directory (default current directory)")
	f.StringVar(&flags.sessionFile, "session", "", "Load history from and save it to this file")
}

func run(cmd *cobra.Command, args []string, flags *rootFlags, std *streams) error {
	cfg, err := loadConfig(cmd, flags)
	if err != nil {
		return err
	}

	logger, closer, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	defer closer.Close()
	slog.SetDefault(logger)

	client, err := newClientFromConfig(cfg, logger)
	if err != nil {
		return err
	}
	defer client.Close()

	lines := newLineReader(std.in)
	prompt := strings.TrimSpace(strings.Join(args, " "))
	if flags.print && !std.interactive {
		// Piped input becomes part of the prompt.
		piped, err := lines.ReadAll(cmd.Context())
		if err != nil {
			return err
		}
		prompt = strings.TrimSpace(prompt + "\n\n" + piped)
	}
	if flags.print && prompt == "" {
		return errors.New("--print needs a prompt")
	}

	session, err := newSession(cfg, flags, std, lines, client, logger)
	if err != nil {
		return err
	}
	defer session.Close()

	a := &app{
		session:     session,
		lines:       lines,
		streams:     std,
		sessionFile: flags.sessionFile,
		logger:      logger,
	}
	if flags.print {
		return a.runTurn(cmd.Context(), prompt)
	}
	if prompt != "" {
		if err := a.runTurn(cmd.Context(), prompt); err != nil && !errors.Is(err, context.Canceled) {
			fmt.Fprintf(std.errOut, "error: %v\n", err)
		}
	}
	return a.interactive(cmd.Context())
}

// loadConfig layers the command-line flags over config.Load.
func loadConfig(cmd *cobra.Command, flags *rootFlags) (*config.Config, error) {
	v := config.NewViper()
	bindings := map[string]string{
		"provider":                "provider",
		"log.level":               "log-level",
		"permissions.approve_all": "dangerously-approve-all",
	}
	for key, name := range bindings {
		if err := v.BindPFlag(key, cmd.Flags().Lookup(name)); err != nil {
			return nil, fmt.Errorf("bind --%s: %w", name, err)
		}
	}
	// A provider named only on the command line needs its model before
	// validation sees it.
	if flags.provider != "" && flags.model != "" {
		v.Set("providers."+flags.provider+".model", flags.model)
	}

	cfg, err := config.Load(v, flags.configPath)
	if err != nil {
		return nil, err
	}
	p := cfg.Providers[cfg.DefaultProvider]
	if flags.model != "" {
		p.Model = flags.model
	}
	if flags.maxTokens > 0 {
		p.MaxTokens = flags.maxTokens
	}
	cfg.Providers[cfg.DefaultProvider] = p
	return cfg, nil
}

func newSession(cfg *config.Config, flags *rootFlags, std *streams, lines *lineReader, client *unifiedllm.Client, logger *slog.Logger) (*agentloop.Session, error) {
	tiers, err := cfg.ToolTiers()
	if err != nil {
		return nil, err
	}
	provider, _ := cfg.Provider(cfg.DefaultProvider)

	sc := agentloop.DefaultSessionConfig()
	sc.MaxToolRounds = cfg.Agent.MaxToolRounds
	sc.MaxTokens = provider.MaxTokens
	sc.ToolTimeout = cfg.Agent.ToolTimeout
	sc.CommandTimeout = cfg.Agent.CommandTimeout
	sc.LoopDetectionWindow = cfg.Agent.LoopDetectionWindow
	sc.ContextWarningRatio = cfg.Agent.ContextWarningRatio
	sc.Policy = cfg.Policy()
	sc.ToolTiers = tiers

	registry := agentloop.NewToolRegistry()
	agentloop.RegisterCoreTools(registry, agentloop.CoreToolOptions{CommandTimeout: cfg.Agent.CommandTimeout})

	engine := permission.NewEngine(
		permission.WithPrompter(newTerminalPrompter(lines, std.errOut, std.interactive)),
		permission.WithLogger(logger),
	)

	opts := []agentloop.Option{
		agentloop.WithConfig(sc),
		agentloop.WithToolRegistry(registry),
		agentloop.WithPermissionEngine(engine),
		agentloop.WithEventHandler(newRenderer(std.out, std.errOut, flags.verbose).Handle),
		agentloop.WithLogger(logger),
	}
	if flags.sessionFile != "" {
		history, err := loadSessionFile(flags.sessionFile)
		if err != nil {
			return nil, err
		}
		opts = append(opts, agentloop.WithHistory(history))
	}

	profile := agentloop.NewProfile(cfg.DefaultProvider, provider.Model)
	return agentloop.NewSession(client, profile, agentloop.NewLocalExecutionEnvironment(flags.dir), opts...), nil
}

func isTerminal(r io.Reader) bool {
	f, ok := r.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}
