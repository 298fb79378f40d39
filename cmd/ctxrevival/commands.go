package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kalambet/ctxrevival/internal/config"
	"github.com/kalambet/ctxrevival/internal/pipeline"
)

// loadConfig is replaced in tests.
var loadConfig = func() (config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, err
	}
	setupLogging(cfg)
	return cfg, nil
}

// hookInput is the JSON a prompt hook receives on stdin.
type hookInput struct {
	SessionID     string `json:"session_id"`
	Cwd           string `json:"cwd"`
	Prompt        string `json:"prompt"`
	HookEventName string `json:"hook_event_name"`
}

func readHookInput(r io.Reader) (hookInput, error) {
	var in hookInput
	data, err := io.ReadAll(io.LimitReader(r, 1<<20))
	if err != nil {
		return in, fmt.Errorf("reading hook input: %w", err)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return in, errors.New("no prompt given and no hook input on stdin")
	}
	if err := json.Unmarshal(data, &in); err != nil {
		return in, fmt.Errorf("parsing hook input: %w", err)
	}
	return in, nil
}

func resolveProjectDir(dir string) string {
	if dir != "" {
		return dir
	}
	if wd, err := os.Getwd(); err == nil {
		return wd
	}
	return "."
}

// --- inject ---

var injectCmd = &cobra.Command{
	Use:   "inject [prompt]",
	Short: "Print revived context for a prompt",
	Long: `Print a block of relevant records from earlier turns for a prompt.

Without a prompt argument the command reads prompt hook JSON
({"prompt", "cwd", "session_id"}) from stdin. Nothing is printed when the
prompt does not look like it refers back to earlier work.

Examples:
  ctxrevival inject "why does the login test fail again?"
  echo '{"prompt":"same error as before","cwd":"/src/app"}' | ctxrevival inject`,
	RunE: func(cmd *cobra.Command, args []string) error {
		projectDir, _ := cmd.Flags().GetString("project-dir")
		asJSON, _ := cmd.Flags().GetBool("json")

		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		var prompt string
		if len(args) > 0 {
			prompt = strings.Join(args, " ")
		} else {
			hook, err := readHookInput(cmd.InOrStdin())
			if err != nil {
				return err
			}
			prompt = hook.Prompt
			if projectDir == "" {
				projectDir = hook.Cwd
			}
			if hook.SessionID != "" && cfg.Pipeline.Engine.SessionID == "" {
				cfg.Pipeline.Engine.SessionID = hook.SessionID
			}
		}

		r, err := newRevival(cfg)
		if err != nil {
			return err
		}
		defer r.Close()

		resp, err := r.Inject(cmd.Context(), prompt, resolveProjectDir(projectDir))
		if err != nil {
			// A failed lookup must never block the prompt.
			printWarning("context revival unavailable: %v", err)
			return nil
		}

		out := cmd.OutOrStdout()
		if asJSON {
			return printJSON(out, resp)
		}
		if resp.Context != "" {
			fmt.Fprint(out, resp.Context)
		}
		return nil
	},
}

func init() {
	injectCmd.Flags().String("project-dir", "", "project directory (default: hook cwd or working directory)")
	injectCmd.Flags().Bool("json", false, "print the block together with the trigger analysis as JSON")
}

// --- record ---

var recordCmd = &cobra.Command{
	Use:   "record",
	Short: "Record the outcome of a completed turn",
	Long: `Record the outcome of a completed turn so later prompts can recall it.

Examples:
  ctxrevival record --prompt "fix login test" --payload "added nil check" \
      --files auth/login.go,auth/login_test.go --outcome success --meta agent=claude
  ctxrevival record --stdin < turn.json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		projectDir, _ := cmd.Flags().GetString("project-dir")
		fromStdin, _ := cmd.Flags().GetBool("stdin")

		var t pipeline.TurnOutcome
		if fromStdin {
			if err := json.NewDecoder(bufio.NewReader(cmd.InOrStdin())).Decode(&t); err != nil {
				return fmt.Errorf("parsing turn outcome: %w", err)
			}
		} else {
			var err error
			if t, err = turnFromFlags(cmd); err != nil {
				return err
			}
		}
		if t.Prompt == "" && t.Payload == "" {
			return errors.New("--prompt or --payload is required")
		}

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		r, err := newRevival(cfg)
		if err != nil {
			return err
		}
		defer r.Close()

		id, err := r.Record(cmd.Context(), resolveProjectDir(projectDir), t)
		if err != nil {
			return err
		}
		printSuccess("Stored record %d", id)
		return nil
	},
}

func turnFromFlags(cmd *cobra.Command) (pipeline.TurnOutcome, error) {
	prompt, _ := cmd.Flags().GetString("prompt")
	payload, _ := cmd.Flags().GetString("payload")
	payloadFile, _ := cmd.Flags().GetString("payload-file")
	files, _ := cmd.Flags().GetStringSlice("files")
	outcome, _ := cmd.Flags().GetString("outcome")
	meta, _ := cmd.Flags().GetStringArray("meta")
	sessionID, _ := cmd.Flags().GetString("session-id")

	if payloadFile != "" {
		data, err := os.ReadFile(payloadFile)
		if err != nil {
			return pipeline.TurnOutcome{}, fmt.Errorf("reading payload file: %w", err)
		}
		payload = string(data)
	}
	metadata, err := parseMeta(meta)
	if err != nil {
		return pipeline.TurnOutcome{}, err
	}
	return pipeline.TurnOutcome{
		Prompt:    prompt,
		Payload:   payload,
		Files:     files,
		Outcome:   outcome,
		Metadata:  metadata,
		SessionID: sessionID,
	}, nil
}

// parseMeta turns ["k=v", ...] into a map.
func parseMeta(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid --meta %q, want key=value", p)
		}
		out[k] = v
	}
	return out, nil
}

func init() {
	recordCmd.Flags().String("project-dir", "", "project directory (default: working directory)")
	recordCmd.Flags().String("prompt", "", "prompt of the turn")
	recordCmd.Flags().String("payload", "", "what was done or answered")
	recordCmd.Flags().String("payload-file", "", "read the payload from a file")
	recordCmd.Flags().StringSlice("files", nil, "comma-separated files touched in the turn")
	recordCmd.Flags().String("outcome", "", "success, failure, partial or unknown")
	recordCmd.Flags().StringArray("meta", nil, "metadata key=value (repeatable)")
	recordCmd.Flags().String("session-id", "", "session id to store the record under")
	recordCmd.Flags().Bool("stdin", false, "read the turn outcome as JSON from stdin")
}

// --- health ---

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Show store, circuit and counter status for a project",
	RunE: func(cmd *cobra.Command, args []string) error {
		projectDir, _ := cmd.Flags().GetString("project-dir")
		asJSON, _ := cmd.Flags().GetBool("json")

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		r, err := newRevival(cfg)
		if err != nil {
			return err
		}
		defer r.Close()

		h, err := r.Health(cmd.Context(), resolveProjectDir(projectDir))
		if err != nil {
			return err
		}
		if asJSON {
			return printJSON(cmd.OutOrStdout(), h)
		}
		printHealth(h)
		return nil
	},
}

func printHealth(h pipeline.Health) {
	reachable := colorize(colorGreen, "reachable")
	if !h.StoreReachable {
		reachable = colorize(colorRed, "unreachable")
	}
	printStatus("Project", "%s", h.ProjectDir)
	printStatus("Enabled", "%t", h.Enabled)
	printStatus("Store", "%s", reachable)
	printStatus("Circuit", "%s", h.BreakerState)
	printStatus("Records", "%d", h.Stats.Records)
	c := h.Stats.Counters
	printStatus("Injections", "%d (skipped %d, empty %d)", c.Injections, c.Skipped, c.EmptyResults)
	printStatus("Failures", "store %d, circuit %d, budget %d, write %d, dropped %d",
		c.StoreErrors, c.CircuitRejections, c.BudgetExceeded, c.WriteFailures, c.WritesDropped)
	if h.Error != "" {
		printWarning("%s", h.Error)
	}
}

func init() {
	healthCmd.Flags().String("project-dir", "", "project directory (default: working directory)")
	healthCmd.Flags().Bool("json", false, "print health as JSON")
}

// --- sweep ---

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Delete records older than the retention horizon",
	RunE: func(cmd *cobra.Command, args []string) error {
		projectDir, _ := cmd.Flags().GetString("project-dir")

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		r, err := newRevival(cfg)
		if err != nil {
			return err
		}
		defer r.Close()

		printStep("Sweeping records older than %s", cfg.Pipeline.Engine.Retention)
		n, err := r.Sweep(cmd.Context(), resolveProjectDir(projectDir))
		if err != nil {
			return err
		}
		printSuccess("Deleted %d records", n)
		return nil
	},
}

func init() {
	sweepCmd.Flags().String("project-dir", "", "project directory (default: working directory; ignored with --remote)")
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		for _, k := range config.ShowAll(cfg) {
			fmt.Fprintf(out, "  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configKeysCmd = &cobra.Command{
	Use:   "keys",
	Short: "List configuration keys with their types and environment variables",
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		defaults := config.ShowAll(config.Config{})
		for _, k := range defaults {
			fmt.Fprintf(out, "  %-34s %-9s %s\n", k.Key, k.Type, k.EnvVar)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

var configResetCmd = &cobra.Command{
	Use:   "reset <key>",
	Short: "Remove a configuration value so its default applies",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.ResetKey(args[0]); err != nil {
			return err
		}
		printSuccess("Reset %s", args[0])
		return nil
	},
}

var configSetTokenCmd = &cobra.Command{
	Use:   "set-token [token]",
	Short: "Store the HTTP API token in the platform secret store",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var token string
		if len(args) == 1 {
			token = args[0]
		} else {
			line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
			if err != nil && !errors.Is(err, io.EOF) {
				return fmt.Errorf("reading token: %w", err)
			}
			token = line
		}
		if err := config.SetToken(token); err != nil {
			return err
		}
		printSuccess("API token stored")
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configKeysCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configResetCmd)
	configCmd.AddCommand(configSetTokenCmd)
}
