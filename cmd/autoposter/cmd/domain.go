package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/autoposter/console/backend"
	"github.com/autoposter/console/internal/output"
)

func group(use, short string, children ...*cobra.Command) *cobra.Command {
	c := &cobra.Command{Use: use, Short: short}
	c.AddCommand(children...)
	return c
}

// parseID accepts a record id. Backend ids are UUIDs; they are returned in
// canonical form.
func parseID(s string) (string, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return "", &output.CLIError{
			Summary:    fmt.Sprintf("invalid id %q", s),
			Suggestion: "Ids are UUIDs, as shown by the list commands",
			ExitCode:   output.ExitUsageError,
		}
	}
	return id.String(), nil
}

func parseOnOff(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "on":
		return true, nil
	case "off":
		return false, nil
	}
	return false, &output.CLIError{Summary: fmt.Sprintf("expected on or off, got %q", s), ExitCode: output.ExitUsageError}
}

// addPayloadFlags adds --data and --file to c.
func addPayloadFlags(c *cobra.Command) {
	c.Flags().String("data", "", "JSON payload")
	c.Flags().String("file", "", "read the JSON payload from a file (- for stdin)")
}

// readPayload returns the JSON payload given by --data or --file.
func readPayload(cmd *cobra.Command, required bool) (json.RawMessage, error) {
	data, _ := cmd.Flags().GetString("data")
	file, _ := cmd.Flags().GetString("file")

	var raw []byte
	switch {
	case data != "" && file != "":
		return nil, &output.CLIError{Summary: "use either --data or --file", ExitCode: output.ExitUsageError}
	case data != "":
		raw = []byte(data)
	case file == "-":
		b, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return nil, fmt.Errorf("reading payload: %w", err)
		}
		raw = b
	case file != "":
		b, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("reading payload: %w", err)
		}
		raw = b
	case required:
		return nil, &output.CLIError{Summary: "a JSON payload is required (--data or --file)", ExitCode: output.ExitUsageError}
	default:
		return nil, nil
	}
	if !json.Valid(raw) {
		return nil, &output.CLIError{Summary: "payload is not valid JSON", ExitCode: output.ExitUsageError}
	}
	return raw, nil
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check backend health",
	Args:  cobra.NoArgs,
	RunE: withApp(func(cmd *cobra.Command, _ []string, a *app) error {
		deep, _ := cmd.Flags().GetBool("deep")
		ready, _ := cmd.Flags().GetBool("ready")
		switch {
		case deep && ready:
			return &output.CLIError{Summary: "use either --deep or --ready", ExitCode: output.ExitUsageError}
		case deep:
			return printResult(a.backend.DeepHealth(cmd.Context()))
		case ready:
			return printResult(a.backend.Readiness(cmd.Context()))
		}
		return printResult(a.backend.Health(cmd.Context()))
	}),
}

func draftsCmd() *cobra.Command {
	create := &cobra.Command{
		Use:   "create",
		Short: "Create a draft from a JSON payload",
		Args:  cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, _ []string, a *app) error {
			payload, err := readPayload(cmd, true)
			if err != nil {
				return err
			}
			return printResult(a.backend.CreateDraft(cmd.Context(), payload))
		}),
	}
	addPayloadFlags(create)

	approve := &cobra.Command{
		Use:   "approve <id>",
		Short: "Approve a draft",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(cmd *cobra.Command, args []string, a *app) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return printResult(a.backend.ApproveDraft(cmd.Context(), id))
		}),
	}

	reject := &cobra.Command{
		Use:   "reject <id>",
		Short: "Reject a draft",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(cmd *cobra.Command, args []string, a *app) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			reason, _ := cmd.Flags().GetString("reason")
			return printResult(a.backend.RejectDraft(cmd.Context(), id, reason))
		}),
	}
	reject.Flags().String("reason", "", "why the draft was rejected")

	return group("drafts", "Review and create drafts",
		leaf("list", "List drafts", (*backend.Client).Drafts),
		create,
		leaf("generate", "Generate a draft from current sources", (*backend.Client).GenerateDraft),
		approve,
		reject,
	)
}

func postsCmd() *cobra.Command {
	get := &cobra.Command{
		Use:   "get <id>",
		Short: "Show a post",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(cmd *cobra.Command, args []string, a *app) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return printResult(a.backend.Post(cmd.Context(), id))
		}),
	}

	confirm := &cobra.Command{
		Use:   "confirm <id> <post-url>",
		Short: "Record that a post was published manually",
		Args:  cobra.ExactArgs(2),
		RunE: withApp(func(cmd *cobra.Command, args []string, a *app) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return printResult(a.backend.ConfirmManualPublish(cmd.Context(), id, args[1]))
		}),
	}

	metrics := &cobra.Command{
		Use:   "metrics <id>",
		Short: "Update the engagement metrics of a post",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(cmd *cobra.Command, args []string, a *app) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			payload, err := readPayload(cmd, true)
			if err != nil {
				return err
			}
			return printResult(a.backend.UpdateMetrics(cmd.Context(), id, payload))
		}),
	}
	addPayloadFlags(metrics)

	return group("posts", "Inspect and publish posts",
		leaf("list", "List posts", (*backend.Client).Posts),
		get,
		leaf("publish-due", "Publish every post that is due", (*backend.Client).PublishDue),
		confirm,
		metrics,
	)
}

func commentsCmd() *cobra.Command {
	create := &cobra.Command{
		Use:   "create",
		Short: "Record a comment from a JSON payload",
		Args:  cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, _ []string, a *app) error {
			payload, err := readPayload(cmd, true)
			if err != nil {
				return err
			}
			return printResult(a.backend.CreateComment(cmd.Context(), payload))
		}),
	}
	addPayloadFlags(create)

	return group("comments", "Comments on published posts",
		leaf("list", "List comments", (*backend.Client).Comments),
		create,
	)
}

func sourcesCmd() *cobra.Command {
	ingest := &cobra.Command{
		Use:   "ingest [feed-url...]",
		Short: "Ingest research feeds",
		RunE: withApp(func(cmd *cobra.Command, args []string, a *app) error {
			return printResult(a.backend.IngestSources(cmd.Context(), args))
		}),
	}
	return group("sources", "Research sources",
		leaf("list", "List sources", (*backend.Client).Sources),
		ingest,
	)
}

var reportsDailyCmd = &cobra.Command{
	Use:   "daily",
	Short: "Show today's report",
	Args:  cobra.NoArgs,
	RunE: withApp(func(cmd *cobra.Command, _ []string, a *app) error {
		if send, _ := cmd.Flags().GetBool("send"); send {
			return printResult(a.backend.SendDailyReport(cmd.Context()))
		}
		return printResult(a.backend.DailyReport(cmd.Context()))
	}),
}

type toggleFunc func(c *backend.Client, ctx context.Context, on bool) (json.RawMessage, error)

func toggle(use, short string, set toggleFunc) *cobra.Command {
	return &cobra.Command{
		Use:       use + " <on|off>",
		Short:     short,
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"on", "off"},
		RunE: withApp(func(cmd *cobra.Command, args []string, a *app) error {
			on, err := parseOnOff(args[0])
			if err != nil {
				return err
			}
			return printResult(set(a.backend, cmd.Context(), on))
		}),
	}
}

func adminCmd() *cobra.Command {
	return group("admin", "Backend administration",
		leaf("config", "Show runtime configuration", (*backend.Client).AdminConfig),
		leaf("alignment", "Show algorithm alignment", (*backend.Client).AlgorithmAlignment),
		leaf("audit-logs", "List audit log entries", (*backend.Client).AuditLogs),
		leaf("export", "Export backend state", (*backend.Client).ExportState),
		toggle("kill-switch", "Stop or resume all automated activity", (*backend.Client).SetKillSwitch),
		toggle("posting", "Enable or disable publishing", (*backend.Client).SetPosting),
	)
}

func contentCmd() *cobra.Command {
	generate := &cobra.Command{
		Use:   "generate",
		Short: "Generate a draft with the content engine",
		Args:  cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, _ []string, a *app) error {
			payload, err := readPayload(cmd, false)
			if err != nil {
				return err
			}
			if payload == nil {
				payload = json.RawMessage(`{}`)
			}
			return printResult(a.backend.GenerateContentDraft(cmd.Context(), payload))
		}),
	}
	addPayloadFlags(generate)

	return group("content", "Content engine",
		generate,
		leaf("pyramid", "Show the content pyramid", (*backend.Client).ContentPyramid),
		leaf("weights", "Show content weights", (*backend.Client).ContentWeights),
	)
}

func pipelineCmd() *cobra.Command {
	items := &cobra.Command{
		Use:   "items",
		Short: "List pipeline items",
		Args:  cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, _ []string, a *app) error {
			status, _ := cmd.Flags().GetString("status")
			return printResult(a.backend.PipelineItems(cmd.Context(), status))
		}),
	}
	items.Flags().String("status", "", "only items in this status ("+strings.Join(backend.PipelineStatuses, ", ")+")")

	item := &cobra.Command{
		Use:   "item <id>",
		Short: "Show a pipeline item",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(cmd *cobra.Command, args []string, a *app) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return printResult(a.backend.PipelineItem(cmd.Context(), id))
		}),
	}

	transition := &cobra.Command{
		Use:       "transition <id> <status>",
		Short:     "Move a pipeline item to another status",
		Args:      cobra.ExactArgs(2),
		ValidArgs: backend.PipelineStatuses,
		RunE: withApp(func(cmd *cobra.Command, args []string, a *app) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return printResult(a.backend.TransitionItem(cmd.Context(), id, args[1]))
		}),
	}

	run := &cobra.Command{
		Use:       "run <agent>",
		Short:     "Run a pipeline agent now (" + strings.Join(backend.Agents, ", ") + ")",
		Args:      cobra.ExactArgs(1),
		ValidArgs: backend.Agents,
		RunE: withApp(func(cmd *cobra.Command, args []string, a *app) error {
			return printResult(a.backend.RunAgent(cmd.Context(), args[0]))
		}),
	}

	return group("pipeline", "Multi-agent content pipeline",
		leaf("overview", "Show item counts per status", (*backend.Client).PipelineOverview),
		items,
		item,
		transition,
		run,
		leaf("health", "Show pipeline health", (*backend.Client).PipelineHealth),
	)
}

func init() {
	healthCmd.Flags().Bool("deep", false, "check backend dependencies")
	healthCmd.Flags().Bool("ready", false, "check readiness")
	reportsDailyCmd.Flags().Bool("send", false, "send the report instead of showing it")

	rootCmd.AddCommand(
		healthCmd,
		draftsCmd(),
		postsCmd(),
		commentsCmd(),
		group("engagement", "Comment engagement polling",
			leaf("poll", "Poll for new engagement now", (*backend.Client).PollEngagement),
			leaf("status", "Show polling status", (*backend.Client).EngagementStatus),
		),
		sourcesCmd(),
		group("learning", "Learning weights",
			leaf("weights", "Show learned weights", (*backend.Client).LearningWeights),
			leaf("recompute", "Recompute learned weights", (*backend.Client).RecomputeLearning),
		),
		group("reports", "Reports", reportsDailyCmd),
		adminCmd(),
		contentCmd(),
		pipelineCmd(),
	)
}
