package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/personad/internal/persona"
	"github.com/fyrsmithlabs/personad/internal/registry"
	"github.com/fyrsmithlabs/personad/internal/services"
	"github.com/fyrsmithlabs/personad/internal/storage/filestore"
)

var (
	listTags         []string
	listCapabilities []string
	listQuery        string
	listLimit        int

	recTask         string
	recCapabilities []string
	recVars         map[string]string

	scoreFeedback int

	// jsonOutput prints machine-readable output instead of styled text
	jsonOutput bool
)

func init() {
	rootCmd.AddCommand(personasCmd)
	personasCmd.AddCommand(personasListCmd)
	personasCmd.AddCommand(personasShowCmd)
	rootCmd.AddCommand(recommendCmd)
	rootCmd.AddCommand(scoreCmd)
	rootCmd.AddCommand(rateCmd)
	rootCmd.AddCommand(exportCmd)

	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "print JSON")

	personasListCmd.Flags().StringSliceVar(&listTags, "tag", nil, "only personas with any of these tags")
	personasListCmd.Flags().StringSliceVar(&listCapabilities, "capability", nil, "only personas with any of these capabilities")
	personasListCmd.Flags().StringVarP(&listQuery, "query", "q", "", "rank by similarity to this text (needs index.enabled)")
	personasListCmd.Flags().IntVar(&listLimit, "limit", 0, "maximum number of personas (0 = all)")

	recommendCmd.Flags().StringVar(&recTask, "task", "", "task type, matched against task:<type> tags")
	recommendCmd.Flags().StringSliceVar(&recCapabilities, "capability", nil, "required capabilities")
	recommendCmd.Flags().StringToStringVar(&recVars, "var", nil, "prompt placeholder values (key=value)")

	scoreCmd.Flags().IntVar(&scoreFeedback, "feedback", 5, "number of recent feedback entries to show")
}

var personasCmd = &cobra.Command{
	Use:   "personas",
	Short: "Inspect registered personas",
}

var personasListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered personas",
	Long: `List registered personas in registration order.

Examples:
  personad personas list
  personad personas list --capability code_execution --tag engineering
  personad personas list -q "explain research papers" --limit 3`,
	Args: cobra.NoArgs,
	RunE: runPersonasList,
}

var personasShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show one persona or micro-persona",
	Args:  cobra.ExactArgs(1),
	RunE:  runPersonasShow,
}

var recommendCmd = &cobra.Command{
	Use:   "recommend",
	Short: "Recommend a persona for a task",
	Long: `Pick the best-scoring persona and micro-persona pair for a task and print
the composed persona with its rendered system prompt.

Examples:
  personad recommend --task research
  personad recommend --task code-review --capability reasoning --var language=Go`,
	Args: cobra.NoArgs,
	RunE: runRecommend,
}

var scoreCmd = &cobra.Command{
	Use:   "score <persona-id>",
	Short: "Show the performance score of a persona",
	Args:  cobra.ExactArgs(1),
	RunE:  runScore,
}

var rateCmd = &cobra.Command{
	Use:   "rate <persona-id> <rating> [feedback]",
	Short: "Record a user rating in [0,1] for a persona",
	Args:  cobra.RangeArgs(2, 3),
	RunE:  runRate,
}

var exportCmd = &cobra.Command{
	Use:   "export <dir>",
	Short: "Export user-defined personas as YAML files",
	Long: `Copy every user-defined persona and micro-persona into dir as one YAML file
each. Unmodified built-ins are skipped. The directory can be used as
storage.file_dir for the file backend.`,
	Args: cobra.ExactArgs(1),
	RunE: runExport,
}

// withServices opens the container for a one-shot command.
func withServices(cmd *cobra.Command, fn func(ctx context.Context, c *services.Container) error) error {
	ctx := cmd.Context()
	c, logger, err := openServices(ctx, true)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck
	defer c.Close(context.Background()) //nolint:errcheck
	return fn(ctx, c)
}

func runPersonasList(cmd *cobra.Command, _ []string) error {
	caps, err := persona.ParseCapabilities(listCapabilities)
	if err != nil {
		return err
	}
	return withServices(cmd, func(ctx context.Context, c *services.Container) error {
		var defs []persona.Definition
		if listQuery != "" {
			if c.Index == nil {
				return fmt.Errorf("--query needs index.enabled")
			}
			limit := listLimit
			if limit == 0 {
				limit = 10
			}
			defs, err = c.Registry.SearchPersonas(ctx, listQuery, limit)
		} else {
			defs, err = c.Registry.ListPersonas(ctx, registry.Filter{
				Tags:         listTags,
				Capabilities: caps,
				Limit:        listLimit,
			})
		}
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if jsonOutput {
			return writeJSON(out, defs)
		}
		renderPersonaTable(out, defs, c.Registry.IsBuiltin)
		return nil
	})
}

func runPersonasShow(cmd *cobra.Command, args []string) error {
	id := args[0]
	return withServices(cmd, func(ctx context.Context, c *services.Container) error {
		out := cmd.OutOrStdout()
		if persona.IsMicroID(id) {
			m, err := c.Registry.GetMicroPersona(ctx, id)
			if err != nil {
				return err
			}
			if m == nil {
				return fmt.Errorf("micro-persona %q not found", id)
			}
			return writeJSON(out, m)
		}

		d, err := c.Registry.GetPersona(ctx, id)
		if err != nil {
			return err
		}
		if d == nil {
			return fmt.Errorf("persona %q not found", id)
		}
		if jsonOutput {
			return writeJSON(out, d)
		}
		renderPersona(out, d, c.Registry.IsBuiltin(id))
		return nil
	})
}

func runRecommend(cmd *cobra.Command, _ []string) error {
	caps, err := persona.ParseCapabilities(recCapabilities)
	if err != nil {
		return err
	}
	return withServices(cmd, func(ctx context.Context, c *services.Container) error {
		rec, err := c.Registry.GetPersonaRecommendation(ctx, recTask, caps)
		if err != nil {
			return err
		}
		if rec == nil {
			return fmt.Errorf("no registered persona matches task %q with capabilities [%s]", recTask, joinCaps(caps))
		}

		prompt := persona.Render(rec.Composed.SystemPromptTemplate, recVars)
		unfilled := persona.Placeholders(prompt)
		out := cmd.OutOrStdout()
		if jsonOutput {
			return writeJSON(out, map[string]any{
				"recommendation":       rec,
				"systemPrompt":         prompt,
				"unfilledPlaceholders": unfilled,
			})
		}
		renderRecommendation(out, rec, prompt, unfilled)
		return nil
	})
}

func runScore(cmd *cobra.Command, args []string) error {
	id := args[0]
	return withServices(cmd, func(ctx context.Context, c *services.Container) error {
		s, err := c.Scores.GetScore(ctx, id)
		if err != nil {
			return err
		}
		if s == nil {
			return fmt.Errorf("no score recorded for %q", id)
		}
		fb, err := c.Scores.RecentFeedback(ctx, id, scoreFeedback)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if jsonOutput {
			return writeJSON(out, map[string]any{"score": s, "recentFeedback": fb})
		}
		renderScore(out, s, fb)
		return nil
	})
}

func runRate(cmd *cobra.Command, args []string) error {
	rating, err := strconv.ParseFloat(args[1], 64)
	if err != nil {
		return fmt.Errorf("rating must be a number: %w", err)
	}
	text := ""
	if len(args) == 3 {
		text = strings.TrimSpace(args[2])
	}
	return withServices(cmd, func(ctx context.Context, c *services.Container) error {
		s, err := c.Feedback.RecordFeedback(ctx, args[0], rating, text)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if jsonOutput {
			return writeJSON(out, s)
		}
		renderScore(out, s, nil)
		return nil
	})
}

func runExport(cmd *cobra.Command, args []string) error {
	dst, err := filestore.New(args[0])
	if err != nil {
		return err
	}
	return withServices(cmd, func(ctx context.Context, c *services.Container) error {
		res, err := c.Registry.Export(ctx, dst)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if jsonOutput {
			return writeJSON(out, res)
		}
		fmt.Fprintf(out, "exported %d persona(s) and %d micro-persona(s) to %s\n", res.Personas, res.MicroPersonas, dst.Root())
		if res.Failed > 0 {
			return fmt.Errorf("%d record(s) failed to export", res.Failed)
		}
		return nil
	})
}
