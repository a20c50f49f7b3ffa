package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"traceline/internal/app"
	"traceline/internal/audit"
	"traceline/internal/config"
	"traceline/internal/db"
	"traceline/internal/domain"
	"traceline/internal/engine"
	"traceline/internal/migrate"
	"traceline/internal/repo"
	"traceline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "tl",
	Short: "Traceline CLI",
	Long: `Traceline keeps decision records trustworthy: every edit is a new version,
every state change lands in a tamper-evident audit chain, and external
reviewers get capability links instead of accounts.
- Workspace: your .traceline directory holding only the database; configs
  are stored in the DB and imported explicitly.
- Decisions: records with versioned content; edits declare the version they
  were based on, and stale edits are rejected with the current version.
- Audit chain: per-decision hash chain; 'tl audit verify' recomputes it.
- Share links: scoped, expiring, usage-capped tokens, optionally behind a
  one-time code step-up.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("TRACELINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("project", "", "project id (overrides config default)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("project", rootCmd.PersistentFlags().Lookup("project"))
}

func registerCommands() {
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(decisionCmd())
	rootCmd.AddCommand(linkCmd())
	rootCmd.AddCommand(auditCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(serveCmd())
}

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage projects"}
	prj.AddCommand(projectListCmd())
	prj.AddCommand(projectCreateCmd())
	prj.AddCommand(projectShowCmd())
	prj.AddCommand(projectUseCmd())
	prj.AddCommand(projectConfigCmd())
	return prj
}

func projectListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListProjects(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
}

func projectCreateCmd() *cobra.Command {
	var id, desc string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create project",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" {
				return fmt.Errorf("--id required")
			}
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			cfg := config.Default(id)
			e := engine.New(conn, cfg)
			p, err := e.InitProject(cmd.Context(), id, desc)
			if err != nil {
				return err
			}
			return printJSONOrTable(p)
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "project id")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func projectShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			target := viper.GetString("project")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if target == "" {
					target = e.Config.Project.ID
				}
				p, err := e.Repo.GetProject(ctx, target)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
}

func projectUseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "use <id>",
		Short: "Set current project for this workspace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			projectID := strings.TrimSpace(args[0])
			if projectID == "" {
				return fmt.Errorf("project id is required")
			}
			workspace := viper.GetString("workspace")
			if err := setEnvValue(filepath.Join(workspace, ".env"), "TRACELINE_DEFAULT_PROJECT", projectID); err != nil {
				return err
			}
			fmt.Printf("Set TRACELINE_DEFAULT_PROJECT=%s in %s/.env\n", projectID, workspace)
			return nil
		},
	}
}

func projectConfigCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage project config",
	}
	cfg.AddCommand(projectConfigShowCmd())
	cfg.AddCommand(projectConfigImportCmd())
	return cfg
}

func projectConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show project config stored in DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printJSONOrTable(e.Config)
			})
		},
	}
}

func projectConfigImportCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import project config from YAML into the DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(filePath)
			if err != nil {
				return err
			}
			cfg, err := config.FromYAML(data)
			if err != nil {
				return err
			}
			projectID := cfg.Project.ID
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if projectID == "" {
					projectID = e.Config.Project.ID
				}
				if err := e.Repo.UpsertProjectConfig(ctx, projectID, cfg); err != nil {
					return err
				}
				return printJSONOrTable(cfg)
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to YAML config")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func decisionCmd() *cobra.Command {
	dec := &cobra.Command{
		Use:   "decision",
		Short: "Manage decision records",
		Long:  "Decisions carry versioned content. Edits always produce a new version and declare the version they were based on; a stale base is rejected with the current version so the caller can re-merge.",
	}
	dec.AddCommand(decisionCreateCmd())
	dec.AddCommand(decisionListCmd())
	dec.AddCommand(decisionShowCmd())
	dec.AddCommand(decisionVersionCmd())
	dec.AddCommand(decisionHistoryCmd())
	dec.AddCommand(decisionDiffCmd())
	dec.AddCommand(decisionStatusCmd())
	return dec
}

func fieldsFromFlags(cmd *cobra.Command, title, description, category, owner, dueDate string, tags []string, optionsJSON string) (domain.DecisionFields, error) {
	f := domain.DecisionFields{
		Title:       title,
		Description: description,
		Category:    category,
		Owner:       owner,
		Tags:        tags,
	}
	if cmd.Flags().Changed("due-date") {
		f.DueDate = &dueDate
	}
	if optionsJSON != "" {
		if err := json.Unmarshal([]byte(optionsJSON), &f.Options); err != nil {
			return f, fmt.Errorf("invalid --options: %w", err)
		}
	}
	return f, nil
}

func decisionCreateCmd() *cobra.Command {
	var title, description, category, owner, dueDate, optionsJSON string
	var tags []string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a decision",
		RunE: func(cmd *cobra.Command, args []string) error {
			fields, err := fieldsFromFlags(cmd, title, description, category, owner, dueDate, tags, optionsJSON)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.CreateDecision(ctx, e.Config.Project.ID, fields, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "title")
	cmd.Flags().StringVar(&description, "description", "", "description")
	cmd.Flags().StringVar(&category, "category", "", "category")
	cmd.Flags().StringVar(&owner, "owner", "", "owner")
	cmd.Flags().StringVar(&dueDate, "due-date", "", "due date (YYYY-MM-DD)")
	cmd.Flags().StringSliceVar(&tags, "tag", nil, "tag (repeatable)")
	cmd.Flags().StringVar(&optionsJSON, "options", "", `options JSON, e.g. [{"id":"a","label":"Option A"}]`)
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func decisionListCmd() *cobra.Command {
	var status string
	var limit, offset int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List decisions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListDecisions(ctx, repo.DecisionFilters{
					ProjectID: e.Config.Project.ID,
					Status:    status,
					Limit:     limit,
					Offset:    offset,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Status", "Version", "Updated"})
				for _, d := range items {
					tw.AppendRow(table.Row{d.ID, d.Status, d.CurrentVersion, d.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	cmd.Flags().IntVar(&offset, "offset", 0, "offset")
	return cmd
}

func decisionShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a decision and its current content",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.Repo.GetDecision(ctx, args[0])
				if err != nil {
					return err
				}
				v, err := e.Repo.GetDecisionVersion(ctx, d.ID, d.CurrentVersion)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{
					"decision": d,
					"fields":   v.Fields,
				})
			})
		},
	}
	return cmd
}

func decisionVersionCmd() *cobra.Command {
	var base int
	var note, title, description, category, owner, dueDate, optionsJSON string
	var tags []string
	cmd := &cobra.Command{
		Use:   "version <id>",
		Short: "Propose a new version against a base version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if base < 1 {
				return fmt.Errorf("--base required")
			}
			fields, err := fieldsFromFlags(cmd, title, description, category, owner, dueDate, tags, optionsJSON)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.CreateVersion(ctx, args[0], base, fields, note, viper.GetString("actor-id"))
				var conflict engine.ConflictError
				if errors.As(err, &conflict) {
					return fmt.Errorf("version conflict: decision is at version %d (you based on %d); re-fetch and re-apply", conflict.CurrentVersion, conflict.BaseVersion)
				}
				if err != nil {
					return err
				}
				return printJSONOrTable(res.Version)
			})
		},
	}
	cmd.Flags().IntVar(&base, "base", 0, "base version the edit was made against")
	cmd.Flags().StringVar(&note, "note", "", "version note")
	cmd.Flags().StringVar(&title, "title", "", "title")
	cmd.Flags().StringVar(&description, "description", "", "description")
	cmd.Flags().StringVar(&category, "category", "", "category")
	cmd.Flags().StringVar(&owner, "owner", "", "owner")
	cmd.Flags().StringVar(&dueDate, "due-date", "", "due date (YYYY-MM-DD)")
	cmd.Flags().StringSliceVar(&tags, "tag", nil, "tag (repeatable)")
	cmd.Flags().StringVar(&optionsJSON, "options", "", "options JSON")
	_ = cmd.MarkFlagRequired("base")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func decisionHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history <id>",
		Short: "List version history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListDecisionVersions(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Version", "Author", "Note", "Created"})
				for _, v := range items {
					tw.AppendRow(table.Row{v.Number, v.AuthorID, v.Note, v.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func decisionDiffCmd() *cobra.Command {
	var from, to int
	var full bool
	cmd := &cobra.Command{
		Use:   "diff <id>",
		Short: "Diff two versions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if from < 1 || to < 1 {
				return fmt.Errorf("--from and --to required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				deltas, err := e.DiffVersions(ctx, args[0], from, to, full)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(deltas)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Field", "Change", "Before", "After"})
				for _, d := range deltas {
					tw.AppendRow(table.Row{d.Field, d.ChangeKind, compactJSON(d.Before), compactJSON(d.After)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&from, "from", 0, "from version")
	cmd.Flags().IntVar(&to, "to", 0, "to version")
	cmd.Flags().BoolVar(&full, "full", false, "include unchanged fields")
	_ = cmd.MarkFlagRequired("from")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func decisionStatusCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "status <id>",
		Short: "Change decision lifecycle status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if status == "" {
				return fmt.Errorf("--to required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.UpdateStatus(ctx, args[0], status, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
	cmd.Flags().StringVar(&status, "to", "", "target status (draft, pending, approved, rejected)")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func linkCmd() *cobra.Command {
	link := &cobra.Command{
		Use:   "link",
		Short: "Manage share links",
		Long:  "Share links are capability tokens: scoped to one decision (or option), expiring, usage-capped, revocable, and optionally behind a one-time code. The plaintext token prints once at issue time; only its hash is stored.",
	}
	link.AddCommand(linkIssueCmd())
	link.AddCommand(linkListCmd())
	link.AddCommand(linkValidateCmd())
	link.AddCommand(linkExtendCmd())
	link.AddCommand(linkReissueCmd())
	link.AddCommand(linkRevokeCmd())
	link.AddCommand(linkOTPCmd())
	return link
}

func linkIssueCmd() *cobra.Command {
	var optionID, expiresAt string
	var maxUsage int
	var otpRequired, trackLatest bool
	cmd := &cobra.Command{
		Use:   "issue <decision-id>",
		Short: "Issue a share link",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := engine.IssueLinkOptions{TrackLatest: trackLatest}
			if cmd.Flags().Changed("option") {
				opts.OptionID = &optionID
			}
			if cmd.Flags().Changed("expires-at") {
				opts.ExpiresAt = &expiresAt
			}
			if cmd.Flags().Changed("max-usage") {
				opts.MaxUsage = &maxUsage
			}
			if cmd.Flags().Changed("otp") {
				opts.OTPRequired = &otpRequired
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				issued, err := e.IssueLink(ctx, args[0], opts, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"link": issued.Link, "token": issued.Token})
				}
				fmt.Printf("Link %s issued for decision %s\n", issued.Link.ID, issued.Link.DecisionID)
				fmt.Printf("Token (shown once): %s\n", issued.Token)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&optionID, "option", "", "restrict to one option id")
	cmd.Flags().StringVar(&expiresAt, "expires-at", "", "expiry (RFC3339)")
	cmd.Flags().IntVar(&maxUsage, "max-usage", 0, "max usages")
	cmd.Flags().BoolVar(&otpRequired, "otp", false, "require one-time code step-up")
	cmd.Flags().BoolVar(&trackLatest, "track-latest", false, "follow the latest version instead of pinning the current one")
	return cmd
}

func linkListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list <decision-id>",
		Short: "List share links for a decision",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListShareLinks(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Active", "Expires", "Usage", "OTP", "Bound"})
				for _, l := range items {
					expires := ""
					if l.ExpiresAt != nil {
						expires = *l.ExpiresAt
					}
					usage := fmt.Sprintf("%d", l.UsageCount)
					if l.MaxUsage != nil {
						usage = fmt.Sprintf("%d/%d", l.UsageCount, *l.MaxUsage)
					}
					bound := "latest"
					if l.BoundVersion != nil {
						bound = fmt.Sprintf("v%d", *l.BoundVersion)
					}
					tw.AppendRow(table.Row{l.ID, l.Active, expires, usage, l.OTPRequired, bound})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func linkValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <token>",
		Short: "Validate a share token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				v, err := e.ValidateLink(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(v)
			})
		},
	}
	return cmd
}

func linkExtendCmd() *cobra.Command {
	var expiresAt string
	cmd := &cobra.Command{
		Use:   "extend <link-id>",
		Short: "Extend a link's expiry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if expiresAt == "" {
				return fmt.Errorf("--expires-at required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				l, err := e.ExtendLink(ctx, args[0], expiresAt, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(l)
			})
		},
	}
	cmd.Flags().StringVar(&expiresAt, "expires-at", "", "new expiry (RFC3339)")
	_ = cmd.MarkFlagRequired("expires-at")
	return cmd
}

func linkReissueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reissue <link-id>",
		Short: "Revoke a link and issue a replacement with the same policy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				issued, err := e.ReissueLink(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"link": issued.Link, "token": issued.Token})
				}
				fmt.Printf("Link %s replaces %s\n", issued.Link.ID, args[0])
				fmt.Printf("Token (shown once): %s\n", issued.Token)
				return nil
			})
		},
	}
	return cmd
}

func linkRevokeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "revoke <link-id>",
		Short: "Revoke a link",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				l, err := e.RevokeLink(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(l)
			})
		},
	}
	return cmd
}

func linkOTPCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "otp <token>",
		Short: "Mint a one-time code for an OTP-protected link",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				code, err := e.IssueOTP(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]string{"code": code})
				}
				fmt.Printf("One-time code: %s\n", code)
				return nil
			})
		},
	}
	return cmd
}

func auditCmd() *cobra.Command {
	aud := &cobra.Command{
		Use:   "audit",
		Short: "Query and verify the audit chain",
	}
	aud.AddCommand(auditTailCmd())
	aud.AddCommand(auditVerifyCmd())
	aud.AddCommand(auditRedactCmd())
	return aud
}

func auditTailCmd() *cobra.Command {
	var n int
	var chainID, actorID, action, targetID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show recent audit entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				entries, err := e.Audit.Query(ctx, audit.Filters{
					ChainID:  chainID,
					ActorID:  actorID,
					Action:   action,
					TargetID: targetID,
					Limit:    n,
					Desc:     true,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(entries)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Chain", "Seq", "Action", "Actor", "Target", "TS"})
				for _, entry := range entries {
					actor := ""
					if entry.ActorID != nil {
						actor = *entry.ActorID
					}
					tw.AppendRow(table.Row{entry.ChainID, entry.Seq, entry.Action, actor, entry.TargetID, entry.TS})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of entries")
	cmd.Flags().StringVar(&chainID, "chain", "", "chain (decision) id filter")
	cmd.Flags().StringVar(&actorID, "actor", "", "actor filter")
	cmd.Flags().StringVar(&action, "action", "", "action filter")
	cmd.Flags().StringVar(&targetID, "target", "", "target id filter")
	return cmd
}

func auditRedactCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "redact <entry-id>",
		Short: "Blank a logged payload for retention without breaking the chain",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if reason == "" {
					return fmt.Errorf("--reason is required")
				}
				if err := e.Audit.Redact(ctx, args[0], reason, viper.GetString("actor-id")); err != nil {
					return err
				}
				fmt.Printf("entry %s redacted\n", args[0])
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "retention-policy reason, recorded in the log")
	return cmd
}

func auditVerifyCmd() *cobra.Command {
	var chainID string
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Recompute the hash chain and report tampering",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if chainID != "" {
					res, err := e.Audit.VerifyChain(ctx, chainID)
					if err != nil {
						return err
					}
					if viper.GetBool("json") {
						return printJSON(res)
					}
					if res.Valid {
						fmt.Printf("chain %s: OK\n", chainID)
						return nil
					}
					return fmt.Errorf("chain %s: INVALID at entry %d", chainID, res.FirstInvalid)
				}
				results, err := e.Audit.VerifyAll(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(results)
				}
				bad := 0
				for id, res := range results {
					if res.Valid {
						fmt.Printf("chain %s: OK\n", id)
					} else {
						fmt.Printf("chain %s: INVALID at entry %d\n", id, res.FirstInvalid)
						bad++
					}
				}
				if bad > 0 {
					return fmt.Errorf("%d chain(s) failed verification", bad)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&chainID, "chain", "", "verify a single chain (decision) id")
	return cmd
}

func apikeyCmd() *cobra.Command {
	key := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	key.AddCommand(apikeyCreateCmd())
	key.AddCommand(apikeyListCmd())
	key.AddCommand(apikeyDeleteCmd())
	return key
}

func apikeyCreateCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key (plaintext shown once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			buf := make([]byte, 32)
			if _, err := rand.Read(buf); err != nil {
				return err
			}
			plaintext := hex.EncodeToString(buf)
			key := domain.APIKey{
				ID:        uuid.New().String(),
				ActorID:   viper.GetString("actor-id"),
				Name:      name,
				KeyHash:   repo.HashToken(plaintext),
				CreatedAt: time.Now().UTC().Format(time.RFC3339),
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				tx, err := r.DB.BeginTx(ctx, nil)
				if err != nil {
					return err
				}
				defer tx.Rollback()
				if err := r.InsertAPIKey(ctx, tx, key); err != nil {
					return err
				}
				if err := tx.Commit(); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]string{"id": key.ID, "key": plaintext})
				}
				fmt.Printf("API key %s created for %s\n", key.ID, key.ActorID)
				fmt.Printf("Key (shown once): %s\n", plaintext)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "key name")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List API keys for the actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListAPIKeys(ctx, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
}

func apikeyDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, args[0])
			})
		},
	}
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			r := repo.Repo{DB: conn}
			_, cfg, err := app.ResolveProjectAndConfig(cmd.Context(), viper.GetString("project"), r)
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			authCfg := server.AuthConfig{JWTSecret: os.Getenv("TRACELINE_JWT_SECRET")}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("TRACELINE_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Traceline API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	r := repo.Repo{DB: conn}
	_, cfg, err := app.ResolveProjectAndConfig(ctx, viper.GetString("project"), r)
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg)
	return fn(ctx, e)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	r := repo.Repo{DB: conn}
	return fn(ctx, r)
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func compactJSON(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}

func setEnvValue(path, key, value string) error {
	var lines []string
	seen := false
	f, err := os.Open(path)
	if err == nil {
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			line := scanner.Text()
			if strings.HasPrefix(line, key+"=") {
				lines = append(lines, fmt.Sprintf("%s=%s", key, value))
				seen = true
			} else {
				lines = append(lines, line)
			}
		}
		if err := scanner.Err(); err != nil {
			f.Close()
			return err
		}
		f.Close()
	} else if !os.IsNotExist(err) {
		return err
	}
	if !seen {
		lines = append(lines, fmt.Sprintf("%s=%s", key, value))
	}
	content := strings.Join(lines, "\n")
	if content != "" && !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	return os.WriteFile(path, []byte(content), 0o644)
}
