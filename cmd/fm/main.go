package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"foreman/internal/app"
	"foreman/internal/config"
	"foreman/internal/db"
	"foreman/internal/domain"
	"foreman/internal/repo"
	"foreman/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "fm",
	Short: "Foreman CLI",
	Long: `Foreman coordinates background workers over a shared issue queue.
Issues move open -> in_progress -> completed/blocked/pending_user_input;
routing rules in foreman.yml decide which worker pool handles each issue.
Talk to it with 'fm chat', drive it directly with 'fm issue' and 'fm turn'.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return db.EnsureWorkspace(viper.GetString("workspace"))
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
	viper.SetEnvPrefix("FOREMAN")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().Bool("force", false, "skip status lifecycle validation")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("force", rootCmd.PersistentFlags().Lookup("force"))
}

func registerCommands() {
	rootCmd.AddCommand(issueCmd())
	rootCmd.AddCommand(turnCmd())
	rootCmd.AddCommand(chatCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(poolsCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(serveCmd())
}

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	a, err := app.Open(viper.GetString("workspace"))
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func issueCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "issue", Short: "Manage issues"}
	cmd.AddCommand(issueCreateCmd())
	cmd.AddCommand(issueListCmd())
	cmd.AddCommand(issueShowCmd())
	cmd.AddCommand(issueUpdateCmd())
	return cmd
}

func issueCreateCmd() *cobra.Command {
	var description, issueType string
	var priority int
	var meta []string
	var deps []string
	var spawn bool
	cmd := &cobra.Command{
		Use:   "create <title>",
		Short: "Create an issue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				metadata, err := parseMetadata(meta)
				if err != nil {
					return err
				}
				issue, err := a.Store.Create(ctx, repo.CreateOptions{
					Title:       args[0],
					Description: description,
					IssueType:   issueType,
					Priority:    priority,
					Creator:     viper.GetString("actor-id"),
					Metadata:    metadata,
					DependsOn:   deps,
					ActorID:     viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				if spawn {
					report := a.Engine.OnTurn(ctx, []string{issue.ID})
					a.Engine.Wait()
					if len(report.Failures) > 0 {
						fmt.Printf("spawn failed: %s\n", report.Failures[0].Reason)
					}
					issue, err = a.Store.Get(ctx, issue.ID)
					if err != nil {
						return err
					}
				}
				return printJSONOrTable(issue)
			})
		},
	}
	cmd.Flags().StringVar(&description, "description", "", "issue description")
	cmd.Flags().StringVar(&issueType, "type", "task", "issue type used for routing")
	cmd.Flags().IntVar(&priority, "priority", 2, "priority (0=critical .. 4=backlog)")
	cmd.Flags().StringArrayVar(&meta, "meta", nil, "metadata key=value (repeatable)")
	cmd.Flags().StringArrayVar(&deps, "depends-on", nil, "issue id this issue depends on (repeatable)")
	cmd.Flags().BoolVar(&spawn, "spawn", false, "immediately run a turn to spawn a worker")
	return cmd
}

func issueListCmd() *cobra.Command {
	var status, issueType string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List issues",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Store.List(ctx, repo.Filters{Status: status, MetadataType: issueType, Limit: limit})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Type", "Status", "Assignee", "Retries"})
				for _, issue := range items {
					tw.AppendRow(table.Row{issue.ID, issue.Title, issue.RoutingType(), issue.Status, issue.Assignee, issue.RetryCount})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().StringVar(&issueType, "type", "", "routing type filter")
	cmd.Flags().IntVar(&limit, "limit", 0, "max results")
	return cmd
}

func issueShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show an issue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				issue, err := a.Store.Get(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(issue)
			})
		},
	}
	return cmd
}

func issueUpdateCmd() *cobra.Command {
	var status, assignee, result, blockReason string
	var meta, addDeps, removeDeps []string
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update an issue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				metadata, err := parseMetadata(meta)
				if err != nil {
					return err
				}
				opts := repo.UpdateOptions{
					ID:         args[0],
					Metadata:   metadata,
					AddDeps:    addDeps,
					RemoveDeps: removeDeps,
					ActorID:    viper.GetString("actor-id"),
					Force:      viper.GetBool("force"),
				}
				if cmd.Flags().Changed("status") {
					parsed, ok := domain.ParseStatus(status)
					if !ok {
						return fmt.Errorf("unknown status %q (one of %s)", status, strings.Join(statusNames(), ", "))
					}
					opts.Status = &parsed
				}
				if cmd.Flags().Changed("assignee") {
					opts.Assignee = &assignee
				}
				if cmd.Flags().Changed("result") {
					opts.Result = &result
				}
				if cmd.Flags().Changed("block-reason") {
					opts.BlockReason = &blockReason
				}
				issue, err := a.Store.Update(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(issue)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "new status")
	cmd.Flags().StringVar(&assignee, "assignee", "", "assignee")
	cmd.Flags().StringVar(&result, "result", "", "result text")
	cmd.Flags().StringVar(&blockReason, "block-reason", "", "reason the issue is blocked")
	cmd.Flags().StringArrayVar(&meta, "meta", nil, "metadata key=value (repeatable)")
	cmd.Flags().StringArrayVar(&addDeps, "add-dep", nil, "dependency to add (repeatable)")
	cmd.Flags().StringArrayVar(&removeDeps, "remove-dep", nil, "dependency to remove (repeatable)")
	return cmd
}

func turnCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "turn [issue-id...]",
		Short: "Process one coordination turn",
		Long:  "Runs recovery (first call), reports progress, and spawn-attempts the given issue ids.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				report := a.Engine.OnTurn(ctx, args)
				a.Engine.Wait()
				return printJSONOrTable(report)
			})
		},
	}
	return cmd
}

func chatCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat [message]",
		Short: "Talk to the coordinator",
		Long:  "Send one message, or start an interactive session when no message is given.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if len(args) > 0 {
					reply, err := a.Coordinator.HandleMessage(ctx, strings.Join(args, " "))
					if err != nil {
						return err
					}
					fmt.Println(reply)
					return nil
				}
				scanner := bufio.NewScanner(os.Stdin)
				fmt.Println("foreman ready. Ctrl-D to quit.")
				for {
					fmt.Print("> ")
					if !scanner.Scan() {
						fmt.Println()
						return scanner.Err()
					}
					line := strings.TrimSpace(scanner.Text())
					if line == "" {
						continue
					}
					reply, err := a.Coordinator.HandleMessage(ctx, line)
					if err != nil {
						return err
					}
					fmt.Println(reply)
				}
			})
		},
	}
	return cmd
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show issue counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				counts, err := a.Store.CountByStatus(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(counts)
				}
				total := 0
				for _, status := range domain.AllStatuses() {
					n := counts[string(status)]
					total += n
					fmt.Printf("%-20s %d\n", status, n)
				}
				fmt.Printf("%-20s %d\n", "total", total)
				return nil
			})
		},
	}
	return cmd
}

func poolsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pools",
		Short: "Show configured worker pools and routing rules",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cfg)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"Pool", "Worker", "Route Types", "Max"})
			for _, p := range cfg.WorkerPools {
				tw.AppendRow(table.Row{p.Name, p.WorkerReference, strings.Join(p.RouteTypes, ","), p.MaxConcurrent})
			}
			tw.Render()
			fmt.Println()
			for i, rule := range cfg.Routing.Rules {
				switch {
				case len(rule.IfMetadataType) > 0:
					fmt.Printf("rule %d: type in [%s] -> %s\n", i+1, strings.Join(rule.IfMetadataType, ","), rule.ThenPool)
				default:
					fmt.Printf("rule %d: status=%s retry>=%d -> %s\n", i+1, rule.IfStatus, rule.AndRetryCountGTE, rule.ThenPool)
				}
			}
			if cfg.Routing.DefaultPool != "" {
				fmt.Printf("default: %s\n", cfg.Routing.DefaultPool)
			}
			return nil
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "log", Short: "Event log"}
	cmd.AddCommand(logTailCmd())
	return cmd
}

func logTailCmd() *cobra.Command {
	var limit int
	var evtType string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show recent events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Store.LatestEvents(ctx, limit, evtType, "", "")
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "TS", "Type", "Entity", "Actor", "Payload"})
				for _, e := range items {
					tw.AppendRow(table.Row{e.ID, e.TS, e.Type, e.EntityID, e.ActorID, e.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "max events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	return cmd
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "config", Short: "Workspace configuration"}
	cmd.AddCommand(configInitCmd())
	cmd.AddCommand(configShowCmd())
	return cmd
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default foreman.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing config")
	return cmd
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSON(cfg)
		},
	}
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if addr == "" {
					addr = a.Config.Server.Addr
				}
				if addr == "" {
					addr = "127.0.0.1:8710"
				}
				if basePath == "" {
					basePath = a.Config.Server.BasePath
				}
				authCfg := server.AuthConfig{
					Token:     a.Config.Server.Token,
					JWTSecret: a.Config.Server.JWTSecret,
				}
				if secret := os.Getenv("FOREMAN_JWT_SECRET"); secret != "" {
					authCfg.JWTSecret = secret
				}
				handler, err := server.New(server.Config{
					Store:       a.Store,
					Engine:      a.Engine,
					Coordinator: a.Coordinator,
					Pools:       a.Config.WorkerPools,
					BasePath:    basePath,
					Auth:        authCfg,
				})
				if err != nil {
					return err
				}
				if authCfg.Token == "" && authCfg.JWTSecret == "" {
					a.Log.Warn("api auth disabled, set server.token or server.jwt_secret in foreman.yml")
				}
				a.Log.Info("serving", "addr", addr)
				return http.ListenAndServe(addr, handler)
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path")
	return cmd
}

func parseMetadata(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	meta := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid metadata %q, expected key=value", pair)
		}
		meta[key] = value
	}
	return meta, nil
}

func statusNames() []string {
	statuses := domain.AllStatuses()
	names := make([]string, len(statuses))
	for i, s := range statuses {
		names[i] = string(s)
	}
	return names
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
