package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/list"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/stasm/todo/internal/app"
	"github.com/stasm/todo/internal/catalog"
	"github.com/stasm/todo/internal/config"
	"github.com/stasm/todo/internal/db"
	"github.com/stasm/todo/internal/domain"
	"github.com/stasm/todo/internal/engine"
	"github.com/stasm/todo/internal/server"
	"github.com/stasm/todo/internal/store"
	"github.com/stasm/todo/internal/telemetry"
)

var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "todo",
	Short: "Template-driven work trees",
	Long: `todo turns reusable templates into trees of trackable work.
Core concepts:
- Templates: trackers, tasks and steps nested into a blueprint. Import a whole catalog with 'todo template import'.
- Spawning: 'todo spawn' instantiates a template tree, fanning out per locale and per project where the template asks for it.
- Statuses: new -> active -> next -> on_hold -> resolved. Resolving an item activates its next sibling and bubbles up when a branch is finished.
- Steps: owned units of work with an allowed time; 'todo overdue' lists the late ones.
- Freshness: tasks carry a bug reference and a snapshot time, compared against the bug tracker with 'todo freshness'.
- Action log: every change is recorded, view it with 'todo log'.
- Workspace: .todo/todo.db next to an optional todo.yml.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if viper.GetString("dsn") != "" {
			return nil
		}
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
	SilenceUsage: true,
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
	viper.SetEnvPrefix("TODO")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().String("dsn", "", "database DSN (postgres:// for PostgreSQL); defaults to the workspace SQLite file")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("jwt-secret", "", "API token signing secret")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("dsn", rootCmd.PersistentFlags().Lookup("dsn"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("jwt-secret", rootCmd.PersistentFlags().Lookup("jwt-secret"))
}

func registerCommands() {
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(templateCmd())
	rootCmd.AddCommand(spawnCmd())
	rootCmd.AddCommand(trackerCmd())
	rootCmd.AddCommand(itemsCmd())
	rootCmd.AddCommand(showCmd())
	rootCmd.AddCommand(treeCmd())
	rootCmd.AddCommand(activateCmd())
	rootCmd.AddCommand(resolveCmd())
	rootCmd.AddCommand(updateCmd())
	rootCmd.AddCommand(holdCmd())
	rootCmd.AddCommand(resetTimeCmd())
	rootCmd.AddCommand(overdueCmd())
	rootCmd.AddCommand(freshnessCmd())
	rootCmd.AddCommand(statsCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(versionCmd())
}

// --- projects ---

func projectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "project",
		Short: "Manage projects",
	}
	cmd.AddCommand(projectCreateCmd())
	cmd.AddCommand(projectListCmd())
	return cmd
}

func projectCreateCmd() *cobra.Command {
	var label string
	cmd := &cobra.Command{
		Use:   "create <id>",
		Short: "Create a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.CreateProject(ctx, args[0], label)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(p)
				}
				fmt.Printf("Created project %s\n", p.ID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&label, "label", "", "display label")
	return cmd
}

func projectListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				projects, err := e.ListProjects(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(projects)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Label", "Created"})
				for _, p := range projects {
					tw.AppendRow(table.Row{p.ID, p.Label, p.CreatedAt.Format(time.DateTime)})
				}
				tw.Render()
				return nil
			})
		},
	}
}

// --- templates ---

func templateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "template",
		Aliases: []string{"tpl"},
		Short:   "Manage templates",
		Long:    "Templates (protos) describe trackers, tasks and steps. Nesting a template under another makes it part of the tree spawned from the parent.",
	}
	cmd.AddCommand(templateCreateCmd())
	cmd.AddCommand(templateNestCmd())
	cmd.AddCommand(templateImportCmd())
	cmd.AddCommand(templateListCmd())
	cmd.AddCommand(templateShowCmd())
	return cmd
}

func templateCreateCmd() *cobra.Command {
	var p domain.Proto
	var kind string
	var perLocale bool
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a template",
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := domain.ParseKind(kind)
			if err != nil {
				return err
			}
			p.Kind = k
			p.ClonePerLocale = k == domain.KindTracker
			if cmd.Flags().Changed("clone-per-locale") {
				p.ClonePerLocale = perLocale
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				created, err := e.CreateProto(ctx, p)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(created)
				}
				fmt.Printf("Created %s template %d: %s\n", created.Kind, created.ID, created.Summary)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "tracker|task|step")
	cmd.Flags().StringVar(&p.Summary, "summary", "", "summary")
	cmd.Flags().StringVar(&p.Suffix, "suffix", "", "alias suffix")
	cmd.Flags().BoolVar(&perLocale, "clone-per-locale", false, "clone trackers per locale")
	cmd.Flags().BoolVar(&p.ClonePerProject, "clone-per-project", false, "clone steps per project")
	cmd.Flags().StringVar(&p.OwnerID, "owner", "", "step owner")
	cmd.Flags().BoolVar(&p.IsReview, "review", false, "step is a review")
	cmd.Flags().IntVar(&p.AllowedTime, "allowed-time", 0, "allowed time in configured units")
	_ = cmd.MarkFlagRequired("kind")
	_ = cmd.MarkFlagRequired("summary")
	return cmd
}

func templateNestCmd() *cobra.Command {
	var n domain.Nesting
	cmd := &cobra.Command{
		Use:   "nest <parent-id> <child-id>",
		Short: "Nest a template under another",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var err error
			if n.ParentID, err = parseID(args[0]); err != nil {
				return err
			}
			if n.ChildID, err = parseID(args[1]); err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				created, err := e.CreateNesting(ctx, n)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(created)
				}
				fmt.Printf("Nested template %d under %d\n", created.ChildID, created.ParentID)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n.Order, "order", 0, "position among siblings (0 = unordered)")
	cmd.Flags().BoolVar(&n.IsAutoActivated, "auto", false, "activate together with the parent")
	cmd.Flags().BoolVar(&n.ResolvesParent, "resolves-parent", false, "resolving the child resolves the parent")
	return cmd
}

func templateImportCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import a YAML template catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" {
				return errors.New("--file is required")
			}
			c, err := catalog.FromFile(file)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				protos, err := catalog.Import(ctx, e, c)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(protos)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Key", "ID", "Kind", "Summary"})
				for _, def := range c.Defs() {
					p := protos[def.Key]
					tw.AppendRow(table.Row{def.Key, p.ID, p.Kind, p.Summary})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "catalog file")
	return cmd
}

func templateListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List templates",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				protos, err := e.ListProtos(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(protos)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Kind", "Summary", "Suffix", "Per locale", "Per project", "Owner"})
				for _, p := range protos {
					tw.AppendRow(table.Row{p.ID, p.Kind, p.Summary, p.Suffix, p.ClonesPerLocale(), p.ClonesPerProject(), p.OwnerID})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func templateShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a template and its children",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.GetProto(ctx, id)
				if err != nil {
					return err
				}
				children, err := e.ListNestings(ctx, id)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"template": p, "children": children})
				}
				fmt.Printf("%d %s: %s\n", p.ID, p.Kind, p.Summary)
				if len(children) == 0 {
					return nil
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Child", "Order", "Auto", "Resolves parent"})
				for _, n := range children {
					tw.AppendRow(table.Row{n.ChildID, n.Order, n.IsAutoActivated, n.ResolvesParent})
				}
				tw.Render()
				return nil
			})
		},
	}
}

// --- spawning ---

func spawnCmd() *cobra.Command {
	var perLocale, activate bool
	cmd := &cobra.Command{
		Use:   "spawn <template-id> [key=value...]",
		Short: "Instantiate a template tree",
		Long: `Spawn creates live items from a template and everything nested under it.
Overrides are key=value pairs, e.g. projects=fx,tb locale=de bug=123 owner=alice.
With --per-locale one tree is spawned for each entry of locales=...`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			protoID, err := parseID(args[0])
			if err != nil {
				return err
			}
			pairs, err := catalog.ParsePairs(args[1:])
			if err != nil {
				return err
			}
			ov, err := catalog.DecodeOverrides(pairs)
			if err != nil {
				return err
			}
			actor := viper.GetString("actor-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				var roots []domain.Item
				if perLocale {
					roots, err = e.SpawnPerLocale(ctx, protoID, actor, ov)
				} else {
					var root domain.Item
					root, err = e.Spawn(ctx, protoID, actor, ov)
					roots = []domain.Item{root}
				}
				if err != nil {
					return err
				}
				if activate {
					for i, r := range roots {
						if roots[i], err = e.Activate(ctx, r.ID, actor); err != nil {
							return err
						}
					}
				}
				return printItems(roots)
			})
		},
	}
	cmd.Flags().BoolVar(&perLocale, "per-locale", false, "spawn one tree per locale in locales=")
	cmd.Flags().BoolVar(&activate, "activate", false, "activate the spawned roots")
	return cmd
}

func trackerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tracker",
		Short: "Manage ad-hoc trackers",
	}
	cmd.AddCommand(trackerCreateCmd())
	return cmd
}

func trackerCreateCmd() *cobra.Command {
	var ov engine.Overrides
	cmd := &cobra.Command{
		Use:   "create <summary>",
		Short: "Create a tracker without a template",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				it, err := e.CreateTracker(ctx, viper.GetString("actor-id"), args[0], ov)
				if err != nil {
					return err
				}
				return printItems([]domain.Item{it})
			})
		},
	}
	cmd.Flags().StringSliceVar(&ov.Projects, "project", nil, "project id (repeatable)")
	cmd.Flags().Int64Var(&ov.Parent, "parent", 0, "parent tracker id")
	cmd.Flags().StringVar(&ov.Locale, "locale", "", "locale code")
	cmd.Flags().StringVar(&ov.Alias, "alias", "", "alias")
	cmd.Flags().StringVar(&ov.Suffix, "suffix", "", "alias suffix")
	return cmd
}

// --- items ---

func itemsCmd() *cobra.Command {
	var f store.ItemFilter
	var kind, status string
	cmd := &cobra.Command{
		Use:     "items",
		Aliases: []string{"ls"},
		Short:   "List items",
		RunE: func(cmd *cobra.Command, args []string) error {
			if kind != "" {
				k, err := domain.ParseKind(kind)
				if err != nil {
					return err
				}
				f.Kind = k
			}
			f.Status = domain.Status(status)
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListItems(ctx, f)
				if err != nil {
					return err
				}
				return printItems(items)
			})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "tracker|task|step")
	cmd.Flags().StringVar(&f.ProjectID, "project", "", "project filter")
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().BoolVar(&f.RootsOnly, "roots", false, "only top-level items")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "maximum rows")
	return cmd
}

func showCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show an item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseItemID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				it, err := e.GetItem(ctx, id)
				if err != nil {
					return err
				}
				projects, err := e.ItemProjects(ctx, id)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"item": it, "projects": projects})
				}
				tw := newTable()
				tw.AppendRows([]table.Row{
					{"ID", it.ID},
					{"Kind", it.Kind},
					{"Summary", it.String()},
					{"Alias", it.Alias},
					{"Bug", it.Bug()},
					{"Status", statusLabel(it.Status, it.Resolution)},
					{"Owner", it.OwnerID},
					{"Snapshot", formatTime(it.SnapshotTS)},
				})
				for _, p := range projects {
					tw.AppendRow(table.Row{"Project " + p.ProjectID, statusLabel(p.Status, p.Resolution)})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func treeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tree <id>",
		Short: "Show the item tree",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseItemID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				root, err := e.Tree(ctx, id)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(root)
				}
				lw := list.NewWriter()
				lw.SetOutputMirror(os.Stdout)
				lw.SetStyle(list.StyleConnectedLight)
				appendNode(lw, root)
				lw.Render()
				return nil
			})
		},
	}
}

func appendNode(lw list.Writer, n *engine.Node) {
	label := fmt.Sprintf("%s [%s]", n.Item.String(), statusLabel(n.Item.Status, n.Item.Resolution))
	if n.Item.Alias != "" && n.Item.Kind != domain.KindStep {
		label = n.Item.Alias + " " + label
	}
	if n.Overdue {
		label += " OVERDUE"
	}
	lw.AppendItem(label)
	if len(n.Children) == 0 {
		return
	}
	lw.Indent()
	for _, c := range n.Children {
		appendNode(lw, c)
	}
	lw.UnIndent()
}

// --- status changes ---

func activateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "activate <id>",
		Short: "Activate an item and its first children",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseItemID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				it, err := e.Activate(ctx, id, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printItems([]domain.Item{it})
			})
		},
	}
}

func resolveCmd() *cobra.Command {
	var resolution string
	var opts engine.ResolveOptions
	cmd := &cobra.Command{
		Use:   "resolve <id>",
		Short: "Resolve an item",
		Long:  "Resolve marks an item resolved, activates its next sibling and resolves finished branches above it. Review steps need --resolution.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseItemID(args[0])
			if err != nil {
				return err
			}
			if opts.Resolution, err = domain.ParseResolution(resolution); err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				it, err := e.Resolve(ctx, id, viper.GetString("actor-id"), opts)
				if err != nil {
					return err
				}
				return printItems([]domain.Item{it})
			})
		},
	}
	cmd.Flags().StringVar(&resolution, "resolution", "", "completed|failed|incomplete")
	cmd.Flags().BoolVar(&opts.NoBubble, "no-bubble", false, "do not cascade to siblings and parents")
	cmd.Flags().StringVar(&opts.ProjectID, "project", "", "resolve only this project's record")
	return cmd
}

func updateCmd() *cobra.Command {
	var summary, locale, bug, snapshot string
	var message string
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update item fields",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseItemID(args[0])
			if err != nil {
				return err
			}
			opts := engine.UpdateOptions{Message: message}
			if cmd.Flags().Changed("summary") {
				opts.Summary = &summary
			}
			if cmd.Flags().Changed("locale") {
				opts.Locale = &locale
			}
			if cmd.Flags().Changed("bug") {
				opts.Bug = &bug
			}
			if cmd.Flags().Changed("snapshot") {
				ts, err := parseSnapshot(snapshot)
				if err != nil {
					return err
				}
				opts.SnapshotTS = &ts
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				it, err := e.Update(ctx, id, viper.GetString("actor-id"), opts)
				if err != nil {
					return err
				}
				return printItems([]domain.Item{it})
			})
		},
	}
	cmd.Flags().StringVar(&summary, "summary", "", "new summary")
	cmd.Flags().StringVar(&locale, "locale", "", "new locale")
	cmd.Flags().StringVar(&bug, "bug", "", "bug id or alias")
	cmd.Flags().StringVar(&snapshot, "snapshot", "", "snapshot time (RFC3339 or 'now')")
	cmd.Flags().StringVarP(&message, "message", "m", "", "note for the action log")
	return cmd
}

func holdCmd() *cobra.Command {
	var message string
	cmd := &cobra.Command{
		Use:   "hold <id>",
		Short: "Put an item on hold",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseItemID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				it, err := e.Update(ctx, id, viper.GetString("actor-id"), engine.UpdateOptions{OnHold: true, Message: message})
				if err != nil {
					return err
				}
				return printItems([]domain.Item{it})
			})
		},
	}
	cmd.Flags().StringVarP(&message, "message", "m", "", "note for the action log")
	return cmd
}

func resetTimeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset-time <step-id>",
		Short: "Restart the allowed time of a step",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseItemID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				it, err := e.ResetTime(ctx, id, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printItems([]domain.Item{it})
			})
		},
	}
}

// --- reports ---

func overdueCmd() *cobra.Command {
	var projectID string
	cmd := &cobra.Command{
		Use:   "overdue",
		Short: "List overdue steps",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				steps, err := e.OverdueSteps(ctx, projectID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(steps)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Step", "Owner", "Status", "Allowed"})
				for _, s := range steps {
					tw.AppendRow(table.Row{s.ID, s.String(), s.OwnerID, s.Status, s.AllowedTime})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&projectID, "project", "", "project filter")
	return cmd
}

func freshnessCmd() *cobra.Command {
	var projectID string
	cmd := &cobra.Command{
		Use:   "freshness [task-id]",
		Short: "Compare task snapshots with the bug tracker",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				var res []engine.Freshness
				if len(args) == 1 {
					id, err := parseItemID(args[0])
					if err != nil {
						return err
					}
					f, err := ws.Engine.CheckFreshness(ctx, id, ws.Source)
					if err != nil {
						return err
					}
					res = append(res, f)
				} else {
					var err error
					if res, err = ws.Engine.CheckFreshnessAll(ctx, projectID, ws.Source); err != nil {
						return err
					}
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Task", "Bug", "Snapshot", "Last modified", "Up to date"})
				for _, f := range res {
					tw.AppendRow(table.Row{f.TaskID, f.Ref, formatTime(f.SnapshotTS), f.LastModified.Format(time.RFC3339), f.Uptodate})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&projectID, "project", "", "project filter")
	return cmd
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats <project>...",
		Short: "Show task completion per project",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				var all []domain.ProjectStats
				for _, p := range args {
					s, err := e.ProjectStats(ctx, p)
					if err != nil {
						return fmt.Errorf("%s: %w", p, err)
					}
					all = append(all, s)
				}
				if viper.GetBool("json") {
					return printJSON(all)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Project", "Tasks", "Open", "Completion"})
				for _, s := range all {
					tw.AppendRow(table.Row{s.ProjectID, s.All, s.Open, fmt.Sprintf("%d%%", s.Completion)})
				}
				tw.Render()
				return nil
			})
		},
	}
}

// --- action log ---

func logCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "log",
		Short: "Inspect the action log",
	}
	cmd.AddCommand(logShowCmd())
	cmd.AddCommand(logFeedCmd())
	return cmd
}

func logShowCmd() *cobra.Command {
	var flag string
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show actions recorded for an item, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseItemID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actions, err := e.Actions(ctx, id, domain.Flag(flag))
				if err != nil {
					return err
				}
				return printActions(actions)
			})
		},
	}
	cmd.Flags().StringVar(&flag, "flag", "", "flag filter")
	return cmd
}

func logFeedCmd() *cobra.Command {
	var after int64
	var limit int
	cmd := &cobra.Command{
		Use:   "feed",
		Short: "Show actions in recording order",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actions, err := e.ActionsAfter(ctx, after, limit)
				if err != nil {
					return err
				}
				return printActions(actions)
			})
		},
	}
	cmd.Flags().Int64Var(&after, "after", 0, "only actions with a greater id")
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "maximum rows")
	return cmd
}

// --- config ---

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect workspace config",
		Long:  "todo.yml in the workspace tunes cascading, step time limits, the bug tracker client, webhooks and telemetry. Missing keys keep their defaults.",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default todo.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cfg)
			}
			enc := yaml.NewEncoder(os.Stdout)
			enc.SetIndent(2)
			defer enc.Close()
			return enc.Encode(cfg)
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate todo.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := config.LoadOptional(viper.GetString("workspace"))
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": errString(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
}

// --- server ---

func tokenCmd() *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an API bearer token for the current actor",
		Long:  "Signs an HS256 token with TODO_JWT_SECRET whose subject is --actor-id.",
		RunE: func(cmd *cobra.Command, args []string) error {
			tok, err := server.IssueToken(viper.GetString("jwt-secret"), viper.GetString("actor-id"), ttl)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]string{"token": tok})
			}
			fmt.Println(tok)
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (0 = no expiry)")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowActorHeader bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			secret := viper.GetString("jwt-secret")
			if secret == "" && !allowActorHeader {
				return errors.New("TODO_JWT_SECRET is required for bearer auth (or pass --allow-actor-header)")
			}

			reg := prometheus.NewRegistry()
			reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
			ws, err := app.Open(ctx, app.Options{
				Workspace: viper.GetString("workspace"),
				DSN:       viper.GetString("dsn"),
				Metrics:   telemetry.NewMetrics(reg),
			})
			if err != nil {
				return err
			}
			defer ws.Close()
			logger := ws.Engine.Logger

			shutdownTelemetry, err := telemetry.Init(ctx, telemetry.Options{
				Enabled: ws.Config.Telemetry.Enabled,
				Stdout:  ws.Config.Telemetry.Stdout,
				Version: version,
			})
			if err != nil {
				return err
			}
			defer func() {
				sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := shutdownTelemetry(sctx); err != nil {
					logger.Warn("telemetry shutdown failed", "error", err)
				}
			}()

			handler, err := server.New(server.Config{
				Engine:   ws.Engine,
				Source:   ws.Source,
				BasePath: basePath,
				Auth:     server.AuthConfig{JWTSecret: secret, AllowActorHeader: allowActorHeader, Logger: logger},
				Logger:   logger,
				Metrics:  promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}),
			})
			if err != nil {
				return err
			}
			server.StartWebhooks(ctx, ws.Engine, ws.Config.Webhooks, logger)

			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-ctx.Done()
				sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(sctx)
			}()
			fmt.Printf("Serving todo API on http://%s%s (OpenAPI at %s/openapi.json, docs at %s/docs)\n", addr, basePath, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&allowActorHeader, "allow-actor-header", false, "trust X-Actor-Id when no bearer token is sent")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}
}

// --- helpers ---

func withWorkspace(ctx context.Context, fn func(context.Context, *app.Workspace) error) error {
	ws, err := app.Open(ctx, app.Options{
		Workspace: viper.GetString("workspace"),
		DSN:       viper.GetString("dsn"),
	})
	if err != nil {
		return err
	}
	defer ws.Close()
	return fn(ctx, ws)
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	return withWorkspace(ctx, func(ctx context.Context, ws *app.Workspace) error {
		return fn(ctx, ws.Engine)
	})
}

func newTable() table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	return tw
}

func printItems(items []domain.Item) error {
	if viper.GetBool("json") {
		return printJSON(items)
	}
	tw := newTable()
	tw.AppendHeader(table.Row{"ID", "Kind", "Alias", "Summary", "Status", "Owner"})
	for _, it := range items {
		tw.AppendRow(table.Row{it.ID, it.Kind, it.Alias, it.String(), statusLabel(it.Status, it.Resolution), it.OwnerID})
	}
	tw.Render()
	return nil
}

func printActions(actions []domain.Action) error {
	if viper.GetBool("json") {
		return printJSON(actions)
	}
	tw := newTable()
	tw.AppendHeader(table.Row{"ID", "Time", "Actor", "Subject", "Project", "Action", "Message"})
	for _, a := range actions {
		tw.AppendRow(table.Row{a.ID, a.Timestamp.Format(time.DateTime), a.ActorID, a.Subject, a.ProjectID, a.Flag.Label(), a.Message})
	}
	tw.Render()
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func statusLabel(s domain.Status, r domain.Resolution) string {
	if r != domain.ResolutionNone {
		return fmt.Sprintf("%s (%s)", s, r)
	}
	return string(s)
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format(time.RFC3339)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", s)
	}
	return id, nil
}

// parseItemID accepts "42" or "task:42".
func parseItemID(s string) (int64, error) {
	ref, err := domain.ParseRef(s)
	if err != nil {
		return 0, err
	}
	return ref.ID, nil
}

func parseSnapshot(s string) (time.Time, error) {
	if strings.EqualFold(strings.TrimSpace(s), "now") {
		return time.Now().UTC(), nil
	}
	ts, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid snapshot time %q: %w", s, err)
	}
	return ts, nil
}
