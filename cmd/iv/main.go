package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"innervoice/internal/app"
	"innervoice/internal/config"
	"innervoice/internal/db"
	"innervoice/internal/domain"
	"innervoice/internal/engine"
	"innervoice/internal/narrator"
	"innervoice/internal/repo"
	"innervoice/internal/server"
	"innervoice/internal/tui"
	"innervoice/internal/watch"
)

var logger = zap.NewNop()

var rootCmd = &cobra.Command{
	Use:   "iv",
	Short: "Inner Voice CLI",
	Long: `Inner Voice is a to-do list with a chorus of opinionated inner voices.
- Tasks: things to do; completing one credits its reward value to your balance.
- Store: rewards you buy with that balance. Logic objects when you cannot afford them.
- Rules: your own lines for a persona to say when something happens (TASK_ADD, TASK_COMPLETE, REWARD_BUY, APP_OPEN).
- Dialogue: lines queue up and are read one at a time with 'iv dialogue next'.
- Focus: while focused the voices hold their tongues; 'iv focus leave' lets them speak.
- Event log: diary of changes, view with 'iv log tail'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		log, err := newLogger(viper.GetBool("verbose"))
		if err != nil {
			return err
		}
		logger = log
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = logger.Sync()
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("INNERVOICE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "debug logging on stderr")
	rootCmd.PersistentFlags().String("config", "", "config file (defaults to innervoice.yml in the workspace)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
}

func registerCommands() {
	rootCmd.AddCommand(openCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(rewardCmd())
	rootCmd.AddCommand(ruleCmd())
	rootCmd.AddCommand(dialogueCmd())
	rootCmd.AddCommand(focusCmd())
	rootCmd.AddCommand(voiceCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(tuiCmd())
}

func newLogger(verbose bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
	if verbose {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}
	return cfg.Build()
}

func openCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "open",
		Short: "Open the app; the voices greet you on a fresh workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				st, err := e.Open(ctx)
				if err != nil {
					return err
				}
				return printDialogue(st)
			})
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show balance, stats and the current line",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				st, err := e.State(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(st)
				}
				open := 0
				for _, t := range st.Tasks {
					if !t.Completed {
						open++
					}
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Field", "Value"})
				tw.AppendRow(table.Row{"Balance", st.Balance.String()})
				tw.AppendRow(table.Row{"Mode", st.Mode})
				tw.AppendRow(table.Row{"Tasks", fmt.Sprintf("%d open / %d total", open, len(st.Tasks))})
				tw.AppendRow(table.Row{"Rewards", len(st.Rewards)})
				tw.AppendRow(table.Row{"Rules", len(st.Rules)})
				tw.AppendRow(table.Row{"Stats", fmt.Sprintf("INT %d  PSY %d  FYS %d  MOT %d",
					st.Stats.Intellect, st.Stats.Psyche, st.Stats.Physique, st.Stats.Motorics)})
				tw.AppendRow(table.Row{"Pending lines", len(st.Pending)})
				tw.AppendRow(table.Row{"Held back", len(st.Buffer)})
				tw.Render()
				return printDialogue(st)
			})
		},
	}
}

func taskCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "task", Short: "Manage tasks"}
	cmd.AddCommand(taskAddCmd())
	cmd.AddCommand(taskListCmd())
	cmd.AddCommand(taskToggleCmd())
	cmd.AddCommand(taskDeleteCmd())
	return cmd
}

func taskAddCmd() *cobra.Command {
	var difficulty string
	cmd := &cobra.Command{
		Use:   "add <text>",
		Short: "Add a task",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := domain.ParseDifficulty(difficulty)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.AddTask(ctx, strings.Join(args, " "), d)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(t)
				}
				fmt.Printf("Added %s (%s, worth %s)\n", shortID(t.ID), t.Difficulty, t.RewardValue)
				return printActive(ctx, e)
			})
		},
	}
	cmd.Flags().StringVarP(&difficulty, "difficulty", "d", string(domain.Easy), "Trivial|Easy|Medium|Hard|Impossible")
	return cmd
}

func taskListCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				st, err := e.State(ctx)
				if err != nil {
					return err
				}
				items := make([]domain.Task, 0, len(st.Tasks))
				for _, t := range st.Tasks {
					if all || !t.Completed {
						items = append(items, t)
					}
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Done", "Task", "Difficulty", "Value", "Created"})
				for _, t := range items {
					done := ""
					if t.Completed {
						done = "x"
					}
					tw.AppendRow(table.Row{shortID(t.ID), done, t.Text, t.Difficulty, t.RewardValue.String(), humanize.Time(time.UnixMilli(t.CreatedAt))})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "include completed tasks")
	return cmd
}

func taskToggleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "toggle <id>",
		Short: "Complete a task, or reopen a completed one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				id, err := resolveTaskID(ctx, e, args[0])
				if err != nil {
					return err
				}
				t, err := e.ToggleTask(ctx, id)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(t)
				}
				if t.Completed {
					fmt.Printf("Completed %q, +%s\n", t.Text, t.RewardValue)
				} else {
					fmt.Printf("Reopened %q, -%s\n", t.Text, t.RewardValue)
				}
				return printActive(ctx, e)
			})
		},
	}
}

func taskDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				id, err := resolveTaskID(ctx, e, args[0])
				if err != nil {
					return err
				}
				if err := e.DeleteTask(ctx, id); err != nil {
					return err
				}
				return printOK(id)
			})
		},
	}
}

func rewardCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "reward", Short: "Manage the reward store"}
	cmd.AddCommand(rewardAddCmd())
	cmd.AddCommand(rewardListCmd())
	cmd.AddCommand(rewardBuyCmd())
	cmd.AddCommand(rewardDeleteCmd())
	return cmd
}

func rewardAddCmd() *cobra.Command {
	var cost string
	cmd := &cobra.Command{
		Use:   "add <text>",
		Short: "Add a reward to the store",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if cost == "" {
				return fmt.Errorf("--cost required")
			}
			amount, err := domain.ParseMoney(cost)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				r, err := e.AddReward(ctx, strings.Join(args, " "), amount)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(r)
				}
				fmt.Printf("Added %s (%s)\n", shortID(r.ID), r.Cost)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&cost, "cost", "", "price, e.g. 12.50")
	return cmd
}

func rewardListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List rewards",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				st, err := e.State(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(st.Rewards)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Reward", "Cost", "Affordable"})
				for _, r := range st.Rewards {
					affordable := ""
					if r.Cost <= st.Balance {
						affordable = "yes"
					}
					tw.AppendRow(table.Row{shortID(r.ID), r.Text, r.Cost.String(), affordable})
				}
				tw.AppendFooter(table.Row{"", "Balance", st.Balance.String(), ""})
				tw.Render()
				return nil
			})
		},
	}
}

func rewardBuyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "buy <id>",
		Short: "Buy a reward",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				id, err := resolveRewardID(ctx, e, args[0])
				if err != nil {
					return err
				}
				r, err := e.BuyReward(ctx, id)
				if errors.Is(err, engine.ErrInsufficientFunds) {
					if viper.GetBool("json") {
						return printJSON(map[string]any{"ok": false, "error": "insufficient_funds"})
					}
					fmt.Println(engine.InsufficientFundsLine)
					return err
				}
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(r)
				}
				fmt.Printf("Bought %q for %s\n", r.Text, r.Cost)
				return printActive(ctx, e)
			})
		},
	}
}

func rewardDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Remove a reward from the store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				id, err := resolveRewardID(ctx, e, args[0])
				if err != nil {
					return err
				}
				if err := e.DeleteReward(ctx, id); err != nil {
					return err
				}
				return printOK(id)
			})
		},
	}
}

func ruleCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "rule", Short: "Manage custom persona lines"}
	cmd.AddCommand(ruleAddCmd())
	cmd.AddCommand(ruleListCmd())
	cmd.AddCommand(ruleDeleteCmd())
	return cmd
}

func ruleAddCmd() *cobra.Command {
	var trigger, persona string
	cmd := &cobra.Command{
		Use:   "add <text>",
		Short: "Add a line a persona says when a trigger fires",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := domain.ParseTrigger(trigger)
			if err != nil {
				return err
			}
			p, err := domain.ParsePersona(persona)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				r, err := e.AddRule(ctx, t, p, strings.Join(args, " "))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(r)
				}
				fmt.Printf("Added %s: %s says %q on %s\n", shortID(r.ID), r.Persona, r.Text, r.Trigger)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&trigger, "trigger", "", "TASK_ADD|TASK_COMPLETE|REWARD_BUY|APP_OPEN")
	cmd.Flags().StringVar(&persona, "persona", "", "persona name, e.g. Logic or \"Half Light\"")
	_ = cmd.MarkFlagRequired("trigger")
	_ = cmd.MarkFlagRequired("persona")
	return cmd
}

func ruleListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List rules",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rules, err := e.ListRules(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(rules)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Trigger", "Persona", "Line"})
				for _, r := range rules {
					tw.AppendRow(table.Row{shortID(r.ID), r.Trigger, r.Persona, r.Text})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func ruleDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a rule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				st, err := e.State(ctx)
				if err != nil {
					return err
				}
				ids := make([]string, len(st.Rules))
				for i, r := range st.Rules {
					ids[i] = r.ID
				}
				id, err := resolveID("rule", ids, args[0])
				if err != nil {
					return err
				}
				if err := e.DeleteRule(ctx, id); err != nil {
					return err
				}
				return printOK(id)
			})
		},
	}
}

func dialogueCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "dialogue", Short: "Read what the voices are saying"}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the current line",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				st, err := e.State(ctx)
				if err != nil {
					return err
				}
				return printDialogue(st)
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "next",
		Short: "Mark the current line read and show the next one",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				st, err := e.Advance(ctx)
				if err != nil {
					return err
				}
				return printDialogue(st)
			})
		},
	})
	cmd.AddCommand(dialogueHistoryCmd())
	return cmd
}

func dialogueHistoryCmd() *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show lines already read, oldest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				st, err := e.State(ctx)
				if err != nil {
					return err
				}
				items := st.History
				if n > 0 && len(items) > n {
					items = items[len(items)-n:]
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"When", "Persona", "Line"})
				for _, m := range items {
					tw.AppendRow(table.Row{humanize.Time(time.UnixMilli(m.Timestamp)), m.Persona, m.Text})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of lines (0 for all)")
	return cmd
}

func focusCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "focus", Short: "Hold the voices back while you work"}
	cmd.AddCommand(&cobra.Command{
		Use:   "enter",
		Short: "Enter focus; triggers are held back",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				st, err := e.EnterFocus(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"mode": st.Mode, "held_back": len(st.Buffer)})
				}
				fmt.Println("Focused. The voices will wait.")
				return nil
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "leave",
		Short: "Leave focus and hear what was held back",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				st, err := e.ReturnToHub(ctx)
				if err != nil {
					return err
				}
				return printDialogue(st)
			})
		},
	})
	return cmd
}

func voiceCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "voice", Short: "Ask a persona directly"}
	cmd.AddCommand(voiceAskCmd())
	return cmd
}

func voiceAskCmd() *cobra.Command {
	var persona, details string
	cmd := &cobra.Command{
		Use:   "ask <action>",
		Short: "Have a persona comment on an action",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := domain.ParsePersona(persona)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				msg, err := e.Consult(ctx, p, strings.Join(args, " "), details)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(msg)
				}
				fmt.Printf("%s: %s\n", strings.ToUpper(string(msg.Persona)), msg.Text)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&persona, "persona", string(domain.Logic), "persona to ask")
	cmd.Flags().StringVar(&details, "details", "", "extra context for the persona")
	return cmd
}

func logCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "log", Short: "Event log"}
	cmd.AddCommand(logTailCmd())
	return cmd
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Events(ctx, n, repo.EventFilters{Type: evtType, EntityKind: entityKind, EntityID: entityID})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "When", "Type", "Entity", "Payload"})
				for _, ev := range events {
					when := ev.TS
					if ts, err := time.Parse(time.RFC3339Nano, ev.TS); err == nil {
						when = humanize.Time(ts)
					}
					entity := ev.EntityKind
					if ev.EntityID != "" {
						entity += " " + shortID(ev.EntityID)
					}
					tw.AppendRow(table.Row{ev.ID, when, ev.Type, entity, ev.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "config", Short: "Workspace configuration"}
	cmd.AddCommand(configShowCmd())
	cmd.AddCommand(configInitCmd())
	cmd.AddCommand(configValidateCmd())
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.LoadConfig(viper.GetString("workspace"), viper.GetString("config"))
			if err != nil {
				return err
			}
			b, _ := json.MarshalIndent(cfg, "", "  ")
			fmt.Println(string(b))
			return nil
		},
	}
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default innervoice.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("Wrote", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate config",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := app.LoadConfig(viper.GetString("workspace"), viper.GetString("config"))
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, err := app.Open(cmd.Context(), viper.GetString("workspace"), viper.GetString("config"), logger)
			if err != nil {
				return err
			}
			defer ws.Close()
			if _, err := ws.Engine.Open(cmd.Context()); err != nil {
				return err
			}
			if !cmd.Flags().Changed("addr") && ws.Config.Server.Addr != "" {
				addr = ws.Config.Server.Addr
			}
			if !cmd.Flags().Changed("base-path") && ws.Config.Server.BasePath != "" {
				basePath = ws.Config.Server.BasePath
			}
			handler, err := server.New(server.Config{Engine: ws.Engine, BasePath: basePath, Log: logger})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}

			g, ctx := errgroup.WithContext(cmd.Context())
			g.Go(func() error {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			})
			fmt.Printf("Serving Inner Voice API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			return g.Wait()
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

func tuiCmd() *cobra.Command {
	var noWatch bool
	cmd := &cobra.Command{
		Use:   "tui",
		Short: "Interactive terminal view",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			ws, err := app.Open(cmd.Context(), workspace, viper.GetString("config"), logger)
			if err != nil {
				return err
			}
			defer ws.Close()

			opts := tui.Options{Engine: ws.Engine, Log: logger, FlushDelay: ws.Engine.FlushDelay}
			if !noWatch {
				w, err := watch.New(workspace, 0, logger)
				if err != nil {
					return err
				}
				if err := w.Start(cmd.Context()); err != nil {
					return err
				}
				defer w.Stop()
				opts.Changes = w.Changes()
			}
			p := tea.NewProgram(tui.New(opts), tea.WithAltScreen(), tea.WithContext(cmd.Context()))
			_, err = p.Run()
			if errors.Is(err, tea.ErrProgramKilled) {
				return nil
			}
			return err
		},
	}
	cmd.Flags().BoolVar(&noWatch, "no-watch", false, "do not reload when other processes change the workspace")
	return cmd
}

// withEngine opens the workspace for a one-shot command. Deferred narration
// is flushed immediately since the process exits right after.
func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	ws, err := app.Open(ctx, viper.GetString("workspace"), viper.GetString("config"), logger)
	if err != nil {
		return err
	}
	defer ws.Close()
	e := ws.Engine
	e.FlushDelay = 0
	return fn(ctx, e)
}

func resolveTaskID(ctx context.Context, e engine.Engine, arg string) (string, error) {
	st, err := e.State(ctx)
	if err != nil {
		return "", err
	}
	ids := make([]string, len(st.Tasks))
	for i, t := range st.Tasks {
		ids[i] = t.ID
	}
	return resolveID("task", ids, arg)
}

func resolveRewardID(ctx context.Context, e engine.Engine, arg string) (string, error) {
	st, err := e.State(ctx)
	if err != nil {
		return "", err
	}
	ids := make([]string, len(st.Rewards))
	for i, r := range st.Rewards {
		ids[i] = r.ID
	}
	return resolveID("reward", ids, arg)
}

// resolveID accepts a full id or a unique prefix of one.
func resolveID(kind string, ids []string, arg string) (string, error) {
	var match string
	for _, id := range ids {
		if id == arg {
			return id, nil
		}
		if strings.HasPrefix(id, arg) {
			if match != "" {
				return "", fmt.Errorf("%s id %q is ambiguous", kind, arg)
			}
			match = id
		}
	}
	if match == "" {
		return "", fmt.Errorf("%s %s: %w", kind, arg, repo.ErrNotFound)
	}
	return match, nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func printActive(ctx context.Context, e engine.Engine) error {
	st, err := e.State(ctx)
	if err != nil {
		return err
	}
	if len(st.Pending) == 0 {
		return nil
	}
	return printDialogue(st)
}

func printDialogue(st domain.State) error {
	q := narrator.Queue{Pending: st.Pending, History: st.History}
	active, ok := q.Active()
	if viper.GetBool("json") {
		out := map[string]any{"pending": q.Depth(), "label": q.AdvanceLabel()}
		if ok {
			out["active"] = active
		}
		return printJSON(out)
	}
	if !ok {
		fmt.Println("(silence)")
		return nil
	}
	fmt.Printf("%s: %s\n[%s]\n", strings.ToUpper(string(active.Persona)), active.Text, strings.ToUpper(q.AdvanceLabel()))
	return nil
}

func printOK(id string) error {
	if viper.GetBool("json") {
		return printJSON(map[string]any{"ok": true, "id": id})
	}
	fmt.Println("Deleted", shortID(id))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
