package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/Strob0t/AgentHost/internal/adapter/postgres"
	"github.com/Strob0t/AgentHost/internal/config"
	"github.com/Strob0t/AgentHost/internal/port/sandbox"
)

// runAdmin dispatches admin subcommands (migrate, modules, module-add, agents).
func runAdmin(args []string) error {
	if len(args) == 0 || args[0] == "help" || args[0] == "--help" {
		printAdminHelp()
		return nil
	}

	switch args[0] {
	case "migrate":
		return runAdminMigrate(args[1:])
	case "modules":
		return runAdminModules(args[1:])
	case "module-add":
		return runAdminModuleAdd(args[1:])
	case "agents":
		return runAdminAgents(args[1:])
	default:
		printAdminHelp()
		return fmt.Errorf("unknown admin command: %s", args[0])
	}
}

func printAdminHelp() {
	fmt.Fprintf(os.Stderr, `Usage: agenthost admin <command> [options]

Commands:
  migrate up|down|status|version
                            Manage the database schema
  modules                   List stored modules
  module-add                Validate and store a module binary
  agents                    List journaled agent records
  help                      Show this help message

Examples:
  agenthost admin migrate up
  agenthost admin migrate down --steps 2
  agenthost admin module-add --kind wasm ./echo.wasm
  agenthost admin agents
`)
}

// adminFlags returns a flag set carrying the shared --config flag.
func adminFlags(name string) (*pflag.FlagSet, *string) {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	path := fs.StringP("config", "c", config.DefaultConfigFile, "path to the YAML config file")
	return fs, path
}

func loadAdminConfig(path string) (*config.Config, error) {
	cfg, err := config.LoadFrom(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if cfg.Postgres.DSN == "" {
		return nil, errors.New("postgres.dsn (or DATABASE_URL) is required")
	}
	return cfg, nil
}

func openAdminStore(ctx context.Context, path string) (*postgres.Store, func(), error) {
	cfg, err := loadAdminConfig(path)
	if err != nil {
		return nil, nil, err
	}
	pool, err := postgres.NewPool(ctx, cfg.Postgres)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to database: %w", err)
	}
	return postgres.NewStore(pool), pool.Close, nil
}

func runAdminMigrate(args []string) error {
	fs, path := adminFlags("migrate")
	steps := fs.Int("steps", 1, "number of migrations to roll back (down only)")
	yes := fs.BoolP("yes", "y", false, "skip the confirmation prompt")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("usage: agenthost admin migrate up|down|status|version")
	}

	cfg, err := loadAdminConfig(*path)
	if err != nil {
		return err
	}
	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, cfg.Postgres)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer pool.Close()
	schema, err := postgres.NewSchema(pool)
	if err != nil {
		return err
	}
	defer func() { _ = schema.Close() }()

	switch fs.Arg(0) {
	case "up":
		n, err := schema.Up(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("Applied %d migration(s).\n", n)
	case "down":
		if *steps < 1 {
			return errors.New("--steps must be >= 1")
		}
		if !*yes {
			ok, err := confirm(fmt.Sprintf("Roll back %d migration(s)? [y/N] ", *steps))
			if err != nil {
				return err
			}
			if !ok {
				fmt.Println("Aborted.")
				return nil
			}
		}
		if err := schema.Down(ctx, *steps); err != nil {
			return err
		}
	case "status":
		list, err := schema.Status(ctx)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		_, _ = fmt.Fprintln(w, "VERSION\tSTATE\tFILE")
		for _, m := range list {
			state := "pending"
			if m.Applied {
				state = "applied"
			}
			_, _ = fmt.Fprintf(w, "%d\t%s\t%s\n", m.Version, state, m.Path)
		}
		return w.Flush()
	case "version":
	default:
		return fmt.Errorf("unknown migrate action: %s", fs.Arg(0))
	}

	v, err := schema.Version(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Schema version: %d\n", v)
	return nil
}

func runAdminModules(args []string) error {
	fs, path := adminFlags("modules")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx := context.Background()
	store, cleanup, err := openAdminStore(ctx, *path)
	if err != nil {
		return err
	}
	defer cleanup()

	modules, err := store.ListModules(ctx)
	if err != nil {
		return fmt.Errorf("list modules: %w", err)
	}
	if len(modules) == 0 {
		fmt.Println("No modules found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "DIGEST\tKIND\tNAME\tSIZE\tADDED")
	for _, m := range modules {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", m.Digest, m.Kind, m.Name, m.Size, m.Added.Format("2006-01-02 15:04:05"))
	}
	return w.Flush()
}

func runAdminModuleAdd(args []string) error {
	fs, path := adminFlags("module-add")
	kind := fs.String("kind", "wasm", "module kind")
	name := fs.String("name", "", "module name (default: file name without extension)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("usage: agenthost admin module-add [--kind wasm] [--name n] <file>")
	}

	file := fs.Arg(0)
	code, err := os.ReadFile(file) //nolint:gosec // G304: operator-supplied path
	if err != nil {
		return fmt.Errorf("read module: %w", err)
	}
	if *name == "" {
		*name = strings.TrimSuffix(filepath.Base(file), filepath.Ext(file))
	}

	ctx := context.Background()
	loader, err := sandbox.New(*kind, nil)
	if err != nil {
		return err
	}
	defer func() { _ = loader.Close(ctx) }()

	m := sandbox.NewModule(*kind, *name, code)
	if err := loader.Validate(ctx, m); err != nil {
		return fmt.Errorf("validate module: %w", err)
	}

	store, cleanup, err := openAdminStore(ctx, *path)
	if err != nil {
		return err
	}
	defer cleanup()

	if err := store.SaveModule(ctx, m); err != nil {
		return fmt.Errorf("save module: %w", err)
	}
	fmt.Printf("Module %s stored (digest %s, %d bytes).\n", m.Name, m.Digest, m.Size)
	return nil
}

func runAdminAgents(args []string) error {
	fs, path := adminFlags("agents")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx := context.Background()
	store, cleanup, err := openAdminStore(ctx, *path)
	if err != nil {
		return err
	}
	defer cleanup()

	records, err := store.ListAgents(ctx)
	if err != nil {
		return fmt.Errorf("list agents: %w", err)
	}
	if len(records) == 0 {
		fmt.Println("No agents found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tNAME\tMODULE\tSTATE\tRESTARTS\tLAST_FAILURE")
	for i := range records {
		r := &records[i]
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s/%s\t%s\t%d\t%s\n",
			r.ID, r.Name, r.ModuleKind, r.ModuleName, r.State, r.RestartCount, r.LastFailure)
	}
	return w.Flush()
}

// confirm asks a yes/no question on the terminal. Without a terminal it
// refuses, so scripts must pass --yes.
func confirm(prompt string) (bool, error) {
	if !term.IsTerminal(int(os.Stdin.Fd())) { //nolint:gosec // fd fits in int
		return false, errors.New("not a terminal; pass --yes to confirm")
	}
	fmt.Fprint(os.Stderr, prompt)
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return false, err
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true, nil
	}
	return false, nil
}
