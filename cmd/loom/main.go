package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/kingrea/loom/internal/config"
	"github.com/kingrea/loom/internal/keeper"
	"github.com/kingrea/loom/internal/watcher"
)

const usage = `loom keeps a markdown vault consistent.

Usage:
  loom <command> [flags]

Commands:
  run        watch the vault and run maintenance workflows
  init       create the .loom directory and seed config.yaml
  rebuild    repopulate the shadow index from the vault
  trigger    inject a synthetic mutation (created|updated|deleted)
  validate   validate one document against its type schema
  memories   extract durable memories from one document
  status     show one execution by id
  node       show the indexed node for a path
  query      list documents carrying a tag
  backlinks  list documents linking to a path

Every command takes -vault <dir> (defaults to the working directory).
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	cmd, args := os.Args[1], os.Args[2:]
	switch cmd {
	case "run":
		cmdRun(args)
	case "init":
		cmdInit(args)
	case "rebuild":
		cmdRebuild(args)
	case "trigger":
		cmdTrigger(args)
	case "validate":
		cmdValidate(args)
	case "memories":
		cmdMemories(args)
	case "status":
		cmdStatus(args)
	case "node":
		cmdNode(args)
	case "query":
		cmdQuery(args)
	case "backlinks":
		cmdBacklinks(args)
	case "-h", "--help", "help":
		fmt.Print(usage)
	default:
		die("unknown command %q", cmd)
	}
}

// vaultFlag registers -vault on a flag set and resolves it after parsing.
func vaultFlag(fs *flag.FlagSet) func() string {
	dir := fs.String("vault", "", "vault directory (defaults to cwd)")
	return func() string {
		v := *dir
		if v == "" {
			cwd, err := os.Getwd()
			if err != nil {
				die("determine working directory: %v", err)
			}
			v = cwd
		}
		abs, err := filepath.Abs(v)
		if err != nil {
			die("resolve vault dir: %v", err)
		}
		return abs
	}
}

func openKeeper(vault string) *keeper.Keeper {
	cfg, err := config.Load(vault)
	if err != nil {
		die("load config: %v", err)
	}
	k, err := keeper.New(cfg)
	if err != nil {
		die("open vault: %v", err)
	}
	return k
}

func cmdRun(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	vault := vaultFlag(fs)
	fs.Parse(args)

	dir := vault()
	if err := config.Init(dir); err != nil {
		die("init .loom: %v", err)
	}
	k := openKeeper(dir)
	defer k.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	fmt.Printf("loom: watching %s\n", dir)
	if err := k.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		die("run: %v", err)
	}
}

func cmdInit(args []string) {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	vault := vaultFlag(fs)
	fs.Parse(args)

	dir := vault()
	if err := config.Init(dir); err != nil {
		die("init .loom: %v", err)
	}
	fmt.Printf("initialized %s\n", filepath.Join(dir, config.LoomDirName))
}

func cmdRebuild(args []string) {
	fs := flag.NewFlagSet("rebuild", flag.ExitOnError)
	vault := vaultFlag(fs)
	fs.Parse(args)

	k := openKeeper(vault())
	defer k.Close()
	if err := k.Rebuild(); err != nil {
		die("rebuild: %v", err)
	}
	fmt.Println("index rebuilt")
}

func cmdTrigger(args []string) {
	fs := flag.NewFlagSet("trigger", flag.ExitOnError)
	vault := vaultFlag(fs)
	path := fs.String("path", "", "vault-relative document path")
	kind := fs.String("kind", "updated", "mutation kind: created, updated, or deleted")
	fs.Parse(args)
	if *path == "" {
		die("-path is required")
	}
	switch watcher.Kind(*kind) {
	case watcher.KindCreated, watcher.KindUpdated, watcher.KindDeleted:
	default:
		die("invalid kind %q", *kind)
	}

	k := openKeeper(vault())
	defer k.Close()
	id, err := k.TriggerMutation(*path, watcher.Kind(*kind))
	if err != nil {
		die("trigger: %v", err)
	}
	fmt.Printf("execution %s queued (run `loom run` to process it)\n", id)
}

func cmdValidate(args []string) {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	vault := vaultFlag(fs)
	path := fs.String("path", "", "vault-relative document path")
	fix := fs.Bool("fix", false, "write fixable defaults back to the document")
	fs.Parse(args)
	if *path == "" {
		die("-path is required")
	}

	k := openKeeper(vault())
	defer k.Close()
	id, err := k.ValidateDocument(*path, *fix)
	if err != nil {
		die("validate: %v", err)
	}
	fmt.Printf("execution %s queued\n", id)
}

func cmdMemories(args []string) {
	fs := flag.NewFlagSet("memories", flag.ExitOnError)
	vault := vaultFlag(fs)
	path := fs.String("path", "", "vault-relative document path")
	fs.Parse(args)
	if *path == "" {
		die("-path is required")
	}

	k := openKeeper(vault())
	defer k.Close()
	id, err := k.ExtractMemories(*path)
	if err != nil {
		die("memories: %v", err)
	}
	fmt.Printf("execution %s queued\n", id)
}

func cmdStatus(args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	vault := vaultFlag(fs)
	id := fs.String("id", "", "execution id")
	fs.Parse(args)
	if *id == "" {
		die("-id is required")
	}

	k := openKeeper(vault())
	defer k.Close()
	exec, err := k.GetExecutionStatus(*id)
	if err != nil {
		die("status: %v", err)
	}
	fmt.Printf("%s  %s  %s\n", exec.ID, exec.Definition, exec.Status)
	if exec.Error != "" {
		fmt.Printf("  error: %s\n", exec.Error)
	}
	for _, step := range exec.Steps {
		fmt.Printf("  step %-20s %s (attempts: %d)\n", step.Name, step.Outcome, step.Attempts)
	}
}

func cmdNode(args []string) {
	fs := flag.NewFlagSet("node", flag.ExitOnError)
	vault := vaultFlag(fs)
	path := fs.String("path", "", "vault-relative document path")
	fs.Parse(args)
	if *path == "" {
		die("-path is required")
	}

	k := openKeeper(vault())
	defer k.Close()
	node, err := k.GetGraphNode(*path)
	if err != nil {
		die("node: %v", err)
	}
	out, err := json.MarshalIndent(node, "", "  ")
	if err != nil {
		die("encode node: %v", err)
	}
	fmt.Println(string(out))
}

func cmdQuery(args []string) {
	fs := flag.NewFlagSet("query", flag.ExitOnError)
	vault := vaultFlag(fs)
	tag := fs.String("tag", "", "tag to search for")
	fs.Parse(args)
	if *tag == "" {
		die("-tag is required")
	}

	k := openKeeper(vault())
	defer k.Close()
	nodes, err := k.QueryByTag(*tag)
	if err != nil {
		die("query: %v", err)
	}
	for _, n := range nodes {
		fmt.Printf("%s  (%s)\n", n.Path, n.Type)
	}
}

func cmdBacklinks(args []string) {
	fs := flag.NewFlagSet("backlinks", flag.ExitOnError)
	vault := vaultFlag(fs)
	path := fs.String("path", "", "vault-relative document path")
	fs.Parse(args)
	if *path == "" {
		die("-path is required")
	}

	k := openKeeper(vault())
	defer k.Close()
	links, err := k.GetBacklinks(*path)
	if err != nil {
		die("backlinks: %v", err)
	}
	for _, l := range links {
		fmt.Println(l)
	}
}

func die(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "loom: "+format+"\n", args...)
	os.Exit(1)
}
