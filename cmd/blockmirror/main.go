package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"go.uber.org/multierr"

	"github.com/haukened/blockmirror/internal/mirror/common/clock"
	"github.com/haukened/blockmirror/internal/mirror/common/log"
	"github.com/haukened/blockmirror/internal/mirror/config"
	"github.com/haukened/blockmirror/internal/mirror/domain"
	"github.com/haukened/blockmirror/internal/mirror/gateways/remote"
	"github.com/haukened/blockmirror/internal/mirror/repos/blocked"
	"github.com/haukened/blockmirror/internal/mirror/repos/blocked/bloom"
	"github.com/haukened/blockmirror/internal/mirror/repos/blocked/bolt"
	"github.com/haukened/blockmirror/internal/mirror/repos/blocked/lru"
	"github.com/haukened/blockmirror/internal/mirror/services/syncer"
)

const (
	// Version information
	version = "0.1.0-dev"
	appName = "blockmirror"
)

const usage = `usage: blockmirror <command> [flags] [args]

commands:
  load    <list>                        mirror a list, resuming an interrupted load
  refresh <list>                        re-read a list and reconcile the local copy
  add     <list> <handle>               block a handle
  remove  <list> <handle>               unblock a handle
  page    [-page N] [-size N] <list>    print one page, newest first
  count   <list>                        print the member count
  search  [-page N] [-size N] [-prefix] <list> <query>
  blocked <handle> <list>...            exit 0 if blocked on any list, 3 otherwise
  export  [-o file]                     write the database as JSON
  import  [-i file]                     merge a JSON export into the database
`

// exit codes
const (
	exitOK         = 0
	exitFailure    = 1
	exitUsage      = 2
	exitNotBlocked = 3
)

var errUsage = errors.New("usage")

// Application holds all the components of the mirror.
type Application struct {
	config *config.AppConfig
	store  blocked.Store
	engine *syncer.Engine
	logger log.Logger
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// run executes one command and returns the process exit code.
func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	if len(args) == 0 || args[0] == "-h" || args[0] == "help" || args[0] == "--help" {
		fmt.Fprint(stderr, usage)
		if len(args) == 0 {
			return exitUsage
		}
		return exitOK
	}
	if args[0] == "version" {
		fmt.Fprintf(stdout, "%s %s\n", appName, version)
		return exitOK
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(stderr, "Configuration error: %v\n", err)
		return exitFailure
	}
	if err := log.Configure(cfg.Env, cfg.LogLevel); err != nil {
		fmt.Fprintf(stderr, "Logging configuration error: %v\n", err)
		return exitFailure
	}

	app, err := buildApplication(cfg)
	if err != nil {
		log.Error(map[string]any{"error": err}, "build_failed")
		fmt.Fprintf(stderr, "%v\n", err)
		return exitFailure
	}

	code, err := app.dispatch(ctx, args[0], args[1:], stdin, stdout, stderr)
	if cerr := app.Close(); cerr != nil {
		err = multierr.Append(err, cerr)
		if code == exitOK {
			code = exitFailure
		}
	}
	if err != nil {
		if errors.Is(err, errUsage) {
			fmt.Fprint(stderr, usage)
			return exitUsage
		}
		fmt.Fprintf(stderr, "%s: %v\n", args[0], err)
		if code == exitOK {
			code = exitFailure
		}
	}
	return code
}

// buildApplication constructs all components and wires them together.
func buildApplication(cfg *config.AppConfig) (*Application, error) {
	clk := clock.RealClock{}
	logger := log.GetLogger()

	store, repo, err := buildRepositories(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to build repositories: %w", err)
	}

	client, err := remote.NewClient(remote.Options{
		ServiceURL:  cfg.ServiceURL,
		AccessToken: cfg.AccessToken,
		RepoDID:     cfg.RepoDID,
		Timeout:     cfg.FetchTimeout,
		Clock:       clk,
		Logger:      logger,
	})
	if err != nil {
		return nil, multierr.Append(fmt.Errorf("failed to build remote client: %w", err), store.Close())
	}

	engine, err := syncer.NewEngine(syncer.Options{
		Store:        store,
		Remote:       client,
		Repository:   repo,
		ChunkSize:    cfg.ChunkSize,
		FetchTimeout: cfg.FetchTimeout,
		Retry: syncer.RetryPolicy{
			MaxAttempts: cfg.RetryMaxAttempts,
			BaseDelay:   cfg.RetryBaseDelay,
			MaxDelay:    cfg.RetryMaxDelay,
		},
		Events: syncer.FuncSink(func(ev domain.Event) { logEvent(logger, ev) }),
		Logger: logger,
		Clock:  clk,
	})
	if err != nil {
		return nil, multierr.Append(fmt.Errorf("failed to build engine: %w", err), store.Close())
	}

	return &Application{config: cfg, store: store, engine: engine, logger: logger}, nil
}

// buildRepositories opens the store and layers the cache and bloom prefilter over it.
func buildRepositories(cfg *config.AppConfig, logger log.Logger) (blocked.Store, blocked.Repository, error) {
	store, err := bolt.New(cfg.DBPath, bolt.Options{NgramSize: cfg.NgramSize})
	if err != nil {
		return nil, nil, err
	}
	cache, err := lru.New(cfg.CacheSize)
	if err != nil {
		return nil, nil, multierr.Append(fmt.Errorf("failed to create record cache: %w", err), store.Close())
	}
	repo := blocked.NewRepository(store, cache, bloom.NewFactory(), cfg.BloomFPRate)
	if err := repo.Rebuild(); err != nil {
		return nil, nil, multierr.Append(fmt.Errorf("failed to seed bloom filter: %w", err), store.Close())
	}
	st := store.Stats()
	logger.Debug(map[string]any{
		"db_path":    cfg.DBPath,
		"records":    st.Records,
		"lists":      st.Lists,
		"cache_size": cfg.CacheSize,
	}, "store_opened")
	return store, repo, nil
}

func logEvent(logger log.Logger, ev domain.Event) {
	fields := map[string]any{"event": ev.Kind.String(), "list": ev.ListURI}
	switch ev.Kind {
	case domain.EventError:
		return // reported by the command itself
	case domain.EventWarning:
		logger.Warn(fields, ev.Message())
	case domain.EventProgress:
		fields["current"], fields["total"] = ev.Current, ev.Total
		logger.Debug(fields, ev.Message())
	default:
		logger.Info(fields, ev.Message())
	}
}

// Close releases the database.
func (a *Application) Close() error {
	return a.store.Close()
}

func (a *Application) dispatch(ctx context.Context, cmd string, args []string, stdin io.Reader, stdout, stderr io.Writer) (int, error) {
	fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
	fs.SetOutput(stderr)
	page := fs.Int("page", 1, "page number, starting at 1")
	size := fs.Int("size", a.config.PageSize, "page size")
	prefix := fs.Bool("prefix", false, "match handles by prefix instead of substring")
	out := fs.String("o", "", "output file (default stdout)")
	in := fs.String("i", "", "input file (default stdin)")
	if err := fs.Parse(args); err != nil {
		return exitUsage, errUsage
	}
	rest := fs.Args()
	need := func(n int) error {
		if len(rest) < n {
			return errUsage
		}
		return nil
	}

	switch cmd {
	case "load":
		if err := need(1); err != nil {
			return exitUsage, err
		}
		if err := a.engine.LoadList(ctx, rest[0]); err != nil {
			return exitFailure, err
		}
		return a.printCount(stdout, rest[0])

	case "refresh":
		if err := need(1); err != nil {
			return exitUsage, err
		}
		if err := a.engine.RefreshList(ctx, rest[0]); err != nil {
			return exitFailure, err
		}
		return a.printCount(stdout, rest[0])

	case "add":
		if err := need(2); err != nil {
			return exitUsage, err
		}
		u, err := a.engine.AddUser(ctx, rest[1], rest[0])
		if err != nil {
			return exitFailure, err
		}
		return exitOK, writeJSON(stdout, u)

	case "remove":
		if err := need(2); err != nil {
			return exitUsage, err
		}
		if err := a.engine.RemoveUser(ctx, rest[1], rest[0]); err != nil {
			return exitFailure, err
		}
		return exitOK, nil

	case "page":
		if err := need(1); err != nil {
			return exitUsage, err
		}
		us, err := a.engine.Query().GetPage(rest[0], *page, *size)
		if err != nil {
			return exitFailure, err
		}
		return exitOK, writeJSON(stdout, us)

	case "count":
		if err := need(1); err != nil {
			return exitUsage, err
		}
		return a.printCount(stdout, rest[0])

	case "search":
		if err := need(2); err != nil {
			return exitUsage, err
		}
		q := strings.Join(rest[1:], " ")
		var (
			res any
			err error
		)
		if *prefix {
			res, err = a.engine.Query().SearchPrefix(rest[0], q, *page, *size)
		} else {
			res, err = a.engine.SearchBlockedUsers(ctx, rest[0], q, *page, *size)
		}
		if err != nil {
			return exitFailure, err
		}
		return exitOK, writeJSON(stdout, res)

	case "blocked":
		if err := need(2); err != nil {
			return exitUsage, err
		}
		ok, err := a.engine.Query().IsBlocked(rest[0], rest[1:])
		if err != nil {
			return exitFailure, err
		}
		fmt.Fprintln(stdout, ok)
		if !ok {
			return exitNotBlocked, nil
		}
		return exitOK, nil

	case "export":
		snap, err := a.engine.Export(ctx)
		if err != nil {
			return exitFailure, err
		}
		w, closeFn, err := openOutput(*out, stdout)
		if err != nil {
			return exitFailure, err
		}
		return exitOK, multierr.Append(writeJSON(w, snap), closeFn())

	case "import":
		r, closeFn, err := openInput(*in, stdin)
		if err != nil {
			return exitFailure, err
		}
		var snap domain.Snapshot
		derr := json.NewDecoder(r).Decode(&snap)
		if err := multierr.Append(derr, closeFn()); err != nil {
			return exitFailure, fmt.Errorf("reading snapshot: %w", err)
		}
		res, err := a.engine.Import(ctx, snap)
		if err != nil {
			return exitFailure, err
		}
		return exitOK, writeJSON(stdout, res)

	default:
		return exitUsage, errUsage
	}
}

func (a *Application) printCount(w io.Writer, listURI string) (int, error) {
	n, err := a.engine.Query().GetCount(listURI)
	if err != nil {
		return exitFailure, err
	}
	fmt.Fprintln(w, n)
	return exitOK, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func openOutput(path string, def io.Writer) (io.Writer, func() error, error) {
	if path == "" || path == "-" {
		return def, func() error { return nil }, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, err
	}
	return f, f.Close, nil
}

func openInput(path string, def io.Reader) (io.Reader, func() error, error) {
	if path == "" || path == "-" {
		return def, func() error { return nil }, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	return f, f.Close, nil
}
