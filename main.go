package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/n0madic/go-chatrelay/internal/chatstore"
	"github.com/n0madic/go-chatrelay/internal/client"
	"github.com/n0madic/go-chatrelay/internal/config"
	"github.com/n0madic/go-chatrelay/internal/dialect"
	"github.com/n0madic/go-chatrelay/internal/server"
)

const commands = "Commands: serve, chat, models, history"

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "Usage: go-chatrelay <command> [flags]")
		fmt.Fprintln(os.Stderr, commands)
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		os.Exit(cmdServe())
	case "chat":
		os.Exit(cmdChat())
	case "models":
		os.Exit(cmdModels())
	case "history":
		os.Exit(cmdHistory())
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		fmt.Fprintln(os.Stderr, commands)
		os.Exit(1)
	}
}

func setupLogging(verbose, debug bool) {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelInfo
	}
	if debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

func cmdServe() int {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	cfg := config.DefaultFromEnv()

	fs.StringVar(&cfg.Host, "host", cfg.Host, "Bind host")
	fs.IntVar(&cfg.Port, "port", cfg.Port, "Listen port")
	fs.BoolVar(&cfg.Verbose, "verbose", cfg.Verbose, "Enable verbose logging")
	fs.BoolVar(&cfg.Debug, "debug", cfg.Debug, "Dump inbound requests and upstream streams")
	fs.StringVar(&cfg.AccessToken, "access-token", cfg.AccessToken, "Bearer token required on /api/ routes")
	fs.StringVar(&cfg.WorkersAccountID, "account-id", cfg.WorkersAccountID, "Workers AI account id")
	fs.StringVar(&cfg.DefaultModel, "model", cfg.DefaultModel, "Model used when a request names none")
	fs.StringVar(&cfg.SystemPrompt, "system", cfg.SystemPrompt, "Fallback system prompt")
	fs.DurationVar(&cfg.ModelsCacheTTL, "models-ttl", cfg.ModelsCacheTTL, "Model catalog cache lifetime")
	fs.Parse(os.Args[2:])
	setupLogging(cfg.Verbose, cfg.Debug)

	if cfg.WorkersAccountID == "" || cfg.WorkersAPIToken == "" {
		slog.Warn("workers ai credentials missing; /api/generate will answer 503", "env", "CHATRELAY_CF_ACCOUNT_ID, CHATRELAY_CF_API_TOKEN")
	}

	srv, err := server.New(cfg)
	if err != nil {
		slog.Error("failed to create server", "error", err)
		return 1
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr, "\nShutting down...")
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}()

	fmt.Fprintf(os.Stderr, "go-chatrelay listening on http://%s\n", cfg.Addr())
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("server error", "error", err)
		return 1
	}
	return 0
}

// sessionFlags registers the client-side flags shared by chat and models.
func sessionFlags(fs *flag.FlagSet, snap config.SessionSnapshot) (host, profile, key, model, system *string) {
	host = fs.String("host", snap.Host, "Relay base URL")
	profile = fs.String("profile", snap.Profile, "Backend profile ("+strings.Join(dialect.ProfileNames(), "|")+")")
	key = fs.String("key", snap.ServiceKey, "Service key sent as a bearer token")
	model = fs.String("model", snap.Model, "Model id")
	system = fs.String("system", snap.SystemPrompt, "System prompt")
	return
}

func cmdChat() int {
	fs := flag.NewFlagSet("chat", flag.ExitOnError)
	sess := config.NewSession()
	host, profile, key, model, system := sessionFlags(fs, sess.Snapshot())
	store := fs.String("store", sess.Snapshot().StorePath, "Chat history database")
	resume := fs.String("resume", "", "Load a saved chat before the first turn")
	verbose := fs.Bool("verbose", false, "Enable verbose logging")
	debug := fs.Bool("debug", false, "Enable debug logging")
	fs.Parse(os.Args[2:])
	setupLogging(*verbose, *debug)

	sess.SetHost(*host)
	sess.SetProfile(*profile)
	sess.SetServiceKey(*key)
	sess.SetModel(*model)
	sess.SetSystemPrompt(*system)
	if _, err := dialect.LookupProfile(*profile); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	st, err := chatstore.Open(*store)
	if err != nil {
		slog.Error("failed to open chat store", "path", *store, "error", err)
		return 1
	}
	defer st.Close()

	r := newREPL(sess, client.New(sess), st, os.Stdout)
	if *resume != "" {
		if err := r.load(*resume); err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
	}

	// Ctrl-C cancels the turn in flight; between turns it only prints a hint.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	defer signal.Stop(sigCh)
	go r.interrupts.watch(sigCh, os.Stderr)

	if err := r.run(os.Stdin); err != nil {
		slog.Error("chat failed", "error", err)
		return 1
	}
	return 0
}

func cmdModels() int {
	fs := flag.NewFlagSet("models", flag.ExitOnError)
	sess := config.NewSession()
	host, profile, key, _, _ := sessionFlags(fs, sess.Snapshot())
	fs.Parse(os.Args[2:])
	setupLogging(false, false)

	sess.SetHost(*host)
	sess.SetProfile(*profile)
	sess.SetServiceKey(*key)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	list, _ := client.New(sess).Models(ctx)
	if list.Error != "" {
		fmt.Fprintln(os.Stderr, list.Error)
	}
	printModels(os.Stdout, list.Models)
	return 0
}

func cmdHistory() int {
	fs := flag.NewFlagSet("history", flag.ExitOnError)
	store := fs.String("store", config.NewSession().Snapshot().StorePath, "Chat history database")
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, "Usage: go-chatrelay history [-store path] [list | show <name> | delete <name>]")
		fs.PrintDefaults()
	}
	fs.Parse(os.Args[2:])
	setupLogging(false, false)

	st, err := chatstore.Open(*store)
	if err != nil {
		slog.Error("failed to open chat store", "path", *store, "error", err)
		return 1
	}
	defer st.Close()

	args := fs.Args()
	action := "list"
	if len(args) > 0 {
		action = args[0]
	}
	switch action {
	case "list":
		chats, err := st.List()
		if err != nil {
			slog.Error("failed to list chats", "error", err)
			return 1
		}
		if len(chats) == 0 {
			fmt.Println("No saved chats.")
			return 0
		}
		tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "NAME\tMODEL\tTURNS\tUPDATED")
		for _, c := range chats {
			fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", c.Name, c.Model, c.Turns, c.UpdatedAt.Local().Format("Jan 02, 2006 15:04"))
		}
		tw.Flush()
	case "show", "delete":
		if len(args) < 2 {
			fs.Usage()
			return 1
		}
		name := strings.Join(args[1:], " ")
		if action == "delete" {
			if err := st.Delete(name); err != nil {
				fmt.Fprintln(os.Stderr, err)
				return 1
			}
			fmt.Printf("Deleted %q\n", name)
			return 0
		}
		chat, err := st.Load(name)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		printTranscript(os.Stdout, chat)
	default:
		fs.Usage()
		return 1
	}
	return 0
}
