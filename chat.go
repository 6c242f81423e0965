package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/n0madic/go-chatrelay/internal/chatstore"
	"github.com/n0madic/go-chatrelay/internal/client"
	"github.com/n0madic/go-chatrelay/internal/config"
	"github.com/n0madic/go-chatrelay/internal/dialect"
	"github.com/n0madic/go-chatrelay/internal/models"
	"github.com/n0madic/go-chatrelay/internal/types"
)

const replHelp = `Commands:
  /new                 start a new chat
  /save <name>         save the current chat
  /load <name>         load a saved chat
  /list                list saved chats
  /delete <name>       delete a saved chat
  /host <url>          change the relay address
  /system <prompt>     change the system prompt ("/system" alone clears it)
  /key <key>           change the service key
  /model <id>          change the model
  /profile <name>      change the backend profile
  /models              list available models
  /quit                exit
Ctrl-C cancels the reply in progress.`

// interrupter routes Ctrl-C to the turn in flight.
type interrupter struct {
	mu     sync.Mutex
	cancel context.CancelFunc
}

func (i *interrupter) turn() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	i.mu.Lock()
	i.cancel = cancel
	i.mu.Unlock()
	return ctx, func() {
		i.mu.Lock()
		i.cancel = nil
		i.mu.Unlock()
		cancel()
	}
}

// interrupt cancels the current turn and reports whether there was one.
func (i *interrupter) interrupt() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.cancel == nil {
		return false
	}
	i.cancel()
	i.cancel = nil
	return true
}

func (i *interrupter) watch(sig <-chan os.Signal, hint io.Writer) {
	for range sig {
		if !i.interrupt() {
			fmt.Fprintln(hint, "\n(type /quit to exit)")
		}
	}
}

type repl struct {
	sess       *config.Session
	client     *client.Client
	store      *chatstore.Store
	out        io.Writer
	interrupts interrupter

	transcript []types.ChatMessage
	opaque     json.RawMessage
}

func newREPL(sess *config.Session, c *client.Client, store *chatstore.Store, out io.Writer) *repl {
	return &repl{sess: sess, client: c, store: store, out: out}
}

func (r *repl) run(in io.Reader) error {
	snap := r.sess.Snapshot()
	profile := snap.Profile
	if profile == "" {
		profile = dialect.DefaultProfile
	}
	fmt.Fprintf(r.out, "Chatting with %s via %s (%s). /help for commands.\n", snap.Model, snap.Host, profile)

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for {
		fmt.Fprint(r.out, "> ")
		if !scanner.Scan() {
			fmt.Fprintln(r.out)
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "/") {
			quit, err := r.command(line)
			if err != nil {
				fmt.Fprintf(r.out, "error: %v\n", err)
			}
			if quit {
				return nil
			}
			continue
		}
		r.turn(line)
	}
}

// turn sends one prompt and records it when the reply completes. A
// cancelled or failed turn leaves the transcript and context untouched.
func (r *repl) turn(prompt string) {
	ctx, cancel := r.interrupts.turn()
	defer cancel()

	reply, err := r.client.Send(ctx, types.CanonicalRequest{Prompt: prompt, Context: r.opaque}, func(ev types.DeltaEvent) {
		fmt.Fprint(r.out, ev.Text)
	})
	fmt.Fprintln(r.out)
	switch {
	case errors.Is(err, context.Canceled):
		fmt.Fprintln(r.out, "[cancelled]")
		return
	case err != nil && reply.Err == nil && reply.Text == "":
		fmt.Fprintf(r.out, "error: %v\n", err)
		return
	case err != nil || reply.Err != nil:
		return
	}
	r.transcript = append(r.transcript,
		types.ChatMessage{Role: "user", Content: prompt},
		types.ChatMessage{Role: "assistant", Content: reply.Text},
	)
	if types.HasOpaque(reply.Context) {
		r.opaque = reply.Context
	}
}

func (r *repl) command(line string) (quit bool, err error) {
	name, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)
	switch name {
	case "/quit", "/exit":
		return true, nil
	case "/help":
		fmt.Fprintln(r.out, replHelp)
	case "/new":
		r.transcript = nil
		r.opaque = nil
		fmt.Fprintln(r.out, "Started a new chat.")
	case "/save":
		if arg == "" {
			return false, errors.New("usage: /save <name>")
		}
		snap := r.sess.Snapshot()
		if err := r.store.Save(chatstore.Chat{
			Name:       arg,
			Model:      snap.Model,
			System:     snap.SystemPrompt,
			Transcript: r.transcript,
			Context:    r.opaque,
		}); err != nil {
			return false, err
		}
		fmt.Fprintf(r.out, "Saved %q.\n", arg)
	case "/load":
		if arg == "" {
			return false, errors.New("usage: /load <name>")
		}
		return false, r.load(arg)
	case "/list":
		chats, err := r.store.List()
		if err != nil {
			return false, err
		}
		for _, c := range chats {
			fmt.Fprintf(r.out, "  %s (%d turns, %s)\n", c.Name, c.Turns, c.Model)
		}
	case "/delete":
		if arg == "" {
			return false, errors.New("usage: /delete <name>")
		}
		if err := r.store.Delete(arg); err != nil {
			return false, err
		}
		fmt.Fprintf(r.out, "Deleted %q.\n", arg)
	case "/host":
		if arg == "" {
			return false, errors.New("usage: /host <url>")
		}
		r.sess.SetHost(arg)
	case "/system":
		r.sess.SetSystemPrompt(arg)
	case "/key":
		r.sess.SetServiceKey(arg)
	case "/model":
		if arg == "" {
			return false, errors.New("usage: /model <id>")
		}
		r.sess.SetModel(arg)
	case "/profile":
		if _, err := dialect.LookupProfile(arg); err != nil {
			return false, err
		}
		r.sess.SetProfile(arg)
	case "/models":
		ctx, cancel := r.interrupts.turn()
		defer cancel()
		list, _ := r.client.Models(ctx)
		if list.Error != "" {
			fmt.Fprintln(r.out, list.Error)
		}
		printModels(r.out, list.Models)
	default:
		return false, fmt.Errorf("unknown command %s (try /help)", name)
	}
	return false, nil
}

// load replaces the current chat with a saved one, restoring its model and
// system prompt.
func (r *repl) load(name string) error {
	chat, err := r.store.Load(name)
	if err != nil {
		return fmt.Errorf("loading %q: %w", name, err)
	}
	r.transcript = chat.Transcript
	r.opaque = chat.Context
	if chat.Model != "" {
		r.sess.SetModel(chat.Model)
	}
	r.sess.SetSystemPrompt(chat.System)
	printTranscript(r.out, chat)
	return nil
}

func printTranscript(w io.Writer, chat *chatstore.Chat) {
	fmt.Fprintf(w, "# %s (%s)\n", chat.Name, chat.Model)
	if chat.System != "" {
		fmt.Fprintf(w, "[system] %s\n", chat.System)
	}
	for _, m := range chat.Transcript {
		fmt.Fprintf(w, "[%s] %s\n", m.Role, m.Content)
	}
}

func printModels(w io.Writer, entries []types.ModelEntry) {
	for i, g := range models.GroupByTask(entries) {
		if i > 0 {
			fmt.Fprintln(w)
		}
		fmt.Fprintln(w, g.Task)
		for _, m := range g.Models {
			if m.Description != "" {
				fmt.Fprintf(w, "  • %s  %s\n", m.Name, m.Description)
			} else {
				fmt.Fprintf(w, "  • %s\n", m.Name)
			}
		}
	}
}
