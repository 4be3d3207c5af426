package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/veil/pkg/backend"
	"github.com/go-go-golems/veil/pkg/chat"
	"github.com/go-go-golems/veil/pkg/events"
	"github.com/go-go-golems/veil/pkg/helpers"
	"github.com/go-go-golems/veil/pkg/stream"
	"github.com/go-go-golems/veil/pkg/supervise"
	"github.com/go-go-golems/veil/pkg/turn"
)

const chatTopic = "chat"

// engine bundles the wired-up runtime for one CLI session.
type engine struct {
	store      *chat.Store
	blacklist  *supervise.Blacklist
	connector  *stream.Connector
	runner     *turn.Runner
	supervisor *supervise.Supervisor
	router     *events.EventRouter
}

func buildEngine(cfg *Config, verbose bool) (*engine, error) {
	store := chat.NewStore()
	blacklist := supervise.NewBlacklist()

	picker, err := backend.NewStaticPickerFromFile(cfg.Nodes, blacklist)
	if err != nil {
		return nil, err
	}
	jobs := backend.NewLocalJobService()
	resync := backend.NewResyncScheduler(jobs, store, 0)

	var routerOptions []events.EventRouterOption
	if verbose {
		routerOptions = append(routerOptions, events.WithVerbose())
	} else {
		routerOptions = append(routerOptions, events.WithLogger(helpers.NewWatermill(log.Logger)))
	}
	router, err := events.NewEventRouter(routerOptions...)
	if err != nil {
		return nil, errors.Wrap(err, "creating event router")
	}

	publisher := events.NewPublisherManager()
	publisher.SubscribePublisher(chatTopic, router.Publisher)

	connector := stream.NewConnector(store, cfg.AccountID,
		stream.WithBlacklist(blacklist),
		stream.WithResync(resync),
		stream.WithPublisher(publisher),
	)
	runner := turn.NewRunner([]byte(cfg.Secret), cfg.AccountID, store, picker, jobs, connector)
	supervisor := supervise.NewSupervisor(store, connector, runner)

	return &engine{
		store:      store,
		blacklist:  blacklist,
		connector:  connector,
		runner:     runner,
		supervisor: supervisor,
		router:     router,
	}, nil
}

// printer renders stream events for a single terminal chat.
type printer struct {
	done chan struct{}
}

func newPrinter() *printer {
	return &printer{done: make(chan struct{}, 8)}
}

func (p *printer) settled() { p.done <- struct{}{} }

func (p *printer) HandleStart(context.Context, *events.EventStart) error {
	return nil
}

func (p *printer) HandlePartialCompletion(_ context.Context, e *events.EventPartialCompletion) error {
	fmt.Print(e.Delta)
	return nil
}

func (p *printer) HandleFinal(_ context.Context, _ *events.EventFinal) error {
	fmt.Println()
	p.settled()
	return nil
}

func (p *printer) HandleError(_ context.Context, e *events.EventError) error {
	fmt.Println()
	fmt.Println("!", e.Status.Human())
	p.settled()
	return nil
}

func (p *printer) HandleInterrupt(_ context.Context, _ *events.EventInterrupt) error {
	fmt.Println()
	p.settled()
	return nil
}

func chatCmd(configFile, logLevel *string) *cobra.Command {
	var model string
	var verbose bool

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive encrypted chat",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := setup(*configFile, *logLevel)
			if err != nil {
				return err
			}
			if model == "" {
				model = cfg.Model
			}

			eng, err := buildEngine(cfg, verbose)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			p := newPrinter()
			eng.router.RegisterStreamEventHandler("terminal-printer", chatTopic, p)

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error { return eng.router.Run(gctx) })
			g.Go(func() error { return eng.supervisor.Run(gctx) })

			select {
			case <-eng.router.Running():
			case <-gctx.Done():
				return g.Wait()
			}

			err = repl(gctx, eng, p, model)
			stop()
			_ = eng.router.Close()
			eng.connector.CloseAll()
			if werr := g.Wait(); werr != nil && !errors.Is(werr, context.Canceled) {
				log.Debug().Err(werr).Msg("background workers exited")
			}
			return err
		},
	}

	cmd.Flags().StringVar(&model, "model", "", "model to request (default from config)")
	cmd.Flags().BoolVar(&verbose, "verbose", false, "verbose event router logging")
	return cmd
}

func repl(ctx context.Context, eng *engine, p *printer, model string) error {
	c, err := eng.runner.StartChat()
	if err != nil {
		return err
	}
	eng.supervisor.SelectChat(c.ID)

	fmt.Printf("chat %s (model %s)\n", c.ID, model)
	fmt.Println("commands: /retry, /edit <text>, /prev, /next, /quit")

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		switch {
		case line == "/quit":
			return nil
		case line == "/retry":
			leaf, ok := eng.store.ActiveLeaf(c.ID)
			if !ok {
				fmt.Println("nothing to retry yet")
				continue
			}
			if _, err := eng.runner.Retry(ctx, c.ID, leaf, model); err != nil {
				fmt.Println("!", err)
				continue
			}
			waitSettled(ctx, p)
		case strings.HasPrefix(line, "/edit "):
			target, ok := lastUserMessage(eng.store, c.ID)
			if !ok {
				fmt.Println("nothing to edit yet")
				continue
			}
			if _, err := eng.runner.Edit(ctx, c.ID, target, strings.TrimPrefix(line, "/edit "), model); err != nil {
				fmt.Println("!", err)
				continue
			}
			waitSettled(ctx, p)
		case line == "/prev", line == "/next":
			offset := -1
			if line == "/next" {
				offset = 1
			}
			if err := switchBranch(eng.store, c.ID, offset); err != nil {
				fmt.Println("!", err)
				continue
			}
			printBranch(eng.store, c.ID)
		case strings.HasPrefix(line, "/"):
			fmt.Println("unknown command:", line)
		default:
			if _, err := eng.runner.StartTurn(ctx, c.ID, line, model); err != nil {
				fmt.Println("!", err)
				continue
			}
			waitSettled(ctx, p)
		}

		if ctx.Err() != nil {
			return nil
		}
	}
}

// waitSettled blocks until the in-flight stream resolves one way or another.
// The supervisor keeps working in the background, so a dropped connection
// still settles, through an error event now and possibly a resync later.
func waitSettled(ctx context.Context, p *printer) {
	select {
	case <-p.done:
	case <-ctx.Done():
	}
}

func lastUserMessage(store *chat.Store, chatID chat.ChatID) (chat.MessageID, bool) {
	branch := store.ResolveBranch(chatID)
	for i := len(branch) - 1; i >= 0; i-- {
		if branch[i].Role == chat.RoleUser {
			return branch[i].ID, true
		}
	}
	return chat.NullMessageID, false
}

// switchBranch moves the active leaf to a sibling of the deepest branch point
// on the current path.
func switchBranch(store *chat.Store, chatID chat.ChatID, offset int) error {
	branch := store.ResolveBranch(chatID)
	for i := len(branch) - 1; i >= 0; i-- {
		// Siblings excludes the message itself, so any entry means an
		// alternate branch exists.
		if len(store.Siblings(branch[i].ID)) == 0 {
			continue
		}
		_, err := store.SelectSibling(chatID, branch[i].ID, offset)
		return err
	}
	return errors.New("no alternate branches")
}

func printBranch(store *chat.Store, chatID chat.ChatID) {
	for _, m := range store.ResolveBranch(chatID) {
		prefix := "you"
		if m.Role == chat.RoleAssistant {
			prefix = "ai "
		}
		fmt.Printf("%s| %s\n", prefix, m.Content)
	}
}
