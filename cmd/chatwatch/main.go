// Command chatwatch tails one conversation's live feed to stdout and drives
// the composer from stdin.
//
// The user is identified by --token, by --uid, or by signing in with --email
// and a password. Messages are written through the mutation API at API_URL;
// without it the command only watches.
//
// Input lines: plain text sends (or saves the edit in progress), "/edit <id>"
// starts editing an own message, "/cancel" abandons the edit, "/delete <id>"
// soft deletes an own message.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"chatsync/internal/auth"
	"chatsync/internal/composer"
	"chatsync/internal/config"
	"chatsync/internal/conversations"
	"chatsync/internal/directory"
	"chatsync/internal/domain"
	"chatsync/internal/feed"
	"chatsync/internal/integrations/chatapi"
	"chatsync/internal/integrations/paramstore"
	"chatsync/internal/metrics"
	"chatsync/internal/store/dynamostore"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		slog.Error("chatwatch failed", "err", err)
		os.Exit(1)
	}
}

type options struct {
	uid          string
	token        string
	email        string
	password     string
	register     bool
	conversation string
	with         string
	list         bool
}

func newRootCmd() *cobra.Command {
	var o options
	cmd := &cobra.Command{
		Use:   "chatwatch",
		Short: "Tail a conversation and send messages from stdin",
		Long: `chatwatch prints the live feed of one conversation and reads messages
from stdin. Writes go through the mutation API at API_URL so that the server
assigns their timestamps; without API_URL the feed is read-only.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if o.uid == "" && o.token == "" && o.email == "" {
				return errors.New("one of --uid, --token or --email is required")
			}
			return run(cmd.Context(), o)
		},
	}
	cmd.CompletionOptions.DisableDefaultCmd = true

	f := cmd.Flags()
	f.StringVar(&o.uid, "uid", "", "signed-in user id")
	f.StringVar(&o.token, "token", "", "bearer token identifying the user")
	f.StringVar(&o.email, "email", "", "user email; without --uid or --token, signs in with it")
	f.StringVar(&o.password, "password", "", "password for --email (prompted when omitted)")
	f.BoolVar(&o.register, "register", false, "create the --email account before signing in")
	f.StringVarP(&o.conversation, "conversation", "c", "", "conversation to watch")
	f.StringVar(&o.with, "with", "", "open the direct conversation with this email instead")
	f.BoolVarP(&o.list, "list", "l", false, "also print the conversation list")

	cmd.MarkFlagsMutuallyExclusive("uid", "token")
	cmd.MarkFlagsOneRequired("conversation", "with")
	cmd.MarkFlagsMutuallyExclusive("conversation", "with")
	return cmd
}

func run(ctx context.Context, o options) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ---- Configuration ----
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if o.with != "" && cfg.APIURL == "" {
		return errors.New("--with needs API_URL")
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return fmt.Errorf("load AWS config: %w", err)
	}
	if cfg.ParamPrefix != "" {
		params, err := paramstore.New(awsssm.NewFromConfig(awsCfg))
		if err != nil {
			return err
		}
		if cfg, err = cfg.ApplyParams(ctx, params); err != nil {
			return err
		}
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	// ---- Metrics ----
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	stats, err := metrics.New(reg)
	if err != nil {
		return err
	}

	// ---- Core ----
	st, err := dynamostore.New(awsdynamodb.NewFromConfig(awsCfg), cfg.StateTable,
		dynamostore.WithPollInterval(cfg.PollInterval),
		dynamostore.WithMaxAttempts(cfg.TxMaxAttempts),
		dynamostore.WithLogger(logger),
	)
	if err != nil {
		return err
	}
	who, err := resolveIdentity(ctx, cfg, o, st, logger, promptPassword)
	if err != nil {
		return err
	}
	api, err := newAPIClient(cfg, o.token, who, chatapi.WithRecorder(stats))
	if err != nil {
		return err
	}

	dir, err := directory.New(st,
		directory.WithConcurrency(cfg.LookupConcurrency),
		directory.WithTimeout(cfg.LookupTimeout),
		directory.WithLogger(logger),
		directory.WithRecorder(stats),
	)
	if err != nil {
		return err
	}
	hub, err := feed.NewHub(st, dir, who.UID,
		feed.WithGrace(cfg.FeedGrace),
		feed.WithLimit(cfg.HistoryLimit),
		feed.WithLogger(logger),
		feed.WithRecorder(stats),
	)
	if err != nil {
		return err
	}
	defer hub.Close()

	convID := o.conversation
	if convID == "" {
		if convID, err = api.StartDirectChat(ctx, who.UID, o.with); err != nil {
			return err
		}
	}
	consumer, err := hub.Subscribe(convID)
	if err != nil {
		return err
	}
	defer consumer.Close()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return printFeed(ctx, os.Stdout, consumer) })
	if api != nil {
		comp, err := composer.New(api, consumer, convID, who.UID, composer.WithLogger(logger))
		if err != nil {
			return err
		}
		lines := make(chan string)
		go readLines(os.Stdin, lines)
		g.Go(func() error { return printComposer(ctx, os.Stdout, comp) })
		g.Go(func() error { return drive(ctx, comp, lines) })
	} else {
		fmt.Fprintln(os.Stderr, "read-only: set API_URL to send messages")
	}
	if o.list {
		lister, err := conversations.New(st, dir, conversations.WithLogger(logger))
		if err != nil {
			return err
		}
		g.Go(func() error { return printList(ctx, os.Stdout, lister, who) })
	}
	if cfg.MetricsAddr != "" {
		g.Go(func() error { return serveMetrics(ctx, cfg.MetricsAddr, reg) })
	}

	if err := g.Wait(); err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// accountStore holds credentials and the directory profiles that sign-in
// keeps current.
type accountStore interface {
	auth.AccountStore
	auth.ProfileWriter
}

// resolveIdentity picks the user from the flags: a verified token, a bare uid,
// or a password sign-in that also upserts the directory profile.
func resolveIdentity(ctx context.Context, cfg config.Config, o options, accounts accountStore, logger *slog.Logger, prompt func() (string, error)) (domain.Identity, error) {
	switch {
	case o.token != "":
		return identityFromToken(cfg, o.token)
	case o.uid != "":
		return domain.Identity{UID: o.uid, Email: o.email}, nil
	}
	password := o.password
	if password == "" {
		var err error
		if password, err = prompt(); err != nil {
			return domain.Identity{}, err
		}
	}
	provider, err := auth.NewPasswordProvider(accounts, 0)
	if err != nil {
		return domain.Identity{}, err
	}
	session, err := auth.NewSession(provider, accounts, auth.WithLogger(logger))
	if err != nil {
		return domain.Identity{}, err
	}
	if o.register {
		return session.Register(ctx, o.email, password)
	}
	return session.SignIn(ctx, o.email, password)
}

func promptPassword() (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", errors.New("--password is required when stdin is not a terminal")
	}
	fmt.Fprint(os.Stderr, "Password: ")
	pw, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}
	return string(pw), nil
}

func identityFromToken(cfg config.Config, token string) (domain.Identity, error) {
	if cfg.TokenSecret == "" {
		return domain.Identity{}, errors.New("--token needs TOKEN_SECRET")
	}
	tokens, err := auth.NewTokens(cfg.TokenSecret, cfg.TokenTTL)
	if err != nil {
		return domain.Identity{}, err
	}
	return tokens.Verify(token)
}

// newAPIClient returns nil without an API_URL. The caller's own token is used
// when given; otherwise one is issued for who with TOKEN_SECRET.
func newAPIClient(cfg config.Config, token string, who domain.Identity, opts ...chatapi.Option) (*chatapi.Client, error) {
	if cfg.APIURL == "" {
		return nil, nil
	}
	if token == "" {
		if cfg.TokenSecret == "" {
			return nil, errors.New("API_URL needs --token or TOKEN_SECRET")
		}
		tokens, err := auth.NewTokens(cfg.TokenSecret, cfg.TokenTTL)
		if err != nil {
			return nil, err
		}
		if token, err = tokens.Issue(who); err != nil {
			return nil, err
		}
	}
	return chatapi.NewClient(cfg.APIURL, token, opts...)
}

func readLines(r io.Reader, out chan<- string) {
	defer close(out)
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		out <- sc.Text()
	}
}

// drive applies stdin lines to the composer. io.EOF ends the session.
func drive(ctx context.Context, comp *composer.Composer, lines <-chan string) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				return io.EOF
			}
			if err := apply(ctx, comp, line); err != nil {
				return err
			}
		}
	}
}

// apply runs one input line. Rejected commands surface through the composer
// state rather than as errors.
func apply(ctx context.Context, comp *composer.Composer, line string) error {
	cmd, arg, _ := strings.Cut(strings.TrimSpace(line), " ")
	arg = strings.TrimSpace(arg)
	switch cmd {
	case "":
		return nil
	case "/edit":
		if !comp.StartEdit(arg) {
			fmt.Fprintf(os.Stderr, "cannot edit %q\n", arg)
		}
		return nil
	case "/cancel":
		comp.CancelEdit()
		return nil
	case "/delete":
		if !comp.RequestDelete(arg) {
			fmt.Fprintf(os.Stderr, "cannot delete %q\n", arg)
			return nil
		}
		return settled(comp.ConfirmDelete(ctx))
	}
	comp.SetDraft(strings.TrimSpace(line))
	return settled(comp.SendOrSave(ctx))
}

// settled drops mutation failures, which printComposer reports from the
// composer state. Only cancellation ends the session.
func settled(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return nil
}

func printFeed(ctx context.Context, w io.Writer, c *feed.Consumer) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case st, ok := <-c.Updates():
			if !ok {
				return nil
			}
			if st.Err != nil {
				return fmt.Errorf("feed: %w", st.Err)
			}
			renderFeed(w, st)
		}
	}
}

func renderFeed(w io.Writer, st feed.State) {
	fmt.Fprintln(w, "----")
	if st.Loading {
		fmt.Fprintln(w, "(loading)")
	}
	for _, m := range st.Messages {
		suffix := ""
		if m.IsEdited && !m.IsDeleted {
			suffix = " (edited)"
		}
		fmt.Fprintf(w, "[%s] %s: %s%s  #%s\n", m.CreatedAt.Local().Format(time.TimeOnly), m.Sender, m.DisplayText, suffix, m.ID)
	}
}

func printComposer(ctx context.Context, w io.Writer, comp *composer.Composer) error {
	var last composer.State
	for {
		ch := comp.Watch()
		st := comp.State()
		if st.Mode != last.Mode || st.Error != last.Error {
			switch {
			case st.Error != "":
				fmt.Fprintf(w, "! %s\n", st.Error)
			case st.Mode == composer.Editing:
				fmt.Fprintf(w, "editing #%s: %s\n", st.EditingID, st.Draft)
			case last.Mode == composer.Editing:
				fmt.Fprintln(w, "edit finished")
			}
			last = st
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
}

func printList(ctx context.Context, w io.Writer, lister *conversations.Lister, who domain.Identity) error {
	states, err := lister.Watch(ctx, who)
	if err != nil {
		return err
	}
	for st := range states {
		if st.Err != nil {
			return fmt.Errorf("conversations: %w", st.Err)
		}
		if st.Loading {
			continue
		}
		fmt.Fprintln(w, "== conversations")
		for _, r := range st.Rows {
			fmt.Fprintf(w, "%s  %s  %s\n", r.ID, r.Title, r.Last)
		}
	}
	return ctx.Err()
}

func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.Info("serving metrics", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
