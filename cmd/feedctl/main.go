package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/joho/godotenv"

	"github.com/blackmichael/fantrix-feed/internal/api"
	"github.com/blackmichael/fantrix-feed/internal/auth"
	"github.com/blackmichael/fantrix-feed/internal/docstore"
	"github.com/blackmichael/fantrix-feed/internal/domain"
	"github.com/blackmichael/fantrix-feed/internal/export"
	"github.com/blackmichael/fantrix-feed/internal/feedclient"
)

const usage = `usage: feedctl <command> [flags]

commands:
  token     mint a bearer token for a user with the shared secret
  post      create a post
  like      toggle a like on a post
  retweet   toggle a retweet on a post
  profile   show or update a user profile
  feed      print the current feed once
  tail      follow the live feed
  export    write a database's feed to a zstd JSON lines archive
  inspect   print the posts in an archive
`

func main() {
	_ = godotenv.Load(".env")

	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, usage)
		return errors.New("missing command")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cmd, rest := args[0], args[1:]
	switch cmd {
	case "token":
		return runToken(rest)
	case "post":
		return runPost(ctx, rest)
	case "like", "retweet":
		return runToggle(ctx, cmd, rest)
	case "profile":
		return runProfile(ctx, rest)
	case "feed":
		return runFeed(ctx, rest)
	case "tail":
		return runTail(ctx, rest)
	case "export":
		return runExport(ctx, rest)
	case "inspect":
		return runInspect(rest)
	case "help", "-h", "--help":
		fmt.Print(usage)
		return nil
	default:
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("unknown command %q", cmd)
	}
}

// clientFlags registers the flags shared by commands that talk to a server.
func clientFlags(fs *flag.FlagSet) (server, token *string) {
	server = fs.String("server", envOrDefault("FEED_SERVER", "http://localhost:3000"), "feed server base URL")
	token = fs.String("token", envOrDefault("FEED_TOKEN", ""), "bearer token (see feedctl token)")
	return server, token
}

func runToken(args []string) error {
	fs := flag.NewFlagSet("token", flag.ExitOnError)
	user := fs.String("user", "", "user ID to issue the token for")
	secret := fs.String("secret", envOrDefault("FEED_TOKEN_SECRET", ""), "shared token secret")
	issuer := fs.String("issuer", envOrDefault("FEED_TOKEN_ISSUER", "fantrix-feed"), "token issuer")
	ttl := fs.Duration("ttl", 24*time.Hour, "token lifetime")
	fs.Parse(args)

	if *user == "" {
		return fmt.Errorf("--user is required")
	}

	a, err := auth.NewAuthority(*secret, *issuer, *ttl)
	if err != nil {
		return err
	}
	token, err := a.Issue(*user)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

func runPost(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("post", flag.ExitOnError)
	server, token := clientFlags(fs)
	fs.Parse(args)

	content := strings.Join(fs.Args(), " ")
	if content == "" {
		return fmt.Errorf("post content is required")
	}

	client := feedclient.NewClient(*server, *token)
	if err := client.CreatePost(ctx, content); err != nil {
		return err
	}
	fmt.Println("Post submitted")
	return nil
}

func runToggle(ctx context.Context, kind string, args []string) error {
	fs := flag.NewFlagSet(kind, flag.ExitOnError)
	server, token := clientFlags(fs)
	fs.Parse(args)

	if fs.NArg() != 1 {
		return fmt.Errorf("usage: feedctl %s [flags] <post-id>", kind)
	}
	postID := fs.Arg(0)

	client := feedclient.NewClient(*server, *token)
	var err error
	if kind == "like" {
		err = client.ToggleLike(ctx, postID)
	} else {
		err = client.ToggleRetweet(ctx, postID)
	}
	if errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("post %s does not exist", postID)
	}
	if err != nil {
		return err
	}
	fmt.Printf("Toggled %s on %s\n", kind, postID)
	return nil
}

func runProfile(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("profile", flag.ExitOnError)
	server, token := clientFlags(fs)
	show := fs.String("show", "", "print the profile of this user ID instead of updating")
	name := fs.String("name", "", "full name")
	email := fs.String("email", "", "email; its local part becomes the handle")
	image := fs.String("image", "", "profile image URL")
	fs.Parse(args)

	client := feedclient.NewClient(*server, *token)

	if *show != "" {
		p, err := client.Profile(ctx, *show)
		if err != nil {
			return err
		}
		fmt.Printf("%s %s\n", p.DisplayName, p.Handle)
		if p.ImageURL != "" {
			fmt.Println(p.ImageURL)
		}
		return nil
	}

	req := api.ProfileRequest{FullName: *name, Email: *email, ProfileImage: *image}
	if err := client.SaveProfile(ctx, req); err != nil {
		return err
	}
	fmt.Println("Profile saved")
	return nil
}

func runFeed(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("feed", flag.ExitOnError)
	server, _ := clientFlags(fs)
	fs.Parse(args)

	msg, err := feedclient.NewClient(*server, "").Feed(ctx)
	if err != nil {
		return err
	}
	printFeed(os.Stdout, msg, time.Now())
	return nil
}

func runTail(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("tail", flag.ExitOnError)
	server, _ := clientFlags(fs)
	fs.Parse(args)

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	tailer, err := feedclient.NewTailer(*server, logger)
	if err != nil {
		return err
	}

	err = tailer.Tail(ctx, func(msg api.FeedMessage) {
		fmt.Printf("--- %s ---\n", time.Now().Format(time.TimeOnly))
		printFeed(os.Stdout, msg, time.Now())
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func runExport(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	dbPath := fs.String("db", envOrDefault("FEED_DB_PATH", "data/feed.db"), "document store path")
	out := fs.String("out", "feed.jsonl.zst", "archive file to write")
	fs.Parse(args)

	store, err := docstore.Open(*dbPath, docstore.Options{})
	if err != nil {
		return fmt.Errorf("open document store: %w", err)
	}
	defer store.Close()

	f, err := os.Create(*out)
	if err != nil {
		return fmt.Errorf("create archive: %w", err)
	}
	defer f.Close()

	res, err := export.Feed(ctx, store, f)
	if err != nil {
		return err
	}
	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat archive: %w", err)
	}

	fmt.Printf("Exported %s posts to %s (%s)\n",
		humanize.Comma(int64(res.Posts)), *out, humanize.Bytes(uint64(info.Size())))
	if res.Malformed > 0 {
		fmt.Printf("Skipped %s malformed documents\n", humanize.Comma(int64(res.Malformed)))
	}
	return nil
}

func runInspect(args []string) error {
	fs := flag.NewFlagSet("inspect", flag.ExitOnError)
	fs.Parse(args)

	if fs.NArg() != 1 {
		return fmt.Errorf("usage: feedctl inspect <archive>")
	}
	f, err := os.Open(fs.Arg(0))
	if err != nil {
		return err
	}
	defer f.Close()

	posts, err := export.Read(f)
	if err != nil {
		return err
	}
	printFeed(os.Stdout, api.FeedMessage{State: domain.StatusReady.String(), Posts: posts}, time.Now())
	return nil
}

func printFeed(w io.Writer, msg api.FeedMessage, now time.Time) {
	switch msg.State {
	case domain.StatusLoading.String():
		fmt.Fprintln(w, "Loading...")
		return
	case domain.StatusFailed.String():
		fmt.Fprintf(w, "Feed unavailable: %s\n", msg.Error)
		return
	}

	if len(msg.Posts) == 0 {
		fmt.Fprintln(w, "No posts yet")
		return
	}
	for _, p := range msg.Posts {
		fmt.Fprintf(w, "%s %s · %s  [%s]\n",
			p.AuthorDisplayName, p.AuthorHandle, domain.FormatTimeAgo(p.CreatedAt, now), p.ID)
		fmt.Fprintf(w, "  %s\n", p.Content)
		fmt.Fprintf(w, "  ♥ %s  ⟳ %s  (%s)\n\n",
			domain.FormatCount(len(p.Likes)), domain.FormatCount(len(p.Retweets)), humanize.Time(p.CreatedAt))
	}
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
