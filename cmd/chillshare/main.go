package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"chillchat/internal/client"
	"chillchat/internal/server/auth"
)

const usage = `usage: chillshare [-server URL] [-token TOKEN] <command> [flags] [args]

commands:
  send [-password P|-] [-max N] <paths...>   pack files into a ZIP and share it
  info <CODE>                                show what a share code points to
  get [-o FILE] [-password P] <CODE>         download a share
  token -user ID [-name NAME] [-secret S]    mint a development bearer token
`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("chillshare", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() { fmt.Fprint(stderr, usage) }
	server := fs.String("server", envOr("CHILLSHARE_SERVER", "http://localhost:8080"), "server base URL")
	token := fs.String("token", os.Getenv("CHILLSHARE_TOKEN"), "bearer token")
	if err := fs.Parse(args); err != nil {
		return err
	}

	rest := fs.Args()
	if len(rest) == 0 {
		fs.Usage()
		return errors.New("no command given")
	}

	c := client.New(*server, *token, nil)
	switch cmd, cmdArgs := rest[0], rest[1:]; cmd {
	case "send":
		return send(ctx, c, cmdArgs, stdout, stderr)
	case "info":
		return info(ctx, c, cmdArgs, stdout, stderr)
	case "get":
		return get(ctx, c, cmdArgs, stdout, stderr)
	case "token":
		return mintToken(cmdArgs, stdout, stderr)
	default:
		fs.Usage()
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func send(ctx context.Context, c *client.Client, args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("send", flag.ContinueOnError)
	fs.SetOutput(stderr)
	password := fs.String("password", "", `protect the share with a password ("-" prompts)`)
	maxDownloads := fs.Int("max", 0, "number of downloads allowed (server default when 0)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *password == "-" {
		pw, err := client.PromptPassword(stderr, "Share password: ")
		if err != nil {
			return err
		}
		*password = pw
	}

	sources, err := client.ParseSources(fs.Args())
	if err != nil {
		return err
	}
	bundle, err := client.Pack(sources, time.Now())
	if err != nil {
		return err
	}
	data, err := bundle.Zip()
	if err != nil {
		return fmt.Errorf("compress: %w", err)
	}
	fmt.Fprintf(stderr, "✓ Packed %d files (%d bytes) into %d bytes\n", len(bundle.Entries()), bundle.Size(), len(data))

	issued, err := c.Upload(ctx, bundle.Name, data, client.UploadOptions{
		Password:     *password,
		MaxDownloads: *maxDownloads,
	})
	if err != nil {
		return err
	}

	fmt.Fprintf(stdout, "Share code: %s\n", issued.ShareCode)
	fmt.Fprintf(stdout, "Expires:    %s (in %s)\n",
		issued.ExpiresAt.Local().Format(time.Kitchen),
		time.Until(issued.ExpiresAt).Round(time.Second))
	fmt.Fprintf(stdout, "Downloads:  %d\n", issued.MaxDownloads)
	return nil
}

func info(ctx context.Context, c *client.Client, args []string, stdout, stderr io.Writer) error {
	if len(args) != 1 {
		return errors.New("info needs exactly one share code")
	}
	i, err := c.Info(ctx, args[0])
	if err != nil {
		return err
	}

	status := "available"
	if !i.CanDownload {
		status = "unavailable"
	}
	fmt.Fprintf(stdout, "%s  %s  %d bytes  %s\n", i.ShareCode, i.FileName, i.FileSize, status)
	fmt.Fprintf(stdout, "downloads %d/%d, expires %s\n", i.DownloadCount, i.MaxDownloads, i.ExpiresAt.Local().Format(time.RFC1123))
	if i.HasPassword {
		fmt.Fprintln(stdout, "password protected")
	}
	return nil
}

func get(ctx context.Context, c *client.Client, args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("get", flag.ContinueOnError)
	fs.SetOutput(stderr)
	out := fs.String("o", "", "output file (defaults to the shared file name)")
	password := fs.String("password", "", "share password")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("get needs exactly one share code")
	}
	code := fs.Arg(0)

	// Downloads are spooled to a temp file so a failed transfer leaves
	// nothing behind under the final name.
	dir := "."
	if *out != "" {
		dir = filepath.Dir(*out)
	}
	tmp, err := os.CreateTemp(dir, ".chillshare-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	name, err := c.Download(ctx, code, *password, tmp)
	if errors.Is(err, client.ErrPasswordRequired) && *password == "" && client.Interactive() {
		pw, perr := client.PromptPassword(stderr, "Share password: ")
		if perr != nil {
			return perr
		}
		name, err = c.Download(ctx, code, pw, tmp)
	}
	if err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	dest := *out
	if dest == "" {
		dest = filepath.Base(name)
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "Saved %s\n", dest)
	return nil
}

func mintToken(args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	fs.SetOutput(stderr)
	user := fs.String("user", "", "user id to put in the token")
	name := fs.String("name", "", "display name")
	secret := fs.String("secret", envOr("CHILLCHAT_SECURITY_JWTSECRET", "dev-secret-change-me"), "signing secret shared with the server")
	ttl := fs.Duration("ttl", 24*time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *user == "" {
		return errors.New("token needs -user")
	}

	tok, err := auth.NewTokens(*secret, *ttl).Issue(*user, *name)
	if err != nil {
		return err
	}
	fmt.Fprintln(stdout, tok)
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
