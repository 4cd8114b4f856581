package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"

	"mediagate/internal/archive"
)

const usage = `usage: mediactl <command> [flags]

commands:
  submit [-action A] [-wait] <path>...   upload a file, or zip several paths first
  status <job-id>                        show a job
  cancel <job-id>                        cancel a pending or running job
  download [-o dir] <job-id>             fetch a completed job's output
  history [-limit N]                     list recent jobs
  stats                                  show usage counters
  settings [show|reset|set <json>]       read or change processing settings

environment:
  MEDIAGATE_URL   server base URL (default http://localhost:8080)
  MEDIAGATE_USER  user ID sent with every request
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	user := os.Getenv("MEDIAGATE_USER")
	if user == "" {
		fmt.Fprintln(os.Stderr, "Error: MEDIAGATE_USER is not set")
		os.Exit(2)
	}
	baseURL := os.Getenv("MEDIAGATE_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	client := NewClient(baseURL, user)
	if err := run(ctx, client, os.Args[1], os.Args[2:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if IsRetryable(err) {
			fmt.Fprintln(os.Stderr, "The request was throttled; try again later.")
		}
		os.Exit(1)
	}
}

func run(ctx context.Context, client *Client, cmd string, args []string, out io.Writer) error {
	switch cmd {
	case "submit":
		fs := flag.NewFlagSet("submit", flag.ContinueOnError)
		action := fs.String("action", "", "action to run, e.g. convert_audio:mp3")
		wait := fs.Bool("wait", false, "block until the job finishes")
		if err := fs.Parse(args); err != nil {
			return err
		}
		return submit(ctx, client, fs.Args(), *action, *wait, out)

	case "status":
		if len(args) != 1 {
			return fmt.Errorf("status takes one job ID")
		}
		job, err := client.Job(ctx, args[0])
		if err != nil {
			return err
		}
		return printJSON(out, job)

	case "cancel":
		if len(args) != 1 {
			return fmt.Errorf("cancel takes one job ID")
		}
		if err := client.Cancel(ctx, args[0]); err != nil {
			return err
		}
		fmt.Fprintf(out, "✓ Cancellation requested for %s\n", args[0])
		return nil

	case "download":
		fs := flag.NewFlagSet("download", flag.ContinueOnError)
		dir := fs.String("o", ".", "directory to write the output into")
		if err := fs.Parse(args); err != nil {
			return err
		}
		if fs.NArg() != 1 {
			return fmt.Errorf("download takes one job ID")
		}
		path, err := client.Download(ctx, fs.Arg(0), *dir)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "✓ Saved %s\n", path)
		return nil

	case "history":
		fs := flag.NewFlagSet("history", flag.ContinueOnError)
		limit := fs.Int("limit", 10, "number of entries")
		if err := fs.Parse(args); err != nil {
			return err
		}
		entries, err := client.History(ctx, *limit)
		if err != nil {
			return err
		}
		return printJSON(out, entries)

	case "stats":
		stats, err := client.Stats(ctx)
		if err != nil {
			return err
		}
		return printJSON(out, stats)

	case "settings":
		return settingsCmd(ctx, client, args, out)
	}
	return fmt.Errorf("unknown command %q\n\n%s", cmd, usage)
}

// submit uploads a single regular file as-is. Several paths, or a
// directory, are bundled into one zip first.
func submit(ctx context.Context, client *Client, paths []string, action string, wait bool, out io.Writer) error {
	parsed, err := archive.ParseArgs(paths)
	if err != nil {
		return err
	}

	path, name := parsed[0].FullPath, filepath.Base(parsed[0].FullPath)
	if len(parsed) > 1 || parsed[0].Kind == archive.PathDir {
		zipPath, cleanup, err := bundle(parsed)
		if err != nil {
			return err
		}
		defer cleanup()
		path, name = zipPath, "bundle.zip"
	}

	res, err := client.Submit(ctx, path, name, action, wait)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "✓ Submitted %s as job %v\n", name, res["job_id"])
	return printJSON(out, res)
}

func bundle(parsed []archive.ParsedPath) (string, func(), error) {
	tree, err := archive.Build(parsed)
	if err != nil {
		return "", nil, fmt.Errorf("failed to build file tree: %w", err)
	}

	f, err := os.CreateTemp("", "mediactl-*.zip")
	if err != nil {
		return "", nil, err
	}
	cleanup := func() { os.Remove(f.Name()) }
	if err := tree.WriteZip(f); err != nil {
		f.Close()
		cleanup()
		return "", nil, fmt.Errorf("failed to compress: %w", err)
	}
	if err := f.Close(); err != nil {
		cleanup()
		return "", nil, err
	}
	return f.Name(), cleanup, nil
}

func settingsCmd(ctx context.Context, client *Client, args []string, out io.Writer) error {
	sub := "show"
	if len(args) > 0 {
		sub = args[0]
	}

	var (
		st  map[string]any
		err error
	)
	switch sub {
	case "show":
		st, err = client.Settings(ctx)
	case "reset":
		st, err = client.ResetSettings(ctx)
	case "set":
		if len(args) != 2 {
			return fmt.Errorf(`settings set takes one JSON document, e.g. '{"audio":{"bitrate":"320k"}}'`)
		}
		if !json.Valid([]byte(args[1])) {
			return fmt.Errorf("settings patch is not valid JSON")
		}
		st, err = client.UpdateSettings(ctx, json.RawMessage(args[1]))
	default:
		return fmt.Errorf("unknown settings command %q", sub)
	}
	if err != nil {
		return err
	}
	return printJSON(out, st)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
