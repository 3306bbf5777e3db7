package main

import (
	"context"
	"fmt"
	"io"
	"mime"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/pkg/errors"
	"github.com/spf13/pflag"

	"github.com/sheerbytes/piping/internal/clienthttp"
	"github.com/sheerbytes/piping/internal/progress"
)

const version = "v0.1.0"

func main() {
	args := os.Args[1:]
	if len(args) == 0 {
		printUsage()
		os.Exit(2)
	}
	if hasVersionFlag(args[:1]) {
		fmt.Println(version)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var err error
	switch args[0] {
	case "send":
		err = runSend(ctx, args[1:])
	case "recv", "receive":
		err = runRecv(ctx, args[1:])
	default:
		if hasHelpFlag(args) {
			printUsage()
			return
		}
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(2)
	}
	if err != nil && !errors.Is(err, pflag.ErrHelp) {
		fmt.Fprintf(os.Stderr, "pipe: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: pipe <command> [args]")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  send  stream a file or stdin to a path")
	fmt.Fprintln(os.Stderr, "  recv  wait for a sender on a path and write its stream")
	fmt.Fprintln(os.Stderr, "quick examples:")
	fmt.Fprintln(os.Stderr, "  pipe send http://localhost:8080/mypath ./file.zip")
	fmt.Fprintln(os.Stderr, "  echo hello | pipe send -n 2 http://localhost:8080/mypath")
	fmt.Fprintln(os.Stderr, "  pipe recv http://localhost:8080/mypath ./out.zip")
}

func commonFlags(name string) (*pflag.FlagSet, *int, *string, *bool) {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	n := fs.IntP("receivers", "n", 0, "number of receivers of the path (0 = server default)")
	countParam := fs.String("count-param", "n", "query parameter carrying the receiver count")
	quiet := fs.BoolP("quiet", "q", false, "do not print progress")
	return fs, n, countParam, quiet
}

func runSend(ctx context.Context, args []string) error {
	fs, n, countParam, quiet := commonFlags("send")
	contentType := fs.String("type", "", "content type of the stream (guessed from the file name when empty)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 1 || fs.NArg() > 2 {
		return errors.New("usage: pipe send [flags] <url> [file]")
	}
	target := fs.Arg(0)

	opts := clienthttp.SendOptions{Receivers: *n, ContentType: *contentType}
	var in io.Reader = os.Stdin
	if fs.NArg() == 2 {
		f, err := os.Open(fs.Arg(1))
		if err != nil {
			return err
		}
		defer f.Close()
		info, err := f.Stat()
		if err != nil {
			return err
		}
		in = f
		opts.Size = info.Size()
		opts.Filename = filepath.Base(f.Name())
		if opts.ContentType == "" {
			opts.ContentType = mime.TypeByExtension(filepath.Ext(f.Name()))
		}
	}

	res, err := newClient(*countParam, *quiet).Send(ctx, target, in, opts)
	endProgress(*quiet)
	if err != nil {
		return err
	}
	fmt.Fprint(os.Stderr, res.Report)
	return nil
}

func runRecv(ctx context.Context, args []string) error {
	fs, n, countParam, quiet := commonFlags("recv")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 1 || fs.NArg() > 2 {
		return errors.New("usage: pipe recv [flags] <url> [file]")
	}

	var out io.Writer = os.Stdout
	if fs.NArg() == 2 {
		f, err := os.Create(fs.Arg(1))
		if err != nil {
			return err
		}
		defer f.Close()
		out = f
	}
	res, err := newClient(*countParam, *quiet).Receive(ctx, fs.Arg(0), out, *n)
	endProgress(*quiet)
	if err != nil {
		return err
	}
	if !*quiet {
		fmt.Fprintf(os.Stderr, "received %s (%s)\n", datasize.ByteSize(res.Bytes).HumanReadable(), res.ContentType)
	}
	return nil
}

func newClient(countParam string, quiet bool) *clienthttp.Client {
	opts := []clienthttp.Option{clienthttp.WithCountParam(countParam)}
	if !quiet && isTTY(os.Stderr) {
		opts = append(opts, clienthttp.WithProgress(200*time.Millisecond, printProgress))
	}
	return clienthttp.New(opts...)
}

func endProgress(quiet bool) {
	if !quiet && isTTY(os.Stderr) {
		fmt.Fprintln(os.Stderr)
	}
}

func printProgress(s progress.Stats) {
	done := datasize.ByteSize(s.Bytes).HumanReadable()
	rate := datasize.ByteSize(uint64(s.RateBps)).HumanReadable()
	if s.Total > 0 {
		fmt.Fprintf(os.Stderr, "\r%s / %s (%.1f%%) %s/s   ",
			done, datasize.ByteSize(s.Total).HumanReadable(), s.Percent, rate)
		return
	}
	fmt.Fprintf(os.Stderr, "\r%s %s/s   ", done, rate)
}

func hasHelpFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--help" || arg == "-h" {
			return true
		}
	}
	return false
}

func hasVersionFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--version" || arg == "-v" {
			return true
		}
	}
	return false
}

func isTTY(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}
