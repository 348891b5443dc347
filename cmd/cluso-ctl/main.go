package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/dd0wney/cluso-ha/pkg/audit"
	"github.com/dd0wney/cluso-ha/pkg/auth"
	"github.com/dd0wney/cluso-ha/pkg/cluster"
	"github.com/dd0wney/cluso-ha/pkg/transport"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

const usage = `Usage: cluso-ctl [flags] <command>

Commands:
  create          create a cluster with the node as primary
  join TARGET     join the cluster TARGET belongs to (tcp://host:port)
  leave           leave the cluster
  info            show the node and its membership view
  consensus       show term, vote and role
  verify-journal FILE
                  check the hash chain of a node's event journal
  version         print the version
  help            show this help

Flags:
`

type options struct {
	node    string
	secret  string
	timeout time.Duration
}

func main() {
	fs := flag.NewFlagSet("cluso-ctl", flag.ExitOnError)
	var opts options
	fs.StringVar(&opts.node, "node", "tcp://127.0.0.1:7400", "Control endpoint of the node")
	fs.StringVar(&opts.secret, "secret", os.Getenv("CLUSO_SECRET"), "Cluster secret (default $CLUSO_SECRET)")
	fs.DurationVar(&opts.timeout, "timeout", 10*time.Second, "Request timeout")
	fs.Usage = func() {
		fmt.Fprint(fs.Output(), usage)
		fs.PrintDefaults()
	}
	fs.Parse(os.Args[1:])

	if err := run(context.Background(), opts, fs.Args()); err != nil {
		if errors.Is(err, errUsage) {
			fs.Usage()
			os.Exit(2)
		}
		fmt.Fprintln(os.Stderr, errorStyle.Render("✗ "+err.Error()))
		os.Exit(1)
	}
}

var errUsage = errors.New("usage")

func run(ctx context.Context, opts options, args []string) error {
	if len(args) == 0 {
		return errUsage
	}

	switch args[0] {
	case "version":
		fmt.Println("cluso-ctl", version)
		return nil
	case "help", "-h", "--help":
		return errUsage
	case "verify-journal":
		if len(args) != 2 {
			return errUsage
		}
		n, err := audit.Verify(args[1])
		if err != nil {
			return err
		}
		fmt.Println(successStyle.Render(fmt.Sprintf("✓ %d events intact", n)))
		return nil
	}

	client, closeFn, err := dial(opts)
	if err != nil {
		return err
	}
	defer closeFn()

	switch args[0] {
	case "create":
		info, err := client.Create(ctx, opts.node)
		if err != nil {
			return fmt.Errorf("create failed: %w", err)
		}
		fmt.Println(successStyle.Render("✓ cluster created"))
		fmt.Println(renderInfo(info))

	case "join":
		if len(args) != 2 {
			return errUsage
		}
		info, err := client.Join(ctx, opts.node, args[1])
		if err != nil {
			return fmt.Errorf("join failed: %w", err)
		}
		fmt.Println(successStyle.Render("✓ joined via " + args[1]))
		fmt.Println(renderInfo(info))

	case "leave":
		if err := client.Leave(ctx, opts.node); err != nil {
			return fmt.Errorf("leave failed: %w", err)
		}
		fmt.Println(successStyle.Render("✓ left the cluster"))

	case "info", "status":
		info, err := client.Info(ctx, opts.node)
		if err != nil {
			return err
		}
		fmt.Println(renderInfo(info))

	case "consensus":
		state, err := client.Consensus(ctx, opts.node)
		if err != nil {
			return err
		}
		fmt.Println(renderConsensus(state))

	default:
		return fmt.Errorf("unknown command %q", args[0])
	}
	return nil
}

func dial(opts options) (*cluster.Client, func() error, error) {
	var tokens *auth.PeerTokens
	if opts.secret != "" {
		var err error
		if tokens, err = auth.NewPeerTokens(opts.secret, opts.timeout); err != nil {
			return nil, nil, err
		}
	}
	tr, err := transport.New("mangos", transport.Options{CallTimeout: opts.timeout})
	if err != nil {
		return nil, nil, err
	}
	caller := transport.NewSignedCaller(tr, tokens)
	return cluster.NewClient(caller, "cluso-ctl", opts.timeout), tr.Close, nil
}
