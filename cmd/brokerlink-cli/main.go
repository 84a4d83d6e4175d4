package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"brokerlink/pkg/brokerlink"
)

const version = "0.1.0"

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: brokerlink-cli [-addr host:port] <command> [options]\n\n")
	fmt.Fprintf(os.Stderr, "Commands:\n")
	fmt.Fprintf(os.Stderr, "  version                       Print the CLI version\n")
	fmt.Fprintf(os.Stderr, "  status                        Show brokerlink-server status\n")
	fmt.Fprintf(os.Stderr, "  reconcile [-user ID]          Reconcile orders (all users by default)\n")
	fmt.Fprintf(os.Stderr, "  sync-positions -user ID       Refresh a user's positions\n")
	fmt.Fprintf(os.Stderr, "  evaluate [-user ID]           Run an alert evaluation batch\n")
	fmt.Fprintf(os.Stderr, "  failed-jobs [-limit N]        List failed notification jobs\n")
	fmt.Fprintf(os.Stderr, "\n")
}

func main() {
	addr := flag.String("addr", envOr("BROKERLINK_GRPC_ADDR", "localhost:9090"), "gRPC address of brokerlink-server")
	timeout := flag.Duration("timeout", time.Minute, "request timeout")
	flag.Usage = usage
	flag.Parse()

	args := flag.Args()
	if len(args) < 1 {
		usage()
		os.Exit(1)
	}
	if args[0] == "version" {
		fmt.Printf("brokerlink-cli %s\n", version)
		return
	}

	sub := flag.NewFlagSet(args[0], flag.ExitOnError)
	user := sub.String("user", "", "user id")
	limit := sub.Int("limit", 50, "maximum number of jobs")
	_ = sub.Parse(args[1:])

	cc, err := grpc.NewClient(*addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		fmt.Fprintf(os.Stderr, "connect %s: %v\n", *addr, err)
		os.Exit(1)
	}
	defer cc.Close()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	ops := brokerlink.NewOpsClient(cc)

	var out map[string]any
	switch args[0] {
	case "status":
		out, err = ops.Status(ctx)
	case "reconcile":
		out, err = ops.Reconcile(ctx, *user)
	case "sync-positions":
		if *user == "" {
			fmt.Fprintln(os.Stderr, "sync-positions requires -user")
			os.Exit(1)
		}
		out, err = ops.SyncPositions(ctx, *user)
	case "evaluate":
		out, err = ops.EvaluateAlerts(ctx, *user)
	case "failed-jobs":
		out, err = ops.FailedJobs(ctx, *limit)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", args[0])
		usage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", args[0], err)
		os.Exit(1)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(out)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
