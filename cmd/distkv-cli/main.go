package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/matteso1/distkv/internal/rpc"
)

var errNotFound = errors.New("not found")

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	command := os.Args[1]

	switch command {
	case "put", "get", "delete", "persist", "keys", "stats":
		oneShotCmd(command, os.Args[2:])
	case "shell":
		shellCmd(os.Args[2:])
	case "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", command)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`DistKV CLI - Durable Key-Value Store

Usage:
  distkv-cli <command> [options] [args]

Commands:
  put <key> <value>   Store a value
  get <key>           Print the value of a key
  delete <key>        Remove a key
  persist             Compact the server log
  keys                List live keys
  stats               Show engine statistics
  shell               Interactive session
  help                Show this help

Options:
  -server   Server address (default localhost:7070)
  -timeout  Per-request timeout (default 10s)

Examples:
  distkv-cli put name John
  distkv-cli get name
  distkv-cli shell -server db1:7070`)
}

type clientFlags struct {
	server  *string
	timeout *time.Duration
}

func registerFlags(fs *flag.FlagSet) clientFlags {
	return clientFlags{
		server:  fs.String("server", "localhost:7070", "Server address"),
		timeout: fs.Duration("timeout", 10*time.Second, "Per-request timeout"),
	}
}

func dial(addr string) (*grpc.ClientConn, *rpc.KVClient) {
	conn, err := grpc.Dial(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to connect: %v\n", err)
		os.Exit(1)
	}
	return conn, rpc.NewKVClient(conn)
}

func oneShotCmd(command string, args []string) {
	fs := flag.NewFlagSet(command, flag.ExitOnError)
	flags := registerFlags(fs)
	fs.Parse(args)

	conn, client := dial(*flags.server)
	defer conn.Close()

	err := run(client, *flags.timeout, append([]string{command}, fs.Args()...), os.Stdout)
	if errors.Is(err, errNotFound) {
		fmt.Println("NOT FOUND")
		conn.Close()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		conn.Close()
		os.Exit(1)
	}
}

func shellCmd(args []string) {
	fs := flag.NewFlagSet("shell", flag.ExitOnError)
	flags := registerFlags(fs)
	fs.Parse(args)

	conn, client := dial(*flags.server)
	defer conn.Close()

	fmt.Printf("Connected to %s. Type 'help' for commands, 'quit' to exit.\n", *flags.server)

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("distkv> ")
		if !scanner.Scan() {
			fmt.Println()
			return
		}

		fields := splitArgs(scanner.Text())
		if len(fields) == 0 {
			continue
		}

		switch strings.ToLower(fields[0]) {
		case "quit", "exit":
			return
		case "help":
			fmt.Println("put <key> <value> | get <key> | delete <key> | persist | keys | stats | quit")
			continue
		}

		fields[0] = strings.ToLower(fields[0])
		err := run(client, *flags.timeout, fields, os.Stdout)
		switch {
		case errors.Is(err, errNotFound):
			fmt.Println("NOT FOUND")
		case err != nil:
			fmt.Printf("ERROR %v\n", err)
		}
	}
}

// splitArgs splits a shell line into command, key and the rest of the line
// so values may contain spaces.
func splitArgs(line string) []string {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	parts := strings.SplitN(line, " ", 3)
	if strings.EqualFold(parts[0], "put") && len(parts) == 2 {
		parts = append(parts, "")
	}
	return parts
}

// run executes one command against the server and writes its result to out.
func run(client *rpc.KVClient, timeout time.Duration, args []string, out io.Writer) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	switch args[0] {
	case "put":
		if len(args) < 3 {
			return errors.New("usage: put <key> <value>")
		}
		value := strings.Join(args[2:], " ")
		if _, err := client.Put(ctx, &rpc.PutRequest{Key: args[1], Value: value}); err != nil {
			return describe(err)
		}
		fmt.Fprintln(out, "OK")

	case "get":
		if len(args) != 2 {
			return errors.New("usage: get <key>")
		}
		resp, err := client.Get(ctx, &rpc.GetRequest{Key: args[1]})
		if err != nil {
			return describe(err)
		}
		fmt.Fprintln(out, resp.Value)

	case "delete", "del":
		if len(args) != 2 {
			return errors.New("usage: delete <key>")
		}
		if _, err := client.Delete(ctx, &rpc.DeleteRequest{Key: args[1]}); err != nil {
			return describe(err)
		}
		fmt.Fprintln(out, "OK")

	case "persist":
		resp, err := client.Persist(ctx, &rpc.PersistRequest{})
		if err != nil {
			return describe(err)
		}
		fmt.Fprintf(out, "OK (log is %d bytes)\n", resp.LogBytes)

	case "keys":
		resp, err := client.Keys(ctx, &rpc.KeysRequest{})
		if err != nil {
			return describe(err)
		}
		for _, key := range resp.Keys {
			fmt.Fprintln(out, key)
		}

	case "stats":
		resp, err := client.Stats(ctx, &rpc.StatsRequest{})
		if err != nil {
			return describe(err)
		}
		fmt.Fprintf(out, "keys:            %d\n", resp.Keys)
		fmt.Fprintf(out, "log bytes:       %d\n", resp.LogBytes)
		fmt.Fprintf(out, "appended:        %d\n", resp.Appended)
		fmt.Fprintf(out, "compactions:     %d\n", resp.Compactions)
		if resp.LastCompactionUnix > 0 {
			fmt.Fprintf(out, "last compaction: %s\n", time.Unix(resp.LastCompactionUnix, 0).Format(time.RFC3339))
		}
		fmt.Fprintf(out, "replayed:        %d records, %d skipped, %d torn bytes\n",
			resp.ReplayRecords, resp.ReplaySkipped, resp.ReplayTornBytes)

	default:
		return fmt.Errorf("unknown command %q", args[0])
	}
	return nil
}

// describe turns a gRPC status into a short message for the terminal.
func describe(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	if st.Code() == codes.NotFound {
		return errNotFound
	}
	return fmt.Errorf("%s: %s", strings.ToLower(st.Code().String()), st.Message())
}
