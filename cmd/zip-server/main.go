package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/fatih/color"

	"zipmvp/internal/account"
	"zipmvp/internal/network"
	"zipmvp/internal/proto"
	"zipmvp/internal/server"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("zip-server", flag.ContinueOnError)
	fs.SetOutput(stderr)
	debug := fs.Bool("debug", false, "enable debug logging")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	rest := fs.Args()
	if len(rest) != 1 {
		fmt.Fprintln(stderr, "usage: zip-server [--debug] <port>")
		return 1
	}
	port, err := parsePort(rest[0])
	if err != nil {
		fmt.Fprintf(stderr, "invalid port: %v\n", err)
		return 1
	}
	if *debug {
		_ = os.Setenv("ZIP_DEBUG", "1")
	}

	sock, err := network.Listen(port, false)
	if err != nil {
		fmt.Fprintf(stderr, "bind failed: %v\n", err)
		return 1
	}
	defer sock.Close()

	banner(stdout, port)
	srv := server.New(sock, stdout)
	if err := srv.Run(); err != nil {
		fmt.Fprintf(stderr, "server stopped: %v\n", err)
		return 1
	}
	return 0
}

func parsePort(s string) (int, error) {
	port, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%q is not a number", s)
	}
	if port < 1 || port > 65535 {
		return 0, fmt.Errorf("%d out of range 1-65535", port)
	}
	return port, nil
}

func banner(w io.Writer, port int) {
	title := color.New(color.FgCyan, color.Bold).SprintFunc()
	fmt.Fprintf(w, "%s\n", title("ZIP server"))
	fmt.Fprintf(w, "Listen: 0.0.0.0:%d\n", port)
	fmt.Fprintf(w, "Packet size: %d bytes\n", proto.PacketSize)
	fmt.Fprintf(w, "Initial balance: %d\n", account.InitialBalance)
}
