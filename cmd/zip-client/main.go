package main

import (
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"

	"github.com/fatih/color"

	"zipmvp/internal/client"
	"zipmvp/internal/network"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

func run(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("zip-client", flag.ContinueOnError)
	fs.SetOutput(stderr)
	debug := fs.Bool("debug", false, "enable debug logging")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	rest := fs.Args()
	if len(rest) < 1 || len(rest) > 2 {
		fmt.Fprintln(stderr, "usage: zip-client [--debug] <port> [server-ip]")
		return 1
	}
	port, err := parsePort(rest[0])
	if err != nil {
		fmt.Fprintf(stderr, "invalid port: %v\n", err)
		return 1
	}
	dest := &net.UDPAddr{IP: net.IPv4bcast, Port: port}
	if len(rest) == 2 {
		ip := net.ParseIP(rest[1])
		if ip == nil || ip.To4() == nil {
			fmt.Fprintf(stderr, "invalid server address %q\n", rest[1])
			return 1
		}
		dest = &net.UDPAddr{IP: ip, Port: port}
	}
	if *debug {
		_ = os.Setenv("ZIP_DEBUG", "1")
	}

	// Ephemeral port; broadcast capability is needed for discovery.
	sock, err := network.Listen(0, true)
	if err != nil {
		fmt.Fprintf(stderr, "bind failed: %v\n", err)
		return 1
	}
	defer sock.Close()

	banner(stdout, dest)
	c := client.New(sock, stdout, client.Options{})
	if err := c.Discover(dest); err != nil {
		fmt.Fprintf(stderr, "discovery failed: %v\n", err)
		return 1
	}
	if err := c.Run(stdin); err != nil {
		fmt.Fprintf(stderr, "input loop failed: %v\n", err)
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

func banner(w io.Writer, dest *net.UDPAddr) {
	title := color.New(color.FgGreen, color.Bold).SprintFunc()
	fmt.Fprintf(w, "%s\n", title("ZIP client"))
	if dest.IP.Equal(net.IPv4bcast) {
		fmt.Fprintf(w, "Discovery: broadcast to %v\n", dest)
	} else {
		fmt.Fprintf(w, "Discovery: direct to %v\n", dest)
	}
	fmt.Fprintln(w, "Input: <dst-ipv4> <value> per line")
}
