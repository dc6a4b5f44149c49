package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	axproxy "github.com/ecnx/axproxy"
)

type cliOptions struct {
	verbose       bool
	loopbackBlock bool
	httpsOnly     bool
	selfRestart   int
	adminAddr     string
}

func main() {
	var opt cliOptions
	cmd := &cobra.Command{
		Use:   "axproxy <ipv4>:<port>",
		Short: "Single-process SOCKS5 forward proxy",
		Long: `axproxy is a single-process, non-blocking SOCKS5 forward proxy.

It accepts client connections, performs the SOCKS5 method-negotiation
and CONNECT handshake, resolves hostnames with its own iterative DNS
resolver, and relays bytes between the client and the upstream peer.
`,
		Example:      "  axproxy 0.0.0.0:1080",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(opt, args[0])
		},
	}

	cmd.Flags().BoolVarP(&opt.verbose, "verbose", "v", false, "emit [axpr]-prefixed log lines to stdout")
	cmd.Flags().BoolVar(&opt.loopbackBlock, "loopback-block", false, "reject CONNECT targets resolving into 127.0.0.0/8")
	cmd.Flags().BoolVar(&opt.httpsOnly, "https-only", false, "reject CONNECT targets whose port is not 443")
	cmd.Flags().IntVar(&opt.selfRestart, "self-restart-sec", int(axproxy.DefaultSelfRestartInterval/time.Second), "cycle the core every N seconds; 0 disables")
	cmd.Flags().StringVar(&opt.adminAddr, "admin-addr", "", "address to serve expvar counters on (e.g. 127.0.0.1:9121); empty disables")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(opt cliOptions, bindArg string) error {
	addr, port, err := parseBind(bindArg)
	if err != nil {
		return errors.Wrap(err, "invalid bind address")
	}

	opts := axproxy.Options{
		BindAddr:      addr,
		BindPort:      port,
		Verbose:       opt.verbose,
		LoopbackBlock: opt.loopbackBlock,
		HTTPSOnly:     opt.httpsOnly,
		AdminAddr:     opt.adminAddr,
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- runSupervised(ctx, opts, opt.selfRestart) }()

	select {
	case <-sig:
		axproxy.Log.Info("stopping")
		cancel()
		<-errCh
		return nil
	case err := <-errCh:
		return err
	}
}

// runSupervised wraps axproxy.Run with the external self-restart
// ticker: every selfRestartSec seconds the running core is canceled
// and re-invoked, bounding the resource leakage a long-lived core
// might otherwise accumulate. selfRestartSec <= 0 disables the
// wrapper entirely.
func runSupervised(ctx context.Context, opts axproxy.Options, selfRestartSec int) error {
	if selfRestartSec <= 0 {
		return axproxy.Run(ctx, opts)
	}

	for {
		runCtx, cancel := context.WithTimeout(ctx, time.Duration(selfRestartSec)*time.Second)
		err := axproxy.Run(runCtx, opts)
		cancel()
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			axproxy.Log.WithField("error", err).Error("core exited")
			time.Sleep(time.Second)
			continue
		}
		axproxy.Log.Info("self-restart cycling core")
	}
}

func parseBind(s string) (string, uint16, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return "", 0, err
	}
	ip := net.ParseIP(host)
	if ip == nil || ip.To4() == nil {
		return "", 0, fmt.Errorf("not an IPv4 address: %s", host)
	}
	port, err := strconv.Atoi(strings.TrimSpace(portStr))
	if err != nil || port < 1 || port > 65535 {
		return "", 0, fmt.Errorf("invalid port: %s", portStr)
	}
	return host, uint16(port), nil
}
