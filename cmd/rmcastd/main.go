// Command rmcastd runs one causal-transport node driven by the stdio test
// harness protocol (SPEC_FULL.md §4.J), grounded on the teacher's core/
// main.go signal-handling + graceful-shutdown shape, generalized from a
// game-server listen loop to a line-oriented stdin command loop.
package main

import (
	"bufio"
	"encoding/base64"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/lanrelay/rmcast/internal/harness"
	"github.com/lanrelay/rmcast/pkg/logging"
	"github.com/lanrelay/rmcast/pkg/metrics"
	"github.com/lanrelay/rmcast/pkg/transport"
)

func main() {
	name := flag.String("name", "node", "local node name announced via whois")
	mtu := flag.Int("mtu", 1200, "link MTU presented to the codec")
	logLevel := flag.String("log-level", "info", "debug|info|warn|error")
	flag.Parse()

	log, err := logging.New(logging.Config{Level: *logLevel})
	if err != nil {
		fmt.Fprintln(os.Stderr, "rmcastd: logger setup:", err)
		os.Exit(1)
	}
	defer log.Sync()

	out := bufio.NewWriter(os.Stdout)
	defer out.Flush()

	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg, "rmcast")
	if err != nil {
		log.Fatalw("metrics setup failed", "error", err)
	}

	sub := harness.New(out, *mtu)

	events := transport.Events{
		Connected: func() {
			fmt.Fprintln(out, "CONNECTED:")
			out.Flush()
		},
		Disconnected: func() {
			fmt.Fprintln(out, "DISCONNECTED:")
			out.Flush()
		},
		NewSender: func(id uint32, name string) {
			fmt.Fprintf(out, "NEWNODES: %s\n", name)
			out.Flush()
		},
		LostSender: func(id uint32, name string) {
			fmt.Fprintf(out, "LOSTNODES: %s\n", name)
			out.Flush()
		},
		SenderFailed: func(id uint32) {
			fmt.Fprintf(out, "FAIL:%d\n", id)
			out.Flush()
		},
		Received: func(senderID uint32, senderName string, streamID uint16, payload []byte) {
			fmt.Fprintf(out, "OUTPUT:%s:%s\n", senderName, base64.StdEncoding.EncodeToString(payload))
			out.Flush()
		},
	}

	tr := transport.New(transport.Config{
		LocalName: *name,
		Substrate: sub,
		Metrics:   m,
		Log:       log,
	}, events)
	defer tr.Close()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Infow("signal received, disconnecting")
		tr.Disconnect()
	}()

	if err := tr.Connect(); err != nil {
		log.Fatalw("connect failed", "error", err)
	}

	runHarnessLoop(os.Stdin, sub, tr, log)
}

// runHarnessLoop drains the harness protocol from r line by line until EOF
// or a DISCONNECT command.
func runHarnessLoop(r *os.File, sub *harness.Substrate, tr *transport.Transport, log *zap.SugaredLogger) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "INPUT:"):
			injectB64(sub, line[len("INPUT:"):], log)
		case strings.HasPrefix(line, "RECV:"):
			injectB64(sub, line[len("RECV:"):], log)
		case line == "DISCONNECT":
			tr.Disconnect()
		case line == "":
			// ignore blank lines between commands
		default:
			log.Debugw("ignoring unrecognized harness line", "line", line)
		}
	}
}

func injectB64(sub *harness.Substrate, enc string, log *zap.SugaredLogger) {
	b, err := base64.StdEncoding.DecodeString(enc)
	if err != nil {
		log.Warnw("bad base64 on harness input", "error", err)
		return
	}
	sub.Inject(b)
}
