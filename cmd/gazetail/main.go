// gazetail - follow the harness diagnostics log from a terminal
//
// Connects to /ws/logs and prints every record in the log panel format.
//
// Usage:
//
//	go run ./cmd/gazetail
//	go run ./cmd/gazetail -addr localhost:8090 -tag cal,hb
package main

import (
	"flag"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/websocket"

	"github.com/teslashibe/go-gazecal/internal/config"
	"github.com/teslashibe/go-gazecal/pkg/diagnostics"
	"github.com/teslashibe/go-gazecal/pkg/protocol"
)

func main() {
	addr := flag.String("addr", "localhost:"+config.Port(), "Harness address")
	tags := flag.String("tag", "", "Comma-separated tags to show (empty shows all)")
	retry := flag.Duration("retry", 2*time.Second, "Reconnect delay")
	flag.Parse()

	filter := make(map[string]bool)
	for _, t := range strings.Split(*tags, ",") {
		if t = strings.TrimSpace(t); t != "" {
			filter[t] = true
		}
	}

	u := url.URL{Scheme: "ws", Host: *addr, Path: "/ws/logs"}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		os.Exit(0)
	}()

	for {
		if err := tail(u.String(), filter); err != nil {
			fmt.Fprintf(os.Stderr, "⚠️  %v (retrying in %s)\n", err, *retry)
		}
		time.Sleep(*retry)
	}
}

// tail prints records until the connection drops
func tail(addr string, filter map[string]bool) error {
	conn, _, err := websocket.DefaultDialer.Dial(addr, nil)
	if err != nil {
		return fmt.Errorf("connect %s: %w", addr, err)
	}
	defer conn.Close()
	fmt.Fprintf(os.Stderr, "📜 Following %s\n", addr)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		msg, err := protocol.ParseMessage(data)
		if err != nil || msg.Type != protocol.TypeLog {
			continue
		}
		var r diagnostics.Record
		if err := msg.ParseData(&r); err != nil {
			continue
		}
		if len(filter) > 0 && !filter[r.Tag] {
			continue
		}
		fmt.Println(r.Line())
	}
}
