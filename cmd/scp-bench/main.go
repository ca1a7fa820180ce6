// Command scp-bench drives an scp.Connection against a remote target,
// issuing a burst of single commands to exercise the window/retry path. Flags follow the flat flag.String/flag.Int style of gocanopen's
// own cmd/sdo_client.
package main

import (
	"flag"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	scp "github.com/samscp/scpengine"
	"github.com/samscp/scpengine/pkg/config"
)

func main() {
	log.SetLevel(log.InfoLevel)

	addr := flag.String("addr", "127.0.0.1:17893", "remote host:port")
	confPath := flag.String("conf", "", "optional ini config file (see pkg/config)")
	n := flag.Int("n", 100, "number of commands to send")
	cmd := flag.Int("cmd", 0, "SCP command number to send")
	flag.Parse()

	opts := scp.DefaultOptions()
	if *confPath != "" {
		loaded, err := config.Load(*confPath)
		if err != nil {
			log.Fatalf("loading config: %v", err)
		}
		opts = loaded
	}
	if opts.RemoteAddr == "" {
		opts.RemoteAddr = *addr
	}

	conn, err := scp.Open(opts)
	if err != nil {
		log.Fatalf("open: %v", err)
	}
	defer conn.Close()

	var wg sync.WaitGroup
	start := time.Now()
	for i := 0; i < *n; i++ {
		wg.Add(1)
		target := scp.Target{X: 0, Y: 0, P: 0}
		err := conn.SendSCP(target, uint16(*cmd), uint32(i), 0, 0, 1, nil, 0,
			func(scp.Response) { wg.Done() },
			func(err error) {
				log.Warnf("command %d failed: %v", i, err)
				wg.Done()
			},
		)
		if err != nil {
			log.Fatalf("submit: %v", err)
			wg.Done()
		}
	}
	wg.Wait()

	elapsed := time.Since(start)
	stats := conn.Stats()
	fmt.Printf("sent=%d received=%d retransmits=%d timeouts=%d bad_rc=%d outstanding=%d queued=%d in %s\n",
		stats.Sent, stats.Received, stats.Retransmits, stats.Timeouts, stats.BadRC, stats.Outstanding, stats.Queued, elapsed)
}
