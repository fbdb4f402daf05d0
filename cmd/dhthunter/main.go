package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jayian1890/dhthunter/core/common"
	"github.com/jayian1890/dhthunter/core/node"
	"github.com/jayian1890/dhthunter/utils"
)

func main() {
	cfg := node.DefaultConfig()

	port := flag.Int("port", cfg.ListenPort, "UDP listen port")
	metadataDir := flag.String("metadata-dir", cfg.MetadataBaseDir, "metadata store directory")
	tablePath := flag.String("table", cfg.RoutingTablePath, "routing table snapshot path")
	verbose := flag.Bool("verbose", false, "enable debug logging")
	getPeers := flag.String("get-peers", "", "run a one-shot get_peers lookup for a hex infohash and exit")
	flag.Parse()

	cfg.ListenPort = *port
	cfg.MetadataBaseDir = *metadataDir
	cfg.RoutingTablePath = *tablePath

	logLevel := slog.LevelInfo
	if *verbose {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	console := utils.DefaultLogger("dhthunter")

	n, err := node.New(cfg, logger)
	if err != nil {
		console.Fatal("node setup failed", utils.Err(err))
	}
	if err := n.Start(); err != nil {
		console.Fatal("node start failed", utils.Err(err))
	}
	console.Info("listening",
		utils.String("addr", n.Addr().String()),
		utils.String("node_id", n.ID().Hex()),
	)

	events := n.Subscribe(1024)
	go func() {
		for ev := range events.Events() {
			switch ev.Kind {
			case node.EventPeerAnnounced, node.EventPeerDiscovered:
				console.Info(ev.Kind.String(),
					utils.String("infohash", ev.InfoHash.Hex()),
					utils.String("peer", ev.Peer.String()),
				)
			case node.EventLookupFailed:
				console.Debug(ev.Kind.String(), utils.Err(ev.Err))
			}
		}
	}()

	if *getPeers != "" {
		h, err := common.InfoHashFromHex(*getPeers)
		if err != nil {
			console.Fatal("bad infohash", utils.Err(err))
		}
		runOneShot(n, h, console)
		n.Stop()
		return
	}

	shutdown := utils.NewGracefulShutdown(15*time.Second, console)
	shutdown.Register(n.Stop)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	if err := shutdown.Shutdown(context.Background()); err != nil {
		os.Exit(1)
	}
}

// runOneShot waits for bootstrap to take, then performs a single lookup and
// prints the peers it found.
func runOneShot(n *node.Node, h common.InfoHash, console *utils.Logger) {
	deadline := time.Now().Add(2 * time.Minute)
	for n.Table().NodeCount() == 0 {
		if time.Now().After(deadline) {
			console.Error("bootstrap did not complete")
			return
		}
		time.Sleep(500 * time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	res, err := n.GetPeers(ctx, h)
	if err != nil {
		console.Error("lookup failed", utils.Err(err))
		return
	}
	console.Info("lookup finished",
		utils.Int("peers", len(res.Peers)),
		utils.Int("probes", res.Probes),
	)
	for _, peer := range res.Peers {
		fmt.Println(peer.String())
	}
}
