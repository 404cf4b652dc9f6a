package main

import (
	"context"
	"flag"
	"io"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/bladesense/gateway/internal/config"
	"github.com/bladesense/gateway/internal/fsutil"
	"github.com/bladesense/gateway/internal/gateway"
	"github.com/bladesense/gateway/internal/persist"
	"github.com/bladesense/gateway/internal/serialport"
	"github.com/bladesense/gateway/internal/sessionlog"
	"github.com/bladesense/gateway/internal/timeutil"
)

var (
	configPath  = flag.String("config", "", "Path to a JSON configuration file (defaults apply when empty)")
	port        = flag.String("port", "/dev/ttyACM0", "Serial port connected to the base station")
	replayFile  = flag.String("replay", "", "Replay a recorded byte stream from a file instead of the serial port")
	storeURL    = flag.String("store", "", "Base URL of the window object store")
	storeToken  = flag.String("store-token", "", "Bearer token for the object store")
	backupDir   = flag.String("backup-dir", ".backup", "Directory for windows awaiting upload")
	localDir    = flag.String("local-dir", "", "Directory for a rolling local copy of every window (disabled when empty)")
	localLimit  = flag.Int64("local-limit", 1<<30, "Byte budget for the local copy directory")
	journalPath = flag.String("journal", "gateway_sessions.db", "Path to the session journal database")
	routinePath = flag.String("routine", "", "Path to a JSON command routine to run against the node")
	listPorts   = flag.Bool("list-ports", false, "List available serial ports and exit")
)

func main() {
	flag.Parse()

	if *listPorts {
		ports, err := serialport.ListPorts()
		if err != nil {
			log.Fatalf("failed to list serial ports: %v", err)
		}
		for _, p := range ports {
			log.Print(p)
		}
		return
	}

	if *storeURL == "" {
		log.Fatal("store URL is required")
	}

	cfg := config.Default()
	if *configPath != "" {
		var err error
		cfg, err = config.Load(*configPath)
		if err != nil {
			log.Fatalf("failed to load configuration: %v", err)
		}
	}

	clock := timeutil.RealClock{}
	session := persist.NewSession(cfg, clock.Now())
	log.Printf("starting session %s for installation %s (node %s)",
		session.Reference, session.Installation, session.NodeID)

	journal, err := sessionlog.Open(*journalPath)
	if err != nil {
		log.Fatalf("failed to open session journal: %v", err)
	}
	defer journal.Close()
	if err := journal.StartSession(session); err != nil {
		log.Fatalf("failed to record session: %v", err)
	}

	fs := fsutil.OSFileSystem{}
	spool, err := persist.NewSpool(fs, *backupDir)
	if err != nil {
		log.Fatalf("failed to open backup spool: %v", err)
	}

	var local *persist.LocalWriter
	if *localDir != "" {
		local, err = persist.NewLocalWriter(fs, *localDir, *localLimit)
		if err != nil {
			log.Fatalf("failed to open local output directory: %v", err)
		}
	}

	store := persist.NewHTTPStore(nil, *storeURL, *storeToken)
	uploader := persist.NewUploader(store, spool, local, session, cfg, clock)

	var stream io.ReadCloser
	var sender *serialport.CommandSender
	if *replayFile != "" {
		stream, err = os.Open(*replayFile)
		if err != nil {
			log.Fatalf("failed to open replay file: %v", err)
		}
	} else {
		serialPort, err := serialport.Open(*port, cfg)
		if err != nil {
			log.Fatalf("failed to open serial port: %v", err)
		}
		stream = serialPort
		sender = serialport.NewCommandSender(serialPort)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup

	// Closing the stream on cancellation unblocks a read in flight so the
	// pipeline can flush and exit.
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-ctx.Done()
		stream.Close()
	}()

	if *routinePath != "" {
		if sender == nil {
			log.Fatal("a command routine needs a live serial port, not a replay")
		}
		routine, err := serialport.LoadRoutine(*routinePath, sender)
		if err != nil {
			log.Fatalf("failed to load routine: %v", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := routine.Run(ctx); err != nil {
				log.Printf("routine terminated: %v", err)
			}
			log.Print("routine complete")
		}()
	}

	runner := gateway.NewRunner(cfg, session, stream, uploader, journal, clock)
	err = runner.Run(ctx)
	stop()
	wg.Wait()

	if err != nil {
		log.Fatalf("gateway terminated: %v", err)
	}
	log.Print("gateway shutdown complete")
}
