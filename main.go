package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"time"

	"beacon/engine"
	"beacon/engine/models"
)

func main() {
	var (
		configPath    string
		eventsFile    string
		snapshotEvery time.Duration
		teardownSec   int
		showVersion   bool
	)

	flag.StringVar(&configPath, "config", "", "Path to YAML configuration file")
	flag.StringVar(&eventsFile, "events", "", "Path to a JSON-lines file of events to submit (-=stdin)")
	flag.DurationVar(&snapshotEvery, "snapshot-interval", 10*time.Second, "Interval between progress snapshots (0=disabled)")
	flag.IntVar(&teardownSec, "teardown-timeout", 5, "Seconds to wait for FlushAndTeardown on shutdown")
	flag.BoolVar(&showVersion, "version", false, "Show version / build info")
	flag.Parse()

	if showVersion {
		fmt.Println("beacon telemetry client CLI")
		return
	}

	if configPath == "" {
		log.Fatal("must specify -config")
	}

	logger, err := engine.InitializeFromFile(configPath)
	if err != nil {
		log.Fatalf("initialize: %v", err)
	}
	logger.InfoCtx(context.Background(), "engine initialized", "config", configPath)

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		log.Println("signal received; flushing and tearing down...")
		abandoned := engine.FlushAndTeardown(time.Duration(teardownSec) * time.Second)
		if abandoned > 0 {
			log.Printf("teardown abandoned %d in-flight requests", abandoned)
		}
		<-sigCh
		log.Println("second signal received; forcing exit")
		os.Exit(1)
	}()

	var ticker *time.Ticker
	done := make(chan struct{})
	if snapshotEvery > 0 {
		ticker = time.NewTicker(snapshotEvery)
		defer ticker.Stop()
		go func() {
			for {
				select {
				case <-ticker.C:
					b, _ := json.MarshalIndent(engine.GetSnapshot(), "", "  ")
					fmt.Fprintf(os.Stderr, "\n=== SNAPSHOT %s ===\n%s\n", time.Now().Format(time.RFC3339), string(b))
				case <-done:
					return
				}
			}
		}()
	}

	if eventsFile != "" {
		if err := submitEvents(eventsFile); err != nil {
			log.Printf("submit events: %v", err)
		}
	}
	close(done)

	final := engine.GetSnapshot()
	b, _ := json.MarshalIndent(final, "", "  ")
	fmt.Fprintf(os.Stderr, "\n=== FINAL SNAPSHOT %s ===\n%s\n", time.Now().Format(time.RFC3339), string(b))

	abandoned := engine.FlushAndTeardown(time.Duration(teardownSec) * time.Second)
	if abandoned > 0 {
		log.Printf("teardown abandoned %d in-flight requests", abandoned)
	}
}

// cliEvent is the JSON-lines shape accepted on the -events input: a
// simplified event with string-only property values, mapped onto
// models.Event's typed Property before submission.
type cliEvent struct {
	Name        string            `json:"name"`
	TenantToken string            `json:"tenantToken"`
	Priority    int               `json:"priority"`
	Properties  map[string]string `json:"properties"`
}

func submitEvents(path string) error {
	var f *os.File
	if path == "-" {
		f = os.Stdin
	} else {
		opened, err := os.Open(path)
		if err != nil {
			return err
		}
		defer func() { _ = opened.Close() }()
		f = opened
	}

	scanner := bufio.NewScanner(f)
	accepted, rejected := 0, 0
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ce cliEvent
		if err := json.Unmarshal(line, &ce); err != nil {
			log.Printf("skip malformed event line: %v", err)
			continue
		}
		props := make(map[string]models.Property, len(ce.Properties))
		for k, v := range ce.Properties {
			props[k] = models.StringProp(v)
		}
		ev := models.Event{
			Name:        ce.Name,
			TenantToken: ce.TenantToken,
			Priority:    models.Priority(ce.Priority),
			Timestamp:   time.Now(),
			Properties:  props,
		}
		if engine.LogEvent(ev) {
			accepted++
		} else {
			rejected++
		}
	}
	log.Printf("submitted events: accepted=%d rejected=%d", accepted, rejected)
	return scanner.Err()
}
