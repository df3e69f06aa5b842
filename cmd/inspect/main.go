package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"chatsync/pkg/logger"
	"chatsync/pkg/models"
	"chatsync/pkg/store"
)

// inspect dumps a chatsync store offline: pending queue actions and cached
// messages. Run it only while the engine is stopped; pebble takes an
// exclusive lock.
func main() {
	var path string
	var what string
	flag.StringVar(&path, "path", "", "path to the store directory (e.g. ./chatsync-data/store)")
	flag.StringVar(&what, "show", "all", "what to dump: queue|cache|all")
	flag.Parse()
	if path == "" {
		fmt.Fprintln(os.Stderr, "--path required")
		os.Exit(2)
	}
	logger.Init("error")

	kv, err := store.Open(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open store: %v\n", err)
		os.Exit(1)
	}
	defer kv.Close()

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")

	if what == "queue" || what == "all" {
		pairs, err := kv.Scan("queue:")
		if err != nil {
			fmt.Fprintf(os.Stderr, "scan queue: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("pending actions: %d\n", len(pairs))
		for _, p := range pairs {
			var a models.QueuedAction
			if json.Unmarshal(p.Value, &a) != nil {
				fmt.Printf("  %s: <corrupt>\n", p.Key)
				continue
			}
			enc.Encode(a)
		}
	}

	if what == "cache" || what == "all" {
		pairs, err := kv.Scan("conv:")
		if err != nil {
			fmt.Fprintf(os.Stderr, "scan cache: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("cached messages: %d\n", len(pairs))
		for _, p := range pairs {
			var m models.Message
			if json.Unmarshal(p.Value, &m) != nil {
				fmt.Printf("  %s: <corrupt>\n", p.Key)
				continue
			}
			enc.Encode(m)
		}
	}
}
