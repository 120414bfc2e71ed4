// Command demo exercises a freshly opened memcore Engine end to end:
// load configuration, create a few memories, then run an intelligent
// search against them. It is not a server — memcore's transport layer
// (MCP/HTTP/whatever a caller wants) is an explicit non-goal of this
// core, per spec.md §1.
package main

import (
	"context"
	"fmt"
	"log"

	"memcore/internal/config"
	"memcore/internal/coordinator"
	"memcore/internal/engine"
	"memcore/pkg/types"
)

func main() {
	fmt.Println("memcore demo")
	fmt.Println("============")

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Printf("failed to load config, using defaults: %v", err)
		cfg = config.DefaultConfig()
	}
	cfg.Storage.DSN = "memcore-demo.db"

	ctx := context.Background()
	eng, err := engine.Open(ctx, cfg, engine.Options{})
	if err != nil {
		log.Fatalf("failed to open engine: %v", err)
	}
	defer func() {
		if err := eng.Close(); err != nil {
			log.Printf("close error: %v", err)
		}
	}()

	seed := []string{
		"the deploy pipeline now retries failed steps twice before paging",
		"remember to renew the TLS certificate before it expires next month",
		"cats and dogs are pets that bring a lot of joy",
	}
	for _, content := range seed {
		chunk, err := eng.Coordinator.CreateMemory(ctx, coordinator.CreateMemoryOptions{
			Content: content,
			Backend: "lightmemo",
			Source:  types.SourceMemory,
			Owner:   types.Owner{UserID: "demo-user", CharacterName: "lightmemo"},
		})
		if err != nil {
			log.Fatalf("create memory failed: %v", err)
		}
		fmt.Printf("stored %s: %q\n", chunk.ID, chunk.Content)
	}

	results, err := eng.Coordinator.IntelligentSearch(ctx, coordinator.SearchOptions{
		Query: "certificate renewal",
		TopK:  3,
	})
	if err != nil {
		log.Fatalf("search failed: %v", err)
	}

	fmt.Println("\nsearch results for \"certificate renewal\":")
	for _, r := range results.Results {
		fmt.Printf("  [%.3f] %s\n", r.Score, r.Chunk.Content)
	}
}
