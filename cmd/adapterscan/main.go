// adapterscan inspects a LoRA adapter directory the same way the API does
// at startup and prints what it finds. Useful after dropping new
// safetensors files into place.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"

	"signforge/internal/adapters"
)

func main() {
	var (
		dirFlag    string
		jsonFlag   bool
		promptFlag string
	)

	flag.StringVar(&dirFlag, "dir", "loras", "adapter directory to scan")
	flag.BoolVar(&jsonFlag, "json", false, "emit the registry as JSON")
	flag.StringVar(&promptFlag, "suggest", "", "print the adapter suggestion for a prompt")
	flag.Parse()

	registry := adapters.NewRegistry(dirFlag, zerolog.New(io.Discard))
	count, err := registry.Scan()
	if err != nil {
		fmt.Fprintf(os.Stderr, "scan failed: %v\n", err)
		os.Exit(1)
	}

	if promptFlag != "" {
		suggestion := registry.Suggest(promptFlag)
		out, _ := json.MarshalIndent(suggestion, "", "  ")
		fmt.Println(string(out))
		return
	}

	if jsonFlag {
		out, _ := json.MarshalIndent(registry.Grouped(), "", "  ")
		fmt.Println(string(out))
		return
	}

	fmt.Printf("%d adapter(s) under %s\n", count, dirFlag)
	for _, domain := range registry.Domains() {
		fmt.Printf("\n%s:\n", domain)
		for _, info := range registry.ByDomain(domain) {
			fmt.Printf("  %-40s weight=%.2f size=%dB", info.Name, info.RecommendedWeight, info.FileSize)
			if info.TrainingRunID != "" {
				fmt.Printf(" run=%s", info.TrainingRunID)
			}
			fmt.Println()
		}
	}
}
