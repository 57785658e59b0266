package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/basket/labsched/internal/config"
	"github.com/basket/labsched/internal/doctor"
)

func runDoctor(ctx context.Context, cfg *config.Config, jsonOutput bool) int {
	diag := doctor.Run(ctx, cfg, Version)

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(diag); err != nil {
			fmt.Fprintf(os.Stderr, "Error encoding json: %v\n", err)
			return 1
		}
		if diag.Failed() {
			return 1
		}
		return 0
	}

	fmt.Printf("labsched doctor report (%s)\n", diag.Timestamp.Format(time.RFC3339))
	fmt.Printf("System: %s/%s (%s)\n", diag.System.OS, diag.System.Arch, diag.System.Go)
	fmt.Println("---")

	for _, res := range diag.Results {
		marker := "PASS"
		switch res.Status {
		case "FAIL":
			marker = "FAIL"
		case "WARN":
			marker = "WARN"
		case "SKIP":
			marker = "skip"
		}
		fmt.Printf("[%s] %-12s: %s\n", marker, res.Name, res.Message)
		if res.Detail != "" {
			fmt.Printf("       %s\n", res.Detail)
		}
	}

	if diag.Failed() {
		return 1
	}
	return 0
}
