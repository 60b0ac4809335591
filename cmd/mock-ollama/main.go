package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/shpitdev/partcopy/internal/mockollama"
)

func main() {
	addr := defaultString("MOCK_OLLAMA_ADDR", ":11434")
	models := defaultString("MOCK_OLLAMA_MODELS", "llama3.1:8b")

	fs := flag.NewFlagSet("mock-ollama", flag.ExitOnError)
	fs.StringVar(&addr, "addr", addr, "Listen address")
	fs.StringVar(&models, "models", models, "Comma-separated models reported as installed (also supports env: MOCK_OLLAMA_MODELS)")
	_ = fs.Parse(os.Args[1:])

	srv := mockollama.New(splitCSV(models)...)

	_, _ = fmt.Fprintf(os.Stdout, "mock-ollama listening on %s (models=%s)\n", addr, strings.Join(srv.Models(), ","))
	if err := http.ListenAndServe(addr, srv.Handler()); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "server error: %v\n", err)
		os.Exit(1)
	}
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		v := strings.TrimSpace(p)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}

func defaultString(envVar string, fallback string) string {
	v := strings.TrimSpace(os.Getenv(envVar))
	if v == "" {
		return fallback
	}
	return v
}
