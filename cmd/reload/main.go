// Command reload is an ops tool that triggers a hot-reload of a running
// engine's guidelines corpus by calling its admin endpoint, so a guidelines
// update can be pushed without restarting the server (spec §5).
package main

import (
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

func main() {
	addr := flag.String("addr", "http://localhost:8080", "base URL of the running server")
	flag.Parse()

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Post(*addr+"/api/v1/admin/reload", "application/json", nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "reload request failed: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "reload failed (%d): %s\n", resp.StatusCode, body)
		os.Exit(1)
	}
	fmt.Println("guidelines corpus reloaded")
}
