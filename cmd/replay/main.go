// Package main replays a webhook payload against a running gateway, signing
// it with the shared secret the way GitHub would. Useful for local testing:
//
//	go run ./cmd/replay -url http://localhost:8080/webhooks/github \
//	    -event pull_request -payload testdata/opened.json
package main

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/joho/godotenv"
)

func main() {
	_ = godotenv.Load()

	url := flag.String("url", "http://localhost:8080/webhooks/github", "gateway webhook URL")
	event := flag.String("event", "pull_request", "event type header")
	payloadPath := flag.String("payload", "", "path to the JSON payload")
	secret := flag.String("secret", os.Getenv("GITHUB_WEBHOOK_SECRET"), "webhook secret")
	flag.Parse()

	if *payloadPath == "" || *secret == "" {
		fmt.Fprintln(os.Stderr, "usage: replay -payload file.json [-event pull_request] [-url ...]")
		os.Exit(2)
	}

	payload, err := os.ReadFile(*payloadPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "read payload:", err)
		os.Exit(1)
	}

	mac := hmac.New(sha256.New, []byte(*secret))
	mac.Write(payload)
	signature := "sha256=" + hex.EncodeToString(mac.Sum(nil))

	req, err := http.NewRequest(http.MethodPost, *url, bytes.NewReader(payload))
	if err != nil {
		fmt.Fprintln(os.Stderr, "build request:", err)
		os.Exit(1)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-GitHub-Event", *event)
	req.Header.Set("X-Hub-Signature-256", signature)
	req.Header.Set("X-GitHub-Delivery", "replay")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fmt.Fprintln(os.Stderr, "request failed:", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	fmt.Printf("%s\n%s\n", resp.Status, body)
}
