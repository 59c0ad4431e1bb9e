// Command relayctl is a development tool for taskrelay: it mints client
// tokens, tails project rooms and publishes producer events.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"taskrelay/internal/auth"
	"taskrelay/internal/config"
	"taskrelay/pkg/client"
	"taskrelay/pkg/types"
)

const usage = `usage: relayctl <command> [flags]

commands:
  token    mint a client token
  tail     print events from one or more project rooms
  publish  send a producer event to /api/events
`

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "relayctl:", err)
		os.Exit(1)
	}
}

func run(args []string, out io.Writer) error {
	if len(args) == 0 {
		return errors.New(strings.TrimSpace(usage))
	}
	// .env is optional for a dev tool
	_ = config.LoadDotEnv("")

	switch args[0] {
	case "token":
		return runToken(args[1:], out)
	case "tail":
		return runTail(args[1:], out)
	case "publish":
		return runPublish(args[1:], out)
	default:
		return fmt.Errorf("unknown command %q\n%s", args[0], usage)
	}
}

func runToken(args []string, out io.Writer) error {
	defaults := config.LoadFromEnv()
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	secret := fs.String("secret", defaults.Auth.Secret, "signing secret (TASKRELAY_AUTH_SECRET)")
	issuer := fs.String("issuer", defaults.Auth.Issuer, "token issuer")
	user := fs.String("user", "", "user id (required)")
	projects := fs.String("projects", "", "comma separated pre-authorized project ids")
	ttl := fs.Duration("ttl", defaults.Auth.TokenTTL, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *user == "" {
		return errors.New("token: -user is required")
	}

	token, err := auth.IssueToken(*secret, *issuer, *user, splitIDs(*projects), *ttl, time.Now())
	if err != nil {
		return fmt.Errorf("token: %w", err)
	}
	_, err = fmt.Fprintln(out, token)
	return err
}

func runTail(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("tail", flag.ContinueOnError)
	url := fs.String("url", "ws://localhost:8080/ws", "socket url")
	token := fs.String("token", os.Getenv(config.EnvPrefix+"TOKEN"), "client token")
	projects := fs.String("projects", "", "comma separated project ids to join (required)")
	attempts := fs.Int("max-attempts", client.DefaultMaxAttempts, "reconnect attempts before giving up")
	if err := fs.Parse(args); err != nil {
		return err
	}
	ids := splitIDs(*projects)
	if len(ids) == 0 {
		return errors.New("tail: -projects is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	failed := make(chan error, 1)
	encoder := json.NewEncoder(out)
	c := client.New(client.Options{
		URL:         *url,
		Token:       *token,
		MaxAttempts: *attempts,
		OnEvent:     func(env types.Envelope) { _ = encoder.Encode(env) },
		OnStateChange: func(s client.State) {
			fmt.Fprintln(os.Stderr, "state:", s)
		},
		OnFailure: func(err error) { failed <- err },
	})
	defer c.Close()

	for _, id := range ids {
		_ = c.JoinProject(id)
	}
	if err := c.Connect(ctx); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return nil
	case err := <-failed:
		return err
	}
}

func runPublish(args []string, out io.Writer) error {
	defaults := config.LoadFromEnv()
	fs := flag.NewFlagSet("publish", flag.ContinueOnError)
	api := fs.String("api", "http://localhost:8080", "server base url")
	key := fs.String("key", defaults.HTTP.ServiceKey, "service key (TASKRELAY_HTTP_SERVICE_KEY)")
	eventType := fs.String("type", "", "event type, e.g. task_updated (required)")
	rooms := fs.String("rooms", "", "comma separated target rooms, e.g. project:456 (omit to let the server derive them)")
	payload := fs.String("payload", "{}", "JSON object payload")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *eventType == "" {
		return errors.New("publish: -type is required")
	}
	if !json.Valid([]byte(*payload)) {
		return errors.New("publish: -payload is not valid JSON")
	}

	request := map[string]any{
		"event_type": *eventType,
		"payload":    json.RawMessage(*payload),
	}
	if targets := splitList(*rooms); len(targets) > 0 {
		request["target_rooms"] = targets
	}
	body, err := json.Marshal(request)
	if err != nil {
		return err
	}

	req, err := http.NewRequest(http.MethodPost, strings.TrimRight(*api, "/")+"/api/events", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+*key)

	httpClient := &http.Client{Timeout: 10 * time.Second}
	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("publish: %s: %s", resp.Status, strings.TrimSpace(string(respBody)))
	}
	_, err = out.Write(respBody)
	return err
}

func splitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func splitIDs(s string) []types.ID {
	var ids []types.ID
	for _, item := range splitList(s) {
		ids = append(ids, types.ID(item))
	}
	return ids
}
