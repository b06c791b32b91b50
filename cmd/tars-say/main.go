package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/tars-ai/tars-core/internal/protocol"
)

var version = "0.1.0-dev"

// tars-say injects utterances into a running runtime over the bus, for
// exercising the response pipeline without a microphone.
func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "expected 'say', 'interrupt', 'persona' or 'version'")
		os.Exit(2)
	}

	switch os.Args[1] {
	case "say":
		sayCmd := flag.NewFlagSet("say", flag.ExitOnError)
		server := sayCmd.String("server", nats.DefaultURL, "NATS server URL")
		session := sayCmd.String("session", "cli", "Session identifier")
		sayCmd.Parse(os.Args[2:])
		text := strings.TrimSpace(strings.Join(sayCmd.Args(), " "))
		if text == "" {
			fmt.Fprintln(os.Stderr, "nothing to say")
			os.Exit(2)
		}
		if err := publish(*server, protocol.SubjectTranscriptFinal, protocol.Transcript{
			SessionID: *session,
			Text:      text,
			Partial:   false,
			Timestamp: time.Now().UTC(),
		}); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	case "interrupt":
		intCmd := flag.NewFlagSet("interrupt", flag.ExitOnError)
		server := intCmd.String("server", nats.DefaultURL, "NATS server URL")
		session := intCmd.String("session", "cli", "Session identifier")
		reason := intCmd.String("reason", "user", "Interrupt reason")
		intCmd.Parse(os.Args[2:])
		if err := publish(*server, protocol.SubjectTurnInterrupt, protocol.Interrupt{
			SessionID: *session,
			Reason:    *reason,
			Timestamp: time.Now().UTC(),
		}); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	case "persona":
		personaCmd := flag.NewFlagSet("persona", flag.ExitOnError)
		server := personaCmd.String("server", nats.DefaultURL, "NATS server URL")
		personaCmd.Parse(os.Args[2:])
		traits, err := parseTraits(personaCmd.Args())
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(2)
		}
		if err := publish(*server, protocol.SubjectPersonaSet, protocol.PersonaUpdate{
			Traits:    traits,
			Timestamp: time.Now().UTC(),
		}); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		os.Exit(2)
	}
}

// parseTraits accepts name=value pairs, e.g. "humor=75 sarcasm=30".
func parseTraits(args []string) (map[string]int, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("expected trait assignments like humor=75")
	}
	traits := make(map[string]int, len(args))
	for _, arg := range args {
		name, raw, ok := strings.Cut(arg, "=")
		if !ok {
			return nil, fmt.Errorf("invalid trait assignment %q", arg)
		}
		value, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid trait value %q: %w", arg, err)
		}
		traits[name] = value
	}
	return traits, nil
}

func publish(server, subject string, payload any) error {
	conn, err := nats.Connect(server, nats.Name("tars-say"), nats.Timeout(5*time.Second))
	if err != nil {
		return fmt.Errorf("connect to nats: %w", err)
	}
	defer conn.Close()

	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if err := conn.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return conn.Flush()
}
