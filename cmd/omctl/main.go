// omctl is the workflow control CLI. The primary agent calls it to advance
// phases, and operators use it to inspect state, send messages, and tail
// events.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/skoll/overmind/internal/bus"
)

func serverURL() string {
	if u := os.Getenv("OVERMIND_URL"); u != "" {
		return strings.TrimRight(u, "/")
	}
	return "http://localhost:8080"
}

var httpClient = &http.Client{Timeout: 10 * time.Second}

func getJSON(path string, out any) error {
	resp, err := httpClient.Get(serverURL() + path)
	if err != nil {
		return fmt.Errorf("GET %s: %w", path, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 400 {
		return fmt.Errorf("GET %s: %s: %s", path, resp.Status, strings.TrimSpace(string(body)))
	}
	return json.Unmarshal(body, out)
}

func postJSON(path string, in, out any) (int, error) {
	data, err := json.Marshal(in)
	if err != nil {
		return 0, err
	}
	resp, err := httpClient.Post(serverURL()+path, "application/json", bytes.NewReader(data))
	if err != nil {
		return 0, fmt.Errorf("POST %s: %w", path, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if out != nil {
		if err := json.Unmarshal(body, out); err != nil {
			return resp.StatusCode, fmt.Errorf("POST %s: decode: %w", path, err)
		}
	}
	return resp.StatusCode, nil
}

type stateResponse struct {
	State        string   `json:"state"`
	LegalTargets []string `json:"legalTargets"`
	Busy         bool     `json:"busy"`
	Error        string   `json:"error"`
}

func newPhaseGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get",
		Short: "Print the current workflow phase",
		RunE: func(cmd *cobra.Command, args []string) error {
			var st stateResponse
			if err := getJSON("/api/state", &st); err != nil {
				return err
			}
			fmt.Printf("phase: %s\n", st.State)
			fmt.Printf("next:  %s\n", strings.Join(st.LegalTargets, ", "))
			if st.Busy {
				fmt.Println("busy:  orchestration in flight")
			}
			return nil
		},
	}
}

func setPhase(target, prompt string) (*stateResponse, error) {
	var st stateResponse
	code, err := postJSON("/api/state", map[string]string{"state": target, "prompt": prompt}, &st)
	if err != nil {
		return nil, err
	}
	if code == http.StatusConflict {
		fmt.Fprintf(os.Stderr, "illegal transition: %s\n", st.Error)
		fmt.Fprintf(os.Stderr, "legal targets from %s: %s\n", st.State, strings.Join(st.LegalTargets, ", "))
		os.Exit(1)
	}
	if code >= 400 {
		return nil, fmt.Errorf("set phase: %s", st.Error)
	}
	return &st, nil
}

func newPhaseSetCmd() *cobra.Command {
	var prompt string
	cmd := &cobra.Command{
		Use:   "set <P|A|B|C|D|IDLE>",
		Short: "Transition the workflow to the given phase",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target := strings.ToUpper(args[0])
			st, err := setPhase(target, prompt)
			if err != nil {
				return err
			}
			fmt.Printf("phase: %s\n", st.State)

			// D is terminal: the workflow acknowledges completion and
			// immediately returns to idle.
			if target == "D" {
				if _, err := setPhase("IDLE", ""); err != nil {
					return err
				}
				fmt.Println("workflow complete, returned to IDLE")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&prompt, "prompt", "", "seed the workflow context when entering P")
	return cmd
}

func newPhaseResetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Reset the workflow to IDLE from any phase",
		RunE: func(cmd *cobra.Command, args []string) error {
			var res map[string]any
			code, err := postJSON("/api/messages", map[string]string{"content": "reset", "origin": "cli"}, &res)
			if err != nil {
				return err
			}
			if code == http.StatusConflict {
				return fmt.Errorf("orchestration in flight, try again shortly")
			}
			fmt.Println("reset requested")
			return nil
		},
	}
}

func newPhaseCmd() *cobra.Command {
	var prompt string
	cmd := &cobra.Command{
		Use:   "phase",
		Short: "Inspect and control the workflow phase",
		// With no subcommand: start planning when idle, otherwise report
		// where the workflow stands.
		RunE: func(cmd *cobra.Command, args []string) error {
			var st stateResponse
			if err := getJSON("/api/state", &st); err != nil {
				return err
			}
			if st.State != "IDLE" {
				fmt.Printf("phase: %s\n", st.State)
				fmt.Printf("next:  %s\n", strings.Join(st.LegalTargets, ", "))
				return nil
			}
			entered, err := setPhase("P", prompt)
			if err != nil {
				return err
			}
			fmt.Printf("phase: %s\n", entered.State)
			return nil
		},
	}
	cmd.Flags().StringVar(&prompt, "prompt", "", "seed the workflow context when entering P")
	cmd.AddCommand(newPhaseGetCmd(), newPhaseSetCmd(), newPhaseResetCmd())
	return cmd
}

func newSendCmd() *cobra.Command {
	var origin string
	cmd := &cobra.Command{
		Use:   "send <message>",
		Short: "Submit a message through the gateway",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			content := strings.Join(args, " ")
			var res map[string]any
			code, err := postJSON("/api/messages", map[string]string{"content": content, "origin": origin}, &res)
			if err != nil {
				return err
			}
			switch code {
			case http.StatusAccepted:
				fmt.Printf("%v\n", res["action"])
			case http.StatusConflict:
				fmt.Println("rejected: busy")
			default:
				fmt.Printf("rejected: %v\n", res["reason"])
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&origin, "origin", "cli", "origin tag recorded with the message")
	return cmd
}

func newEventsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "events",
		Short: "Tail the live event stream (requires REDIS_URL)",
		RunE: func(cmd *cobra.Command, args []string) error {
			redisURL := os.Getenv("REDIS_URL")
			if redisURL == "" {
				return fmt.Errorf("REDIS_URL not set")
			}

			logger := zap.NewNop()
			b, err := bus.New(redisURL, logger)
			if err != nil {
				return err
			}
			defer b.Close()

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			ch, err := b.Tail(ctx)
			if err != nil {
				return err
			}
			for evt := range ch {
				data, _ := json.Marshal(evt.Payload)
				fmt.Printf("%s  %-18s %s\n", evt.Timestamp.Format(time.TimeOnly), evt.Name, data)
			}
			return nil
		},
	}
}

func main() {
	_ = godotenv.Load()

	root := &cobra.Command{
		Use:           "omctl",
		Short:         "Overmind workflow control",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newPhaseCmd(), newSendCmd(), newEventsCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
