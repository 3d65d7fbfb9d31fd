package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

func main() {
	server := flag.String("server", "http://localhost:3210", "Copartner server URL")
	user := flag.String("user", "cli-user", "User name for chat")
	session := flag.String("session", "cli", "Session key")
	flag.Parse()

	fmt.Println("Copartner CLI Chat")
	fmt.Printf("Server: %s | User: %s | Session: %s\n", *server, *user, *session)
	fmt.Println("Type 'exit' or 'quit' to leave.")
	fmt.Println("Local: :status, :approve [note], :deny [note], :cancel. Slash commands go to the server (/help).")
	fmt.Println("---")

	fetchStatus(*server)

	c := &chat{server: *server, user: *user, session: *session, http: &http.Client{Timeout: 11 * time.Minute}}
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("\n> ")
		if !scanner.Scan() {
			break
		}
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}
		if input == "exit" || input == "quit" {
			fmt.Println("Bye!")
			return
		}

		verb, rest, _ := strings.Cut(input, " ")
		switch verb {
		case ":status":
			fetchStatus(*server)
		case ":approve", ":deny":
			c.resolve(verb == ":approve", strings.TrimSpace(rest))
		case ":cancel":
			c.cancel()
		default:
			c.send(input)
		}
	}
}

type chat struct {
	server  string
	user    string
	session string
	http    *http.Client
	last    string // correlation id of the latest input
}

func (c *chat) send(text string) {
	body, _ := json.Marshal(map[string]string{
		"text":       text,
		"user":       c.user,
		"session_id": c.session,
	})
	resp, err := c.http.Post(c.server+"/api/input/text", "application/json", bytes.NewReader(body))
	if err != nil {
		printError("Request failed: %v", err)
		return
	}
	defer resp.Body.Close()

	var out struct {
		CorrelationID    string `json:"correlation_id"`
		Reply            string `json:"reply"`
		AwaitingApproval string `json:"awaiting_approval"`
		Error            string `json:"error"`
	}
	data, _ := io.ReadAll(resp.Body)
	if err := json.Unmarshal(data, &out); err != nil {
		printError("Server error (%d): %s", resp.StatusCode, string(data))
		return
	}
	if out.CorrelationID != "" {
		c.last = out.CorrelationID
	}

	switch resp.StatusCode {
	case http.StatusOK:
		fmt.Printf("\033[36m[copartner]\033[0m %s\n", out.Reply)
	case http.StatusAccepted:
		fmt.Printf("\033[33m[approval needed]\033[0m %s\n", out.AwaitingApproval)
		fmt.Println("Reply with :approve or :deny.")
	default:
		printError("Server error (%d): %s", resp.StatusCode, out.Error)
	}
}

func (c *chat) resolve(approved bool, note string) {
	if c.last == "" {
		printError("Nothing to approve yet.")
		return
	}
	body, _ := json.Marshal(map[string]any{"approved": approved, "note": note})
	resp, err := c.http.Post(c.server+"/api/approvals/"+c.last, "application/json", bytes.NewReader(body))
	if err != nil {
		printError("Request failed: %v", err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		data, _ := io.ReadAll(resp.Body)
		printError("Server error (%d): %s", resp.StatusCode, string(data))
		return
	}
	fmt.Println("Sent. The reply will follow on the session.")
	c.waitSession()
}

func (c *chat) cancel() {
	if c.last == "" {
		printError("Nothing to cancel.")
		return
	}
	resp, err := c.http.Post(c.server+"/api/cancel/"+c.last, "application/json", nil)
	if err != nil {
		printError("Request failed: %v", err)
		return
	}
	resp.Body.Close()
	fmt.Printf("Cancel requested (%d).\n", resp.StatusCode)
}

// waitSession polls the session until it reaches a terminal state and
// prints its reply.
func (c *chat) waitSession() {
	deadline := time.Now().Add(2 * time.Minute)
	for time.Now().Before(deadline) {
		resp, err := c.http.Get(c.server + "/api/sessions/" + c.last)
		if err != nil {
			printError("Request failed: %v", err)
			return
		}
		var s struct {
			State string `json:"state"`
			Reply string `json:"reply"`
		}
		err = json.NewDecoder(resp.Body).Decode(&s)
		resp.Body.Close()
		if err == nil && (s.State == "Completed" || s.State == "Failed") {
			fmt.Printf("\033[36m[copartner]\033[0m %s\n", s.Reply)
			return
		}
		time.Sleep(500 * time.Millisecond)
	}
	printError("Timed out waiting for the session.")
}

func fetchStatus(server string) {
	resp, err := http.Get(server + "/api/status")
	if err != nil {
		printError("Failed to fetch status: %v", err)
		return
	}
	defer resp.Body.Close()

	var st struct {
		Mode       string `json:"mode"`
		Components map[string]struct {
			Status string `json:"status"`
			Reason string `json:"reason"`
		} `json:"components"`
		Pending []string `json:"pending_approvals"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		printError("Failed to parse status: %v", err)
		return
	}
	fmt.Printf("Mode: %s\n", st.Mode)
	for name, s := range st.Components {
		icon := "\033[32m✓\033[0m"
		switch s.Status {
		case "down":
			icon = "\033[31m✗\033[0m"
		case "degraded":
			icon = "\033[33m~\033[0m"
		}
		fmt.Printf("  %s %s", icon, name)
		if s.Reason != "" {
			fmt.Printf(" (%s)", s.Reason)
		}
		fmt.Println()
	}
	if len(st.Pending) > 0 {
		fmt.Printf("Awaiting approval: %s\n", strings.Join(st.Pending, ", "))
	}
}

func printError(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "\033[31m"+format+"\033[0m\n", args...)
}
