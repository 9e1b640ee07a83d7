package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

func main() {
	server := flag.String("server", "http://localhost:8080", "nuka-agents server URL")
	target := flag.String("agent", "", "Default agent for messages without an @mention")
	wait := flag.Duration("wait", 60*time.Second, "How long to wait for a task result")
	flag.Parse()

	c := &client{base: strings.TrimRight(*server, "/"), http: &http.Client{Timeout: *wait + 5*time.Second}, wait: *wait}

	fmt.Println("nuka-agents CLI")
	fmt.Printf("Server: %s\n", c.base)
	fmt.Println("Type 'exit' or 'quit' to leave. Use @agent to address a message.")
	fmt.Println("Commands: /agents, /status, /memories <agent> [query], /messages [agent]")
	fmt.Println("---")

	c.agents()

	current := *target
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("\n> ")
		if !scanner.Scan() {
			break
		}
		input := strings.TrimSpace(scanner.Text())
		switch {
		case input == "":
			continue
		case input == "exit" || input == "quit":
			fmt.Println("Bye!")
			return
		case input == "/agents":
			c.agents()
			continue
		case input == "/status":
			c.status()
			continue
		case strings.HasPrefix(input, "/memories"):
			args := strings.Fields(strings.TrimPrefix(input, "/memories"))
			if len(args) == 0 {
				printError("usage: /memories <agent> [query]")
				continue
			}
			c.memories(args[0], strings.Join(args[1:], " "))
			continue
		case strings.HasPrefix(input, "/messages"):
			c.messages(strings.TrimSpace(strings.TrimPrefix(input, "/messages")))
			continue
		}

		agentID, text := current, input
		if strings.HasPrefix(input, "@") {
			name, rest, _ := strings.Cut(input[1:], " ")
			agentID, text = name, strings.TrimSpace(rest)
			current = name
		}
		if agentID == "" {
			printError("No agent selected; start with @agent")
			continue
		}
		c.ask(agentID, text)
	}
}

type client struct {
	base string
	http *http.Client
	wait time.Duration
}

// getJSON decodes a successful response into v and reports failures.
func (c *client) getJSON(path string, v any) bool {
	resp, err := c.http.Get(c.base + path)
	if err != nil {
		printError("Request failed: %v", err)
		return false
	}
	defer resp.Body.Close()
	return decode(resp, http.StatusOK, v)
}

func decode(resp *http.Response, want int, v any) bool {
	if resp.StatusCode != want {
		data, _ := io.ReadAll(resp.Body)
		printError("Server error (%d): %s", resp.StatusCode, strings.TrimSpace(string(data)))
		return false
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		printError("Failed to parse response: %v", err)
		return false
	}
	return true
}

func (c *client) agents() {
	var agents []struct {
		ID           string   `json:"id"`
		Type         string   `json:"type"`
		Status       string   `json:"status"`
		Capabilities []string `json:"capabilities"`
		Metrics      struct {
			Processed int64 `json:"processed"`
			Failed    int64 `json:"failed"`
			Queued    int   `json:"queued"`
		} `json:"metrics"`
	}
	if !c.getJSON("/api/agents", &agents) {
		return
	}
	if len(agents) == 0 {
		fmt.Println("No agents running.")
		return
	}
	fmt.Println("Available agents:")
	for _, a := range agents {
		fmt.Printf("  @%s (%s, %s) done=%d failed=%d queued=%d [%s]\n",
			a.ID, a.Type, a.Status, a.Metrics.Processed, a.Metrics.Failed, a.Metrics.Queued,
			strings.Join(a.Capabilities, ", "))
	}
}

func (c *client) status() {
	var st struct {
		Actors          []string `json:"actors"`
		PendingRequests int      `json:"pending_requests"`
		HistorySize     int      `json:"history_size"`
		Broker          struct {
			Backend   string   `json:"backend"`
			Connected bool     `json:"connected"`
			Channels  []string `json:"channels"`
		} `json:"broker"`
	}
	if !c.getJSON("/api/comm/status", &st) {
		return
	}
	icon := "\033[31m✗\033[0m"
	if st.Broker.Connected {
		icon = "\033[32m✓\033[0m"
	}
	fmt.Printf("Broker: %s %s (%d channels)\n", icon, st.Broker.Backend, len(st.Broker.Channels))
	fmt.Printf("Actors: %s\n", strings.Join(st.Actors, ", "))
	fmt.Printf("Pending requests: %d | History: %d\n", st.PendingRequests, st.HistorySize)
}

func (c *client) memories(agentID, query string) {
	q := url.Values{"limit": {"10"}}
	if query != "" {
		q.Set("q", query)
	}
	var entries []struct {
		Type       string    `json:"memory_type"`
		Content    any       `json:"content"`
		Tags       []string  `json:"tags"`
		Importance float64   `json:"importance"`
		CreatedAt  time.Time `json:"created_at"`
	}
	if !c.getJSON("/api/agents/"+url.PathEscape(agentID)+"/memories?"+q.Encode(), &entries) {
		return
	}
	if len(entries) == 0 {
		fmt.Println("No memories.")
		return
	}
	for _, e := range entries {
		content, _ := json.Marshal(e.Content)
		fmt.Printf("  [%s %.1f] %s %s\n", e.Type, e.Importance, truncate(string(content), 100), e.Tags)
	}
}

func (c *client) messages(agentID string) {
	q := url.Values{"limit": {"20"}}
	if agentID != "" {
		q.Set("agent", agentID)
	}
	var body struct {
		Source   string `json:"source"`
		Messages []struct {
			From      string          `json:"fromActor"`
			To        string          `json:"toActor"`
			Type      string          `json:"type"`
			Payload   json.RawMessage `json:"payload"`
			Timestamp time.Time       `json:"timestamp"`
		} `json:"messages"`
	}
	if !c.getJSON("/api/messages?"+q.Encode(), &body) {
		return
	}
	fmt.Printf("Messages (%s):\n", body.Source)
	for _, m := range body.Messages {
		fmt.Printf("  %s %s → %s %s %s\n", m.Timestamp.Local().Format("15:04:05"), m.From, m.To, m.Type, truncate(string(m.Payload), 80))
	}
}

func (c *client) ask(agentID, text string) {
	body, _ := json.Marshal(map[string]any{
		"payload":      map[string]string{"prompt": text},
		"source_agent": "cli",
	})
	resp, err := c.http.Post(c.base+"/api/agents/"+url.PathEscape(agentID)+"/tasks", "application/json", bytes.NewReader(body))
	if err != nil {
		printError("Request failed: %v", err)
		return
	}
	var accepted struct {
		TaskID string `json:"task_id"`
	}
	ok := decode(resp, http.StatusAccepted, &accepted)
	resp.Body.Close()
	if !ok {
		return
	}

	var res struct {
		AgentID        string  `json:"agent_id"`
		Content        any     `json:"content"`
		Confidence     float64 `json:"confidence"`
		Error          string  `json:"error"`
		ProcessingTime int64   `json:"processing_time"`
	}
	path := fmt.Sprintf("/api/agents/%s/tasks/%s?timeout=%s", url.PathEscape(agentID), accepted.TaskID, c.wait)
	if !c.getJSON(path, &res) {
		return
	}
	if res.Error != "" {
		printError("[%s] task failed: %s", res.AgentID, res.Error)
		return
	}
	content, isText := res.Content.(string)
	if !isText {
		data, _ := json.MarshalIndent(res.Content, "", "  ")
		content = string(data)
	}
	fmt.Printf("\033[36m[%s]\033[0m %s\n", res.AgentID, content)
	fmt.Printf("\033[90m(confidence %.2f, %s)\033[0m\n", res.Confidence, time.Duration(res.ProcessingTime).Round(time.Millisecond))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func printError(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "\033[31m"+format+"\033[0m\n", args...)
}
