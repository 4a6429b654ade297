// ABOUTME: Interactive terminal client for the deepstudy gateway HTTP API.
// ABOUTME: Streams answers over SSE and walks the conversation tree with follow-up questions.

package main

import (
	"bufio"
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
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"golang.org/x/term"
)

// getToken returns the JWT token from DEEPSTUDY_TOKEN env var or the
// ~/.config/deepstudy/token file written by login and bootstrap.
func getToken() string {
	if token := os.Getenv("DEEPSTUDY_TOKEN"); token != "" {
		return token
	}

	data, err := os.ReadFile(tokenPath())
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func tokenPath() string {
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "token"
		}
		configDir = filepath.Join(homeDir, ".config")
	}
	return filepath.Join(configDir, "deepstudy", "token")
}

// askRequest is the JSON body sent to POST /api/chat/stream.
type askRequest struct {
	Query         string `json:"query"`
	SessionID     string `json:"session_id,omitempty"`
	ParentID      string `json:"parent_id,omitempty"`
	RefFragmentID string `json:"ref_fragment_id,omitempty"`
}

// treeNode is one node of the response from GET /api/conversation/{id}.
type treeNode struct {
	ID       string     `json:"id"`
	Query    string     `json:"query"`
	Status   string     `json:"status"`
	Intent   string     `json:"intent,omitempty"`
	Children []treeNode `json:"children"`
}

// resolveRequest is the JSON body sent to POST /api/fragments/resolve.
type resolveRequest struct {
	ConversationID string `json:"conversation_id"`
	Selection      string `json:"selection"`
}

// resolveResponse is the JSON response from POST /api/fragments/resolve.
type resolveResponse struct {
	FragmentID string `json:"fragment_id"`
	Type       string `json:"type"`
	Content    string `json:"content"`
}

// graphResponse is the JSON response from GET /api/mindmap/{id}.
type graphResponse struct {
	Nodes []struct {
		ID    string `json:"id"`
		Label string `json:"label"`
	} `json:"nodes"`
	Edges []struct {
		Source   string `json:"source"`
		Target   string `json:"target"`
		Relation string `json:"relation"`
	} `json:"edges"`
}

// credentialsResponse is the JSON response from register and login.
type credentialsResponse struct {
	Token     string `json:"token"`
	UserID    string `json:"user_id"`
	Username  string `json:"username"`
	ExpiresAt string `json:"expires_at"`
}

func main() {
	// Auth subcommands run before flag parsing so "deepstudy login" works
	// without a -mode flag.
	if len(os.Args) > 1 && (os.Args[1] == "login" || os.Args[1] == "register") {
		ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()
		if err := runAuth(ctx, os.Args[1]); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	server := flag.String("server", "http://localhost:8080", "Gateway server URL")
	sessionKey := flag.String("session", "", "Session key (resumes a previous sitting)")
	flag.Parse()

	if *sessionKey == "" {
		*sessionKey = fmt.Sprintf("cli-%d", time.Now().UnixNano())
	}

	fmt.Printf("deepstudy-tui connected to %s\n", *server)
	if getToken() != "" {
		fmt.Println("Auth: JWT token configured")
	} else {
		fmt.Println("Auth: none (run 'deepstudy-tui login' or set DEEPSTUDY_TOKEN)")
	}
	fmt.Printf("Session: %s\n", *sessionKey)
	fmt.Println("Type a question and press Enter. /help for commands. Ctrl+C to quit.")
	fmt.Println()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	s := &session{
		server: *server,
		key:    *sessionKey,
	}
	if err := s.run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("\nGoodbye!")
}

// session tracks where in the conversation tree the next question lands.
type session struct {
	server string
	key    string

	rootID   string // first node of the current thread, /tree starts here
	parentID string // last completed node, next question is its follow-up
	refID    string // pending fragment anchor set by /follow
}

func (s *session) run(ctx context.Context) error {
	scanner := bufio.NewScanner(os.Stdin)

	for {
		s.printPrompt()

		input, err := readLine(ctx, scanner)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}

		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}

		if input == "/quit" || input == "/exit" || input == "/q" {
			return nil
		}

		if input == "/new" {
			s.rootID = ""
			s.parentID = ""
			s.refID = ""
			fmt.Println("Started a new thread")
			fmt.Println()
			continue
		}

		if input == "/tree" {
			if s.rootID == "" {
				fmt.Println("No conversation yet. Ask a question first.")
			} else if err := s.showTree(ctx); err != nil {
				fmt.Printf("[error] %v\n", err)
			}
			fmt.Println()
			continue
		}

		if input == "/graph" {
			if s.parentID == "" {
				fmt.Println("No conversation yet. Ask a question first.")
			} else if err := s.showGraph(ctx); err != nil {
				fmt.Printf("[error] %v\n", err)
			}
			fmt.Println()
			continue
		}

		if strings.HasPrefix(input, "/follow") {
			selection := strings.TrimSpace(strings.TrimPrefix(input, "/follow"))
			if selection == "" {
				s.refID = ""
				fmt.Println("Cleared fragment anchor")
			} else if s.parentID == "" {
				fmt.Println("No conversation yet. Ask a question first.")
			} else if err := s.anchor(ctx, selection); err != nil {
				fmt.Printf("[error] %v\n", err)
			}
			fmt.Println()
			continue
		}

		if input == "/whoami" {
			if err := s.whoami(ctx); err != nil {
				fmt.Printf("[error] %v\n", err)
			}
			fmt.Println()
			continue
		}

		if input == "/help" {
			printHelp()
			fmt.Println()
			continue
		}

		// Anything else is a question for the current thread.
		if err := s.ask(ctx, input); err != nil {
			fmt.Printf("[error] %v\n", err)
		}
		fmt.Println()
	}
}

// readLine scans one line of stdin in a goroutine so a Ctrl-C arriving
// mid-read still exits the loop promptly. The goroutine lingers until its
// pending read completes, which for stdin is harmless.
func readLine(ctx context.Context, scanner *bufio.Scanner) (string, error) {
	type result struct {
		line string
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		switch {
		case scanner.Scan():
			ch <- result{line: scanner.Text()}
		case scanner.Err() != nil:
			ch <- result{err: fmt.Errorf("reading input: %w", scanner.Err())}
		default:
			ch <- result{err: io.EOF}
		}
	}()

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case r := <-ch:
		return r.line, r.err
	}
}

func (s *session) printPrompt() {
	switch {
	case s.parentID == "":
		fmt.Print("> ")
	case s.refID != "":
		fmt.Printf("[%s ref:%s]> ", shortID(s.parentID), truncate(s.refID, 14))
	default:
		fmt.Printf("[%s]> ", shortID(s.parentID))
	}
}

func printHelp() {
	fmt.Println("Commands:")
	fmt.Println("  /new            Start a new conversation thread")
	fmt.Println("  /tree           Show the current conversation tree")
	fmt.Println("  /graph          Show the knowledge graph for the current node")
	fmt.Println("  /follow <text>  Anchor the next question to a span of the last answer")
	fmt.Println("  /follow         Clear the fragment anchor")
	fmt.Println("  /whoami         Show the logged-in user")
	fmt.Println("  /help           Show this help")
	fmt.Println("  /quit           Exit")
	fmt.Println()
	fmt.Println("Anything else is sent as a question. Questions continue the current")
	fmt.Println("thread as follow-ups; /new starts over at a fresh root.")
}

// ask sends the question and streams the answer to stdout. On success the
// new node becomes the parent for the next question.
func (s *session) ask(ctx context.Context, query string) error {
	reqBody := askRequest{
		Query:         query,
		SessionID:     s.key,
		ParentID:      s.parentID,
		RefFragmentID: s.refID,
	}
	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("marshaling request: %w", err)
	}

	// The anchor is consumed by this question whether or not the server
	// accepts it.
	wasRoot := s.parentID == ""
	s.refID = ""

	url := fmt.Sprintf("%s/api/chat/stream", s.server)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(bodyBytes))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	addAuth(req)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return apiError(resp)
	}

	state := &askState{}
	if err := streamSSE(ctx, resp.Body, state); err != nil {
		return err
	}
	if state.failed {
		return nil // error already printed from the stream
	}

	if state.nodeID != "" {
		if wasRoot {
			s.rootID = state.nodeID
		}
		s.parentID = state.nodeID
	}
	return nil
}

// askState collects what the event stream reveals about the new node.
type askState struct {
	nodeID string
	failed bool
}

func streamSSE(ctx context.Context, body io.Reader, state *askState) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	var event string
	var data []string

	flush := func() error {
		defer func() { event = ""; data = nil }()
		if event == "" || len(data) == 0 {
			return nil
		}
		return handleStreamEvent(event, strings.Join(data, "\n"), state)
	}

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}

		switch line := scanner.Text(); {
		case line == "":
			// A blank line terminates the event.
			if err := flush(); err != nil {
				return err
			}
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}
	return scanner.Err()
}

func handleStreamEvent(eventType, data string, state *askState) error {
	var payload map[string]interface{}
	if err := json.Unmarshal([]byte(data), &payload); err != nil {
		return fmt.Errorf("parsing event data: %w", err)
	}

	switch eventType {
	case "meta":
		if id, ok := payload["conversation_id"].(string); ok {
			state.nodeID = id
		}

	case "delta":
		if text, ok := payload["text"].(string); ok {
			fmt.Print(text)
		}

	case "full":
		// Deltas already printed the text, just close the line.
		fmt.Println()
		if id, ok := payload["conversation_id"].(string); ok {
			state.nodeID = id
		}

	case "error":
		state.failed = true
		if msg, ok := payload["error"].(string); ok {
			fmt.Printf("\n\033[31m[error] %s\033[0m\n", msg)
		}

	default:
		// Ignore unknown events silently
	}

	return nil
}

// showTree prints the current thread from its root, marking the node the
// next question will follow up on.
func (s *session) showTree(ctx context.Context) error {
	url := fmt.Sprintf("%s/api/conversation/%s", s.server, s.rootID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	addAuth(req)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("fetching tree: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return apiError(resp)
	}

	var root treeNode
	if err := json.NewDecoder(resp.Body).Decode(&root); err != nil {
		return fmt.Errorf("parsing response: %w", err)
	}

	printTree(&root, 0, s.parentID)
	return nil
}

func printTree(n *treeNode, depth int, currentID string) {
	marker := "  "
	if n.ID == currentID {
		marker = "* "
	}
	status := ""
	if n.Status != "complete" {
		status = fmt.Sprintf(" (%s)", n.Status)
	}
	fmt.Printf("%s%s%s [%s]%s\n", strings.Repeat("  ", depth), marker, truncate(n.Query, 60), shortID(n.ID), status)
	for i := range n.Children {
		printTree(&n.Children[i], depth+1, currentID)
	}
}

// showGraph prints the knowledge triples accumulated along the path from the
// thread root to the current node.
func (s *session) showGraph(ctx context.Context) error {
	url := fmt.Sprintf("%s/api/mindmap/%s", s.server, s.parentID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	addAuth(req)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("fetching mindmap: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return apiError(resp)
	}

	var graph graphResponse
	if err := json.NewDecoder(resp.Body).Decode(&graph); err != nil {
		return fmt.Errorf("parsing response: %w", err)
	}

	if len(graph.Edges) == 0 {
		fmt.Println("No knowledge graph yet for this thread")
		return nil
	}

	labels := make(map[string]string, len(graph.Nodes))
	for _, n := range graph.Nodes {
		labels[n.ID] = n.Label
	}

	fmt.Printf("Knowledge graph (%d concepts):\n", len(graph.Nodes))
	for _, e := range graph.Edges {
		fmt.Printf("  %s --[%s]--> %s\n", labels[e.Source], e.Relation, labels[e.Target])
	}
	return nil
}

// anchor resolves a text selection against the last answer and pins the
// next question to the matched fragment.
func (s *session) anchor(ctx context.Context, selection string) error {
	reqBody := resolveRequest{
		ConversationID: s.parentID,
		Selection:      selection,
	}
	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("marshaling request: %w", err)
	}

	url := fmt.Sprintf("%s/api/fragments/resolve", s.server)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(bodyBytes))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	addAuth(req)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("resolving selection: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return apiError(resp)
	}

	var resolved resolveResponse
	if err := json.NewDecoder(resp.Body).Decode(&resolved); err != nil {
		return fmt.Errorf("parsing response: %w", err)
	}

	s.refID = resolved.FragmentID
	fmt.Printf("Anchored to %s fragment %s:\n", resolved.Type, resolved.FragmentID)
	fmt.Printf("  %s\n", truncate(strings.ReplaceAll(resolved.Content, "\n", " "), 70))
	return nil
}

func (s *session) whoami(ctx context.Context) error {
	url := fmt.Sprintf("%s/api/me", s.server)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	addAuth(req)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("fetching identity: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return apiError(resp)
	}

	var me struct {
		UserID   string `json:"user_id"`
		Username string `json:"username"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&me); err != nil {
		return fmt.Errorf("parsing response: %w", err)
	}

	fmt.Printf("Logged in as %s (%s)\n", me.Username, me.UserID)
	return nil
}

// runAuth handles the login and register subcommands. On success the token
// is written where getToken finds it.
func runAuth(ctx context.Context, mode string) error {
	fs := flag.NewFlagSet(mode, flag.ExitOnError)
	server := fs.String("server", "http://localhost:8080", "Gateway server URL")
	user := fs.String("user", "", "Username")
	if err := fs.Parse(os.Args[2:]); err != nil {
		return err
	}

	reader := bufio.NewReader(os.Stdin)

	username := strings.TrimSpace(*user)
	if username == "" {
		fmt.Print("Username: ")
		line, err := reader.ReadString('\n')
		if err != nil {
			return fmt.Errorf("reading username: %w", err)
		}
		username = strings.TrimSpace(line)
	}
	if username == "" {
		return fmt.Errorf("username is required")
	}

	fmt.Print("Password: ")
	password := readPassword(reader)
	if password == "" {
		return fmt.Errorf("password is required")
	}

	if mode == "register" {
		fmt.Print("Confirm password: ")
		confirm := readPassword(reader)
		if confirm != password {
			return fmt.Errorf("passwords do not match")
		}
	}

	reqBody := map[string]string{
		"username": username,
		"password": password,
	}
	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("marshaling request: %w", err)
	}

	url := fmt.Sprintf("%s/api/auth/%s", *server, mode)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(bodyBytes))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return apiError(resp)
	}

	var creds credentialsResponse
	if err := json.NewDecoder(resp.Body).Decode(&creds); err != nil {
		return fmt.Errorf("parsing response: %w", err)
	}

	path := tokenPath()
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(creds.Token), 0600); err != nil {
		return fmt.Errorf("writing token file: %w", err)
	}

	fmt.Printf("Logged in as %s\n", creds.Username)
	fmt.Printf("Token saved to %s (expires %s)\n", path, creds.ExpiresAt)
	return nil
}

// readPassword reads a password without echo when stdin is a terminal,
// falling back to a regular line read otherwise.
func readPassword(reader *bufio.Reader) string {
	if term.IsTerminal(int(os.Stdin.Fd())) {
		password, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Println()
		if err == nil {
			return strings.TrimSpace(string(password))
		}
	}
	input, _ := reader.ReadString('\n')
	return strings.TrimSpace(input)
}

func addAuth(req *http.Request) {
	if token := getToken(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
}

// apiError extracts the {"error": ...} body the gateway sends on failures.
func apiError(resp *http.Response) error {
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		var errResp map[string]string
		if err := json.NewDecoder(resp.Body).Decode(&errResp); err == nil {
			if msg, ok := errResp["error"]; ok {
				return fmt.Errorf("%s", msg)
			}
		}
	}
	return fmt.Errorf("server returned status %d", resp.StatusCode)
}

func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}

// truncate clips s to max bytes, ending with "..." when clipped.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
