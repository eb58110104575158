package cmd

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/reeflective/readline"
	"github.com/spf13/cobra"

	"github.com/okapilab/keeper/internal/client"
)

var attachCmd = &cobra.Command{
	Use:   "attach <session-id>",
	Short: "Attach an interactive terminal to a session",
	Long: `Attach to a running session: buffered output is replayed first, then
live output streams in. Type a message and press Enter to send it to the
agent. Use /help for commands.`,
	Args: cobra.ExactArgs(1),
	RunE: runAttach,
}

func init() {
	rootCmd.AddCommand(attachCmd)
}

// pendingPermission tracks the request the user can answer with /allow and
// /deny.
type pendingPermission struct {
	mu        sync.Mutex
	requestID string
}

func (p *pendingPermission) set(id string) {
	p.mu.Lock()
	p.requestID = id
	p.mu.Unlock()
}

func (p *pendingPermission) take() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.requestID
	p.requestID = ""
	return id
}

func runAttach(cmd *cobra.Command, args []string) error {
	c := client.New(serverURL)
	stream, err := c.Attach(args[0])
	if err != nil {
		return err
	}
	defer stream.Close()

	var pending pendingPermission
	done := make(chan struct{})
	go func() {
		defer close(done)
		printEvents(stream, &pending)
	}()

	rl := readline.NewShell()
	rl.Prompt.Primary(func() string { return "keeper> " })
	history := readline.NewInMemoryHistory()
	rl.History.Add("default", history)

	fmt.Println("Attached. Type a message and press Enter. /help for commands.")

	for {
		select {
		case <-done:
			fmt.Println("Session stream closed.")
			return nil
		default:
		}

		line, err := rl.Readline()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, readline.ErrInterrupt) {
				return nil
			}
			return err
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "/") {
			if quit := handleAttachCommand(stream, &pending, line); quit {
				return nil
			}
			continue
		}

		if err := stream.SendText(line); err != nil {
			fmt.Printf("send failed: %v\n", err)
		}
	}
}

// printEvents renders the stream until it closes. Outputs are acknowledged
// as soon as they are printed.
func printEvents(stream *client.Stream, pending *pendingPermission) {
	for {
		ev, err := stream.Next()
		if err != nil {
			return
		}

		switch ev.Type {
		case client.EventOutput:
			if text := renderOutput(ev.Output.Content); text != "" {
				fmt.Println(text)
			}
			stream.Ack(ev.Output.Seq)

		case client.EventPermissionRequest:
			pending.set(ev.Permission.RequestID)
			fmt.Printf("Permission requested: %s %s\nAnswer with /allow or /deny.\n",
				ev.Permission.ToolName, ev.Permission.Input)

		case client.EventExited:
			fmt.Printf("Agent exited with code %d.\n", ev.ExitCode)
			return

		case client.EventBranchChanged:
			fmt.Printf("[git branch: %s]\n", ev.Branch)

		case client.EventError:
			fmt.Printf("session error: %s\n", ev.Message)
		}
	}
}

// handleAttachCommand processes a slash command. Returns true to detach.
func handleAttachCommand(stream *client.Stream, pending *pendingPermission, line string) bool {
	cmd, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)

	switch cmd {
	case "/quit", "/exit", "/q":
		return true

	case "/allow", "/deny":
		id := pending.take()
		if id == "" {
			fmt.Println("No pending permission request.")
			return false
		}
		allow := cmd == "/allow"
		if err := stream.RespondPermission(id, allow, rest); err != nil {
			fmt.Printf("permission response failed: %v\n", err)
		}

	case "/help", "/h", "/?":
		fmt.Println(`Commands:
  /allow [message]  approve the pending permission request
  /deny [message]   reject the pending permission request
  /quit             detach (the session keeps running)`)

	default:
		fmt.Printf("Unknown command %s, /help lists commands.\n", cmd)
	}
	return false
}
