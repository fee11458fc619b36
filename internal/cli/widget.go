package cli

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nikzan/Multimodal-Support-System/internal/channel"
	"github.com/nikzan/Multimodal-Support-System/internal/models"
	"github.com/nikzan/Multimodal-Support-System/internal/ticket"
	"github.com/nikzan/Multimodal-Support-System/internal/widget"
)

var widgetCmd = &cobra.Command{
	Use:   "widget",
	Short: "Interactive support chat (customer side)",
	Long: `Start the customer-side chat. An existing session's ticket is resumed
automatically; otherwise the first message opens a new one.

Commands inside the chat:
  /image <file>   attach an image to the next message
  /voice <file>   attach a voice recording to the next message
  /new            start a new ticket after the current one was closed
  /quit           leave the chat`,
	Args: cobra.NoArgs,
	RunE: runWidget,
}

func runWidget(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	w := widget.New(cfg, logger)
	defer w.Close()

	w.SetHooks(widget.Hooks{
		OnMessages: func(msgs []models.ChatMessage) {
			if len(msgs) == 0 {
				return
			}
			printMessage(msgs[len(msgs)-1])
		},
		OnStatus: func(s ticket.State) {
			if s == ticket.StateClosed {
				fmt.Println("\n-- ticket closed by support, /new starts a fresh one --")
			}
		},
		OnConnectivity: func(s channel.Status) {
			if s == channel.StatusDisconnected {
				fmt.Println("-- connection lost, reconnecting --")
			}
		},
	})

	if err := w.Start(ctx); err != nil {
		return fmt.Errorf("start widget: %w", err)
	}

	fmt.Printf("Session %s", w.ClientID())
	if t := w.Ticket(); t != nil {
		fmt.Printf(", resumed ticket #%d (%s)", t.ID, t.Status)
	}
	fmt.Println()

	var pending *models.Attachments

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())

		switch {
		case line == "":
			continue
		case line == "/quit":
			return nil
		case line == "/new":
			w.StartNewTicket()
			fmt.Println("-- new conversation, your next message opens a ticket --")
			continue
		case strings.HasPrefix(line, "/image ") || strings.HasPrefix(line, "/voice "):
			att, err := uploadFile(ctx, w, strings.TrimSpace(line[len("/image "):]))
			if err != nil {
				fmt.Fprintf(os.Stderr, "upload failed: %v\n", err)
				continue
			}
			pending = att
			fmt.Println("-- attached, will be sent with your next message --")
			continue
		case strings.HasPrefix(line, "/"):
			fmt.Fprintf(os.Stderr, "unknown command %q\n", line)
			continue
		}

		if err := w.Send(ctx, line, pending); err != nil {
			fmt.Fprintf(os.Stderr, "send failed, message kept for retry: %v\n", err)
			continue
		}
		pending = nil
	}
}

// uploadFile pushes one local file to the backend's object storage.
func uploadFile(ctx context.Context, w *widget.Widget, path string) (*models.Attachments, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	res, err := w.Upload(ctx, filepath.Base(path), data)
	if err != nil {
		return nil, err
	}

	att := &models.Attachments{
		Transcription:    res.Transcription,
		ImageDescription: res.ImageDescription,
	}
	if res.Transcription != "" {
		att.AudioURL = res.URL
	} else {
		att.ImageURL = res.URL
	}
	return att, nil
}

func printMessage(m models.ChatMessage) {
	who := "you"
	if m.SenderType == models.SenderOperator {
		who = "support"
		if m.SenderName != "" {
			who = m.SenderName
		}
	}
	marker := ""
	if !m.Confirmed() {
		marker = " (sending...)"
	}
	fmt.Printf("[%s] %s%s\n", who, m.Text, marker)
}
