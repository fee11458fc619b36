package cli

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nikzan/Multimodal-Support-System/internal/dashboard"
	"github.com/nikzan/Multimodal-Support-System/internal/models"
)

var dashboardOperator string

var dashboardCmd = &cobra.Command{
	Use:   "dashboard",
	Short: "Operator dashboard for a project's tickets",
	Long: `Watch a project's ticket feed live and work individual conversations.

Commands inside the dashboard:
  list                     show the (filtered) ticket feed
  open <id>                focus a ticket's conversation
  reply <text>             answer in the focused conversation
  rag                      show the suggested answer for the focused ticket
  status <id> <status>     move a ticket to OPEN, IN_PROGRESS or CLOSED
  close <id>               close a ticket
  delete <id>              delete a ticket
  filter [status] [text]   narrow the feed; no arguments clears it
  quit                     leave`,
	Args: cobra.NoArgs,
	RunE: runDashboard,
}

func init() {
	dashboardCmd.Flags().StringVar(&dashboardOperator, "name", "Operator", "operator display name")
}

func runDashboard(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	d := dashboard.New(cfg, dashboardOperator, logger)
	defer d.Close()

	d.SetHooks(dashboard.Hooks{
		OnMessages: func(msgs []models.ChatMessage) {
			if len(msgs) == 0 {
				return
			}
			printMessage(msgs[len(msgs)-1])
		},
	})

	if err := d.Start(ctx); err != nil {
		return fmt.Errorf("start dashboard: %w", err)
	}
	printFeed(d.Tickets())

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("# ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}

		var err error
		switch fields[0] {
		case "quit":
			return nil
		case "list":
			printFeed(d.Tickets())
		case "open":
			var id int64
			if id, err = parseID(fields); err == nil {
				if err = d.OpenTicket(ctx, id); err == nil {
					for _, m := range d.Messages() {
						printMessage(m)
					}
				}
			}
		case "reply":
			err = d.SendReply(ctx, strings.Join(fields[1:], " "))
		case "rag":
			if err = d.RefreshRAGAnswer(ctx); err == nil {
				if rag := d.RAGAnswer(); rag != nil && rag.Answer != "" {
					fmt.Printf("suggested (%d unanswered): %s\n", rag.MessagesCount, rag.Answer)
				} else {
					fmt.Println("no suggestion available")
				}
			}
		case "status":
			var id int64
			if id, err = parseID(fields); err == nil && len(fields) > 2 {
				err = d.SetStatus(ctx, id, models.TicketStatus(strings.ToUpper(fields[2])))
			}
		case "close":
			var id int64
			if id, err = parseID(fields); err == nil {
				err = d.CloseTicket(ctx, id)
			}
		case "delete":
			var id int64
			if id, err = parseID(fields); err == nil {
				err = d.DeleteTicket(ctx, id)
			}
		case "filter":
			d.SetFilter(parseFilter(fields[1:]))
			printFeed(d.Tickets())
		default:
			fmt.Fprintf(os.Stderr, "unknown command %q\n", fields[0])
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
		}
	}
}

func parseID(fields []string) (int64, error) {
	if len(fields) < 2 {
		return 0, fmt.Errorf("ticket id required")
	}
	return strconv.ParseInt(fields[1], 10, 64)
}

// parseFilter reads an optional status word followed by free query text.
func parseFilter(args []string) dashboard.Filter {
	var f dashboard.Filter
	if len(args) == 0 {
		return f
	}
	if s := models.TicketStatus(strings.ToUpper(args[0])); s.Rank() >= 0 {
		f.Status = s
		args = args[1:]
	}
	f.Query = strings.Join(args, " ")
	return f
}

func printFeed(tickets []models.Ticket) {
	if len(tickets) == 0 {
		fmt.Println("no tickets")
		return
	}
	for _, t := range tickets {
		fmt.Printf("#%-4d %-12s %-8s %-8s %s\n",
			t.ID, t.Status, t.Priority, t.Sentiment, t.Text())
	}
}
