package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"chatsync/engine"
	"chatsync/messagelog"
	"chatsync/models"
)

const chatHelp = `Commands:
  /rooms           list rooms
  /open <n|id>     open a room by list number or id
  /find <email>    find the room shared with a contact
  /quit            leave
Anything else is sent to the open room.`

func runChat(cmd *cobra.Command, args []string) error {
	ctx, stop := commandContext()
	defer stop()

	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	if a.session.CurrentUserID() == "" {
		return errors.New("not signed in; run chatsync signin first")
	}

	e, manager, err := a.newEngine()
	if err != nil {
		return err
	}
	defer manager.Close()
	defer e.Close()

	if err := e.Start(); err != nil {
		return err
	}

	fmt.Printf("Signed in as %s on %s\n", e.CurrentUserID(), a.backendURL)
	fmt.Println(chatHelp)

	view := &chatView{engine: e, printed: make(map[string]bool)}
	go view.render(ctx)

	lines := make(chan string)
	go readLines(lines)

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := handleChatLine(ctx, e, line); quit {
				return nil
			}
		}
	}
}

func readLines(out chan<- string) {
	defer close(out)
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		out <- scanner.Text()
	}
}

func handleChatLine(ctx context.Context, e *engine.Engine, line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}
	if !strings.HasPrefix(line, "/") {
		// failures are rendered from the notice stream
		_, _ = e.Send(line)
		return false
	}

	command, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)
	switch command {
	case "/quit", "/exit":
		return true
	case "/rooms":
		rooms := e.Rooms()
		if len(rooms) == 0 {
			fmt.Println("No rooms yet")
		}
		for i, room := range rooms {
			fmt.Println(formatRoom(i+1, room, e.CurrentUserID()))
		}
	case "/open":
		roomID := arg
		if n, err := strconv.Atoi(arg); err == nil {
			rooms := e.Rooms()
			if n < 1 || n > len(rooms) {
				fmt.Printf("! no room number %d\n", n)
				return false
			}
			roomID = rooms[n-1].ID
		}
		if err := e.SelectRoom(ctx, roomID); err == nil {
			if room, ok := e.SelectedRoom(); ok {
				fmt.Printf("* chatting with %s\n", contactName(room, e.CurrentUserID()))
			}
		}
	case "/find":
		room, err := e.FindContact(ctx, arg)
		if err == nil {
			fmt.Printf("* found %s in room %s\n", contactName(room, e.CurrentUserID()), room.ID)
		}
	default:
		fmt.Println(chatHelp)
	}
	return false
}

// chatView prints engine events for the open room.
type chatView struct {
	engine  *engine.Engine
	printed map[string]bool
}

func (v *chatView) render(ctx context.Context) {
	events := v.engine.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-events:
			v.handle(event)
		}
	}
}

func (v *chatView) handle(event engine.Event) {
	switch event.Kind {
	case engine.EventMessagesChanged:
		room, ok := v.engine.SelectedRoom()
		if !ok || (event.RoomID != "" && event.RoomID != room.ID) {
			return
		}
		self := v.engine.CurrentUserID()
		for _, entry := range v.engine.Messages(room.ID) {
			key := entryKey(entry)
			if v.printed[key] {
				continue
			}
			v.printed[key] = true
			fmt.Println(formatEntry(entry, room, self))
		}
	case engine.EventNotice:
		if event.Notice != nil {
			fmt.Printf("! %s\n", event.Notice.Message)
		}
	case engine.EventConnectionChanged:
		fmt.Printf("* connection %s\n", event.State)
	case engine.EventIdentityChanged:
		if event.AccountSwitched {
			v.printed = make(map[string]bool)
		}
	}
}

func entryKey(entry messagelog.Entry) string {
	if entry.TempID != "" {
		return "tmp:" + entry.TempID
	}
	return "id:" + entry.Message.ID
}

func formatEntry(entry messagelog.Entry, room models.Room, self string) string {
	author := "you"
	if entry.Message.SenderID != self {
		author = contactName(room, self)
	}
	stamp := entry.Message.CreatedAt.Local().Format("15:04")
	line := fmt.Sprintf("[%s] %s: %s", stamp, author, entry.Message.Content)
	if entry.Pending {
		line += " (sending)"
	}
	return line
}

func contactName(room models.Room, self string) string {
	counterpart, ok := room.Counterpart(self)
	if !ok {
		return "(no contact)"
	}
	if name := counterpart.DisplayName(); name != "" {
		return name
	}
	return counterpart.ID
}
