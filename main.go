package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"chatsync/api"
	"chatsync/config"
	"chatsync/models"
)

var rootCmd = &cobra.Command{
	Use:           "chatsync",
	Short:         "Realtime one-to-one chat client",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var (
	flagBackendURL string
	flagLogLevel   string
	flagEmail      string
	flagPassword   string
)

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&flagBackendURL, "backend-url", "", "backend base URL (overrides config, env "+config.EnvBackendURL+" and discovery)")
	flags.StringVar(&flagLogLevel, "log-level", "", "log level: trace, debug, info, warn, error, disabled")

	signinCmd.Flags().StringVar(&flagEmail, "email", "", "account email")
	signinCmd.Flags().StringVar(&flagPassword, "password", "", "account password (prompted when empty)")

	rootCmd.AddCommand(signinCmd, signoutCmd, whoamiCmd, roomsCmd, chatCmd)
}

var signinCmd = &cobra.Command{
	Use:   "signin",
	Short: "Sign in and store the credential",
	RunE:  runSignIn,
}

var signoutCmd = &cobra.Command{
	Use:   "signout",
	Short: "Forget the stored credential",
	RunE:  runSignOut,
}

var whoamiCmd = &cobra.Command{
	Use:   "whoami",
	Short: "Print the signed-in identity",
	RunE:  runWhoAmI,
}

var roomsCmd = &cobra.Command{
	Use:   "rooms",
	Short: "List chat rooms",
	RunE:  runRooms,
}

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Open the interactive chat",
	RunE:  runChat,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("chatsync failed")
	}
}

func commandContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runSignIn(cmd *cobra.Command, args []string) error {
	ctx, stop := commandContext()
	defer stop()

	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	reader := bufio.NewReader(os.Stdin)
	email := strings.TrimSpace(flagEmail)
	if email == "" {
		if email, err = prompt(reader, "Email: "); err != nil {
			return err
		}
	}
	password := flagPassword
	if password == "" {
		if password, err = prompt(reader, "Password: "); err != nil {
			return err
		}
	}

	creds, err := a.client.SignIn(ctx, email, password)
	if err != nil {
		if errors.Is(err, api.ErrInvalidCredentials) {
			if message := api.BackendMessage(err); message != "" {
				return fmt.Errorf("sign in rejected: %s", message)
			}
		}
		return fmt.Errorf("sign in: %w", err)
	}
	if err := a.session.SignIn(creds.Token, creds.RefreshToken); err != nil {
		return fmt.Errorf("store credential: %w", err)
	}

	fmt.Printf("Signed in as:    %s\n", a.session.CurrentUserID())
	fmt.Printf("Backend:         %s\n", a.backendURL)
	return nil
}

func runSignOut(cmd *cobra.Command, args []string) error {
	ctx, stop := commandContext()
	defer stop()

	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.session.SignOut(); err != nil {
		return err
	}
	fmt.Println("Signed out")
	return nil
}

func runWhoAmI(cmd *cobra.Command, args []string) error {
	ctx, stop := commandContext()
	defer stop()

	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	userID := a.session.CurrentUserID()
	if userID == "" {
		userID = "(signed out)"
	}
	fmt.Printf("User ID:         %s\n", userID)
	fmt.Printf("Installation ID: %s\n", a.cfg.InstallationID)
	fmt.Printf("Backend:         %s\n", a.backendURL)
	fmt.Printf("Config File:     %s\n", a.cfgPath)
	fmt.Printf("Data Directory:  %s\n", a.dataDir)
	return nil
}

func runRooms(cmd *cobra.Command, args []string) error {
	ctx, stop := commandContext()
	defer stop()

	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	self := a.session.CurrentUserID()
	if self == "" {
		return errors.New("not signed in")
	}
	rooms, err := a.client.ListRooms(ctx)
	if err != nil {
		return fmt.Errorf("list rooms: %w", err)
	}
	if len(rooms) == 0 {
		fmt.Println("No rooms yet")
		return nil
	}
	for i, room := range rooms {
		fmt.Println(formatRoom(i+1, room, self))
	}
	return nil
}

func formatRoom(index int, room models.Room, self string) string {
	line := fmt.Sprintf("%2d. %-24s %s", index, contactName(room, self), room.ID)
	if room.LatestMessage != nil {
		line += fmt.Sprintf("  %q", truncate(room.LatestMessage.Content, 40))
	}
	return line
}

func truncate(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit-1]) + "…"
}

func prompt(reader *bufio.Reader, label string) (string, error) {
	fmt.Print(label)
	line, err := reader.ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("read input: %w", err)
	}
	return strings.TrimSpace(line), nil
}
