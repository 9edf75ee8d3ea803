package main

import (
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/secure-relay/internal/client"
	"github.com/secure-relay/internal/identity"
	"github.com/secure-relay/internal/models"
	"github.com/spf13/cobra"
)

var sessionsFilesDir string

var sessionsCmd = &cobra.Command{
	Use:   "sessions [email]",
	Short: "Show the local chat history",
	Long: `Without arguments, list every conversation in the local history, most
recent first. With an email, print that conversation and mark it read.

The history is read from --store and needs no relay connection.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		self, err := selfIdentity()
		if err != nil {
			return err
		}
		sessions, closeDB, err := openSessions(self)
		if err != nil {
			return fmt.Errorf("failed to open session store: %w", err)
		}
		defer closeDB()

		if len(args) == 0 {
			listSessions(cmd, sessions.Sessions())
			return nil
		}

		peer := identity.Normalize(args[0])
		s, ok := sessions.Session(peer)
		if !ok {
			return fmt.Errorf("no conversation with %s", peer)
		}
		if err := showSession(cmd, self, s); err != nil {
			return err
		}
		sessions.MarkRead(peer)
		return nil
	},
}

func listSessions(cmd *cobra.Command, sessions []client.Session) {
	out := cmd.OutOrStdout()
	if len(sessions) == 0 {
		fmt.Fprintln(out, dateStyle.Render("No conversations yet"))
		return
	}

	fmt.Fprintln(out, headerStyle.Render(fmt.Sprintf("Conversations (%d)", len(sessions))))
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	for _, s := range sessions {
		unread := ""
		if s.UnreadCount > 0 {
			unread = countStyle.Render(fmt.Sprintf("%d unread", s.UnreadCount))
		}
		fmt.Fprintf(w, "  %s\t%s\t%s\t%s\n",
			titleStyle.Render(s.Peer),
			fmt.Sprintf("%d messages", len(s.Messages)),
			dateStyle.Render(s.LastActivity.Local().Format("2006-01-02 15:04")),
			unread,
		)
	}
	w.Flush()
}

func showSession(cmd *cobra.Command, self string, s client.Session) error {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s %s\n", headerStyle.Render(s.Peer), idStyle.Render(s.PairKey))

	for _, msg := range s.Messages {
		from := titleStyle.Render(msg.Sender)
		if identity.Equal(msg.Sender, self) {
			from = okStyle.Render("me")
		}
		fmt.Fprintf(out, "  %s %s  %s\n",
			dateStyle.Render(msg.Timestamp.Local().Format("15:04:05")), from, readable(self, s.Peer, msg))

		if sessionsFilesDir != "" && msg.Type.IsFile() {
			if err := saveFile(self, s.Peer, msg); err != nil {
				fmt.Fprintf(out, "    %s\n", errStyle.Render(err.Error()))
			}
		}
	}
	return nil
}

func saveFile(self, peer string, msg models.Message) error {
	data, err := fileContent(self, peer, msg)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(sessionsFilesDir, 0o700); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(sessionsFilesDir, filepath.Base(msg.FileName)), data, 0o600)
}

func init() {
	sessionsCmd.Flags().StringVar(&sessionsFilesDir, "files", "", "Write file attachments of the conversation to this directory")
	rootCmd.AddCommand(sessionsCmd)
}
