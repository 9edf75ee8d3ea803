package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/secure-relay/internal/models"
	"github.com/spf13/cobra"
)

var (
	// Styles
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("62")).
			Padding(0, 1)

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("212"))

	idStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("240")).
		Italic(true)

	countStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("42")).
			Bold(true)

	dateStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))

	okStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("42"))

	warnStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("214"))

	errStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Bold(true)
)

var usersCmd = &cobra.Command{
	Use:   "users",
	Short: "List identities that are online",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := openDevice(cmd.Context())
		if err != nil {
			return err
		}
		defer d.Close()

		var users []string
		if err := d.request(cmd.Context(), models.EventGetAvailableUsers, models.EventUsersAvailable, &users); err != nil {
			return fmt.Errorf("failed to list users: %w", err)
		}

		out := cmd.OutOrStdout()
		fmt.Fprintln(out, headerStyle.Render(fmt.Sprintf("Online (%d)", len(users))))
		for _, u := range users {
			fmt.Fprintf(out, "  %s\n", titleStyle.Render(u))
		}
		return nil
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show call statistics for this identity",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := openDevice(cmd.Context())
		if err != nil {
			return err
		}
		defer d.Close()

		var st models.CallStatistics
		if err := d.request(cmd.Context(), models.EventGetStats, models.EventCallStats, &st); err != nil {
			return fmt.Errorf("failed to fetch statistics: %w", err)
		}
		printStats(cmd, d.self, st)
		return nil
	},
}

func printStats(cmd *cobra.Command, self string, st models.CallStatistics) {
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, headerStyle.Render("Calls for "+self))

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "  total\t%s\n", countStyle.Render(fmt.Sprint(st.TotalCalls)))
	fmt.Fprintf(w, "  duration\t%s\n", countStyle.Render((time.Duration(st.TotalDuration) * time.Millisecond).String()))
	fmt.Fprintf(w, "  encrypted\t%s\n", countStyle.Render(fmt.Sprint(st.EncryptedCalls)))
	fmt.Fprintf(w, "  video\t%s\n", countStyle.Render(fmt.Sprint(st.VideoCalls)))
	w.Flush()
}

func init() {
	rootCmd.AddCommand(usersCmd, statsCmd)
}
