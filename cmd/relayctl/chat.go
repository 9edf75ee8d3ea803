package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/secure-relay/internal/models"
	"github.com/spf13/cobra"
)

// settleWait is how long a one-shot command listens for a relay error
const settleWait = 500 * time.Millisecond

var connectCmd = &cobra.Command{
	Use:   "connect <email>",
	Short: "Open a conversation with an online identity",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := openDevice(cmd.Context())
		if err != nil {
			return err
		}
		defer d.Close()

		p, err := d.connect(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("failed to connect to %s: %w", args[0], err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s %s\n",
			okStyle.Render("connected"), titleStyle.Render(p.Email), idStyle.Render(p.ID))
		return nil
	},
}

var disconnectCmd = &cobra.Command{
	Use:   "disconnect <email>",
	Short: "Remove the presence edge to an identity",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := openDevice(cmd.Context())
		if err != nil {
			return err
		}
		defer d.Close()

		if err := d.client.DisconnectFrom(args[0]); err != nil {
			return err
		}
		env, err := awaitWithTimeout(cmd, d, models.EventConnectionRemoved)
		if err != nil {
			return fmt.Errorf("failed to disconnect from %s: %w", args[0], err)
		}
		var p models.ConnectionRemovedPayload
		if err := env.Decode(&p); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", warnStyle.Render("disconnected"), titleStyle.Render(p.Email))
		return nil
	},
}

var sendCmd = &cobra.Command{
	Use:   "send <email> <text...>",
	Short: "Send a text message",
	Long: `Send a text message to an online identity.

With --passphrase the text is sealed with AES-256-GCM and sent as
encrypted_text; the relay forwards it without reading it.`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := openDevice(cmd.Context())
		if err != nil {
			return err
		}
		defer d.Close()

		peer := args[0]
		if _, err := d.connect(cmd.Context(), peer); err != nil {
			return fmt.Errorf("failed to connect to %s: %w", peer, err)
		}

		msg, err := d.client.SendText(peer, strings.Join(args[1:], " "), messageKey(d.self, peer))
		if err != nil {
			return err
		}
		if err := d.settle(cmd.Context(), settleWait); err != nil {
			return fmt.Errorf("message %s was not delivered: %w", msg.ID, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s %s\n",
			okStyle.Render("sent"), string(msg.Type), idStyle.Render(msg.ID))
		return nil
	},
}

var sendFileCmd = &cobra.Command{
	Use:   "send-file <email> <path>",
	Short: "Send a file inline as a data URL",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[1])
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", args[1], err)
		}

		d, err := openDevice(cmd.Context())
		if err != nil {
			return err
		}
		defer d.Close()

		peer := args[0]
		if _, err := d.connect(cmd.Context(), peer); err != nil {
			return fmt.Errorf("failed to connect to %s: %w", peer, err)
		}

		msg, err := d.client.SendFile(peer, filepath.Base(args[1]), data, messageKey(d.self, peer))
		if err != nil {
			return err
		}
		if err := d.settle(cmd.Context(), settleWait); err != nil {
			return fmt.Errorf("file %s was not delivered: %w", msg.FileName, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s (%s)\n",
			okStyle.Render("sent"), msg.FileName, countStyle.Render(fmt.Sprintf("%d bytes", msg.FileSize)))
		return nil
	},
}

func awaitWithTimeout(cmd *cobra.Command, d *device, types ...models.EventType) (models.Envelope, error) {
	ctx, cancel := contextWithTimeout(cmd)
	defer cancel()
	return d.client.Await(ctx, types...)
}

func init() {
	rootCmd.AddCommand(connectCmd, disconnectCmd, sendCmd, sendFileCmd)
}
