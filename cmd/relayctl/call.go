package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/secure-relay/internal/client"
	"github.com/secure-relay/internal/crypto"
	"github.com/secure-relay/internal/models"
	"github.com/spf13/cobra"
)

var (
	callVideo bool
	callHold  time.Duration
)

var callCmd = &cobra.Command{
	Use:   "call <email>",
	Short: "Ring an identity and hold the call",
	Long: `Ring an online identity with a WebRTC offer and a fresh X25519 public key.

ctrl-c while ringing cancels the call. Once answered, the call is held for
--hold (until ctrl-c when zero) and then ended; the relay reports its
duration to both parties.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		d, err := openDevice(ctx)
		if err != nil {
			return err
		}
		defer d.Close()

		peer, err := client.NewCallPeer(callVideo, nil)
		if err != nil {
			return err
		}
		defer peer.Close()

		gatherCtx, cancel := context.WithTimeout(ctx, timeout)
		offer, err := peer.Offer(gatherCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("failed to create offer: %w", err)
		}

		pub, priv, err := crypto.GenerateKeyPair()
		if err != nil {
			return err
		}
		if err := d.client.RequestCall(args[0], offer, pub, callVideo); err != nil {
			return err
		}

		env, err := awaitWithTimeout(cmd, d, models.EventCallRinging)
		if err != nil {
			return fmt.Errorf("failed to call %s: %w", args[0], err)
		}
		var ringing models.CallRingingPayload
		if err := env.Decode(&ringing); err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "%s %s %s\n", countStyle.Render("ringing"), titleStyle.Render(ringing.CalleeEmail), idStyle.Render(ringing.CallID))

		env, err = d.client.Await(ctx, models.EventCallAnswered, models.EventCallRejected, models.EventCallEnded)
		if ctx.Err() != nil {
			if err := d.client.RejectCall(ringing.CallID); err != nil {
				return err
			}
			fmt.Fprintln(out, warnStyle.Render("cancelled"))
			return nil
		}
		if err != nil {
			return err
		}

		switch env.Type {
		case models.EventCallRejected:
			fmt.Fprintf(out, "%s by %s\n", warnStyle.Render("rejected"), titleStyle.Render(ringing.CalleeEmail))
			return nil
		case models.EventCallEnded:
			var p models.CallEndedPayload
			env.Decode(&p)
			fmt.Fprintln(out, endedLine(p))
			return nil
		}

		var answered models.CallAnsweredPayload
		if err := env.Decode(&answered); err != nil {
			return err
		}
		desc, err := client.DecodeSessionDescription(answered.Answer)
		if err != nil {
			return fmt.Errorf("invalid answer: %w", err)
		}
		if err := peer.Accept(desc); err != nil {
			return fmt.Errorf("failed to apply answer: %w", err)
		}

		fmt.Fprintf(out, "%s %s\n", okStyle.Render("connected"), titleStyle.Render(answered.CalleeEmail))
		if keyID, err := callKeyID(priv, answered.CalleePublicKey, ringing.CallID); err != nil {
			fmt.Fprintf(out, "%s %v\n", errStyle.Render("no call key"), err)
		} else if keyID != "" {
			fmt.Fprintf(out, "call key %s\n", countStyle.Render(keyID))
		}

		return holdCall(ctx, cmd, d, ringing.CallID)
	},
}

// holdCall waits for the hold period or ctrl-c and then ends the call. A
// call ended by the other side returns early.
func holdCall(ctx context.Context, cmd *cobra.Command, d *device, callID string) error {
	out := cmd.OutOrStdout()

	holdCtx := ctx
	if callHold > 0 {
		var cancel context.CancelFunc
		holdCtx, cancel = context.WithTimeout(ctx, callHold)
		defer cancel()
	}

	env, err := d.client.Await(holdCtx, models.EventCallEnded)
	if err == nil {
		var p models.CallEndedPayload
		env.Decode(&p)
		fmt.Fprintln(out, endedLine(p))
		return nil
	}
	if !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		return err
	}

	if err := d.client.EndCall(callID); err != nil {
		return err
	}
	endCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	env, err = d.client.Await(endCtx, models.EventCallEnded)
	if err != nil {
		return fmt.Errorf("failed to end call: %w", err)
	}
	var p models.CallEndedPayload
	if err := env.Decode(&p); err != nil {
		return err
	}
	fmt.Fprintln(out, endedLine(p))
	return nil
}

func init() {
	callCmd.Flags().BoolVar(&callVideo, "video", false, "Offer a video call")
	callCmd.Flags().DurationVar(&callHold, "hold", 0, "End the call after this long (0 waits for ctrl-c)")
	rootCmd.AddCommand(callCmd)
}
