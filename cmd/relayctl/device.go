package main

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/secure-relay/internal/client"
	"github.com/secure-relay/internal/crypto"
	"github.com/secure-relay/internal/identity"
	"github.com/secure-relay/internal/models"
	"github.com/spf13/cobra"
)

// device is one open relay connection plus the local history it feeds
type device struct {
	self     string
	client   *client.Client
	sessions *client.Reconciler
	closeDB  func() error
}

func selfIdentity() (string, error) {
	self := identity.Normalize(email)
	if self == "" {
		return "", errors.New("--email (or RELAY_EMAIL) is required")
	}
	return self, nil
}

// openSessions restores the history of self. A .db store is SQLite,
// anything else a JSON file.
func openSessions(self string) (*client.Reconciler, func() error, error) {
	path := storePath
	if path == "" {
		p, err := defaultStorePath(self)
		if err != nil {
			return nil, nil, err
		}
		path = p
	}

	if strings.HasSuffix(path, ".db") {
		st, err := client.OpenSQLiteStorage(path)
		if err != nil {
			return nil, nil, err
		}
		return client.NewReconciler(self, st, slog.Default()), st.Close, nil
	}
	return client.NewReconciler(self, client.NewFileStorage(path), slog.Default()), func() error { return nil }, nil
}

func openDevice(ctx context.Context) (*device, error) {
	self, err := selfIdentity()
	if err != nil {
		return nil, err
	}
	sessions, closeDB, err := openSessions(self)
	if err != nil {
		return nil, err
	}

	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	c, err := client.Dial(dialCtx, client.Options{
		URL:    serverURL,
		Email:  self,
		Token:  token,
		Logger: slog.Default(),
	}, sessions)
	if err != nil {
		closeDB()
		return nil, err
	}

	return &device{self: self, client: c, sessions: sessions, closeDB: closeDB}, nil
}

func (d *device) Close() {
	d.client.Close()
	if err := d.closeDB(); err != nil {
		slog.Warn("failed to close session store", "error", err)
	}
}

// connect makes sure the presence edge to peer exists before relaying
func (d *device) connect(ctx context.Context, peer string) (models.ConnectionEstablishedPayload, error) {
	var p models.ConnectionEstablishedPayload
	if err := d.client.ConnectTo(peer); err != nil {
		return p, err
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	target := identity.Normalize(peer)
	for {
		env, err := d.client.Await(ctx, models.EventConnectionEstablished)
		if err != nil {
			return p, err
		}
		if err := env.Decode(&p); err != nil {
			return p, err
		}
		if p.Email == target {
			return p, nil
		}
	}
}

// settle waits briefly for a scoped error. The relay does not acknowledge
// successful deliveries, so silence means success.
func (d *device) settle(ctx context.Context, wait time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	_, err := d.client.Await(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

// request sends one query event and waits for its reply
func (d *device) request(ctx context.Context, t models.EventType, reply models.EventType, v any) error {
	if err := d.client.Send(t, nil); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	env, err := d.client.Await(ctx, reply)
	if err != nil {
		return err
	}
	return env.Decode(v)
}

// messageKey is nil without a passphrase, which sends plain text
func messageKey(self, peer string) []byte {
	if passphrase == "" {
		return nil
	}
	return crypto.MessageKey(passphrase, identity.PairKey(self, peer))
}

// readable returns the displayable content of a message exchanged with
// peer, opening it when it is encrypted and the key is known.
func readable(self, peer string, msg models.Message) string {
	switch msg.Type {
	case models.MessageTypeFile, models.MessageTypeEncryptedFile:
		return fmt.Sprintf("[file %s, %d bytes]", msg.FileName, msg.FileSize)
	case models.MessageTypeEncryptedText:
		key := messageKey(self, peer)
		if key == nil {
			return "[encrypted]"
		}
		plain, err := crypto.Open(key, msg.Content)
		if err != nil {
			return "[encrypted, wrong passphrase]"
		}
		return string(plain)
	}
	return msg.Content
}

// fileContent decodes the inline data URL of a file message
func fileContent(self, peer string, msg models.Message) ([]byte, error) {
	_, data, ok := strings.Cut(msg.FileURL, ";base64,")
	if !ok {
		return nil, fmt.Errorf("file %s is not inline", msg.FileName)
	}
	if !msg.Encrypted {
		return base64.StdEncoding.DecodeString(data)
	}
	key := messageKey(self, peer)
	if key == nil {
		return nil, errors.New("file is encrypted and no passphrase was given")
	}
	return crypto.Open(key, data)
}

func contextWithTimeout(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), timeout)
}
