package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dgnsrekt/streamrelay/internal/reconnect"
	"github.com/dgnsrekt/streamrelay/internal/sse"
	"github.com/dgnsrekt/streamrelay/internal/store"
)

func tailCmd() *cobra.Command {
	var (
		sessionKey  string
		lastEventID string
		resume      bool
	)

	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Write a resilient upstream event stream to stdout",
		Long: `Open an upstream event stream for a session and write every delivered
event to stdout as event-stream frames. Connection loss is retried with
backoff, the stream resumes from the last seen event id, and the durable
position is kept in the configured store.

Examples:
  # Follow a session
  streamrelay tail --session 7f1c...

  # Continue where the previous run stopped (needs a file store)
  STREAMRELAY_STORE_KIND=file streamrelay tail --session 7f1c... --resume`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			if sessionKey == "" {
				sessionKey = uuid.NewString()
				logger.Info("generated session id", zap.String("session", sessionKey))
			}

			c, err := buildComponents(ctx)
			if err != nil {
				return err
			}
			defer func() {
				shutdownCtx, stop := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
				defer stop()
				c.close(shutdownCtx)
			}()

			token := lastEventID
			if token == "" && resume {
				durable, err := c.store.GetLastToken(ctx, sessionKey)
				if err != nil && !errors.Is(err, store.ErrNotFound) {
					return fmt.Errorf("reading durable token: %w", err)
				}
				token = durable
			}

			out := bufio.NewWriter(os.Stdout)
			enc := sse.NewEncoder(out)
			var writeErr error

			// Events arrive on the stream goroutine only.
			stream, err := c.manager.Open(ctx, sessionKey, token, func(_ string, ev sse.Event) {
				if writeErr != nil {
					return
				}
				if writeErr = enc.Encode(ev); writeErr == nil {
					writeErr = out.Flush()
				}
				if writeErr != nil {
					cancel()
				}
			})
			if err != nil {
				return err
			}

			logger.Info("tailing upstream",
				zap.String("session", sessionKey),
				zap.Stringer("resume", stream.Resumption().Decision),
				zap.String("lastEventID", stream.Resumption().Token),
			)

			<-stream.Done()
			if writeErr != nil {
				return fmt.Errorf("writing to stdout: %w", writeErr)
			}
			if err := stream.Err(); !errors.Is(err, reconnect.ErrClosed) {
				return err
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&sessionKey, "session", "s", "", "session id (generated when empty)")
	cmd.Flags().StringVar(&lastEventID, "last-event-id", "", "last seen token; the stream resumes from the stored position when the store has one, otherwise it starts fresh")
	cmd.Flags().BoolVar(&resume, "resume", false, "start from the session's durable position in the store")

	return cmd
}
