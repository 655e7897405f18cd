package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/onboarding-workflow/internal/logging"
)

// Notification channels raised by the table triggers in migrations/postgres
const (
	ChannelDaoBotChanges = "dao_bot_changes"
	ChannelGithubChanges = "github_changes"
)

// ChangeFeed listens for Postgres notifications on a dedicated connection and
// calls the handlers subscribed to each channel. After every (re)connect all
// handlers are called once, since notifications sent while disconnected are lost.
type ChangeFeed struct {
	connString     string
	reconnectDelay time.Duration
	logger         *logging.Logger

	mu       sync.RWMutex
	handlers map[string][]func()
}

// NewChangeFeed creates a listener for the database at connString
func NewChangeFeed(connString string, logger *logging.Logger) *ChangeFeed {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	return &ChangeFeed{
		connString:     connString,
		reconnectDelay: 5 * time.Second,
		logger:         logger.WithComponent("change-feed"),
		handlers:       make(map[string][]func()),
	}
}

// Subscribe registers fn for notifications on channel. Call before Run.
func (f *ChangeFeed) Subscribe(channel string, fn func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[channel] = append(f.handlers[channel], fn)
}

// Channels returns the subscribed channel names
func (f *ChangeFeed) Channels() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	channels := make([]string, 0, len(f.handlers))
	for ch := range f.handlers {
		channels = append(channels, ch)
	}
	return channels
}

// Run listens until ctx is cancelled, reconnecting on failure
func (f *ChangeFeed) Run(ctx context.Context) error {
	for {
		err := f.listen(ctx)
		if ctx.Err() != nil {
			return nil
		}
		f.logger.WithError(err).Warnf("Change feed disconnected, reconnecting in %s", f.reconnectDelay)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(f.reconnectDelay):
		}
	}
}

func (f *ChangeFeed) listen(ctx context.Context) error {
	conn, err := pgx.Connect(ctx, f.connString)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = conn.Close(closeCtx)
	}()

	channels := f.Channels()
	for _, ch := range channels {
		if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{ch}.Sanitize()); err != nil {
			return fmt.Errorf("failed to listen on %s: %w", ch, err)
		}
	}
	f.logger.WithField("channels", channels).Info("Change feed listening")

	for _, ch := range channels {
		f.dispatch(ch)
	}

	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			return err
		}
		f.logger.WithFields(map[string]interface{}{
			"channel": n.Channel,
			"payload": n.Payload,
		}).Debug("Change notification")
		f.dispatch(n.Channel)
	}
}

func (f *ChangeFeed) dispatch(channel string) {
	f.mu.RLock()
	handlers := f.handlers[channel]
	f.mu.RUnlock()
	for _, fn := range handlers {
		fn()
	}
}
