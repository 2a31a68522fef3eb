package messaging

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/DreamOne11/FounderBuddy-sub001/internal/models"
	"github.com/google/uuid"
)

// ConsoleService implements Service over a reader and writer, typically a
// terminal. Every line read becomes one inbound message from a fixed user.
type ConsoleService struct {
	in    io.Reader
	out   io.Writer
	user  string
	inbox *inbox
	outMu sync.Mutex
	once  sync.Once
}

// NewConsoleService creates a console channel for user.
func NewConsoleService(in io.Reader, out io.Writer, user string) *ConsoleService {
	return &ConsoleService{in: in, out: out, user: user, inbox: newInbox("ConsoleService")}
}

// ValidateAndCanonicalizeRecipient accepts any non-blank name.
func (s *ConsoleService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	recipient = strings.TrimSpace(recipient)
	if recipient == "" {
		return "", fmt.Errorf("recipient cannot be empty")
	}
	return recipient, nil
}

// Start reads lines in the background until EOF or ctx is cancelled. EOF
// stops the service, which ends the inbound channel.
func (s *ConsoleService) Start(ctx context.Context) error {
	s.once.Do(func() {
		go func() {
			defer s.inbox.close()
			scanner := bufio.NewScanner(s.in)
			for scanner.Scan() {
				if ctx.Err() != nil {
					return
				}
				line := strings.TrimSpace(scanner.Text())
				if line == "" {
					continue
				}
				s.inbox.emit(models.InboundMessage{
					MessageID: uuid.NewString(),
					From:      s.user,
					Body:      line,
					Time:      time.Now().Unix(),
				})
			}
			if err := scanner.Err(); err != nil {
				slog.Error("ConsoleService read failed", "error", err)
			}
		}()
	})
	return nil
}

// Stop closes the inbound channel. A blocked read ends with its input.
func (s *ConsoleService) Stop() error {
	s.inbox.close()
	return nil
}

// SendMessage prints body.
func (s *ConsoleService) SendMessage(ctx context.Context, to string, body string) error {
	s.outMu.Lock()
	defer s.outMu.Unlock()
	_, err := fmt.Fprintf(s.out, "\n%s\n\n> ", body)
	return err
}

// Inbound returns the channel of typed lines.
func (s *ConsoleService) Inbound() <-chan models.InboundMessage {
	return s.inbox.ch
}
