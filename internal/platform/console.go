package platform

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
)

// ConsoleAdapter is a minimal adapter for local runs and smoke tests.
// Each stdin line becomes a message in a fake DM thread; sends are
// printed to stdout.
type ConsoleAdapter struct {
	in  io.Reader
	out io.Writer

	seq    atomic.Uint64
	stopMu sync.Mutex
	stop   context.CancelFunc
}

func NewConsoleAdapter() *ConsoleAdapter {
	return &ConsoleAdapter{in: os.Stdin, out: os.Stdout}
}

// Start begins the stdin scan loop and returns immediately; the loop ends
// on EOF, Stop, or context cancellation.
func (a *ConsoleAdapter) Start(ctx context.Context, out chan<- Update) error {
	ctx, cancel := context.WithCancel(ctx)
	a.stopMu.Lock()
	a.stop = cancel
	a.stopMu.Unlock()

	go func() {
		sc := bufio.NewScanner(a.in)
		for sc.Scan() {
			if ctx.Err() != nil {
				return
			}
			line := sc.Text()
			if line == "" {
				continue
			}
			msg := &Message{
				ID:       "console-" + strconv.FormatUint(a.seq.Add(1), 10),
				ThreadID: "console",
				SenderID: "console-user",
				Body:     line,
			}
			select {
			case out <- Update{Kind: UpdateMessage, Message: msg}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}

func (a *ConsoleAdapter) Stop(ctx context.Context) error {
	a.stopMu.Lock()
	if a.stop != nil {
		a.stop()
	}
	a.stopMu.Unlock()
	return nil
}

func (a *ConsoleAdapter) SendMessage(ctx context.Context, to ThreadTarget, text string, opt *SendOptions) (MessageRef, error) {
	fmt.Fprintf(a.out, "[%s] %s\n", to.ThreadID, text)
	return MessageRef{ThreadID: to.ThreadID, MessageID: "console-out-" + strconv.FormatUint(a.seq.Add(1), 10)}, nil
}

func (a *ConsoleAdapter) GetUserInfo(ctx context.Context, userID string) (UserInfo, error) {
	return UserInfo{ID: userID, Name: userID}, nil
}

func (a *ConsoleAdapter) GetThreadInfo(ctx context.Context, threadID string) (ThreadInfo, error) {
	return ThreadInfo{ID: threadID, Name: threadID}, nil
}

func (a *ConsoleAdapter) DeleteMessage(ctx context.Context, ref MessageRef) error {
	return nil
}
