package testutil

import (
	"context"
	"fmt"
	"sync"

	"commsgate/internal/channel"
	"commsgate/internal/models"
)

// FakeSender is an in-memory channel.Sender. Each call pops the next
// scripted error; when the script is exhausted sends succeed.
type FakeSender struct {
	mu     sync.Mutex
	ch     models.Channel
	maxLen int
	errs   []error
	sent   []channel.Message
	calls  int
}

// NewFakeSender creates a fake sender for ch.
func NewFakeSender(ch models.Channel, maxLen int) *FakeSender {
	return &FakeSender{ch: ch, maxLen: maxLen}
}

// FailWith queues errors returned by the next sends, in order.
func (f *FakeSender) FailWith(errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs = append(f.errs, errs...)
}

func (f *FakeSender) Name() models.Channel { return f.ch }

func (f *FakeSender) MaxLength() int { return f.maxLen }

func (f *FakeSender) Send(_ context.Context, msg channel.Message) (channel.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return channel.Result{}, err
		}
	}
	f.sent = append(f.sent, msg)
	return channel.Result{MessageID: fmt.Sprintf("%s-%d", f.ch, len(f.sent))}, nil
}

// Sent returns the successfully sent messages.
func (f *FakeSender) Sent() []channel.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]channel.Message, len(f.sent))
	copy(out, f.sent)
	return out
}

// Calls returns the number of Send invocations, failed ones included.
func (f *FakeSender) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}
