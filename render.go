package main

import (
	"fmt"
	"io"
	"sync"
)

// MessageList is the rendered chat transcript. Entries are only ever
// appended, in the order Append is called.
type MessageList struct {
	mu      sync.Mutex
	out     io.Writer
	entries []string
}

func newMessageList(out io.Writer) *MessageList {
	return &MessageList{out: out}
}

func (l *MessageList) Append(msg InboundMessage) {
	entry := msg.String()

	l.mu.Lock()
	defer l.mu.Unlock()

	l.entries = append(l.entries, entry)

	fmt.Fprintln(l.out, entry)
}

// Notice writes a status line that is not part of the transcript.
func (l *MessageList) Notice(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()

	fmt.Fprintf(l.out, "* "+format+"\n", args...)
}

// Print writes s verbatim, outside the transcript.
func (l *MessageList) Print(s string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	io.WriteString(l.out, s)
}

func (l *MessageList) transcript() []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	return append([]string(nil), l.entries...)
}

// Draft is the message input.
type Draft struct {
	mu    sync.Mutex
	value string
}

func (d *Draft) Set(v string) {
	d.mu.Lock()
	d.value = v
	d.mu.Unlock()
}

func (d *Draft) Value() string {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.value
}

func (d *Draft) Clear() {
	d.Set("")
}

// Sender is the part of a Session the composer needs.
type Sender interface {
	Send(text string) error
}

// Composer sends the draft and clears it once the frame is written.
type Composer struct {
	sender Sender
	draft  *Draft
}

func newComposer(sender Sender, draft *Draft) *Composer {
	return &Composer{sender: sender, draft: draft}
}

func (c *Composer) Submit() error {
	if err := c.sender.Send(c.draft.Value()); err != nil {
		return err
	}

	c.draft.Clear()

	return nil
}
