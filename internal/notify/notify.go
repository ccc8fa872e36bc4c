// Package notify renders and delivers file-change notifications to one or
// more configured sinks. A Notifier may be shared by several watches; it
// keeps a reference count of how many watches still expect to push events to
// it, and drains its batch queue once that count drops to zero, so every
// queued event is delivered exactly once before the pass ends.
package notify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"text/template"
)

// Kind identifies the type of filesystem change a notification reports.
type Kind string

const (
	KindCreated  Kind = "created"
	KindModified Kind = "modified"
	KindDeleted  Kind = "deleted"
	// KindDone carries no payload; it signals that the emitting watch
	// finished its pass and will send nothing further this pass.
	KindDone Kind = "done"
)

// ErrNegativeWatchCount indicates a Done event arrived for a watch that was
// never registered with AddWatcher, a caller-side sequencing bug.
var ErrNegativeWatchCount = errors.New("notify: watch count went negative")

// Event is a single detected change, ready for rendering.
type Event struct {
	WatchName    string
	Kind         Kind
	Path         string
	MTimeDisplay string
}

var messageTemplates = map[Kind]*template.Template{
	KindCreated:  template.Must(template.New("created").Parse("the file: {{.Path}} was created on: {{.MTimeDisplay}}")),
	KindModified: template.Must(template.New("modified").Parse("the file: {{.Path}} was modified: {{.MTimeDisplay}}")),
	KindDeleted:  template.Must(template.New("deleted").Parse("the file: {{.Path}} was deleted")),
}

var batchTemplate = template.Must(template.New("batch").Parse(
	"Noidd detected changes to the filesystem on host: {{.Host}}:\n{{range .Lines}} - {{.}}\n{{end}}",
))

// render produces the single-line message for one event.
func render(evt Event) (string, error) {
	tmpl, ok := messageTemplates[evt.Kind]
	if !ok {
		return "", fmt.Errorf("notify: unknown event kind %q", evt.Kind)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, evt); err != nil {
		return "", fmt.Errorf("notify: render %s: %w", evt.Kind, err)
	}
	return buf.String(), nil
}

// renderBatch folds the rendered lines into the hostname-prefixed batch
// wrapper message.
func renderBatch(host string, lines []string) (string, error) {
	var buf bytes.Buffer
	err := batchTemplate.Execute(&buf, struct {
		Host  string
		Lines []string
	}{Host: host, Lines: lines})
	if err != nil {
		return "", fmt.Errorf("notify: render batch: %w", err)
	}
	return buf.String(), nil
}

// MessageSender delivers one already-rendered message to its destination.
// Concrete sinks (console, SMS, push) implement this; Notifier handles
// batching and counting around it.
type MessageSender interface {
	Send(ctx context.Context, body string) error
}

// Notifier fans events out to a MessageSender, either immediately or batched
// up to messageLimit lines per delivery. It is safe for concurrent use by
// multiple watches.
type Notifier struct {
	name    string
	sender  MessageSender
	batch   bool
	limit   int
	hostFQN string

	// queue is the bounded FIFO of rendered bodies awaiting a batched
	// delivery. Its capacity is the message limit, so an enqueue that would
	// overflow triggers a flush first.
	queue chan string

	mu         sync.Mutex
	watchCount int

	received atomic.Int64
	sent     atomic.Int64
}

// NewNotifier constructs a Notifier around sender. When batch is true,
// events are queued and flushed in bodies of up to limit lines, either when
// the queue fills or when the last registered watch finishes its pass;
// otherwise each event is sent as it arrives.
func NewNotifier(name string, sender MessageSender, batch bool, limit int, hostFQN string) *Notifier {
	if limit <= 0 {
		limit = 5
	}
	return &Notifier{
		name:    name,
		sender:  sender,
		batch:   batch,
		limit:   limit,
		hostFQN: hostFQN,
		queue:   make(chan string, limit),
	}
}

// Name returns the notifier's configured name, used for retry-queue
// attribution and logging.
func (n *Notifier) Name() string { return n.name }

// AddWatcher registers one more watch that will push events to this
// Notifier. Every watch must register before emitting, so a Done from one
// watch cannot drain the queue while another is still scanning.
func (n *Notifier) AddWatcher() {
	n.mu.Lock()
	n.watchCount++
	n.mu.Unlock()
}

// Notify accepts one event. A Done event decrements the watch refcount and,
// when it reaches zero, drains the batch queue. Any other kind is rendered
// and either sent immediately or enqueued, depending on how the Notifier was
// constructed.
func (n *Notifier) Notify(ctx context.Context, evt Event) error {
	if evt.Kind == KindDone {
		return n.watchDone(ctx)
	}

	n.received.Add(1)
	line, err := render(evt)
	if err != nil {
		return err
	}

	if !n.batch {
		if err := n.sender.Send(ctx, line); err != nil {
			return fmt.Errorf("notify: %s: %w", n.name, err)
		}
		n.sent.Add(1)
		return nil
	}

	select {
	case n.queue <- line:
		return nil
	default:
	}

	// Queue full: deliver the pending batch, then enqueue.
	if err := n.Flush(ctx); err != nil {
		return err
	}
	select {
	case n.queue <- line:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// watchDone decrements the refcount; the last watch out drains the queue.
func (n *Notifier) watchDone(ctx context.Context) error {
	n.mu.Lock()
	n.watchCount--
	count := n.watchCount
	n.mu.Unlock()

	if count < 0 {
		return fmt.Errorf("%w: %s", ErrNegativeWatchCount, n.name)
	}
	if count > 0 {
		return nil
	}
	return n.Flush(ctx)
}

// Flush drains up to the message limit of queued bodies and delivers them as
// one combined message. It is a no-op when nothing is queued.
func (n *Notifier) Flush(ctx context.Context) error {
	lines := make([]string, 0, n.limit)
drain:
	for len(lines) < n.limit {
		select {
		case line := <-n.queue:
			lines = append(lines, line)
		default:
			break drain
		}
	}
	if len(lines) == 0 {
		return nil
	}

	body, err := renderBatch(n.hostFQN, lines)
	if err != nil {
		return err
	}
	if err := n.sender.Send(ctx, body); err != nil {
		return fmt.Errorf("notify: %s: flush: %w", n.name, err)
	}
	n.sent.Add(int64(len(lines)))
	return nil
}

// Stats reports the cumulative number of events accepted and events actually
// delivered. After the last registered watch sends Done and the final flush
// returns, the two are equal unless a delivery failed.
func (n *Notifier) Stats() (received, sent int64) {
	return n.received.Load(), n.sent.Load()
}
