// Package router maps a task's target node and work class to an execution
// queue and moves task ids through the broker.
package router

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/mattjoyce/dispatchd/internal/queue"
	"github.com/mattjoyce/dispatchd/internal/retry"
)

// Class groups commands by expected cost so a slow backup never sits in
// front of a fast state change on the same node.
type Class string

const (
	ClassFast   Class = "fast"
	ClassSlow   Class = "slow"
	ClassImage  Class = "image"
	ClassBackup Class = "backup"
	// ClassMgmt runs on the management host, not on a compute node.
	ClassMgmt Class = "mgmt"
)

// MgmtQueue is the single queue for ClassMgmt.
const MgmtQueue = "mgmt"

var nodePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]*$`)

// ParseClass maps a name to a Class; empty means fast.
func ParseClass(s string) (Class, error) {
	switch c := Class(strings.ToLower(strings.TrimSpace(s))); c {
	case "":
		return ClassFast, nil
	case ClassFast, ClassSlow, ClassImage, ClassBackup, ClassMgmt:
		return c, nil
	}
	return "", retry.InvalidArgument("unknown work class %q", s)
}

// SelectQueue returns the queue name for work of class on node.
func SelectQueue(node string, class Class) (string, error) {
	c, err := ParseClass(string(class))
	if err != nil {
		return "", err
	}
	if c == ClassMgmt {
		return MgmtQueue, nil
	}
	if !nodePattern.MatchString(node) {
		return "", retry.InvalidArgument("invalid node name %q", node)
	}
	return string(c) + "." + node, nil
}

// ParseQueue splits a queue name back into class and node.
func ParseQueue(name string) (Class, string, error) {
	if name == MgmtQueue {
		return ClassMgmt, "", nil
	}
	cls, node, ok := strings.Cut(name, ".")
	if !ok {
		return "", "", retry.InvalidArgument("invalid queue name %q", name)
	}
	c, err := ParseClass(cls)
	if err != nil || c == ClassMgmt || cls == "" {
		return "", "", retry.InvalidArgument("invalid queue name %q", name)
	}
	if !nodePattern.MatchString(node) {
		return "", "", retry.InvalidArgument("invalid queue name %q", name)
	}
	return c, node, nil
}

// Router wraps a broker with queue-name validation.
type Router struct {
	broker queue.Broker
}

func New(b queue.Broker) *Router {
	return &Router{broker: b}
}

// Enqueue publishes id on queueName. It does not wait for a consumer.
func (r *Router) Enqueue(ctx context.Context, queueName, id string) error {
	if err := r.broker.Publish(ctx, queueName, id); err != nil {
		return unavailable(fmt.Sprintf("enqueue %s", queueName), err)
	}
	return nil
}

// Next takes the oldest id from queueName.
func (r *Router) Next(ctx context.Context, queueName string) (string, bool, error) {
	if _, _, err := ParseQueue(queueName); err != nil {
		return "", false, err
	}
	id, ok, err := r.broker.Pop(ctx, queueName)
	if err != nil {
		return "", false, unavailable(fmt.Sprintf("pop %s", queueName), err)
	}
	return id, ok, nil
}

// Queued reports whether a durable broker already holds id on queueName.
// Volatile brokers always report false.
func (r *Router) Queued(ctx context.Context, queueName, id string) (bool, error) {
	d, ok := r.broker.(queue.Durable)
	if !ok {
		return false, nil
	}
	found, err := d.Contains(ctx, queueName, id)
	if err != nil {
		return false, unavailable("queue lookup", err)
	}
	return found, nil
}

// QueueDepth is one row of Depths.
type QueueDepth struct {
	Queue string `json:"queue"`
	Depth int    `json:"depth"`
}

// Depths reports the backlog of every known queue.
func (r *Router) Depths(ctx context.Context) ([]QueueDepth, error) {
	names, err := r.broker.Queues(ctx)
	if err != nil {
		return nil, unavailable("list queues", err)
	}
	out := make([]QueueDepth, 0, len(names))
	for _, name := range names {
		n, err := r.broker.Depth(ctx, name)
		if err != nil {
			return nil, unavailable("queue depth", err)
		}
		out = append(out, QueueDepth{Queue: name, Depth: n})
	}
	return out, nil
}

func unavailable(op string, err error) error {
	if _, ok := retry.As(err); ok {
		return fmt.Errorf("%s: %w", op, err)
	}
	return retry.Transient(retry.CodeUnavailable, op, err)
}
