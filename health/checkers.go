package health

import (
	"context"
	"fmt"
	"time"
)

// Connection reports whether a broker connection is alive. Both the client
// and the transport satisfy it.
type Connection interface {
	IsConnected() bool
}

// QueueInspector reports the number of ready messages in a queue
type QueueInspector interface {
	QueueDepth(ctx context.Context, queue string) (int, error)
}

// BrokerChecker checks the broker connection
type BrokerChecker struct {
	conn Connection
}

// NewBrokerChecker creates a connection checker
func NewBrokerChecker(conn Connection) *BrokerChecker {
	return &BrokerChecker{conn: conn}
}

func (c *BrokerChecker) Name() string {
	return "broker"
}

func (c *BrokerChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{Name: c.Name(), Timestamp: start}

	if c.conn.IsConnected() {
		result.Status = StatusHealthy
		result.Message = "connection is open"
	} else {
		result.Status = StatusUnhealthy
		result.Message = "connection is closed"
	}
	result.Duration = time.Since(start)
	return result
}

// QueueChecker checks that a queue is accessible. A queue holding more than
// maxDepth ready messages is reported degraded; zero disables the limit.
type QueueChecker struct {
	queue     string
	inspector QueueInspector
	maxDepth  int
}

// NewQueueChecker creates a queue checker
func NewQueueChecker(queue string, inspector QueueInspector, maxDepth int) *QueueChecker {
	return &QueueChecker{
		queue:     queue,
		inspector: inspector,
		maxDepth:  maxDepth,
	}
}

func (c *QueueChecker) Name() string {
	return "queue_" + c.queue
}

func (c *QueueChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   map[string]any{"queue": c.queue},
	}

	depth, err := c.inspector.QueueDepth(ctx, c.queue)
	result.Duration = time.Since(start)
	if err != nil {
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("queue %s not accessible", c.queue)
		result.Error = err.Error()
		return result
	}

	result.Details["messages"] = depth
	if c.maxDepth > 0 && depth > c.maxDepth {
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("queue %s holds %d messages, above %d", c.queue, depth, c.maxDepth)
		return result
	}
	result.Status = StatusHealthy
	result.Message = fmt.Sprintf("queue %s is accessible", c.queue)
	return result
}
