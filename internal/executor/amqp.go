package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"

	"github.com/MoLOS-App/MoLOS-sub002/pkg/mcp"
)

const (
	// DefaultRPCTimeout is slightly longer than the workers' own API
	// timeout (30s) so their timeout error wins over ours.
	DefaultRPCTimeout = 35 * time.Second

	toolListCacheTTL = 5 * time.Minute
)

// describeAction is the reserved tool name workers answer with their tool
// listing.
const describeAction = "__describe__"

// AMQPExecutor dispatches tool calls over RabbitMQ RPC: one request queue
// per module, replies routed back over an exclusive callback queue by
// correlation ID.
type AMQPExecutor struct {
	conn     *amqp.Connection
	ch       *amqp.Channel
	replyTo  string
	registry *Registry
	cache    *Cache
	timeout  time.Duration

	mu      sync.Mutex
	pending map[string]chan amqp.Delivery
	closed  bool
}

// NewAMQPExecutor connects to RabbitMQ, declares the module request queues,
// and starts the reply consumer.
func NewAMQPExecutor(amqpURL string, registry *Registry, timeout time.Duration) (*AMQPExecutor, error) {
	if timeout <= 0 {
		timeout = DefaultRPCTimeout
	}

	conn, err := amqp.Dial(amqpURL)
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("amqp channel: %w", err)
	}

	for _, m := range registry.Modules() {
		if _, err := ch.QueueDeclare(m.Queue, true, false, false, false, nil); err != nil {
			ch.Close()
			conn.Close()
			return nil, fmt.Errorf("declare queue %s: %w", m.Queue, err)
		}
	}

	replyQueue, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare reply queue: %w", err)
	}

	deliveries, err := ch.Consume(replyQueue.Name, "", true, true, false, false, nil)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("consume reply queue: %w", err)
	}

	e := &AMQPExecutor{
		conn:     conn,
		ch:       ch,
		replyTo:  replyQueue.Name,
		registry: registry,
		cache:    NewCache(),
		timeout:  timeout,
		pending:  make(map[string]chan amqp.Delivery),
	}
	go e.dispatchReplies(deliveries)

	log.Info().Int("modules", len(registry.Modules())).Str("reply_queue", replyQueue.Name).
		Msg("amqp executor connected")
	return e, nil
}

// dispatchReplies routes replies to their waiting caller by correlation ID.
// Replies for callers that already timed out are dropped.
func (e *AMQPExecutor) dispatchReplies(deliveries <-chan amqp.Delivery) {
	for d := range deliveries {
		e.mu.Lock()
		waiter := e.pending[d.CorrelationId]
		delete(e.pending, d.CorrelationId)
		e.mu.Unlock()

		if waiter == nil {
			log.Debug().Str("correlation_id", d.CorrelationId).Msg("late rpc reply dropped")
			continue
		}
		waiter <- d
	}
}

// call performs one RPC round trip against the queue.
func (e *AMQPExecutor) call(ctx context.Context, queue string, body []byte) ([]byte, error) {
	correlationID := uuid.New().String()
	waiter := make(chan amqp.Delivery, 1)

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, fmt.Errorf("executor is closed")
	}
	e.pending[correlationID] = waiter
	e.mu.Unlock()

	abandon := func() {
		e.mu.Lock()
		delete(e.pending, correlationID)
		e.mu.Unlock()
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	err := e.ch.PublishWithContext(ctx,
		"",    // exchange
		queue, // routing key
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:   "application/json",
			CorrelationId: correlationID,
			ReplyTo:       e.replyTo,
			Body:          body,
		},
	)
	if err != nil {
		abandon()
		return nil, fmt.Errorf("publish to %s: %w", queue, err)
	}

	select {
	case d := <-waiter:
		return d.Body, nil
	case <-ctx.Done():
		abandon()
		return nil, fmt.Errorf("rpc timeout: %s did not respond within %s", queue, e.timeout)
	}
}

// Execute routes one tool call to its module's queue and waits for the
// reply.
func (e *AMQPExecutor) Execute(ctx context.Context, req ExecuteRequest) (*mcp.ToolResult, error) {
	module := e.registry.Module(req.ModuleID)
	if module == nil {
		return nil, fmt.Errorf("unknown module %q", req.ModuleID)
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	responseBytes, err := e.call(ctx, module.Queue, body)
	if err != nil {
		return nil, err
	}

	var result mcp.ToolResult
	if err := json.Unmarshal(responseBytes, &result); err != nil {
		return nil, fmt.Errorf("malformed reply from %s: %w", module.Queue, err)
	}
	return &result, nil
}

// ListTools returns the tool definitions for the given modules. Listings
// are fetched from each worker and cached; the configured static listing is
// the fallback when a worker is unreachable.
func (e *AMQPExecutor) ListTools(ctx context.Context, moduleIDs []string) ([]mcp.Tool, error) {
	var tools []mcp.Tool
	for _, id := range moduleIDs {
		module := e.registry.Module(id)
		if module == nil {
			continue
		}
		tools = append(tools, e.moduleTools(ctx, module)...)
	}
	return tools, nil
}

func (e *AMQPExecutor) moduleTools(ctx context.Context, module *Module) []mcp.Tool {
	cacheKey := "tools:" + module.ID
	if cached, ok := e.cache.Get(cacheKey); ok {
		return cached.([]mcp.Tool)
	}

	body, _ := json.Marshal(ExecuteRequest{ModuleID: module.ID, Tool: describeAction})
	responseBytes, err := e.call(ctx, module.Queue, body)
	if err != nil {
		log.Warn().Err(err).Str("module", module.ID).Msg("tool listing fell back to static config")
		return module.Tools
	}

	var listing struct {
		Tools []mcp.Tool `json:"tools"`
	}
	if err := json.Unmarshal(responseBytes, &listing); err != nil || len(listing.Tools) == 0 {
		return module.Tools
	}

	e.cache.Set(cacheKey, listing.Tools, toolListCacheTTL)
	return listing.Tools
}

// Close tears down the channel and connection. In-flight calls fail.
func (e *AMQPExecutor) Close() error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()

	if err := e.ch.Close(); err != nil {
		e.conn.Close()
		return err
	}
	return e.conn.Close()
}
