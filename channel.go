package main

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc/pool"
)

// ChannelName identifies the method channel to clients.
const ChannelName = "plugins.imagecrop/image_crop"

var errChannelClosed = errors.New("channel is closed")

// Result receives the outcome of one method call. Exactly one of its methods
// is called, once.
type Result interface {
	Success(value any)
	Error(code, message string, details any)
	NotImplemented()
}

type ReplyError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// Reply is a method call outcome as data.
type Reply struct {
	Value          any         `json:"result"`
	Error          *ReplyError `json:"error,omitempty"`
	NotImplemented bool        `json:"not_implemented,omitempty"`
}

// ReplyResult is a Result that can be waited on.
type ReplyResult struct {
	once sync.Once
	ch   chan Reply
}

func NewReplyResult() *ReplyResult {
	return &ReplyResult{ch: make(chan Reply, 1)}
}

func (r *ReplyResult) deliver(reply Reply) {
	delivered := false
	r.once.Do(func() {
		r.ch <- reply
		delivered = true
	})
	if !delivered {
		log.Warn().Msg("result already delivered, dropping reply")
	}
}

func (r *ReplyResult) Success(value any) {
	r.deliver(Reply{Value: value})
}

func (r *ReplyResult) Error(code, message string, details any) {
	r.deliver(Reply{Error: &ReplyError{Code: code, Message: message, Details: details}})
}

func (r *ReplyResult) NotImplemented() {
	r.deliver(Reply{NotImplemented: true})
}

// Wait blocks until the reply arrives or ctx is done.
func (r *ReplyResult) Wait(ctx context.Context) (Reply, error) {
	select {
	case reply := <-r.ch:
		return reply, nil
	case <-ctx.Done():
		return Reply{}, ctx.Err()
	}
}

// MethodChannel dispatches method calls. Each call runs on an unbounded
// worker pool and its result is handed back through the main loop.
type MethodChannel struct {
	executor OperationExecutor
	gate     *PermissionGate
	loop     *MainLoop

	// lifetime ends when the channel is closed. Only permission prompts
	// watch it; imaging work always runs to completion.
	lifetime context.Context
	stop     context.CancelFunc

	mu      sync.Mutex
	workers *pool.Pool
	closed  bool
}

func NewMethodChannel(executor OperationExecutor, gate *PermissionGate, loop *MainLoop) *MethodChannel {
	lifetime, stop := context.WithCancel(context.Background())
	return &MethodChannel{
		executor: executor,
		gate:     gate,
		loop:     loop,
		lifetime: lifetime,
		stop:     stop,
		workers:  pool.New(),
	}
}

// Handle decodes a raw method call and invokes it.
func (c *MethodChannel) Handle(ctx context.Context, method string, args json.RawMessage, result Result) {
	op, err := ParseOperation(method, args)
	if errors.Is(err, ErrNotImplemented) {
		log.Ctx(ctx).Warn().Str("method", method).Msg("method not implemented")
		result.NotImplemented()
		return
	}
	if err != nil {
		re := replyError(err)
		result.Error(re.Code, re.Message, re.Details)
		return
	}
	c.Invoke(ctx, op, result)
}

// Invoke runs op in the background. The call is not cancelled with ctx.
func (c *MethodChannel) Invoke(ctx context.Context, op Operation, result Result) {
	ctx = context.WithoutCancel(ctx)
	log.Ctx(ctx).Debug().Str("channel", ChannelName).Str("method", op.Method()).Msg("method call")

	var task func() (any, error)
	switch {
	case op.Crop != nil:
		task = func() (any, error) { return c.executor.CropImage(ctx, *op.Crop) }
	case op.Sample != nil:
		task = func() (any, error) { return c.executor.SampleImage(ctx, *op.Sample) }
	case op.Options != nil:
		task = func() (any, error) { return c.executor.ImageOptions(ctx, *op.Options) }
	case op.Suggest != nil:
		task = func() (any, error) { return c.executor.SuggestArea(ctx, *op.Suggest) }
	case op.Permissions != nil:
		task = func() (any, error) { return c.requestPermissions(ctx), nil }
	default:
		result.NotImplemented()
		return
	}

	ok := c.io(func() {
		value, err := task()
		c.ui(ctx, func() {
			if err != nil {
				re := replyError(err)
				log.Ctx(ctx).Error().Err(err).Str("method", op.Method()).Msg("method call failed")
				result.Error(re.Code, re.Message, re.Details)
				return
			}
			result.Success(value)
		})
	})
	if !ok {
		result.Error(errorCodeInvalid, errChannelClosed.Error(), nil)
	}
}

func (c *MethodChannel) requestPermissions(ctx context.Context) bool {
	if c.gate == nil {
		return true
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	unwatch := context.AfterFunc(c.lifetime, cancel)
	defer unwatch()
	return <-c.gate.Request(ctx)
}

func (c *MethodChannel) io(fn func()) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.workers.Go(fn)
	return true
}

func (c *MethodChannel) ui(ctx context.Context, fn func()) {
	if c.loop == nil {
		fn()
		return
	}
	if !c.loop.Post(fn) {
		log.Ctx(ctx).Warn().Msg("main loop is not running, dropping result")
	}
}

// Close stops accepting calls, abandons pending permission prompts and waits
// for running calls to finish.
func (c *MethodChannel) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()
	c.stop()
	c.workers.Wait()
}
