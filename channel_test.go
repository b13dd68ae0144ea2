package main

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startLoop runs a main loop for the duration of the test.
func startLoop(t *testing.T) *MainLoop {
	t.Helper()
	loop := NewMainLoop()
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		assert.NoError(t, loop.Run(ctx))
	}()
	require.Eventually(t, loop.Running, time.Second, time.Millisecond)
	t.Cleanup(func() {
		cancel()
		wg.Wait()
	})
	return loop
}

func newTestChannel(t *testing.T, gate *PermissionGate) *MethodChannel {
	t.Helper()
	ch := NewMethodChannel(newTestExecutor(t, NewImagingCodec(nil)), gate, startLoop(t))
	t.Cleanup(ch.Close)
	return ch
}

func handle(t *testing.T, ch *MethodChannel, method, args string) Reply {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	res := NewReplyResult()
	ch.Handle(ctx, method, json.RawMessage(args), res)
	reply, err := res.Wait(ctx)
	require.NoError(t, err)
	return reply
}

func TestMethodChannel_Dispatch(t *testing.T) {
	src := writeTestImage(t, t.TempDir(), "src.png", 120, 80)
	ch := newTestChannel(t, nil)

	t.Run("getImageOptions", func(t *testing.T) {
		reply := handle(t, ch, methodGetImageOptions, `{"path":"`+src+`"}`)
		require.Nil(t, reply.Error)
		assert.Equal(t, ImageOptions{Width: 120, Height: 80}, reply.Value)
	})

	t.Run("cropImage", func(t *testing.T) {
		reply := handle(t, ch, methodCropImage, `{"path":"`+src+`","scale":1,"left":0,"top":0,"right":0.5,"bottom":0.5}`)
		require.Nil(t, reply.Error)
		out, ok := reply.Value.(string)
		require.True(t, ok)
		assert.Equal(t, 60, openImage(t, out).Bounds().Dx())
	})

	t.Run("sampleImage", func(t *testing.T) {
		reply := handle(t, ch, methodSampleImage, `{"path":"`+src+`","maximumWidth":30,"maximumHeight":30}`)
		require.Nil(t, reply.Error)
		assert.FileExists(t, reply.Value.(string))
	})

	t.Run("requestPermissions without gate", func(t *testing.T) {
		reply := handle(t, ch, methodRequestPermissions, `{}`)
		require.Nil(t, reply.Error)
		assert.Equal(t, true, reply.Value)
	})

	t.Run("unknown method", func(t *testing.T) {
		reply := handle(t, ch, "rotateImage", `{}`)
		assert.True(t, reply.NotImplemented)
		assert.Nil(t, reply.Error)
	})

	t.Run("missing source", func(t *testing.T) {
		reply := handle(t, ch, methodCropImage, `{"path":"`+filepath.Join(t.TempDir(), "gone.jpg")+`","scale":1,"right":1,"bottom":1}`)
		require.NotNil(t, reply.Error)
		assert.Equal(t, errorCodeInvalid, reply.Error.Code)
		assert.Equal(t, msgCannotOpen, reply.Error.Message)
		assert.NotEmpty(t, reply.Error.Details)
	})

	t.Run("bad arguments", func(t *testing.T) {
		reply := handle(t, ch, methodSampleImage, `{"path":"`+src+`","maximumWidth":-1,"maximumHeight":30}`)
		require.NotNil(t, reply.Error)
		assert.Equal(t, errorCodeInvalid, reply.Error.Code)
	})
}

func TestMethodChannel_Permissions(t *testing.T) {
	denied := func(Permission) bool { return false }

	ch := newTestChannel(t, &PermissionGate{Check: denied, Prompter: staticPrompter{grants: Grants{PermissionReadStorage: true}}})
	assert.Equal(t, false, handle(t, ch, methodRequestPermissions, `{}`).Value)

	ch = newTestChannel(t, &PermissionGate{Check: denied, Prompter: grantAll{}})
	assert.Equal(t, true, handle(t, ch, methodRequestPermissions, `{}`).Value)
}

func TestMethodChannel_LoopNotRunning(t *testing.T) {
	src := writeTestImage(t, t.TempDir(), "src.png", 10, 10)
	ch := NewMethodChannel(newTestExecutor(t, NewImagingCodec(nil)), nil, NewMainLoop())
	defer ch.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	res := NewReplyResult()
	ch.Handle(ctx, methodGetImageOptions, json.RawMessage(`{"path":"`+src+`"}`), res)

	_, err := res.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMethodChannel_Closed(t *testing.T) {
	ch := NewMethodChannel(newTestExecutor(t, NewImagingCodec(nil)), nil, startLoop(t))
	ch.Close()

	reply := handle(t, ch, methodRequestPermissions, `{}`)
	require.NotNil(t, reply.Error)
	assert.Equal(t, errChannelClosed.Error(), reply.Error.Message)
}

func TestMethodChannel_CloseAbandonsPendingPrompt(t *testing.T) {
	broker := NewPermissionBroker()
	gate := &PermissionGate{Check: func(Permission) bool { return false }, Prompter: broker}
	ch := NewMethodChannel(newTestExecutor(t, NewImagingCodec(nil)), gate, startLoop(t))

	// the caller stops waiting but nobody answers the prompt
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	res := NewReplyResult()
	ch.Handle(ctx, methodRequestPermissions, json.RawMessage(`{}`), res)
	_, err := res.Wait(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Len(t, broker.Pending(), 1)

	closed := make(chan struct{})
	go func() {
		ch.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatal("Close blocked on a pending permission prompt")
	}
	assert.Empty(t, broker.Pending())
}

func TestReplyResult_DeliversOnce(t *testing.T) {
	res := NewReplyResult()
	res.Success(1)
	res.Error(errorCodeInvalid, "late", nil)
	res.NotImplemented()

	reply, err := res.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, reply.Value)
	assert.Nil(t, reply.Error)
}

func TestMainLoop(t *testing.T) {
	loop := NewMainLoop()
	assert.False(t, loop.Post(func() {}), "post before run")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()
	require.Eventually(t, loop.Running, time.Second, time.Millisecond)

	assert.ErrorIs(t, loop.Run(ctx), errLoopRunning)

	var order []int
	var wg sync.WaitGroup
	for i := range 5 {
		wg.Add(1)
		require.True(t, loop.Post(func() {
			defer wg.Done()
			order = append(order, i)
		}))
	}
	wg.Wait()
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)

	cancel()
	require.NoError(t, <-done)
	assert.False(t, loop.Running())
	assert.False(t, loop.Post(func() {}), "post after stop")
}

func TestBatchRunner(t *testing.T) {
	src := writeTestImage(t, t.TempDir(), "src.png", 64, 32)
	ch := newTestChannel(t, nil)

	ops := []Operation{
		{Options: &OptionsOperation{Path: src}},
		{Crop: &CropOperation{Path: src, Scale: 0.5, Right: 1, Bottom: 1}},
		{Options: &OptionsOperation{Path: filepath.Join(t.TempDir(), "missing.png")}},
	}
	replies, err := BatchRunner{Channel: ch, MaxConcurrency: 2}.Exec(context.Background(), ops)
	require.NoError(t, err)
	require.Len(t, replies, 3)

	assert.Equal(t, ImageOptions{Width: 64, Height: 32}, replies[0].Value)
	assert.Equal(t, methodGetImageOptions, replies[0].Operation.Method())
	assert.Equal(t, 32, outputWidth(t, replies[1].Value))
	require.NotNil(t, replies[2].Error)
	assert.Equal(t, msgCannotOpen, replies[2].Error.Message)

	replies, err = BatchRunner{Channel: ch}.Exec(context.Background(), nil)
	assert.NoError(t, err)
	assert.Empty(t, replies)
}

func outputWidth(t *testing.T, v any) int {
	t.Helper()
	p, ok := v.(string)
	require.True(t, ok)
	return openImage(t, p).Bounds().Dx()
}
