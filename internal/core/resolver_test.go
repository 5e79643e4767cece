package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/keepmind9/imnotify/internal/im"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type resolveCall struct {
	requestID string
	name      string
}

// fakeDirectory records resolve requests and lets the test answer them
type fakeDirectory struct {
	mu        sync.Mutex
	listeners []im.ResolveListener
	calls     []resolveCall
	requested chan resolveCall
	err       error
	auto      map[string][]im.User
	silent    bool // record requests without queueing them
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{
		requested: make(chan resolveCall, 16),
		auto:      make(map[string][]im.User),
	}
}

func (d *fakeDirectory) AddResolveListener(l im.ResolveListener) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.listeners = append(d.listeners, l)
}

func (d *fakeDirectory) Resolve(requestID, name string) error {
	d.mu.Lock()
	if d.err != nil {
		d.mu.Unlock()
		return d.err
	}
	call := resolveCall{requestID: requestID, name: name}
	d.calls = append(d.calls, call)
	users, auto := d.auto[name]
	silent := d.silent
	d.mu.Unlock()

	if silent {
		return nil
	}
	if auto {
		go d.answer(call, users...)
		return nil
	}
	d.requested <- call
	return nil
}

func (d *fakeDirectory) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.calls)
}

func (d *fakeDirectory) each(fn func(im.ResolveListener)) {
	d.mu.Lock()
	listeners := append([]im.ResolveListener(nil), d.listeners...)
	d.mu.Unlock()
	for _, l := range listeners {
		fn(l)
	}
}

func (d *fakeDirectory) answer(call resolveCall, users ...im.User) {
	ev := im.ResolveEvent{RequestID: call.requestID, Name: call.name, Users: users}
	d.each(func(l im.ResolveListener) { l.Resolved(ev) })
}

func (d *fakeDirectory) fail(call resolveCall, reason int) {
	ev := im.ResolveEvent{RequestID: call.requestID, Name: call.name, Reason: reason}
	d.each(func(l im.ResolveListener) { l.ResolveFailed(ev) })
}

func (d *fakeDirectory) conflict(call resolveCall, users ...im.User) {
	ev := im.ResolveEvent{RequestID: call.requestID, Name: call.name, Users: users}
	d.each(func(l im.ResolveListener) { l.ResolveConflict(ev) })
}

func (d *fakeDirectory) nextCall(t *testing.T) resolveCall {
	t.Helper()
	select {
	case call := <-d.requested:
		return call
	case <-time.After(2 * time.Second):
		t.Fatal("no resolve request issued")
		return resolveCall{}
	}
}

var alice = im.User{ID: "u-alice", Name: "Alice"}

// resolveAsync runs Resolve in the background
func resolveAsync(r *Resolver, text string) <-chan *ResolvedTarget {
	ch := make(chan *ResolvedTarget, 1)
	go func() { ch <- r.Resolve(context.Background(), text) }()
	return ch
}

func awaitTarget(t *testing.T, ch <-chan *ResolvedTarget) *ResolvedTarget {
	t.Helper()
	select {
	case rt := <-ch:
		return rt
	case <-time.After(2 * time.Second):
		t.Fatal("resolve did not return")
		return nil
	}
}

func TestResolver_BlankInputMakesNoCall(t *testing.T) {
	dir := newFakeDirectory()
	r := NewResolver(dir, nil)

	assert.Nil(t, r.Resolve(context.Background(), ""))
	assert.Nil(t, r.Resolve(context.Background(), "   \t"))
	assert.Equal(t, 0, dir.callCount())
}

func TestResolver_CachesSuccess(t *testing.T) {
	dir := newFakeDirectory()
	dir.auto["alice"] = []im.User{alice}
	r := NewResolver(dir, nil)

	first := r.Resolve(context.Background(), "alice")
	require.NotNil(t, first)
	assert.Equal(t, "alice", first.Lookup())
	assert.Equal(t, alice, first.User())

	second := r.Resolve(context.Background(), " alice ")
	assert.Same(t, first, second)
	assert.Equal(t, 1, dir.callCount())
	assert.Equal(t, 1, r.Cache().Len())
}

func TestResolver_ConcurrentResolvesJoinOneRequest(t *testing.T) {
	dir := newFakeDirectory()
	r := NewResolver(dir, nil)

	a := resolveAsync(r, "alice")
	call := dir.nextCall(t)
	b := resolveAsync(r, "alice")

	// b must join the pending request instead of issuing its own
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, dir.callCount())

	dir.answer(call, alice)
	ta, tb := awaitTarget(t, a), awaitTarget(t, b)
	require.NotNil(t, ta)
	assert.Same(t, ta, tb)
}

func TestResolver_DifferentKeysResolveIndependently(t *testing.T) {
	dir := newFakeDirectory()
	r := NewResolver(dir, nil)
	bob := im.User{ID: "u-bob", Name: "Bob"}

	a := resolveAsync(r, "alice")
	callA := dir.nextCall(t)
	b := resolveAsync(r, "bob")
	callB := dir.nextCall(t)

	dir.answer(callB, bob)
	assert.Equal(t, bob, awaitTarget(t, b).User())

	dir.answer(callA, alice)
	assert.Equal(t, alice, awaitTarget(t, a).User())
}

func TestResolver_TimeoutReturnsPromptly(t *testing.T) {
	dir := newFakeDirectory()
	r := NewResolver(dir, nil, WithResolveTimeout(50*time.Millisecond))

	start := time.Now()
	rt := r.Resolve(context.Background(), "ghost")
	assert.Nil(t, rt)
	assert.Less(t, time.Since(start), time.Second)
}

func TestResolver_LateAnswerFillsCache(t *testing.T) {
	dir := newFakeDirectory()
	r := NewResolver(dir, nil, WithResolveTimeout(50*time.Millisecond))

	assert.Nil(t, r.Resolve(context.Background(), "alice"))
	call := dir.nextCall(t)

	dir.answer(call, alice)
	cached, ok := r.Cache().Get("alice")
	require.True(t, ok)
	assert.Equal(t, alice, cached.User())

	rt := r.Resolve(context.Background(), "alice")
	require.NotNil(t, rt)
	assert.Equal(t, 1, dir.callCount())
}

func flightCount(r *Resolver) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.flights)
}

func TestResolver_TimedOutRequestsAreForgotten(t *testing.T) {
	dir := newFakeDirectory()
	dir.silent = true
	r := NewResolver(dir, nil,
		WithResolveTimeout(5*time.Millisecond),
		WithRetryAfter(0),
		WithLateAnswerWindow(20*time.Millisecond),
	)

	for i := 0; i < 30; i++ {
		assert.Nil(t, r.Resolve(context.Background(), fmt.Sprintf("ghost-%d", i%3)))
	}
	assert.Positive(t, dir.callCount())
	assert.Eventually(t, func() bool { return flightCount(r) == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestResolver_NoLateWindowForgetsAtTimeout(t *testing.T) {
	dir := newFakeDirectory()
	r := NewResolver(dir, nil, WithResolveTimeout(5*time.Millisecond), WithLateAnswerWindow(0))

	assert.Nil(t, r.Resolve(context.Background(), "alice"))
	call := dir.nextCall(t)
	assert.Eventually(t, func() bool { return flightCount(r) == 0 }, 2*time.Second, 5*time.Millisecond)

	dir.answer(call, alice)
	_, ok := r.Cache().Get("alice")
	assert.False(t, ok)
}

func TestResolver_AnswerAfterLateWindowIgnored(t *testing.T) {
	dir := newFakeDirectory()
	r := NewResolver(dir, nil, WithResolveTimeout(5*time.Millisecond), WithLateAnswerWindow(10*time.Millisecond))

	assert.Nil(t, r.Resolve(context.Background(), "alice"))
	call := dir.nextCall(t)
	assert.Eventually(t, func() bool { return flightCount(r) == 0 }, 2*time.Second, 5*time.Millisecond)

	dir.answer(call, alice)
	_, ok := r.Cache().Get("alice")
	assert.False(t, ok)
}

func TestResolver_CooldownSurvivesClose(t *testing.T) {
	cache := NewResolutionCache()
	dir := newFakeDirectory()
	dir.silent = true
	r := NewResolver(dir, cache, WithResolveTimeout(5*time.Millisecond), WithRetryAfter(time.Hour))

	assert.Nil(t, r.Resolve(context.Background(), "ghost"))
	assert.Equal(t, 1, flightCount(r))
	r.Close()
	assert.Equal(t, 0, flightCount(r))

	next := newFakeDirectory()
	reconnected := NewResolver(next, cache, WithRetryAfter(time.Hour))
	assert.Nil(t, reconnected.Resolve(context.Background(), "ghost"))
	assert.Equal(t, 0, next.callCount())
}

func TestResolver_FailureCoolsDown(t *testing.T) {
	dir := newFakeDirectory()
	r := NewResolver(dir, nil, WithRetryAfter(time.Hour))

	ch := resolveAsync(r, "nobody")
	dir.fail(dir.nextCall(t), im.ReasonUserNotFound)
	assert.Nil(t, awaitTarget(t, ch))

	assert.Nil(t, r.Resolve(context.Background(), "nobody"))
	assert.Equal(t, 1, dir.callCount())

	r.Cache().Purge("nobody")
	ch = resolveAsync(r, "nobody")
	dir.fail(dir.nextCall(t), im.ReasonUserNotFound)
	assert.Nil(t, awaitTarget(t, ch))
	assert.Equal(t, 2, dir.callCount())
}

func TestResolver_FailureRetriedWithoutCooldown(t *testing.T) {
	dir := newFakeDirectory()
	r := NewResolver(dir, nil, WithRetryAfter(0))

	ch := resolveAsync(r, "nobody")
	dir.fail(dir.nextCall(t), im.ReasonUserNotFound)
	assert.Nil(t, awaitTarget(t, ch))

	ch = resolveAsync(r, "nobody")
	dir.answer(dir.nextCall(t), alice)
	assert.NotNil(t, awaitTarget(t, ch))
}

func TestResolver_ConflictIsFailure(t *testing.T) {
	dir := newFakeDirectory()
	r := NewResolver(dir, nil)

	ch := resolveAsync(r, "smith")
	dir.conflict(dir.nextCall(t), im.User{ID: "1"}, im.User{ID: "2"})
	assert.Nil(t, awaitTarget(t, ch))
	assert.Equal(t, 0, r.Cache().Len())
}

func TestResolver_NotLoggedInIsNotCached(t *testing.T) {
	dir := newFakeDirectory()
	r := NewResolver(dir, nil, WithRetryAfter(time.Hour))

	ch := resolveAsync(r, "alice")
	dir.fail(dir.nextCall(t), im.ReasonNotLoggedIn)
	assert.Nil(t, awaitTarget(t, ch))

	ch = resolveAsync(r, "alice")
	dir.answer(dir.nextCall(t), alice)
	assert.NotNil(t, awaitTarget(t, ch))
}

func TestResolver_RequestErrorReturnsNil(t *testing.T) {
	dir := newFakeDirectory()
	dir.err = errors.New("session unloaded")
	r := NewResolver(dir, nil)

	assert.Nil(t, r.Resolve(context.Background(), "alice"))

	dir.mu.Lock()
	dir.err = nil
	dir.mu.Unlock()
	dir.auto["alice"] = []im.User{alice}
	assert.NotNil(t, r.Resolve(context.Background(), "alice"))
}

func TestResolver_ContextCanceled(t *testing.T) {
	dir := newFakeDirectory()
	r := NewResolver(dir, nil)

	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan *ResolvedTarget, 1)
	go func() { ch <- r.Resolve(ctx, "alice") }()
	dir.nextCall(t)
	cancel()
	assert.Nil(t, awaitTarget(t, ch))
}

func TestResolver_CloseWakesWaiters(t *testing.T) {
	dir := newFakeDirectory()
	r := NewResolver(dir, nil)

	ch := resolveAsync(r, "alice")
	call := dir.nextCall(t)
	r.Close()
	assert.Nil(t, awaitTarget(t, ch))

	// answers after close are ignored and resolves return nil
	dir.answer(call, alice)
	_, ok := r.Cache().Get("alice")
	assert.False(t, ok)
	assert.Nil(t, r.Resolve(context.Background(), "alice"))
	r.Close()
}

func TestResolver_SharedCacheAcrossResolvers(t *testing.T) {
	cache := NewResolutionCache()
	dir := newFakeDirectory()
	dir.auto["alice"] = []im.User{alice}

	first := NewResolver(dir, cache)
	require.NotNil(t, first.Resolve(context.Background(), "alice"))
	first.Close()

	second := NewResolver(newFakeDirectory(), cache)
	rt := second.Resolve(context.Background(), "alice")
	require.NotNil(t, rt)
	assert.Equal(t, alice, rt.User())
}

func TestResolver_FormatRoundTrip(t *testing.T) {
	dir := newFakeDirectory()
	dir.auto["alice@example.com"] = []im.User{alice}
	r := NewResolver(dir, nil)

	rt := r.Resolve(context.Background(), "alice@example.com")
	require.NotNil(t, rt)

	s, err := r.Format(rt)
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", s)

	again := r.Resolve(context.Background(), s)
	assert.True(t, rt.Equal(again))

	_, err = r.Format(nil)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestResolutionCache_Clear(t *testing.T) {
	dir := newFakeDirectory()
	dir.auto["alice"] = []im.User{alice}
	r := NewResolver(dir, nil)

	require.NotNil(t, r.Resolve(context.Background(), "alice"))
	r.Cache().Clear()
	assert.Equal(t, 0, r.Cache().Len())

	require.NotNil(t, r.Resolve(context.Background(), "alice"))
	assert.Equal(t, 2, dir.callCount())
}
