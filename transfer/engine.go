// Package transfer is the Transfer Engine: it owns
// Transfer Tasks end to end — admission, bounded concurrency, progress,
// retry, and cache invalidation on completion.
package transfer

import (
	"context"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/cloudflare-r2-browser/core/cmn"
	"github.com/cloudflare-r2-browser/core/foldercache"
	"github.com/cloudflare-r2-browser/core/provider"
)

// Event is published to subscribers on every task creation, progress
// tick, and terminal transition.
type Event struct {
	Task Task
}

// providerHolder lets Engine swap its provider client atomically: wrapped
// in a struct since atomic.Value cannot store a nil interface directly,
// and New is allowed to be called before credentials exist.
type providerHolder struct{ p provider.Client }

// Engine is the Transfer Engine. One Engine is wired per broker process.
type Engine struct {
	providerBox atomic.Value // providerHolder
	cache       *foldercache.Cache
	store    *store
	cfg      cmn.Config
	now      func() time.Time

	uploadSem   *semaphore.Weighted
	downloadSem *semaphore.Weighted

	bucketLocksMu sync.Mutex
	bucketLocks   map[string]chan struct{}

	runningMu sync.Mutex
	running   map[string]context.CancelFunc

	subMu   sync.Mutex
	subs    map[int]chan Event
	nextSub int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New wires an Engine against a provider client and folder cache, sized
// by cfg's MaxConcurrentUploads/MaxConcurrentDownloads.
func New(p provider.Client, cache *foldercache.Cache, cfg cmn.Config) (*Engine, error) {
	st, err := newStore()
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		cache:       cache,
		store:       st,
		cfg:         cfg,
		now:         time.Now,
		uploadSem:   semaphore.NewWeighted(int64(cfg.MaxConcurrentUploads)),
		downloadSem: semaphore.NewWeighted(int64(cfg.MaxConcurrentDownloads)),
		bucketLocks: make(map[string]chan struct{}),
		running:     make(map[string]context.CancelFunc),
		subs:        make(map[int]chan Event),
		ctx:         ctx,
		cancel:      cancel,
	}
	e.providerBox.Store(providerHolder{p: p})
	return e, nil
}

// SetProvider swaps the provider client in use, letting the broker wire a
// live client once credentials are saved after the engine was
// constructed.
func (e *Engine) SetProvider(p provider.Client) {
	e.providerBox.Store(providerHolder{p: p})
}

func (e *Engine) currentProvider() provider.Client {
	return e.providerBox.Load().(providerHolder).p
}

// Close stops accepting new dispatch and waits for in-flight tasks to
// observe cancellation.
func (e *Engine) Close() error {
	e.cancel()
	e.wg.Wait()
	e.subMu.Lock()
	for id, ch := range e.subs {
		close(ch)
		delete(e.subs, id)
	}
	e.subMu.Unlock()
	return e.store.close()
}

// Subscribe registers for task lifecycle events; call the returned
// function to unsubscribe.
func (e *Engine) Subscribe() (<-chan Event, func()) {
	e.subMu.Lock()
	defer e.subMu.Unlock()
	id := e.nextSub
	e.nextSub++
	ch := make(chan Event, 64)
	e.subs[id] = ch
	return ch, func() {
		e.subMu.Lock()
		defer e.subMu.Unlock()
		if ch, ok := e.subs[id]; ok {
			close(ch)
			delete(e.subs, id)
		}
	}
}

// publish is best-effort: a slow subscriber drops events rather than
// blocking the transfer.
func (e *Engine) publish(t Task) {
	e.subMu.Lock()
	defer e.subMu.Unlock()
	for _, ch := range e.subs {
		select {
		case ch <- Event{Task: t}:
		default:
		}
	}
}

func (e *Engine) saveAndPublish(t Task) error {
	if err := e.store.Put(t); err != nil {
		return err
	}
	e.publish(t)
	return nil
}

// Get returns a single task by id.
func (e *Engine) Get(id string) (Task, error) {
	t, ok, err := e.store.Get(id)
	if err != nil {
		return Task{}, err
	}
	if !ok {
		return Task{}, errTaskNotFound(id)
	}
	return t, nil
}

// setTotalCount stamps a prefix delete's discovered key count onto its
// task once the listing pass that precedes deletion has finished.
func (e *Engine) setTotalCount(id string, total int64) error {
	t, err := e.Get(id)
	if err != nil {
		return err
	}
	t.TotalCount = total
	return e.saveAndPublish(t)
}

// List returns every task, regardless of status.
func (e *Engine) List() ([]Task, error) {
	return e.store.ListAll()
}

func newTaskID() string { return uuid.New().String() }

func (e *Engine) enqueue(t Task, dispatch func(ctx context.Context, t Task)) (Task, error) {
	if e.currentProvider() == nil {
		return Task{}, newErr(nil, cmn.CodeAuthInvalidCredentials, "no provider configured; save credentials first")
	}
	t.ID = newTaskID()
	t.Status = StatusQueued
	t.CreatedAt = e.now()
	if err := e.saveAndPublish(t); err != nil {
		return Task{}, err
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		dispatch(e.ctx, t)
	}()
	return t, nil
}

// EnqueueUpload admits a single-file upload task. localPath/size are
// caller-resolved (the broker's upload route stats localPath for its
// size; EnqueueUploadFolder does the same per file).
func (e *Engine) EnqueueUpload(bucket, key, localPath string, size int64) (Task, error) {
	t := Task{Type: TypeUpload, Bucket: bucket, Key: key, LocalPath: localPath, TotalSize: size}
	return e.enqueue(t, e.dispatchUpload)
}

// EnqueueUploadFolder enumerates localDir recursively and enqueues one
// upload task per file, keyed under prefix.
func (e *Engine) EnqueueUploadFolder(bucket, prefix, localDir string) ([]Task, error) {
	rels, err := enumerateFolder(localDir)
	if err != nil {
		return nil, err
	}
	tasks := make([]Task, 0, len(rels))
	for _, rel := range rels {
		abs := filepath.Join(localDir, rel)
		size, statErr := fileSize(abs)
		if statErr != nil {
			continue
		}
		t, err := e.EnqueueUpload(bucket, prefix+rel, abs, size)
		if err != nil {
			return tasks, err
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

// EnqueueDownload admits a single-object download task.
func (e *Engine) EnqueueDownload(bucket, key, localPath string) (Task, error) {
	t := Task{Type: TypeDownload, Bucket: bucket, Key: key, LocalPath: localPath}
	return e.enqueue(t, e.dispatchDownload)
}

// EnqueueDelete admits either a single-key delete (prefix == "") or a
// recursive prefix delete. A single key's count is known up front; a
// prefix's is discovered by runPrefixDelete's listing pass and stamped
// onto the task once known.
func (e *Engine) EnqueueDelete(bucket, key, prefix string) (Task, error) {
	t := Task{Type: TypeDelete, Bucket: bucket, Key: key, Prefix: prefix}
	if prefix == "" {
		t.TotalCount = 1
	}
	return e.enqueue(t, e.dispatchDelete)
}

func (e *Engine) dispatchUpload(ctx context.Context, t Task) {
	if err := e.uploadSem.Acquire(ctx, 1); err != nil {
		e.markTerminal(t, StatusCancelled, "")
		return
	}
	defer e.uploadSem.Release(1)
	e.run(ctx, t, e.runUpload)
}

func (e *Engine) dispatchDownload(ctx context.Context, t Task) {
	if err := e.downloadSem.Acquire(ctx, 1); err != nil {
		e.markTerminal(t, StatusCancelled, "")
		return
	}
	defer e.downloadSem.Release(1)
	e.run(ctx, t, e.runDownload)
}

// dispatchDelete serializes per bucket: R2 batch-delete for one bucket
// must not interleave with another delete on the same bucket, but
// deletes against different buckets proceed concurrently.
func (e *Engine) dispatchDelete(ctx context.Context, t Task) {
	lock := e.bucketLock(t.Bucket)
	select {
	case lock <- struct{}{}:
	case <-ctx.Done():
		e.markTerminal(t, StatusCancelled, "")
		return
	}
	defer func() { <-lock }()
	e.run(ctx, t, e.runDelete)
}

func (e *Engine) bucketLock(bucket string) chan struct{} {
	e.bucketLocksMu.Lock()
	defer e.bucketLocksMu.Unlock()
	ch, ok := e.bucketLocks[bucket]
	if !ok {
		ch = make(chan struct{}, 1)
		e.bucketLocks[bucket] = ch
	}
	return ch
}

// run executes op for a QUEUED task, skipping it if it was
// paused/cancelled before a worker slot freed up.
func (e *Engine) run(ctx context.Context, t Task, op func(context.Context, Task, func(int64, float64)) error) {
	current, err := e.Get(t.ID)
	if err != nil || current.Status != StatusQueued {
		return
	}

	taskCtx, cancel := context.WithCancel(ctx)
	e.runningMu.Lock()
	e.running[t.ID] = cancel
	e.runningMu.Unlock()
	defer func() {
		e.runningMu.Lock()
		delete(e.running, t.ID)
		e.runningMu.Unlock()
		cancel()
	}()

	now := e.now()
	current.Status = StatusRunning
	current.StartedAt = &now
	current.Attempts++
	if err := e.saveAndPublish(current); err != nil {
		return
	}

	onTick := func(transferred int64, speed float64) {
		latest, err := e.Get(t.ID)
		if err != nil {
			return
		}
		latest.Transferred = transferred
		latest.Speed = speed
		_ = e.saveAndPublish(latest)
	}

	runErr := op(taskCtx, current, onTick)

	final, err := e.Get(t.ID)
	if err != nil {
		return
	}
	if final.Status == StatusCancelled {
		return
	}
	if runErr != nil {
		if taskCtx.Err() == context.Canceled && final.Status == StatusPaused {
			return
		}
		e.fail(final, runErr)
		return
	}
	e.complete(final)
}

func (e *Engine) complete(t Task) {
	now := e.now()
	t.Status = StatusCompleted
	t.CompletedAt = &now
	_ = e.saveAndPublish(t)
	e.pruneRetention(t.Bucket)
}

func (e *Engine) fail(t Task, err error) {
	now := e.now()
	t.Status = StatusFailed
	t.CompletedAt = &now
	t.Error = err.Error()
	_ = e.saveAndPublish(t)
	e.pruneRetention(t.Bucket)

	// Upload algorithm: the surrounding policy may
	// retryTransfer(id) up to maxRetryAttempts when autoRetryOnFailure is
	// set. Dispatched on its own goroutine since RetryTransfer enqueues
	// fresh work that must not run on this task's own winding-down stack.
	// Every task runs once, so the retries so far are the length of the
	// RetriedFrom chain behind t.
	retries := 0
	for from := t.RetriedFrom; from != ""; {
		retries++
		prev, err := e.Get(from)
		if err != nil {
			break
		}
		from = prev.RetriedFrom
	}
	if e.cfg.AutoRetryOnFailure && retries < e.cfg.MaxRetryAttempts {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			_, _ = e.RetryTransfer(t.ID)
		}()
	}
}

// pruneRetention keeps only the most recent cfg.RetentionPerBucket
// completed/failed tasks for bucket, dropping older ones from the task
// table.
// Cancelled tasks are left alone: a user who explicitly cancels something
// may want to see it stick around.
func (e *Engine) pruneRetention(bucket string) {
	if e.cfg.RetentionPerBucket <= 0 {
		return
	}
	var finished []Task
	for _, status := range [...]Status{StatusCompleted, StatusFailed} {
		tasks, err := e.store.ListByStatus(status)
		if err != nil {
			return
		}
		for _, t := range tasks {
			if t.Bucket == bucket {
				finished = append(finished, t)
			}
		}
	}
	if len(finished) <= e.cfg.RetentionPerBucket {
		return
	}
	sort.Slice(finished, func(i, j int) bool {
		ti, tj := finished[i].CompletedAt, finished[j].CompletedAt
		if ti == nil || tj == nil {
			return false
		}
		return ti.After(*tj)
	})
	for _, t := range finished[e.cfg.RetentionPerBucket:] {
		_ = e.store.Delete(t.ID)
	}
}

func (e *Engine) markTerminal(t Task, status Status, errMsg string) {
	now := e.now()
	t.Status = status
	t.CompletedAt = &now
	t.Error = errMsg
	_ = e.saveAndPublish(t)
}

// Pause moves a QUEUED task to PAUSED, or cancels an in-flight RUNNING
// task and marks it PAUSED with whatever progress it had made (
// RUNNING -> PAUSED -> QUEUED on Resume).
func (e *Engine) Pause(id string) (Task, error) {
	t, err := e.Get(id)
	if err != nil {
		return Task{}, err
	}
	switch t.Status {
	case StatusQueued:
		t.Status = StatusPaused
		return t, e.saveAndPublish(t)
	case StatusRunning:
		e.runningMu.Lock()
		cancel, ok := e.running[id]
		e.runningMu.Unlock()
		if ok {
			cancel()
		}
		t.Status = StatusPaused
		return t, e.saveAndPublish(t)
	default:
		return Task{}, errInvalidTransition(t.Status, StatusPaused)
	}
}

// Resume re-admits a PAUSED task to the back of its queue.
func (e *Engine) Resume(id string) (Task, error) {
	t, err := e.Get(id)
	if err != nil {
		return Task{}, err
	}
	if t.Status != StatusPaused {
		return Task{}, errInvalidTransition(t.Status, StatusQueued)
	}
	t.Status = StatusQueued
	if err := e.saveAndPublish(t); err != nil {
		return Task{}, err
	}

	var dispatch func(context.Context, Task)
	switch t.Type {
	case TypeUpload:
		dispatch = e.dispatchUpload
	case TypeDownload:
		dispatch = e.dispatchDownload
	default:
		dispatch = e.dispatchDelete
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		dispatch(e.ctx, t)
	}()
	return t, nil
}

// Cancel terminates a task in any non-terminal state.
func (e *Engine) Cancel(id string) (Task, error) {
	t, err := e.Get(id)
	if err != nil {
		return Task{}, err
	}
	if t.Status.IsTerminal() {
		return Task{}, errInvalidTransition(t.Status, StatusCancelled)
	}
	e.runningMu.Lock()
	cancel, ok := e.running[id]
	e.runningMu.Unlock()
	if ok {
		cancel()
	}
	now := e.now()
	t.Status = StatusCancelled
	t.CompletedAt = &now
	return t, e.saveAndPublish(t)
}

// RetryTransfer always creates a NEW task id seeded from a FAILED task
//, rather than re-running the failed one in
// place.
func (e *Engine) RetryTransfer(id string) (Task, error) {
	failed, err := e.Get(id)
	if err != nil {
		return Task{}, err
	}
	if failed.Status != StatusFailed {
		return Task{}, errInvalidTransition(failed.Status, StatusQueued)
	}
	next := Task{
		Type:        failed.Type,
		Bucket:      failed.Bucket,
		Key:         failed.Key,
		Prefix:      failed.Prefix,
		LocalPath:   failed.LocalPath,
		TotalSize:   failed.TotalSize,
		TotalCount:  failed.TotalCount,
		RetriedFrom: failed.ID,
	}
	switch failed.Type {
	case TypeUpload:
		return e.enqueue(next, e.dispatchUpload)
	case TypeDownload:
		return e.enqueue(next, e.dispatchDownload)
	default:
		return e.enqueue(next, e.dispatchDelete)
	}
}
