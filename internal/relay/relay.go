// Package relay implements the content relay that sits between the
// in-page overlay controller and the background singleton. It owns the
// READY handshake, queues commands until the overlay is ready, proxies
// storage operations and forwards native requests.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/standardbeagle/hlassist/internal/debug"
	"github.com/standardbeagle/hlassist/internal/metrics"
	"github.com/standardbeagle/hlassist/internal/protocol"
	"github.com/standardbeagle/hlassist/internal/store"
)

// Timeout fallback message for UI requests the overlay never answered.
const timeoutMessage = "timeout waiting for overlay"

// Loader injects the overlay into the page. It is invoked at most once per
// successful load.
type Loader func() error

// Config configures a Relay. Zero durations take defaults.
type Config struct {
	Name           string
	Logger         *debug.Logger
	Storage        store.Backend
	Loader         Loader
	UITimeout      time.Duration
	StorageTimeout time.Duration
	NativeTimeout  time.Duration
}

// DefaultConfig returns the standard timeouts.
func DefaultConfig() Config {
	return Config{
		UITimeout:      2000 * time.Millisecond,
		StorageTimeout: 5000 * time.Millisecond,
		NativeTimeout:  5000 * time.Millisecond,
	}
}

// Relay bridges one overlay and the singleton.
type Relay struct {
	cfg        Config
	log        *debug.Logger
	overlay    *Conn
	background *Conn
	pending    *protocol.Pending

	mu     sync.Mutex
	ready  bool
	loaded bool
	queue  []protocol.Envelope

	// Storage operations run one at a time on their own goroutine so a
	// slow backend never holds up READY or RESPONSE traffic.
	smu      sync.Mutex
	storageQ []protocol.Envelope
	wake     chan struct{}

	ctx      context.Context
	cancel   context.CancelFunc
	stopOnce sync.Once
}

// New creates a relay. overlay is the relay's end of the link to the
// controller, background its end of the link to the singleton.
func New(cfg Config, overlay, background *Conn) *Relay {
	def := DefaultConfig()
	if cfg.UITimeout <= 0 {
		cfg.UITimeout = def.UITimeout
	}
	if cfg.StorageTimeout <= 0 {
		cfg.StorageTimeout = def.StorageTimeout
	}
	if cfg.NativeTimeout <= 0 {
		cfg.NativeTimeout = def.NativeTimeout
	}
	if cfg.Name == "" {
		cfg.Name = "relay"
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Relay{
		cfg:        cfg,
		log:        debug.Or(cfg.Logger),
		overlay:    overlay,
		background: background,
		pending:    protocol.NewPending(),
		wake:       make(chan struct{}, 1),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start attaches the relay's listeners and starts the storage worker.
func (r *Relay) Start() {
	go r.storageLoop()
	r.overlay.Listen(r.handleOverlay)
	r.background.Listen(r.handleBackground)
}

// Stop drops outstanding requests, abandons queued storage operations and
// closes both links.
func (r *Relay) Stop() {
	r.stopOnce.Do(func() {
		r.cancel()
		r.pending.Clear()
		r.overlay.Close()
		r.background.Close()
	})
}

// Ready reports whether the overlay has completed its handshake.
func (r *Relay) Ready() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ready
}

// Loaded reports whether the overlay has been injected.
func (r *Relay) Loaded() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loaded
}

// QueueLen returns the number of commands waiting for READY.
func (r *Relay) QueueLen() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queue)
}

// MarkLoaded records that the overlay was injected by other means.
func (r *Relay) MarkLoaded() {
	r.mu.Lock()
	r.loaded = true
	r.mu.Unlock()
}

// PendingCount returns the number of requests awaiting a response.
func (r *Relay) PendingCount() int {
	return r.pending.Len()
}

// handleBackground dispatches messages from the singleton.
func (r *Relay) handleBackground(data []byte) {
	env, err := protocol.Decode(data)
	if err != nil {
		metrics.RecordMalformed("relay")
		r.log.Warn(r.cfg.Name, "dropping malformed message from background: %v", err)
		if req, ok := protocol.Peek(data); ok && req.Type == protocol.TypeRequest {
			req.Action = ""
			r.toBackground(protocol.RespondError(req, err.Error()))
		}
		return
	}
	metrics.RecordEnvelope(string(env.Type), "from_background")

	switch env.Type {
	case protocol.TypeRequest:
		r.command(env)
	case protocol.TypeNativeResponse:
		if !r.pending.Resolve(env.RequestID, env) {
			r.log.Debug(r.cfg.Name, "late native response %s ignored", env.RequestID)
		}
	case protocol.TypeBridgeStatus:
		r.toOverlay(env)
	default:
		r.log.Debug(r.cfg.Name, "ignoring %s from background", env.Type)
	}
}

// handleOverlay dispatches messages from the controller.
func (r *Relay) handleOverlay(data []byte) {
	env, err := protocol.Decode(data)
	if err != nil {
		metrics.RecordMalformed("relay")
		r.log.Warn(r.cfg.Name, "dropping malformed message from overlay: %v", err)
		if req, ok := protocol.Peek(data); ok {
			r.rejectMalformed(req, err)
		}
		return
	}
	metrics.RecordEnvelope(string(env.Type), "from_overlay")

	switch env.Type {
	case protocol.TypeReady:
		r.handleReady()
	case protocol.TypeResponse:
		if !r.pending.Resolve(env.RequestID, env) {
			r.log.Debug(r.cfg.Name, "late %s response %s ignored", env.Action, env.RequestID)
		}
	case protocol.TypeStorage:
		r.enqueueStorage(env)
	case protocol.TypeNativeRequest:
		r.native(env)
	default:
		r.log.Debug(r.cfg.Name, "ignoring %s from overlay", env.Type)
	}
}

// rejectMalformed answers a request the overlay sent in a shape the relay
// cannot act on, so the caller fails now instead of at its timeout.
func (r *Relay) rejectMalformed(req protocol.Envelope, err error) {
	switch req.Type {
	case protocol.TypeStorage:
		r.toOverlay(protocol.StorageFailure(req, err.Error()))
	case protocol.TypeNativeRequest:
		r.toOverlay(protocol.NativeFailure(req, err))
	}
}

func (r *Relay) handleReady() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.ready = true
	r.loaded = true
	queued := r.queue
	r.queue = nil

	r.log.Debug(r.cfg.Name, "overlay ready, flushing %d queued commands", len(queued))
	for _, env := range queued {
		r.sendToOverlayLocked(env)
	}
}

// command forwards a REQUEST to the overlay, queueing it until READY.
func (r *Relay) command(env protocol.Envelope) {
	r.pending.Register(env.RequestID, r.cfg.UITimeout,
		func(resp protocol.Envelope) { r.toBackground(resp) },
		func() {
			metrics.RecordTimeout("ui")
			r.log.Warn(r.cfg.Name, "%s timed out waiting for overlay", env.Action)
			r.toBackground(timeoutFallback(env))
		},
	)

	r.mu.Lock()
	if r.ready {
		r.sendToOverlayLocked(env)
		r.mu.Unlock()
		return
	}

	r.queue = append(r.queue, env)
	metrics.RecordQueued()
	load := !r.loaded && r.cfg.Loader != nil
	if load {
		r.loaded = true
	}
	r.mu.Unlock()

	r.log.Debug(r.cfg.Name, "overlay not ready, queued %s", env.Action)
	if load {
		go r.load()
	}
}

func (r *Relay) load() {
	err := r.cfg.Loader()
	if err == nil {
		return
	}

	r.log.Error(r.cfg.Name, "overlay injection failed: %v", err)

	r.mu.Lock()
	r.loaded = false
	r.ready = false
	failed := r.queue
	r.queue = nil
	r.mu.Unlock()

	for _, env := range failed {
		r.pending.Resolve(env.RequestID, protocol.RespondError(env, "overlay injection failed: "+err.Error()))
	}
}

// sendToOverlayLocked posts env to the overlay; r.mu must be held so that
// queued and live commands keep their order.
func (r *Relay) sendToOverlayLocked(env protocol.Envelope) {
	if err := r.overlay.Post(env); err != nil {
		r.log.Error(r.cfg.Name, "failed to deliver %s: %v", env.Action, err)
		r.pending.Resolve(env.RequestID, protocol.RespondError(env, err.Error()))
	}
}

func timeoutFallback(req protocol.Envelope) protocol.Envelope {
	if req.Action == protocol.ActionToggleInspecting {
		return protocol.Respond(req, protocol.Result{Success: true, IsInspecting: false})
	}
	return protocol.RespondError(req, timeoutMessage)
}

func (r *Relay) toBackground(env protocol.Envelope) {
	if err := r.background.Post(env); err != nil {
		r.log.Error(r.cfg.Name, "failed to reach background: %v", err)
	}
}

func (r *Relay) toOverlay(env protocol.Envelope) {
	if err := r.overlay.Post(env); err != nil {
		r.log.Error(r.cfg.Name, "failed to reach overlay: %v", err)
	}
}

func (r *Relay) enqueueStorage(env protocol.Envelope) {
	r.smu.Lock()
	r.storageQ = append(r.storageQ, env)
	r.smu.Unlock()

	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// storageLoop executes queued storage operations in arrival order, so a
// set followed by a get observes the set.
func (r *Relay) storageLoop() {
	for {
		select {
		case <-r.ctx.Done():
			return
		case <-r.wake:
		}

		for {
			r.smu.Lock()
			if len(r.storageQ) == 0 || r.ctx.Err() != nil {
				r.smu.Unlock()
				break
			}
			env := r.storageQ[0]
			r.storageQ = r.storageQ[1:]
			r.smu.Unlock()

			r.storage(env)
		}
	}
}

// storage performs a STORAGE operation against the backend.
func (r *Relay) storage(env protocol.Envelope) {
	if r.cfg.Storage == nil {
		r.toOverlay(protocol.StorageFailure(env, "storage unavailable"))
		return
	}

	ctx, cancel := context.WithTimeout(r.ctx, r.cfg.StorageTimeout)
	defer cancel()

	value, err := r.doStorage(ctx, env)
	if err != nil {
		r.log.Warn(r.cfg.Name, "storage %s %s failed: %v", env.Op, env.Key, err)
		r.toOverlay(protocol.StorageFailure(env, err.Error()))
		return
	}
	r.toOverlay(protocol.StorageOK(env, value))
}

func (r *Relay) doStorage(ctx context.Context, env protocol.Envelope) (json.RawMessage, error) {
	b := r.cfg.Storage
	if env.Key == "" && env.Op != protocol.OpGetAll {
		return nil, protocol.E(protocol.KindMalformedPayload, string(env.Op), errors.New("key required"))
	}
	switch env.Op {
	case protocol.OpGet:
		v, _, err := b.Get(ctx, env.Key)
		return v, err
	case protocol.OpSet:
		return nil, b.Set(ctx, env.Key, env.Value)
	case protocol.OpRemove:
		return nil, b.Remove(ctx, env.Key)
	case protocol.OpGetAll:
		all, err := b.GetAll(ctx)
		if err != nil {
			return nil, err
		}
		data, err := json.Marshal(all)
		if err != nil {
			return nil, fmt.Errorf("encode storage contents: %w", err)
		}
		return data, nil
	}
	return nil, fmt.Errorf("unknown_op")
}

// native forwards a NATIVE_REQUEST to the singleton and relays the result.
func (r *Relay) native(env protocol.Envelope) {
	r.pending.Register(env.RequestID, r.cfg.NativeTimeout,
		func(resp protocol.Envelope) {
			if resp.Command == "" {
				resp.Command = env.Command
			}
			r.toOverlay(resp)
		},
		func() {
			metrics.RecordTimeout("native")
			r.toOverlay(protocol.NativeFailure(env, protocol.E(protocol.KindTimeout, env.Command, nil)))
		},
	)

	if err := r.background.Post(env); err != nil {
		r.pending.Remove(env.RequestID)
		r.log.Error(r.cfg.Name, "failed to forward %s: %v", env.Command, err)
		r.toOverlay(protocol.NativeFailure(env, protocol.E(protocol.KindNativeInvocation, env.Command, err)))
	}
}
