package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"zigbee-arbiter/internal/arbiter"
	"zigbee-arbiter/internal/dedup"
	"zigbee-arbiter/internal/dispatch"
	"zigbee-arbiter/internal/knowledge"
	"zigbee-arbiter/internal/normalize"
	"zigbee-arbiter/internal/protocol"
	"zigbee-arbiter/internal/retry"
	"zigbee-arbiter/internal/store"
	"zigbee-arbiter/internal/transport"
)

// DefaultQueueSize is the per-device inbound queue length.
const DefaultQueueSize = 64

// Reasons passed to Observer.RecordSuppressed.
const (
	SuppressMethodDisabled = "method_disabled"
	SuppressDuplicate      = "duplicate"
	SuppressQueueFull      = "queue_full"
)

// ErrUnknownDevice is returned for operations on devices that never joined.
var ErrUnknownDevice = errors.New("unknown device")

// Config holds coordinator configuration.
type Config struct {
	Arbiter   arbiter.Config
	Dedup     dedup.Config
	Retry     retry.Plan
	QueueSize int
}

// Observer receives pipeline counters.
type Observer interface {
	InboundPayload(method protocol.Method)
	RecordEmitted(capability string)
	RecordSuppressed(reason string)
	Dispatched(path string, err error)
	RetryAttempt(strategy string, err error)
}

type nopObserver struct{}

func (nopObserver) InboundPayload(protocol.Method) {}
func (nopObserver) RecordEmitted(string) {}
func (nopObserver) RecordSuppressed(string) {}
func (nopObserver) Dispatched(string, error) {}
func (nopObserver) RetryAttempt(string, error) {}

// DeviceInfo is a stored device together with its live protocol state.
type DeviceInfo struct {
	*store.Device
	Protocol     *arbiter.State `json:"protocol,omitempty"`
	Capabilities []string       `json:"capabilities,omitempty"`
}

// Coordinator wires a transport to the arbitration pipeline. Every attached
// device gets its own worker goroutine, so payloads of one device are
// processed strictly in arrival order while devices proceed independently.
type Coordinator struct {
	transport transport.Transport
	store     store.Store
	kb        *knowledge.Base
	arbiter   *arbiter.Arbiter
	norm      *normalize.Normalizer
	dedup     *dedup.Deduplicator
	dispatch  *dispatch.Dispatcher
	events    *EventBus
	obs       Observer
	cfg       Config
	logger    *slog.Logger

	mu      sync.RWMutex
	workers map[string]*worker
	wg      sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

type worker struct {
	id       string
	vendor   string
	model    string
	endpoint uint8
	handle   arbiter.Handle
	inbox    chan transport.Inbound
	ctx      context.Context
	cancel   context.CancelFunc
}

// New creates a Coordinator. tr may be nil, in which case commands fail
// with dispatch.ErrNoActiveTransport. obs may be nil.
func New(tr transport.Transport, st store.Store, kb *knowledge.Base, norm *normalize.Normalizer, events *EventBus, obs Observer, cfg Config, logger *slog.Logger) *Coordinator {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if obs == nil {
		obs = nopObserver{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		transport: tr,
		store:     st,
		kb:        kb,
		norm:      norm,
		dedup:     dedup.New(cfg.Dedup),
		events:    events,
		obs:       obs,
		cfg:       cfg,
		logger:    logger.With("component", "coordinator"),
		workers:   make(map[string]*worker),
		ctx:       ctx,
		cancel:    cancel,
	}

	arbCfg := cfg.Arbiter
	arbCfg.OnClassified = c.handleClassified
	c.arbiter = arbiter.New(learnedView{kb: kb, st: st}, arbCfg, logger)

	plan := cfg.Retry
	plan.OnAttempt = func(strategy string, _ int, err error) {
		obs.RetryAttempt(strategy, err)
	}
	var sender transport.Sender
	if tr != nil {
		sender = tr
	}
	c.dispatch = dispatch.New(c, c.arbiter, sender, dispatch.Config{
		Plan:     plan,
		OnResult: obs.Dispatched,
	}, logger)
	return c
}

// Context returns the coordinator's context, which is cancelled on Stop().
func (c *Coordinator) Context() context.Context {
	return c.ctx
}

// Start attaches every stored device, starts re-evaluation and connects the
// transport.
func (c *Coordinator) Start(ctx context.Context) error {
	devs, err := c.store.ListDevices()
	if err != nil {
		return fmt.Errorf("list devices: %w", err)
	}
	for _, dev := range devs {
		c.startDevice(dev)
	}
	c.logger.Info("devices restored", "count", len(devs))

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.arbiter.Run(c.ctx)
	}()

	if c.transport == nil {
		c.logger.Warn("no transport configured, running without devices link")
		return nil
	}
	err = c.transport.Start(ctx, transport.Handlers{
		OnJoined:  c.HandleJoined,
		OnLeft:    c.HandleLeft,
		OnInbound: c.HandleInbound,
	})
	if err != nil {
		return fmt.Errorf("start transport: %w", err)
	}
	c.events.Emit(Event{Type: EventTransportState, Data: "started"})
	return nil
}

// Stop closes the transport and stops every worker.
func (c *Coordinator) Stop() {
	if c.transport != nil {
		if err := c.transport.Close(); err != nil {
			c.logger.Warn("close transport", "err", err)
		}
	}
	c.cancel()

	c.mu.Lock()
	workers := c.workers
	c.workers = make(map[string]*worker)
	c.mu.Unlock()
	for _, w := range workers {
		w.cancel()
	}
	c.wg.Wait()
	c.arbiter.Close()
}

// HandleJoined registers or refreshes a device and attaches it.
func (c *Coordinator) HandleJoined(evt transport.DeviceJoined) {
	if evt.ID == "" {
		c.logger.Warn("join without device id", "vendor", evt.Vendor, "model", evt.Model)
		return
	}
	now := time.Now()
	dev, err := c.store.GetDevice(evt.ID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			c.logger.Error("load device", "device", evt.ID, "err", err)
		}
		dev = &store.Device{ID: evt.ID, JoinedAt: now}
	}
	// Rejoins may omit identity; keep what is known.
	if evt.Vendor != "" {
		dev.Vendor = evt.Vendor
	}
	if evt.Model != "" {
		dev.Model = evt.Model
	}
	if evt.Endpoint != 0 {
		dev.Endpoint = evt.Endpoint
	}
	dev.LastSeen = now

	if err := c.store.SaveDevice(dev); err != nil {
		c.logger.Error("save device", "device", dev.ID, "err", err)
		return
	}
	c.dedup.Forget(dev.ID)
	c.startDevice(dev)

	c.logger.Info("device joined", "device", dev.ID, "vendor", dev.Vendor, "model", dev.Model)
	c.events.Emit(Event{
		Type: EventDeviceJoined,
		Data: map[string]any{"id": dev.ID, "vendor": dev.Vendor, "model": dev.Model},
	})
}

// HandleLeft detaches a device, cancels its in-flight work and removes it
// from the store. Learned classifications are kept.
func (c *Coordinator) HandleLeft(evt transport.DeviceLeft) {
	c.mu.Lock()
	w := c.workers[evt.ID]
	delete(c.workers, evt.ID)
	c.mu.Unlock()

	if w != nil {
		w.cancel()
		c.arbiter.Detach(w.handle)
	}
	c.dedup.Forget(evt.ID)
	if err := c.store.DeleteDevice(evt.ID); err != nil {
		c.logger.Error("delete device on leave", "device", evt.ID, "err", err)
	}

	c.logger.Info("device left", "device", evt.ID)
	c.events.Emit(Event{Type: EventDeviceLeft, Data: map[string]any{"id": evt.ID}})
}

// HandleInbound queues a payload on the device's worker. Payloads from
// devices that never joined are dropped.
func (c *Coordinator) HandleInbound(in transport.Inbound) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	w := c.workers[in.Device]
	if w == nil {
		c.logger.Debug("payload from unknown device", "device", in.Device, "cluster", fmt.Sprintf("0x%04X", in.Cluster))
		return
	}
	select {
	case w.inbox <- in:
	default:
		c.obs.RecordSuppressed(SuppressQueueFull)
		c.logger.Warn("device queue full, payload dropped", "device", in.Device)
	}
}

// startDevice attaches a device to the arbiter and starts its worker,
// replacing a previous worker for the same ID.
func (c *Coordinator) startDevice(dev *store.Device) {
	ctx, cancel := context.WithCancel(c.ctx)
	w := &worker{
		id:       dev.ID,
		vendor:   dev.Vendor,
		model:    dev.Model,
		endpoint: dev.Endpoint,
		inbox:    make(chan transport.Inbound, c.cfg.QueueSize),
		ctx:      ctx,
		cancel:   cancel,
	}

	c.mu.Lock()
	if prev := c.workers[dev.ID]; prev != nil {
		prev.cancel()
	}
	w.handle = c.arbiter.Attach(dev.ID, dev.Vendor, dev.Model)
	c.workers[dev.ID] = w
	c.mu.Unlock()

	c.wg.Add(1)
	go c.runWorker(w)
}

func (c *Coordinator) runWorker(w *worker) {
	defer c.wg.Done()
	for {
		select {
		case <-w.ctx.Done():
			return
		case in := <-w.inbox:
			c.process(w, in)
		}
	}
}

// process runs one payload through normalize, arbitration and dedup.
func (c *Coordinator) process(w *worker, in transport.Inbound) {
	method, payload := classifyInbound(in)
	c.obs.InboundPayload(method)

	src := normalize.Source{DeviceID: w.id, Vendor: w.vendor, Model: w.model, Method: method}
	recs := c.norm.Normalize(payload, src)
	if len(recs) == 0 {
		return
	}

	if !c.arbiter.RecordObservation(w.id, method, recs[0].Capability) {
		for range recs {
			c.obs.RecordSuppressed(SuppressMethodDisabled)
		}
		return
	}

	now := time.Now()
	values := make(map[string]any, len(recs))
	updates := make([]CapabilityUpdate, 0, len(recs))
	for _, r := range recs {
		if !c.dedup.ShouldEmit(w.id, r.Capability, r.Value) {
			c.obs.RecordSuppressed(SuppressDuplicate)
			continue
		}
		values[r.Capability] = r.Value
		updates = append(updates, CapabilityUpdate{
			Device:     w.id,
			Capability: r.Capability,
			Value:      r.Value,
			Confidence: r.Confidence,
			Method:     r.Method,
			Origin:     r.Origin,
			Time:       now,
		})
	}

	err := c.store.UpdateDevice(w.id, func(dev *store.Device) error {
		dev.LastSeen = now
		if len(values) > 0 {
			if dev.Values == nil {
				dev.Values = make(map[string]any, len(values))
			}
			maps.Copy(dev.Values, values)
		}
		return nil
	})
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		c.logger.Error("persist values", "device", w.id, "err", err)
	}

	for _, u := range updates {
		c.obs.RecordEmitted(u.Capability)
		c.events.Emit(Event{Type: EventCapabilityUpdate, Data: u})
	}
}

// handleClassified persists a learned classification so later attachments
// of the same model are seeded, and announces it.
func (c *Coordinator) handleClassified(s arbiter.State) {
	if s.Vendor != "" || s.Model != "" {
		err := c.store.SaveClassification(&store.Classification{
			Vendor:         s.Vendor,
			Model:          s.Model,
			Classification: s.Classification,
			Methods:        s.Enabled(),
			LearnedAt:      s.ClassifiedAt,
			Device:         s.DeviceID,
		})
		if err != nil {
			c.logger.Error("save classification", "device", s.DeviceID, "err", err)
		}
	}
	c.events.Emit(Event{Type: EventClassification, Data: s})
}

// Send writes a capability value to a device. The command is bound to the
// device's lifetime: a leave cancels pending retries.
func (c *Coordinator) Send(ctx context.Context, id, capability string, value any) error {
	c.mu.RLock()
	w := c.workers[id]
	c.mu.RUnlock()
	if w == nil {
		return fmt.Errorf("%w: %s", ErrUnknownDevice, id)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(w.ctx, cancel)
	defer stop()

	return c.dispatch.Send(ctx, id, capability, value)
}

// Device implements dispatch.Directory.
func (c *Coordinator) Device(id string) (dispatch.Device, bool) {
	c.mu.RLock()
	w := c.workers[id]
	c.mu.RUnlock()
	if w == nil {
		return dispatch.Device{}, false
	}
	return dispatch.Device{
		ID:         w.id,
		Vendor:     w.vendor,
		Model:      w.model,
		Endpoint:   w.endpoint,
		Definition: c.kb.Definition(w.vendor, w.model),
	}, true
}

// ListDevices returns every stored device with its protocol state.
func (c *Coordinator) ListDevices() ([]DeviceInfo, error) {
	devs, err := c.store.ListDevices()
	if err != nil {
		return nil, err
	}
	out := make([]DeviceInfo, 0, len(devs))
	for _, dev := range devs {
		out = append(out, c.info(dev))
	}
	return out, nil
}

// GetDevice returns one device with its protocol state.
func (c *Coordinator) GetDevice(id string) (DeviceInfo, error) {
	dev, err := c.store.GetDevice(id)
	if err != nil {
		return DeviceInfo{}, err
	}
	return c.info(dev), nil
}

// RenameDevice sets the friendly name of a stored device.
func (c *Coordinator) RenameDevice(id, name string) error {
	return c.store.UpdateDevice(id, func(d *store.Device) error {
		d.FriendlyName = name
		return nil
	})
}

// RemoveDevice forgets a device as if it had left the network.
func (c *Coordinator) RemoveDevice(id string) error {
	if _, err := c.store.GetDevice(id); err != nil {
		return err
	}
	c.HandleLeft(transport.DeviceLeft{ID: id})
	return nil
}

func (c *Coordinator) info(dev *store.Device) DeviceInfo {
	di := DeviceInfo{Device: dev}
	if s, ok := c.arbiter.Snapshot(dev.ID); ok {
		di.Protocol = &s
	}
	di.Capabilities = c.kb.Definition(dev.Vendor, dev.Model).Capabilities()
	return di
}

// Arbiter returns the protocol arbiter.
func (c *Coordinator) Arbiter() *arbiter.Arbiter {
	return c.arbiter
}

// Store returns the underlying store.
func (c *Coordinator) Store() store.Store {
	return c.store
}

// Events returns the event bus.
func (c *Coordinator) Events() *EventBus {
	return c.events
}

// learnedView seeds the arbiter from the static knowledge base and falls
// back to classifications learned and persisted at runtime.
type learnedView struct {
	kb *knowledge.Base
	st store.Store
}

func (v learnedView) Lookup(vendor, model string) (knowledge.Known, bool) {
	if k, ok := v.kb.Lookup(vendor, model); ok {
		return k, true
	}
	if vendor == "" && model == "" {
		return knowledge.Known{}, false
	}
	l, err := v.st.GetClassification(vendor, model)
	if err != nil || !l.Classification.Settled() {
		return knowledge.Known{}, false
	}
	return knowledge.Learned{
		Vendor:         l.Vendor,
		Model:          l.Model,
		Classification: l.Classification,
		Methods:        l.Methods,
	}.Known(), true
}
