// Package mapsvc runs the fusion core: one event loop thread that owns the
// physical sources, the binding resolver and the virtual pad. Everything else
// in the daemon talks to it through atomics, the lifecycle bus, or the status
// snapshot.
package mapsvc

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/hotasfuse/hotasfuse/internal/configsvc"
	"github.com/hotasfuse/hotasfuse/internal/evdev"
	"github.com/hotasfuse/hotasfuse/internal/uinput"
	"github.com/hotasfuse/hotasfuse/pkg/bus"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"
)

const (
	pollTimeoutMs     = 100
	writeFailureLimit = 8
)

// LifecycleEvent reports one source transition for observers (registry,
// front-ends).
type LifecycleEvent struct {
	Role   Role
	ByID   string
	Path   string
	Name   string
	Online bool
	At     time.Time
}

type (
	// LifecycleBus fans source transitions out to interested services.
	LifecycleBus        = bus.Bus[Role, LifecycleEvent]
	LifecycleSubscriber = bus.Subscriber[Role, LifecycleEvent]
)

// SourceStatus is the read-only per-role view exposed to front-ends.
type SourceStatus struct {
	Role         Role      `json:"role"`
	ByID         string    `json:"by_id"`
	ResolvedPath string    `json:"resolved_path,omitempty"`
	DeviceName   string    `json:"device_name,omitempty"`
	Online       bool      `json:"online"`
	Grabbed      bool      `json:"grabbed"`
	Since        time.Time `json:"since"`
}

// virtualOutput is the synthetic pad surface the loop writes through.
type virtualOutput interface {
	WriteEvent(typ, code uint16, value int32) error
	Sync() error
	Close() error
}

type outputFactory func(name string) (virtualOutput, error)

type serviceOptions struct {
	now            func() time.Time
	openDevice     openDeviceFunc
	checkIdentity  identityCheckFunc
	newOutput      outputFactory
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// Option overrides a service collaborator, mostly for tests.
type Option func(*serviceOptions)

func WithClock(now func() time.Time) Option {
	return func(o *serviceOptions) { o.now = now }
}

func WithOpenDevice(open openDeviceFunc) Option {
	return func(o *serviceOptions) { o.openDevice = open }
}

func WithIdentityCheck(check identityCheckFunc) Option {
	return func(o *serviceOptions) { o.checkIdentity = check }
}

func WithOutputFactory(factory outputFactory) Option {
	return func(o *serviceOptions) { o.newOutput = factory }
}

func WithReconnectBackoff(initial, max time.Duration) Option {
	return func(o *serviceOptions) {
		o.initialBackoff = initial
		o.maxBackoff = max
	}
}

// Service composes the event loop, sources, resolver and virtual output from
// configuration and runs them until the context is cancelled.
type Service struct {
	log        *zap.Logger
	config     *configsvc.Service
	configPath string
	lifecycle  *LifecycleBus
	options    serviceOptions

	pending atomic.Pointer[Config]
	nudge   atomic.Bool
	status  *xsync.MapOf[Role, SourceStatus]
	ready   chan struct{}

	// Loop-owned state; untouched outside the run goroutine.
	sources   []*inputSource
	fdIndex   map[int]*inputSource
	poller    *evdev.Poller
	resolver  *Resolver
	output    virtualOutput
	axisCodes map[Role][]uint16

	wroteSinceSync    bool
	writeFailureCount int
}

// New builds the map service. The lifecycle bus may be nil when nobody
// observes transitions.
func New(log *zap.Logger, config *configsvc.Service, configPath string, lifecycle *LifecycleBus, opts ...Option) *Service {
	options := serviceOptions{
		now: time.Now,
		openDevice: func(path string) (sourceDevice, error) {
			return evdev.Open(path)
		},
		newOutput: func(name string) (virtualOutput, error) {
			return uinput.Create(name)
		},
		checkIdentity:  func(path, vendor, product string) error { return nil },
		initialBackoff: initialReconnectBackoff,
		maxBackoff:     maxReconnectBackoff,
	}
	for _, opt := range opts {
		opt(&options)
	}
	return &Service{
		log:        log,
		config:     config,
		configPath: configPath,
		lifecycle:  lifecycle,
		options:    options,
		status:     xsync.NewMapOf[Role, SourceStatus](),
		ready:      make(chan struct{}),
	}
}

// Ready is closed once the virtual pad exists and the loop is running.
func (s *Service) Ready() <-chan struct{} {
	return s.ready
}

// Status returns the current per-role snapshot.
func (s *Service) Status() []SourceStatus {
	var out []SourceStatus
	s.status.Range(func(_ Role, st SourceStatus) bool {
		out = append(out, st)
		return true
	})
	return out
}

// RequestReload re-reads the configuration document and hands the result to
// the loop. An unreadable or invalid document aborts the reload and keeps the
// previous state.
func (s *Service) RequestReload() {
	cfg, err := LoadConfig(s.configPath)
	if err != nil {
		s.log.Error("reload aborted", zap.Error(err))
		return
	}
	s.pending.Store(&cfg)
	s.log.Info("reload requested")
}

// NudgeReconnect asks the loop to retry offline sources on its next tick
// instead of waiting out the backoff. Called from the udev monitor.
func (s *Service) NudgeReconnect() {
	s.nudge.Store(true)
}

// Start loads the configuration and runs the event loop until ctx is
// cancelled or an unrecoverable failure occurs.
func (s *Service) Start(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return nil
	case <-s.config.Ready():
	}
	cfg, err := configsvc.Register(s.config, s.configPath, DefaultConfig(), s.onConfigChange)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return s.run(ctx, cfg)
}

func (s *Service) onConfigChange(cfg Config, err error) {
	if err != nil {
		s.log.Error("reload aborted, keeping previous configuration", zap.Error(err))
		return
	}
	if err := cfg.Validate(); err != nil {
		s.log.Error("reload aborted, keeping previous configuration", zap.Error(err))
		return
	}
	s.pending.Store(&cfg)
	s.log.Info("configuration file changed, reload scheduled")
}

func (s *Service) run(ctx context.Context, cfg Config) error {
	resolver, err := s.buildResolver(cfg)
	if err != nil {
		return err
	}
	s.resolver = resolver

	if err := s.openSources(ctx, cfg); err != nil {
		s.teardownSources(ctx)
		return err
	}

	output, err := s.options.newOutput(cfg.UinputName)
	if err != nil {
		s.teardownSources(ctx)
		return fmt.Errorf("creating virtual pad: %w", err)
	}
	s.output = output
	s.log.Info("virtual pad created", zap.String("name", cfg.UinputName))

	poller, err := evdev.NewPoller()
	if err != nil {
		s.teardown(ctx)
		return err
	}
	s.poller = poller
	for fd := range s.fdIndex {
		if err := poller.Add(fd); err != nil {
			s.teardown(ctx)
			return err
		}
	}

	close(s.ready)
	err = s.loop(ctx)
	s.teardown(ctx)
	return err
}

// buildResolver converts the configured bindings, indexes them, and installs
// calibrations. Also used on reload.
func (s *Service) buildResolver(cfg Config) (*Resolver, error) {
	bindings := BindingsFromConfig(s.log, cfg)
	table, err := NewTable(bindings)
	if err != nil {
		return nil, fmt.Errorf("building binding table: %w", err)
	}
	resolver := NewResolver(table)
	for _, in := range cfg.Inputs {
		role, err := ParseRole(in.Role)
		if err != nil {
			return nil, err
		}
		for _, cal := range in.Calibrations {
			err := resolver.SetCalibration(role, cal.SrcCode, AxisCalibration{
				ObservedMin:    cal.ObservedMin,
				ObservedMax:    cal.ObservedMax,
				Center:         cal.Center,
				DeadzoneRadius: cal.DeadzoneRadius,
			})
			if err != nil {
				return nil, fmt.Errorf("calibration for %s axis %d: %w", role, cal.SrcCode, err)
			}
			s.log.Info("calibration installed",
				zap.String("role", role.String()),
				zap.String("axis", evdev.AbsName(cal.SrcCode)),
				zap.Int32("min", cal.ObservedMin),
				zap.Int32("max", cal.ObservedMax),
				zap.Int32("center", cal.Center))
		}
	}
	s.axisCodes = make(map[Role][]uint16)
	for _, b := range bindings {
		if b.Src.Kind == KindAxis {
			s.axisCodes[b.Src.Role] = append(s.axisCodes[b.Src.Role], b.Src.Code)
		}
	}
	return resolver, nil
}

// openSources opens every configured device. A required source that cannot be
// opened fails startup; an optional one starts offline and follows the normal
// reconnection loop.
func (s *Service) openSources(ctx context.Context, cfg Config) error {
	s.fdIndex = make(map[int]*inputSource)
	for _, in := range cfg.Inputs {
		role, err := ParseRole(in.Role)
		if err != nil {
			return err
		}
		src := &inputSource{
			log:            s.log,
			role:           role,
			byIDPath:       in.ByID,
			vendor:         in.Vendor,
			product:        in.Product,
			optional:       in.Optional,
			grab:           cfg.Grab,
			initialBackoff: s.options.initialBackoff,
			maxBackoff:     s.options.maxBackoff,
			backoff:        s.options.initialBackoff,
		}
		s.sources = append(s.sources, src)

		if err := src.openAndInit(s.options.openDevice, s.options.checkIdentity); err != nil {
			if !in.Optional {
				return fmt.Errorf("required %s device: %w", role, err)
			}
			s.log.Warn("optional device unavailable, waiting for it",
				zap.String("role", role.String()),
				zap.String("by_id", in.ByID),
				zap.Error(err))
			src.markOffline(s.options.now())
			s.recordStatus(src)
			continue
		}
		s.fdIndex[src.dev.Fd()] = src
		s.recordStatus(src)
		s.publishLifecycle(ctx, src, true)
		src.logAxisRanges(s.axisCodes[role])
		s.log.Info("source online",
			zap.String("role", role.String()),
			zap.String("path", src.dev.Path()),
			zap.String("device", src.dev.Name()),
			zap.Bool("grabbed", src.grabbed))
	}
	return nil
}

// loop is the single-threaded core: readiness wait, decode, resolve, emit,
// reconnect. Each iteration is the atomic unit; no partial event group is
// ever emitted.
func (s *Service) loop(ctx context.Context) error {
	s.log.Info("event loop running")
	for {
		if ctx.Err() != nil {
			s.log.Info("event loop stopping")
			return nil
		}
		if cfg := s.pending.Swap(nil); cfg != nil {
			s.applyReload(*cfg)
		}

		fds, err := s.poller.Wait(pollTimeoutMs)
		if err != nil {
			return fmt.Errorf("event loop: %w", err)
		}
		for _, fd := range fds {
			src, ok := s.fdIndex[fd]
			if !ok || !src.online() {
				continue
			}
			if err := s.drainSource(ctx, src); err != nil {
				return err
			}
		}
		s.reconnectPass(ctx)
	}
}

// drainSource pulls decoded events from one ready source until it would
// block. Each decoded event runs through the resolver and its pending output
// is flushed with a closing sync marker.
func (s *Service) drainSource(ctx context.Context, src *inputSource) error {
	for {
		ev, err := src.dev.Next()
		switch {
		case err == nil:
			src.readFailures = 0
			if err := s.handleEvent(src.role, ev); err != nil {
				return err
			}
		case errors.Is(err, evdev.ErrWouldBlock):
			src.readFailures = 0
			return nil
		case errors.Is(err, evdev.ErrDisconnected):
			s.setOffline(ctx, src, err)
			return nil
		default:
			src.readFailures++
			s.log.Warn("read failure",
				zap.String("role", src.role.String()),
				zap.Int("consecutive", src.readFailures),
				zap.Error(err))
			if src.readFailures >= readFailureLimit {
				s.setOffline(ctx, src, err)
			}
			return nil
		}
	}
}

func (s *Service) handleEvent(role Role, ev evdev.Event) error {
	switch ev.Type {
	case evdev.EV_KEY:
		s.resolver.Process(PhysicalInput{role, KindButton, ev.Code}, ev.Value)
	case evdev.EV_ABS:
		s.resolver.Process(PhysicalInput{role, KindAxis, ev.Code}, ev.Value)
	case evdev.EV_SYN:
		if ev.Code == evdev.SYN_DROPPED {
			// Kernel queue overflow. State converges with the next batch of
			// events, no explicit recovery needed.
			s.log.Debug("kernel queue overflow, resynchronizing", zap.String("role", role.String()))
		}
	}

	pending := s.resolver.DrainPending()
	for _, out := range pending {
		typ := evdev.EV_ABS
		if out.Slot.Kind == KindButton {
			typ = evdev.EV_KEY
		}
		if err := s.writeOutput(typ, out.Slot.Code, out.Value); err != nil {
			return err
		}
	}
	if len(pending) > 0 {
		s.wroteSinceSync = true
	}
	sourceSync := ev.Type == evdev.EV_SYN && ev.Code == evdev.SYN_REPORT
	if s.wroteSinceSync && (len(pending) > 0 || sourceSync) {
		if err := s.syncOutput(); err != nil {
			return err
		}
		s.wroteSinceSync = false
	}
	return nil
}

// writeOutput surfaces individual write failures without killing the daemon;
// a sustained run of them means the pad contract cannot be upheld and the
// loop terminates.
func (s *Service) writeOutput(typ, code uint16, value int32) error {
	if err := s.output.WriteEvent(typ, code, value); err != nil {
		return s.outputFailed(err)
	}
	s.writeFailureCount = 0
	return nil
}

func (s *Service) syncOutput() error {
	if err := s.output.Sync(); err != nil {
		return s.outputFailed(err)
	}
	s.writeFailureCount = 0
	return nil
}

func (s *Service) outputFailed(err error) error {
	s.writeFailureCount++
	s.log.Error("virtual pad write failed",
		zap.Int("consecutive", s.writeFailureCount),
		zap.Error(err))
	if s.writeFailureCount >= writeFailureLimit {
		return fmt.Errorf("virtual pad unusable after %d consecutive write failures: %w",
			s.writeFailureCount, err)
	}
	return nil
}

func (s *Service) applyReload(cfg Config) {
	resolver, err := s.buildResolver(cfg)
	if err != nil {
		s.log.Error("reload aborted, keeping previous bindings", zap.Error(err))
		return
	}
	s.resolver = resolver
	s.wroteSinceSync = false
	s.log.Info("bindings and calibrations reloaded",
		zap.Int("bindings", len(resolver.Bindings())))
}

func (s *Service) setOffline(ctx context.Context, src *inputSource, cause error) {
	fd := src.dev.Fd()
	s.poller.Remove(fd)
	delete(s.fdIndex, fd)
	path := src.dev.Path()
	src.markOffline(s.options.now())
	s.recordStatus(src)
	s.publishLifecycle(ctx, src, false)
	s.log.Warn("source offline",
		zap.String("role", src.role.String()),
		zap.String("path", path),
		zap.Error(cause))
}

// reconnectPass retries offline sources whose deadline has passed. A udev
// nudge collapses pending deadlines so a replug is picked up immediately.
func (s *Service) reconnectPass(ctx context.Context) {
	now := s.options.now()
	nudged := s.nudge.Swap(false)
	for _, src := range s.sources {
		if src.online() {
			continue
		}
		if nudged {
			src.nextAttempt = now
		}
		if !src.retryDue(now) {
			continue
		}
		if err := src.openAndInit(s.options.openDevice, s.options.checkIdentity); err != nil {
			src.retryFailed(s.options.now())
			s.log.Debug("reconnect attempt failed",
				zap.String("role", src.role.String()),
				zap.Duration("next_backoff", src.backoff),
				zap.Error(err))
			continue
		}
		src.retrySucceeded()
		if err := s.poller.Add(src.dev.Fd()); err != nil {
			s.log.Error("registering reconnected source failed", zap.Error(err))
			src.markOffline(s.options.now())
			continue
		}
		s.fdIndex[src.dev.Fd()] = src
		s.recordStatus(src)
		s.publishLifecycle(ctx, src, true)
		src.logAxisRanges(s.axisCodes[src.role])
		s.log.Info("source reconnected",
			zap.String("role", src.role.String()),
			zap.String("path", src.dev.Path()))
	}
}

func (s *Service) recordStatus(src *inputSource) {
	st := SourceStatus{
		Role:    src.role,
		ByID:    src.byIDPath,
		Online:  src.online(),
		Grabbed: src.grabbed,
		Since:   s.options.now(),
	}
	if src.online() {
		st.ResolvedPath = src.dev.Path()
		st.DeviceName = src.dev.Name()
	}
	s.status.Store(src.role, st)
}

func (s *Service) publishLifecycle(ctx context.Context, src *inputSource, online bool) {
	if s.lifecycle == nil {
		return
	}
	ev := LifecycleEvent{
		Role:   src.role,
		ByID:   src.byIDPath,
		Online: online,
		At:     s.options.now(),
	}
	if online {
		ev.Path = src.dev.Path()
		ev.Name = src.dev.Name()
	}
	pubCtx, cancel := context.WithTimeout(ctx, 5*time.Millisecond)
	s.lifecycle.Publish(pubCtx, src.role, ev)
	cancel()
}

// teardown releases sources in reverse order of acquisition, then destroys
// the virtual pad. Grabs are released before descriptors close.
func (s *Service) teardown(ctx context.Context) {
	s.teardownSources(ctx)
	if s.poller != nil {
		if err := s.poller.Close(); err != nil {
			s.log.Warn("closing poller failed", zap.Error(err))
		}
		s.poller = nil
	}
	if s.output != nil {
		if err := s.output.Close(); err != nil {
			s.log.Warn("destroying virtual pad failed", zap.Error(err))
		}
		s.output = nil
	}
}

func (s *Service) teardownSources(ctx context.Context) {
	for i := len(s.sources) - 1; i >= 0; i-- {
		src := s.sources[i]
		if src.online() {
			s.publishLifecycle(ctx, src, false)
		}
		src.closeAndRelease()
	}
	s.sources = nil
	s.fdIndex = nil
}
