package mapsvc

import (
	"fmt"
	"time"

	"github.com/hotasfuse/hotasfuse/internal/evdev"
	"go.uber.org/zap"
)

const (
	initialReconnectBackoff = 500 * time.Millisecond
	maxReconnectBackoff     = 2 * time.Second
	readFailureLimit        = 3
)

// sourceDevice is the narrow decoder surface an input source drives. The
// production implementation is *evdev.Device; tests substitute fakes.
type sourceDevice interface {
	Next() (evdev.Event, error)
	Fd() int
	Path() string
	Name() string
	AbsInfoFor(code uint16) (evdev.AbsInfo, error)
	Grab() error
	Ungrab() error
	Close() error
}

// openDeviceFunc opens one device node; identityCheckFunc verifies the
// resolved node against the configured vendor/product identity.
type (
	openDeviceFunc    func(path string) (sourceDevice, error)
	identityCheckFunc func(path, vendor, product string) error
)

// inputSource owns one configured physical device through its online/offline
// lifecycle.
type inputSource struct {
	log *zap.Logger

	role     Role
	byIDPath string
	vendor   string
	product  string
	optional bool
	grab     bool

	dev          sourceDevice
	grabbed      bool
	readFailures int

	initialBackoff time.Duration
	maxBackoff     time.Duration
	backoff        time.Duration
	nextAttempt    time.Time
}

func (s *inputSource) online() bool {
	return s.dev != nil
}

// openAndInit resolves and opens the device, verifies its identity, and
// optionally requests an exclusive grab. Grab failure is advisory only.
func (s *inputSource) openAndInit(open openDeviceFunc, checkIdentity identityCheckFunc) error {
	s.closeAndRelease()

	dev, err := open(s.byIDPath)
	if err != nil {
		return err
	}
	if s.vendor != "" || s.product != "" {
		if err := checkIdentity(dev.Path(), s.vendor, s.product); err != nil {
			_ = dev.Close()
			return fmt.Errorf("identity check for %s: %w", s.role, err)
		}
	}
	s.dev = dev
	s.readFailures = 0
	if s.grab {
		if err := dev.Grab(); err != nil {
			s.log.Warn("exclusive grab failed, continuing without",
				zap.String("role", s.role.String()),
				zap.String("path", dev.Path()),
				zap.Error(err))
		} else {
			s.grabbed = true
		}
	}
	return nil
}

// closeAndRelease tears the source down in order: release the grab, then
// close the descriptor. Safe on a partially-constructed or already-closed
// source.
func (s *inputSource) closeAndRelease() {
	if s.dev == nil {
		return
	}
	if s.grabbed {
		if err := s.dev.Ungrab(); err != nil {
			s.log.Warn("releasing grab failed", zap.String("role", s.role.String()), zap.Error(err))
		}
		s.grabbed = false
	}
	if err := s.dev.Close(); err != nil {
		s.log.Warn("closing device failed", zap.String("role", s.role.String()), zap.Error(err))
	}
	s.dev = nil
	s.readFailures = 0
}

// markOffline closes the source and schedules the next reconnection attempt.
func (s *inputSource) markOffline(now time.Time) {
	s.closeAndRelease()
	if s.backoff <= 0 {
		s.backoff = s.initialBackoff
	}
	s.nextAttempt = now.Add(s.backoff)
}

// retryDue reports whether a reconnection attempt is due.
func (s *inputSource) retryDue(now time.Time) bool {
	return !now.Before(s.nextAttempt)
}

// retryFailed doubles the backoff up to the ceiling and re-arms the deadline.
func (s *inputSource) retryFailed(now time.Time) {
	s.backoff *= 2
	if s.backoff > s.maxBackoff {
		s.backoff = s.maxBackoff
	}
	s.nextAttempt = now.Add(s.backoff)
}

// retrySucceeded resets the backoff to its initial value.
func (s *inputSource) retrySucceeded() {
	s.backoff = s.initialBackoff
	s.nextAttempt = time.Time{}
}

// logAxisRanges logs the kernel-reported ranges of the axes this source
// feeds. Informational only; calibration supersedes absinfo.
func (s *inputSource) logAxisRanges(codes []uint16) {
	for _, code := range codes {
		info, err := s.dev.AbsInfoFor(code)
		if err != nil {
			continue
		}
		s.log.Debug("axis range reported by device",
			zap.String("role", s.role.String()),
			zap.String("axis", evdev.AbsName(code)),
			zap.Int32("min", info.Minimum),
			zap.Int32("max", info.Maximum),
			zap.Int32("flat", info.Flat))
	}
}
