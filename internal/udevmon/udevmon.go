// Package udevmon watches the udev netlink stream for input-subsystem
// changes. A device appearing clears the map service's reconnection backoff
// so a replug is picked up on the next loop tick; the backoff loop remains
// the mechanism of record. It also answers identity questions about event
// nodes from udev's database.
package udevmon

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/jochenvg/go-udev"
	"go.uber.org/zap"
)

// Service monitors udev for hotplug activity.
type Service struct {
	log    *zap.Logger
	notify func()
	ready  chan struct{}
}

// New builds a monitor that calls notify for every added input event node
// (sysname "event*").
func New(log *zap.Logger, notify func()) *Service {
	return &Service{
		log:    log,
		notify: notify,
		ready:  make(chan struct{}),
	}
}

func (s *Service) Ready() <-chan struct{} {
	return s.ready
}

// Start consumes the netlink stream until ctx is cancelled. A monitor that
// cannot be established is logged and tolerated: reconnection then runs on
// backoff alone.
func (s *Service) Start(ctx context.Context) error {
	u := udev.Udev{}
	m := u.NewMonitorFromNetlink("udev")
	if m == nil {
		close(s.ready)
		s.log.Warn("udev monitor unavailable, hotplug relies on backoff polling")
		<-ctx.Done()
		return nil
	}
	m.FilterAddMatchSubsystem("input")

	ch, err := m.DeviceChan(ctx)
	if err != nil {
		close(s.ready)
		s.log.Warn("udev monitor unavailable, hotplug relies on backoff polling", zap.Error(err))
		<-ctx.Done()
		return nil
	}
	close(s.ready)
	s.log.Info("udev monitor started")

	for {
		select {
		case <-ctx.Done():
			return nil
		case dev, ok := <-ch:
			if !ok {
				return nil
			}
			if dev == nil || dev.Action() != "add" {
				continue
			}
			if !strings.HasPrefix(filepath.Base(dev.Syspath()), "event") {
				continue
			}
			s.log.Debug("input device added", zap.String("syspath", dev.Syspath()))
			s.notify()
		}
	}
}

// ValidateIdentity checks the udev-reported vendor/model ids of the event
// node at path against the expected values. Empty expectations match
// anything.
func ValidateIdentity(path, vendor, product string) error {
	u := udev.Udev{}
	dev := u.NewDeviceFromSubsystemSysname("input", filepath.Base(path))
	if dev == nil {
		return fmt.Errorf("device %s not found in udev", path)
	}
	gotVendor := dev.PropertyValue("ID_VENDOR_ID")
	gotProduct := dev.PropertyValue("ID_MODEL_ID")
	if vendor != "" && !strings.EqualFold(gotVendor, vendor) {
		return fmt.Errorf("vendor mismatch: device reports %q, expected %q", gotVendor, vendor)
	}
	if product != "" && !strings.EqualFold(gotProduct, product) {
		return fmt.Errorf("product mismatch: device reports %q, expected %q", gotProduct, product)
	}
	return nil
}
