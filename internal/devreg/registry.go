// Package devreg persists the history of configured sources: when a device
// was first seen, when it was last seen, and how often it bounced. The
// list-devices subcommand reads it back alongside a live scan.
package devreg

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger"
	"github.com/hotasfuse/hotasfuse/internal/mapsvc"
	"go.uber.org/zap"
)

// Sighting is the stored record for one configured source.
type Sighting struct {
	Role        string    `json:"role"`
	ByID        string    `json:"by_id"`
	LastPath    string    `json:"last_path,omitempty"`
	LastName    string    `json:"last_name,omitempty"`
	Online      bool      `json:"online"`
	FirstSeenAt time.Time `json:"firstSeenAt"`
	LastSeenAt  time.Time `json:"lastSeenAt"`
	Transitions int       `json:"transitions"`
}

var keyPrefix = []byte("devices/")

// Service records lifecycle events published by the map service.
type Service struct {
	log *zap.Logger
	db  *badger.DB
	sub mapsvc.LifecycleSubscriber
	now func() time.Time
}

func New(log *zap.Logger, db *badger.DB, sub mapsvc.LifecycleSubscriber, now func() time.Time) *Service {
	return &Service{log: log, db: db, sub: sub, now: now}
}

// Start consumes lifecycle events until ctx is cancelled.
func (s *Service) Start(ctx context.Context) error {
	ch := s.sub(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			if err := s.record(msg.Message); err != nil {
				s.log.Error("recording device sighting failed", zap.Error(err))
			}
		}
	}
}

func (s *Service) record(ev mapsvc.LifecycleEvent) error {
	key := sightingKey(ev.Role.String(), ev.ByID)
	return s.db.Update(func(txn *badger.Txn) error {
		var sighting Sighting
		item, err := txn.Get(key)
		switch {
		case errors.Is(err, badger.ErrKeyNotFound):
		case err != nil:
			return err
		default:
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &sighting)
			}); err != nil {
				return fmt.Errorf("decoding sighting: %w", err)
			}
		}

		now := s.now()
		sighting.Role = ev.Role.String()
		sighting.ByID = ev.ByID
		sighting.Online = ev.Online
		sighting.Transitions++
		if ev.Online {
			sighting.LastPath = ev.Path
			sighting.LastName = ev.Name
			sighting.LastSeenAt = now
			if sighting.FirstSeenAt.IsZero() {
				sighting.FirstSeenAt = now
			}
		}

		raw, err := json.Marshal(sighting)
		if err != nil {
			return fmt.Errorf("encoding sighting: %w", err)
		}
		return txn.Set(key, raw)
	})
}

func sightingKey(role, byID string) []byte {
	return []byte(fmt.Sprintf("%s%s/%s", keyPrefix, role, byID))
}

// List returns every stored sighting.
func List(db *badger.DB) ([]Sighting, error) {
	var sightings []Sighting
	err := db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(keyPrefix); it.ValidForPrefix(keyPrefix); it.Next() {
			var sighting Sighting
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &sighting)
			})
			if err != nil {
				return err
			}
			sightings = append(sightings, sighting)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing sightings: %w", err)
	}
	return sightings, nil
}
