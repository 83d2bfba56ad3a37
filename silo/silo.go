package silo

import (
	"context"
	"fmt"
	"sync"
	"time"

	"zombiezen.com/go/log"

	"github.com/baryvn/orleans-minio/cluster"
	"github.com/baryvn/orleans-minio/cluster/storage"
	"github.com/baryvn/orleans-minio/cluster/table"
	"github.com/baryvn/orleans-minio/metrics"
)

type SiloConfig struct {
	RoutableIP  string
	SiloPort    int
	GatewayPort int
	SiloName    string
	RoleName    string
	Grains      []string

	HeartbeatInterval     time.Duration
	TableRefreshInterval  time.Duration
	MissedHeartbeats      int
	DefunctSiloExpiration time.Duration
	CleanupInterval       time.Duration
}

// Silo runs the membership side of one cluster process: it joins the table,
// keeps its heartbeat fresh, watches the other silos and garbage collects
// long-dead rows.
type Silo struct {
	config          SiloConfig
	store           storage.MemberStore
	membershipTable *table.MembershipTable
	metrics         *metrics.MetricsRegistry

	mu    sync.Mutex
	entry *cluster.MembershipEntry

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewSilo(config SiloConfig, store storage.MemberStore, membershipTable *table.MembershipTable, registry *metrics.MetricsRegistry) *Silo {
	if config.HeartbeatInterval == 0 {
		config.HeartbeatInterval = 5 * time.Second
	}
	if config.TableRefreshInterval == 0 {
		config.TableRefreshInterval = 2 * config.HeartbeatInterval
	}
	if config.MissedHeartbeats == 0 {
		config.MissedHeartbeats = 3
	}
	if config.CleanupInterval == 0 {
		config.CleanupInterval = time.Hour
	}
	if config.DefunctSiloExpiration == 0 {
		config.DefunctSiloExpiration = 7 * 24 * time.Hour
	}
	if registry == nil {
		registry = metrics.NewNoopRegistry()
	}

	now := time.Now().UTC()
	entry := &cluster.MembershipEntry{
		SiloAddress: cluster.SiloAddress{
			Host:       config.RoutableIP,
			Port:       config.SiloPort,
			Generation: now.UnixMicro(),
		},
		Status:       cluster.StatusNone,
		ProxyPort:    config.GatewayPort,
		HostName:     config.RoutableIP,
		SiloName:     config.SiloName,
		RoleName:     config.RoleName,
		StartTime:    now,
		IAmAliveTime: now,
		Grains:       config.Grains,
	}

	return &Silo{
		config:          config,
		store:           store,
		membershipTable: membershipTable,
		metrics:         registry,
		entry:           entry,
	}
}

func (s *Silo) Address() cluster.SiloAddress {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entry.SiloAddress
}

func (s *Silo) Entry() *cluster.MembershipEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entry.Copy()
}

func (s *Silo) Table() *table.MembershipTable {
	return s.membershipTable
}

func (s *Silo) setStatus(status cluster.SiloStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entry.Status = status
}

// Join inserts this silo as Joining and promotes it to Active.
func (s *Silo) Join(ctx context.Context) error {
	s.store.Initialize(ctx, true)

	s.setStatus(cluster.StatusJoining)
	if err := s.membershipTable.Join(ctx, s.Entry()); err != nil {
		return err
	}

	if err := s.membershipTable.UpdateStatus(ctx, s.Address(), cluster.StatusActive); err != nil {
		return err
	}
	s.setStatus(cluster.StatusActive)
	s.membershipTable.Update(ctx)
	return nil
}

// Start joins the cluster and runs the background loops until Stop.
func (s *Silo) Start(ctx context.Context) error {
	if err := s.Join(ctx); err != nil {
		return fmt.Errorf("unable to join cluster: %v", err)
	}

	ctx, s.cancel = context.WithCancel(ctx)
	s.run(ctx, "heartbeat", s.config.HeartbeatInterval, s.Heartbeat)
	s.run(ctx, "monitor", s.config.TableRefreshInterval, s.Monitor)
	s.run(ctx, "cleanup", s.config.CleanupInterval, s.Cleanup)

	log.Infof(ctx, "Silo %v started", s.Address())
	return nil
}

func (s *Silo) run(ctx context.Context, name string, interval time.Duration, f func(context.Context)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		log.Infof(ctx, "Starting %s process", name)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				log.Infof(ctx, "Stopped %s process", name)
				return
			case <-ticker.C:
				f(ctx)
			}
		}
	}()
}

func (s *Silo) Heartbeat(ctx context.Context) {
	s.mu.Lock()
	s.entry.IAmAliveTime = time.Now().UTC()
	entry := s.entry.Copy()
	s.mu.Unlock()

	if !s.membershipTable.Heartbeat(ctx, entry) {
		log.Warnf(ctx, "Heartbeat of %v was not recorded", entry.SiloAddress)
	}
}

// Monitor refreshes the table and suspects every silo whose heartbeat is
// more than MissedHeartbeats intervals old.
func (s *Silo) Monitor(ctx context.Context) {
	s.membershipTable.Update(ctx)

	self := s.Address()
	deadline := time.Now().UTC().Add(-time.Duration(s.config.MissedHeartbeats) * s.config.HeartbeatInterval)
	suspects := make([]cluster.SiloAddress, 0)

	_ = s.membershipTable.WithMembers(func(m *cluster.MembershipEntry) error {
		if m.SiloAddress == self {
			if m.Status == cluster.StatusDead {
				log.Errorf(ctx, "This silo (%v) has been declared dead by the cluster", self)
			}
			return nil
		}
		if m.Status.IsTerminating() || m.Status == cluster.StatusNone {
			return nil
		}
		if m.IAmAliveTime.Before(deadline) {
			suspects = append(suspects, m.SiloAddress)
		}
		return nil
	})

	for _, suspect := range suspects {
		log.Infof(ctx, "Suspect that %v is dead", suspect)
		if dead, err := s.membershipTable.Suspect(ctx, self, suspect); err != nil {
			log.Warnf(ctx, "Unable to suspect %v: %v", suspect, err)
		} else if dead {
			log.Infof(ctx, "Declared %v dead", suspect)
		}
	}
}

func (s *Silo) Cleanup(ctx context.Context) {
	before := time.Now().UTC().Add(-s.config.DefunctSiloExpiration)
	if removed, err := s.store.CleanupDefunct(ctx, before); err != nil {
		log.Warnf(ctx, "Unable to clean up defunct silos: %v", err)
	} else if removed > 0 {
		log.Infof(ctx, "Removed %d defunct silos", removed)
	}
}

// Stop halts the background loops and marks this silo ShuttingDown, then
// Dead.
func (s *Silo) Stop(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()

	for _, status := range []cluster.SiloStatus{cluster.StatusShuttingDown, cluster.StatusDead} {
		if err := s.membershipTable.UpdateStatus(ctx, s.Address(), status); err != nil {
			return fmt.Errorf("unable to leave cluster: %v", err)
		}
		s.setStatus(status)
	}

	log.Infof(ctx, "Silo %v left the cluster", s.Address())
	return nil
}
