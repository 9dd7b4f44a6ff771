package scheduler

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/musterhq/muster/pkg/engine"
	"github.com/musterhq/muster/pkg/events"
	"github.com/musterhq/muster/pkg/log"
	"github.com/musterhq/muster/pkg/metrics"
	"github.com/musterhq/muster/pkg/queue"
	"github.com/musterhq/muster/pkg/types"
	"github.com/rs/zerolog"
)

// Store is the slice of the queue store the scheduler drives
type Store interface {
	ListResources(ctx context.Context) ([]types.Node, error)
	ListTasks(ctx context.Context, sel queue.Selector) ([]types.Task, error)
	GetTask(ctx context.Context, id int64) (*types.Task, error)
	Pending(ctx context.Context, limit int) ([]types.Task, error)
	MarkRunning(ctx context.Context, id int64, ip string) error
	MarkDone(ctx context.Context, id int64, metadata map[string]string) error
}

// Transport is the slice of the worker pool the scheduler drives
type Transport interface {
	Reconcile(desired []string)
	StageAndSpawn(ip string, ncpus int, eng types.Engine, metadata map[string]string) error
	IsTaskLive(ip string) bool
	FetchOutputs(ip string, eng types.Engine, remoteFolder, localFolder string, remove bool) error
}

// Clouds is the elasticity surface the scheduler drives
type Clouds interface {
	Capacity(resources []types.Node) int
	Allocate(taskID int64)
	Deallocate(ips []string)
}

// Config holds the loop constants
type Config struct {
	LocalDataDir string
	Interval     time.Duration
	IdlePasses   int
}

// Scheduler is the single-threaded reconciler at the heart of muster. Each
// tick it harvests finished tasks, places pending ones, and retires nodes
// that have sat idle too long. Every decision is re-derived from the durable
// store, so a lost tick costs one interval, never a stuck task.
type Scheduler struct {
	store    Store
	pool     Transport
	clouds   Clouds
	registry *engine.Registry
	broker   *events.Broker
	cfg      Config

	// chilling counts consecutive idle ticks per node ip, in memory only
	chilling map[string]int

	logger zerolog.Logger
	stopCh chan struct{}
	doneCh chan struct{}
}

// New creates a scheduler. The broker may be nil when nobody listens.
func New(store Store, pool Transport, clouds Clouds, registry *engine.Registry, broker *events.Broker, cfg Config) *Scheduler {
	return &Scheduler{
		store:    store,
		pool:     pool,
		clouds:   clouds,
		registry: registry,
		broker:   broker,
		cfg:      cfg,
		chilling: make(map[string]int),
		logger:   log.WithComponent("scheduler"),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start begins the scheduler loop
func (s *Scheduler) Start() {
	go s.run()
}

// Stop stops the scheduler between ticks and waits for the loop to exit
func (s *Scheduler) Stop() {
	close(s.stopCh)
	<-s.doneCh
}

// run is the main scheduler loop
func (s *Scheduler) run() {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.logger.Info().
		Dur("interval", s.cfg.Interval).
		Strs("engines", s.registry.Names()).
		Msg("Scheduler started")

	for {
		select {
		case <-ticker.C:
			if err := s.Tick(context.Background()); err != nil {
				// Log error but continue; state is re-derived next tick
				s.logger.Error().Err(err).Msg("Tick failed")
			}
		case <-s.stopCh:
			s.logger.Info().Msg("Scheduler stopped")
			return
		}
	}
}

// Tick runs one reconciliation pass: harvest, dispatch, reclaim. A store
// error aborts the remainder of the tick; everything else is logged and
// worked around.
func (s *Scheduler) Tick(ctx context.Context) error {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.TickDuration)
		metrics.TicksTotal.Inc()
	}()

	resources, err := s.store.ListResources(ctx)
	if err != nil {
		return fmt.Errorf("failed to list resources: %w", err)
	}
	observeNodes(resources)

	// Provisioning placeholders carry no '.' and never enter the pool
	var allNodes []string
	enabledNodes := make(map[string]int)
	for _, node := range resources {
		if node.Provisioning() {
			continue
		}
		allNodes = append(allNodes, node.IP)
		if node.Enabled {
			enabledNodes[node.IP] = node.NCPUs
		}
	}
	s.pool.Reconcile(allNodes)

	freeNodes := make(map[string]bool, len(enabledNodes))
	for ip := range enabledNodes {
		freeNodes[ip] = true
	}

	// (I.) Harvest finished tasks
	if err := s.harvest(ctx, freeNodes); err != nil {
		return err
	}

	// (II.) Place pending tasks, growing the fleet when out of nodes
	if err := s.dispatch(ctx, resources, enabledNodes, freeNodes); err != nil {
		return err
	}

	// (III.) Retire nodes that stayed idle through the dispatch
	s.reclaim(freeNodes)

	return nil
}

// harvest probes every RUNNING task and collects the ones whose engine no
// longer shows on its host. Busy hosts are removed from freeNodes.
func (s *Scheduler) harvest(ctx context.Context, freeNodes map[string]bool) error {
	running, err := s.store.ListTasks(ctx, queue.Selector{Statuses: []types.TaskStatus{types.StatusRunning}})
	if err != nil {
		return fmt.Errorf("failed to list running tasks: %w", err)
	}
	metrics.TasksTotal.WithLabelValues(types.StatusRunning.String()).Set(float64(len(running)))
	s.logger.Debug().Int("count", len(running)).Msg("Running tasks")

	for _, task := range running {
		if s.pool.IsTaskLive(task.IP) {
			delete(freeNodes, task.IP)
			continue
		}

		full, err := s.store.GetTask(ctx, task.ID)
		if err != nil {
			return fmt.Errorf("failed to load task %d: %w", task.ID, err)
		}
		if full == nil {
			continue
		}

		if err := s.harvestTask(ctx, full); err != nil {
			return err
		}
	}
	return nil
}

// harvestTask fetches a finished task's outputs and marks it done. The local
// folder mirrors the remote folder's basename unless the submitter chose one.
func (s *Scheduler) harvestTask(ctx context.Context, task *types.Task) error {
	remoteFolder := task.Metadata[types.MetaRemoteFolder]
	storeFolder := task.Metadata[types.MetaLocalFolder]
	if storeFolder == "" {
		storeFolder = filepath.Join(s.cfg.LocalDataDir, path.Base(remoteFolder))
	}
	if err := os.MkdirAll(storeFolder, 0o755); err != nil {
		s.logger.Error().Err(err).Str("folder", storeFolder).Msg("Failed to create local folder")
	}

	eng, ok := s.registry.Get(task.Engine())
	if !ok {
		// Catalog changed under a running task; outputs are unknowable but
		// the task must not stay RUNNING forever
		s.logger.Warn().
			Int64("task_id", task.ID).
			Str("engine", task.Engine()).
			Msg("Engine missing from catalog, harvesting without outputs")
	} else {
		if err := s.pool.FetchOutputs(task.IP, eng, remoteFolder, storeFolder, true); err != nil {
			s.logger.Error().Err(err).Int64("task_id", task.ID).Msg("Failed to fetch outputs")
		}
	}

	metadata := map[string]string{
		types.MetaRemoteFolder: remoteFolder,
		types.MetaLocalFolder:  storeFolder,
	}
	if err := s.store.MarkDone(ctx, task.ID, metadata); err != nil {
		return fmt.Errorf("failed to mark task %d done: %w", task.ID, err)
	}

	metrics.TasksHarvested.Inc()
	s.publish(events.EventTaskDone, task.Label, map[string]string{
		"task_id":      strconv.FormatInt(task.ID, 10),
		"local_folder": storeFolder,
	})
	s.logger.Info().
		Int64("task_id", task.ID).
		Str("label", task.Label).
		Str("local_folder", storeFolder).
		Msg("Task done")
	return nil
}

// dispatch pulls pending tasks up to the combined budget of free nodes and
// cloud headroom, placing each on a random free node or asking the cloud
// manager for a new one
func (s *Scheduler) dispatch(ctx context.Context, resources []types.Node, enabledNodes map[string]int, freeNodes map[string]bool) error {
	budget := s.clouds.Capacity(resources) + len(freeNodes)
	if budget == 0 {
		return nil
	}

	pending, err := s.store.Pending(ctx, budget)
	if err != nil {
		return fmt.Errorf("failed to list pending tasks: %w", err)
	}

	for _, task := range pending {
		if len(freeNodes) == 0 {
			s.clouds.Allocate(task.ID)
			s.publish(events.EventNodeAllocated, task.Label, map[string]string{
				"task_id": strconv.FormatInt(task.ID, 10),
			})
			continue
		}

		// Random selection avoids hotspots when nodes differ in lingering
		// state
		ip := randomNode(freeNodes)

		eng, ok := s.registry.Get(task.Engine())
		if !ok {
			s.logger.Error().
				Int64("task_id", task.ID).
				Str("engine", task.Engine()).
				Msg("Task names an engine missing from the catalog")
			continue
		}

		s.logger.Info().
			Int64("task_id", task.ID).
			Str("label", task.Label).
			Str("node", ip).
			Msg("Placing task")

		if err := s.pool.StageAndSpawn(ip, enabledNodes[ip], eng, task.Metadata); err != nil {
			// The task stays TO_DO and the node stays free; next tick retries
			metrics.SpawnFailures.Inc()
			s.logger.Error().Err(err).Int64("task_id", task.ID).Str("node", ip).Msg("Failed to spawn task")
			continue
		}

		delete(freeNodes, ip)
		if err := s.store.MarkRunning(ctx, task.ID, ip); err != nil {
			return fmt.Errorf("failed to mark task %d running: %w", task.ID, err)
		}

		metrics.TasksPlaced.Inc()
		s.publish(events.EventTaskRunning, task.Label, map[string]string{
			"task_id": strconv.FormatInt(task.ID, 10),
			"node":    ip,
		})
	}
	return nil
}

// reclaim counts idle ticks per node and hands long-idle ones to the cloud
// manager. Counters are decremented, not cleared, so a node that churns
// through idle-busy-idle is retired faster the second time.
func (s *Scheduler) reclaim(freeNodes map[string]bool) {
	if len(freeNodes) == 0 {
		return
	}

	for ip := range freeNodes {
		s.chilling[ip]++
	}

	var victims []string
	for ip, count := range s.chilling {
		if count >= s.cfg.IdlePasses {
			victims = append(victims, ip)
		}
	}
	if len(victims) == 0 {
		return
	}
	sort.Strings(victims)

	s.logger.Info().Strs("nodes", victims).Msg("Reclaiming idle nodes")
	s.clouds.Deallocate(victims)
	for _, ip := range victims {
		s.chilling[ip]--
		s.publish(events.EventNodeReclaimed, ip, map[string]string{"node": ip})
	}
}

func (s *Scheduler) publish(eventType events.EventType, message string, metadata map[string]string) {
	if s.broker == nil {
		return
	}
	s.broker.Publish(&events.Event{Type: eventType, Message: message, Metadata: metadata})
}

// randomNode picks a uniformly random key from the free set
func randomNode(freeNodes map[string]bool) string {
	ips := make([]string, 0, len(freeNodes))
	for ip := range freeNodes {
		ips = append(ips, ip)
	}
	sort.Strings(ips)
	return ips[rand.Intn(len(ips))]
}

// observeNodes refreshes the node inventory gauges
func observeNodes(resources []types.Node) {
	counts := map[string]int{"enabled": 0, "disabled": 0, "provisioning": 0}
	for _, node := range resources {
		switch {
		case node.Provisioning():
			counts["provisioning"]++
		case node.Enabled:
			counts["enabled"]++
		default:
			counts["disabled"]++
		}
	}
	for state, n := range counts {
		metrics.NodesTotal.WithLabelValues(state).Set(float64(n))
	}
}
