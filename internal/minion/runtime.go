// Package minion implements the runtime that ties one minion together: the
// status state machine, the dispatch loop over the task queue, pause/resume
// with state persistence, and the wiring between transport, M2M engine,
// coordinator and the LLM.
package minion

import (
	"context"
	"fmt"
	"sync"
	"time"

	"MinionArmy/internal/archive"
	"MinionArmy/internal/config"
	"MinionArmy/internal/coordinator"
	"MinionArmy/internal/decomposer"
	"MinionArmy/internal/llm"
	"MinionArmy/internal/m2m"
	"MinionArmy/internal/models"
	"MinionArmy/internal/statestore"
	"MinionArmy/internal/taskqueue"
	"MinionArmy/internal/tools"
	"MinionArmy/internal/transport"
	"MinionArmy/pkg/logger"
)

// conversationCap bounds the retained conversation history.
const conversationCap = 100

// Options carries the externally constructed collaborators.
type Options struct {
	Transport transport.Transport
	LLM       llm.Client
	Tools     tools.Invoker
	Archive   *archive.MongoArchive
}

// Runtime is the per-process minion orchestrator. One Runtime owns one
// identity, one queue and one status machine; everything it shares with
// other minions travels through the transport.
type Runtime struct {
	cfg       *config.AppConfig
	id        string
	log       *logger.Logger
	transport transport.Transport
	llm       llm.Client
	tools     tools.Invoker
	archive   *archive.MongoArchive

	queue   *taskqueue.Queue
	store   *statestore.Store
	engine  *m2m.Engine
	coord   *coordinator.Coordinator
	decomp  *decomposer.Decomposer
	monitor *ResourceMonitor

	mu           sync.Mutex
	status       models.MinionStatus
	conversation []models.ChatMessage
	vars         map[string]any
	// pausedState is non-nil exactly while the minion is PAUSING/PAUSED;
	// messages captured during the pause are appended here and persisted.
	pausedState *models.MinionState
	// cancels tracks the context cancel of each in-flight task execution.
	cancels map[string]context.CancelFunc

	wg sync.WaitGroup
}

// New assembles a runtime from config and collaborators.
func New(cfg *config.AppConfig, opts Options, log *logger.Logger) *Runtime {
	r := &Runtime{
		cfg:       cfg,
		id:        cfg.Minion.ID,
		log:       log,
		transport: opts.Transport,
		llm:       opts.LLM,
		tools:     opts.Tools,
		archive:   opts.Archive,
		queue:     taskqueue.New(log),
		store:     statestore.New(cfg.State.Dir, cfg.Minion.ID, cfg.State.BackupCount, log),
		coord:     coordinator.New(cfg.Minion.ID, opts.Transport, log),
		monitor:   NewResourceMonitor(cfg.Resources, log),
		status:    models.StatusInitializing,
		vars:      make(map[string]any),
		cancels:   make(map[string]context.CancelFunc),
	}
	r.decomp = decomposer.New(opts.LLM, log)
	if opts.Archive != nil {
		r.coord.SetArchiver(opts.Archive)
	}
	r.engine = m2m.NewEngine(m2m.Config{
		SelfID:             r.id,
		MaxRetries:         cfg.Minion.M2MMaxRetries,
		DefaultTimeout:     time.Duration(cfg.Minion.M2MTimeoutSeconds) * time.Second,
		MaxDelegationDepth: cfg.Minion.MaxDelegationDepth,
	}, opts.Transport, r.m2mHandlers(), log)
	r.queue.SetSlots(cfg.Minion.MaxParallel)
	return r
}

// Card builds the agent card this minion registers with.
func (r *Runtime) Card() *models.AgentCard {
	skills := make([]models.AgentSkill, 0, len(r.cfg.Minion.Skills))
	for _, s := range r.cfg.Minion.Skills {
		skills = append(skills, models.AgentSkill{
			ID:          s.ID,
			Name:        s.Name,
			Description: s.Description,
			Tags:        s.Tags,
		})
	}
	return &models.AgentCard{
		ID:          r.id,
		Name:        r.cfg.Minion.Name,
		Description: r.cfg.Minion.Description,
		URL:         r.cfg.A2A.ServerURL,
		Version:     r.cfg.App.Version,
		Capabilities: models.AgentCapabilities{
			StateTransitionHistory: true,
		},
		Skills: skills,
	}
}

// Coordinator exposes the runtime's coordinator for roster management.
func (r *Runtime) Coordinator() *coordinator.Coordinator { return r.coord }

// Queue exposes the runtime's task queue.
func (r *Runtime) Queue() *taskqueue.Queue { return r.queue }

// Engine exposes the runtime's M2M engine.
func (r *Runtime) Engine() *m2m.Engine { return r.engine }

// Status returns the current state-machine status.
func (r *Runtime) Status() models.MinionStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// Run registers the minion, recovers persisted state, then drives the poll
// and dispatch loops until the context is canceled.
func (r *Runtime) Run(ctx context.Context) error {
	if err := r.transport.Register(ctx, r.Card()); err != nil {
		return fmt.Errorf("register agent card: %w", err)
	}
	r.recover(ctx)

	go r.monitor.Run(ctx)

	pollTicker := time.NewTicker(time.Duration(r.cfg.A2A.PollIntervalMs) * time.Millisecond)
	loopTicker := time.NewTicker(time.Duration(r.cfg.Minion.LoopIntervalMs) * time.Millisecond)
	defer pollTicker.Stop()
	defer loopTicker.Stop()

	r.log.Info("minion runtime started")
	for {
		select {
		case <-ctx.Done():
			r.shutdown()
			return nil
		case <-pollTicker.C:
			r.pollOnce(ctx)
		case <-loopTicker.C:
			r.tick(ctx)
		}
	}
}

// recover restores a persisted snapshot, if any. A minion that crashed or
// was restarted while paused comes back PAUSED with its captured messages
// intact; anything else starts fresh and IDLE.
func (r *Runtime) recover(ctx context.Context) {
	state, err := r.store.Load()
	if err != nil {
		r.log.WithError(models.ErrInfo(err)).Warn("state unrecoverable, starting fresh")
		r.setStatus(ctx, models.StatusIdle, "", "started fresh after state corruption")
		return
	}
	if state == nil {
		r.setStatus(ctx, models.StatusIdle, "", "started")
		return
	}

	r.mu.Lock()
	r.conversation = state.ConversationHistory
	if state.InternalVariables != nil {
		r.vars = state.InternalVariables
	}
	if state.IsPaused {
		r.pausedState = state
	}
	paused := state.IsPaused
	r.mu.Unlock()

	if paused {
		r.setStatus(ctx, models.StatusPaused, "", "restored in paused state")
	} else {
		r.store.Clear()
		r.setStatus(ctx, models.StatusIdle, "", "restored")
	}
}

// pollOnce drains the transport mailbox and dispatches every message.
func (r *Runtime) pollOnce(ctx context.Context) {
	msgs, err := r.transport.Poll(ctx, r.id)
	if err != nil {
		r.log.WithError(models.ErrInfo(err)).Warn("transport poll failed")
		return
	}
	for _, msg := range msgs {
		r.handleMessage(ctx, msg)
	}
}

// tick runs one scheduling pass: sweep tracked M2M requests, apply the
// adaptive concurrency cap, start queued work, and detect the idle
// transition.
func (r *Runtime) tick(ctx context.Context) {
	r.engine.Sweep(ctx)

	status := r.Status()
	if status == models.StatusPaused || status == models.StatusPausing {
		return
	}

	limit := r.cfg.Minion.MaxParallel
	if r.monitor.Constrained() {
		limit = r.cfg.Minion.ReducedParallel
	}
	r.queue.SetSlots(limit)

	for {
		task := r.queue.StartNext()
		if task == nil {
			break
		}
		if status != models.StatusRunning {
			r.setStatus(ctx, models.StatusRunning, task.ID, "task started")
			status = models.StatusRunning
		}
		r.startTask(task)
	}

	if status == models.StatusRunning && r.queue.RunningCount() == 0 && r.queue.PendingCount() == 0 {
		// Fires once per transition; setStatus is a no-op on repeat ticks
		// because the status is already IDLE.
		r.setStatus(ctx, models.StatusIdle, "", "all tasks drained")
	}
}

// setStatus applies a state-machine transition and emits a fire-and-forget
// minion_state_update. Setting the current status again is a no-op, which
// keeps per-transition notifications from repeating.
func (r *Runtime) setStatus(ctx context.Context, status models.MinionStatus, taskID, details string) {
	r.mu.Lock()
	if r.status == status {
		r.mu.Unlock()
		return
	}
	r.status = status
	r.mu.Unlock()

	r.log.WithPayload(map[string]interface{}{"status": string(status)}).Info("minion status changed")

	recipient := r.cfg.Minion.StatusRecipient
	if recipient == "" {
		return
	}
	upd := &models.MinionStateUpdate{
		MinionID:  r.id,
		NewStatus: string(status),
		TaskID:    taskID,
		Details:   details,
		Timestamp: float64(time.Now().UnixNano()) / 1e9,
	}
	if err := r.transport.Send(ctx, recipient, models.TypeMinionStateUpdate, upd); err != nil {
		r.log.WithError(models.ErrInfo(err)).Debug("state update notification dropped")
	}
}

// shutdown flips the status and waits for in-flight task goroutines.
func (r *Runtime) shutdown() {
	r.mu.Lock()
	r.status = models.StatusShuttingDown
	for _, cancel := range r.cancels {
		cancel()
	}
	r.mu.Unlock()

	r.wg.Wait()
	if err := r.transport.Close(); err != nil {
		r.log.WithError(models.ErrInfo(err)).Warn("transport close failed")
	}
	r.log.Info("minion runtime stopped")
}

// appendConversation records a conversation turn, trimming old entries.
func (r *Runtime) appendConversation(role, content string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conversation = append(r.conversation, models.ChatMessage{Role: role, Content: content})
	if len(r.conversation) > conversationCap {
		r.conversation = r.conversation[len(r.conversation)-conversationCap:]
	}
}

// setVar stores an internal variable served through m2m_data_request.
func (r *Runtime) setVar(key string, value any) {
	r.mu.Lock()
	r.vars[key] = value
	r.mu.Unlock()
}
