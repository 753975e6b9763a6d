// Package orchestrator owns the agent registry and the task queue. All writes
// to either go through a single mutation goroutine; reads are lock-protected
// snapshots.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentmux/agentmux/internal/common/logger"
	"github.com/agentmux/agentmux/internal/events"
	"github.com/agentmux/agentmux/internal/events/bus"
	"github.com/agentmux/agentmux/internal/orchestrator/queue"
	"github.com/agentmux/agentmux/internal/runtime"
	"github.com/agentmux/agentmux/internal/store"
	v1 "github.com/agentmux/agentmux/pkg/api/v1"
)

var (
	// ErrAgentNotFound is returned when an agent ID is unknown.
	ErrAgentNotFound = errors.New("agent not found")
	// ErrAgentTerminal is returned for operations on a terminated agent.
	ErrAgentTerminal = errors.New("agent is in a terminal state")
	// ErrTeamNotFound is returned when a team ID is unknown.
	ErrTeamNotFound = errors.New("team not found")
)

const (
	outputBufferLines = 2000
	assignTick        = 2 * time.Second

	// sendPrompt wait polling.
	waitInitialBackoff = 250 * time.Millisecond
	waitMaxBackoff     = 4 * time.Second
	waitCeiling        = 60 * time.Second
	captureTailLines   = 40
)

// SpawnRequest carries the inputs of agent.spawn.
type SpawnRequest struct {
	Role       v1.AgentRole
	Provider   v1.AgentProvider
	TemplateID string
	Workdir    string
	RuntimeID  string
	TeamID     string
	// Task, when set, is enqueued for the new agent's role after the spawn
	// succeeds.
	Task string
}

// Filter narrows agent.list results.
type Filter struct {
	State   v1.AgentState
	Role    v1.AgentRole
	TeamID  string
	Runtime string
}

// Orchestrator coordinates agents, the task queue and prompt delivery.
type Orchestrator struct {
	store    store.Store
	eventBus bus.EventBus
	runtimes *runtime.Manager
	logger   *logger.Logger

	mu      sync.RWMutex
	agents  map[string]*v1.AgentInstance
	teams   map[string]*v1.Team
	buffers map[string]*OutputBuffer

	queue *queue.TaskQueue

	// mailbox serialises every registry and queue mutation.
	mailbox chan func()
	stopCh  chan struct{}
	doneCh  chan struct{}

	processed atomic.Int64
	failed    atomic.Int64
	startedAt time.Time
}

// New creates an orchestrator. Call Start before use.
func New(st store.Store, eventBus bus.EventBus, runtimes *runtime.Manager, log *logger.Logger) *Orchestrator {
	return &Orchestrator{
		store:     st,
		eventBus:  eventBus,
		runtimes:  runtimes,
		logger:    log,
		agents:    make(map[string]*v1.AgentInstance),
		teams:     make(map[string]*v1.Team),
		buffers:   make(map[string]*OutputBuffer),
		queue:     queue.NewTaskQueue(0),
		mailbox:   make(chan func(), 64),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
		startedAt: time.Now().UTC(),
	}
}

// Start launches the mutation goroutine.
func (o *Orchestrator) Start(ctx context.Context) {
	go o.loop(ctx)
}

// Stop drains the mailbox and terminates the mutation goroutine.
func (o *Orchestrator) Stop() {
	close(o.stopCh)
	<-o.doneCh
}

func (o *Orchestrator) loop(ctx context.Context) {
	defer close(o.doneCh)

	ticker := time.NewTicker(assignTick)
	defer ticker.Stop()

	for {
		select {
		case fn := <-o.mailbox:
			fn()
		case <-ticker.C:
			o.assign(ctx)
		case <-o.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// do runs fn on the mutation goroutine and waits for its result.
func (o *Orchestrator) do(ctx context.Context, fn func() error) error {
	reply := make(chan error, 1)
	wrapped := func() { reply <- fn() }

	select {
	case o.mailbox <- wrapped:
	case <-o.stopCh:
		return errors.New("orchestrator is stopped")
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) publish(ctx context.Context, name string, payload map[string]interface{}) {
	event := bus.NewEvent(name, "orchestrator", payload)
	if err := o.eventBus.Publish(ctx, name, event); err != nil {
		o.logger.Warn("event publish failed", zap.String("event", name), zap.Error(err))
	}
}

// Registry reads.

// Get returns a copy of one agent.
func (o *Orchestrator) Get(id string) (*v1.AgentInstance, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	agent, ok := o.agents[id]
	if !ok {
		return nil, fmt.Errorf("agent %s: %w", id, ErrAgentNotFound)
	}
	copied := *agent
	return &copied, nil
}

// List returns copies of agents matching the filter.
func (o *Orchestrator) List(f Filter) []*v1.AgentInstance {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]*v1.AgentInstance, 0, len(o.agents))
	for _, agent := range o.agents {
		if f.State != "" && agent.State != f.State {
			continue
		}
		if f.Role != "" && agent.Role != f.Role {
			continue
		}
		if f.TeamID != "" && agent.TeamID != f.TeamID {
			continue
		}
		if f.Runtime != "" && agent.RuntimeID != f.Runtime {
			continue
		}
		copied := *agent
		out = append(out, &copied)
	}
	return out
}

// Spawn launches a new agent. The runtime call happens outside the mutation
// goroutine; only the registration is serialised.
func (o *Orchestrator) Spawn(ctx context.Context, req SpawnRequest) (*v1.AgentInstance, error) {
	if req.Role == "" {
		return nil, errors.New("role is required")
	}

	tpl, err := o.resolveTemplate(ctx, req)
	if err != nil {
		return nil, err
	}

	runtimeID, adapter, err := o.runtimes.Select(req.RuntimeID, tpl.PreferredRuntime)
	if err != nil {
		return nil, err
	}

	workdir := req.Workdir
	if workdir == "" {
		workdir = tpl.WorkingDirectory
	}

	location, err := adapter.SpawnAgent(ctx, tpl, workdir)
	if err != nil {
		return nil, fmt.Errorf("spawn on runtime %s failed: %w", runtimeID, err)
	}

	now := time.Now().UTC()
	agent := &v1.AgentInstance{
		ID:             uuid.New().String(),
		TemplateID:     tpl.ID,
		Name:           fmt.Sprintf("%s-%s", req.Role, agent8(location)),
		Role:           req.Role,
		Provider:       tpl.Provider,
		State:          v1.AgentStateSpawning,
		RuntimeID:      runtimeID,
		Location:       location,
		TeamID:         req.TeamID,
		CreatedAt:      now,
		LastActivityAt: now,
	}

	err = o.do(ctx, func() error {
		if err := o.store.SaveAgent(ctx, agent); err != nil {
			// Roll back the backend location so nothing leaks.
			_ = adapter.Kill(ctx, location)
			return err
		}
		o.mu.Lock()
		o.agents[agent.ID] = agent
		o.buffers[agent.ID] = NewOutputBuffer(outputBufferLines)
		if req.TeamID != "" {
			if team, ok := o.teams[req.TeamID]; ok {
				team.AgentIDs = append(team.AgentIDs, agent.ID)
				_ = o.store.SaveTeam(ctx, team)
			}
		}
		o.mu.Unlock()
		return nil
	})
	if err != nil {
		return nil, err
	}

	o.publish(ctx, events.AgentSpawned, map[string]interface{}{
		"agentId":   agent.ID,
		"role":      string(agent.Role),
		"runtimeId": runtimeID,
	})

	if req.Task != "" {
		task := &v1.Task{
			ID:           uuid.New().String(),
			Description:  req.Task,
			TargetRole:   req.Role,
			Status:       v1.TaskStatusPending,
			KanbanColumn: v1.ColumnTodo,
			CreatedAt:    time.Now().UTC(),
			UpdatedAt:    time.Now().UTC(),
		}
		if err := o.SubmitTask(ctx, task); err != nil {
			o.logger.Warn("failed to enqueue spawn task", zap.Error(err))
		}
	}

	copied := *agent
	return &copied, nil
}

func agent8(loc v1.Location) string {
	switch {
	case loc.SessionName != "":
		return strings.TrimPrefix(loc.SessionName, "agentmux-")
	case loc.ContainerID != "":
		if len(loc.ContainerID) > 8 {
			return loc.ContainerID[:8]
		}
		return loc.ContainerID
	case loc.PodName != "":
		return strings.TrimPrefix(loc.PodName, "agentmux-")
	}
	return uuid.New().String()[:8]
}

// resolveTemplate picks the explicit template or a per-role default.
func (o *Orchestrator) resolveTemplate(ctx context.Context, req SpawnRequest) (*v1.AgentTemplate, error) {
	if req.TemplateID != "" {
		return o.store.GetTemplate(ctx, req.TemplateID)
	}

	provider := req.Provider
	if provider == "" {
		provider = v1.AgentProviderClaude
	}
	return &v1.AgentTemplate{
		ID:       "default-" + string(req.Role),
		Name:     "default " + string(req.Role),
		Role:     req.Role,
		Provider: provider,
	}, nil
}

// Register inserts an already-persisted agent into the registry. Used by the
// reconciler for agents that survived a restart.
func (o *Orchestrator) Register(ctx context.Context, agent *v1.AgentInstance) error {
	return o.do(ctx, func() error {
		o.mu.Lock()
		copied := *agent
		o.agents[agent.ID] = &copied
		if _, ok := o.buffers[agent.ID]; !ok {
			o.buffers[agent.ID] = NewOutputBuffer(outputBufferLines)
		}
		o.mu.Unlock()
		return nil
	})
}

// Kill terminates an agent. The runtime kill is attempted but its failure
// does not block the state transition; kill is idempotent.
func (o *Orchestrator) Kill(ctx context.Context, id string) error {
	agent, err := o.Get(id)
	if err != nil {
		return err
	}

	if adapter, rerr := o.runtimes.Get(agent.RuntimeID); rerr == nil {
		if kerr := adapter.Kill(ctx, agent.Location); kerr != nil {
			o.logger.Warn("runtime kill failed",
				zap.String("agent_id", id),
				zap.Error(kerr))
		}
	}

	var taskToRelease string
	err = o.do(ctx, func() error {
		o.mu.Lock()
		defer o.mu.Unlock()
		live, ok := o.agents[id]
		if !ok {
			return fmt.Errorf("agent %s: %w", id, ErrAgentNotFound)
		}
		if live.State == v1.AgentStateTerminated {
			return nil
		}
		taskToRelease = live.CurrentTaskID
		live.State = v1.AgentStateTerminated
		live.CurrentTaskID = ""
		live.LastActivityAt = time.Now().UTC()
		return o.store.SaveAgent(ctx, live)
	})
	if err != nil {
		return err
	}

	if taskToRelease != "" {
		o.releaseTask(ctx, taskToRelease)
	}

	o.publish(ctx, events.AgentTerminated, map[string]interface{}{"agentId": id})
	return nil
}

// releaseTask reverts an in-flight task to pending after its agent died.
func (o *Orchestrator) releaseTask(ctx context.Context, taskID string) {
	task, err := o.store.GetTask(ctx, taskID)
	if err != nil {
		return
	}
	if task.Status.Terminal() {
		return
	}
	task.Status = v1.TaskStatusPending
	task.AssignedAgentID = ""
	task.UpdatedAt = time.Now().UTC()
	if err := o.store.SaveTask(ctx, task); err != nil {
		o.logger.Warn("failed to release task", zap.String("task_id", taskID), zap.Error(err))
		return
	}
	_ = o.do(ctx, func() error {
		_ = o.queue.Enqueue(task)
		return nil
	})
}

// SetState is the hook for external state detectors and the reconciler.
func (o *Orchestrator) SetState(ctx context.Context, id string, state v1.AgentState, errorMessage string) error {
	var becameIdle bool
	err := o.do(ctx, func() error {
		o.mu.Lock()
		defer o.mu.Unlock()
		agent, ok := o.agents[id]
		if !ok {
			return fmt.Errorf("agent %s: %w", id, ErrAgentNotFound)
		}
		agent.State = state
		agent.ErrorMessage = errorMessage
		agent.LastActivityAt = time.Now().UTC()
		becameIdle = state == v1.AgentStateIdle
		return o.store.SaveAgent(ctx, agent)
	})
	if err != nil {
		return err
	}

	o.publish(ctx, events.AgentStateChanged, map[string]interface{}{
		"agentId": id,
		"state":   string(state),
	})
	if becameIdle {
		_ = o.do(ctx, func() error {
			o.assign(ctx)
			return nil
		})
	}
	return nil
}

// SendPrompt delivers text to an agent. With wait, it polls the captured
// terminal tail with exponential backoff and returns it once it stops
// changing or the ceiling elapses.
func (o *Orchestrator) SendPrompt(ctx context.Context, id, prompt string, wait bool) (string, error) {
	agent, err := o.Get(id)
	if err != nil {
		return "", err
	}
	if agent.State.Terminal() {
		return "", fmt.Errorf("agent %s: %w", id, ErrAgentTerminal)
	}

	adapter, err := o.runtimes.Get(agent.RuntimeID)
	if err != nil {
		return "", err
	}

	if err := o.deliver(ctx, adapter, agent.Location, prompt); err != nil {
		return "", err
	}

	o.touch(ctx, id)
	if !wait {
		return "", nil
	}

	out, err := o.awaitOutput(ctx, adapter, agent.Location)
	if err == nil && out != "" {
		o.publish(ctx, events.AgentOutput, map[string]interface{}{
			"agentId": id,
			"output":  out,
		})
	}
	return out, err
}

// deliver picks paste for multi-line or special text, send-keys otherwise.
func (o *Orchestrator) deliver(ctx context.Context, adapter runtime.Adapter, loc v1.Location, text string) error {
	if strings.ContainsAny(text, "\n\"'$`\\") {
		return adapter.Paste(ctx, loc, text)
	}
	return adapter.SendKeys(ctx, loc, text)
}

func (o *Orchestrator) awaitOutput(ctx context.Context, adapter runtime.Adapter, loc v1.Location) (string, error) {
	deadline := time.Now().Add(waitCeiling)
	backoff := waitInitialBackoff
	var last string

	for {
		select {
		case <-ctx.Done():
			return last, ctx.Err()
		case <-time.After(backoff):
		}

		tail, _ := adapter.Capture(ctx, loc, captureTailLines)
		if tail != "" && tail == last {
			// Output settled.
			return tail, nil
		}
		last = tail

		if time.Now().After(deadline) {
			return last, nil
		}
		backoff *= 2
		if backoff > waitMaxBackoff {
			backoff = waitMaxBackoff
		}
	}
}

func (o *Orchestrator) touch(ctx context.Context, id string) {
	_ = o.do(ctx, func() error {
		o.mu.Lock()
		defer o.mu.Unlock()
		if agent, ok := o.agents[id]; ok {
			agent.LastActivityAt = time.Now().UTC()
			_ = o.store.SaveAgent(ctx, agent)
		}
		return nil
	})
}

// GetOutput captures the agent's last lines and records them in its ring
// buffer.
func (o *Orchestrator) GetOutput(ctx context.Context, id string, lines int) (string, error) {
	agent, err := o.Get(id)
	if err != nil {
		return "", err
	}
	adapter, err := o.runtimes.Get(agent.RuntimeID)
	if err != nil {
		return "", err
	}
	if lines <= 0 {
		lines = captureTailLines
	}
	out, err := adapter.Capture(ctx, agent.Location, lines)
	if err != nil {
		return "", err
	}

	o.mu.RLock()
	buf := o.buffers[id]
	o.mu.RUnlock()
	if buf != nil && out != "" {
		now := time.Now().UTC()
		for _, line := range strings.Split(strings.TrimRight(out, "\n"), "\n") {
			buf.Add(OutputLine{Timestamp: now, Content: line})
		}
	}
	return out, nil
}

// Buffer returns the agent's output ring buffer.
func (o *Orchestrator) Buffer(id string) (*OutputBuffer, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	buf, ok := o.buffers[id]
	if !ok {
		return nil, fmt.Errorf("agent %s: %w", id, ErrAgentNotFound)
	}
	return buf, nil
}

// AttachCommand renders the shell command to attach to the agent's location.
func (o *Orchestrator) AttachCommand(id string) (string, error) {
	agent, err := o.Get(id)
	if err != nil {
		return "", err
	}
	adapter, err := o.runtimes.Get(agent.RuntimeID)
	if err != nil {
		return "", err
	}
	return adapter.AttachCommand(agent.Location), nil
}

// Task queue.

// SubmitTask persists the task, queues it and triggers assignment.
func (o *Orchestrator) SubmitTask(ctx context.Context, task *v1.Task) error {
	err := o.do(ctx, func() error {
		if err := o.store.SaveTask(ctx, task); err != nil {
			return err
		}
		if err := o.queue.Enqueue(task); err != nil {
			return err
		}
		o.assign(ctx)
		return nil
	})
	if err != nil {
		return err
	}
	o.publish(ctx, events.TaskSubmitted, map[string]interface{}{"taskId": task.ID})
	return nil
}

// CancelTask removes a queued task, or interrupts a running one by sending
// the termination key-sequence to its agent.
func (o *Orchestrator) CancelTask(ctx context.Context, taskID string) error {
	task, err := o.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status.Terminal() {
		return nil
	}

	var agentID string
	err = o.do(ctx, func() error {
		o.queue.Remove(taskID)
		agentID = task.AssignedAgentID
		task.Status = v1.TaskStatusCancelled
		task.AssignedAgentID = ""
		task.UpdatedAt = time.Now().UTC()
		if err := o.store.SaveTask(ctx, task); err != nil {
			return err
		}
		o.mu.Lock()
		if agent, ok := o.agents[agentID]; ok && agent.CurrentTaskID == taskID {
			agent.CurrentTaskID = ""
			agent.State = v1.AgentStateIdle
			_ = o.store.SaveAgent(ctx, agent)
		}
		o.mu.Unlock()
		return nil
	})
	if err != nil {
		return err
	}

	if agentID != "" {
		// Interrupt what the agent is doing.
		if agent, gerr := o.Get(agentID); gerr == nil {
			if adapter, rerr := o.runtimes.Get(agent.RuntimeID); rerr == nil {
				_ = adapter.SendKeys(ctx, agent.Location, "C-c")
			}
		}
	}

	o.publish(ctx, events.TaskCancelled, map[string]interface{}{"taskId": taskID})
	return nil
}

// CompleteTask records a task outcome pushed by an RPC caller or a terminal
// content detector: the agent goes idle, the task moves to done.
func (o *Orchestrator) CompleteTask(ctx context.Context, taskID string, success bool, output string) error {
	task, err := o.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status.Terminal() {
		return nil
	}

	now := time.Now().UTC()
	err = o.do(ctx, func() error {
		if success {
			task.Status = v1.TaskStatusCompleted
		} else {
			task.Status = v1.TaskStatusFailed
		}
		task.Output = output
		task.KanbanColumn = v1.ColumnDone
		task.DoneAt = &now
		task.UpdatedAt = now
		task.StatusHistory = append(task.StatusHistory, v1.StatusChange{
			From:      v1.TaskStatusInProgress,
			To:        task.Status,
			Timestamp: now,
		})
		if err := o.store.SaveTask(ctx, task); err != nil {
			return err
		}

		o.mu.Lock()
		if agent, ok := o.agents[task.AssignedAgentID]; ok {
			agent.CurrentTaskID = ""
			agent.State = v1.AgentStateIdle
			agent.LastActivityAt = now
			_ = o.store.SaveAgent(ctx, agent)
		}
		o.mu.Unlock()

		o.assign(ctx)
		return nil
	})
	if err != nil {
		return err
	}

	if success {
		o.processed.Add(1)
		o.publish(ctx, events.TaskCompleted, map[string]interface{}{"taskId": taskID})
	} else {
		o.failed.Add(1)
		o.publish(ctx, events.TaskFailed, map[string]interface{}{"taskId": taskID})
	}
	if task.AssignedAgentID != "" {
		o.publish(ctx, events.AgentStateChanged, map[string]interface{}{
			"agentId": task.AssignedAgentID,
			"state":   string(v1.AgentStateIdle),
		})
	}
	return nil
}

// assign matches queued ready tasks to idle agents. Runs on the mutation
// goroutine only.
func (o *Orchestrator) assign(ctx context.Context) {
	for {
		qt := o.queue.DequeueReady(func(depID string) bool {
			dep, err := o.store.GetTask(ctx, depID)
			return err == nil && dep.Status == v1.TaskStatusCompleted
		})
		if qt == nil {
			return
		}

		agent := o.findIdleAgent(qt.Task.TargetRole)
		if agent == nil {
			// No capacity; put it back and stop.
			_ = o.queue.Enqueue(qt.Task)
			return
		}

		o.assignOne(ctx, qt.Task, agent)
	}
}

func (o *Orchestrator) findIdleAgent(role v1.AgentRole) *v1.AgentInstance {
	o.mu.RLock()
	defer o.mu.RUnlock()
	for _, agent := range o.agents {
		if agent.State != v1.AgentStateIdle {
			continue
		}
		if role != "" && agent.Role != role {
			continue
		}
		return agent
	}
	return nil
}

func (o *Orchestrator) assignOne(ctx context.Context, task *v1.Task, agent *v1.AgentInstance) {
	now := time.Now().UTC()

	o.mu.Lock()
	task.AssignedAgentID = agent.ID
	task.Status = v1.TaskStatusAssigned
	task.UpdatedAt = now
	agent.CurrentTaskID = task.ID
	agent.State = v1.AgentStateWorking
	agent.LastActivityAt = now
	if err := o.store.SaveTask(ctx, task); err != nil {
		o.logger.Error("failed to persist assignment", zap.String("task_id", task.ID), zap.Error(err))
	}
	if err := o.store.SaveAgent(ctx, agent); err != nil {
		o.logger.Error("failed to persist assignment", zap.String("agent_id", agent.ID), zap.Error(err))
	}
	location := agent.Location
	runtimeID := agent.RuntimeID
	o.mu.Unlock()

	// Prompt delivery happens inline: the actor is the only writer, and a
	// slow backend surfaces through the adapter deadline.
	if adapter, err := o.runtimes.Get(runtimeID); err == nil {
		if err := o.deliver(ctx, adapter, location, composePrompt(task)); err != nil {
			o.logger.Warn("prompt delivery failed",
				zap.String("task_id", task.ID),
				zap.String("agent_id", agent.ID),
				zap.Error(err))
		}
	}

	o.mu.Lock()
	task.Status = v1.TaskStatusInProgress
	task.UpdatedAt = time.Now().UTC()
	_ = o.store.SaveTask(ctx, task)
	o.mu.Unlock()

	o.publish(ctx, events.TaskAssigned, map[string]interface{}{
		"taskId":  task.ID,
		"agentId": agent.ID,
	})
	o.publish(ctx, events.AgentStateChanged, map[string]interface{}{
		"agentId": agent.ID,
		"state":   string(v1.AgentStateWorking),
	})
}

// composePrompt renders the text typed at the agent for a task.
func composePrompt(task *v1.Task) string {
	var sb strings.Builder
	sb.WriteString(task.Description)
	if task.Input != "" {
		sb.WriteString("\n\n")
		sb.WriteString(task.Input)
	}
	return sb.String()
}

// QueueLen returns the number of queued tasks.
func (o *Orchestrator) QueueLen() int { return o.queue.Len() }

// Stats assembles the daemon.stats payload.
func (o *Orchestrator) Stats() v1.Stats {
	o.mu.RLock()
	byState := make(map[string]int)
	for _, agent := range o.agents {
		byState[string(agent.State)]++
	}
	o.mu.RUnlock()

	return v1.Stats{
		Agents:         byState,
		TasksQueued:    o.queue.Len(),
		TasksProcessed: o.processed.Load(),
		TasksFailed:    o.failed.Load(),
		StartedAt:      o.startedAt,
	}
}
