package runtime

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"toolgate/internal/config"
	"toolgate/internal/fault"
	"toolgate/internal/secrets"
	"toolgate/internal/store"
	"toolgate/pkg/logging"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
)

const managerSubsystem = "Lifecycle"

// State is the lifecycle state of a managed instance.
type State string

const (
	StateAbsent   State = "absent"
	StateBuilding State = "building"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateDegraded State = "degraded"
	StateStopping State = "stopping"
	StateStopped  State = "stopped"
	StateFailed   State = "failed"
	StateRemoved  State = "removed"
)

// defaultBaseImage backs containerized commands that don't name one.
const defaultBaseImage = "node:22-slim"

// defaultContainerPort is the in-container HTTP port when unset.
const defaultContainerPort = 8080

// probeAttempts bounds the initial protocol probe while a freshly started
// backend boots.
const probeAttempts = 5

// ProbeFunc performs the initial protocol probe against a backend
// endpoint; it reports nil once the backend answers the handshake.
type ProbeFunc func(ctx context.Context, endpoint string) error

// Instance is the mutable record for one backend's execution environment.
// Exactly one Instance exists per definition id at a time.
type Instance struct {
	mu            sync.RWMutex
	def           config.ServerDefinition
	containerID   string
	endpoint      string
	secretDir     string
	secretEnv     map[string]string
	state         State
	lastError     string
	lastProbe     time.Time
	lastUsed      time.Time
	probeFailures int
}

// Definition returns the backing server definition. The copy reflects
// the latest loaded version; a reload swaps it atomically.
func (i *Instance) Definition() config.ServerDefinition {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.def
}

// ID returns the backing definition id.
func (i *Instance) ID() string {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.def.ID
}

// State returns the current lifecycle state.
func (i *Instance) State() State {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.state
}

// LastError returns the captured failure diagnosis, empty if none.
func (i *Instance) LastError() string {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.lastError
}

// Endpoint returns the backend's HTTP endpoint. Empty for local-process
// backends, which are reached over stdio instead.
func (i *Instance) Endpoint() string {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.endpoint
}

// ContainerID returns the runtime handle, empty when no container exists.
func (i *Instance) ContainerID() string {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.containerID
}

// LaunchEnv returns the environment for the backend process: the
// definition's env plus variables pointing at materialized secret paths.
func (i *Instance) LaunchEnv() map[string]string {
	i.mu.RLock()
	defer i.mu.RUnlock()
	env := make(map[string]string, len(i.def.Env)+len(i.secretEnv))
	for k, v := range i.def.Env {
		env[k] = v
	}
	for k, v := range i.secretEnv {
		env[k] = v
	}
	return env
}

// Touch records use of the instance for the idle-stop policy.
func (i *Instance) Touch() {
	i.mu.Lock()
	i.lastUsed = time.Now()
	i.mu.Unlock()
}

func (i *Instance) setState(s State) {
	i.mu.Lock()
	i.state = s
	i.mu.Unlock()
}

// Options configures a Manager.
type Options struct {
	Runtime   ContainerRuntime
	Secrets   *secrets.Store
	Store     store.Store
	DataDir   string
	Cfg       config.RuntimeConfig
	Lifecycle config.LifecycleConfig
	Probe     ProbeFunc
}

// Manager owns the mapping from server definitions to running execution
// environments. All start/stop mutations for one definition id are
// serialized; unrelated ids proceed in parallel.
type Manager struct {
	rt        ContainerRuntime
	secrets   *secrets.Store
	rec       store.Store
	dataDir   string
	cfg       config.RuntimeConfig
	lifecycle config.LifecycleConfig
	probe     ProbeFunc

	mu        sync.RWMutex
	instances map[string]*Instance

	group singleflight.Group
	// opMu serializes different operations (start vs stop) on one id;
	// singleflight alone only deduplicates identical operations.
	opMuMu sync.Mutex
	opMu   map[string]*sync.Mutex
}

// NewManager creates a lifecycle manager.
func NewManager(opts Options) *Manager {
	return &Manager{
		rt:        opts.Runtime,
		secrets:   opts.Secrets,
		rec:       opts.Store,
		dataDir:   opts.DataDir,
		cfg:       opts.Cfg,
		lifecycle: opts.Lifecycle,
		probe:     opts.Probe,
		instances: make(map[string]*Instance),
		opMu:      make(map[string]*sync.Mutex),
	}
}

// Get returns the instance for a definition id, if one exists.
func (m *Manager) Get(defID string) (*Instance, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inst, ok := m.instances[defID]
	return inst, ok
}

// Instances returns a snapshot of all managed instances.
func (m *Manager) Instances() []*Instance {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Instance, 0, len(m.instances))
	for _, inst := range m.instances {
		out = append(out, inst)
	}
	return out
}

func (m *Manager) keyLock(defID string) *sync.Mutex {
	m.opMuMu.Lock()
	defer m.opMuMu.Unlock()
	l, ok := m.opMu[defID]
	if !ok {
		l = &sync.Mutex{}
		m.opMu[defID] = l
	}
	return l
}

func (m *Manager) instance(def config.ServerDefinition) *Instance {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.instances[def.ID]
	if !ok {
		inst = &Instance{def: def, state: StateAbsent}
		m.instances[def.ID] = inst
	} else {
		// Definitions are immutable per version; a reload swaps the copy.
		// Readers take inst.mu, so the swap must too.
		inst.mu.Lock()
		inst.def = def
		inst.mu.Unlock()
	}
	return inst
}

// EnsureRunning brings the instance for def to the running state,
// starting it if necessary. Concurrent callers for the same definition
// share one underlying start; the first caller's result is handed to late
// joiners.
func (m *Manager) EnsureRunning(ctx context.Context, def config.ServerDefinition) (*Instance, error) {
	v, err, _ := m.group.Do("start:"+def.ID, func() (interface{}, error) {
		lock := m.keyLock(def.ID)
		lock.Lock()
		defer lock.Unlock()
		return m.ensureRunning(ctx, def)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Instance), nil
}

func (m *Manager) ensureRunning(ctx context.Context, def config.ServerDefinition) (*Instance, error) {
	inst := m.instance(def)

	switch inst.State() {
	case StateRunning, StateDegraded:
		inst.Touch()
		return inst, nil
	case StateFailed:
		// Sticky: repeated calls surface the same diagnosis without
		// re-probing. An explicit Remove clears it.
		return nil, fault.New(fault.InstanceFailed, "%s", inst.LastError()).WithBackend(def.ID)
	case StateBuilding, StateStarting, StateStopping:
		return nil, fault.New(fault.InstanceFailed, "instance is busy (%s)", inst.State()).WithBackend(def.ID)
	}

	if def.Runtime.IsLocal() {
		return m.startLocal(ctx, inst, def)
	}
	return m.startContainer(ctx, inst, def)
}

// startLocal prepares a local-process backend: secrets are materialized
// on the host and the session layer owns the actual process over stdio.
func (m *Manager) startLocal(ctx context.Context, inst *Instance, def config.ServerDefinition) (*Instance, error) {
	inst.setState(StateStarting)

	secretDir, secretEnv, err := m.materializeSecrets(def, false)
	if err != nil {
		return nil, m.fail(ctx, inst, err.Error())
	}

	inst.mu.Lock()
	inst.secretDir = secretDir
	inst.secretEnv = secretEnv
	inst.state = StateRunning
	inst.lastUsed = time.Now()
	inst.lastError = ""
	inst.mu.Unlock()

	m.persist(ctx, inst)
	logging.Info(managerSubsystem, "Local backend %s ready", def.ID)
	return inst, nil
}

func (m *Manager) startContainer(ctx context.Context, inst *Instance, def config.ServerDefinition) (*Instance, error) {
	inst.setState(StateBuilding)
	logging.Info(managerSubsystem, "Building image for %s", def.ID)

	base := def.BaseImage
	if base == "" {
		base = defaultBaseImage
	}
	tag := ImageTag(def.ID)
	if err := m.rt.BuildImage(ctx, tag, BuildSpec{BaseImage: base, Command: def.Command, Args: def.Args}); err != nil {
		if fault.Is(err, fault.RuntimeUnavailable) {
			inst.setState(StateAbsent)
			return nil, fault.Tag(err, def.ID)
		}
		return nil, m.fail(ctx, inst, fmt.Sprintf("image build failed: %v", err))
	}

	inst.setState(StateStarting)

	secretDir, secretEnv, err := m.materializeSecrets(def, true)
	if err != nil {
		return nil, m.fail(ctx, inst, err.Error())
	}
	inst.mu.Lock()
	inst.secretDir = secretDir
	inst.secretEnv = secretEnv
	inst.mu.Unlock()

	// A stale container from an earlier crash blocks the deterministic
	// name; clear it before starting.
	name := ContainerName(def.ID)
	if staleID, exists, err := m.rt.ContainerExists(ctx, name); err == nil && exists {
		logging.Debug(managerSubsystem, "Removing stale container %s", logging.TruncateID(staleID))
		_ = m.rt.RemoveContainer(ctx, staleID)
	}

	env := make(map[string]string, len(def.Env)+len(secretEnv))
	for k, v := range def.Env {
		env[k] = v
	}
	for k, v := range secretEnv {
		env[k] = v
	}

	port := def.Port
	if port == 0 {
		port = defaultContainerPort
	}

	containerID, err := m.rt.StartContainer(ctx, ContainerConfig{
		Name:           name,
		Image:          tag,
		Env:            env,
		SecretsHostDir: secretDir,
		Port:           port,
	})
	if err != nil {
		return nil, m.fail(ctx, inst, fmt.Sprintf("container start failed: %v", err))
	}
	inst.mu.Lock()
	inst.containerID = containerID
	inst.mu.Unlock()

	hostPort, err := m.rt.ContainerPort(ctx, containerID, port)
	if err != nil {
		return nil, m.failWithLogs(ctx, inst, fmt.Sprintf("port resolution failed: %v", err))
	}
	endpoint := fmt.Sprintf("http://127.0.0.1:%d/mcp", hostPort)
	inst.mu.Lock()
	inst.endpoint = endpoint
	inst.mu.Unlock()

	if err := m.awaitHealthy(ctx, inst); err != nil {
		return nil, m.failWithLogs(ctx, inst, err.Error())
	}

	inst.mu.Lock()
	inst.state = StateRunning
	inst.lastUsed = time.Now()
	inst.lastProbe = time.Now()
	inst.lastError = ""
	inst.probeFailures = 0
	inst.mu.Unlock()

	m.persist(ctx, inst)
	logging.Info(managerSubsystem, "Backend %s running at %s", def.ID, endpoint)
	return inst, nil
}

// awaitHealthy waits for container liveness plus the initial protocol
// probe, giving a booting backend a small backoff window.
func (m *Manager) awaitHealthy(ctx context.Context, inst *Instance) error {
	delay := 200 * time.Millisecond
	var lastErr error

	for attempt := 0; attempt < probeAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}

		running, err := m.rt.IsContainerRunning(ctx, inst.ContainerID())
		if err != nil {
			lastErr = err
			continue
		}
		if !running {
			return fmt.Errorf("container exited during startup")
		}

		if m.probe == nil {
			return nil
		}
		if err := m.probe(ctx, inst.Endpoint()); err != nil {
			lastErr = fmt.Errorf("protocol probe: %w", err)
			continue
		}
		return nil
	}

	return fmt.Errorf("backend did not become healthy: %v", lastErr)
}

// materializeSecrets decrypts the definition's secret slots into a fresh
// per-instance directory and builds the env map referencing the files.
// Container backends see the files under the fixed mount path; local
// backends see the host paths directly.
func (m *Manager) materializeSecrets(def config.ServerDefinition, containerized bool) (string, map[string]string, error) {
	if len(def.Secrets) == 0 {
		return "", nil, nil
	}
	if m.secrets == nil {
		return "", nil, fmt.Errorf("definition requires secrets but no secret store is configured")
	}

	dir := filepath.Join(m.dataDir, "instances", def.ID+"-"+uuid.NewString())
	env := make(map[string]string, len(def.Secrets))

	for _, slot := range def.Secrets {
		hostPath, err := m.secrets.Materialize(slot.Name, dir)
		if err != nil {
			// Clean up whatever was already written.
			_ = m.secrets.ReleaseDir(dir)
			return "", nil, fmt.Errorf("materializing secret %s: %w", slot.Name, err)
		}
		if containerized {
			env[slot.EnvVar] = filepath.Join(SecretMountPath, secrets.MaterializedName(slot.Name))
		} else {
			env[slot.EnvVar] = hostPath
		}
	}

	return dir, env, nil
}

// Stop stops a running instance. Materialized secrets are released
// synchronously before the instance is marked stopped.
func (m *Manager) Stop(ctx context.Context, defID string) error {
	_, err, _ := m.group.Do("stop:"+defID, func() (interface{}, error) {
		lock := m.keyLock(defID)
		lock.Lock()
		defer lock.Unlock()
		return nil, m.stop(ctx, defID)
	})
	return err
}

func (m *Manager) stop(ctx context.Context, defID string) error {
	inst, ok := m.Get(defID)
	if !ok {
		return nil
	}

	switch inst.State() {
	case StateStopped, StateRemoved, StateAbsent:
		return nil
	}

	inst.setState(StateStopping)

	if id := inst.ContainerID(); id != "" {
		if err := m.rt.StopContainer(ctx, id); err != nil && !fault.Is(err, fault.RuntimeUnavailable) {
			logging.Warn(managerSubsystem, "Stopping container for %s: %v", defID, err)
		}
	}

	m.releaseSecrets(inst)

	inst.mu.Lock()
	inst.state = StateStopped
	inst.endpoint = ""
	inst.mu.Unlock()

	m.persist(ctx, inst)
	logging.Info(managerSubsystem, "Backend %s stopped", defID)
	return nil
}

// Remove tears down an instance's persisted runtime artifacts. With the
// preserve policy the container is kept (stopped) for faster restart.
func (m *Manager) Remove(ctx context.Context, defID string) error {
	_, err, _ := m.group.Do("remove:"+defID, func() (interface{}, error) {
		lock := m.keyLock(defID)
		lock.Lock()
		defer lock.Unlock()
		return nil, m.remove(ctx, defID)
	})
	return err
}

func (m *Manager) remove(ctx context.Context, defID string) error {
	inst, ok := m.Get(defID)
	if !ok {
		return nil
	}

	switch inst.State() {
	case StateRunning, StateDegraded, StateStarting:
		if err := m.stop(ctx, defID); err != nil {
			return err
		}
	default:
		// Secrets may still linger after a crash or failure.
		m.releaseSecrets(inst)
	}

	if id := inst.ContainerID(); id != "" && !m.cfg.PreserveOnRemove {
		if err := m.rt.RemoveContainer(ctx, id); err != nil && !fault.Is(err, fault.RuntimeUnavailable) {
			logging.Warn(managerSubsystem, "Removing container for %s: %v", defID, err)
		}
	}

	inst.setState(StateRemoved)

	if m.rec != nil {
		if err := m.rec.DeleteInstance(ctx, defID); err != nil {
			logging.Warn(managerSubsystem, "Deleting persisted record for %s: %v", defID, err)
		}
	}

	m.mu.Lock()
	delete(m.instances, defID)
	m.mu.Unlock()

	logging.Info(managerSubsystem, "Backend %s removed", defID)
	return nil
}

// fail marks the instance failed with the given cause, releasing any
// materialized secrets. Returns the error to hand to the caller.
func (m *Manager) fail(ctx context.Context, inst *Instance, cause string) error {
	m.releaseSecrets(inst)

	inst.mu.Lock()
	inst.state = StateFailed
	inst.lastError = cause
	inst.mu.Unlock()

	m.persist(ctx, inst)
	id := inst.ID()
	logging.Error(managerSubsystem, nil, "Backend %s failed: %s", id, cause)
	return fault.New(fault.InstanceFailed, "%s", cause).WithBackend(id)
}

// failWithLogs enriches the cause with a diagnosis extracted from the
// container's log tail before marking the instance failed.
func (m *Manager) failWithLogs(ctx context.Context, inst *Instance, cause string) error {
	if id := inst.ContainerID(); id != "" {
		if tail, err := m.rt.LogsTail(ctx, id, 50); err == nil {
			if diag := Diagnose(tail); diag != "" {
				cause = cause + ": " + diag
			}
		}
	}
	return m.fail(ctx, inst, cause)
}

func (m *Manager) releaseSecrets(inst *Instance) {
	inst.mu.Lock()
	dir := inst.secretDir
	inst.secretDir = ""
	inst.secretEnv = nil
	inst.mu.Unlock()

	if dir == "" {
		return
	}
	if err := m.secrets.ReleaseDir(dir); err != nil {
		logging.Warn(managerSubsystem, "Releasing secrets for %s: %v", inst.ID(), err)
	}
}

func (m *Manager) persist(ctx context.Context, inst *Instance) {
	if m.rec == nil {
		return
	}
	inst.mu.RLock()
	rec := store.InstanceRecord{
		DefinitionID: inst.def.ID,
		ContainerID:  inst.containerID,
		SecretDir:    inst.secretDir,
		State:        string(inst.state),
	}
	inst.mu.RUnlock()

	if err := m.rec.SaveInstance(ctx, rec); err != nil {
		logging.Warn(managerSubsystem, "Persisting state for %s: %v", rec.DefinitionID, err)
	}
}

// Reconcile aligns in-memory state with the persistent store after a
// restart: containers that still run under their deterministic name are
// re-adopted, everything else is marked stopped and its leftover secret
// material is unlinked.
func (m *Manager) Reconcile(ctx context.Context, defs []config.ServerDefinition) {
	if m.rec == nil {
		return
	}
	records, err := m.rec.ListInstances(ctx)
	if err != nil {
		logging.Warn(managerSubsystem, "Listing persisted instances: %v", err)
		return
	}

	byID := make(map[string]config.ServerDefinition, len(defs))
	for _, def := range defs {
		byID[def.ID] = def
	}

	for _, rec := range records {
		// Crash recovery: leftover cleartext is unlinked regardless of
		// what happens to the container.
		staleSecrets := rec.SecretDir

		def, known := byID[rec.DefinitionID]
		if !known || rec.State != string(StateRunning) || def.Runtime.IsLocal() {
			m.markStopped(ctx, rec, staleSecrets)
			continue
		}

		containerID, exists, err := m.rt.ContainerExists(ctx, ContainerName(def.ID))
		if err != nil || !exists {
			m.markStopped(ctx, rec, staleSecrets)
			continue
		}
		running, err := m.rt.IsContainerRunning(ctx, containerID)
		if err != nil || !running {
			m.markStopped(ctx, rec, staleSecrets)
			continue
		}

		port := def.Port
		if port == 0 {
			port = defaultContainerPort
		}
		hostPort, err := m.rt.ContainerPort(ctx, containerID, port)
		if err != nil {
			m.markStopped(ctx, rec, staleSecrets)
			continue
		}

		inst := m.instance(def)
		inst.mu.Lock()
		inst.containerID = containerID
		inst.endpoint = fmt.Sprintf("http://127.0.0.1:%d/mcp", hostPort)
		inst.secretDir = rec.SecretDir
		inst.state = StateRunning
		inst.lastUsed = time.Now()
		inst.mu.Unlock()

		m.persist(ctx, inst)
		logging.Info(managerSubsystem, "Re-adopted running backend %s (container %s)",
			def.ID, logging.TruncateID(containerID))
	}
}

func (m *Manager) markStopped(ctx context.Context, rec store.InstanceRecord, staleSecretDir string) {
	if staleSecretDir != "" && m.secrets != nil {
		if err := m.secrets.ReleaseDir(staleSecretDir); err != nil {
			logging.Warn(managerSubsystem, "Releasing stale secrets of %s: %v", rec.DefinitionID, err)
		}
	}
	rec.State = string(StateStopped)
	rec.SecretDir = ""
	if err := m.rec.SaveInstance(ctx, rec); err != nil {
		logging.Warn(managerSubsystem, "Persisting reconciled state for %s: %v", rec.DefinitionID, err)
	}
}

// Run drives the background sweep: liveness probing of running container
// backends and the idle-stop policy. Blocks until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	interval := time.Duration(m.lifecycle.SweepIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep(ctx)
		}
	}
}

func (m *Manager) sweep(ctx context.Context) {
	idle := time.Duration(m.lifecycle.IdleTimeoutSeconds) * time.Second

	for _, inst := range m.Instances() {
		state := inst.State()
		if state != StateRunning && state != StateDegraded {
			continue
		}
		def := inst.Definition()

		if idle > 0 {
			inst.mu.RLock()
			lastUsed := inst.lastUsed
			inst.mu.RUnlock()
			if time.Since(lastUsed) > idle {
				logging.Info(managerSubsystem, "Stopping idle backend %s", def.ID)
				if err := m.Stop(ctx, def.ID); err != nil {
					logging.Warn(managerSubsystem, "Idle stop of %s: %v", def.ID, err)
				}
				continue
			}
		}

		if !def.Runtime.IsLocal() {
			m.ProbeInstance(ctx, inst)
		}
	}
}

// ProbeInstance runs one liveness check against a container-backed
// instance and applies the running⇄degraded→failed transitions.
func (m *Manager) ProbeInstance(ctx context.Context, inst *Instance) {
	running, err := m.rt.IsContainerRunning(ctx, inst.ContainerID())
	healthy := err == nil && running

	inst.mu.Lock()
	inst.lastProbe = time.Now()

	if healthy {
		if inst.state == StateDegraded {
			logging.Info(managerSubsystem, "Backend %s recovered", inst.def.ID)
		}
		inst.state = StateRunning
		inst.probeFailures = 0
		inst.mu.Unlock()
		return
	}

	inst.probeFailures++
	failures := inst.probeFailures
	inst.state = StateDegraded
	inst.mu.Unlock()

	logging.Warn(managerSubsystem, "Liveness probe failed for %s (%d/%d)",
		inst.ID(), failures, m.lifecycle.ProbeFailureLimit)

	if failures >= m.lifecycle.ProbeFailureLimit {
		cause := "liveness probe failed repeatedly"
		if id := inst.ContainerID(); id != "" {
			if tail, lerr := m.rt.LogsTail(ctx, id, 50); lerr == nil {
				if diag := Diagnose(tail); diag != "" {
					cause = cause + ": " + diag
				}
			}
		}
		_ = m.fail(ctx, inst, cause)
	}
}

// Shutdown stops all running instances and releases their secrets. Called
// on process teardown.
func (m *Manager) Shutdown(ctx context.Context) {
	for _, inst := range m.Instances() {
		switch inst.State() {
		case StateRunning, StateDegraded, StateStarting:
			if err := m.Stop(ctx, inst.ID()); err != nil {
				logging.Warn(managerSubsystem, "Shutdown stop of %s: %v", inst.ID(), err)
			}
		default:
			m.releaseSecrets(inst)
		}
	}
}
