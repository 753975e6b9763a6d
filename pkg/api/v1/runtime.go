package v1

import "time"

// RuntimeType identifies an execution backend kind.
type RuntimeType string

const (
	RuntimeTypeTmux   RuntimeType = "local-tmux"
	RuntimeTypeDocker RuntimeType = "docker"
	RuntimeTypeK8s    RuntimeType = "k8s"
	RuntimeTypeSSH    RuntimeType = "ssh"
)

// RuntimeHealth is the probe verdict for a runtime backend.
type RuntimeHealth string

const (
	RuntimeHealthy   RuntimeHealth = "healthy"
	RuntimeDegraded  RuntimeHealth = "degraded"
	RuntimeUnhealthy RuntimeHealth = "unhealthy"
)

// RuntimeConfig describes one configured runtime backend.
type RuntimeConfig struct {
	ID   string      `json:"id"`
	Type RuntimeType `json:"type"`

	// docker
	DockerHost   string `json:"docker_host,omitempty"`
	DefaultImage string `json:"default_image,omitempty"`

	// k8s
	Kubeconfig string `json:"kubeconfig,omitempty"`
	Namespace  string `json:"namespace,omitempty"`

	// ssh
	SSHHost    string `json:"ssh_host,omitempty"`
	SSHPort    int    `json:"ssh_port,omitempty"`
	SSHUser    string `json:"ssh_user,omitempty"`
	SSHKeyPath string `json:"ssh_key_path,omitempty"`
}

// ProbeResult is the detailed outcome of a runtime health probe.
type ProbeResult struct {
	Health    RuntimeHealth `json:"health"`
	Details   string        `json:"details,omitempty"`
	Latency   time.Duration `json:"latency"`
	CheckedAt time.Time     `json:"checked_at"`
}

// Daemon-level health verdicts used in HealthReport and ComponentHealth.
const (
	HealthOK       = "ok"
	HealthDegraded = "degraded"
	HealthDown     = "down"
)

// ComponentHealth is one component's entry in the daemon health report.
type ComponentHealth struct {
	Status  string `json:"status"`
	Details string `json:"details,omitempty"`
}

// HealthReport aggregates component status for daemon.health and /health.
type HealthReport struct {
	Status     string                     `json:"status"`
	Components map[string]ComponentHealth `json:"components"`
	Runtimes   map[string]ProbeResult     `json:"runtimes"`
	UptimeSecs int64                      `json:"uptime_secs"`
	Timestamp  time.Time                  `json:"timestamp"`
}

// Stats is the daemon.stats payload.
type Stats struct {
	Agents         map[string]int `json:"agents"` // by state
	TasksQueued    int            `json:"tasks_queued"`
	TasksProcessed int64          `json:"tasks_processed"`
	TasksFailed    int64          `json:"tasks_failed"`
	ActiveRuns     int            `json:"active_runs"`
	Subscribers    int            `json:"subscribers"`
	StartedAt      time.Time      `json:"started_at"`
}
