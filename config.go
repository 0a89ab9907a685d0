package odeon

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// FileConfig models an odeon.yaml configuration file. Zero values keep the
// defaults of the corresponding options.
//
//	database: postgres://odeon@localhost/odeon
//	node_id: node-1
//	scheduler:
//	  immediate_interval: 30s
//	  max_retries: 10
//	premies:
//	  retention: 24h
//	nats:
//	  url: nats://localhost:4222
//	http:
//	  addr: :8080
//	webhook:
//	  url: http://localhost:9000/jobs
//	processes:
//	  - id: purchase
//	    correlation_sets: {1: orderId}
//	    operations:
//	      - {partner_link: customer, name: order, instantiating: true}
//	      - {partner_link: shipper, name: confirm}
type FileConfig struct {
	Database         string        `yaml:"database"`
	AutoMigrate      *bool         `yaml:"auto_migrate,omitempty"`
	NodeID           string        `yaml:"node_id,omitempty"`
	ListenNotify     *bool         `yaml:"listen_notify,omitempty"`
	SingletonUpgrade *bool         `yaml:"singleton_upgrade,omitempty"`
	ShutdownTimeout  time.Duration `yaml:"shutdown_timeout,omitempty"`

	Scheduler SchedulerFileConfig `yaml:"scheduler"`
	Premies   PremieFileConfig    `yaml:"premies"`
	NATS      NATSFileConfig      `yaml:"nats"`
	HTTP      HTTPFileConfig      `yaml:"http"`
	Log       LogFileConfig       `yaml:"log"`
	Tracing   TracingFileConfig   `yaml:"tracing"`
	Webhook   WebhookFileConfig   `yaml:"webhook"`

	Processes []ProcessFileConfig `yaml:"processes,omitempty"`
}

// SchedulerFileConfig holds the scheduler settings.
type SchedulerFileConfig struct {
	ImmediateInterval     time.Duration `yaml:"immediate_interval,omitempty"`
	NearFutureInterval    time.Duration `yaml:"near_future_interval,omitempty"`
	StaleInterval         time.Duration `yaml:"stale_interval,omitempty"`
	MaxRetries            *int          `yaml:"max_retries,omitempty"`
	MaxConcurrentJobs     int           `yaml:"max_concurrent_jobs,omitempty"`
	LoadBatchSize         int           `yaml:"load_batch_size,omitempty"`
	TransactionRetryLimit int           `yaml:"transaction_retry_limit,omitempty"`
	InstanceLockTimeout   time.Duration `yaml:"instance_lock_timeout,omitempty"`
}

// PremieFileConfig holds the settings of the unmatched message reaper.
type PremieFileConfig struct {
	Retention    time.Duration `yaml:"retention,omitempty"`
	ReapInterval time.Duration `yaml:"reap_interval,omitempty"`
}

// NATSFileConfig enables cluster heartbeats.
type NATSFileConfig struct {
	URL               string        `yaml:"url,omitempty"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval,omitempty"`
}

// HTTPFileConfig configures the admin HTTP server.
type HTTPFileConfig struct {
	Addr string `yaml:"addr,omitempty"`
}

// LogFileConfig configures logging. Format is "json" or "text".
type LogFileConfig struct {
	Level  string `yaml:"level,omitempty"`
	Format string `yaml:"format,omitempty"`
}

// TracingFileConfig configures OTLP trace export.
type TracingFileConfig struct {
	Endpoint    string `yaml:"endpoint,omitempty"`
	Insecure    bool   `yaml:"insecure,omitempty"`
	ServiceName string `yaml:"service_name,omitempty"`
}

// WebhookFileConfig configures where `odeon serve` sends instance jobs.
type WebhookFileConfig struct {
	URL     string        `yaml:"url,omitempty"`
	Source  string        `yaml:"source,omitempty"`
	Timeout time.Duration `yaml:"timeout,omitempty"`
}

// ProcessFileConfig declares a process in the configuration file.
type ProcessFileConfig struct {
	ID              string                `yaml:"id"`
	CorrelationSets map[int]string        `yaml:"correlation_sets,omitempty"`
	Operations      []OperationFileConfig `yaml:"operations"`
}

// OperationFileConfig declares an operation of a process.
type OperationFileConfig struct {
	PartnerLink   string `yaml:"partner_link"`
	Name          string `yaml:"name"`
	Instantiating bool   `yaml:"instantiating,omitempty"`
}

// LoadConfigFile reads and parses a YAML configuration file.
func LoadConfigFile(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return ParseConfig(data)
}

// ParseConfig parses YAML configuration.
func ParseConfig(data []byte) (*FileConfig, error) {
	var cfg FileConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if f := cfg.Log.Format; f != "" && f != "json" && f != "text" {
		return nil, fmt.Errorf("parse config: invalid log format %q", f)
	}
	for _, def := range cfg.ProcessDefinitions() {
		if err := def.validate(); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	return &cfg, nil
}

// ProcessDefinitions returns the processes declared in the file.
func (c *FileConfig) ProcessDefinitions() []*ProcessDefinition {
	defs := make([]*ProcessDefinition, 0, len(c.Processes))
	for _, p := range c.Processes {
		def := &ProcessDefinition{ID: p.ID, CorrelationSets: p.CorrelationSets}
		for _, op := range p.Operations {
			def.Operations = append(def.Operations, Operation{
				PartnerLink:   op.PartnerLink,
				Name:          op.Name,
				Instantiating: op.Instantiating,
			})
		}
		defs = append(defs, def)
	}
	return defs
}

// Options converts the file into App options. Unset fields produce no option.
func (c *FileConfig) Options() []Option {
	var opts []Option
	add := func(set bool, opt Option) {
		if set {
			opts = append(opts, opt)
		}
	}

	add(c.Database != "", WithDatabase(c.Database))
	if c.AutoMigrate != nil {
		opts = append(opts, WithAutoMigrate(*c.AutoMigrate))
	}
	add(c.NodeID != "", WithNodeID(c.NodeID))
	add(c.ListenNotify != nil, WithListenNotify(c.ListenNotify))
	if c.SingletonUpgrade != nil {
		opts = append(opts, WithSingletonUpgrade(*c.SingletonUpgrade))
	}
	add(c.ShutdownTimeout > 0, WithShutdownTimeout(c.ShutdownTimeout))

	s := c.Scheduler
	add(s.ImmediateInterval > 0, WithImmediateInterval(s.ImmediateInterval))
	add(s.NearFutureInterval > 0, WithNearFutureInterval(s.NearFutureInterval))
	add(s.StaleInterval > 0, WithStaleInterval(s.StaleInterval))
	if s.MaxRetries != nil {
		opts = append(opts, WithMaxRetries(*s.MaxRetries))
	}
	add(s.MaxConcurrentJobs > 0, WithMaxConcurrentJobs(s.MaxConcurrentJobs))
	add(s.LoadBatchSize > 0, WithLoadBatchSize(s.LoadBatchSize))
	add(s.TransactionRetryLimit > 0, WithTransactionRetryLimit(s.TransactionRetryLimit))
	add(s.InstanceLockTimeout > 0, WithInstanceLockTimeout(s.InstanceLockTimeout))

	add(c.Premies.Retention > 0, WithPremieRetention(c.Premies.Retention))
	add(c.Premies.ReapInterval > 0, WithPremieReapInterval(c.Premies.ReapInterval))

	add(c.NATS.URL != "", WithNATS(c.NATS.URL))
	add(c.NATS.HeartbeatInterval > 0, WithHeartbeatInterval(c.NATS.HeartbeatInterval))
	return opts
}
