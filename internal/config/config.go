// Package config loads and validates the YAML configuration for the bridge
// and the simulator agent. Configuration strings support environment-variable
// substitution of the form ${VAR} or ${VAR:default}, applied to the raw file
// before decoding.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// BridgeConfig is the top-level configuration for the bridge daemon.
type BridgeConfig struct {
	SimulationBridge BridgeIdentity `yaml:"simulation_bridge"`
	RabbitMQ         RabbitMQ       `yaml:"rabbitmq"`
	MQTT             MQTT           `yaml:"mqtt"`
	REST             REST           `yaml:"rest"`
	Logging          Logging        `yaml:"logging"`
}

// AgentConfig is the top-level configuration for a simulator agent process.
type AgentConfig struct {
	Agent             AgentIdentity     `yaml:"agent"`
	RabbitMQ          RabbitMQ          `yaml:"rabbitmq"`
	Simulation        Simulation        `yaml:"simulation"`
	TCP               TCP               `yaml:"tcp"`
	ResponseTemplates ResponseTemplates `yaml:"response_templates"`
	Performance       Performance       `yaml:"performance"`
	Logging           Logging           `yaml:"logging"`
}

type BridgeIdentity struct {
	BridgeID string `yaml:"bridge_id"`
}

type AgentIdentity struct {
	AgentID string `yaml:"agent_id"`
}

// RabbitMQ holds the internal-broker endpoint and the declarative topology.
type RabbitMQ struct {
	Host           string         `yaml:"host"`
	Port           int            `yaml:"port"`
	VirtualHost    string         `yaml:"virtual_host"`
	Username       string         `yaml:"username"`
	Password       string         `yaml:"password"`
	Infrastructure Infrastructure `yaml:"infrastructure"`
}

// URL renders the AMQP connection URI. The default vhost is expressed by
// omitting the path segment; a URI with a bare trailing slash would name the
// empty vhost instead.
func (r RabbitMQ) URL() string {
	user := r.Username
	if user == "" {
		user = "guest"
	}
	pass := r.Password
	if pass == "" {
		pass = "guest"
	}
	uri := fmt.Sprintf("amqp://%s:%s@%s:%d", user, pass, r.Host, r.Port)
	if vhost := strings.TrimPrefix(r.VirtualHost, "/"); vhost != "" {
		uri += "/" + vhost
	}
	return uri
}

// Infrastructure declares the exchanges, queues, and bindings the routing
// fabric creates at startup.
type Infrastructure struct {
	Exchanges []Exchange `yaml:"exchanges"`
	Queues    []Queue    `yaml:"queues"`
	Bindings  []Binding  `yaml:"bindings"`
}

type Exchange struct {
	Name    string `yaml:"name"`
	Kind    string `yaml:"kind"`
	Durable bool   `yaml:"durable"`
}

type Queue struct {
	Name       string `yaml:"name"`
	Durable    bool   `yaml:"durable"`
	Exclusive  bool   `yaml:"exclusive"`
	AutoDelete bool   `yaml:"auto_delete"`
}

type Binding struct {
	Exchange   string `yaml:"exchange"`
	Queue      string `yaml:"queue"`
	RoutingKey string `yaml:"routing_key"`
}

type MQTT struct {
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	Keepalive   int    `yaml:"keepalive"`
	InputTopic  string `yaml:"input_topic"`
	OutputTopic string `yaml:"output_topic"`
	QoS         byte   `yaml:"qos"`
}

type REST struct {
	Host          string     `yaml:"host"`
	Port          int        `yaml:"port"`
	InputEndpoint string     `yaml:"input_endpoint"`
	Client        RESTClient `yaml:"client"`
	Debug         bool       `yaml:"debug"`
	CertFile      string     `yaml:"certfile"`
	KeyFile       string     `yaml:"keyfile"`
}

type RESTClient struct {
	BaseURL        string `yaml:"base_url"`
	OutputEndpoint string `yaml:"output_endpoint"`
	Host           string `yaml:"host"`
	Port           int    `yaml:"port"`
}

type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
}

type Simulation struct {
	// Path is the directory holding the compute entry-point artifacts.
	Path string `yaml:"path"`
	// Command is the compute runtime executable used to start sessions and
	// streaming processes.
	Command string `yaml:"command"`
}

// TCP configures the streaming executor's local listener.
type TCP struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// ResponseTemplates shape the outbound envelopes built by the response builder.
type ResponseTemplates struct {
	Success   Template `yaml:"success"`
	Error     Template `yaml:"error"`
	Progress  Template `yaml:"progress"`
	Streaming Template `yaml:"streaming"`

	// ErrorCodes maps error kinds to wire codes; merged over built-in defaults.
	ErrorCodes map[string]int `yaml:"error_codes"`
	// IncludeStackTrace gates stack traces in error details.
	IncludeStackTrace bool `yaml:"include_stack_trace"`
}

// Template overrides the status string and adds verbatim extra fields to
// every envelope of its kind.
type Template struct {
	Status string                 `yaml:"status"`
	Fields map[string]interface{} `yaml:"fields"`
}

type Performance struct {
	Enabled     bool   `yaml:"enabled"`
	LogDir      string `yaml:"log_dir"`
	LogFilename string `yaml:"log_filename"`
}

// envVarPattern matches ${VAR} and ${VAR:default}.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::([^}]*))?\}`)

// ExpandEnv substitutes ${VAR} and ${VAR:default} references in raw config
// text. Unset variables without a default expand to the empty string.
func ExpandEnv(data []byte) []byte {
	return envVarPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		groups := envVarPattern.FindSubmatch(match)
		if value, ok := os.LookupEnv(string(groups[1])); ok {
			return []byte(value)
		}
		return groups[2]
	})
}

// LoadBridge reads, expands, and validates a bridge configuration file.
func LoadBridge(filename string) (*BridgeConfig, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg BridgeConfig
	if err := yaml.Unmarshal(ExpandEnv(data), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadAgent reads, expands, and validates an agent configuration file.
func LoadAgent(filename string) (*AgentConfig, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg AgentConfig
	if err := yaml.Unmarshal(ExpandEnv(data), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *BridgeConfig) applyDefaults() {
	if c.SimulationBridge.BridgeID == "" {
		c.SimulationBridge.BridgeID = "bridge-001"
	}
	c.RabbitMQ.applyDefaults()
	if c.RabbitMQ.Infrastructure.empty() {
		c.RabbitMQ.Infrastructure = DefaultBridgeTopology()
	}
	if c.MQTT.Host == "" {
		c.MQTT.Host = "localhost"
	}
	if c.MQTT.Port == 0 {
		c.MQTT.Port = 1883
	}
	if c.MQTT.Keepalive == 0 {
		c.MQTT.Keepalive = 60
	}
	if c.MQTT.InputTopic == "" {
		c.MQTT.InputTopic = "simulation/input"
	}
	if c.MQTT.OutputTopic == "" {
		c.MQTT.OutputTopic = "simulation/output"
	}
	if c.REST.Host == "" {
		c.REST.Host = "0.0.0.0"
	}
	if c.REST.Port == 0 {
		c.REST.Port = 8080
	}
	if c.REST.InputEndpoint == "" {
		c.REST.InputEndpoint = "/message"
	}
	c.Logging.applyDefaults()
}

func (c *BridgeConfig) validate() error {
	if (c.REST.CertFile == "") != (c.REST.KeyFile == "") {
		return fmt.Errorf("invalid rest config: certfile and keyfile must be set together")
	}
	if c.MQTT.QoS > 2 {
		return fmt.Errorf("invalid mqtt config: qos must be 0, 1, or 2, got %d", c.MQTT.QoS)
	}
	return nil
}

func (c *AgentConfig) applyDefaults() {
	if c.Agent.AgentID == "" {
		c.Agent.AgentID = "sim1"
	}
	c.RabbitMQ.applyDefaults()
	if c.RabbitMQ.Infrastructure.empty() {
		c.RabbitMQ.Infrastructure = DefaultAgentTopology(c.Agent.AgentID)
	}
	if c.Simulation.Path == "" {
		c.Simulation.Path = "."
	}
	if c.Simulation.Command == "" {
		c.Simulation.Command = "matlab"
	}
	if c.TCP.Host == "" {
		c.TCP.Host = "127.0.0.1"
	}
	if c.Performance.LogDir == "" {
		c.Performance.LogDir = "performance"
	}
	if c.Performance.LogFilename == "" {
		c.Performance.LogFilename = "performance.csv"
	}
	c.Logging.applyDefaults()
}

func (c *AgentConfig) validate() error {
	if c.TCP.Port < 0 || c.TCP.Port > 65535 {
		return fmt.Errorf("invalid tcp config: port out of range: %d", c.TCP.Port)
	}
	return nil
}

func (i Infrastructure) empty() bool {
	return len(i.Exchanges) == 0 && len(i.Queues) == 0 && len(i.Bindings) == 0
}

func (r *RabbitMQ) applyDefaults() {
	if r.Host == "" {
		r.Host = "localhost"
	}
	if r.Port == 0 {
		r.Port = 5672
	}
}

func (l *Logging) applyDefaults() {
	if l.Level == "" {
		l.Level = "info"
	}
	if l.Format == "" {
		l.Format = "text"
	}
}

// Well-known routing-fabric entity names. The topology is configurable, but
// the bridge and agents agree on these defaults.
const (
	ExchangeBridgeInput  = "ex.bridge.input"
	ExchangeBridgeOutput = "ex.bridge.output"
	ExchangeBridgeResult = "ex.bridge.result"

	QueueBridgeInput  = "Q.bridge.input"
	QueueBridgeResult = "Q.bridge.result"
)

// SimQueue returns the per-simulator input queue name.
func SimQueue(agentID string) string {
	return "Q.sim." + agentID
}

// DefaultBridgeTopology declares the exchanges and queues the bridge side
// owns. Q.bridge.input collects client requests (any single-segment client
// id); Q.bridge.result collects simulator results published with
// <simulator>.result.<client> keys. Republished internal results use
// two-segment <simulator>.result keys, which do not match the *.result.*
// binding, so the bridge never consumes its own republications.
func DefaultBridgeTopology() Infrastructure {
	return Infrastructure{
		Exchanges: []Exchange{
			{Name: ExchangeBridgeInput, Kind: "topic", Durable: true},
			{Name: ExchangeBridgeOutput, Kind: "topic", Durable: true},
			{Name: ExchangeBridgeResult, Kind: "topic", Durable: true},
		},
		Queues: []Queue{
			{Name: QueueBridgeInput, Durable: true},
			{Name: QueueBridgeResult, Durable: true},
		},
		Bindings: []Binding{
			{Exchange: ExchangeBridgeInput, Queue: QueueBridgeInput, RoutingKey: "*"},
			{Exchange: ExchangeBridgeResult, Queue: QueueBridgeResult, RoutingKey: "*.result.*"},
		},
	}
}

// DefaultAgentTopology declares the per-simulator input queue bound to the
// bridge output exchange.
func DefaultAgentTopology(agentID string) Infrastructure {
	return Infrastructure{
		Exchanges: []Exchange{
			{Name: ExchangeBridgeOutput, Kind: "topic", Durable: true},
			{Name: ExchangeBridgeResult, Kind: "topic", Durable: true},
		},
		Queues: []Queue{
			{Name: SimQueue(agentID), Durable: true},
		},
		Bindings: []Binding{
			{Exchange: ExchangeBridgeOutput, Queue: SimQueue(agentID), RoutingKey: "*." + agentID},
		},
	}
}
