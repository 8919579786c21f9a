// internal/config/config.go
package config

type Config struct {
	MQTT    MQTTConfig    `yaml:"mqtt"`
	History HistoryConfig `yaml:"history"`
	Metrics MetricsConfig `yaml:"metrics"`
	Ports   []PortConfig  `yaml:"ports"`
}

// ---- OUTPUTS ----

type MQTTConfig struct {
	Broker      string `yaml:"broker"` // empty disables publishing
	ClientID    string `yaml:"client_id"`
	TopicPrefix string `yaml:"topic_prefix"`
	QoS         byte   `yaml:"qos"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`

	// Device status block publishing period.
	StatusIntervalMs int `yaml:"status_interval_ms"`
}

type HistoryConfig struct {
	Path  string `yaml:"path"` // empty disables the recorder
	Queue int    `yaml:"queue"`
}

type MetricsConfig struct {
	Listen string `yaml:"listen"` // empty disables the endpoint
}

// ---- PORT ----

type PortConfig struct {
	ID   string `yaml:"id"`
	Type string `yaml:"type"` // serial | tcp

	// serial
	Path     string `yaml:"path"`
	BaudRate int    `yaml:"baud_rate"`
	DataBits int    `yaml:"data_bits"`
	Parity   string `yaml:"parity"`
	StopBits int    `yaml:"stop_bits"`

	// tcp
	Address string `yaml:"address"`

	ResponseTimeoutMs     int `yaml:"response_timeout_ms"`
	PollIntervalMs        int `yaml:"poll_interval_ms"`
	MaxFlushesWhenPollDue int `yaml:"max_flushes_when_poll_due"`

	Devices []DeviceConfig `yaml:"devices"`
}

// ---- DEVICE ----

type DeviceConfig struct {
	Name     string `yaml:"name"`
	Protocol string `yaml:"protocol"`
	SlaveID  string `yaml:"slave_id"`

	AccessLevel int   `yaml:"access_level"`
	Password    []int `yaml:"password"` // 6 bytes for session meters

	DelayMs           int `yaml:"delay_ms"`
	GuardIntervalUs   int `yaml:"guard_interval_us"`
	FrameTimeoutMs    int `yaml:"frame_timeout_ms"`
	ResponseTimeoutMs int `yaml:"response_timeout_ms"`
	DeviceTimeoutMs   int `yaml:"device_timeout_ms"`
	PollIntervalMs    int `yaml:"poll_interval_ms"`

	// nil keeps the protocol default
	MaxReadRegisters *int `yaml:"max_read_registers"`
	MaxRegHole       *int `yaml:"max_reg_hole"`
	MaxBitHole       *int `yaml:"max_bit_hole"`

	Setup     []SetupConfig    `yaml:"setup"`
	Registers []RegisterConfig `yaml:"registers"`
}

type SetupConfig struct {
	Title   string `yaml:"title"`
	Type    string `yaml:"type"`
	Address uint32 `yaml:"address"`
	Format  string `yaml:"format"`
	Value   string `yaml:"value"`
}

// ---- REGISTER ----

type RegisterConfig struct {
	Name      string `yaml:"name"`
	Type      string `yaml:"type"` // address space; empty = protocol default
	Address   uint32 `yaml:"address"`
	Format    string `yaml:"format"`
	WordOrder string `yaml:"word_order"`

	BitOffset int `yaml:"bit_offset"`
	BitWidth  int `yaml:"bit_width"`
	Size      int `yaml:"size"`

	Scale   *float64 `yaml:"scale"`
	Offset  float64  `yaml:"offset"`
	RoundTo float64  `yaml:"round_to"`

	ErrorValue *uint64 `yaml:"error_value"`

	PollIntervalMs int  `yaml:"poll_interval_ms"`
	ReadOnly       bool `yaml:"readonly"`
	WriteOnly      bool `yaml:"writeonly"`
	Disabled       bool `yaml:"disabled"` // configured but not polled
}
