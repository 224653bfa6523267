// Package config provides configuration structures and loading utilities
package config

// Platform kinds understood by the harness
const (
	PlatformIPMI      = "ipmi"
	PlatformFSP       = "fsp"
	PlatformOpenBMC   = "openbmc"
	PlatformQEMU      = "qemu"
	PlatformContainer = "container"
)

// File represents the top-level configuration file structure
type File struct {
	System    SystemConfig    `yaml:"system" json:"system"`
	BMC       BMCConfig       `yaml:"bmc" json:"bmc"`
	Host      HostConfig      `yaml:"host" json:"host"`
	QEMU      QEMUConfig      `yaml:"qemu,omitempty" json:"qemu,omitempty"`
	Container ContainerConfig `yaml:"container,omitempty" json:"container,omitempty"`
	Console   ConsoleConfig   `yaml:"console" json:"console"`
	Timeouts  TimeoutConfig   `yaml:"timeouts" json:"timeouts"`
	Monitor   MonitorConfig   `yaml:"monitor" json:"monitor"`
	Log       LogConfig       `yaml:"log" json:"log"`
	Metrics   MetricsConfig   `yaml:"metrics,omitempty" json:"metrics,omitempty"`
	Lock      LockConfig      `yaml:"lock,omitempty" json:"lock,omitempty"`
}

// SystemConfig selects the platform and its starting state
type SystemConfig struct {
	Platform   string `yaml:"platform" json:"platform" env:"OPTEST_PLATFORM" env-default:"ipmi" jsonschema:"enum=ipmi,enum=fsp,enum=openbmc,enum=qemu,enum=container"`
	KnownState string `yaml:"knownState,omitempty" json:"knownState,omitempty" env:"OPTEST_KNOWN_STATE"`
	// SELFatalPattern is matched against event log entries after IPL
	SELFatalPattern string `yaml:"selFatalPattern,omitempty" json:"selFatalPattern,omitempty" env:"OPTEST_SEL_FATAL_PATTERN" env-default:"Transition to Non-recoverable|Critical"`
	// StateFile, when set, keeps the last confirmed state between runs
	StateFile string `yaml:"stateFile,omitempty" json:"stateFile,omitempty" env:"OPTEST_STATE_FILE"`
}

// BMCConfig contains BMC connection details
type BMCConfig struct {
	IP       string `yaml:"ip" json:"ip" env:"OPTEST_BMC_IP"`
	Username string `yaml:"username" json:"username" env:"OPTEST_BMC_USERNAME"`
	Password string `yaml:"password" json:"password" env:"OPTEST_BMC_PASSWORD"`
	// IPMI credentials, defaulting to Username/Password when empty
	IPMIUsername string `yaml:"ipmiUsername,omitempty" json:"ipmiUsername,omitempty" env:"OPTEST_IPMI_USERNAME"`
	IPMIPassword string `yaml:"ipmiPassword,omitempty" json:"ipmiPassword,omitempty" env:"OPTEST_IPMI_PASSWORD"`
	IPMITool     string `yaml:"ipmitool,omitempty" json:"ipmitool,omitempty" env:"OPTEST_IPMITOOL" env-default:"ipmitool"`
	Interface    string `yaml:"interface,omitempty" json:"interface,omitempty" env:"OPTEST_IPMI_INTERFACE" env-default:"lanplus"`
	SSHPort      int    `yaml:"sshPort,omitempty" json:"sshPort,omitempty" env:"OPTEST_BMC_SSH_PORT" env-default:"22"`
	// ConsolePort is the OpenBMC host console SSH port
	ConsolePort int    `yaml:"consolePort,omitempty" json:"consolePort,omitempty" env:"OPTEST_BMC_CONSOLE_PORT" env-default:"2200"`
	RESTScheme  string `yaml:"restScheme,omitempty" json:"restScheme,omitempty" env:"OPTEST_BMC_REST_SCHEME" env-default:"https"`
}

// HostConfig describes the OS running on the system under test
type HostConfig struct {
	IP          string `yaml:"ip" json:"ip" env:"OPTEST_HOST_IP"`
	Hostname    string `yaml:"hostname,omitempty" json:"hostname,omitempty" env:"OPTEST_HOST_NAME"`
	Username    string `yaml:"username" json:"username" env:"OPTEST_HOST_USERNAME" env-default:"root"`
	Password    string `yaml:"password,omitempty" json:"password,omitempty" env:"OPTEST_HOST_PASSWORD"`
	KeyFile     string `yaml:"keyFile,omitempty" json:"keyFile,omitempty" env:"OPTEST_HOST_KEY_FILE"`
	Port        int    `yaml:"port,omitempty" json:"port,omitempty" env:"OPTEST_HOST_PORT" env-default:"22"`
	ScratchDisk string `yaml:"scratchDisk,omitempty" json:"scratchDisk,omitempty" env:"OPTEST_HOST_SCRATCH_DISK"`
}

// QEMUConfig describes a powernv QEMU machine
type QEMUConfig struct {
	Binary    string   `yaml:"binary,omitempty" json:"binary,omitempty" env:"OPTEST_QEMU_BINARY" env-default:"qemu-system-ppc64"`
	Machine   string   `yaml:"machine,omitempty" json:"machine,omitempty" env-default:"powernv"`
	CPU       string   `yaml:"cpu,omitempty" json:"cpu,omitempty"`
	Memory    string   `yaml:"memory,omitempty" json:"memory,omitempty" env-default:"4G"`
	Bios      string   `yaml:"bios,omitempty" json:"bios,omitempty" env:"OPTEST_QEMU_BIOS"`
	Kernel    string   `yaml:"kernel,omitempty" json:"kernel,omitempty" env:"OPTEST_QEMU_KERNEL"`
	Initramfs string   `yaml:"initramfs,omitempty" json:"initramfs,omitempty" env:"OPTEST_QEMU_INITRAMFS"`
	Disks     []string `yaml:"disks,omitempty" json:"disks,omitempty"`
	ExtraArgs []string `yaml:"extraArgs,omitempty" json:"extraArgs,omitempty"`
	// RunDir holds the console and QMP sockets
	RunDir string `yaml:"runDir,omitempty" json:"runDir,omitempty" env:"OPTEST_QEMU_RUN_DIR"`
}

// ContainerConfig describes a simulator running in a container
type ContainerConfig struct {
	Name string `yaml:"name" json:"name" env:"OPTEST_CONTAINER_NAME"`
}

// ConsoleConfig tunes console sessions
type ConsoleConfig struct {
	ConnectAttempts int      `yaml:"connectAttempts,omitempty" json:"connectAttempts,omitempty" env:"OPTEST_CONSOLE_CONNECT_ATTEMPTS" env-default:"120"`
	CommandTimeout  Duration `yaml:"commandTimeout,omitempty" json:"commandTimeout,omitempty" env:"OPTEST_CONSOLE_COMMAND_TIMEOUT" env-default:"60s"`
	Prompt          string   `yaml:"prompt,omitempty" json:"prompt,omitempty" env:"OPTEST_CONSOLE_PROMPT" env-default:"[optest-expect]#"`
	// SerialDevice, when set, replaces the platform console with a local serial port
	SerialDevice string `yaml:"serialDevice,omitempty" json:"serialDevice,omitempty" env:"OPTEST_CONSOLE_SERIAL"`
	SerialBaud   int    `yaml:"serialBaud,omitempty" json:"serialBaud,omitempty" env-default:"115200"`
	Verbose      bool   `yaml:"verbose,omitempty" json:"verbose,omitempty" env:"OPTEST_CONSOLE_VERBOSE"`
}

// TimeoutConfig bounds every boot milestone wait
type TimeoutConfig struct {
	Petitboot        Duration `yaml:"petitboot,omitempty" json:"petitboot,omitempty" env:"OPTEST_TIMEOUT_PETITBOOT" env-default:"600s"`
	PetitbootRetries int      `yaml:"petitbootRetries,omitempty" json:"petitbootRetries,omitempty" env-default:"3"`
	Kexec            Duration `yaml:"kexec,omitempty" json:"kexec,omitempty" env:"OPTEST_TIMEOUT_KEXEC" env-default:"300s"`
	Login            Duration `yaml:"login,omitempty" json:"login,omitempty" env:"OPTEST_TIMEOUT_LOGIN" env-default:"600s"`
	Standby          Duration `yaml:"standby,omitempty" json:"standby,omitempty" env:"OPTEST_TIMEOUT_STANDBY" env-default:"300s"`
	Ping             Duration `yaml:"ping,omitempty" json:"ping,omitempty" env:"OPTEST_TIMEOUT_PING" env-default:"300s"`
}

// MonitorConfig configures background pollers
type MonitorConfig struct {
	Interval Duration `yaml:"interval,omitempty" json:"interval,omitempty" env:"OPTEST_MONITOR_INTERVAL" env-default:"10s"`
	Commands []string `yaml:"commands,omitempty" json:"commands,omitempty"`
}

// LogConfig configures the logger
type LogConfig struct {
	Level  string `yaml:"level,omitempty" json:"level,omitempty" env:"OPTEST_LOG_LEVEL" env-default:"info"`
	Format string `yaml:"format,omitempty" json:"format,omitempty" env:"OPTEST_LOG_FORMAT" env-default:"console"`
}

// MetricsConfig exposes prometheus metrics when Listen is set
type MetricsConfig struct {
	Listen string `yaml:"listen,omitempty" json:"listen,omitempty" env:"OPTEST_METRICS_LISTEN"`
}

// LockConfig guards the system under test against concurrent runs
type LockConfig struct {
	Path string   `yaml:"path,omitempty" json:"path,omitempty" env:"OPTEST_LOCK_PATH"`
	Wait Duration `yaml:"wait,omitempty" json:"wait,omitempty" env:"OPTEST_LOCK_WAIT" env-default:"0s"`
}

// IPMICredentials returns the IPMI user and password, falling back to the BMC login
func (b BMCConfig) IPMICredentials() (string, string) {
	user, pass := b.IPMIUsername, b.IPMIPassword
	if user == "" {
		user = b.Username
	}
	if pass == "" {
		pass = b.Password
	}
	return user, pass
}
