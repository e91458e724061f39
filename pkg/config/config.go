package config

// this holds the resolved configuration values from CLI
//
//nolint:lll // readablity
var (
	DB                 string // connection string for the database
	NatsURL            string // URL of the NATS server used for broadcasting
	WaitForServices    string // duration to wait for other services to be ready
	LogLevel           string // sets the log level (zap log level values)
	SQLLogLevel        string // sets the log level for sql subsystem
	LogFormat          string // text vs json
	LogFilter          string // zapfilter rules applied to the default logger
	MigrationSourceURL string // location of migration files
	EnableTelemetry    bool   // enable telemetry
	TelemetryEndpoint  string // endpoint for telemetry
	ProfilingPort      int    // port for profiling
	PitConfigFile      string // path to the pit stop configuration file
	TrackIDs           []int  // restrict the server to these track ids (empty: all active)
	InactiveTimeout    string // duration without data after which a session counts as inactive
	LivenessInterval   string // cadence of the session liveness check
	ReconnectMaxWait   string // upper bound for the reconnect backoff interval
)

// Config holds the configuration values which are used by the application
type Config struct {
	PrintMessage bool // if true, the message payload will be print on debug level
}
