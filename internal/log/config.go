package log

// Config holds the logging settings, mapped from the `log:` block of the
// relay configuration.
type Config struct {
	Level   string `mapstructure:"level"`   // trace / debug / info / warn / error
	Format  string `mapstructure:"format"`  // pattern / json / console
	Pattern string `mapstructure:"pattern"` // used by the pattern format
	Time    string `mapstructure:"time"`    // time layout for pattern and json

	File  FileAppenderOpt  `mapstructure:"file"`
	Kafka KafkaAppenderOpt `mapstructure:"kafka"`
}

// DefaultPattern is the pattern used when none is configured.
const DefaultPattern = "%time [%level] %msg %field\n"

// DefaultTimeLayout is the time layout used when none is configured.
const DefaultTimeLayout = "2006-01-02 15:04:05.000"
