package logging

import (
	"fmt"

	log "github.com/sirupsen/logrus"
)

// StandardLogger adapts a logrus logger to the Print family of functions used by
// libraries such as sarama. Every message is written at the same level.
type StandardLogger struct {
	logger *log.Entry
	level  log.Level
}

func (d *StandardLogger) Print(v ...interface{}) {
	d.logger.Log(d.level, v...)
}

func (d *StandardLogger) Printf(format string, v ...interface{}) {
	d.logger.Logf(d.level, format, v...)
}

func (d *StandardLogger) Println(v ...interface{}) {
	d.logger.Logln(d.level, v...)
}

// New returns a StandardLogger writing with the given format, at the given level,
// with every entry tagged with component.
func New(component, level, format string) (*StandardLogger, error) {
	logger := log.New()

	switch format {
	case FormatJSON:
		logger.SetFormatter(jsonFormatter())
	case FormatText, "":
		logger.SetFormatter(textFormatter())
	default:
		return nil, fmt.Errorf("log format '%s' is not recognized", format)
	}

	logLevel, err := log.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("while setting log level: %s", err)
	}
	logger.SetLevel(logLevel)

	return &StandardLogger{
		logger: logger.WithField("component", component),
		level:  logLevel,
	}, nil
}
