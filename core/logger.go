package core

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

var logLevels = map[string]int{
	"DEBUG": 0,
	"INFO":  1,
	"WARN":  2,
	"ERROR": 3,
}

// ProductionLogger writes one line per entry, as JSON for log aggregation or
// as key=value text for local development. It is safe for concurrent use.
type ProductionLogger struct {
	level       int
	format      string
	serviceName string
	component   string
	output      io.Writer
	mu          *sync.Mutex
	now         func() time.Time
}

// NewProductionLogger builds a logger from the logging config.
// An empty format picks json inside Kubernetes and text elsewhere.
func NewProductionLogger(cfg LoggingConfig, serviceName string) *ProductionLogger {
	level, ok := logLevels[strings.ToUpper(cfg.Level)]
	if !ok {
		level = logLevels["INFO"]
	}

	format := strings.ToLower(cfg.Format)
	if format == "" {
		format = "text"
		if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
			format = "json"
		}
	}

	var out io.Writer = os.Stdout
	if cfg.Output == "stderr" {
		out = os.Stderr
	}

	return &ProductionLogger{
		level:       level,
		format:      format,
		serviceName: serviceName,
		output:      out,
		mu:          &sync.Mutex{},
		now:         time.Now,
	}
}

// SetOutput redirects log lines, mainly for tests.
func (l *ProductionLogger) SetOutput(w io.Writer) {
	l.mu.Lock()
	l.output = w
	l.mu.Unlock()
}

// WithComponent returns a logger sharing output and level that tags lines with component.
func (l *ProductionLogger) WithComponent(component string) Logger {
	clone := *l
	clone.component = component
	return &clone
}

func (l *ProductionLogger) Info(msg string, fields map[string]interface{}) {
	l.log("INFO", msg, fields)
}

func (l *ProductionLogger) Warn(msg string, fields map[string]interface{}) {
	l.log("WARN", msg, fields)
}

func (l *ProductionLogger) Error(msg string, fields map[string]interface{}) {
	l.log("ERROR", msg, fields)
}

func (l *ProductionLogger) Debug(msg string, fields map[string]interface{}) {
	l.log("DEBUG", msg, fields)
}

func (l *ProductionLogger) log(level, msg string, fields map[string]interface{}) {
	if logLevels[level] < l.level {
		return
	}

	timestamp := l.now().UTC().Format(time.RFC3339)

	var line string
	if l.format == "json" {
		line = l.formatJSON(timestamp, level, msg, fields)
	} else {
		line = l.formatText(timestamp, level, msg, fields)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintln(l.output, line)
}

func (l *ProductionLogger) formatJSON(timestamp, level, msg string, fields map[string]interface{}) string {
	entry := make(map[string]interface{}, len(fields)+5)
	for k, v := range fields {
		if err, ok := v.(error); ok {
			v = err.Error()
		}
		entry[k] = v
	}
	entry["timestamp"] = timestamp
	entry["level"] = level
	entry["service"] = l.serviceName
	entry["message"] = msg
	if l.component != "" {
		entry["component"] = l.component
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Sprintf(`{"level":%q,"message":%q,"log_error":%q}`, level, msg, err.Error())
	}
	return string(data)
}

func (l *ProductionLogger) formatText(timestamp, level, msg string, fields map[string]interface{}) string {
	var b strings.Builder
	b.WriteString(timestamp)
	b.WriteString(" [")
	b.WriteString(level)
	b.WriteString("] ")
	if l.component != "" {
		b.WriteString("[")
		b.WriteString(l.component)
		b.WriteString("] ")
	}
	b.WriteString(msg)

	// Stable key order keeps lines diffable
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, fields[k])
	}
	return b.String()
}
