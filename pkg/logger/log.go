package logger

import (
	"fmt"
	"strings"
	"sync"

	"github.com/fatih/color"
)

type LogStatus int

const (
	VERBOSE LogStatus = iota
	DEBUG
	INFO
	SUCCESS
	NEW
	REMOVE
	STOP
	WARNING
	ERROR
	FATAL
)

var levelNames = map[string]LogStatus{
	"verbose": VERBOSE,
	"debug":   DEBUG,
	"info":    INFO,
	"warning": WARNING,
	"warn":    WARNING,
	"error":   ERROR,
	"fatal":   FATAL,
}

func (e LogStatus) String() string {
	return []string{
		"V",
		"D",
		"I",
		"✓",
		"+",
		"-",
		"X",
		"!",
		"!!",
		"PANIC",
	}[e]
}

func (e LogStatus) Color() *color.Color {
	return []*color.Color{
		color.New(color.FgWhite, color.Italic),                //Verbose
		color.New(color.FgWhite, color.Italic),                //Debug
		color.New(color.FgWhite),                              //Info
		color.New(color.FgHiGreen),                            //Success
		color.New(color.FgGreen, color.Italic),                //New
		color.New(color.FgYellow, color.Italic),               //Remove
		color.New(color.FgHiYellow),                           //Stop
		color.New(color.FgYellow, color.Underline),            //Warning
		color.New(color.FgHiRed, color.Bold),                  //Error
		color.New(color.FgHiRed, color.Bold, color.Underline), //PANIC
	}[e]
}

// Level returns the numeric level of the status, suitable
// for passing to SetMinLoggingLevel.
func (e LogStatus) Level() int { return int(e) }

// ParseLevel converts a textual level (e.g. "debug") in to
// the matching LogStatus. Unknown levels resolve to INFO.
func ParseLevel(level string) LogStatus {
	if status, ok := levelNames[strings.ToLower(strings.TrimSpace(level))]; ok {
		return status
	}

	return INFO
}

type (
	Logger interface {
		Emit(LogStatus, string, ...any)
		Verbosef(string, ...any)
		Debugf(string, ...any)
		Infof(string, ...any)
		Warnf(string, ...any)
		Errorf(string, ...any)
		Printf(string, ...any)
		Fatalf(string, ...any)
	}

	// Listener receives every message emitted at or above the minimum
	// logging level, after formatting. Listeners are called synchronously
	// and must return quickly.
	Listener func(status LogStatus, name string, message string)

	loggerImpl struct {
		name string
	}

	loggerMgr struct {
		sync.Mutex
		offset    int
		minStatus LogStatus
		listeners map[int]Listener
		nextID    int
	}
)

var manager = &loggerMgr{minStatus: INFO, listeners: make(map[int]Listener)}

func (l *loggerImpl) Emit(status LogStatus, message string, interpolations ...any) {
	manager.emit(status, l.name, message, interpolations...)
}

func (l *loggerImpl) Verbosef(message string, args ...any) { l.Emit(VERBOSE, message, args...) }
func (l *loggerImpl) Debugf(message string, args ...any)   { l.Emit(DEBUG, message, args...) }
func (l *loggerImpl) Infof(message string, args ...any)    { l.Emit(INFO, message, args...) }
func (l *loggerImpl) Warnf(message string, args ...any)    { l.Emit(WARNING, message, args...) }
func (l *loggerImpl) Errorf(message string, args ...any)   { l.Emit(ERROR, message, args...) }

// Printf satisfies the goose.Logger interface
func (l *loggerImpl) Printf(message string, args ...any) { l.Emit(INFO, message, args...) }

// Fatalf satisfies the goose.Logger interface. Unlike the
// standard library, this does NOT exit the process.
func (l *loggerImpl) Fatalf(message string, args ...any) { l.Emit(FATAL, message, args...) }

func (l *loggerMgr) emit(status LogStatus, name string, message string, interpolations ...any) {
	l.Lock()
	defer l.Unlock()

	if status < l.minStatus {
		return
	}

	if len(name) > l.offset {
		l.offset = len(name)
	}

	formatted := fmt.Sprintf(message, interpolations...)
	if !strings.HasSuffix(formatted, "\n") {
		formatted += "\n"
	}

	padding := strings.Repeat(" ", l.offset-len(name))
	status.Color().Printf("[%s] %s(%s) %s", name, padding, status, formatted)

	for _, listener := range l.listeners {
		listener(status, name, formatted)
	}
}

// Get returns a logger which will prefix all messages
// with the name provided.
func Get(name string) Logger {
	return &loggerImpl{name: name}
}

// SetMinLoggingLevel discards all future messages whose
// level is below the one provided.
func SetMinLoggingLevel(level int) {
	manager.Lock()
	defer manager.Unlock()

	manager.minStatus = LogStatus(level)
}

// AddListener registers a listener which is handed every emitted
// message. The returned function removes the listener.
func AddListener(listener Listener) func() {
	manager.Lock()
	defer manager.Unlock()

	id := manager.nextID
	manager.nextID++
	manager.listeners[id] = listener

	return func() {
		manager.Lock()
		defer manager.Unlock()
		delete(manager.listeners, id)
	}
}
