package weft

import (
	"bytes"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/t7a/weft/branch"
	"github.com/t7a/weft/config"
	"github.com/t7a/weft/repository"
	"github.com/t7a/weft/smart"
	"github.com/t7a/weft/transport"
)

// SetupLogging installs the log formatter used by weft programs.
// debug, or DEBUG=1 in the environment, turns on debug output.
func SetupLogging(debug bool) {
	if debug || os.Getenv("DEBUG") == "1" {
		log.SetLevel(log.DebugLevel)
	}
	log.SetReportCaller(true)
	formatter := &log.TextFormatter{
		CallerPrettyfier: caller(),
		FieldMap: log.FieldMap{
			log.FieldKeyFile: "caller",
		},
	}
	formatter.TimestampFormat = "15:04:05.999999999"
	log.SetFormatter(formatter)
}

// caller returns string presentation of log caller which is formatted as
// `/path/to/file.go:line_number gid N`.
func caller() func(*runtime.Frame) (function string, file string) {
	return func(f *runtime.Frame) (function string, file string) {
		p, _ := os.Getwd()
		return "", fmt.Sprintf("%s:%d gid %d", strings.TrimPrefix(f.File, p), f.Line, GetGID())
	}
}

// GetGID returns the goroutine ID of its calling function, for logging purposes.
func GetGID() uint64 {
	b := make([]byte, 64)
	b = b[:runtime.Stack(b, false)]
	b = bytes.TrimPrefix(b, []byte("goroutine "))
	b = b[:bytes.IndexByte(b, ' ')]
	n, _ := strconv.ParseUint(string(b), 10, 64)
	return n
}

// IsRemote reports whether url names a smart server.
func IsRemote(url string) bool {
	return strings.HasPrefix(url, "weft://") || strings.HasPrefix(url, "weft+ws://")
}

// Open opens the branch at url for local use.  Smart URLs work here
// too, through file requests, for formats with lock directories.
func Open(url string, cfg *config.Config) (*branch.Branch, error) {
	t, err := transport.Get(url)
	if err != nil {
		return nil, err
	}
	return branch.OpenWith(t, cfg)
}

// OpenBranch opens the branch at url as a pull source or push target.
// Smart URLs get a remote branch that runs branch and repository
// requests on the server.
func OpenBranch(url string, cfg *config.Config) (branch.Target, error) {
	if IsRemote(url) {
		return smart.Open(url)
	}
	return Open(url, cfg)
}

// InitBranch creates an empty branch of format f at url, making the
// directory if its parent exists, and opens it like OpenBranch.
func InitBranch(url string, f *repository.Format, cfg *config.Config) (branch.Target, error) {
	t, err := transport.Get(url)
	if err != nil {
		return nil, err
	}
	err = t.Mkdir("")
	if err != nil {
		return nil, err
	}
	b, err := branch.Create(t, f, cfg)
	if err != nil {
		return nil, err
	}
	log.Debugf("created %s in format %s", b, f.Name)
	if rt, ok := t.(*smart.RemoteTransport); ok {
		rt.Close()
		return smart.Open(url)
	}
	return b, nil
}
