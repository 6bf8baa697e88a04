package server

import (
	"fmt"

	"github.com/DominicWuest/logbisect/pkg/logbisect"
)

type ServerType int

const (
	HTTP ServerType = iota
)

// A Server exposes the progress of a running bisection
type Server interface {
	Init(int, *logbisect.Progress) error
	Close() error
}

func NewServer(serverType ServerType, port int, progress *logbisect.Progress) (Server, error) {
	switch serverType {
	case HTTP:
		server := &httpServer{}
		return server, server.Init(port, progress)
	}
	return nil, fmt.Errorf("%d is not a valid server type", serverType)
}
