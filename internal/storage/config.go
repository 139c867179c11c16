package storage

import (
	"fmt"
	"path"
	"path/filepath"
	"time"
)

// Storage types.
const (
	TypeLocal  = "local"
	TypeTicket = "ticket"
)

// Config describes one configured storage. Experiments get their own
// sub-location (directory or collection) below it.
type Config struct {
	Type       string `json:"type"`
	BasePath   string `json:"basePath,omitempty"`
	URL        string `json:"url,omitempty"`
	Ticket     string `json:"ticket,omitempty"`
	TimeoutSec int    `json:"timeoutSec,omitempty"`
	// Server is the host name reported to users in access info.
	Server string `json:"server,omitempty"`
}

// Validate checks the fields the storage type needs.
func (c Config) Validate() error {
	switch c.Type {
	case TypeLocal:
		if c.BasePath == "" {
			return fmt.Errorf("basePath is required for %s storage", c.Type)
		}
	case TypeTicket:
		if c.URL == "" {
			return fmt.Errorf("url is required for %s storage", c.Type)
		}
		if c.BasePath == "" {
			return fmt.Errorf("basePath is required for %s storage", c.Type)
		}
	default:
		return fmt.Errorf("unknown storage type %q", c.Type)
	}
	if c.TimeoutSec < 0 {
		return fmt.Errorf("timeoutSec must be >= 0")
	}
	return nil
}

// Open returns the backend holding the experiment stored under sub.
func Open(c Config, sub string) (Backend, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	switch c.Type {
	case TypeLocal:
		return NewLocal(filepath.Join(c.BasePath, filepath.FromSlash(sub)), c.Server)
	default:
		return NewTicket(c.URL, path.Join(c.BasePath, sub), c.Ticket, time.Duration(c.TimeoutSec)*time.Second)
	}
}
