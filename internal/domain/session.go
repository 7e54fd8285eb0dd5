package domain

import (
	"fmt"
	"strings"
	"time"
)

// Session is the authoritative record the backend persists for a task.
type Session struct {
	ID               string
	Kind             Kind
	Scope            string
	SourceKey        string
	FileName         string
	FileSize         int64
	TransferredBytes int64
	Destination      string
	Status           string
	Error            string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Credentials authorize transfers against the object store. They are passed
// through to the backend and never stored.
type Credentials struct {
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
}

func (c Credentials) Validate() error {
	if strings.TrimSpace(c.AccessKeyID) == "" || strings.TrimSpace(c.SecretAccessKey) == "" {
		return fmt.Errorf("%w: transfer credentials are required", ErrValidation)
	}
	return nil
}
