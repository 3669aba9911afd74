package project

import (
	"fmt"
	"regexp"
	"sync"
	"time"

	apperrors "github.com/kagent-dev/codegen/pkg/errors"
)

var validID = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// ValidateID checks a caller-supplied project id.
func ValidateID(id string) error {
	if id == "" {
		return apperrors.New(apperrors.ErrCodeMissingField, "projectId is required", nil)
	}
	if !validID.MatchString(id) {
		return apperrors.New(apperrors.ErrCodeInvalidInput,
			fmt.Sprintf("invalid projectId %q: use 1-128 letters, digits, '_' or '-'", id), nil)
	}
	return nil
}

// IDGenerator issues project_<unix-millis> ids that strictly increase within
// the process, even when the clock stalls or steps back.
type IDGenerator struct {
	mu   sync.Mutex
	last int64
	now  func() time.Time
}

// NewIDGenerator creates a new IDGenerator
func NewIDGenerator() *IDGenerator {
	return &IDGenerator{now: time.Now}
}

// Next returns the next id.
func (g *IDGenerator) Next() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	ms := g.now().UnixMilli()
	if ms <= g.last {
		ms = g.last + 1
	}
	g.last = ms
	return fmt.Sprintf("project_%d", ms)
}
