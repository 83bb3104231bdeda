// Package uuid generates the reqId and renderId attached to every render job.
package uuid

import (
	"fmt"

	"github.com/google/uuid"
)

// Version selects the UUID layout a Generator emits.
type Version int

const (
	// V4 emits random UUIDs.
	V4 Version = 4
	// V7 emits time-ordered UUIDs, which sort by admission time in logs.
	V7 Version = 7
)

// Generator creates UUID strings.
type Generator struct {
	version Version
}

// New creates a Generator for the given version. Unknown versions fall back to V4.
func New(version Version) *Generator {
	if version != V7 {
		version = V4
	}
	return &Generator{version: version}
}

// NewID returns a UUID string.
func (g *Generator) NewID() (string, error) {
	var (
		id  uuid.UUID
		err error
	)
	if g.version == V7 {
		id, err = uuid.NewV7()
	} else {
		id, err = uuid.NewRandom()
	}
	if err != nil {
		return "", fmt.Errorf("generate uuid%d: %w", g.version, err)
	}
	return id.String(), nil
}
