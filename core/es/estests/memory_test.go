package estests

import (
	"testing"

	"github.com/codewandler/esrc/core/es"
)

func TestMemoryLog(t *testing.T) {
	RunLogSuite(t, func(t *testing.T) es.EventLog { return es.NewMemoryLog() })
}
