package tradestoretest

import (
	"testing"

	"github.com/coachpo/tradesync/internal/domain/tradestore"
)

func TestMemoryContract(t *testing.T) {
	RunContract(t, func(*testing.T) tradestore.Store { return NewMemory() })
}
