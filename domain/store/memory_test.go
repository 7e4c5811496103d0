package store_test

import (
	"testing"

	"github.com/cortate/trust-engine/domain"
	"github.com/cortate/trust-engine/domain/store"
	"github.com/cortate/trust-engine/store/storetest"
)

func TestMemory(t *testing.T) {
	storetest.Run(t, func(t *testing.T) domain.Stores {
		return store.NewMemory()
	})
}
