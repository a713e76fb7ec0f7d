package store_test

import (
	"testing"

	"github.com/warp/shadow-ledger/ledger"
	"github.com/warp/shadow-ledger/ledger/store"
	"github.com/warp/shadow-ledger/ledger/storetest"
)

func TestMemory_Conformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) ledger.Store {
		return store.NewMemory()
	})
}
