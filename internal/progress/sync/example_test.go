package sync_test

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/koinelab/trilha/internal/account"
	"github.com/koinelab/trilha/internal/progress/cloudstore"
	"github.com/koinelab/trilha/internal/progress/localstore"
	"github.com/koinelab/trilha/internal/progress/sync"
)

// This example demonstrates recording progress through the façade.
// Note: This is for documentation only and won't run as a test.
func ExampleNew() {
	local, err := localstore.Open(".trilha/progress.db")
	if err != nil {
		log.Fatal(err)
	}
	defer local.Close()

	if err := local.InitSchema(); err != nil {
		log.Fatal(err)
	}

	acct := account.NewStatic(&account.User{ID: "u1"}, account.PlanCloud, time.Time{})
	gate := cloudstore.NewGate(cloudstore.NewMemoryStore(nil), acct, acct, nil)
	mgr := sync.New(local, gate, nil)

	ctx := context.Background()
	go func() { _ = mgr.Queue().Run(ctx) }()

	rec, err := mgr.MarkBlockCompleted(ctx, "trilha-01", "bloco-3")
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("completed %d blocks\n", len(rec.CompletedBlocks))
}
