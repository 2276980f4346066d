package parley_test

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/aretw0/parley"
	"github.com/aretw0/parley/internal/config"
	"github.com/aretw0/parley/pkg/domain"
)

// ExampleNew shows two avatars on one page: only one of them can be live.
func ExampleNew() {
	ctx := context.Background()
	cfg := config.Config{ScriptLoadTimeout: time.Second, SettleDelay: time.Millisecond}

	hub, err := parley.New(ctx, cfg, parley.WithFetcher(stubFetcher{}))
	if err != nil {
		log.Fatal(err)
	}
	defer hub.Close(ctx)

	if err := hub.Register(ctx, []domain.SessionParams{avatar("guide"), avatar("support")}); err != nil {
		log.Fatal(err)
	}

	if err := hub.Sessions.Activate(ctx, "guide"); err != nil {
		log.Fatal(err)
	}
	err = hub.Sessions.Activate(ctx, "support")
	fmt.Println(errors.Is(err, domain.ErrDuplicateSession))

	for _, s := range hub.Sessions.List() {
		fmt.Println(s.ID, s.State)
	}
	// Output:
	// true
	// guide active
	// support idle
}
