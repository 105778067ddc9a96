package client_test

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"

	"github.com/steveyegge/offsync/internal/offline/client"
	"github.com/steveyegge/offsync/internal/offline/netstat"
	"github.com/steveyegge/offsync/internal/offline/store"
	"github.com/steveyegge/offsync/internal/offline/sync"
)

// This example queues a sale while offline and sends it once the network
// comes back.
func ExampleClient_FlushQueue() {
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}))
	defer api.Close()

	dir, err := os.MkdirTemp("", "offsync-example")
	if err != nil {
		log.Fatal(err)
	}
	defer os.RemoveAll(dir)

	st := store.New(filepath.Join(dir, "offsync.db"))
	defer st.Close()

	online := netstat.NewStatic(false)
	c := client.New(st, client.WithChecker(online))
	ctx := context.Background()

	if _, err := c.EnqueueRequest(ctx, api.URL+"/api/sales", "POST", map[string]int{"total": 1299}, nil); err != nil {
		log.Fatal(err)
	}
	pending, err := c.Queue().Len(ctx)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println("queued:", pending)

	// Connectivity restored
	online.Set(true)
	res, err := c.FlushQueue(ctx, func(p sync.Progress) {
		fmt.Println("sent:", p.Done)
	})
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println("succeeded:", res.Succeeded)

	// Output:
	// queued: 1
	// sent: true
	// succeeded: 1
}

// This example reads through the cache, falling back to the last good copy
// when the API is unreachable.
// Note: This is for documentation only and won't run as a test.
func ExampleClient_FetchWithCache() {
	st := store.New(".offsync/offsync.db")
	defer st.Close()

	probe := &netstat.HTTPProbe{URL: "https://api.example.com/health"}
	c := client.New(st, client.WithChecker(probe))

	res := c.FetchWithCache(context.Background(), "products", "https://api.example.com/api/products", nil)
	if res.Err != nil {
		log.Fatal(res.Err)
	}
	if res.FromCache {
		fmt.Println("showing cached products")
	}
	fmt.Println(string(res.Data))
}
