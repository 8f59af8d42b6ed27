// lockctl inspects and sweeps the shared lock database. Pipelines run it
// before starting workers to recover from crashed prior runs.
package main

import (
	"context"
	"flag"
	"log"
	"time"

	"github.com/mirkobrombin/go-pagelock/v1/mutex"
)

var (
	dbPath  = flag.String("db", "pagelock.db", "Path to the shared lock database")
	timeout = flag.Duration("timeout", time.Second, "Store busy timeout")
	list    = flag.Bool("list", false, "List live lock records")
	sweep   = flag.Bool("clear", false, "Clear lock records")
	age     = flag.Duration("age", 0, "With -clear, only remove records older than this")
)

func main() {
	flag.Parse()
	if !*list && !*sweep {
		flag.Usage()
		return
	}

	ctx := context.Background()
	m := mutex.NewDatabase(*dbPath, mutex.WithStoreTimeout(*timeout))
	defer func() { _ = m.Close() }()

	if *sweep {
		if err := m.ClearLocks(ctx, *age); err != nil {
			log.Fatalf("clear locks: %v", err)
		}
	}

	if *list {
		recs, err := m.Records(ctx)
		if err != nil {
			log.Fatalf("list records: %v", err)
		}
		if len(recs) == 0 {
			log.Println("no live lock records")
			return
		}
		for _, r := range recs {
			log.Printf("%s\t%s\tpid=%d\tsince=%s", r.Path, r.Processor, r.Owner, r.Time.Format(time.RFC3339))
		}
	}
}
